// internal/media/s3.go
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"path"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// s3MinPartSize is the smallest part S3 accepts for all but the last part.
const s3MinPartSize = 5 * 1024 * 1024

// S3Config holds the bucket settings for the S3-compatible backend.
type S3Config struct {
	Endpoint  string       // S3 service endpoint URL
	Region    string       // AWS region (or equivalent for S3-compatible services)
	Bucket    string       // Bucket holding all assets
	AccessKey string       // Access key for authentication
	SecretKey string       // Secret key for authentication
	PublicURL string       // Base URL for unsigned delivery; defaults to endpoint/bucket
	Logger    *slog.Logger // Defaults to slog.Default()
}

// S3 implements Service on an S3-compatible object store. Public ids are object
// keys without extension; the extension is kept as the format. Transformations are
// not applied by the store and are ignored.
type S3 struct {
	client  *s3.Client
	presign *s3.PresignClient
	cfg     S3Config
	logger  *slog.Logger
	version atomic.Int64
}

// NewS3 creates the S3 backend.
// It supports both AWS S3 and S3-compatible services like MinIO.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	if cfg.Bucket == "" || cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("%w: bucket, access key, and secret key are required", ErrMissingCredentials)
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(aws.CredentialsProviderFunc(
			func(ctx context.Context) (aws.Credentials, error) {
				return aws.Credentials{
					AccessKeyID:     cfg.AccessKey,
					SecretAccessKey: cfg.SecretKey,
				}, nil
			})),
	}
	if cfg.Endpoint != "" {
		opts = append(opts, config.WithBaseEndpoint(cfg.Endpoint))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// Path-style addressing for MinIO and other S3-compatible services
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})

	if cfg.PublicURL == "" {
		base := cfg.Endpoint
		if base == "" {
			base = fmt.Sprintf("https://s3.%s.amazonaws.com", cfg.Region)
		}
		cfg.PublicURL = strings.TrimRight(base, "/") + "/" + cfg.Bucket
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &S3{
		client:  client,
		presign: s3.NewPresignClient(client),
		cfg:     cfg,
		logger:  logger.With("component", "s3"),
	}
	s.version.Store(time.Now().Unix())
	return s, nil
}

// CloudName implements Service.
func (s *S3) CloudName() string { return s.cfg.Bucket }

// Upload stores the payload with a single PutObject.
func (s *S3) Upload(ctx context.Context, f File, opts UploadOptions) (*UploadResult, error) {
	key, publicID, format := s.objectKey(f.Name, opts)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(key),
		Body:          f.Body,
		ContentLength: aws.Int64(f.Size),
		ContentType:   aws.String(contentType(f.Name)),
	})
	if err != nil {
		return nil, mapS3Error(err)
	}
	return s.result(publicID, format, f.Size, opts), nil
}

// UploadLarge stores the payload as a multipart upload of opts.ChunkSize parts.
func (s *S3) UploadLarge(ctx context.Context, f File, opts UploadOptions) (*UploadResult, error) {
	partSize := opts.ChunkSize
	if partSize < s3MinPartSize {
		partSize = s3MinPartSize
	}
	if f.Size <= partSize {
		return s.Upload(ctx, f, opts)
	}

	key, publicID, format := s.objectKey(f.Name, opts)
	created, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType(f.Name)),
	})
	if err != nil {
		return nil, mapS3Error(err)
	}

	abort := func(cause error) error {
		// Use a fresh context so the abort still runs after cancellation
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(s.cfg.Bucket),
			Key:      aws.String(key),
			UploadId: created.UploadId,
		}); err != nil {
			s.logger.Warn("failed to abort multipart upload", "key", key, "error", err)
		}
		return cause
	}

	var parts []types.CompletedPart
	buf := make([]byte, partSize)
	var offset int64
	for partNumber := int32(1); offset < f.Size; partNumber++ {
		n, err := io.ReadFull(f.Body, buf)
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
			return nil, abort(fmt.Errorf("failed to read part %d: %w", partNumber, err))
		}
		if n == 0 {
			return nil, abort(fmt.Errorf("payload ended after %d of %d bytes", offset, f.Size))
		}
		out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:        aws.String(s.cfg.Bucket),
			Key:           aws.String(key),
			UploadId:      created.UploadId,
			PartNumber:    aws.Int32(partNumber),
			Body:          bytes.NewReader(buf[:n]),
			ContentLength: aws.Int64(int64(n)),
		})
		if err != nil {
			return nil, abort(mapS3Error(err))
		}
		parts = append(parts, types.CompletedPart{ETag: out.ETag, PartNumber: aws.Int32(partNumber)})
		offset += int64(n)
	}

	if _, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.cfg.Bucket),
		Key:             aws.String(key),
		UploadId:        created.UploadId,
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	}); err != nil {
		return nil, abort(mapS3Error(err))
	}
	return s.result(publicID, format, f.Size, opts), nil
}

// Destroy deletes the object behind publicID. The format is not known here, so
// the object is looked up by prefix.
func (s *S3) Destroy(ctx context.Context, publicID, _ string) error {
	key, err := s.findKey(ctx, publicID)
	if err != nil {
		return err
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	}); err != nil {
		return mapS3Error(err)
	}
	return nil
}

// Rename copies the object to its new key and deletes the original. An existing
// destination is never overwritten.
func (s *S3) Rename(ctx context.Context, fromPublicID, toPublicID, resourceType string) (*UploadResult, error) {
	from, err := s.findKey(ctx, fromPublicID)
	if err != nil {
		return nil, err
	}
	_, format := splitExt(from)
	to := toPublicID
	if format != "" {
		to += "." + format
	}

	if _, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(to),
	}); err == nil {
		return nil, &APIError{Status: 409, Message: fmt.Sprintf("resource already exists: %s", toPublicID)}
	}

	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(from),
	})
	if err != nil {
		return nil, mapS3Error(err)
	}
	if _, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.cfg.Bucket),
		Key:        aws.String(to),
		CopySource: aws.String(s.cfg.Bucket + "/" + from),
	}); err != nil {
		return nil, mapS3Error(err)
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(from),
	}); err != nil {
		s.logger.WarnContext(ctx, "renamed object but failed to delete original", "key", from, "error", err)
	}

	var size int64
	if head.ContentLength != nil {
		size = *head.ContentLength
	}
	return s.result(toPublicID, format, size, UploadOptions{ResourceType: resourceType}), nil
}

// URL returns the public object URL, or a presigned GET when a signature or
// expiry is requested.
func (s *S3) URL(publicID string, opts URLOptions) (string, error) {
	key := publicID
	if opts.Format != "" {
		key += "." + opts.Format
	}
	if !opts.SignURL && opts.AuthToken == nil && opts.ExpiresAt == 0 {
		return s.cfg.PublicURL + "/" + key, nil
	}

	expires := time.Hour
	if opts.ExpiresAt > 0 {
		expires = time.Until(time.Unix(opts.ExpiresAt, 0))
	} else if opts.AuthToken != nil && opts.AuthToken.Duration > 0 {
		expires = time.Duration(opts.AuthToken.Duration) * time.Second
	}
	if expires <= 0 {
		expires = time.Second
	}

	input := &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	}
	if opts.Attachment != "" {
		input.ResponseContentDisposition = aws.String(fmt.Sprintf("attachment; filename=%q", opts.Attachment))
	}
	req, err := s.presign.PresignGetObject(context.Background(), input, func(o *s3.PresignOptions) {
		o.Expires = expires
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned URL: %w", err)
	}
	return req.URL, nil
}

// RootFolders lists top-level prefixes.
func (s *S3) RootFolders(ctx context.Context) ([]Folder, error) {
	return s.SubFolders(ctx, "")
}

// SubFolders lists the common prefixes directly below folderPath.
func (s *S3) SubFolders(ctx context.Context, folderPath string) ([]Folder, error) {
	prefix := ""
	if folderPath != "" {
		prefix = strings.TrimSuffix(folderPath, "/") + "/"
	}
	var folders []Folder
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.cfg.Bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, mapS3Error(err)
		}
		for _, cp := range page.CommonPrefixes {
			full := strings.TrimSuffix(aws.ToString(cp.Prefix), "/")
			folders = append(folders, Folder{Name: path.Base(full), Path: full})
		}
	}
	return folders, nil
}

func (s *S3) findKey(ctx context.Context, publicID string) (string, error) {
	out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.cfg.Bucket),
		Prefix:  aws.String(publicID),
		MaxKeys: aws.Int32(10),
	})
	if err != nil {
		return "", mapS3Error(err)
	}
	for _, obj := range out.Contents {
		key := aws.ToString(obj.Key)
		if stem, _ := splitExt(key); stem == publicID {
			return key, nil
		}
	}
	return "", fmt.Errorf("object %s: %w", publicID, ErrNotFound)
}

func (s *S3) objectKey(filename string, opts UploadOptions) (key, publicID, format string) {
	stem, ext := splitExt(path.Base(filename))
	if stem == "" || stem == "." {
		stem = "file"
	}
	if opts.UniqueFilename == nil || *opts.UniqueFilename {
		stem = fmt.Sprintf("%s_%d", stem, time.Now().UnixNano())
	}
	publicID = stem
	if opts.Folder != "" {
		publicID = opts.Folder + "/" + stem
	}
	key = publicID
	if ext != "" {
		key += "." + ext
	}
	return key, publicID, ext
}

func (s *S3) result(publicID, format string, size int64, opts UploadOptions) *UploadResult {
	rt := opts.ResourceType
	if rt == "" || rt == ResourceAuto {
		rt = resourceTypeFromFormat(format)
	}
	key := publicID
	if format != "" {
		key += "." + format
	}
	version := s.version.Add(1)
	res := &UploadResult{
		PublicID:     publicID,
		SecureURL:    s.cfg.PublicURL + "/" + key,
		ResourceType: rt,
		Format:       format,
		Version:      version,
		Bytes:        size,
	}
	return res.normalize()
}

func contentType(filename string) string {
	if t := mime.TypeByExtension(path.Ext(filename)); t != "" {
		return t
	}
	return "application/octet-stream"
}

func resourceTypeFromFormat(format string) string {
	t := mime.TypeByExtension("." + format)
	switch {
	case strings.HasPrefix(t, "image/"):
		return ResourceImage
	case strings.HasPrefix(t, "video/"):
		return ResourceVideo
	default:
		return ResourceRaw
	}
}

// mapS3Error converts S3 API errors into *APIError so callers can match sentinels.
func mapS3Error(err error) error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	status := 500
	switch apiErr.ErrorCode() {
	case "EntityTooLarge":
		status = 413
	case "NoSuchKey", "NotFound", "NoSuchBucket":
		status = 404
	case "AccessDenied":
		status = 403
	}
	return &APIError{Status: status, Message: apiErr.ErrorMessage()}
}
