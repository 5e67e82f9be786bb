// internal/media/cloudinary.go
package media

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/RegistryAccord/registryaccord-media-go/internal/transform"
	"github.com/google/uuid"
)

const (
	defaultAPIBaseURL      = "https://api.cloudinary.com"
	defaultDeliveryBaseURL = "https://res.cloudinary.com"
	defaultChunkSize       = 20 * 1024 * 1024
)

// CloudinaryConfig holds account credentials and endpoints.
type CloudinaryConfig struct {
	CloudName       string
	APIKey          string
	APISecret       string
	APIBaseURL      string       // Overridable for tests
	DeliveryBaseURL string       // Overridable for private CDNs
	HTTPClient      *http.Client // Defaults to a client without a timeout; uploads are never cut short
	Logger          *slog.Logger // Defaults to slog.Default()
}

// Cloudinary implements Service against the Cloudinary REST API.
type Cloudinary struct {
	cfg    CloudinaryConfig
	client *http.Client
	logger *slog.Logger
	now    func() time.Time
}

// NewCloudinary creates a Cloudinary client. All three credentials are required.
func NewCloudinary(cfg CloudinaryConfig) (*Cloudinary, error) {
	if cfg.CloudName == "" || cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, fmt.Errorf("%w: cloud_name, api_key, and api_secret are required", ErrMissingCredentials)
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultAPIBaseURL
	}
	if cfg.DeliveryBaseURL == "" {
		cfg.DeliveryBaseURL = defaultDeliveryBaseURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Cloudinary{cfg: cfg, client: client, logger: logger.With("component", "cloudinary"), now: time.Now}, nil
}

// CloudName implements Service.
func (c *Cloudinary) CloudName() string { return c.cfg.CloudName }

// Upload streams the payload in a single signed multipart request.
func (c *Cloudinary) Upload(ctx context.Context, f File, opts UploadOptions) (*UploadResult, error) {
	params := c.sign(uploadParams(opts))
	endpoint := c.apiURL(resourceOrAuto(opts.ResourceType), "upload")

	pr, pw := io.Pipe()
	defer pr.Close()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeMultipart(mw, params, f.Name, f.Body))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, pr)
	if err != nil {
		return nil, fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var res UploadResult
	if err := c.do(req, &res); err != nil {
		return nil, err
	}
	return res.normalize(), nil
}

// UploadLarge sends the payload in opts.ChunkSize pieces sharing one upload id.
// The final chunk's response describes the stored asset.
func (c *Cloudinary) UploadLarge(ctx context.Context, f File, opts UploadOptions) (*UploadResult, error) {
	if f.Size <= 0 {
		return c.Upload(ctx, f, opts)
	}
	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	if chunkSize > f.Size {
		chunkSize = f.Size
	}

	uploadID := uuid.NewString()
	endpoint := c.apiURL(resourceOrAuto(opts.ResourceType), "upload")
	buf := make([]byte, chunkSize)

	var offset int64
	for offset < f.Size {
		n, err := io.ReadFull(f.Body, buf)
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to read chunk at offset %d: %w", offset, err)
		}
		if n == 0 {
			return nil, fmt.Errorf("payload ended after %d of %d bytes", offset, f.Size)
		}

		params := c.sign(uploadParams(opts))
		var body bytes.Buffer
		mw := multipart.NewWriter(&body)
		if err := writeMultipart(mw, params, f.Name, bytes.NewReader(buf[:n])); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
		if err != nil {
			return nil, fmt.Errorf("failed to create chunk request: %w", err)
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())
		req.Header.Set("X-Unique-Upload-Id", uploadID)
		req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, offset+int64(n)-1, f.Size))

		var res UploadResult
		if err := c.do(req, &res); err != nil {
			return nil, err
		}
		offset += int64(n)
		if offset >= f.Size {
			return res.normalize(), nil
		}
		c.logger.DebugContext(ctx, "chunk uploaded", "upload_id", uploadID, "offset", offset, "size", f.Size)
	}
	return nil, fmt.Errorf("payload is empty")
}

// Destroy removes an asset.
func (c *Cloudinary) Destroy(ctx context.Context, publicID, resourceType string) error {
	form := c.sign(map[string]string{
		"public_id":  publicID,
		"invalidate": "true",
	})
	var res struct {
		Result string `json:"result"`
	}
	if err := c.postForm(ctx, c.apiURL(adminResourceType(resourceType), "destroy"), form, &res); err != nil {
		return err
	}
	if res.Result != "ok" {
		return fmt.Errorf("destroy %s: %w (%s)", publicID, ErrNotFound, res.Result)
	}
	return nil
}

// Rename moves an asset to a new public id without overwriting an existing one.
func (c *Cloudinary) Rename(ctx context.Context, fromPublicID, toPublicID, resourceType string) (*UploadResult, error) {
	form := c.sign(map[string]string{
		"from_public_id": fromPublicID,
		"to_public_id":   toPublicID,
		"overwrite":      "false",
		"invalidate":     "true",
	})
	var res UploadResult
	if err := c.postForm(ctx, c.apiURL(adminResourceType(resourceType), "rename"), form, &res); err != nil {
		return nil, err
	}
	return res.normalize(), nil
}

// RootFolders lists top-level folders through the Admin API.
func (c *Cloudinary) RootFolders(ctx context.Context) ([]Folder, error) {
	return c.folders(ctx, "")
}

// SubFolders lists the direct children of folderPath.
func (c *Cloudinary) SubFolders(ctx context.Context, folderPath string) ([]Folder, error) {
	return c.folders(ctx, folderPath)
}

func (c *Cloudinary) folders(ctx context.Context, folderPath string) ([]Folder, error) {
	endpoint := fmt.Sprintf("%s/v1_1/%s/folders", c.cfg.APIBaseURL, c.cfg.CloudName)
	if folderPath != "" {
		endpoint += "/" + escapePath(folderPath)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create folders request: %w", err)
	}
	req.SetBasicAuth(c.cfg.APIKey, c.cfg.APISecret)

	var res struct {
		Folders []Folder `json:"folders"`
	}
	if err := c.do(req, &res); err != nil {
		return nil, err
	}
	return res.Folders, nil
}

// URL builds a delivery URL:
// {base}/{cloud}/{resource}/{type}/[s--sig--/][transformation/][v{version}/]{publicId}[.format]
func (c *Cloudinary) URL(publicID string, opts URLOptions) (string, error) {
	resourceType := opts.ResourceType
	if resourceType == "" || resourceType == ResourceAuto {
		resourceType = ResourceImage
	}
	deliveryType := opts.Type
	if deliveryType == "" {
		deliveryType = TypeUpload
	}

	trans := EncodeTransformation(opts.Transformation)
	if opts.Attachment != "" {
		stem, _ := splitExt(opts.Attachment)
		flag := "fl_attachment:" + url.PathEscape(stem)
		if trans == "" {
			trans = flag
		} else {
			trans += "/" + flag
		}
	}

	var rest []string
	if trans != "" {
		rest = append(rest, trans)
	}
	if opts.Version > 0 {
		rest = append(rest, "v"+strconv.FormatInt(opts.Version, 10))
	}
	id := publicID
	if opts.Format != "" {
		id += "." + opts.Format
	}
	rest = append(rest, id)
	toSign := strings.Join(rest, "/")

	parts := []string{c.cfg.DeliveryBaseURL, c.cfg.CloudName, resourceType, deliveryType}
	if opts.SignURL {
		parts = append(parts, c.urlSignature(toSign))
	}
	parts = append(parts, toSign)
	out := strings.Join(parts, "/")

	if opts.AuthToken != nil {
		tok, err := SignToken(c.cfg.APISecret, c.cfg.APIKey, *opts.AuthToken)
		if err != nil {
			return "", err
		}
		out += "?__cld_token__=" + tok.String()
	}
	return out, nil
}

// urlSignature is the first 8 characters of the URL-safe base64 SHA-1 of the
// signed path plus the API secret.
func (c *Cloudinary) urlSignature(toSign string) string {
	sum := sha1.Sum([]byte(toSign + c.cfg.APISecret))
	enc := base64.RawURLEncoding.EncodeToString(sum[:])
	return "s--" + enc[:8] + "--"
}

// SignedToken is an access token bound to a resource scope.
type SignedToken struct {
	Timestamp int64  `json:"timestamp"`
	Duration  int    `json:"duration"`
	ACL       string `json:"acl"`
	Signature string `json:"signature"`
	Key       string `json:"key"`
}

// String renders the token as a URL query value.
func (t SignedToken) String() string {
	return fmt.Sprintf("timestamp=%d~duration=%d~acl=%s~key=%s~hmac=%s",
		t.Timestamp, t.Duration, url.QueryEscape(t.ACL), t.Key, t.Signature)
}

// SignToken computes an HMAC-SHA256 over timestamp, duration and scope.
func SignToken(secret, key string, at AuthToken) (SignedToken, error) {
	if key == "" {
		return SignedToken{}, fmt.Errorf("%w: api key is required for auth tokens", ErrMissingCredentials)
	}
	if secret == "" {
		return SignedToken{}, fmt.Errorf("%w: api secret is required for auth tokens", ErrMissingCredentials)
	}
	authString := fmt.Sprintf("timestamp=%d&duration=%d&acl=%s", at.StartTime, at.Duration, at.ACL)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(authString))
	return SignedToken{
		Timestamp: at.StartTime,
		Duration:  at.Duration,
		ACL:       at.ACL,
		Signature: hex.EncodeToString(mac.Sum(nil)),
		Key:       key,
	}, nil
}

// transformationKeys maps parameter names onto URL transformation components.
var transformationKeys = map[string]string{
	"angle":         "a",
	"aspect_ratio":  "ar",
	"audio_codec":   "ac",
	"background":    "b",
	"bit_rate":      "br",
	"border":        "bo",
	"color":         "co",
	"crop":          "c",
	"default_image": "d",
	"density":       "dn",
	"dpr":           "dpr",
	"duration":      "du",
	"effect":        "e",
	"end_offset":    "eo",
	"fetch_format":  "f",
	"flags":         "fl",
	"gravity":       "g",
	"height":        "h",
	"opacity":       "o",
	"overlay":       "l",
	"page":          "pg",
	"quality":       "q",
	"radius":        "r",
	"start_offset":  "so",
	"video_codec":   "vc",
	"width":         "w",
	"x":             "x",
	"y":             "y",
	"zoom":          "z",
}

// EncodeTransformation renders params as a comma-separated component list,
// sorted for stable URLs. Unknown keys and non-scalar values are skipped.
func EncodeTransformation(p transform.Params) string {
	if len(p) == 0 {
		return ""
	}
	parts := make([]string, 0, len(p))
	for k, v := range p {
		abbr, ok := transformationKeys[k]
		if !ok {
			continue
		}
		s, ok := scalar(v)
		if !ok || s == "" {
			continue
		}
		parts = append(parts, abbr+"_"+s)
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

func scalar(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		return "", false
	}
}

// uploadParams converts options into upload request fields.
func uploadParams(opts UploadOptions) map[string]string {
	p := map[string]string{}
	if opts.Folder != "" {
		p["folder"] = opts.Folder
	}
	if opts.UseFilename != nil {
		p["use_filename"] = strconv.FormatBool(*opts.UseFilename)
	}
	if opts.UniqueFilename != nil {
		p["unique_filename"] = strconv.FormatBool(*opts.UniqueFilename)
	}
	if t := EncodeTransformation(opts.Transformation); t != "" {
		p["transformation"] = t
	}
	if len(opts.Eager) > 0 {
		eager := make([]string, 0, len(opts.Eager))
		for _, e := range opts.Eager {
			if t := EncodeTransformation(e); t != "" {
				eager = append(eager, t)
			}
		}
		if len(eager) > 0 {
			p["eager"] = strings.Join(eager, "|")
		}
		if opts.EagerAsync {
			p["eager_async"] = "true"
		}
	}
	if opts.Type != "" {
		p["type"] = opts.Type
	}
	if opts.AccessMode != "" {
		p["access_mode"] = opts.AccessMode
	}
	if opts.AccessType != "" {
		p["access_type"] = opts.AccessType
	}
	return p
}

// sign adds timestamp, api_key and the SHA-1 request signature.
func (c *Cloudinary) sign(params map[string]string) map[string]string {
	params["timestamp"] = strconv.FormatInt(c.now().Unix(), 10)
	params["signature"] = SignParams(params, c.cfg.APISecret)
	params["api_key"] = c.cfg.APIKey
	return params
}

// SignParams computes the API request signature: sorted key=value pairs joined
// with '&', followed by the secret, hashed with SHA-1.
func SignParams(params map[string]string, secret string) string {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		switch k {
		case "file", "api_key", "resource_type", "cloud_name", "signature":
			continue
		}
		if v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = k + "=" + params[k]
	}
	sum := sha1.Sum([]byte(strings.Join(pairs, "&") + secret))
	return hex.EncodeToString(sum[:])
}

func writeMultipart(mw *multipart.Writer, params map[string]string, filename string, body io.Reader) error {
	for k, v := range params {
		if err := mw.WriteField(k, v); err != nil {
			return fmt.Errorf("failed to write field %s: %w", k, err)
		}
	}
	if filename == "" {
		filename = "file"
	}
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return fmt.Errorf("failed to create file part: %w", err)
	}
	if _, err := io.Copy(part, body); err != nil {
		return fmt.Errorf("failed to stream file: %w", err)
	}
	return mw.Close()
}

func (c *Cloudinary) postForm(ctx context.Context, endpoint string, form map[string]string, out any) error {
	values := url.Values{}
	for k, v := range form {
		values.Set(k, v)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(values.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req, out)
}

// do sends req and decodes a JSON body into out, mapping error bodies to *APIError.
func (c *Cloudinary) do(req *http.Request, out any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("media service request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read media service response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		msg := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &e) == nil && e.Error.Message != "" {
			msg = e.Error.Message
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode media service response: %w", err)
	}
	return nil
}

func (c *Cloudinary) apiURL(resourceType, action string) string {
	return fmt.Sprintf("%s/v1_1/%s/%s/%s", c.cfg.APIBaseURL, c.cfg.CloudName, resourceType, action)
}

func resourceOrAuto(rt string) string {
	if rt == "" {
		return ResourceAuto
	}
	return rt
}

func escapePath(p string) string {
	segs := strings.Split(p, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}
