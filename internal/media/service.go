// internal/media/service.go
// Package media talks to the remote media-management service that stores uploaded
// assets. Service is the boundary the rest of the module depends on; Cloudinary and
// S3 implement it against real backends and Fake implements it in memory.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/RegistryAccord/registryaccord-media-go/internal/transform"
)

// Sentinel errors matched with errors.Is against backend failures.
var (
	ErrPayloadTooLarge    = errors.New("payload too large")
	ErrInvalidFormat      = errors.New("invalid file format")
	ErrNotFound           = errors.New("resource not found")
	ErrMissingCredentials = errors.New("missing required media service credentials")
)

// Resource kinds accepted by the remote service.
const (
	ResourceImage = "image"
	ResourceVideo = "video"
	ResourceRaw   = "raw"
	ResourceAuto  = "auto"
)

// Delivery types.
const (
	TypeUpload        = "upload"
	TypeAuthenticated = "authenticated"
)

// File is a payload handed to the remote service.
type File struct {
	Name string    // Original filename
	Body io.Reader // Payload; read exactly once
	Size int64     // Declared size in bytes
}

// UploadOptions are the remote request parameters for a single upload.
type UploadOptions struct {
	ResourceType   string             // image, video, raw or auto
	Folder         string             // Destination folder ("" is the root)
	UseFilename    *bool              // Derive the public id from the filename
	UniqueFilename *bool              // Append a random suffix to derived ids
	Transformation transform.Params   // Applied to the stored original
	Eager          []transform.Params // Derived renditions, original kept intact
	EagerAsync     bool               // Build eager renditions in the background
	Type           string             // upload or authenticated
	AccessMode     string             // public or authenticated
	AccessType     string             // Comma-joined auth types
	ChunkSize      int64              // Chunk size in bytes for large uploads
}

// UploadResult is the subset of the remote response the module relies on.
type UploadResult struct {
	PublicID     string `json:"public_id"`
	SecureURL    string `json:"secure_url"`
	ResourceType string `json:"resource_type"`
	Format       string `json:"format"`
	Version      int64  `json:"version"`
	Bytes        int64  `json:"bytes"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	Folder       string `json:"folder"`
	AssetFolder  string `json:"asset_folder"`
}

// normalize fills Folder from whichever field the backend reported.
func (r *UploadResult) normalize() *UploadResult {
	if r.Folder == "" && r.AssetFolder != "" {
		r.Folder = r.AssetFolder
	}
	if r.Folder == "" {
		if dir := path.Dir(r.PublicID); dir != "." && dir != "/" {
			r.Folder = dir
		}
	}
	return r
}

// AuthToken requests a token-scoped URL.
type AuthToken struct {
	StartTime int64  // Unix seconds
	Duration  int    // Seconds
	ACL       string // Resource scope, e.g. /image/*/folder/id
}

// URLOptions control delivery URL generation.
type URLOptions struct {
	ResourceType   string           // Defaults to image
	Type           string           // Defaults to upload
	Version        int64            // Omitted when zero
	Format         string           // Appended as extension when set
	Transformation transform.Params // Rendered into the path
	SignURL        bool             // Add a URL signature component
	ExpiresAt      int64            // Unix seconds; backends without tokens use it directly
	Attachment     string           // Serve as a download with this filename
	AuthToken      *AuthToken       // Append an access token
}

// Folder is a remote folder entry.
type Folder struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// Uploader is the part of Service the upload queue needs.
type Uploader interface {
	Upload(ctx context.Context, f File, opts UploadOptions) (*UploadResult, error)
	UploadLarge(ctx context.Context, f File, opts UploadOptions) (*UploadResult, error)
}

// Service is the remote media-management API.
type Service interface {
	Uploader
	Destroy(ctx context.Context, publicID, resourceType string) error
	Rename(ctx context.Context, fromPublicID, toPublicID, resourceType string) (*UploadResult, error)
	URL(publicID string, opts URLOptions) (string, error)
	RootFolders(ctx context.Context) ([]Folder, error)
	SubFolders(ctx context.Context, folderPath string) ([]Folder, error)
	CloudName() string
}

// APIError is a non-success response from the remote service.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("media service error (status %d): %s", e.Status, e.Message)
}

// Is maps well-known remote failures onto the package sentinels.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrPayloadTooLarge:
		return e.Status == 413 || strings.Contains(e.Message, "File size too large")
	case ErrInvalidFormat:
		return strings.Contains(e.Message, "Invalid image file")
	case ErrNotFound:
		return e.Status == 404
	}
	return false
}

// IsPayloadTooLarge reports whether err is a size rejection. A remote
// APIError is judged by its status and message only; other errors are
// recognized from their text.
func IsPayloadTooLarge(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPayloadTooLarge) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "413") || strings.Contains(msg, "File size too large")
}

// adminResourceType maps auto onto a concrete kind for admin APIs that reject it.
func adminResourceType(rt string) string {
	if rt == "" || rt == ResourceAuto {
		return ResourceImage
	}
	return rt
}

// splitExt returns name without its extension and the extension without the dot.
func splitExt(name string) (string, string) {
	ext := path.Ext(name)
	return strings.TrimSuffix(name, ext), strings.TrimPrefix(ext, ".")
}
