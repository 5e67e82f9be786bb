// internal/model/media.go
// Package model defines the data structures used throughout the media service.
// These structures represent asset documents persisted by the host and the
// request/response bodies exchanged over HTTP.
package model

import (
	"time"
)

// Asset is the metadata persisted on a host document after a successful upload.
// It carries enough of the remote service's response to rebuild delivery URLs later.
// This corresponds to the media_assets table in storage.
type Asset struct {
	ID                   string         `json:"id" db:"id"`                                                // ULID document identifier
	Collection           string         `json:"collection" db:"collection"`                                // Owning collection slug
	Filename             string         `json:"filename" db:"filename"`                                    // Original filename
	MimeType             string         `json:"mimeType,omitempty" db:"mime_type"`                         // MIME type reported by the uploader
	PublicID             string         `json:"publicId" db:"public_id"`                                   // Remote public identifier (includes folder)
	URL                  string         `json:"url" db:"url"`                                              // Secure delivery URL
	ThumbnailURL         string         `json:"thumbnailUrl,omitempty" db:"thumbnail_url"`                 // 150x150 admin thumbnail
	ResourceType         string         `json:"resourceType" db:"resource_type"`                           // image, video, raw
	Format               string         `json:"format,omitempty" db:"format"`                              // File extension reported remotely
	Version              int64          `json:"version,omitempty" db:"version"`                            // Remote version stamp
	Filesize             int64          `json:"filesize" db:"filesize"`                                    // Bytes stored remotely
	Width                int            `json:"width,omitempty" db:"width"`                                // Pixel width when known
	Height               int            `json:"height,omitempty" db:"height"`                              // Pixel height when known
	Folder               string         `json:"folder,omitempty" db:"folder"`                              // Folder actually used remotely
	IsPrivate            bool           `json:"isPrivate" db:"is_private"`                                 // Uploaded with authenticated access
	RequiresSignedURL    bool           `json:"requiresSignedURL" db:"requires_signed_url"`                // Delivery needs a signed URL
	TransformationPreset string         `json:"transformationPreset,omitempty" db:"transformation_preset"` // Preset applied on upload
	Fields               map[string]any `json:"fields,omitempty" db:"fields"`                              // Free-form document fields (folder/preset selections)
	CreatedAt            time.Time      `json:"createdAt" db:"created_at"`                                 // When the document was created
	UpdatedAt            time.Time      `json:"updatedAt" db:"updated_at"`                                 // When the document was last changed
}

// Field returns the string value of a free-form document field.
func (a Asset) Field(name string) string {
	if a.Fields == nil {
		return ""
	}
	s, _ := a.Fields[name].(string)
	return s
}

// UploadStatus is the transient state reported while an upload is in progress.
type UploadStatus string

const (
	UploadQueued    UploadStatus = "queued"
	UploadUploading UploadStatus = "uploading"
	UploadCompleted UploadStatus = "completed"
	UploadFailed    UploadStatus = "failed"
)

// UpdateAssetRequest represents the request body for changing document fields.
type UpdateAssetRequest struct {
	Fields map[string]any `json:"fields"` // Fields to merge into the document
}

// SignedURLData contains a signed URL issued for a private asset.
type SignedURLData struct {
	URL         string    `json:"url"`                   // Time-limited delivery URL
	DownloadURL string    `json:"downloadUrl,omitempty"` // Attachment variant, when requested
	ExpiresIn   int       `json:"expiresIn"`             // Lifetime in seconds
	ExpiresAt   time.Time `json:"expiresAt"`             // Absolute expiry
}

// BatchSignedURLRequest represents the request body for issuing several signed URLs.
type BatchSignedURLRequest struct {
	IDs []string `json:"ids"` // Document identifiers
}

// BatchSignedURLEntry is one per-document outcome of a batch request.
type BatchSignedURLEntry struct {
	ID                string     `json:"id"`                          // Document identifier
	URL               string     `json:"url,omitempty"`               // Signed or public URL
	ExpiresIn         int        `json:"expiresIn,omitempty"`         // Lifetime in seconds
	ExpiresAt         *time.Time `json:"expiresAt,omitempty"`         // Absolute expiry
	RequiresSignedURL *bool      `json:"requiresSignedURL,omitempty"` // false for public documents
	Error             string     `json:"error,omitempty"`             // Per-entry failure reason
}

// BatchSignedURLData wraps the per-document results.
type BatchSignedURLData struct {
	Results []BatchSignedURLEntry `json:"results"`
}

// URLData is returned by the URL generation endpoint.
type URLData struct {
	URL string `json:"url"`
}

// FolderOption is a selectable remote folder.
type FolderOption struct {
	Label string `json:"label"` // Indented display label
	Value string `json:"value"` // Folder path ("" is the root)
}

// ListAssetsQuery represents the query parameters for listing a collection's assets.
type ListAssetsQuery struct {
	Collection string // Collection slug
	Folder     string // Optional folder filter
	Limit      int    // Maximum number of assets to return
	Cursor     string // Pagination cursor
}

// ListAssetsResult represents one page of assets.
type ListAssetsResult struct {
	Assets     []Asset `json:"assets"`               // Assets on this page
	NextCursor string  `json:"nextCursor,omitempty"` // Cursor for the next page
}
