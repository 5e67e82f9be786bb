package server

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	errordefs "github.com/RegistryAccord/registryaccord-media-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-media-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-media-go/internal/model"
	"github.com/RegistryAccord/registryaccord-media-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-media-go/internal/upload"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	idempotencyTTL = 24 * time.Hour
	maxMemory      = 32 << 20
)

// collection resolves the {collection} path value against the configured
// collections and writes a 404 when it is not one of them.
func (m *Mux) collection(w http.ResponseWriter, r *http.Request) (string, bool) {
	slug := r.PathValue("collection")
	if _, ok := m.a.Collection(slug); !ok {
		m.fail(w, r, errordefs.New(errordefs.MEDIA_NOT_FOUND, fmt.Sprintf("collection %s is not configured for media storage", slug), ""))
		return "", false
	}
	return slug, true
}

// handleUpload handles POST /v1/collections/{collection}/upload. The body is a
// multipart form with a "file" part, an optional "fields" JSON object and
// plain form values, which become document fields too.
func (m *Mux) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("media-service").Start(r.Context(), "handleUpload")
	defer span.End()

	collection, ok := m.collection(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, m.maxUploadSize+multipartOverhead)
	if err := r.ParseMultipartForm(maxMemory); err != nil {
		span.SetStatus(codes.Error, "invalid multipart body")
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			m.fail(w, r, errordefs.New(errordefs.MEDIA_TOO_LARGE, fmt.Sprintf("file exceeds the maximum upload size of %d bytes", m.maxUploadSize), ""))
			return
		}
		m.fail(w, r, errordefs.New(errordefs.MEDIA_VALIDATION, "multipart form body required", ""))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		m.fail(w, r, errordefs.New(errordefs.MEDIA_VALIDATION, "file is required", ""))
		return
	}
	defer file.Close()

	if header.Size > m.maxUploadSize {
		m.fail(w, r, errordefs.New(errordefs.MEDIA_TOO_LARGE, fmt.Sprintf("file exceeds the maximum upload size of %d bytes", m.maxUploadSize), ""))
		return
	}
	data, err := io.ReadAll(file)
	if err != nil {
		m.fail(w, r, fmt.Errorf("read upload: %w", err))
		return
	}

	fields, err := formFields(r.MultipartForm)
	if err != nil {
		m.fail(w, r, errordefs.New(errordefs.MEDIA_VALIDATION, "fields must be a JSON object", ""))
		return
	}

	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(data)
	}

	span.SetAttributes(
		attribute.String("collection", collection),
		attribute.String("filename", header.Filename),
		attribute.Int64("size", int64(len(data))),
	)

	idemKey := r.Header.Get("Idempotency-Key")
	var keyHash, requestHash string
	if idemKey != "" {
		keyHash = hashHex([]byte(collection + "\x00" + idemKey))
		if body, status, err := m.s.GetIdempotentResponse(ctx, keyHash); err == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_, _ = w.Write(body)
			return
		}
		fieldsJSON, _ := json.Marshal(fields)
		requestHash = hashHex(append(append([]byte(header.Filename+"\x00"), fieldsJSON...), data...))
	}

	asset, err := m.a.HandleUpload(ctx, collection, upload.File{
		Filename: header.Filename,
		Data:     data,
		Size:     int64(len(data)),
		MimeType: mimeType,
	}, fields, func(status model.UploadStatus, progress int) {
		m.logger.DebugContext(ctx, "upload progress", "collection", collection, "filename", header.Filename, "status", status, "progress", progress)
	})
	if err != nil {
		span.SetStatus(codes.Error, "upload failed")
		m.fail(w, r, err)
		return
	}

	now := time.Now().UTC()
	asset.ID = newID(now)
	asset.CreatedAt = now
	asset.UpdatedAt = now

	start := time.Now()
	err = m.s.CreateAsset(ctx, *asset)
	m.observeStorage("create_asset", start, err)
	if err != nil {
		// The remote copy would be orphaned without its document.
		m.a.HandleDelete(context.WithoutCancel(ctx), collection, *asset, asset.Filename)
		span.SetStatus(codes.Error, "store failed")
		m.fail(w, r, err)
		return
	}
	span.SetAttributes(attribute.String("asset_id", asset.ID), attribute.String("public_id", asset.PublicID))

	m.publish(ctx, "uploaded", *asset, m.p.PublishAssetUploaded)

	if idemKey != "" {
		responseBody, _ := json.Marshal(map[string]any{"data": asset})
		if err := m.s.StoreIdempotentResponse(ctx, keyHash, requestHash, responseBody, http.StatusCreated, now.Add(idempotencyTTL)); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				m.fail(w, r, errordefs.New(errordefs.MEDIA_CONFLICT, "idempotency key conflict: different payload for same key", ""))
				return
			}
			m.logger.Warn("failed to store idempotent response", "error", err)
		}
	}

	m.writeSuccess(w, http.StatusCreated, asset)
}

// formFields collects the plain form values and merges the optional "fields"
// JSON object over them.
func formFields(form *multipart.Form) (map[string]any, error) {
	fields := make(map[string]any)
	for k, v := range form.Value {
		if k == "fields" || len(v) == 0 {
			continue
		}
		fields[k] = v[0]
	}
	if raw := form.Value["fields"]; len(raw) > 0 && raw[0] != "" {
		var extra map[string]any
		if err := json.Unmarshal([]byte(raw[0]), &extra); err != nil {
			return nil, err
		}
		maps.Copy(fields, extra)
	}
	return fields, nil
}

func hashHex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// newID returns a lexicographically sortable document id.
func newID(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), rand.Reader).String()
}

// handleListAssets handles GET /v1/collections/{collection}/assets.
func (m *Mux) handleListAssets(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("media-service").Start(r.Context(), "handleListAssets")
	defer span.End()

	collection, ok := m.collection(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	query := model.ListAssetsQuery{
		Collection: collection,
		Folder:     q.Get("folder"),
		Cursor:     q.Get("cursor"),
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 || limit > storage.MaxListLimit {
			m.fail(w, r, errordefs.New(errordefs.MEDIA_VALIDATION, fmt.Sprintf("limit must be between 1 and %d", storage.MaxListLimit), ""))
			return
		}
		query.Limit = limit
	}
	span.SetAttributes(attribute.String("collection", collection), attribute.String("folder", query.Folder))

	start := time.Now()
	res, err := m.s.ListAssets(ctx, query)
	m.observeStorage("list_assets", start, err)
	if errors.Is(err, storage.ErrInvalidCursor) {
		m.fail(w, r, errordefs.New(errordefs.MEDIA_VALIDATION, "invalid cursor", ""))
		return
	}
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, res)
}

// handleAsset dispatches /v1/collections/{collection}/assets/{id} by method.
func (m *Mux) handleAsset(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		m.handleGetAsset(w, r)
	case http.MethodPatch:
		m.handleUpdateAsset(w, r)
	case http.MethodDelete:
		m.handleDeleteAsset(w, r)
	default:
		m.fail(w, r, errordefs.New(errordefs.MEDIA_BAD_REQUEST, "method not allowed", ""))
	}
}

// loadAsset reads the {id} document of collection, writing a 404 when missing.
func (m *Mux) loadAsset(w http.ResponseWriter, r *http.Request, collection string) (*model.Asset, bool) {
	id := r.PathValue("id")
	start := time.Now()
	asset, err := m.s.GetAsset(r.Context(), collection, id)
	m.observeStorage("get_asset", start, err)
	if errors.Is(err, storage.ErrNotFound) {
		m.fail(w, r, errordefs.New(errordefs.MEDIA_NOT_FOUND, "Document not found", ""))
		return nil, false
	}
	if err != nil {
		m.fail(w, r, err)
		return nil, false
	}
	return asset, true
}

func (m *Mux) handleGetAsset(w http.ResponseWriter, r *http.Request) {
	collection, ok := m.collection(w, r)
	if !ok {
		return
	}
	asset, ok := m.loadAsset(w, r, collection)
	if !ok {
		return
	}
	m.writeSuccess(w, http.StatusOK, asset)
}

// handleUpdateAsset merges the submitted fields into the document. A changed
// dynamic folder moves the remote asset before the document is saved.
func (m *Mux) handleUpdateAsset(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("media-service").Start(r.Context(), "handleUpdateAsset")
	defer span.End()
	defer r.Body.Close()

	collection, ok := m.collection(w, r)
	if !ok {
		return
	}
	var req model.UpdateAssetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		m.fail(w, r, errordefs.New(errordefs.MEDIA_VALIDATION, "invalid JSON", ""))
		return
	}
	original, ok := m.loadAsset(w, r, collection)
	if !ok {
		return
	}

	next := make(map[string]any, len(original.Fields)+len(req.Fields))
	maps.Copy(next, original.Fields)
	maps.Copy(next, req.Fields)

	asset := m.a.MoveFolder(ctx, collection, *original, next)
	asset.UpdatedAt = time.Now().UTC()

	start := time.Now()
	err := m.s.UpdateAsset(ctx, asset)
	m.observeStorage("update_asset", start, err)
	if err != nil {
		span.SetStatus(codes.Error, "update failed")
		m.fail(w, r, err)
		return
	}
	if asset.PublicID != original.PublicID {
		span.SetAttributes(attribute.String("from", original.PublicID), attribute.String("to", asset.PublicID))
		m.publish(ctx, "moved", asset, m.p.PublishAssetMoved)
	}
	m.writeSuccess(w, http.StatusOK, asset)
}

// handleDeleteAsset removes the remote file, then the document. Remote
// failures are logged by the adapter and never block the delete.
func (m *Mux) handleDeleteAsset(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("media-service").Start(r.Context(), "handleDeleteAsset")
	defer span.End()

	collection, ok := m.collection(w, r)
	if !ok {
		return
	}
	asset, ok := m.loadAsset(w, r, collection)
	if !ok {
		return
	}

	m.a.HandleDelete(ctx, collection, *asset, asset.Filename)

	start := time.Now()
	err := m.s.DeleteAsset(ctx, collection, asset.ID)
	m.observeStorage("delete_asset", start, err)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.publish(ctx, "deleted", *asset, m.p.PublishAssetDeleted)
	m.writeSuccess(w, http.StatusOK, map[string]any{"id": asset.ID, "deleted": true})
}

// handleAssetFile answers static file requests with a redirect to the remote copy.
func (m *Mux) handleAssetFile(w http.ResponseWriter, r *http.Request) {
	collection, ok := m.collection(w, r)
	if !ok {
		return
	}
	asset, ok := m.loadAsset(w, r, collection)
	if !ok {
		return
	}
	location, err := m.a.StaticRedirect(asset.Filename, asset)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	http.Redirect(w, r, location, http.StatusFound)
}

// handleGenerateURL handles GET /v1/collections/{collection}/url/{filename}.
// ?id= selects the stored document, ?prefix= applies when none is stored.
func (m *Mux) handleGenerateURL(w http.ResponseWriter, r *http.Request) {
	collection, ok := m.collection(w, r)
	if !ok {
		return
	}
	filename := r.PathValue("filename")
	q := r.URL.Query()

	var stored *model.Asset
	if id := q.Get("id"); id != "" {
		start := time.Now()
		asset, err := m.s.GetAsset(r.Context(), collection, id)
		m.observeStorage("get_asset", start, err)
		switch {
		case err == nil:
			stored = asset
		case !errors.Is(err, storage.ErrNotFound):
			m.fail(w, r, err)
			return
		}
	}

	url, err := m.a.GenerateURL(collection, filename, q.Get("prefix"), stored)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, model.URLData{URL: url})
}

// publish emits an asset event. Failures are logged and counted; the request
// has already succeeded.
func (m *Mux) publish(ctx context.Context, kind string, asset model.Asset, fn func(context.Context, model.Asset) error) {
	start := time.Now()
	err := fn(ctx, asset)
	status := metrics.Status(err)
	if err != nil {
		m.logger.Warn("failed to publish asset event", "event", kind, "asset_id", asset.ID, "error", err)
	}
	m.metrics.EventPublishTotal.WithLabelValues(kind, status).Inc()
	m.metrics.EventPublishDuration.WithLabelValues(kind, status).Observe(time.Since(start).Seconds())
}
