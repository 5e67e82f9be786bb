package server

import (
	"encoding/json"
	"net/http"
	"time"

	errordefs "github.com/RegistryAccord/registryaccord-media-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-media-go/internal/model"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// handleSignedURL handles GET /v1/collections/{collection}/signed-url/{id}.
// ?download=true adds an attachment URL.
func (m *Mux) handleSignedURL(w http.ResponseWriter, r *http.Request) {
	_, span := otel.Tracer("media-service").Start(r.Context(), "handleSignedURL")
	defer span.End()

	collection, ok := m.collection(w, r)
	if !ok {
		return
	}
	doc, ok := m.loadAsset(w, r, collection)
	if !ok {
		return
	}
	download := r.URL.Query().Get("download") == "true"
	span.SetAttributes(
		attribute.String("collection", collection),
		attribute.String("asset_id", doc.ID),
		attribute.Bool("download", download),
	)

	data, err := m.a.SignedURL(r, collection, *doc, download)
	if err != nil {
		span.SetStatus(codes.Error, "signed url refused")
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, data)
}

// handleSignedURLs handles POST /v1/collections/{collection}/signed-urls.
// Per-document failures are reported inside the result.
func (m *Mux) handleSignedURLs(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("media-service").Start(r.Context(), "handleSignedURLs")
	defer span.End()
	defer r.Body.Close()

	collection, ok := m.collection(w, r)
	if !ok {
		return
	}
	var req model.BatchSignedURLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.IDs) == 0 {
		m.fail(w, r, errordefs.New(errordefs.MEDIA_BAD_REQUEST, "Array of document IDs required", ""))
		return
	}
	span.SetAttributes(attribute.String("collection", collection), attribute.Int("count", len(req.IDs)))

	start := time.Now()
	docs, err := m.s.FindAssets(ctx, collection, req.IDs)
	m.observeStorage("find_assets", start, err)
	if err != nil {
		m.fail(w, r, err)
		return
	}

	data, err := m.a.SignedURLs(ctx, r, collection, req.IDs, docs)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, data)
}

// handleUploadStatusList handles GET /v1/collections/{collection}/upload-status.
func (m *Mux) handleUploadStatusList(w http.ResponseWriter, r *http.Request) {
	collection, ok := m.collection(w, r)
	if !ok {
		return
	}
	m.writeSuccess(w, http.StatusOK, map[string]any{"uploads": m.a.Uploads(collection)})
}

// handleUploadStatus handles GET /v1/collections/{collection}/upload-status/{id}.
func (m *Mux) handleUploadStatus(w http.ResponseWriter, r *http.Request) {
	collection, ok := m.collection(w, r)
	if !ok {
		return
	}
	snap, err := m.a.UploadStatus(collection, r.PathValue("id"))
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, snap)
}

// handleUploadCancel handles POST /v1/collections/{collection}/upload-cancel/{id}.
func (m *Mux) handleUploadCancel(w http.ResponseWriter, r *http.Request) {
	collection, ok := m.collection(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	if err := m.a.CancelUpload(collection, id); err != nil {
		m.fail(w, r, err)
		return
	}
	m.logger.Info("upload canceled", "collection", collection, "upload_id", id, "subject", subjectFrom(r.Context()))
	m.writeSuccess(w, http.StatusOK, map[string]any{"id": id, "canceled": true})
}

// handleFolders handles GET /v1/folders. ?refresh=true bypasses the cache.
func (m *Mux) handleFolders(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("media-service").Start(r.Context(), "handleFolders")
	defer span.End()

	refresh := r.URL.Query().Get("refresh") == "true"
	span.SetAttributes(attribute.Bool("refresh", refresh))
	m.writeSuccess(w, http.StatusOK, map[string]any{"folders": m.a.Folders(ctx, !refresh)})
}
