// Package conformance provides a test harness for verifying that a media
// service deployment honours the HTTP contract.
package conformance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/RegistryAccord/registryaccord-media-go/internal/adapter"
	"github.com/RegistryAccord/registryaccord-media-go/internal/config"
	"github.com/RegistryAccord/registryaccord-media-go/internal/event"
	"github.com/RegistryAccord/registryaccord-media-go/internal/jwks"
	"github.com/RegistryAccord/registryaccord-media-go/internal/media"
	"github.com/RegistryAccord/registryaccord-media-go/internal/model"
	"github.com/RegistryAccord/registryaccord-media-go/internal/server"
	"github.com/RegistryAccord/registryaccord-media-go/internal/storage"
)

// testToken is accepted by the test JWKS client for issuer test-issuer and
// audience test-audience.
const testToken = "eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ9.eyJzdWIiOiJkaWQ6ZXhhbXBsZToxMjMiLCJhdWQiOiJ0ZXN0LWF1ZGllbmNlIiwiaXNzIjoidGVzdC1pc3N1ZXIifQ.X"

// defaultCollections is the collections document the harness serves when
// Config.Collections is empty.
const defaultCollections = `
collections:
  media: uploads
  videos:
    resourceType: video
    uploadQueue:
      enabled: true
      maxConcurrentUploads: 2
  contracts:
    folder: legal
    privateFiles:
      expiresIn: 600
`

// Harness provides a test harness for media conformance testing.
type Harness struct {
	server  *httptest.Server
	store   storage.Store
	pub     event.Publisher
	service *media.Fake
	adapter *adapter.Adapter
	client  *http.Client
}

// Config holds configuration for the conformance test harness.
type Config struct {
	// DatabaseDSN selects PostgreSQL storage; empty uses the in-memory store
	DatabaseDSN string

	// NATSURL enables event publishing; empty uses the no-op publisher
	NATSURL string

	// Collections is a YAML collections document; empty uses defaultCollections
	Collections string
}

// NewHarness creates a new conformance test harness backed by the fake
// media service.
func NewHarness(cfg Config) (*Harness, error) {
	var store storage.Store
	if cfg.DatabaseDSN != "" {
		s, err := storage.NewPostgres(cfg.DatabaseDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize postgres storage: %w", err)
		}
		store = s
	} else {
		store = storage.NewMemory()
	}

	doc := cfg.Collections
	if doc == "" {
		doc = defaultCollections
	}
	collections, err := config.ParseCollections([]byte(doc))
	if err != nil {
		return nil, err
	}

	svc := media.NewFake()
	a, err := adapter.New(adapter.Options{Service: svc, Collections: collections})
	if err != nil {
		return nil, err
	}

	pub := event.NewPublisher(cfg.NATSURL)
	mux := server.NewMux(server.Options{
		Store:       store,
		Publisher:   pub,
		Adapter:     a,
		JWKS:        jwks.NewTestClient(),
		JWTIssuer:   "test-issuer",
		JWTAudience: "test-audience",
	})
	srv := httptest.NewServer(mux)

	return &Harness{
		server:  srv,
		store:   store,
		pub:     pub,
		service: svc,
		adapter: a,
		client:  srv.Client(),
	}, nil
}

// URL returns the base URL of the test server.
func (h *Harness) URL() string {
	return h.server.URL
}

// Close shuts down the test server and cleans up resources.
func (h *Harness) Close() {
	h.server.Close()
	_ = h.adapter.Close(context.Background())
	_ = h.pub.Close()
	if closer, ok := h.store.(interface{ Close() }); ok {
		closer.Close()
	}
}

// do sends an authenticated request and decodes the JSON envelope into out.
func (h *Harness) do(t *testing.T, method, path, contentType string, body io.Reader, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, h.URL()+path, body)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decode response: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

// upload posts a small file to collection and returns the stored document.
func (h *Harness) upload(t *testing.T, collection, filename string) model.Asset {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = fw.Write([]byte("conformance payload"))
	_ = mw.Close()

	var resp struct {
		Data model.Asset `json:"data"`
	}
	if status := h.do(t, http.MethodPost, "/v1/collections/"+collection+"/upload", mw.FormDataContentType(), &buf, &resp); status != http.StatusCreated {
		t.Fatalf("upload to %s: expected status 201, got %d", collection, status)
	}
	return resp.Data
}

// RunConformanceTests runs all conformance tests against the media service.
func (h *Harness) RunConformanceTests(t *testing.T) {
	t.Run("HealthEndpoints", h.testHealthEndpoints)
	t.Run("AssetOperations", h.testAssetOperations)
	t.Run("QueuedUploads", h.testQueuedUploads)
	t.Run("PrivateAssets", h.testPrivateAssets)
	t.Run("Pagination", h.testPagination)
}

// testHealthEndpoints tests the health check endpoints.
func (h *Harness) testHealthEndpoints(t *testing.T) {
	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := h.client.Get(h.URL() + path)
		if err != nil {
			t.Fatalf("failed to GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("expected status 200 for %s, got %d", path, resp.StatusCode)
		}
	}
}

// testAssetOperations uploads, reads, redirects to and deletes an asset.
func (h *Harness) testAssetOperations(t *testing.T) {
	asset := h.upload(t, "media", "hero.jpg")
	if asset.PublicID != "uploads/hero" {
		t.Errorf("expected public id uploads/hero, got %s", asset.PublicID)
	}
	if !strings.HasPrefix(asset.URL, "https://res.cloudinary.com/demo/image/upload/") {
		t.Errorf("unexpected delivery URL %s", asset.URL)
	}

	var got struct {
		Data model.Asset `json:"data"`
	}
	if status := h.do(t, http.MethodGet, "/v1/collections/media/assets/"+asset.ID, "", nil, &got); status != http.StatusOK {
		t.Errorf("expected status 200 reading the asset, got %d", status)
	}
	if got.Data.PublicID != asset.PublicID {
		t.Errorf("read back public id %s, want %s", got.Data.PublicID, asset.PublicID)
	}

	if status := h.do(t, http.MethodDelete, "/v1/collections/media/assets/"+asset.ID, "", nil, nil); status != http.StatusOK {
		t.Errorf("expected status 200 deleting the asset, got %d", status)
	}
	destroyed := h.service.Destroyed()
	if len(destroyed) == 0 || destroyed[len(destroyed)-1] != asset.PublicID {
		t.Errorf("expected %s to be destroyed remotely, got %v", asset.PublicID, destroyed)
	}
}

// testQueuedUploads checks that a queued collection completes uploads and
// exposes its status endpoints.
func (h *Harness) testQueuedUploads(t *testing.T) {
	asset := h.upload(t, "videos", "clip.mp4")
	if asset.ResourceType != media.ResourceVideo {
		t.Errorf("expected resource type video, got %s", asset.ResourceType)
	}

	var list struct {
		Data struct {
			Uploads []json.RawMessage `json:"uploads"`
		} `json:"data"`
	}
	if status := h.do(t, http.MethodGet, "/v1/collections/videos/upload-status", "", nil, &list); status != http.StatusOK {
		t.Errorf("expected status 200 for upload status, got %d", status)
	}
	if status := h.do(t, http.MethodPost, "/v1/collections/videos/upload-cancel/unknown", "", nil, nil); status != http.StatusNotFound {
		t.Errorf("expected status 404 canceling an unknown upload, got %d", status)
	}
}

// testPrivateAssets checks signed URL issuance for private collections.
func (h *Harness) testPrivateAssets(t *testing.T) {
	asset := h.upload(t, "contracts", "nda.pdf")
	if !asset.IsPrivate || !asset.RequiresSignedURL {
		t.Fatalf("expected a private asset, got %+v", asset)
	}

	var signed struct {
		Data model.SignedURLData `json:"data"`
	}
	if status := h.do(t, http.MethodGet, "/v1/collections/contracts/signed-url/"+asset.ID, "", nil, &signed); status != http.StatusOK {
		t.Fatalf("expected status 200 for signed url, got %d", status)
	}
	if signed.Data.ExpiresIn != 600 {
		t.Errorf("expected expiresIn 600, got %d", signed.Data.ExpiresIn)
	}
	if !strings.Contains(signed.Data.URL, "/authenticated/") {
		t.Errorf("expected an authenticated delivery URL, got %s", signed.Data.URL)
	}

	public := h.upload(t, "media", "logo.png")
	if status := h.do(t, http.MethodGet, "/v1/collections/media/signed-url/"+public.ID, "", nil, nil); status != http.StatusBadRequest {
		t.Errorf("expected status 400 for a public asset, got %d", status)
	}
}

// testPagination walks a collection listing with cursors.
func (h *Harness) testPagination(t *testing.T) {
	for i := range 3 {
		h.upload(t, "media", fmt.Sprintf("page-%d.jpg", i))
	}

	seen := map[string]bool{}
	cursor := ""
	for range 10 {
		var page struct {
			Data model.ListAssetsResult `json:"data"`
		}
		path := "/v1/collections/media/assets?limit=2"
		if cursor != "" {
			path += "&cursor=" + url.QueryEscape(cursor)
		}
		if status := h.do(t, http.MethodGet, path, "", nil, &page); status != http.StatusOK {
			t.Fatalf("expected status 200 listing assets, got %d", status)
		}
		for _, a := range page.Data.Assets {
			if seen[a.ID] {
				t.Errorf("asset %s returned twice", a.ID)
			}
			seen[a.ID] = true
		}
		if page.Data.NextCursor == "" {
			break
		}
		cursor = page.Data.NextCursor
	}
	if len(seen) < 3 {
		t.Errorf("expected at least 3 assets across pages, got %d", len(seen))
	}
}

// RunAcceptanceTests runs acceptance tests covering authentication, error
// envelopes and routing.
func (h *Harness) RunAcceptanceTests(t *testing.T) {
	t.Run("AuthCompliance", h.testAuthCompliance)
	t.Run("ErrorEnvelope", h.testErrorEnvelope)
	t.Run("Folders", h.testFolders)
}

// testAuthCompliance requires a bearer token on every API route.
func (h *Harness) testAuthCompliance(t *testing.T) {
	endpoints := []string{
		"/v1/collections/media/assets",
		"/v1/collections/media/upload-status",
		"/v1/folders",
	}
	for _, endpoint := range endpoints {
		resp, err := h.client.Get(h.URL() + endpoint)
		if err != nil {
			t.Errorf("failed to access endpoint %s: %v", endpoint, err)
			continue
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("expected status 401 for %s without a token, got %d", endpoint, resp.StatusCode)
		}
	}
}

// testErrorEnvelope checks the shape of error responses.
func (h *Harness) testErrorEnvelope(t *testing.T) {
	var body struct {
		Error struct {
			Code          string `json:"code"`
			Message       string `json:"message"`
			CorrelationID string `json:"correlationId"`
		} `json:"error"`
	}
	status := h.do(t, http.MethodGet, "/v1/collections/missing/assets", "", nil, &body)
	if status != http.StatusNotFound {
		t.Errorf("expected status 404 for an unknown collection, got %d", status)
	}
	if body.Error.Code != "MEDIA_NOT_FOUND" || body.Error.Message == "" || body.Error.CorrelationID == "" {
		t.Errorf("unexpected error envelope %+v", body.Error)
	}
}

// testFolders lists remote folders starting with the root option.
func (h *Harness) testFolders(t *testing.T) {
	var out struct {
		Data struct {
			Folders []model.FolderOption `json:"folders"`
		} `json:"data"`
	}
	if status := h.do(t, http.MethodGet, "/v1/folders", "", nil, &out); status != http.StatusOK {
		t.Fatalf("expected status 200 for folders, got %d", status)
	}
	if len(out.Data.Folders) == 0 || out.Data.Folders[0].Value != "" {
		t.Errorf("expected the root folder first, got %+v", out.Data.Folders)
	}
}
