package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/RegistryAccord/registryaccord-media-go/internal/adapter"
	"github.com/RegistryAccord/registryaccord-media-go/internal/jwks"
	"github.com/RegistryAccord/registryaccord-media-go/internal/media"
	"github.com/RegistryAccord/registryaccord-media-go/internal/model"
	"github.com/RegistryAccord/registryaccord-media-go/internal/storage"
)

const testAuth = "Bearer eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ9.eyJzdWIiOiJkaWQ6ZXhhbXBsZToxMjMiLCJhdWQiOiJ0ZXN0LWF1ZGllbmNlIiwiaXNzIjoidGVzdC1pc3N1ZXIifQ.X"

// recordingPublisher implements event.Publisher and remembers what was published.
type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) record(kind string, a model.Asset) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, kind+":"+a.PublicID)
	return nil
}

func (p *recordingPublisher) PublishAssetUploaded(_ context.Context, a model.Asset) error {
	return p.record("uploaded", a)
}

func (p *recordingPublisher) PublishAssetDeleted(_ context.Context, a model.Asset) error {
	return p.record("deleted", a)
}

func (p *recordingPublisher) PublishAssetMoved(_ context.Context, a model.Asset) error {
	return p.record("moved", a)
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) Events() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

type testServer struct {
	handler http.Handler
	svc     *media.Fake
	store   storage.Store
	pub     *recordingPublisher
}

func newTestServer(t *testing.T, maxUploadSize int64) *testServer {
	t.Helper()
	svc := media.NewFake()
	svc.Folders[""] = []media.Folder{{Name: "products", Path: "products"}}

	a, err := adapter.New(adapter.Options{
		Service: svc,
		Collections: map[string]any{
			"media": "uploads",
			"dynamic": map[string]any{
				"folder": map[string]any{"path": "uploads", "enableDynamic": true},
			},
			"private": map[string]any{"privateFiles": true},
		},
	})
	if err != nil {
		t.Fatalf("adapter.New: %v", err)
	}
	t.Cleanup(func() { _ = a.Close(context.Background()) })

	ts := &testServer{svc: svc, store: storage.NewMemory(), pub: &recordingPublisher{}}
	ts.handler = NewMux(Options{
		Store:              ts.store,
		Publisher:          ts.pub,
		Adapter:            a,
		JWKS:               jwks.NewTestClient(),
		JWTIssuer:          "test-issuer",
		JWTAudience:        "test-audience",
		MaxUploadSize:      maxUploadSize,
		CORSAllowedOrigins: []string{"https://admin.example"},
	})
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body io.Reader, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Authorization", testAuth)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	return rr
}

func (ts *testServer) upload(t *testing.T, collection, filename string, values map[string]string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range values {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = fw.Write(bytes.Repeat([]byte("x"), 100))
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}

	h := map[string]string{"Content-Type": mw.FormDataContentType()}
	for k, v := range header {
		h[k] = v
	}
	return ts.do(t, http.MethodPost, "/v1/collections/"+collection+"/upload", &buf, h)
}

func decodeAsset(t *testing.T, rr *httptest.ResponseRecorder) model.Asset {
	t.Helper()
	var resp struct {
		Data model.Asset `json:"data"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return resp.Data
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Error struct {
			Code          string `json:"code"`
			Message       string `json:"message"`
			CorrelationID string `json:"correlationId"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error %q: %v", rr.Body.String(), err)
	}
	if resp.Error.CorrelationID == "" {
		t.Errorf("error response without correlation id: %s", rr.Body.String())
	}
	return resp.Error.Code
}

// TestHealthzEndpoint verifies that /healthz answers 200 ok.
func TestHealthzEndpoint(t *testing.T) {
	ts := newTestServer(t, 0)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)

	if status := rr.Code; status != http.StatusOK {
		t.Errorf("handler returned wrong status code: got %v want %v", status, http.StatusOK)
	}
	if rr.Body.String() != "ok" {
		t.Errorf("handler returned unexpected body: got %v want %v", rr.Body.String(), "ok")
	}
}

// TestReadyzEndpoint verifies that /readyz pings the store.
func TestReadyzEndpoint(t *testing.T) {
	ts := newTestServer(t, 0)
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)

	if status := rr.Code; status != http.StatusOK {
		t.Errorf("handler returned wrong status code: got %v want %v", status, http.StatusOK)
	}
}

func TestAuthentication(t *testing.T) {
	ts := newTestServer(t, 0)

	req := httptest.NewRequest(http.MethodGet, "/v1/collections/media/assets", nil)
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("missing token: got %v want %v", rr.Code, http.StatusUnauthorized)
	}
	if code := errorCode(t, rr); code != "MEDIA_AUTHN" {
		t.Errorf("missing token code: got %v want MEDIA_AUTHN", code)
	}

	// Issuer other-issuer
	other := "Bearer eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ9.eyJzdWIiOiJkaWQ6ZXhhbXBsZToxMjMiLCJhdWQiOiJ0ZXN0LWF1ZGllbmNlIiwiaXNzIjoib3RoZXItaXNzdWVyIn0.X"
	req = httptest.NewRequest(http.MethodGet, "/v1/collections/media/assets", nil)
	req.Header.Set("Authorization", other)
	rr = httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	if code := errorCode(t, rr); code != "MEDIA_JWT_INVALID" {
		t.Errorf("wrong issuer code: got %v want MEDIA_JWT_INVALID", code)
	}

	rr = ts.do(t, http.MethodGet, "/v1/collections/unknown/assets", nil, nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("unknown collection: got %v want %v", rr.Code, http.StatusNotFound)
	}
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t, 0)
	req := httptest.NewRequest(http.MethodOptions, "/v1/collections/media/upload", nil)
	req.Header.Set("Origin", "https://admin.example")
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("preflight status: got %v want %v", rr.Code, http.StatusOK)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://admin.example" {
		t.Errorf("allow origin: got %v want https://admin.example", got)
	}
	if got := rr.Header().Get("Access-Control-Allow-Headers"); !strings.Contains(got, "Idempotency-Key") {
		t.Errorf("allow headers: got %v", got)
	}
}

func TestAssetLifecycle(t *testing.T) {
	ts := newTestServer(t, 0)

	rr := ts.upload(t, "media", "photo.jpg", map[string]string{"alt": "A photo"}, nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("upload: got %v want %v: %s", rr.Code, http.StatusCreated, rr.Body.String())
	}
	asset := decodeAsset(t, rr)
	if asset.ID == "" || asset.PublicID != "uploads/photo" {
		t.Errorf("uploaded asset: got id %q public id %q", asset.ID, asset.PublicID)
	}
	if asset.Field("alt") != "A photo" {
		t.Errorf("alt field: got %v want A photo", asset.Fields["alt"])
	}
	if asset.MimeType == "" {
		t.Errorf("expected a detected mime type")
	}

	rr = ts.do(t, http.MethodGet, "/v1/collections/media/assets/"+asset.ID, nil, nil)
	if got := decodeAsset(t, rr); got.URL != asset.URL {
		t.Errorf("get asset url: got %v want %v", got.URL, asset.URL)
	}

	rr = ts.do(t, http.MethodGet, "/v1/collections/media/assets?limit=10", nil, nil)
	var list struct {
		Data model.ListAssetsResult `json:"data"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Data.Assets) != 1 {
		t.Errorf("list: got %d assets want 1", len(list.Data.Assets))
	}

	rr = ts.do(t, http.MethodGet, "/v1/collections/media/assets/"+asset.ID+"/file", nil, nil)
	if rr.Code != http.StatusFound || rr.Header().Get("Location") != asset.URL {
		t.Errorf("file redirect: got %v %v want 302 %v", rr.Code, rr.Header().Get("Location"), asset.URL)
	}

	rr = ts.do(t, http.MethodDelete, "/v1/collections/media/assets/"+asset.ID, nil, nil)
	if rr.Code != http.StatusOK {
		t.Errorf("delete: got %v want %v", rr.Code, http.StatusOK)
	}
	if destroyed := ts.svc.Destroyed(); len(destroyed) != 1 || destroyed[0] != "uploads/photo" {
		t.Errorf("destroyed: got %v want [uploads/photo]", destroyed)
	}
	rr = ts.do(t, http.MethodGet, "/v1/collections/media/assets/"+asset.ID, nil, nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("get after delete: got %v want %v", rr.Code, http.StatusNotFound)
	}

	want := []string{"uploaded:uploads/photo", "deleted:uploads/photo"}
	if got := ts.pub.Events(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("events: got %v want %v", got, want)
	}
}

func TestUpdateMovesDynamicFolder(t *testing.T) {
	ts := newTestServer(t, 0)

	rr := ts.upload(t, "dynamic", "shoe.png", map[string]string{"cloudinaryFolder": "products"}, nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("upload: got %v: %s", rr.Code, rr.Body.String())
	}
	asset := decodeAsset(t, rr)
	if asset.PublicID != "products/shoe" {
		t.Fatalf("public id: got %v want products/shoe", asset.PublicID)
	}

	body := strings.NewReader(`{"fields":{"cloudinaryFolder":"archive"}}`)
	rr = ts.do(t, http.MethodPatch, "/v1/collections/dynamic/assets/"+asset.ID, body, map[string]string{"Content-Type": "application/json"})
	if rr.Code != http.StatusOK {
		t.Fatalf("patch: got %v: %s", rr.Code, rr.Body.String())
	}
	moved := decodeAsset(t, rr)
	if moved.PublicID != "archive/shoe" || moved.Folder != "archive" {
		t.Errorf("moved asset: got %v in %v", moved.PublicID, moved.Folder)
	}

	stored, err := ts.store.GetAsset(context.Background(), "dynamic", asset.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.PublicID != "archive/shoe" {
		t.Errorf("stored public id: got %v want archive/shoe", stored.PublicID)
	}
	if got := ts.pub.Events(); len(got) != 2 || got[1] != "moved:archive/shoe" {
		t.Errorf("events: got %v", got)
	}
}

func TestUploadIdempotency(t *testing.T) {
	ts := newTestServer(t, 0)
	key := map[string]string{"Idempotency-Key": "upload-1"}

	first := ts.upload(t, "media", "photo.jpg", nil, key)
	second := ts.upload(t, "media", "photo.jpg", nil, key)
	if first.Code != http.StatusCreated || second.Code != http.StatusCreated {
		t.Fatalf("status: got %v and %v want 201", first.Code, second.Code)
	}
	if decodeAsset(t, first).ID != decodeAsset(t, second).ID {
		t.Errorf("replayed upload returned a different document")
	}
	if n := len(ts.svc.Uploads()); n != 1 {
		t.Errorf("remote uploads: got %d want 1", n)
	}
}

func TestUploadValidation(t *testing.T) {
	ts := newTestServer(t, 10)

	rr := ts.upload(t, "media", "big.jpg", nil, nil)
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized upload: got %v want %v", rr.Code, http.StatusRequestEntityTooLarge)
	}

	rr = ts.do(t, http.MethodPost, "/v1/collections/media/upload", strings.NewReader("{}"), map[string]string{"Content-Type": "application/json"})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("non-multipart upload: got %v want %v", rr.Code, http.StatusBadRequest)
	}

	rr = ts.do(t, http.MethodGet, "/v1/collections/media/upload", nil, nil)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("wrong method: got %v want %v", rr.Code, http.StatusBadRequest)
	}
}

func TestSignedURLEndpoints(t *testing.T) {
	ts := newTestServer(t, 0)

	private := decodeAsset(t, ts.upload(t, "private", "contract.pdf", nil, nil))
	if !private.RequiresSignedURL {
		t.Fatalf("private upload not marked as requiring signed URLs")
	}

	rr := ts.do(t, http.MethodGet, "/v1/collections/private/signed-url/"+private.ID+"?download=true", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("signed url: got %v: %s", rr.Code, rr.Body.String())
	}
	var signed struct {
		Data model.SignedURLData `json:"data"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &signed); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(signed.Data.URL, "__cld_token__") || signed.Data.DownloadURL == "" {
		t.Errorf("signed url data: %+v", signed.Data)
	}
	if signed.Data.ExpiresIn != 3600 {
		t.Errorf("expires in: got %v want 3600", signed.Data.ExpiresIn)
	}

	public := decodeAsset(t, ts.upload(t, "media", "photo.jpg", nil, nil))
	rr = ts.do(t, http.MethodGet, "/v1/collections/media/signed-url/"+public.ID, nil, nil)
	if code := errorCode(t, rr); code != "MEDIA_NOT_PRIVATE" {
		t.Errorf("public asset: got %v want MEDIA_NOT_PRIVATE", code)
	}

	rr = ts.do(t, http.MethodPost, "/v1/collections/private/signed-urls", strings.NewReader(`{"ids":[]}`), nil)
	if rr.Code != http.StatusBadRequest || errorCode(t, rr) != "MEDIA_BAD_REQUEST" {
		t.Errorf("empty batch: got %v %s", rr.Code, rr.Body.String())
	}

	rr = ts.do(t, http.MethodPost, "/v1/collections/private/signed-urls", strings.NewReader(`{"ids":["`+private.ID+`","missing"]}`), nil)
	var batch struct {
		Data model.BatchSignedURLData `json:"data"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &batch); err != nil {
		t.Fatal(err)
	}
	if len(batch.Data.Results) != 2 {
		t.Fatalf("batch results: got %d want 2", len(batch.Data.Results))
	}
	if batch.Data.Results[0].URL == "" || batch.Data.Results[1].Error != "Not found" {
		t.Errorf("batch results: %+v", batch.Data.Results)
	}
}

func TestGenerateURLEndpoint(t *testing.T) {
	ts := newTestServer(t, 0)

	rr := ts.do(t, http.MethodGet, "/v1/collections/media/url/banner.png?prefix=site", nil, nil)
	var out struct {
		Data model.URLData `json:"data"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if want := "https://res.cloudinary.com/demo/image/upload/site/banner"; out.Data.URL != want {
		t.Errorf("url: got %v want %v", out.Data.URL, want)
	}
}

func TestUploadStatusEndpoints(t *testing.T) {
	ts := newTestServer(t, 0)

	rr := ts.do(t, http.MethodGet, "/v1/collections/media/upload-status", nil, nil)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"uploads":[]`) {
		t.Errorf("empty status list: got %v %s", rr.Code, rr.Body.String())
	}

	rr = ts.do(t, http.MethodGet, "/v1/collections/media/upload-status/nope", nil, nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("unknown upload: got %v want %v", rr.Code, http.StatusNotFound)
	}

	rr = ts.do(t, http.MethodPost, "/v1/collections/media/upload-cancel/nope", nil, nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("cancel unknown upload: got %v want %v", rr.Code, http.StatusNotFound)
	}
}

func TestFoldersEndpoint(t *testing.T) {
	ts := newTestServer(t, 0)

	rr := ts.do(t, http.MethodGet, "/v1/folders", nil, nil)
	var out struct {
		Data struct {
			Folders []model.FolderOption `json:"folders"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if len(out.Data.Folders) != 2 || out.Data.Folders[0].Value != "" || out.Data.Folders[1].Value != "products" {
		t.Errorf("folders: got %+v", out.Data.Folders)
	}
}
