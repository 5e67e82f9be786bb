package upload

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	errordefs "github.com/RegistryAccord/registryaccord-media-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-media-go/internal/media"
	"github.com/RegistryAccord/registryaccord-media-go/internal/model"
	"github.com/RegistryAccord/registryaccord-media-go/internal/options"
	"github.com/RegistryAccord/registryaccord-media-go/internal/queue"
	"github.com/RegistryAccord/registryaccord-media-go/internal/transform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newOrchestrator(t *testing.T, svc media.Service, raw map[string]any) (*Orchestrator, *queue.Registry) {
	t.Helper()
	reg := queue.NewRegistry(svc)
	t.Cleanup(func() { require.NoError(t, reg.Close(context.Background())) })
	return New(svc, options.NormalizeAll(raw), reg, nil), reg
}

func TestSanitizeFolder(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"  /products/shoes/ ", "products/shoes", true},
		{"a//b/./c", "a/b/c", true},
		{`win\style\path`, "win/style/path", true},
		{"///", "", true},
		{"../../../malicious/path", "", false},
		{"safe/../escape", "", false},
		{"..", "", false},
		{"dots..inside/name", "dots..inside/name", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := SanitizeFolder(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBuildOptionsTraversalFallsBackToDefault(t *testing.T) {
	cfg := options.Normalize(map[string]any{
		"folder": map[string]any{"path": "uploads", "enableDynamic": true},
	})
	plan := BuildOptions(cfg, map[string]any{"cloudinaryFolder": "../../../malicious/path"})

	assert.Equal(t, "uploads", plan.Options.Folder)
	assert.NotContains(t, plan.Options.Folder, "..")
	assert.Equal(t, "../../../malicious/path", plan.RejectedFolder)
}

func TestBuildOptions(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		plan := BuildOptions(options.Normalize(true), nil)
		assert.Equal(t, media.UploadOptions{ResourceType: "auto"}, plan.Options)
		assert.False(t, plan.Private)
	})

	t.Run("dynamic folder overrides path", func(t *testing.T) {
		cfg := options.Normalize(map[string]any{"folder": "base", "enableDynamicFolders": true, "folderField": "dir"})
		plan := BuildOptions(cfg, map[string]any{"dir": "/custom/path/"})
		assert.Equal(t, "custom/path", plan.Options.Folder)

		plan = BuildOptions(cfg, map[string]any{"dir": "  "})
		assert.Equal(t, "base", plan.Options.Folder)
	})

	t.Run("dynamic field ignored when disabled", func(t *testing.T) {
		cfg := options.Normalize(map[string]any{"folder": "base"})
		plan := BuildOptions(cfg, map[string]any{"cloudinaryFolder": "other"})
		assert.Equal(t, "base", plan.Options.Folder)
	})

	t.Run("private", func(t *testing.T) {
		cfg := options.Normalize(map[string]any{"privateFiles": map[string]any{"enabled": true, "authTypes": []any{"upload", "authenticated"}}})
		plan := BuildOptions(cfg, nil)
		assert.True(t, plan.Private)
		assert.Equal(t, "authenticated", plan.Options.Type)
		assert.Equal(t, "authenticated", plan.Options.AccessMode)
		assert.Equal(t, "upload,authenticated", plan.Options.AccessType)
	})

	t.Run("preset applied over default", func(t *testing.T) {
		cfg := options.Normalize(map[string]any{
			"resourceType":   "image",
			"useFilename":    true,
			"uniqueFilename": false,
			"transformations": map[string]any{
				"default":               map[string]any{"quality": "auto"},
				"presets":               []any{map[string]any{"name": "card", "transformations": map[string]any{"width": 400, "quality": 80}}},
				"enablePresetSelection": true,
			},
		})
		plan := BuildOptions(cfg, map[string]any{"transformationPreset": "card"})
		assert.Equal(t, "card", plan.Preset)
		assert.Equal(t, transform.Params{"width": 400, "quality": 80}, plan.Options.Transformation)
		assert.Empty(t, plan.Options.Eager)
		require.NotNil(t, plan.Options.UseFilename)
		assert.True(t, *plan.Options.UseFilename)
		require.NotNil(t, plan.Options.UniqueFilename)
		assert.False(t, *plan.Options.UniqueFilename)

		unknown := BuildOptions(cfg, map[string]any{"transformationPreset": "nope"})
		assert.Empty(t, unknown.Preset)
		assert.Equal(t, transform.Params{"quality": "auto"}, unknown.Options.Transformation)
	})

	t.Run("preserve original uses eager", func(t *testing.T) {
		cfg := options.Normalize(map[string]any{"transformations": map[string]any{
			"default":          map[string]any{"width": 800},
			"preserveOriginal": true,
		}})
		plan := BuildOptions(cfg, nil)
		assert.Nil(t, plan.Options.Transformation)
		assert.Equal(t, []transform.Params{{"width": 800}}, plan.Options.Eager)
		assert.True(t, plan.Options.EagerAsync)
	})
}

func TestHandleUploadDirect(t *testing.T) {
	svc := media.NewFake()
	o, reg := newOrchestrator(t, svc, map[string]any{
		"media": map[string]any{
			"folder":       map[string]any{"path": "uploads", "enableDynamic": true},
			"privateFiles": true,
		},
	})

	fields := map[string]any{"alt": "A photo", "cloudinaryFolder": "products", "uploadStatus": "queued"}
	asset, err := o.HandleUpload(context.Background(), "media", File{
		Filename: "photo.jpg",
		Data:     []byte("jpeg bytes"),
		MimeType: "image/jpeg",
	}, fields, nil)
	require.NoError(t, err)

	assert.Equal(t, "media", asset.Collection)
	assert.Equal(t, "products/photo", asset.PublicID)
	assert.Equal(t, "products", asset.Folder)
	assert.Equal(t, "image", asset.ResourceType)
	assert.Equal(t, "jpg", asset.Format)
	assert.Equal(t, int64(10), asset.Filesize)
	assert.Equal(t, "image/jpeg", asset.MimeType)
	assert.True(t, asset.IsPrivate)
	assert.True(t, asset.RequiresSignedURL)
	assert.Contains(t, asset.URL, "/image/authenticated/")
	assert.Contains(t, asset.ThumbnailURL, "c_fill,f_auto,g_auto,h_150,q_auto,w_150")
	assert.Equal(t, map[string]any{"alt": "A photo", "cloudinaryFolder": "products"}, asset.Fields)
	assert.Equal(t, "queued", fields["uploadStatus"])

	_, queued := reg.Lookup("media")
	assert.False(t, queued)
}

func TestHandleUploadLargeFileUsesChunkedPath(t *testing.T) {
	svc := media.NewFake()
	o, _ := newOrchestrator(t, svc, map[string]any{"videos": map[string]any{"resourceType": "video"}})

	asset, err := o.HandleUpload(context.Background(), "videos", File{
		Filename: "movie.mp4",
		Data:     []byte("frames"),
		Size:     150 << 20,
	}, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, svc.LargeUploads())
	require.Len(t, svc.Uploads(), 1)
	assert.Equal(t, int64(20<<20), svc.Uploads()[0].ChunkSize)
	assert.Equal(t, "video", asset.ResourceType)
}

func TestHandleUploadQueued(t *testing.T) {
	svc := media.NewFake()
	o, reg := newOrchestrator(t, svc, map[string]any{
		"media": map[string]any{"uploadQueue": map[string]any{"enabled": true, "maxConcurrentUploads": 2}},
	})

	var mu sync.Mutex
	var statuses []model.UploadStatus
	observe := func(s model.UploadStatus, _ int) {
		mu.Lock()
		statuses = append(statuses, s)
		mu.Unlock()
	}

	asset, err := o.HandleUpload(context.Background(), "media", File{Filename: "a.png", Data: []byte("png")}, nil, observe)
	require.NoError(t, err)
	assert.Equal(t, "a", asset.PublicID)

	q, ok := reg.Lookup("media")
	require.True(t, ok)
	assert.Equal(t, 2, q.Config().MaxConcurrentUploads)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, statuses)
	assert.Equal(t, model.UploadQueued, statuses[0])
	assert.Contains(t, statuses, model.UploadUploading)
	assert.Equal(t, model.UploadCompleted, statuses[len(statuses)-1])
}

func TestHandleUploadQueuedCallerGivesUp(t *testing.T) {
	queued := map[string]any{
		"media": map[string]any{"uploadQueue": map[string]any{"enabled": true, "maxConcurrentUploads": 1}},
	}

	t.Run("pending task is cancelled", func(t *testing.T) {
		svc := media.NewFake()
		svc.Block = make(chan struct{})
		svc.Started = make(chan string, 2)
		o, reg := newOrchestrator(t, svc, queued)

		first := make(chan error, 1)
		go func() {
			_, err := o.HandleUpload(context.Background(), "media", File{Filename: "a.jpg", Data: []byte("a")}, nil, nil)
			first <- err
		}()
		require.Equal(t, "a.jpg", <-svc.Started)

		ctx, cancel := context.WithCancel(context.Background())
		second := make(chan error, 1)
		go func() {
			_, err := o.HandleUpload(ctx, "media", File{Filename: "b.jpg", Data: []byte("b")}, nil, nil)
			second <- err
		}()
		q, ok := reg.Lookup("media")
		require.True(t, ok)
		require.Eventually(t, func() bool {
			_, pending := q.Counts()
			return pending == 1
		}, time.Second, 5*time.Millisecond)

		cancel()
		err := <-second
		assert.True(t, errordefs.HasCode(err, errordefs.MEDIA_UPLOAD))
		_, pending := q.Counts()
		assert.Equal(t, 0, pending)

		close(svc.Block)
		require.NoError(t, <-first)
		assert.Len(t, svc.Uploads(), 1)
		assert.Empty(t, svc.Destroyed())
	})

	t.Run("started upload is removed once it lands", func(t *testing.T) {
		svc := media.NewFake()
		svc.Block = make(chan struct{})
		svc.Started = make(chan string, 1)
		o, _ := newOrchestrator(t, svc, queued)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			_, err := o.HandleUpload(ctx, "media", File{Filename: "b.jpg", Data: []byte("b")}, nil, nil)
			done <- err
		}()
		require.Equal(t, "b.jpg", <-svc.Started)

		cancel()
		require.Error(t, <-done)
		assert.Empty(t, svc.Destroyed())

		close(svc.Block)
		require.Eventually(t, func() bool {
			destroyed := svc.Destroyed()
			return len(destroyed) == 1 && destroyed[0] == "b"
		}, time.Second, 5*time.Millisecond)
	})
}

func TestHandleUploadErrors(t *testing.T) {
	tests := []struct {
		name     string
		raw      map[string]any
		err      error
		code     errordefs.ErrorCode
		contains string
	}{
		{
			name:     "too large direct",
			raw:      map[string]any{},
			err:      &media.APIError{Status: 400, Message: "File size too large. Got 200MB"},
			code:     errordefs.MEDIA_TOO_LARGE,
			contains: "File too large for upload",
		},
		{
			name:     "too large queued",
			raw:      map[string]any{"uploadQueue": map[string]any{"enabled": true}},
			err:      &media.APIError{Status: 413, Message: "Request entity too large"},
			code:     errordefs.MEDIA_TOO_LARGE,
			contains: "Request entity too large",
		},
		{
			name:     "invalid format",
			raw:      map[string]any{"resourceType": "image"},
			err:      &media.APIError{Status: 400, Message: "Invalid image file"},
			code:     errordefs.MEDIA_FORMAT,
			contains: "valid image file",
		},
		{
			name:     "invalid format auto",
			raw:      map[string]any{},
			err:      &media.APIError{Status: 400, Message: "Invalid image file"},
			code:     errordefs.MEDIA_FORMAT,
			contains: "valid media file",
		},
		{
			name:     "transport",
			raw:      map[string]any{},
			err:      &media.APIError{Status: 500, Message: "boom"},
			code:     errordefs.MEDIA_UPLOAD,
			contains: "Failed to upload to remote storage: boom",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := media.NewFake()
			svc.UploadErr = tt.err
			o, _ := newOrchestrator(t, svc, map[string]any{"media": tt.raw})

			_, err := o.HandleUpload(context.Background(), "media", File{Filename: "x.jpg", Data: []byte("x")}, nil, nil)
			require.Error(t, err)
			e, ok := errordefs.As(err)
			require.True(t, ok)
			assert.Equal(t, tt.code, e.Code)
			assert.True(t, strings.Contains(e.Message, tt.contains), e.Message)
		})
	}
}

func TestHandleUploadUnknownCollection(t *testing.T) {
	o, _ := newOrchestrator(t, media.NewFake(), map[string]any{"media": true})
	_, err := o.HandleUpload(context.Background(), "posts", File{Filename: "a.jpg"}, nil, nil)
	assert.True(t, errordefs.HasCode(err, errordefs.MEDIA_CONFIG))
}
