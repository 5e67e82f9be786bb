// internal/media/fake.go
package media

import (
	"context"
	"fmt"
	"io"
	"path"
	"sync"
)

// Fake is an in-memory Service for tests and local runs. Uploads read the whole
// payload in small pieces so progress observers see several events. Delivery URLs
// are built by an embedded Cloudinary URL builder.
type Fake struct {
	mu  sync.Mutex
	cld *Cloudinary

	// Block, when non-nil, holds every upload until it is closed.
	Block chan struct{}
	// Started receives the filename of every upload as it begins, when non-nil.
	Started chan string

	UploadErr  error
	DestroyErr error
	RenameErr  error
	FolderErr  error

	// Folders maps a parent path ("" for root) to its children.
	Folders map[string][]Folder

	uploads     []UploadOptions
	large       int
	destroyed   []string
	renamed     [][2]string
	objects     map[string]*UploadResult
	version     int64
	inFlight    int
	maxInFlight int
	folderCalls int
}

// NewFake creates a Fake bound to the "demo" cloud.
func NewFake() *Fake {
	c, _ := NewCloudinary(CloudinaryConfig{CloudName: "demo", APIKey: "key", APISecret: "secret"})
	return &Fake{
		cld:     c,
		objects: make(map[string]*UploadResult),
		Folders: make(map[string][]Folder),
		version: 1700000000,
	}
}

// CloudName implements Service.
func (f *Fake) CloudName() string { return f.cld.CloudName() }

// URL implements Service.
func (f *Fake) URL(publicID string, opts URLOptions) (string, error) {
	return f.cld.URL(publicID, opts)
}

// Upload implements Service.
func (f *Fake) Upload(ctx context.Context, file File, opts UploadOptions) (*UploadResult, error) {
	return f.upload(ctx, file, opts, false)
}

// UploadLarge implements Service.
func (f *Fake) UploadLarge(ctx context.Context, file File, opts UploadOptions) (*UploadResult, error) {
	return f.upload(ctx, file, opts, true)
}

func (f *Fake) upload(ctx context.Context, file File, opts UploadOptions, large bool) (*UploadResult, error) {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	f.uploads = append(f.uploads, opts)
	if large {
		f.large++
	}
	block, started := f.Block, f.Started
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if started != nil {
		started <- file.Name
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	buf := make([]byte, 4096)
	var n int64
	for {
		m, err := file.Body.Read(buf)
		n += int64(m)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.UploadErr != nil {
		return nil, f.UploadErr
	}

	stem, format := splitExt(path.Base(file.Name))
	publicID := stem
	if opts.Folder != "" {
		publicID = opts.Folder + "/" + stem
	}
	rt := opts.ResourceType
	if rt == "" || rt == ResourceAuto {
		rt = ResourceImage
	}
	f.version++
	secure, _ := f.cld.URL(publicID, URLOptions{ResourceType: rt, Type: opts.Type, Version: f.version, Format: format})
	res := &UploadResult{
		PublicID:     publicID,
		SecureURL:    secure,
		ResourceType: rt,
		Format:       format,
		Version:      f.version,
		Bytes:        n,
		Width:        640,
		Height:       480,
		Folder:       opts.Folder,
	}
	f.objects[publicID] = res
	out := *res
	return &out, nil
}

// Destroy implements Service.
func (f *Fake) Destroy(_ context.Context, publicID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DestroyErr != nil {
		return f.DestroyErr
	}
	f.destroyed = append(f.destroyed, publicID)
	delete(f.objects, publicID)
	return nil
}

// Rename implements Service.
func (f *Fake) Rename(_ context.Context, fromPublicID, toPublicID, resourceType string) (*UploadResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RenameErr != nil {
		return nil, f.RenameErr
	}
	if _, exists := f.objects[toPublicID]; exists {
		return nil, &APIError{Status: 409, Message: fmt.Sprintf("resource already exists: %s", toPublicID)}
	}
	res := &UploadResult{ResourceType: adminResourceType(resourceType)}
	if prev, ok := f.objects[fromPublicID]; ok {
		*res = *prev
		delete(f.objects, fromPublicID)
	}
	f.version++
	res.PublicID = toPublicID
	res.Version = f.version
	res.Folder = ""
	res.SecureURL, _ = f.cld.URL(toPublicID, URLOptions{ResourceType: res.ResourceType, Version: res.Version, Format: res.Format})
	res.normalize()
	f.objects[toPublicID] = res
	f.renamed = append(f.renamed, [2]string{fromPublicID, toPublicID})
	out := *res
	return &out, nil
}

// RootFolders implements Service.
func (f *Fake) RootFolders(ctx context.Context) ([]Folder, error) {
	return f.SubFolders(ctx, "")
}

// SubFolders implements Service.
func (f *Fake) SubFolders(ctx context.Context, folderPath string) ([]Folder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.folderCalls++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.FolderErr != nil {
		return nil, f.FolderErr
	}
	return append([]Folder(nil), f.Folders[folderPath]...), nil
}

// Uploads returns the options of every upload started so far.
func (f *Fake) Uploads() []UploadOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]UploadOptions(nil), f.uploads...)
}

// LargeUploads counts UploadLarge calls.
func (f *Fake) LargeUploads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.large
}

// InFlight reports uploads currently inside the service.
func (f *Fake) InFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inFlight
}

// MaxInFlight reports the highest concurrent upload count observed.
func (f *Fake) MaxInFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInFlight
}

// Destroyed lists destroyed public ids.
func (f *Fake) Destroyed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.destroyed...)
}

// Renamed lists (from, to) pairs.
func (f *Fake) Renamed() [][2]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][2]string(nil), f.renamed...)
}

// FolderCalls counts folder listing requests.
func (f *Fake) FolderCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.folderCalls
}
