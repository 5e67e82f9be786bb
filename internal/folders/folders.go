// Package folders lists remote folders as selectable options.
package folders

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/RegistryAccord/registryaccord-media-go/internal/media"
	"github.com/RegistryAccord/registryaccord-media-go/internal/model"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultTTL is how long a listing is served from cache.
	DefaultTTL = 5 * time.Minute
	// MaxDepth bounds recursion below the root folders.
	MaxDepth = 5

	cacheKey = "all"
)

// Root is the option for the top-level folder.
var Root = model.FolderOption{Label: "/ (root)", Value: ""}

// cacheEntry is a flattened listing and when it was stored.
type cacheEntry struct {
	opts     []model.FolderOption
	storedAt time.Time
}

// Lister walks the remote folder tree and caches the flattened result.
type Lister struct {
	svc    media.Service
	cache  *lru.Cache[string, cacheEntry]
	ttl    time.Duration
	now    func() time.Time
	group  singleflight.Group
	logger *slog.Logger
}

// NewLister creates a Lister. A non-positive ttl selects DefaultTTL.
func NewLister(svc media.Service, ttl time.Duration, logger *slog.Logger) *Lister {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	// lru.New only fails for a non-positive size.
	cache, _ := lru.New[string, cacheEntry](1)
	return &Lister{
		svc:    svc,
		cache:  cache,
		ttl:    ttl,
		now:    time.Now,
		logger: logger.With("component", "folders"),
	}
}

// List returns the root option followed by every folder in depth-first order.
// Entries older than the ttl are refreshed. Concurrent cache misses share one
// walk. When the walk fails only the root
// option is returned and nothing is cached.
func (l *Lister) List(ctx context.Context, useCache bool) []model.FolderOption {
	if useCache {
		if entry, ok := l.cache.Get(cacheKey); ok && l.now().Sub(entry.storedAt) < l.ttl {
			return clone(entry.opts)
		}
	}

	// The walk is shared, so one caller going away must not cut it short.
	walkCtx := context.WithoutCancel(ctx)
	v, err, _ := l.group.Do(cacheKey, func() (any, error) {
		found, err := l.walk(walkCtx, "", 0)
		if err != nil {
			return nil, err
		}
		opts := append([]model.FolderOption{Root}, found...)
		l.cache.Add(cacheKey, cacheEntry{opts: opts, storedAt: l.now()})
		return opts, nil
	})
	if err != nil {
		l.logger.Error("failed to list remote folders", "error", err)
		return []model.FolderOption{Root}
	}
	return clone(v.([]model.FolderOption))
}

// Invalidate drops the cached listing.
func (l *Lister) Invalidate() {
	l.cache.Purge()
}

// walk lists the children of path. Failures below the root are logged and the
// branch is skipped; a root failure is returned.
func (l *Lister) walk(ctx context.Context, path string, depth int) ([]model.FolderOption, error) {
	var (
		entries []media.Folder
		err     error
	)
	if path == "" {
		entries, err = l.svc.RootFolders(ctx)
	} else {
		entries, err = l.svc.SubFolders(ctx, path)
	}
	if err != nil {
		if depth == 0 {
			return nil, err
		}
		l.logger.Warn("failed to list sub folders", "path", path, "error", err)
		return nil, nil
	}

	var out []model.FolderOption
	for _, f := range entries {
		folderPath := f.Path
		if folderPath == "" {
			folderPath = strings.TrimPrefix(path+"/"+f.Name, "/")
		}
		out = append(out, model.FolderOption{Label: label(f.Name, folderPath, depth), Value: folderPath})
		if depth+1 > MaxDepth {
			continue
		}
		children, err := l.walk(ctx, folderPath, depth+1)
		if err != nil {
			return nil, err
		}
		out = append(out, children...)
	}
	return out, nil
}

// label indents nested folders and shows their full path.
func label(name, path string, depth int) string {
	if depth == 0 {
		return name
	}
	return strings.Repeat("  ", depth) + "└─ " + path
}

func clone(opts []model.FolderOption) []model.FolderOption {
	return append([]model.FolderOption(nil), opts...)
}
