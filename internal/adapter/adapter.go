// Package adapter wires the collection options, the upload pipeline, signed
// URLs and folder listing into the lifecycle hooks a host CMS calls: upload,
// delete, field change, URL generation and static file requests.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/RegistryAccord/registryaccord-media-go/internal/folders"
	"github.com/RegistryAccord/registryaccord-media-go/internal/media"
	"github.com/RegistryAccord/registryaccord-media-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-media-go/internal/model"
	"github.com/RegistryAccord/registryaccord-media-go/internal/options"
	"github.com/RegistryAccord/registryaccord-media-go/internal/queue"
	"github.com/RegistryAccord/registryaccord-media-go/internal/signedurl"
	"github.com/RegistryAccord/registryaccord-media-go/internal/upload"
)

// ErrNoCollections is returned by New when no collection is configured.
var ErrNoCollections = errors.New("at least one collection must be configured for media storage")

// Options configure an Adapter.
type Options struct {
	// Service is the remote backend. When nil a Cloudinary client is built
	// from Cloudinary, which then must carry complete credentials.
	Service    media.Service
	Cloudinary media.CloudinaryConfig

	// Collections maps collection slugs to their raw configuration in any of
	// the accepted shapes (true, a folder string, or an object).
	Collections map[string]any

	Logger    *slog.Logger
	Metrics   *metrics.Metrics // Optional
	FolderTTL time.Duration    // Folder listing cache lifetime; 0 selects the default
}

// Adapter is one configured storage adapter. It owns its queue registry.
type Adapter struct {
	svc         media.Service
	collections options.Collections
	queues      *queue.Registry
	uploads     *upload.Orchestrator
	issuer      *signedurl.Issuer
	folders     *folders.Lister
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// New validates credentials, normalizes every collection once and builds the
// collaborators.
func New(opts Options) (*Adapter, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	svc := opts.Service
	if svc == nil {
		ccfg := opts.Cloudinary
		if ccfg.Logger == nil {
			ccfg.Logger = logger
		}
		c, err := media.NewCloudinary(ccfg)
		if err != nil {
			return nil, fmt.Errorf("media storage: %w", err)
		}
		svc = c
	}
	if len(opts.Collections) == 0 {
		return nil, ErrNoCollections
	}

	collections := options.NormalizeAll(opts.Collections)
	qopts := []queue.Option{queue.WithLogger(logger)}
	if opts.Metrics != nil {
		qopts = append(qopts, queue.WithMetrics(opts.Metrics))
	}
	queues := queue.NewRegistry(svc, qopts...)

	a := &Adapter{
		svc:         svc,
		collections: collections,
		queues:      queues,
		uploads:     upload.New(svc, collections, queues, logger),
		issuer:      signedurl.NewIssuer(svc, opts.Metrics, logger),
		folders:     folders.NewLister(svc, opts.FolderTTL, logger),
		metrics:     opts.Metrics,
		logger:      logger.With("component", "adapter"),
	}
	for slug, cfg := range collections {
		a.logger.Info("collection configured for media storage",
			"collection", slug,
			"resource_type", cfg.ResourceKind,
			"folder", cfg.DefaultFolder(),
			"queued", cfg.QueueEnabled(),
			"private", cfg.Private(),
		)
	}
	return a, nil
}

// Service returns the remote backend.
func (a *Adapter) Service() media.Service { return a.svc }

// Collections returns the normalized configuration of every collection.
func (a *Adapter) Collections() options.Collections { return a.collections }

// Collection returns the normalized configuration for slug.
func (a *Adapter) Collection(slug string) (options.CollectionConfig, bool) {
	return a.collections.Get(slug)
}

// HandleUpload uploads f for collection and returns the record to persist.
func (a *Adapter) HandleUpload(ctx context.Context, collection string, f upload.File, fields map[string]any, observe upload.Observer) (*model.Asset, error) {
	return a.uploads.HandleUpload(ctx, collection, f, fields, observe)
}

// Folders lists remote folders as select options, root first.
func (a *Adapter) Folders(ctx context.Context, useCache bool) []model.FolderOption {
	return a.folders.List(ctx, useCache)
}

// Close fails pending queued uploads and waits for in-flight ones until ctx
// expires.
func (a *Adapter) Close(ctx context.Context) error {
	return a.queues.Close(ctx)
}

// observeRemote counts a non-upload media service call.
func (a *Adapter) observeRemote(op string, err error) {
	if a.metrics == nil {
		return
	}
	a.metrics.RemoteOperationTotal.WithLabelValues(op, metrics.Status(err)).Inc()
}
