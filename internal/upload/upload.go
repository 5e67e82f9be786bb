// Package upload turns a host upload event into a remote upload and maps the
// remote response onto the persisted asset record.
package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"

	errordefs "github.com/RegistryAccord/registryaccord-media-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-media-go/internal/media"
	"github.com/RegistryAccord/registryaccord-media-go/internal/model"
	"github.com/RegistryAccord/registryaccord-media-go/internal/options"
	"github.com/RegistryAccord/registryaccord-media-go/internal/queue"
	"github.com/RegistryAccord/registryaccord-media-go/internal/transform"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Transient document fields reported while a queued upload is running.
const (
	FieldUploadStatus   = "uploadStatus"
	FieldUploadProgress = "uploadProgress"
)

// File is an incoming upload.
type File struct {
	Filename string
	Data     []byte
	Size     int64 // Declared size; defaults to len(Data)
	MimeType string
}

// Observer receives transient progress for queued uploads. It may be nil.
type Observer func(status model.UploadStatus, progress int)

// Orchestrator runs uploads for registered collections.
type Orchestrator struct {
	svc         media.Service
	collections options.Collections
	queues      *queue.Registry
	logger      *slog.Logger
}

// New creates an Orchestrator. queues is used only by collections whose upload
// queue is enabled.
func New(svc media.Service, collections options.Collections, queues *queue.Registry, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		svc:         svc,
		collections: collections,
		queues:      queues,
		logger:      logger.With("component", "upload"),
	}
}

// HandleUpload uploads f for collection and returns the record to persist.
// fields are the document fields submitted alongside the file; they are read,
// never modified, and copied onto the record without transient upload fields.
func (o *Orchestrator) HandleUpload(ctx context.Context, collection string, f File, fields map[string]any, observe Observer) (*model.Asset, error) {
	ctx, span := otel.Tracer("media-service").Start(ctx, "upload.HandleUpload")
	defer span.End()

	cfg, ok := o.collections.Get(collection)
	if !ok {
		span.SetStatus(codes.Error, "collection not configured")
		return nil, errordefs.New(errordefs.MEDIA_CONFIG, fmt.Sprintf("collection %s is not configured for media storage", collection), "")
	}
	if f.Size <= 0 {
		f.Size = int64(len(f.Data))
	}

	plan := BuildOptions(cfg, fields)
	if plan.RejectedFolder != "" {
		o.logger.Warn("dynamic folder rejected, using default", "collection", collection, "folder", plan.RejectedFolder, "fallback", plan.Options.Folder)
	}

	span.SetAttributes(
		attribute.String("collection", collection),
		attribute.String("filename", f.Filename),
		attribute.Int64("size", f.Size),
		attribute.String("folder", plan.Options.Folder),
		attribute.Bool("queued", cfg.QueueEnabled()),
	)

	var res *media.UploadResult
	var err error
	if cfg.QueueEnabled() {
		res, err = o.enqueue(ctx, collection, cfg, f, plan, observe)
	} else {
		res, err = o.direct(ctx, cfg, f, plan)
	}
	if err != nil {
		span.SetStatus(codes.Error, "upload failed")
		o.logger.Error("upload failed", "collection", collection, "filename", f.Filename, "error", err)
		return nil, mapError(err, cfg.ResourceKind)
	}

	asset := o.record(collection, cfg, f, fields, plan, res)
	span.SetAttributes(attribute.String("public_id", asset.PublicID))
	o.logger.Info("upload stored", "collection", collection, "public_id", asset.PublicID, "folder", asset.Folder, "bytes", asset.Filesize)
	return asset, nil
}

func (o *Orchestrator) enqueue(ctx context.Context, collection string, cfg options.CollectionConfig, f File, plan Plan, observe Observer) (*media.UploadResult, error) {
	if observe == nil {
		observe = func(model.UploadStatus, int) {}
	}
	q := o.queues.Get(collection, cfg.UploadQueue)

	observe(model.UploadQueued, 0)
	h, err := q.Add(queue.Request{
		Filename:   f.Filename,
		Data:       f.Data,
		Size:       f.Size,
		Options:    plan.Options,
		OnProgress: func(pct int) { observe(model.UploadUploading, pct) },
		OnComplete: func(*media.UploadResult) { observe(model.UploadCompleted, 100) },
		OnError:    func(error) { observe(model.UploadFailed, 0) },
	})
	if err != nil {
		return nil, err
	}
	res, err := h.Wait(ctx)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		o.abandon(ctx, collection, q, h)
	}
	return res, err
}

// abandon handles a caller that stopped waiting. A pending task is cancelled;
// one that already started is left to finish and its remote asset destroyed,
// since nobody will record it.
func (o *Orchestrator) abandon(ctx context.Context, collection string, q *queue.Queue, h *queue.Handle) {
	if err := q.Cancel(h.ID()); err == nil {
		o.logger.Info("queued upload cancelled by caller", "collection", collection, "upload_id", h.ID())
		return
	}
	cleanup := context.WithoutCancel(ctx)
	go func() {
		<-h.Done()
		res, err := h.Wait(cleanup)
		if err != nil || res == nil || res.PublicID == "" {
			return
		}
		if err := o.svc.Destroy(cleanup, res.PublicID, res.ResourceType); err != nil {
			o.logger.Error("failed to remove abandoned upload", "collection", collection, "public_id", res.PublicID, "error", err)
			return
		}
		o.logger.Info("removed abandoned upload", "collection", collection, "public_id", res.PublicID)
	}()
}

// direct bypasses the queue. Concurrency is unbounded on this path.
func (o *Orchestrator) direct(ctx context.Context, cfg options.CollectionConfig, f File, plan Plan) (*media.UploadResult, error) {
	qc := queue.DefaultConfig()
	if cfg.UploadQueue != nil {
		qc = *cfg.UploadQueue
	}
	file := media.File{Name: f.Filename, Body: bytes.NewReader(f.Data), Size: f.Size}
	if queue.ChooseStrategy(qc, f.Size) == queue.StrategyChunked {
		opts := plan.Options
		opts.ChunkSize = queue.ChunkSize(qc)
		return o.svc.UploadLarge(ctx, file, opts)
	}
	return o.svc.Upload(ctx, file, plan.Options)
}

// record maps the remote response onto the persisted fields.
func (o *Orchestrator) record(collection string, cfg options.CollectionConfig, f File, fields map[string]any, plan Plan, res *media.UploadResult) *model.Asset {
	asset := &model.Asset{
		Collection:           collection,
		Filename:             f.Filename,
		MimeType:             f.MimeType,
		PublicID:             res.PublicID,
		URL:                  res.SecureURL,
		ResourceType:         res.ResourceType,
		Format:               res.Format,
		Version:              res.Version,
		Filesize:             res.Bytes,
		Width:                res.Width,
		Height:               res.Height,
		Folder:               res.Folder,
		IsPrivate:            plan.Private,
		RequiresSignedURL:    plan.Private,
		TransformationPreset: plan.Preset,
	}
	if asset.Filesize == 0 {
		asset.Filesize = f.Size
	}

	thumb, err := o.svc.URL(res.PublicID, media.URLOptions{
		ResourceType:   res.ResourceType,
		Type:           plan.Options.Type,
		Version:        res.Version,
		Transformation: transform.Thumbnail(),
		SignURL:        plan.Private,
	})
	if err != nil {
		o.logger.Warn("failed to build thumbnail url", "public_id", res.PublicID, "error", err)
	} else {
		asset.ThumbnailURL = thumb
	}

	asset.Fields = make(map[string]any, len(fields)+1)
	maps.Copy(asset.Fields, fields)
	delete(asset.Fields, FieldUploadStatus)
	delete(asset.Fields, FieldUploadProgress)
	if field := cfg.DynamicFolderField(); field != "" && res.Folder != "" {
		asset.Fields[field] = res.Folder
	}
	return asset
}

// mapError rewrites remote failures into user-facing coded errors.
func mapError(err error, kind string) error {
	var coded *errordefs.Error
	if errors.As(err, &coded) {
		return err
	}
	switch {
	case errors.Is(err, queue.ErrFileTooLarge), media.IsPayloadTooLarge(err):
		return errordefs.Wrap(errordefs.MEDIA_TOO_LARGE,
			fmt.Sprintf("Failed to upload to remote storage: File too large for upload. Maximum file size depends on your media service plan, consider upgrading for larger files. Error: %s", upstream(err)), err)
	case errors.Is(err, media.ErrInvalidFormat):
		if kind == "" || kind == media.ResourceAuto {
			kind = "media"
		}
		return errordefs.Wrap(errordefs.MEDIA_FORMAT,
			fmt.Sprintf("Failed to upload to remote storage: Invalid file format. Please check that the file is a valid %s file.", kind), err)
	default:
		return errordefs.Wrap(errordefs.MEDIA_UPLOAD, "Failed to upload to remote storage: "+upstream(err), err)
	}
}

// upstream returns the remote service's own message when available.
func upstream(err error) string {
	var apiErr *media.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}
	return err.Error()
}
