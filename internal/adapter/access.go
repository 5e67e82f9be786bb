package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	errordefs "github.com/RegistryAccord/registryaccord-media-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-media-go/internal/model"
	"github.com/RegistryAccord/registryaccord-media-go/internal/options"
	"github.com/RegistryAccord/registryaccord-media-go/internal/queue"
	"github.com/RegistryAccord/registryaccord-media-go/internal/signedurl"
)

// SignedURL issues a signed URL for doc, which the host has already read
// through its own access checks for r. download adds an attachment variant.
func (a *Adapter) SignedURL(r *http.Request, collection string, doc model.Asset, download bool) (*model.SignedURLData, error) {
	if !doc.RequiresSignedURL {
		return nil, errordefs.NewWithDetails(errordefs.MEDIA_NOT_PRIVATE, "This file does not require signed URLs", "", map[string]string{"url": doc.URL})
	}
	policy, err := a.privacy(collection)
	if err != nil {
		return nil, err
	}

	allowed, err := signedurl.IsAccessAllowed(r, doc, policy)
	if err != nil {
		a.logger.Warn("access check failed", "collection", collection, "id", doc.ID, "error", err)
	}
	if err != nil || !allowed {
		return nil, errordefs.New(errordefs.MEDIA_ACCESS_DENIED, signedurl.ErrAccessDenied, "")
	}

	signed, err := a.issuer.Issue(doc, policy, nil)
	if err != nil {
		return nil, errordefs.Wrap(errordefs.MEDIA_INTERNAL, signedurl.ErrFailed, err)
	}
	out := &model.SignedURLData{URL: signed.URL, ExpiresIn: signed.ExpiresIn, ExpiresAt: signed.ExpiresAt}
	if download {
		dl, err := a.issuer.Download(doc, doc.Filename, policy)
		if err != nil {
			return nil, errordefs.Wrap(errordefs.MEDIA_INTERNAL, signedurl.ErrFailed, err)
		}
		out.DownloadURL = dl.URL
	}
	return out, nil
}

// SignedURLs issues URLs for ids in order. docs are the documents the host
// returned for r; per-entry failures are reported inside the result.
func (a *Adapter) SignedURLs(ctx context.Context, r *http.Request, collection string, ids []string, docs []model.Asset) (*model.BatchSignedURLData, error) {
	policy, err := a.privacy(collection)
	if err != nil {
		return nil, err
	}
	return &model.BatchSignedURLData{Results: a.issuer.Batch(ctx, r, ids, docs, policy)}, nil
}

func (a *Adapter) privacy(collection string) (*options.PrivacyPolicy, error) {
	cfg, ok := a.collections.Get(collection)
	if !ok || !cfg.Private() {
		return nil, errordefs.New(errordefs.MEDIA_CONFIG, "Signed URLs not configured for this collection", "")
	}
	return cfg.Privacy, nil
}

// UploadStatus reports one queued upload of collection.
func (a *Adapter) UploadStatus(collection, id string) (queue.Snapshot, error) {
	q, ok := a.queues.Lookup(collection)
	if !ok {
		return queue.Snapshot{}, uploadNotFound(id)
	}
	s, err := q.Status(id)
	if errors.Is(err, queue.ErrTaskNotFound) {
		return queue.Snapshot{}, uploadNotFound(id)
	}
	return s, err
}

// Uploads lists the pending and in-flight uploads of collection.
func (a *Adapter) Uploads(collection string) []queue.Snapshot {
	q, ok := a.queues.Lookup(collection)
	if !ok {
		return []queue.Snapshot{}
	}
	return q.All()
}

// CancelUpload removes a pending upload before it starts.
func (a *Adapter) CancelUpload(collection, id string) error {
	q, ok := a.queues.Lookup(collection)
	if !ok {
		return uploadNotFound(id)
	}
	switch err := q.Cancel(id); {
	case err == nil:
		return nil
	case errors.Is(err, queue.ErrTaskNotFound):
		return uploadNotFound(id)
	case errors.Is(err, queue.ErrNotCancellable):
		return errordefs.Wrap(errordefs.MEDIA_NOT_CANCELABLE, "Unable to cancel upload. It may have already started or completed.", err)
	default:
		return err
	}
}

func uploadNotFound(id string) error {
	return errordefs.Wrap(errordefs.MEDIA_NOT_FOUND, "Upload not found", fmt.Errorf("%w: %s", queue.ErrTaskNotFound, id))
}
