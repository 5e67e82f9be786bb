// Package signedurl issues time-limited URLs for private assets.
//
// Access control model: callers fetch the asset document through the host's
// own read-access checks before asking for a URL. IsAccessAllowed only adds an
// optional collection-specific predicate on top; without one it allows every
// request it sees, so a host that skips its read check exposes private assets.
package signedurl

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/RegistryAccord/registryaccord-media-go/internal/media"
	"github.com/RegistryAccord/registryaccord-media-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-media-go/internal/model"
	"github.com/RegistryAccord/registryaccord-media-go/internal/options"
	"github.com/RegistryAccord/registryaccord-media-go/internal/transform"
	"golang.org/x/sync/errgroup"
)

// Per-entry batch errors.
const (
	ErrAccessDenied = "Access denied"
	ErrNotFound     = "Not found"
	ErrFailed       = "Failed to generate signed URL"
)

// batchLimit bounds concurrent work inside one batch request.
const batchLimit = 8

// SignedURL is an issued URL and its lifetime.
type SignedURL struct {
	URL       string
	ExpiresIn int
	ExpiresAt time.Time
}

// Issuer builds signed delivery URLs through the media service.
type Issuer struct {
	svc     media.Service
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewIssuer creates an Issuer. m may be nil.
func NewIssuer(svc media.Service, m *metrics.Metrics, logger *slog.Logger) *Issuer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Issuer{svc: svc, metrics: m, logger: logger.With("component", "signedurl"), now: time.Now}
}

// Issue returns an authenticated, signed URL for asset valid for the policy's
// lifetime. transformations are embedded unless the policy excludes them.
func (i *Issuer) Issue(asset model.Asset, policy *options.PrivacyPolicy, transformations transform.Params) (SignedURL, error) {
	if policy == nil || policy.IncludeTransformations {
		return i.issue(asset, policy, transformations, "", asset.Format)
	}
	return i.issue(asset, policy, nil, "", asset.Format)
}

// Download is like Issue but asks the service to serve the asset as an
// attachment named filename. Transformations are never applied.
func (i *Issuer) Download(asset model.Asset, filename string, policy *options.PrivacyPolicy) (SignedURL, error) {
	if filename == "" {
		filename = asset.Filename
	}
	return i.issue(asset, policy, nil, filename, "")
}

func (i *Issuer) issue(asset model.Asset, policy *options.PrivacyPolicy, transformations transform.Params, attachment, format string) (SignedURL, error) {
	ttl := policy.TTL()
	now := i.now()
	expiresAt := now.Add(time.Duration(ttl) * time.Second)

	kind := asset.ResourceType
	if kind == "" || kind == media.ResourceAuto {
		kind = media.ResourceImage
	}
	opts := media.URLOptions{
		ResourceType: kind,
		Type:         media.TypeAuthenticated,
		Version:      asset.Version,
		Format:       format,
		SignURL:      true,
		ExpiresAt:    expiresAt.Unix(),
		Attachment:   attachment,
	}
	if len(transformations) > 0 {
		opts.Transformation = transformations
	}
	if policy == nil || policy.UseAuthToken {
		opts.AuthToken = &media.AuthToken{
			StartTime: now.Unix(),
			Duration:  ttl,
			ACL:       TokenScope(kind, asset.PublicID),
		}
	}

	url, err := i.svc.URL(asset.PublicID, opts)
	i.count(asset.Collection, err)
	if err != nil {
		return SignedURL{}, err
	}
	return SignedURL{URL: url, ExpiresIn: ttl, ExpiresAt: expiresAt.UTC()}, nil
}

func (i *Issuer) count(collection string, err error) {
	if i.metrics == nil {
		return
	}
	i.metrics.SignedURLTotal.WithLabelValues(collection, metrics.Status(err)).Inc()
}

// TokenScope is the access token ACL covering every delivery of publicID.
func TokenScope(resourceKind, publicID string) string {
	if resourceKind == "" {
		resourceKind = media.ResourceImage
	}
	return "/" + resourceKind + "/*/" + publicID
}

// IsAccessAllowed applies the policy's custom check when one is configured and
// otherwise allows the request. asset must already have been read through the
// host's access-controlled lookup for r.
func IsAccessAllowed(r *http.Request, asset model.Asset, policy *options.PrivacyPolicy) (bool, error) {
	if policy != nil && policy.CustomAuthCheck != nil {
		return policy.CustomAuthCheck(r, asset)
	}
	return true, nil
}

// Batch issues URLs for ids in order. docs are the assets the host returned
// for r; ids it did not return are reported as not found. One entry's failure
// never affects the others.
func (i *Issuer) Batch(ctx context.Context, r *http.Request, ids []string, docs []model.Asset, policy *options.PrivacyPolicy) []model.BatchSignedURLEntry {
	byID := make(map[string]model.Asset, len(docs))
	for _, d := range docs {
		byID[d.ID] = d
	}

	out := make([]model.BatchSignedURLEntry, len(ids))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(batchLimit)
	for idx, id := range ids {
		g.Go(func() error {
			out[idx] = i.entry(ctx, r, id, byID, policy)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (i *Issuer) entry(ctx context.Context, r *http.Request, id string, byID map[string]model.Asset, policy *options.PrivacyPolicy) model.BatchSignedURLEntry {
	doc, ok := byID[id]
	if !ok {
		return model.BatchSignedURLEntry{ID: id, Error: ErrNotFound}
	}
	if !doc.RequiresSignedURL {
		public := false
		return model.BatchSignedURLEntry{ID: id, URL: doc.URL, RequiresSignedURL: &public}
	}
	if ctx.Err() != nil {
		return model.BatchSignedURLEntry{ID: id, Error: ErrFailed}
	}

	allowed, err := IsAccessAllowed(r, doc, policy)
	if err != nil {
		i.logger.Warn("access check failed", "id", id, "error", err)
	}
	if err != nil || !allowed {
		return model.BatchSignedURLEntry{ID: id, Error: ErrAccessDenied}
	}

	signed, err := i.Issue(doc, policy, nil)
	if err != nil {
		i.logger.Error("failed to issue signed url", "id", id, "error", err)
		return model.BatchSignedURLEntry{ID: id, Error: ErrFailed}
	}
	return model.BatchSignedURLEntry{ID: id, URL: signed.URL, ExpiresIn: signed.ExpiresIn, ExpiresAt: &signed.ExpiresAt}
}
