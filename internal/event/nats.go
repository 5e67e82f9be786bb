// Package event publishes asset lifecycle events to NATS JetStream so other
// services can react to uploads, deletions and folder moves.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/RegistryAccord/registryaccord-media-go/internal/model"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Stream and subject names
const (
	StreamName      = "MEDIA_ASSETS"
	SubjectUploaded = "media.assets.uploaded"
	SubjectDeleted  = "media.assets.deleted"
	SubjectMoved    = "media.assets.moved"

	envelopeVersion = "1.0.0"
	dedupWindow     = 2 * time.Minute
	dedupRetention  = 5 * time.Minute
)

// Publisher defines the asset events the media service emits.
type Publisher interface {
	PublishAssetUploaded(ctx context.Context, asset model.Asset) error
	PublishAssetDeleted(ctx context.Context, asset model.Asset) error
	PublishAssetMoved(ctx context.Context, asset model.Asset) error

	// Close closes the publisher connection
	Close() error
}

// Envelope wraps every published event.
type Envelope struct {
	ID            string      `json:"id"`
	Type          string      `json:"type"`
	Version       string      `json:"version"`
	OccurredAt    time.Time   `json:"occurredAt"`
	CorrelationID string      `json:"correlationId,omitempty"`
	Payload       model.Asset `json:"payload"`
}

type correlationKey struct{}

// WithCorrelationID attaches the request correlation id to ctx so published
// envelopes carry it.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

func correlationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// NewEnvelope builds the envelope published on subject for asset.
func NewEnvelope(ctx context.Context, subject string, asset model.Asset) Envelope {
	return Envelope{
		ID:            uuid.NewString(),
		Type:          subject,
		Version:       envelopeVersion,
		OccurredAt:    time.Now().UTC(),
		CorrelationID: correlationID(ctx),
		Payload:       asset,
	}
}

// noop is used when NATS is not configured or unreachable.
type noop struct{}

// NewNoop returns a Publisher that drops every event.
func NewNoop() Publisher { return noop{} }

func (noop) PublishAssetUploaded(context.Context, model.Asset) error { return nil }
func (noop) PublishAssetDeleted(context.Context, model.Asset) error  { return nil }
func (noop) PublishAssetMoved(context.Context, model.Asset) error    { return nil }
func (noop) Close() error                                            { return nil }

// natsPub is the NATS JetStream implementation of Publisher.
type natsPub struct {
	nc *nats.Conn
	js nats.JetStreamContext

	// Last publish time per subject and asset
	dedup *dedup
}

// NewPublisherFromEnv connects to MEDIA_NATS_URL. When the variable is unset
// or the connection fails it returns a no-op publisher.
func NewPublisherFromEnv() Publisher {
	return NewPublisher(os.Getenv("MEDIA_NATS_URL"))
}

// NewPublisher connects to url, falling back to a no-op publisher.
func NewPublisher(url string) Publisher {
	if url == "" {
		return noop{}
	}

	nc, err := nats.Connect(url, nats.Name("media-service"))
	if err != nil {
		slog.Warn("NATS connect failed, using noop publisher", "error", err)
		return noop{}
	}

	js, err := nc.JetStream()
	if err != nil {
		slog.Warn("NATS JetStream context creation failed, using noop publisher", "error", err)
		nc.Close()
		return noop{}
	}

	if err := initStream(js); err != nil {
		slog.Warn("NATS stream initialization failed, using noop publisher", "error", err)
		nc.Close()
		return noop{}
	}

	return &natsPub{nc: nc, js: js, dedup: newDedup()}
}

// initStream creates the asset event stream when it does not exist yet.
func initStream(js nats.JetStreamContext) error {
	if _, err := js.StreamInfo(StreamName); err == nil {
		return nil
	}
	_, err := js.AddStream(&nats.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{"media.assets.*"},
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour,
		Discard:   nats.DiscardOld,
		Storage:   nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("failed to create %s stream: %w", StreamName, err)
	}
	return nil
}

func (p *natsPub) Close() error {
	if p.nc != nil {
		p.nc.Close()
	}
	return nil
}

func (p *natsPub) PublishAssetUploaded(ctx context.Context, asset model.Asset) error {
	return p.publish(ctx, SubjectUploaded, asset)
}

func (p *natsPub) PublishAssetDeleted(ctx context.Context, asset model.Asset) error {
	return p.publish(ctx, SubjectDeleted, asset)
}

func (p *natsPub) PublishAssetMoved(ctx context.Context, asset model.Asset) error {
	return p.publish(ctx, SubjectMoved, asset)
}

func (p *natsPub) publish(ctx context.Context, subject string, asset model.Asset) error {
	key := subject + "/" + asset.Collection + "/" + asset.ID + "/" + asset.PublicID
	if p.dedup.seen(key) {
		return nil
	}

	b, err := json.Marshal(NewEnvelope(ctx, subject, asset))
	if err != nil {
		return err
	}
	if _, err := p.js.Publish(subject, b, nats.Context(ctx)); err != nil {
		return err
	}

	p.dedup.mark(key)
	return nil
}

// dedup suppresses identical events published within dedupWindow.
type dedup struct {
	mu   sync.RWMutex
	last map[string]time.Time
	now  func() time.Time
}

func newDedup() *dedup {
	return &dedup{last: make(map[string]time.Time), now: time.Now}
}

func (d *dedup) seen(key string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if t, ok := d.last[key]; ok {
		return d.now().Sub(t) < dedupWindow
	}
	return false
}

func (d *dedup) mark(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	cutoff := now.Add(-dedupRetention)
	for k, t := range d.last {
		if t.Before(cutoff) {
			delete(d.last, k)
		}
	}
	d.last[key] = now
}
