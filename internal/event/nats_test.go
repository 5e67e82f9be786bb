package event

import (
	"context"
	"testing"
	"time"

	"github.com/RegistryAccord/registryaccord-media-go/internal/model"
)

func TestNewPublisherWithoutURLIsNoop(t *testing.T) {
	p := NewPublisher("")
	if _, ok := p.(noop); !ok {
		t.Fatalf("got %T want noop", p)
	}
	if err := p.PublishAssetUploaded(context.Background(), model.Asset{ID: "a"}); err != nil {
		t.Errorf("noop publish: got %v want nil", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("noop close: got %v want nil", err)
	}
}

func TestNewEnvelopeCarriesCorrelationID(t *testing.T) {
	ctx := WithCorrelationID(context.Background(), "corr-1")
	env := NewEnvelope(ctx, SubjectMoved, model.Asset{ID: "a", PublicID: "x/y"})

	if env.CorrelationID != "corr-1" {
		t.Errorf("correlation id: got %v want corr-1", env.CorrelationID)
	}
	if env.Type != SubjectMoved || env.Version != envelopeVersion {
		t.Errorf("type/version: got %v %v", env.Type, env.Version)
	}
	if env.ID == "" {
		t.Errorf("expected an event id")
	}
	if env.Payload.PublicID != "x/y" {
		t.Errorf("payload: got %v want x/y", env.Payload.PublicID)
	}
}

func TestDedupWindow(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	d := newDedup()
	d.now = func() time.Time { return now }

	if d.seen("k") {
		t.Fatalf("unmarked key reported as seen")
	}
	d.mark("k")
	if !d.seen("k") {
		t.Errorf("key inside window not deduplicated")
	}

	now = now.Add(dedupWindow + time.Second)
	if d.seen("k") {
		t.Errorf("key outside window still deduplicated")
	}

	now = now.Add(dedupRetention)
	d.mark("other")
	if _, ok := d.last["k"]; ok {
		t.Errorf("stale entry not pruned")
	}
}
