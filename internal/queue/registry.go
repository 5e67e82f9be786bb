package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/RegistryAccord/registryaccord-media-go/internal/media"
)

// Registry holds one Queue per collection, created on first use. It is owned by
// whoever constructs it; there is no package-level instance.
type Registry struct {
	svc  media.Uploader
	opts []Option

	mu     sync.Mutex
	queues map[string]*Queue
}

// NewRegistry creates an empty registry. opts apply to every queue it creates.
func NewRegistry(svc media.Uploader, opts ...Option) *Registry {
	return &Registry{
		svc:    svc,
		opts:   opts,
		queues: make(map[string]*Queue),
	}
}

// Get returns the collection's queue, creating it from cfg (or defaults when
// nil) on first use. cfg is ignored once the queue exists.
func (r *Registry) Get(collection string, cfg *Config) *Queue {
	r.mu.Lock()
	defer r.mu.Unlock()
	if q, ok := r.queues[collection]; ok {
		return q
	}
	c := DefaultConfig()
	if cfg != nil {
		c = *cfg
	}
	opts := append(append([]Option(nil), r.opts...), WithCollection(collection))
	q := New(r.svc, c, opts...)
	r.queues[collection] = q
	return q
}

// Lookup returns the collection's queue without creating one.
func (r *Registry) Lookup(collection string) (*Queue, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[collection]
	return q, ok
}

// Remove drops the collection's queue and closes it.
func (r *Registry) Remove(ctx context.Context, collection string) error {
	r.mu.Lock()
	q, ok := r.queues[collection]
	delete(r.queues, collection)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return q.Close(ctx)
}

// All returns a copy of the collection to queue map.
func (r *Registry) All() map[string]*Queue {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]*Queue, len(r.queues))
	for k, v := range r.queues {
		out[k] = v
	}
	return out
}

// Close removes and closes every queue.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	queues := r.queues
	r.queues = make(map[string]*Queue)
	r.mu.Unlock()

	var errs []error
	for _, q := range queues {
		if err := q.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
