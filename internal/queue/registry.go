package queue

import (
	"context"
	"sync"
)

// Factory builds a queue for a name the registry has not seen yet.
type Factory func(ctx context.Context, name string) (*Queue, error)

// Registry lazily creates and caches queues by name. Queues are provisioned
// (Setup) exactly once, on first use.
type Registry struct {
	factory Factory

	mu     sync.Mutex
	queues map[string]*Queue
}

func NewRegistry(factory Factory) *Registry {
	return &Registry{
		factory: factory,
		queues:  make(map[string]*Queue),
	}
}

// Get returns the queue for name, creating and provisioning it on first use.
func (r *Registry) Get(ctx context.Context, name string) (*Queue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if q, ok := r.queues[name]; ok {
		return q, nil
	}
	q, err := r.factory(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := q.Setup(ctx); err != nil {
		return nil, err
	}
	r.queues[name] = q
	return q, nil
}

// All returns a snapshot of every queue created so far.
func (r *Registry) All() []*Queue {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Queue, 0, len(r.queues))
	for _, q := range r.queues {
		out = append(out, q)
	}
	return out
}
