package cache

import (
	"context"
)

// Queue serializes writes to a Provider. Sync mode awaits the applied
// result; async mode hands the mutation off without blocking, which is how
// the connection manager keeps cache writes off the socket loop.
type Queue struct {
	provider *Provider
}

// NewQueue builds a mutation queue in front of provider.
func NewQueue(provider *Provider) *Queue {
	return &Queue{provider: provider}
}

// Apply enqueues m and waits for it to be applied. Mutations applied
// through Apply are observed in call order.
func (q *Queue) Apply(ctx context.Context, m Mutation) error {
	reply := make(chan error, 1)
	select {
	case q.provider.reqs <- request{mutate: &m, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ApplyAsync enqueues m without waiting. When the queue is saturated the
// mutation is dropped and logged rather than blocking the caller.
func (q *Queue) ApplyAsync(m Mutation) {
	select {
	case q.provider.reqs <- request{mutate: &m}:
	default:
		q.provider.logger.Printf("async mutation dropped kind=%s queue full", m.Kind)
	}
}
