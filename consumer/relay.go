package consumer

import (
	"sync"
)

// WorkerHandle is one live worker as seen by the coordinator. Send must not block
// on a slow worker; it queues the envelope or fails.
type WorkerHandle interface {
	ID() string
	Send(env Envelope) error
}

// BacklogReporter is implemented by handles that buffer envelopes.
type BacklogReporter interface {
	Backlog() (depth, capacity int)
}

// Registry is the set of workers envelopes are relayed to. Membership is owned by
// whoever spawns the workers; the relay only iterates the current snapshot.
type Registry struct {
	mu      sync.RWMutex
	workers []WorkerHandle
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Add registers h, replacing any handle with the same ID.
func (r *Registry) Add(h WorkerHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, w := range r.workers {
		if w.ID() == h.ID() {
			r.workers[i] = h
			return
		}
	}
	r.workers = append(r.workers, h)
}

func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, w := range r.workers {
		if w.ID() == id {
			r.workers = append(r.workers[:i], r.workers[i+1:]...)
			return true
		}
	}
	return false
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

func (r *Registry) Snapshot() []WorkerHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]WorkerHandle, len(r.workers))
	copy(out, r.workers)
	return out
}

// Relay hands env to every registered worker and returns one RelayError per worker
// that refused it. Delivery is not retried.
func (r *Registry) Relay(env Envelope) []*RelayError {
	var failed []*RelayError
	for _, w := range r.Snapshot() {
		if err := w.Send(env); err != nil {
			failed = append(failed, &RelayError{
				WorkerID:  w.ID(),
				MessageID: env.MessageID,
				Err:       err,
			})
		}
	}
	return failed
}
