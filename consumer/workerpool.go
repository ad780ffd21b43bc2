package consumer

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// ChanWorker is an in-process worker handle backed by a bounded channel.
type ChanWorker struct {
	id    string
	inbox chan Envelope

	mu     sync.RWMutex
	closed bool
}

func NewChanWorker(id string, buffer int) *ChanWorker {
	if buffer < 1 {
		buffer = 1
	}
	return &ChanWorker{
		id:    id,
		inbox: make(chan Envelope, buffer),
	}
}

func (w *ChanWorker) ID() string { return w.id }

// Send queues env with its own copy of the Raw message struct, so one handler
// reassigning fields is not seen by the other workers.
func (w *ChanWorker) Send(env Envelope) error {
	if env.Raw != nil {
		msg := *env.Raw
		env.Raw = &msg
	}

	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.closed {
		return ErrWorkerGone
	}
	select {
	case w.inbox <- env:
		return nil
	default:
		return ErrWorkerBusy
	}
}

func (w *ChanWorker) Backlog() (int, int) {
	return len(w.inbox), cap(w.inbox)
}

// Close stops accepting envelopes. Run drains what is already queued.
func (w *ChanWorker) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.closed {
		w.closed = true
		close(w.inbox)
	}
}

// Run feeds queued envelopes to inbox until the worker is closed or ctx is done.
func (w *ChanWorker) Run(ctx context.Context, inbox *Inbox) {
	log.Debug().Str("worker_id", w.id).Msg("Worker started")

	for {
		select {
		case env, ok := <-w.inbox:
			if !ok {
				log.Debug().Str("worker_id", w.id).Msg("Worker stopping")
				return
			}
			inbox.Deliver(ctx, env)
		case <-ctx.Done():
			return
		}
	}
}

// WorkerPool runs a fixed number of in-process workers and keeps them registered
// while they run.
type WorkerPool struct {
	name        string
	workerCount int
	buffer      int
	registry    *Registry
	inbox       *Inbox

	workers []*ChanWorker
	wg      sync.WaitGroup
}

func NewWorkerPool(name string, workerCount, buffer int, registry *Registry, inbox *Inbox) *WorkerPool {
	return &WorkerPool{
		name:        name,
		workerCount: workerCount,
		buffer:      buffer,
		registry:    registry,
		inbox:       inbox,
	}
}

func (wp *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < wp.workerCount; i++ {
		w := NewChanWorker(fmt.Sprintf("%s-%d", wp.name, i), wp.buffer)
		wp.workers = append(wp.workers, w)
		wp.registry.Add(w)

		wp.wg.Add(1)
		go func() {
			defer wp.wg.Done()
			defer wp.registry.Remove(w.ID())
			w.Run(ctx, wp.inbox)
		}()
	}
}

// Stop unregisters every worker, lets them drain and waits for them to exit.
func (wp *WorkerPool) Stop() {
	for _, w := range wp.workers {
		wp.registry.Remove(w.ID())
		w.Close()
	}
	wp.wg.Wait()
	wp.workers = nil
}
