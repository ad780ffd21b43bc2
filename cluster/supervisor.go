// Package cluster forks the worker processes the coordinator relays to and keeps
// the relay registry in step with the processes that are alive.
package cluster

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/kruthis123/sqs-cluster-consumer/consumer"
)

// CommandFunc builds the command for a new worker. The returned command must not
// have been started and must leave Stdin unset.
type CommandFunc func(workerID string) *exec.Cmd

type Config struct {
	Workers int
	// Buffer is the number of envelopes queued per worker before relays fail.
	Buffer int
	// RespawnDelay is waited before replacing a worker that exited.
	RespawnDelay time.Duration
	// ShutdownGrace is how long a worker may take to drain before it is killed.
	ShutdownGrace time.Duration
	// OnRelayError receives envelopes a worker accepted but could not write to
	// its process.
	OnRelayError func(*consumer.RelayError)
}

type Supervisor struct {
	config   Config
	registry *consumer.Registry
	command  CommandFunc
	log      zerolog.Logger
}

func NewSupervisor(config Config, registry *consumer.Registry, command CommandFunc) (*Supervisor, error) {
	if config.Workers < 1 {
		return nil, fmt.Errorf("need at least one worker, got %d", config.Workers)
	}
	if command == nil {
		return nil, fmt.Errorf("worker command is required")
	}
	if config.Buffer < 1 {
		config.Buffer = 64
	}
	if config.RespawnDelay <= 0 {
		config.RespawnDelay = time.Second
	}
	if config.ShutdownGrace <= 0 {
		config.ShutdownGrace = 10 * time.Second
	}

	return &Supervisor{
		config:   config,
		registry: registry,
		command:  command,
		log:      log.With().Str("component", "supervisor").Logger(),
	}, nil
}

// Run keeps config.Workers processes alive until ctx is done, then closes their
// relay channels and waits for them to exit.
func (s *Supervisor) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for slot := 0; slot < s.config.Workers; slot++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			s.runSlot(ctx, slot)
		}(slot)
	}
	wg.Wait()
	s.log.Info().Msg("All workers stopped")
}

func (s *Supervisor) runSlot(ctx context.Context, slot int) {
	for {
		id := fmt.Sprintf("worker-%d-%s", slot, xid.New().String())
		w, err := StartProcessWorker(id, s.command(id), s.config.Buffer, s.config.OnRelayError)
		if err != nil {
			s.log.Error().Err(err).Int("slot", slot).Msg("Failed to start worker")
			if !sleep(ctx, s.config.RespawnDelay) {
				return
			}
			continue
		}

		s.registry.Add(w)
		s.log.Info().Str("worker_id", id).Int("pid", w.Pid()).Msg("Worker started")

		exited := make(chan error, 1)
		go func() { exited <- w.Wait() }()

		select {
		case err := <-exited:
			s.registry.Remove(id)
			s.log.Warn().Err(err).Str("worker_id", id).Msg("Worker exited, respawning")
		case <-ctx.Done():
			s.registry.Remove(id)
			s.stop(w, exited)
			return
		}

		if !sleep(ctx, s.config.RespawnDelay) {
			return
		}
	}
}

func (s *Supervisor) stop(w *ProcessWorker, exited <-chan error) {
	w.Close()

	t := time.NewTimer(s.config.ShutdownGrace)
	defer t.Stop()

	select {
	case err := <-exited:
		s.log.Debug().Err(err).Str("worker_id", w.ID()).Msg("Worker stopped")
	case <-t.C:
		s.log.Warn().Str("worker_id", w.ID()).Msg("Worker did not drain in time, killing it")
		if err := w.Kill(); err != nil {
			s.log.Error().Err(err).Str("worker_id", w.ID()).Msg("Failed to kill worker")
		}
		<-exited
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
