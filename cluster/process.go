package cluster

import (
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/kruthis123/sqs-cluster-consumer/consumer"
)

// ProcessWorker is a worker running as a child process. Envelopes are encoded on
// Send, queued in a bounded buffer and written to the child's stdin as JSON lines.
type ProcessWorker struct {
	id     string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	queue  chan queuedFrame
	onDrop func(*consumer.RelayError)

	mu     sync.RWMutex
	closed bool

	writerDone chan struct{}
}

type queuedFrame struct {
	messageID string
	data      []byte
}

// StartProcessWorker starts cmd with its stdin wired to the relay. onDrop, if set,
// is called for every accepted envelope that never reached the child because
// writing to it failed.
func StartProcessWorker(id string, cmd *exec.Cmd, buffer int, onDrop func(*consumer.RelayError)) (*ProcessWorker, error) {
	if buffer < 1 {
		buffer = 1
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker %s stdin: %w", id, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker %s: %w", id, err)
	}

	w := &ProcessWorker{
		id:         id,
		cmd:        cmd,
		stdin:      stdin,
		queue:      make(chan queuedFrame, buffer),
		onDrop:     onDrop,
		writerDone: make(chan struct{}),
	}
	go w.writeLoop()

	return w, nil
}

func (w *ProcessWorker) ID() string { return w.id }

func (w *ProcessWorker) Pid() int {
	if w.cmd.Process == nil {
		return 0
	}
	return w.cmd.Process.Pid
}

// Send fails for envelopes that cannot be encoded, so the relay reports them.
func (w *ProcessWorker) Send(env consumer.Envelope) error {
	data, err := consumer.EncodeFrame(env)
	if err != nil {
		return err
	}

	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.closed {
		return consumer.ErrWorkerGone
	}
	select {
	case w.queue <- queuedFrame{messageID: env.MessageID, data: data}:
		return nil
	default:
		return consumer.ErrWorkerBusy
	}
}

func (w *ProcessWorker) Backlog() (int, int) {
	return len(w.queue), cap(w.queue)
}

// Close stops accepting envelopes. Queued ones are still written, then stdin is
// closed, which tells the child to exit.
func (w *ProcessWorker) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.closed {
		w.closed = true
		close(w.queue)
	}
}

// Wait blocks until the child exits.
func (w *ProcessWorker) Wait() error {
	err := w.cmd.Wait()
	w.Close()
	<-w.writerDone
	return err
}

func (w *ProcessWorker) Kill() error {
	if w.cmd.Process == nil {
		return nil
	}
	return w.cmd.Process.Kill()
}

func (w *ProcessWorker) writeLoop() {
	defer close(w.writerDone)
	defer w.stdin.Close()

	for f := range w.queue {
		if _, err := w.stdin.Write(f.data); err != nil {
			log.Warn().Err(err).Str("worker_id", w.id).Str("message_id", f.messageID).Msg("Failed to write to worker, closing it")
			w.Close()
			w.drop(f, err)
			for rest := range w.queue {
				w.drop(rest, err)
			}
			return
		}
	}
}

func (w *ProcessWorker) drop(f queuedFrame, err error) {
	if w.onDrop == nil {
		return
	}
	w.onDrop(&consumer.RelayError{
		WorkerID:  w.id,
		MessageID: f.messageID,
		Err:       fmt.Errorf("%w: %v", consumer.ErrWorkerGone, err),
	})
}
