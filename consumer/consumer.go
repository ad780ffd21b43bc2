// Package consumer polls an SQS queue from a single coordinator and relays every
// received message to a pool of workers, deleting each batch once it has been
// dispatched.
package consumer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Consumer owns the poll-process-acknowledge loop.
type Consumer struct {
	client        SQSClientInterface
	poll          PollOptions
	preprocessor  Preprocessor
	workers       *Registry
	errorBackoff  time.Duration
	deleteTimeout time.Duration
	log           zerolog.Logger
	metrics       *Metrics

	onSQSError          func(*SQSError)
	onPreprocessorError func(*PreprocessorError)
	onRelayError        func(*RelayError)

	mu      sync.Mutex
	state   PollingState
	running bool
}

func New(opts Options) (*Consumer, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	c := &Consumer{
		client:              opts.Client,
		poll:                opts.Poll,
		preprocessor:        opts.Preprocessor,
		workers:             opts.Workers,
		errorBackoff:        opts.ErrorBackoff,
		deleteTimeout:       opts.DeleteTimeout,
		log:                 logger.With().Str("component", "consumer").Logger(),
		metrics:             opts.Metrics,
		onSQSError:          opts.OnSQSError,
		onPreprocessorError: opts.OnPreprocessorError,
		onRelayError:        opts.OnRelayError,
	}

	if c.workers == nil {
		c.workers = NewRegistry()
	}
	if c.deleteTimeout == 0 {
		c.deleteTimeout = DefaultDeleteTimeout
	}
	if c.onSQSError == nil {
		c.onSQSError = func(e *SQSError) {
			c.log.Error().Err(e.Err).Str("operation", e.Operation).Msg("SQS call failed")
		}
	}
	if c.onPreprocessorError == nil {
		c.onPreprocessorError = func(e *PreprocessorError) {
			c.log.Error().Err(e.Err).Str("message_id", aws.ToString(e.Message.MessageId)).Msg("Preprocessor failed, relaying without result")
		}
	}
	if c.onRelayError == nil {
		c.onRelayError = func(e *RelayError) {
			c.log.Warn().Err(e.Err).Str("worker_id", e.WorkerID).Str("message_id", e.MessageID).Msg("Failed to relay message to worker")
		}
	}
	c.metrics.state(Inactive)

	return c, nil
}

func (c *Consumer) Workers() *Registry { return c.workers }

func (c *Consumer) State() PollingState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// StartPolling marks the consumer ACTIVE and runs the loop until PausePolling is
// observed or ctx is done. If a loop is already running it only marks the consumer
// ACTIVE and returns ErrAlreadyPolling; a second loop is never started.
func (c *Consumer) StartPolling(ctx context.Context) error {
	c.mu.Lock()
	c.setState(Active)
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyPolling
	}
	c.running = true
	c.mu.Unlock()

	c.log.Info().
		Str("queue_url", c.poll.QueueURL).
		Int("workers", c.workers.Len()).
		Bool("preprocessor", c.preprocessor != nil).
		Msg("Polling started")

	// dispatches still preprocessing or relaying
	var inflight sync.WaitGroup
	defer inflight.Wait()

	for c.keepPolling(ctx) {
		c.pollOnce(ctx, &inflight)
	}

	c.log.Info().Msg("Polling stopped")
	return ctx.Err()
}

// PausePolling takes effect before the next receive; the current cycle completes.
func (c *Consumer) PausePolling() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setState(Inactive)
}

func (c *Consumer) ResumePolling(ctx context.Context) error {
	return c.StartPolling(ctx)
}

// keepPolling is checked at the top of every iteration. The running flag is
// cleared under the same lock so a concurrent start either keeps this loop alive
// or starts a new one, never neither.
func (c *Consumer) keepPolling(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ctx.Err() != nil {
		c.setState(Inactive)
	}
	if c.state != Active {
		c.running = false
		return false
	}
	return true
}

func (c *Consumer) setState(s PollingState) {
	c.state = s
	c.metrics.state(s)
}

func (c *Consumer) pollOnce(ctx context.Context, inflight *sync.WaitGroup) {
	messages, failed := c.receive(ctx)
	if failed {
		c.backoff(ctx)
		return
	}
	if len(messages) == 0 {
		return
	}

	c.log.Debug().Int("count", len(messages)).Msg("Received messages from SQS")

	entries := make([]types.DeleteMessageBatchRequestEntry, 0, len(messages))
	for _, msg := range messages {
		c.dispatch(ctx, inflight, msg)
		entries = append(entries, types.DeleteMessageBatchRequestEntry{
			Id:            msg.MessageId,
			ReceiptHandle: msg.ReceiptHandle,
		})
	}

	// the batch was received, so it is acknowledged even if shutdown has begun
	deleteCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.deleteTimeout)
	defer cancel()
	c.deleteBatch(deleteCtx, entries)
}

func (c *Consumer) backoff(ctx context.Context) {
	if c.errorBackoff <= 0 {
		return
	}
	t := time.NewTimer(c.errorBackoff)
	defer t.Stop()

	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// dispatch preprocesses and relays msg without waiting for either.
func (c *Consumer) dispatch(ctx context.Context, inflight *sync.WaitGroup, msg types.Message) {
	inflight.Add(1)
	go func() {
		defer inflight.Done()
		c.process(ctx, msg)
	}()
}

func (c *Consumer) process(ctx context.Context, msg types.Message) {
	if c.preprocessor == nil {
		c.relay(RawEnvelope(msg))
		return
	}

	result, err := c.preprocess(ctx, msg)
	if err != nil {
		c.metrics.preprocessError()
		c.onPreprocessorError(&PreprocessorError{Err: err, Message: msg})
		result = nil
	}
	c.relay(ProcessedEnvelope(aws.ToString(msg.MessageId), result))
}

func (c *Consumer) preprocess(ctx context.Context, msg types.Message) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("%w: %v", ErrPreprocessPanic, r)
		}
	}()
	return c.preprocessor(ctx, msg)
}

func (c *Consumer) relay(env Envelope) {
	c.metrics.relayed(env.Kind)
	for _, rerr := range c.workers.Relay(env) {
		c.ReportRelayError(rerr)
	}
}

// ReportRelayError records a relay failure found after Send returned, such as a
// worker whose pipe broke with envelopes still queued.
func (c *Consumer) ReportRelayError(e *RelayError) {
	c.metrics.relayError()
	c.onRelayError(e)
}
