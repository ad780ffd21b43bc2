// Package dedup suppresses redelivered messages on a worker. SQS delivers at
// least once, so a message whose batch delete failed, or whose coordinator died
// before deleting, comes back.
package dedup

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kruthis123/sqs-cluster-consumer/consumer"
)

var ErrClosed = errors.New("deduplication store is closed")

// tracking processed messages
type Store interface {
	// checks if a message has already been processed
	IsProcessed(ctx context.Context, messageID string) (bool, error)

	// records that a message has been processed
	MarkProcessed(ctx context.Context, messageID string, kind consumer.Kind) error

	// removes old entries to prevent unbounded growth
	Cleanup(ctx context.Context, olderThan time.Duration) error

	// releases any resources, could be a noop if not required
	Close() error
}

// Filter wraps next so envelopes already seen by store are skipped. Envelopes are
// marked once next returns; a handler that panics leaves the message unmarked.
func Filter(store Store, next consumer.Handler) consumer.Handler {
	return func(ctx context.Context, env consumer.Envelope) {
		if env.MessageID == "" {
			next(ctx, env)
			return
		}

		processed, err := store.IsProcessed(ctx, env.MessageID)
		if err != nil {
			// handling twice beats dropping
			log.Error().Err(err).Str("message_id", env.MessageID).Msg("Failed to check if message was processed")
		}
		if processed {
			log.Info().Str("message_id", env.MessageID).Msg("Duplicate message detected, skipping")
			return
		}

		next(ctx, env)

		if err := store.MarkProcessed(ctx, env.MessageID, env.Kind); err != nil {
			log.Error().Err(err).Str("message_id", env.MessageID).Msg("Failed to mark message as processed")
		}
	}
}

// RunCleanup drops entries older than maxAge every interval until ctx is done.
func RunCleanup(ctx context.Context, store Store, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := store.Cleanup(ctx, maxAge); err != nil {
				log.Error().Err(err).Msg("Failed to cleanup deduplication store")
			} else {
				log.Debug().Msg("Cleaned up old deduplication entries")
			}
		case <-ctx.Done():
			return
		}
	}
}
