package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/kruthis123/sqs-cluster-consumer/consumer"
	"github.com/kruthis123/sqs-cluster-consumer/dedup"
)

func startWorker(c *cli.Context) error {
	setLogLevel(c.String("log-level"))

	// the coordinator decides when workers stop by closing stdin
	signal.Ignore(syscall.SIGINT)

	workerID := os.Getenv(workerIDEnv)
	wl := log.With().Str("worker_id", workerID).Int("pid", os.Getpid()).Logger()

	ctx := c.Context
	handler := messageLogger(wl, c.Bool("quiet"))

	store, err := dedupStore(ctx, c.String("dedup-type"), c.String("db-url"))
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()

		cleanupCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go dedup.RunCleanup(cleanupCtx, store, time.Hour, 7*24*time.Hour)

		handler = dedup.Filter(store, handler)
	}

	inbox := &consumer.Inbox{
		Handler: handler,
		Unhandled: func(item any) {
			wl.Debug().Interface("item", item).Msg("Ignoring message not sent by the relay")
		},
		Logger: &wl,
	}

	wl.Info().Msg("Worker ready")
	if err := inbox.Serve(ctx, os.Stdin); err != nil {
		return fmt.Errorf("worker %s: %w", workerID, err)
	}
	wl.Info().Msg("Relay channel closed, worker exiting")
	return nil
}

func dedupStore(ctx context.Context, dedupType, dbURL string) (dedup.Store, error) {
	switch dedupType {
	case "", "none":
		return nil, nil
	case "memory":
		return dedup.NewMemoryStore(), nil
	case "postgres":
		db, err := dedup.OpenPostgres(ctx, dbURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		store := dedup.NewPostgresStore(db)
		if err := store.Migrate(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create processed_messages table: %w", err)
		}
		return &closingStore{Store: store, close: db.Close}, nil
	default:
		return nil, fmt.Errorf("invalid dedup-type: %s", dedupType)
	}
}

// closingStore closes the database the store was opened on.
type closingStore struct {
	dedup.Store
	close func() error
}

func (s *closingStore) Close() error {
	if err := s.Store.Close(); err != nil {
		return err
	}
	return s.close()
}

// messageLogger is the worker's message handler: it logs every relayed message.
// Business handling plugs in here.
func messageLogger(logger zerolog.Logger, quiet bool) consumer.Handler {
	return func(ctx context.Context, env consumer.Envelope) {
		startTime := time.Now()
		ml := logger.With().Str("message_id", env.MessageID).Str("kind", string(env.Kind)).Logger()

		defer func() {
			ml.Debug().Dur("duration", time.Since(startTime)).Msg("Message handling complete")
		}()

		event := ml.Info()
		if quiet {
			event = ml.Debug()
		}

		switch env.Kind {
		case consumer.KindRaw:
			event.Int("body_bytes", len(aws.ToString(env.Raw.Body))).
				Interface("attributes", env.Raw.Attributes).
				Msg("Received SQS message")
		case consumer.KindProcessed:
			if raw, ok := env.Processed.(json.RawMessage); ok {
				event.RawJSON("payload", raw).Msg("Received preprocessed SQS message")
				return
			}
			event.Interface("payload", env.Processed).Msg("Received preprocessed SQS message")
		}
	}
}
