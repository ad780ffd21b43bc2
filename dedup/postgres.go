package dedup

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/kruthis123/sqs-cluster-consumer/consumer"
)

const createProcessedMessages = `
CREATE TABLE IF NOT EXISTS processed_messages (
    message_id   TEXT PRIMARY KEY,
    envelope     TEXT NOT NULL,
    processed_at TIMESTAMPTZ NOT NULL
)`

// DBTX is the subset of *sql.DB the store uses.
type DBTX interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}

type PostgresStore struct {
	db DBTX
}

// OpenPostgres connects to databaseURL and checks the connection.
func OpenPostgres(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

func NewPostgresStore(db DBTX) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the processed_messages table if it does not exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, createProcessedMessages)
	return err
}

func (p *PostgresStore) IsProcessed(ctx context.Context, messageID string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM processed_messages WHERE message_id = $1)",
		messageID,
	).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) MarkProcessed(ctx context.Context, messageID string, kind consumer.Kind) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO processed_messages (message_id, envelope, processed_at)
         VALUES ($1, $2, $3)
         ON CONFLICT (message_id) DO NOTHING`,
		messageID, string(kind), time.Now(),
	)
	return err
}

func (p *PostgresStore) Cleanup(ctx context.Context, olderThan time.Duration) error {
	_, err := p.db.ExecContext(ctx,
		"DELETE FROM processed_messages WHERE processed_at < $1",
		time.Now().Add(-olderThan),
	)
	return err
}

func (p *PostgresStore) Close() error {
	// DB connection is managed elsewhere, nothing to close here
	return nil
}
