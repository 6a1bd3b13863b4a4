package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/comptaflow/comptaflow/internal/logging"
	"github.com/comptaflow/comptaflow/internal/monitoring"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Listener holds the process's single LISTEN connection and feeds the hub
type Listener struct {
	pool           *pgxpool.Pool
	channel        string
	hub            *Hub
	rows           RowFetcher
	reconnectDelay time.Duration
}

// NewListener creates a listener for channel
func NewListener(pool *pgxpool.Pool, channel string, hub *Hub) *Listener {
	return &Listener{
		pool:           pool,
		channel:        channel,
		hub:            hub,
		rows:           NewPgRowFetcher(pool),
		reconnectDelay: 2 * time.Second,
	}
}

// Run listens until ctx is cancelled, reconnecting after connection failures
func (l *Listener) Run(ctx context.Context) error {
	logger := logging.NewLogger("realtime")
	for {
		err := l.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		logger.Warn().Err(err).Str("channel", l.channel).Dur("retry_in", l.reconnectDelay).Msg("Change listener disconnected")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(l.reconnectDelay):
		}
	}
}

func (l *Listener) listen(ctx context.Context) error {
	pooled, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire listen connection: %w", err)
	}
	// A LISTENing session must not go back to the pool
	conn := pooled.Hijack()
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", l.channel, err)
	}
	logger := logging.NewLogger("realtime")
	logger.Info().Str("channel", l.channel).Msg("Change listener connected")

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		l.handle(ctx, []byte(n.Payload))
	}
}

func (l *Listener) handle(ctx context.Context, payload []byte) {
	logger := logging.NewLogger("realtime")
	ev, err := ParseChangeEvent(payload)
	if err != nil {
		logger.Warn().Err(err).Msg("Dropping malformed change notification")
		return
	}
	if err := Hydrate(ctx, ev, l.rows); err != nil {
		logger.Warn().Err(err).Str("table", ev.Table).Str("id", ev.ID).Msg("Dropping truncated change notification")
		return
	}
	monitoring.RecordChangeEvent(ev.Table, string(ev.Type))
	l.hub.Publish(*ev)
}

// PgRowFetcher reads rows back with to_jsonb so they match the trigger's encoding
type PgRowFetcher struct {
	db *pgxpool.Pool
}

// NewPgRowFetcher creates a fetcher on pool
func NewPgRowFetcher(pool *pgxpool.Pool) *PgRowFetcher {
	return &PgRowFetcher{db: pool}
}

// FetchRow loads one row of a published table by id
func (f *PgRowFetcher) FetchRow(ctx context.Context, table, id string) (json.RawMessage, error) {
	if !publishedTables[table] {
		return nil, fmt.Errorf("table %q is not published", table)
	}
	var row json.RawMessage
	err := f.db.QueryRow(ctx,
		`SELECT to_jsonb(t) FROM `+pgx.Identifier{table}.Sanitize()+` t WHERE t.id = $1`, id,
	).Scan(&row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRowGone
	}
	if err != nil {
		return nil, fmt.Errorf("failed to re-read %s row: %w", table, err)
	}
	return row, nil
}
