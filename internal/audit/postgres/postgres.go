// Package postgres persists audit events. The trail is append-only and is
// never read back by the services; a lost write costs history, not state,
// so Record absorbs failures after logging them.
package postgres

import (
	"context"
	"errors"
	"time"

	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/takrit/guildkeeper/internal/audit"
)

const recordTimeout = 5 * time.Second

// Sink writes audit events to PostgreSQL.
type Sink struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New constructs a Sink on an established pool.
func New(pool *pgxpool.Pool, logger *slog.Logger) (*Sink, error) {
	if pool == nil {
		return nil, errors.New("nil pool provided")
	}
	return &Sink{pool: pool, logger: logger.With("component", "audit")}, nil
}

// Connect opens a pool against dsn and verifies it with a ping.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// Record implements audit.Sink.
func (s *Sink) Record(ctx context.Context, event audit.Event) {
	const query = `INSERT INTO audit_events (id, kind, actor_id, subject, detail, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	writeCtx, cancel := context.WithTimeout(ctx, recordTimeout)
	defer cancel()
	if _, err := s.pool.Exec(writeCtx, query, event.ID, event.Kind, event.ActorID, event.Subject, event.Detail, event.At); err != nil {
		s.logger.Warn("audit write failed", "kind", event.Kind, "subject", event.Subject, "error", err)
	}
}

// Close implements audit.Sink.
func (s *Sink) Close() {
	s.pool.Close()
}

var _ audit.Sink = (*Sink)(nil)
