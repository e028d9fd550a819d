package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// CallbackLedger remembers which gateway callbacks were already applied.
// Keys are scoped by provider.
type CallbackLedger interface {
	Seen(ctx context.Context, provider, key string) (bool, error)
	Record(ctx context.Context, provider, key string) (bool, error)
}

type rowQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresLedger stores callback keys in processed_events.
type PostgresLedger struct {
	db rowQuerier
}

func NewPostgresLedger(db rowQuerier) *PostgresLedger {
	if db == nil {
		panic("events: pgx pool required")
	}
	return &PostgresLedger{db: db}
}

func (l *PostgresLedger) Seen(ctx context.Context, provider, key string) (bool, error) {
	var seen bool
	err := l.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM processed_events WHERE provider = $1 AND event_id = $2)`,
		provider, key,
	).Scan(&seen)
	if err != nil {
		return false, fmt.Errorf("events: lookup callback %s/%s: %w", provider, key, err)
	}
	return seen, nil
}

// Record stores key and reports whether this call inserted it.
func (l *PostgresLedger) Record(ctx context.Context, provider, key string) (bool, error) {
	tag, err := l.db.Exec(ctx,
		`INSERT INTO processed_events (provider, event_id) VALUES ($1, $2) ON CONFLICT (provider, event_id) DO NOTHING`,
		provider, key,
	)
	if err != nil {
		return false, fmt.Errorf("events: record callback %s/%s: %w", provider, key, err)
	}
	return tag.RowsAffected() == 1, nil
}

type ledgerKey struct {
	provider string
	key      string
}

// MemoryLedger is the in-process ledger used when no database is configured.
type MemoryLedger struct {
	mu   sync.RWMutex
	keys map[ledgerKey]struct{}
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{keys: make(map[ledgerKey]struct{})}
}

func (l *MemoryLedger) Seen(_ context.Context, provider, key string) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.keys[ledgerKey{provider, key}]
	return ok, nil
}

func (l *MemoryLedger) Record(_ context.Context, provider, key string) (bool, error) {
	k := ledgerKey{provider, key}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.keys[k]; ok {
		return false, nil
	}
	l.keys[k] = struct{}{}
	return true, nil
}
