package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wolfman30/clinic-booking/internal/scheduling"
)

// DB abstracts the pgx query interface for testing.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Beginner starts transactions; satisfied by *pgxpool.Pool and pgxmock.
type Beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store implements scheduling.Store on PostgreSQL. Row locks are taken with
// SELECT ... FOR UPDATE and last until the transaction ends.
type Store struct {
	pool Beginner
}

// New creates a Store over a pgx pool.
func New(pool Beginner) *Store {
	if pool == nil {
		panic("postgres: pgx pool required")
	}
	return &Store{pool: pool}
}

var _ scheduling.Store = (*Store)(nil)

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx scheduling.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := fn(ctx, NewQueries(tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	committed = true
	return nil
}

// Queries runs the scheduling statements against a DB, normally a pgx.Tx.
type Queries struct {
	db DB
}

// NewQueries wraps db.
func NewQueries(db DB) *Queries {
	return &Queries{db: db}
}

var _ scheduling.Tx = (*Queries)(nil)

type scanner interface {
	Scan(dest ...any) error
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
