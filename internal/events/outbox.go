package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wolfman30/clinic-booking/pkg/logging"
)

// OutboxEntry is an undelivered event claimed for delivery. Attempts counts
// this claim.
type OutboxEntry struct {
	ID        uuid.UUID
	Aggregate string
	Type      string
	Envelope  Envelope
	CreatedAt time.Time
	Attempts  int
}

// DeliveryHandler emits events to downstream transports.
type DeliveryHandler interface {
	Handle(ctx context.Context, entry OutboxEntry) error
}

type queryExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// OutboxStore persists events for reliable delivery. Entries are claimed
// with SKIP LOCKED and hidden for a lease period, so several API replicas
// can drain the same table; an entry whose delivery fails reappears when
// its lease runs out.
type OutboxStore struct {
	db queryExecer
}

// NewOutboxStore accepts a pgx pool (or anything with the same methods).
func NewOutboxStore(db queryExecer) *OutboxStore {
	if db == nil {
		panic("events: pgx pool required")
	}
	return &OutboxStore{db: db}
}

// Append writes evt to the outbox and returns its envelope.
func (s *OutboxStore) Append(ctx context.Context, aggregate string, evt CanonicalEvent, opts ...EnvelopeOption) (Envelope, error) {
	env, err := NewEnvelope(aggregate, evt, opts...)
	if err != nil {
		return Envelope{}, err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return Envelope{}, fmt.Errorf("events: marshal envelope: %w", err)
	}
	if _, err := s.db.Exec(ctx, `
		INSERT INTO outbox (id, aggregate, event_type, payload)
		VALUES ($1, $2, $3, $4)`,
		env.EventID, env.Aggregate, env.EventType, data,
	); err != nil {
		return Envelope{}, fmt.Errorf("events: insert outbox: %w", err)
	}
	return env, nil
}

// Claim leases up to limit deliverable entries, oldest first. Entries that
// already used maxAttempts claims are left for an operator.
func (s *OutboxStore) Claim(ctx context.Context, limit int32, lease time.Duration, maxAttempts int) ([]OutboxEntry, error) {
	rows, err := s.db.Query(ctx, `
		UPDATE outbox o
		SET attempts = o.attempts + 1,
			available_at = now() + make_interval(secs => $2)
		WHERE o.id IN (
			SELECT id FROM outbox
			WHERE delivered_at IS NULL AND available_at <= now() AND attempts < $3
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING o.id, o.aggregate, o.event_type, o.payload, o.created_at, o.attempts`,
		limit, lease.Seconds(), maxAttempts,
	)
	if err != nil {
		return nil, fmt.Errorf("events: claim outbox: %w", err)
	}
	defer rows.Close()

	var entries []OutboxEntry
	for rows.Next() {
		var entry OutboxEntry
		var payload []byte
		if err := rows.Scan(&entry.ID, &entry.Aggregate, &entry.Type, &payload, &entry.CreatedAt, &entry.Attempts); err != nil {
			return nil, fmt.Errorf("events: scan outbox: %w", err)
		}
		if err := json.Unmarshal(payload, &entry.Envelope); err != nil {
			return nil, fmt.Errorf("events: decode outbox %s: %w", entry.ID, err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *OutboxStore) MarkDelivered(ctx context.Context, id uuid.UUID) (bool, error) {
	ct, err := s.db.Exec(ctx, `UPDATE outbox SET delivered_at = now() WHERE id = $1 AND delivered_at IS NULL`, id)
	if err != nil {
		return false, fmt.Errorf("events: mark delivered: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// Deliverer polls the outbox and invokes the handler.
type Deliverer struct {
	store       *OutboxStore
	handler     DeliveryHandler
	logger      *logging.Logger
	batchSize   int32
	interval    time.Duration
	lease       time.Duration
	maxAttempts int
}

func NewDeliverer(store *OutboxStore, handler DeliveryHandler, logger *logging.Logger) *Deliverer {
	if logger == nil {
		logger = logging.Default()
	}
	return &Deliverer{
		store:       store,
		handler:     handler,
		logger:      logger.Component("outbox"),
		batchSize:   25,
		interval:    2 * time.Second,
		lease:       time.Minute,
		maxAttempts: 10,
	}
}

func (d *Deliverer) WithBatchSize(size int32) *Deliverer {
	if size > 0 {
		d.batchSize = size
	}
	return d
}

func (d *Deliverer) WithInterval(interval time.Duration) *Deliverer {
	if interval > 0 {
		d.interval = interval
	}
	return d
}

// WithRetry sets how long a failed entry stays hidden and how many claims it
// gets before it is parked.
func (d *Deliverer) WithRetry(lease time.Duration, maxAttempts int) *Deliverer {
	if lease > 0 {
		d.lease = lease
	}
	if maxAttempts > 0 {
		d.maxAttempts = maxAttempts
	}
	return d
}

// Start drains on every tick until ctx is done.
func (d *Deliverer) Start(ctx context.Context) {
	if d.store == nil || d.handler == nil {
		return
	}
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Drain(ctx)
		}
	}
}

// Drain delivers one batch and returns how many entries were delivered.
func (d *Deliverer) Drain(ctx context.Context) int {
	entries, err := d.store.Claim(ctx, d.batchSize, d.lease, d.maxAttempts)
	if err != nil {
		d.logger.Error("outbox claim failed", "error", err)
		return 0
	}
	delivered := 0
	for _, entry := range entries {
		if err := d.handler.Handle(ctx, entry); err != nil {
			if entry.Attempts >= d.maxAttempts {
				d.logger.Error("outbox entry parked after final attempt", "error", err, "event_id", entry.ID, "type", entry.Type, "attempts", entry.Attempts)
			} else {
				d.logger.Warn("outbox delivery failed", "error", err, "event_id", entry.ID, "type", entry.Type, "attempts", entry.Attempts)
			}
			continue
		}
		if ok, err := d.store.MarkDelivered(ctx, entry.ID); err != nil {
			d.logger.Error("failed to mark outbox delivered", "error", err, "event_id", entry.ID)
		} else if ok {
			delivered++
		}
	}
	return delivered
}
