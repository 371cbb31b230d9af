package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"
)

// Handler delivers one message to its downstream consumer. A returned error
// counts as a failed attempt.
type Handler func(ctx context.Context, msg Message) error

// Relay polls pending messages and dispatches them. Rows are claimed with
// SKIP LOCKED so multiple workers never deliver the same message twice.
type Relay struct {
	pool        *pgxpool.Pool
	handler     Handler
	logger      *slog.Logger
	workers     int
	batchSize   int
	interval    time.Duration
	maxAttempts int
}

func NewRelay(pool *pgxpool.Pool, handler Handler, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		pool:        pool,
		handler:     handler,
		logger:      logger,
		workers:     2,
		batchSize:   10,
		interval:    2 * time.Second,
		maxAttempts: 5,
	}
}

// WithWorkers sets the number of concurrent polling workers.
func (r *Relay) WithWorkers(n int) *Relay {
	if n > 0 {
		r.workers = n
	}
	return r
}

// WithInterval sets the idle polling interval.
func (r *Relay) WithInterval(d time.Duration) *Relay {
	if d > 0 {
		r.interval = d
	}
	return r
}

// Run blocks until ctx is cancelled, delivering pending messages.
func (r *Relay) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < r.workers; i++ {
		g.Go(func() error {
			ticker := time.NewTicker(r.interval)
			defer ticker.Stop()
			for {
				n, err := r.drainOnce(ctx)
				if err != nil {
					r.logger.Error("outbox drain failed", "error", err)
				}
				if n > 0 {
					continue
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-ticker.C:
				}
			}
		})
	}
	return g.Wait()
}

// drainOnce claims one batch, dispatches each message, and records the
// outcome in the same transaction as the claim.
func (r *Relay) drainOnce(ctx context.Context) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("outbox: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const claimSQL = `
		SELECT id, topic, payload, status, attempts, created_at
		FROM outbox
		WHERE status = 'pending'
		ORDER BY created_at
		FOR UPDATE SKIP LOCKED
		LIMIT $1`

	rows, err := tx.Query(ctx, claimSQL, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("outbox: claim batch: %w", err)
	}

	msgs := make([]Message, 0, r.batchSize)
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.Topic, &msg.Payload, &msg.Status, &msg.Attempts, &msg.CreatedAt); err != nil {
			rows.Close()
			return 0, fmt.Errorf("outbox: scan message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("outbox: iterate batch: %w", err)
	}
	if len(msgs) == 0 {
		return 0, tx.Commit(ctx)
	}

	for _, msg := range msgs {
		if err := r.handler(ctx, msg); err != nil {
			r.logger.Warn("outbox delivery failed", "id", msg.ID, "topic", msg.Topic, "attempts", msg.Attempts+1, "error", err)
			status := StatusPending
			if msg.Attempts+1 >= r.maxAttempts {
				status = StatusDead
			}
			if _, err := tx.Exec(ctx, `UPDATE outbox SET attempts = attempts + 1, status = $2, last_attempt = now() WHERE id = $1`, msg.ID, status); err != nil {
				return 0, fmt.Errorf("outbox: record failure: %w", err)
			}
			continue
		}
		if _, err := tx.Exec(ctx, `UPDATE outbox SET status = 'processed', last_attempt = now() WHERE id = $1`, msg.ID); err != nil {
			return 0, fmt.Errorf("outbox: mark processed: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("outbox: commit batch: %w", err)
	}
	return len(msgs), nil
}
