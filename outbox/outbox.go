// Package outbox implements the transactional outbox: operations enqueue
// messages in the same transaction as their state change, and a relay delivers
// them to a handler afterwards.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Statuses of an outbox row.
const (
	StatusPending   = "pending"
	StatusProcessed = "processed"
	StatusDead      = "dead"
)

// Message is one undelivered outbox entry.
type Message struct {
	ID        string
	Topic     string
	Payload   []byte
	Status    string
	Attempts  int
	CreatedAt time.Time
}

// Writer enqueues messages inside an existing transaction.
type Writer struct {
	idGen func() string
}

func NewWriter() *Writer {
	return &Writer{idGen: uuid.NewString}
}

// Enqueue inserts a pending message. It commits or rolls back with the
// caller's transaction.
func (w *Writer) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	if topic == "" {
		return fmt.Errorf("outbox: empty topic")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO outbox (id, topic, payload) VALUES ($1::uuid, $2, $3::jsonb)`, w.idGen(), topic, body); err != nil {
		return fmt.Errorf("outbox: enqueue: %w", err)
	}
	return nil
}
