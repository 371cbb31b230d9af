package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestWriterEnqueue(t *testing.T) {
	tx := &captureTx{}
	w := NewWriter()
	w.idGen = func() string { return "00000000-0000-0000-0000-000000000001" }

	err := w.Enqueue(context.Background(), tx, "escrow.created", map[string]any{"escrow_id": int64(7)})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if len(tx.args) != 3 {
		t.Fatalf("expected 3 insert args, got %d", len(tx.args))
	}
	if tx.args[0] != "00000000-0000-0000-0000-000000000001" {
		t.Fatalf("unexpected id: %v", tx.args[0])
	}
	if tx.args[1] != "escrow.created" {
		t.Fatalf("unexpected topic: %v", tx.args[1])
	}

	var payload map[string]any
	if err := json.Unmarshal(tx.args[2].([]byte), &payload); err != nil {
		t.Fatalf("payload is not valid JSON: %v", err)
	}
	if payload["escrow_id"] != float64(7) {
		t.Fatalf("unexpected payload: %v", payload)
	}
}

func TestWriterEnqueue_EmptyTopic(t *testing.T) {
	tx := &captureTx{}
	if err := NewWriter().Enqueue(context.Background(), tx, "", nil); err == nil {
		t.Fatal("expected error for empty topic")
	}
	if tx.execs != 0 {
		t.Fatal("no insert may happen for a rejected message")
	}
}

type captureTx struct {
	execs int
	args  []any
}

func (c *captureTx) Exec(_ context.Context, _ string, args ...any) (pgconn.CommandTag, error) {
	c.execs++
	c.args = args
	return pgconn.CommandTag{}, nil
}

func (c *captureTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("captureTx does not support nested transactions")
}

func (c *captureTx) Commit(context.Context) error   { return nil }
func (c *captureTx) Rollback(context.Context) error { return nil }

func (c *captureTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (c *captureTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (c *captureTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (c *captureTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (c *captureTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (c *captureTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (c *captureTx) Conn() *pgx.Conn { return nil }
