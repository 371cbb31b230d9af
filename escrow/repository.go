package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const recordColumns = `
	id, buyer_id::text, seller_id::text, agent_id::text, arbiter_id::text, token,
	deposit_amount, agent_fee, platform_fee_bps,
	property_id, property_description, sale_price, document_hash, property_verified,
	deposit_deadline, verification_deadline, state::text,
	buyer_approval, seller_approval, agent_approval,
	dispute_reason, resolution_note, created_at, updated_at`

// Repository is the PostgreSQL-backed RecordStore.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert persists a new record and returns it with its assigned id and
// timestamps.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, rec Record) (Record, error) {
	const insertSQL = `
		INSERT INTO escrows (
			buyer_id, seller_id, agent_id, arbiter_id, token,
			deposit_amount, agent_fee, platform_fee_bps,
			property_id, property_description, sale_price, document_hash,
			deposit_deadline, verification_deadline, state
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15::escrow_state)
		RETURNING ` + recordColumns

	var agentID any
	if rec.AgentID != "" {
		agentID = rec.AgentID
	}

	row := tx.QueryRow(ctx, insertSQL,
		rec.BuyerID, rec.SellerID, agentID, rec.ArbiterID, rec.Token,
		rec.DepositAmount, rec.AgentFee, rec.PlatformFeeBps,
		rec.Property.PropertyID, rec.Property.Description, rec.Property.SalePrice, rec.Property.DocumentHash,
		rec.DepositDeadline, rec.VerificationDeadline, string(rec.State),
	)
	out, err := scanRecord(row)
	if err != nil {
		return Record{}, fmt.Errorf("escrow: insert: %w", err)
	}
	return out, nil
}

// GetForUpdate loads a record with a row lock, serializing all lifecycle
// operations on it for the duration of the transaction.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id int64) (Record, error) {
	rec, err := scanRecord(tx.QueryRow(ctx, `SELECT `+recordColumns+` FROM escrows WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("escrow: lock record: %w", err)
	}
	return rec, nil
}

// Update writes the mutable lifecycle fields back. Identity fields are never
// touched after insert.
func (r *Repository) Update(ctx context.Context, tx pgx.Tx, rec Record) error {
	const updateSQL = `
		UPDATE escrows
		SET state = $2::escrow_state,
		    property_verified = $3,
		    buyer_approval = $4,
		    seller_approval = $5,
		    agent_approval = $6,
		    dispute_reason = $7,
		    resolution_note = $8,
		    updated_at = now()
		WHERE id = $1`

	tag, err := tx.Exec(ctx, updateSQL,
		rec.ID, string(rec.State), rec.Property.Verified,
		rec.BuyerApproval, rec.SellerApproval, rec.AgentApproval,
		rec.DisputeReason, rec.ResolutionNote,
	)
	if err != nil {
		return fmt.Errorf("escrow: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendEvent adds the next timeline entry for the escrow. The surrounding
// row lock makes the MAX(seq)+1 assignment safe.
func (r *Repository) AppendEvent(ctx context.Context, tx pgx.Tx, ev Event) error {
	body, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("escrow: marshal event payload: %w", err)
	}

	var actor any
	if ev.ActorID != "" {
		actor = ev.ActorID
	}

	const insertSQL = `
		INSERT INTO timeline_events (escrow_id, seq, type, actor_id, payload)
		SELECT $1, COALESCE(MAX(seq),0)+1, $2, $3, $4::jsonb
		FROM timeline_events WHERE escrow_id = $1`

	if _, err := tx.Exec(ctx, insertSQL, ev.EscrowID, ev.Type, actor, body); err != nil {
		return fmt.Errorf("escrow: insert timeline event: %w", err)
	}
	return nil
}

// Get returns a point-in-time snapshot of the record without locking.
func (r *Repository) Get(ctx context.Context, id int64) (Record, error) {
	rec, err := scanRecord(r.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM escrows WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("escrow: get: %w", err)
	}
	return rec, nil
}

// ListEvents returns the audit timeline in sequence order.
func (r *Repository) ListEvents(ctx context.Context, escrowID int64) ([]Event, error) {
	const listSQL = `
		SELECT id, escrow_id, seq, type, actor_id::text, payload, ts
		FROM timeline_events
		WHERE escrow_id = $1
		ORDER BY seq ASC`

	rows, err := r.pool.Query(ctx, listSQL, escrowID)
	if err != nil {
		return nil, fmt.Errorf("escrow: list events: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, 8)
	for rows.Next() {
		var (
			ev    Event
			actor *string
			body  []byte
		)
		if err := rows.Scan(&ev.ID, &ev.EscrowID, &ev.Seq, &ev.Type, &actor, &body, &ev.Ts); err != nil {
			return nil, fmt.Errorf("escrow: scan event: %w", err)
		}
		if actor != nil {
			ev.ActorID = *actor
		}
		if len(body) > 0 {
			if err := json.Unmarshal(body, &ev.Payload); err != nil {
				return nil, fmt.Errorf("escrow: decode event payload: %w", err)
			}
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate events: %w", err)
	}
	return events, nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec     Record
		agentID *string
		state   string
	)
	err := row.Scan(
		&rec.ID, &rec.BuyerID, &rec.SellerID, &agentID, &rec.ArbiterID, &rec.Token,
		&rec.DepositAmount, &rec.AgentFee, &rec.PlatformFeeBps,
		&rec.Property.PropertyID, &rec.Property.Description, &rec.Property.SalePrice,
		&rec.Property.DocumentHash, &rec.Property.Verified,
		&rec.DepositDeadline, &rec.VerificationDeadline, &state,
		&rec.BuyerApproval, &rec.SellerApproval, &rec.AgentApproval,
		&rec.DisputeReason, &rec.ResolutionNote, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return Record{}, err
	}
	if agentID != nil {
		rec.AgentID = *agentID
	}
	rec.State = State(state)
	return rec, nil
}
