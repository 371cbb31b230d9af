package actors

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"propescrow/escrow"
)

// Parties are the seeded identities shared by all actors. Every escrow in a
// stress run is between the same four users so operations contend on the same
// buyer balance and the same records.
type Parties struct {
	Buyer   escrow.Identity
	Seller  escrow.Identity
	Agent   escrow.Identity
	Arbiter escrow.Identity
	Admin   escrow.Identity
}

// Creator opens new escrows so the downstream actors always have records to
// fight over.
func Creator(ctx context.Context, svc *escrow.Service, parties Parties, token string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		deposit := int64(100 + rand.Intn(900))
		params := escrow.CreateParams{
			BuyerID:              parties.Buyer.UserID,
			SellerID:             parties.Seller.UserID,
			AgentID:              parties.Agent.UserID,
			ArbiterID:            parties.Arbiter.UserID,
			Token:                token,
			DepositAmount:        deposit,
			AgentFee:             int64(rand.Intn(int(deposit / 2))),
			PlatformFeeBps:       rand.Intn(501),
			PropertyID:           fmt.Sprintf("stress-prop-%d", rand.Int63()),
			SalePrice:            deposit * 100,
			DepositDeadline:      time.Now().Add(time.Hour),
			VerificationDeadline: time.Now().Add(2 * time.Hour),
		}
		// Domain rejections are irrelevant here; the oracles judge the outcome.
		_, _ = svc.CreateEscrow(ctx, parties.Buyer, params)
		time.Sleep(time.Duration(40+rand.Intn(60)) * time.Millisecond)
	}
}

// Depositor funds created escrows. Losing the race to another depositor or
// draining the buyer balance are both expected under contention.
func Depositor(ctx context.Context, svc *escrow.Service, pool *pgxpool.Pool, parties Parties, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if id := pickEscrow(ctx, pool, "created"); id != 0 {
			_, _ = svc.DepositFunds(ctx, parties.Buyer, id)
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Verifier completes property verification on deposited escrows.
func Verifier(ctx context.Context, svc *escrow.Service, pool *pgxpool.Pool, parties Parties, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if id := pickEscrow(ctx, pool, "deposited"); id != 0 {
			_, _ = svc.CompleteVerification(ctx, parties.Agent, id)
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Approver races duplicate approvals in one role against the other approvers.
func Approver(ctx context.Context, svc *escrow.Service, pool *pgxpool.Pool, actor escrow.Identity, role escrow.Role, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if id := pickEscrow(ctx, pool, "verified"); id != 0 {
			_, _ = svc.GiveApproval(ctx, actor, id, role)
		}
		time.Sleep(time.Duration(15+rand.Intn(30)) * time.Millisecond)
	}
}

// Releaser hammers ReleaseFunds on verified escrows whether or not the quorum
// is complete. Double releases must lose to the row lock.
func Releaser(ctx context.Context, svc *escrow.Service, pool *pgxpool.Pool, actor escrow.Identity, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if id := pickEscrow(ctx, pool, "verified"); id != 0 {
			_, _ = svc.ReleaseFunds(ctx, actor, id)
		}
		time.Sleep(time.Duration(15+rand.Intn(30)) * time.Millisecond)
	}
}

// Disputer raises disputes on funded escrows and has the arbiter resolve open
// ones with a random outcome, competing with releases and refunds.
func Disputer(ctx context.Context, svc *escrow.Service, pool *pgxpool.Pool, parties Parties, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if id := pickEscrow(ctx, pool, "deposited", "verified"); id != 0 {
			_, _ = svc.RaiseDispute(ctx, parties.Buyer, id, "stress dispute")
		}
		if id := pickEscrow(ctx, pool, "disputed"); id != 0 {
			_, _ = svc.ResolveDispute(ctx, parties.Arbiter, id, rand.Intn(2) == 0, "stress resolution")
		}
		time.Sleep(time.Duration(50+rand.Intn(80)) * time.Millisecond)
	}
}

// Refunder plays the administrator occasionally pulling funded escrows back.
func Refunder(ctx context.Context, svc *escrow.Service, pool *pgxpool.Pool, admin escrow.Identity, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if rand.Intn(4) == 0 {
			if id := pickEscrow(ctx, pool, "deposited", "verified", "disputed"); id != 0 {
				_, _ = svc.RefundBuyer(ctx, admin, id)
			}
		}
		time.Sleep(time.Duration(100+rand.Intn(100)) * time.Millisecond)
	}
}

// OutboxWorker consumes pending outbox messages with SKIP LOCKED and marks
// them processed, with a simulated failure rate to exercise the attempts path.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		rows, err := tx.Query(ctx, `SELECT id FROM outbox WHERE status='pending' ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		ids := make([]string, 0, 10)
		for rows.Next() {
			var id string
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			if rand.Intn(10) == 0 {
				_, _ = tx.Exec(ctx, `UPDATE outbox SET attempts=attempts+1, last_attempt=NOW() WHERE id=$1`, id)
				continue
			}
			_, _ = tx.Exec(ctx, `UPDATE outbox SET status='processed', last_attempt=NOW() WHERE id=$1`, id)
		}
		_ = tx.Commit(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}

// pickEscrow returns a random escrow id currently in one of the given states,
// or zero when none match.
func pickEscrow(ctx context.Context, pool *pgxpool.Pool, states ...string) int64 {
	var id int64
	err := pool.QueryRow(ctx,
		`SELECT id FROM escrows WHERE state::text = ANY($1) ORDER BY random() LIMIT 1`, states).Scan(&id)
	if err != nil {
		return 0
	}
	return id
}
