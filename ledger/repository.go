// Package ledger is the value-transfer capability backing escrow custody.
// Balances are integers in the token's smallest unit; an account never goes
// negative.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrInsufficientFunds signals the debit account holds less than the amount.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	// ErrNotApproved signals the debit account was never provisioned for the token.
	ErrNotApproved = errors.New("ledger: account not approved for token")
	// ErrInvalidAmount signals a non-positive transfer amount.
	ErrInvalidAmount = errors.New("ledger: amount must be positive")
)

// Repository moves value between accounts inside the caller's transaction.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Transfer debits from and credits to atomically within tx. The debit row is
// locked first so concurrent transfers from the same account serialize.
func (r *Repository) Transfer(ctx context.Context, tx pgx.Tx, token, from, to string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if from == to {
		return fmt.Errorf("ledger: transfer to self (%s)", from)
	}

	var available int64
	err := tx.QueryRow(ctx, `SELECT amount FROM balances WHERE account=$1 AND token=$2 FOR UPDATE`, from, token).Scan(&available)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s/%s", ErrNotApproved, from, token)
		}
		return fmt.Errorf("ledger: lock debit account: %w", err)
	}
	if available < amount {
		return fmt.Errorf("%w: %s has %d, need %d", ErrInsufficientFunds, from, available, amount)
	}

	if _, err := tx.Exec(ctx, `UPDATE balances SET amount = amount - $3 WHERE account=$1 AND token=$2`, from, token, amount); err != nil {
		return fmt.Errorf("ledger: debit %s: %w", from, err)
	}

	const creditSQL = `
		INSERT INTO balances (account, token, amount)
		VALUES ($1, $2, $3)
		ON CONFLICT (account, token) DO UPDATE SET amount = balances.amount + EXCLUDED.amount`
	if _, err := tx.Exec(ctx, creditSQL, to, token, amount); err != nil {
		return fmt.Errorf("ledger: credit %s: %w", to, err)
	}

	return nil
}

// Mint provisions an account with new units. Used by operators and tests;
// escrow operations only ever move existing balances.
func (r *Repository) Mint(ctx context.Context, token, account string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	const mintSQL = `
		INSERT INTO balances (account, token, amount)
		VALUES ($1, $2, $3)
		ON CONFLICT (account, token) DO UPDATE SET amount = balances.amount + EXCLUDED.amount`
	if _, err := r.pool.Exec(ctx, mintSQL, account, token, amount); err != nil {
		return fmt.Errorf("ledger: mint: %w", err)
	}
	return nil
}

// BalanceOf returns the current balance, zero for unknown accounts.
func (r *Repository) BalanceOf(ctx context.Context, account, token string) (int64, error) {
	var amount int64
	err := r.pool.QueryRow(ctx, `SELECT amount FROM balances WHERE account=$1 AND token=$2`, account, token).Scan(&amount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("ledger: balance of %s: %w", account, err)
	}
	return amount, nil
}
