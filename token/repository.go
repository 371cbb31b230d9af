package token

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound signals the requested token does not exist.
var ErrNotFound = errors.New("token: not found")

// Repository provides access to the token whitelist.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetBySymbol fetches a token by its symbol.
func (r *Repository) GetBySymbol(ctx context.Context, symbol string) (Token, error) {
	const query = `
		SELECT symbol, name, decimals, whitelisted, created_at
		FROM tokens
		WHERE symbol = $1
	`

	var tok Token
	err := r.pool.QueryRow(ctx, query, symbol).Scan(
		&tok.Symbol,
		&tok.Name,
		&tok.Decimals,
		&tok.Whitelisted,
		&tok.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Token{}, ErrNotFound
		}
		return Token{}, fmt.Errorf("token: query by symbol: %w", err)
	}

	return tok, nil
}

// IsWhitelisted reports whether the token may be used for new escrows.
// Unknown tokens are simply not whitelisted.
func (r *Repository) IsWhitelisted(ctx context.Context, symbol string) (bool, error) {
	var whitelisted bool
	err := r.pool.QueryRow(ctx, `SELECT whitelisted FROM tokens WHERE symbol = $1`, symbol).Scan(&whitelisted)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("token: check whitelist: %w", err)
	}
	return whitelisted, nil
}

// List fetches up to limit tokens ordered by symbol.
func (r *Repository) List(ctx context.Context, limit int) ([]Token, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	const query = `
		SELECT symbol, name, decimals, whitelisted, created_at
		FROM tokens
		ORDER BY symbol ASC
		LIMIT $1
	`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("token: list: %w", err)
	}
	defer rows.Close()

	tokens := make([]Token, 0, limit)
	for rows.Next() {
		var tok Token
		if err := rows.Scan(&tok.Symbol, &tok.Name, &tok.Decimals, &tok.Whitelisted, &tok.CreatedAt); err != nil {
			return nil, fmt.Errorf("token: scan token: %w", err)
		}
		tokens = append(tokens, tok)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("token: iterate tokens: %w", err)
	}

	return tokens, nil
}

// Upsert adds a token or updates its whitelist flag. Reserved for the
// fee-setting authority, not per-escrow callers.
func (r *Repository) Upsert(ctx context.Context, tok Token) (Token, error) {
	const query = `
		INSERT INTO tokens (symbol, name, decimals, whitelisted)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (symbol) DO UPDATE SET name = EXCLUDED.name, decimals = EXCLUDED.decimals, whitelisted = EXCLUDED.whitelisted
		RETURNING symbol, name, decimals, whitelisted, created_at
	`

	var out Token
	err := r.pool.QueryRow(ctx, query, tok.Symbol, tok.Name, tok.Decimals, tok.Whitelisted).Scan(
		&out.Symbol, &out.Name, &out.Decimals, &out.Whitelisted, &out.CreatedAt,
	)
	if err != nil {
		return Token{}, fmt.Errorf("token: upsert: %w", err)
	}
	return out, nil
}
