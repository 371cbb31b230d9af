package token

import "time"

// Token captures the subset of token data exposed via the public API layer.
type Token struct {
	Symbol      string
	Name        string
	Decimals    int
	Whitelisted bool
	CreatedAt   time.Time
}
