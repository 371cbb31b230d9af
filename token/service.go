package token

import "context"

// WhitelistReader abstracts repository operations for the service.
type WhitelistReader interface {
	GetBySymbol(ctx context.Context, symbol string) (Token, error)
	IsWhitelisted(ctx context.Context, symbol string) (bool, error)
	List(ctx context.Context, limit int) ([]Token, error)
}

// Service exposes business-level token whitelist operations.
type Service struct {
	repo WhitelistReader
}

// NewService builds a Service using the provided repository.
func NewService(repo WhitelistReader) *Service {
	return &Service{repo: repo}
}

// GetBySymbol returns the token for the given symbol.
func (s *Service) GetBySymbol(ctx context.Context, symbol string) (Token, error) {
	return s.repo.GetBySymbol(ctx, symbol)
}

// IsWhitelisted reports whether the token may be used for new escrows.
func (s *Service) IsWhitelisted(ctx context.Context, symbol string) (bool, error) {
	return s.repo.IsWhitelisted(ctx, symbol)
}

// List returns up to limit tokens.
func (s *Service) List(ctx context.Context, limit int) ([]Token, error) {
	return s.repo.List(ctx, limit)
}
