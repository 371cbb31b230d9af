package escrow

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// bpsDenominator is the basis-point scale: 10000 bps = 100%.
const bpsDenominator = 10000

// Split is the exact three-way distribution of a release payout. The platform
// fee truncates toward zero and the seller receives the remainder, so the
// three amounts always sum to the deposit.
type Split struct {
	Platform int64
	Agent    int64
	Seller   int64
}

// ReleaseSplit computes the payout split for rec. A negative seller amount is
// an invariant violation: creation-time validation bounds the fees so the
// remainder can never go below zero.
func ReleaseSplit(rec Record) (Split, error) {
	platform := platformFee(rec.DepositAmount, rec.PlatformFeeBps)
	agent := rec.AgentFee
	if !rec.HasAgent() {
		agent = 0
	}
	seller := rec.DepositAmount - platform - agent
	if seller < 0 {
		return Split{}, fmt.Errorf("%w: computed seller amount %d for escrow %d", ErrInvariantViolated, seller, rec.ID)
	}
	return Split{Platform: platform, Agent: agent, Seller: seller}, nil
}

// platformFee is amount*bps/10000 truncated toward zero, computed without the
// intermediate product so large deposits cannot overflow int64.
func platformFee(amount int64, bps int) int64 {
	q, r := amount/bpsDenominator, amount%bpsDenominator
	return q*int64(bps) + r*int64(bps)/bpsDenominator
}

// releasePayout moves the custody balance out as platform fee, agent fee and
// seller proceeds inside the caller's transaction. The transfers and the state
// transition commit together or not at all.
func (s *Service) releasePayout(ctx context.Context, tx pgx.Tx, rec Record) (Split, error) {
	split, err := ReleaseSplit(rec)
	if err != nil {
		return Split{}, err
	}

	custody := rec.CustodyAccount()
	if split.Platform > 0 {
		if err := s.ledger.Transfer(ctx, tx, rec.Token, custody, s.cfg.PlatformAccount, split.Platform); err != nil {
			return Split{}, fmt.Errorf("%w: platform fee: %s", ErrTransferFailed, err)
		}
	}
	if split.Agent > 0 {
		if err := s.ledger.Transfer(ctx, tx, rec.Token, custody, rec.AgentID, split.Agent); err != nil {
			return Split{}, fmt.Errorf("%w: agent fee: %s", ErrTransferFailed, err)
		}
	}
	if split.Seller > 0 {
		if err := s.ledger.Transfer(ctx, tx, rec.Token, custody, rec.SellerID, split.Seller); err != nil {
			return Split{}, fmt.Errorf("%w: seller proceeds: %s", ErrTransferFailed, err)
		}
	}
	return split, nil
}

// refundPayout returns the full deposit from custody to the buyer.
func (s *Service) refundPayout(ctx context.Context, tx pgx.Tx, rec Record) error {
	if err := s.ledger.Transfer(ctx, tx, rec.Token, rec.CustodyAccount(), rec.BuyerID, rec.DepositAmount); err != nil {
		return fmt.Errorf("%w: refund: %s", ErrTransferFailed, err)
	}
	return nil
}
