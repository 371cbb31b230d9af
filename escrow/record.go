package escrow

import (
	"fmt"
	"time"
)

// HasAgent reports whether an agent party is attached to the record.
func (r Record) HasAgent() bool { return r.AgentID != "" }

// IsExpiredForDeposit reports whether the deposit window has closed. The
// deadline instant itself is still valid.
func (r Record) IsExpiredForDeposit(now time.Time) bool {
	return now.After(r.DepositDeadline)
}

// IsExpiredForVerification reports whether the verification window has closed.
func (r Record) IsExpiredForVerification(now time.Time) bool {
	return now.After(r.VerificationDeadline)
}

// HasAllApprovals reports whether the approval quorum is complete. When no
// agent is attached the agent approval is implicitly satisfied.
func (r Record) HasAllApprovals() bool {
	agentOK := r.AgentApproval || !r.HasAgent()
	return r.BuyerApproval && r.SellerApproval && agentOK
}

// CanRelease reports whether the record is release-eligible.
func (r Record) CanRelease() bool {
	return r.State == StateVerified && r.HasAllApprovals()
}

// CustodyAccount is the ledger account holding the record's deposited funds.
func (r Record) CustodyAccount() string {
	return fmt.Sprintf("escrow:%d", r.ID)
}

// authorize checks whether the caller holds at least one of the allowed roles
// for the record. Party roles are equality checks against stored identifiers;
// the admin role comes from the identity itself.
func authorize(rec Record, caller Identity, allowed ...Role) error {
	for _, role := range allowed {
		switch role {
		case RoleBuyer:
			if caller.UserID != "" && caller.UserID == rec.BuyerID {
				return nil
			}
		case RoleSeller:
			if caller.UserID != "" && caller.UserID == rec.SellerID {
				return nil
			}
		case RoleAgent:
			if rec.HasAgent() && caller.UserID == rec.AgentID {
				return nil
			}
		case RoleArbiter:
			if caller.UserID != "" && caller.UserID == rec.ArbiterID {
				return nil
			}
		case RoleAdmin:
			if caller.Admin {
				return nil
			}
		}
	}
	return fmt.Errorf("%w: caller %s lacks role %v", ErrUnauthorized, caller.UserID, allowed)
}
