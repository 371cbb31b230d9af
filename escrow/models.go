package escrow

import "time"

// State is the lifecycle position of an escrow record.
type State string

const (
	StateCreated   State = "created"
	StateDeposited State = "deposited"
	StateVerified  State = "verified"
	StateDisputed  State = "disputed"
	StateReleased  State = "released"
	StateRefunded  State = "refunded"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transition is defined from s.
func (s State) Terminal() bool {
	switch s {
	case StateReleased, StateRefunded, StateCancelled:
		return true
	default:
		return false
	}
}

// Role identifies the capacity in which a caller acts on a record.
type Role string

const (
	RoleBuyer   Role = "buyer"
	RoleSeller  Role = "seller"
	RoleAgent   Role = "agent"
	RoleArbiter Role = "arbiter"
	RoleAdmin   Role = "admin"
)

// Identity is the caller identity supplied by the invoking context. The
// service trusts it as authoritative and only performs equality and admin
// checks against the stored party identifiers.
type Identity struct {
	UserID string
	Admin  bool
}

// Property describes the sale subject attached to an escrow.
type Property struct {
	PropertyID   string
	Description  string
	SalePrice    int64
	DocumentHash string
	Verified     bool
}

// Record mirrors the escrows table. Identity fields are immutable once the
// record leaves the created state; lifecycle fields are mutated only through
// the service operations.
type Record struct {
	ID                   int64
	BuyerID              string
	SellerID             string
	AgentID              string // empty means no agent
	ArbiterID            string
	Token                string
	DepositAmount        int64
	AgentFee             int64
	PlatformFeeBps       int
	Property             Property
	DepositDeadline      time.Time
	VerificationDeadline time.Time
	State                State
	BuyerApproval        bool
	SellerApproval       bool
	AgentApproval        bool
	DisputeReason        string
	ResolutionNote       string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// CreateParams enumerates the creation-time inputs validated by CreateEscrow.
type CreateParams struct {
	BuyerID              string
	SellerID             string
	AgentID              string
	ArbiterID            string
	Token                string
	DepositAmount        int64
	AgentFee             int64
	PlatformFeeBps       int
	PropertyID           string
	PropertyDescription  string
	SalePrice            int64
	DocumentHash         string
	DepositDeadline      time.Time
	VerificationDeadline time.Time
}

// Event is one immutable audit entry for an escrow record.
type Event struct {
	ID       int64
	EscrowID int64
	Seq      int
	Type     string
	ActorID  string
	Payload  map[string]any
	Ts       time.Time
}

// Event types appended to the timeline and outbox topics published for
// downstream consumers. Topic and event type share the same name.
const (
	EventCreated   = "escrow.created"
	EventDeposited = "escrow.deposited"
	EventVerified  = "escrow.verified"
	EventApproval  = "escrow.approval"
	EventReleased  = "escrow.released"
	EventDisputed  = "escrow.disputed"
	EventResolved  = "escrow.resolved"
	EventRefunded  = "escrow.refunded"
	EventCancelled = "escrow.cancelled"
)
