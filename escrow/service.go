package escrow

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// RecordStore defines the data access required by the service. Mutations run
// inside the service's transaction; reads go straight to the pool.
type RecordStore interface {
	Insert(ctx context.Context, tx pgx.Tx, rec Record) (Record, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id int64) (Record, error)
	Update(ctx context.Context, tx pgx.Tx, rec Record) error
	AppendEvent(ctx context.Context, tx pgx.Tx, ev Event) error
	Get(ctx context.Context, id int64) (Record, error)
	ListEvents(ctx context.Context, escrowID int64) ([]Event, error)
}

// Mover is the value-transfer capability. A failed transfer aborts the
// surrounding transaction, so custody can never be partially paid out.
type Mover interface {
	Transfer(ctx context.Context, tx pgx.Tx, token, from, to string, amount int64) error
}

// Whitelist answers whether a token may be used for new escrows. It is
// consulted at creation time only.
type Whitelist interface {
	IsWhitelisted(ctx context.Context, token string) (bool, error)
}

// OutboxWriter enqueues a message for downstream delivery inside the
// operation's transaction.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Config carries the fee policy and platform account explicitly so the
// service holds no ambient global state. A zero-valued Config gets the
// defaults ("platform", 500 bps); an explicit MaxPlatformFeeBps of zero means
// no platform fee is accepted.
type Config struct {
	PlatformAccount   string
	MaxPlatformFeeBps int
}

// Service is the escrow state machine. Every operation runs as a single
// transaction with a row lock on the escrow record, so operations against the
// same record are serialized while independent records proceed in parallel.
type Service struct {
	pool      TxBeginner
	repo      RecordStore
	ledger    Mover
	outbox    OutboxWriter
	whitelist Whitelist
	cfg       Config
	now       func() time.Time
}

func NewService(pool TxBeginner, repo RecordStore, ledger Mover, outbox OutboxWriter, whitelist Whitelist, cfg Config) *Service {
	if cfg == (Config{}) {
		cfg.MaxPlatformFeeBps = 500
	}
	if cfg.PlatformAccount == "" {
		cfg.PlatformAccount = "platform"
	}
	if cfg.MaxPlatformFeeBps < 0 {
		cfg.MaxPlatformFeeBps = 0
	}
	return &Service{
		pool:      pool,
		repo:      repo,
		ledger:    ledger,
		outbox:    outbox,
		whitelist: whitelist,
		cfg:       cfg,
		now:       time.Now,
	}
}

// WithClock overrides the time source used for deadline checks.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreateEscrow validates all parameters atomically and persists a new record
// in the created state. Any violation aborts with no partial record.
func (s *Service) CreateEscrow(ctx context.Context, actor Identity, params CreateParams) (Record, error) {
	now := s.now()
	if err := s.validateCreate(ctx, now, params); err != nil {
		return Record{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec := Record{
		BuyerID:        params.BuyerID,
		SellerID:       params.SellerID,
		AgentID:        params.AgentID,
		ArbiterID:      params.ArbiterID,
		Token:          params.Token,
		DepositAmount:  params.DepositAmount,
		AgentFee:       params.AgentFee,
		PlatformFeeBps: params.PlatformFeeBps,
		Property: Property{
			PropertyID:   params.PropertyID,
			Description:  params.PropertyDescription,
			SalePrice:    params.SalePrice,
			DocumentHash: params.DocumentHash,
		},
		DepositDeadline:      params.DepositDeadline,
		VerificationDeadline: params.VerificationDeadline,
		State:                StateCreated,
	}

	rec, err = s.repo.Insert(ctx, tx, rec)
	if err != nil {
		return Record{}, err
	}

	payload := map[string]any{
		"buyer_id":       rec.BuyerID,
		"seller_id":      rec.SellerID,
		"token":          rec.Token,
		"deposit_amount": rec.DepositAmount,
		"property_id":    rec.Property.PropertyID,
	}
	if err := s.record(ctx, tx, rec, EventCreated, actor, payload); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("escrow: commit create: %w", err)
	}
	return rec, nil
}

func (s *Service) validateCreate(ctx context.Context, now time.Time, params CreateParams) error {
	switch {
	case params.BuyerID == "":
		return invalidParam("buyer", "is required")
	case params.SellerID == "":
		return invalidParam("seller", "is required")
	case params.BuyerID == params.SellerID:
		return invalidParam("seller", "must differ from buyer")
	case params.ArbiterID == "":
		return invalidParam("arbiter", "is required")
	case params.Token == "":
		return invalidParam("token", "is required")
	case params.DepositAmount <= 0:
		return invalidParam("deposit_amount", "must be positive")
	case params.SalePrice <= 0:
		return invalidParam("sale_price", "must be positive")
	case params.PropertyID == "":
		return invalidParam("property_id", "is required")
	case params.AgentFee < 0:
		return invalidParam("agent_fee", "must not be negative")
	case params.AgentFee >= params.DepositAmount:
		return invalidParam("agent_fee", "must be below the deposit amount")
	case params.PlatformFeeBps < 0:
		return invalidParam("platform_fee_bps", "must not be negative")
	case params.PlatformFeeBps > s.cfg.MaxPlatformFeeBps:
		return invalidParam("platform_fee_bps", fmt.Sprintf("exceeds the %d bps cap", s.cfg.MaxPlatformFeeBps))
	case !params.DepositDeadline.After(now):
		return invalidParam("deposit_deadline", "must be in the future")
	case !params.VerificationDeadline.After(params.DepositDeadline):
		return invalidParam("verification_deadline", "must be after the deposit deadline")
	}

	ok, err := s.whitelist.IsWhitelisted(ctx, params.Token)
	if err != nil {
		return fmt.Errorf("escrow: check token whitelist: %w", err)
	}
	if !ok {
		return invalidParam("token", "is not whitelisted")
	}
	return nil
}

// DepositFunds pulls the deposit from the buyer into escrow custody.
func (s *Service) DepositFunds(ctx context.Context, actor Identity, id int64) (Record, error) {
	return s.transition(ctx, actor, id, func(ctx context.Context, tx pgx.Tx, rec *Record) (string, map[string]any, error) {
		if err := authorize(*rec, actor, RoleBuyer); err != nil {
			return "", nil, err
		}
		if rec.State != StateCreated {
			return "", nil, fmt.Errorf("%w: deposit requires created, got %s", ErrInvalidState, rec.State)
		}
		if rec.IsExpiredForDeposit(s.now()) {
			return "", nil, fmt.Errorf("%w: deposit deadline passed", ErrDeadlineExpired)
		}

		if err := s.ledger.Transfer(ctx, tx, rec.Token, rec.BuyerID, rec.CustodyAccount(), rec.DepositAmount); err != nil {
			return "", nil, fmt.Errorf("%w: deposit: %s", ErrTransferFailed, err)
		}

		rec.State = StateDeposited
		return EventDeposited, map[string]any{"amount": rec.DepositAmount, "token": rec.Token}, nil
	})
}

// CompleteVerification marks the property verified. Callable by the agent or
// an administrator while the verification window is open.
func (s *Service) CompleteVerification(ctx context.Context, actor Identity, id int64) (Record, error) {
	return s.transition(ctx, actor, id, func(ctx context.Context, tx pgx.Tx, rec *Record) (string, map[string]any, error) {
		if err := authorize(*rec, actor, RoleAgent, RoleAdmin); err != nil {
			return "", nil, err
		}
		if rec.State != StateDeposited {
			return "", nil, fmt.Errorf("%w: verification requires deposited, got %s", ErrInvalidState, rec.State)
		}
		if rec.IsExpiredForVerification(s.now()) {
			return "", nil, fmt.Errorf("%w: verification deadline passed", ErrDeadlineExpired)
		}

		rec.Property.Verified = true
		rec.State = StateVerified
		return EventVerified, map[string]any{"property_id": rec.Property.PropertyID}, nil
	})
}

// GiveApproval records the caller's approval in the claimed role. Approvals
// are settable exactly once and never reset.
func (s *Service) GiveApproval(ctx context.Context, actor Identity, id int64, role Role) (Record, error) {
	return s.transition(ctx, actor, id, func(ctx context.Context, tx pgx.Tx, rec *Record) (string, map[string]any, error) {
		var flag *bool
		switch role {
		case RoleBuyer:
			flag = &rec.BuyerApproval
		case RoleSeller:
			flag = &rec.SellerApproval
		case RoleAgent:
			flag = &rec.AgentApproval
		default:
			return "", nil, fmt.Errorf("%w: role %s cannot approve", ErrUnauthorized, role)
		}
		if err := authorize(*rec, actor, role); err != nil {
			return "", nil, err
		}
		if rec.State != StateVerified {
			return "", nil, fmt.Errorf("%w: approval requires verified, got %s", ErrInvalidState, rec.State)
		}
		if *flag {
			return "", nil, fmt.Errorf("%w: %s", ErrAlreadyApproved, role)
		}

		*flag = true
		return EventApproval, map[string]any{"role": string(role), "all_approved": rec.HasAllApprovals()}, nil
	})
}

// ReleaseFunds distributes custody to platform, agent and seller. It is a
// permissionless trigger of an already-authorized outcome: anyone may call it
// once the approval quorum is complete.
func (s *Service) ReleaseFunds(ctx context.Context, actor Identity, id int64) (Record, error) {
	return s.transition(ctx, actor, id, func(ctx context.Context, tx pgx.Tx, rec *Record) (string, map[string]any, error) {
		if rec.State != StateVerified {
			return "", nil, fmt.Errorf("%w: release requires verified, got %s", ErrInvalidState, rec.State)
		}
		if !rec.HasAllApprovals() {
			return "", nil, fmt.Errorf("%w: approval quorum incomplete", ErrConditionsNotMet)
		}

		split, err := s.releasePayout(ctx, tx, *rec)
		if err != nil {
			return "", nil, err
		}

		rec.State = StateReleased
		return EventReleased, map[string]any{
			"platform_fee":  split.Platform,
			"agent_fee":     split.Agent,
			"seller_amount": split.Seller,
		}, nil
	})
}

// RaiseDispute diverts the record into the disputed state.
func (s *Service) RaiseDispute(ctx context.Context, actor Identity, id int64, reason string) (Record, error) {
	return s.transition(ctx, actor, id, func(ctx context.Context, tx pgx.Tx, rec *Record) (string, map[string]any, error) {
		if err := authorize(*rec, actor, RoleBuyer, RoleSeller); err != nil {
			return "", nil, err
		}
		if rec.State != StateDeposited && rec.State != StateVerified {
			return "", nil, fmt.Errorf("%w: dispute requires deposited or verified, got %s", ErrInvalidState, rec.State)
		}

		rec.DisputeReason = reason
		rec.State = StateDisputed
		return EventDisputed, map[string]any{"reason": reason}, nil
	})
}

// ResolveDispute settles an active dispute. Favoring the buyer refunds the
// full deposit; favoring the seller restores a verified, fully approved record
// so a follow-up ReleaseFunds call completes it.
func (s *Service) ResolveDispute(ctx context.Context, actor Identity, id int64, favorBuyer bool, note string) (Record, error) {
	return s.transition(ctx, actor, id, func(ctx context.Context, tx pgx.Tx, rec *Record) (string, map[string]any, error) {
		if err := authorize(*rec, actor, RoleArbiter, RoleAdmin); err != nil {
			return "", nil, err
		}
		if rec.State != StateDisputed {
			return "", nil, fmt.Errorf("%w: resolution requires disputed, got %s", ErrInvalidState, rec.State)
		}

		rec.ResolutionNote = note
		if favorBuyer {
			if err := s.refundPayout(ctx, tx, *rec); err != nil {
				return "", nil, err
			}
			rec.State = StateRefunded
		} else {
			rec.BuyerApproval = true
			rec.SellerApproval = true
			rec.AgentApproval = true
			rec.Property.Verified = true
			rec.State = StateVerified
		}
		return EventResolved, map[string]any{"favor_buyer": favorBuyer, "note": note}, nil
	})
}

// CancelEscrow abandons a record before any funds are committed.
func (s *Service) CancelEscrow(ctx context.Context, actor Identity, id int64) (Record, error) {
	return s.transition(ctx, actor, id, func(ctx context.Context, tx pgx.Tx, rec *Record) (string, map[string]any, error) {
		if err := authorize(*rec, actor, RoleBuyer, RoleSeller); err != nil {
			return "", nil, err
		}
		if rec.State != StateCreated {
			return "", nil, fmt.Errorf("%w: cancel requires created, got %s", ErrInvalidState, rec.State)
		}

		rec.State = StateCancelled
		return EventCancelled, nil, nil
	})
}

// RefundBuyer is the administrative escape hatch returning custody to the
// buyer from any funded, non-terminal state.
func (s *Service) RefundBuyer(ctx context.Context, actor Identity, id int64) (Record, error) {
	return s.transition(ctx, actor, id, func(ctx context.Context, tx pgx.Tx, rec *Record) (string, map[string]any, error) {
		if err := authorize(*rec, actor, RoleAdmin); err != nil {
			return "", nil, err
		}
		switch rec.State {
		case StateDeposited, StateVerified, StateDisputed:
		default:
			return "", nil, fmt.Errorf("%w: refund requires a funded state, got %s", ErrInvalidState, rec.State)
		}

		if err := s.refundPayout(ctx, tx, *rec); err != nil {
			return "", nil, err
		}
		rec.State = StateRefunded
		return EventRefunded, map[string]any{"amount": rec.DepositAmount}, nil
	})
}

// GetEscrow returns a snapshot of the record.
func (s *Service) GetEscrow(ctx context.Context, id int64) (Record, error) {
	return s.repo.Get(ctx, id)
}

// GetState returns the current lifecycle state of the record.
func (s *Service) GetState(ctx context.Context, id int64) (State, error) {
	rec, err := s.repo.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return rec.State, nil
}

// CanReleaseFunds reports whether the record is release-eligible.
func (s *Service) CanReleaseFunds(ctx context.Context, id int64) (bool, error) {
	rec, err := s.repo.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return rec.CanRelease(), nil
}

// ListEvents returns the audit timeline for the record in sequence order.
func (s *Service) ListEvents(ctx context.Context, id int64) ([]Event, error) {
	return s.repo.ListEvents(ctx, id)
}

// transition runs one lifecycle operation as an indivisible unit: lock the
// row, validate and apply, persist, append the audit event and outbox message,
// commit. The apply func returns the event type and extra payload fields, or
// an error that rolls the whole operation back.
func (s *Service) transition(ctx context.Context, actor Identity, id int64, apply func(ctx context.Context, tx pgx.Tx, rec *Record) (string, map[string]any, error)) (Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Record{}, err
	}

	eventType, payload, err := apply(ctx, tx, &rec)
	if err != nil {
		return Record{}, err
	}

	if err := s.repo.Update(ctx, tx, rec); err != nil {
		return Record{}, err
	}
	if err := s.record(ctx, tx, rec, eventType, actor, payload); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("escrow: commit %s: %w", eventType, err)
	}
	return rec, nil
}

// record appends the timeline event and enqueues the matching outbox message
// in the caller's transaction.
func (s *Service) record(ctx context.Context, tx pgx.Tx, rec Record, eventType string, actor Identity, extra map[string]any) error {
	payload := map[string]any{
		"escrow_id": rec.ID,
		"state":     string(rec.State),
	}
	for k, v := range extra {
		payload[k] = v
	}

	ev := Event{
		EscrowID: rec.ID,
		Type:     eventType,
		ActorID:  actor.UserID,
		Payload:  payload,
	}
	if err := s.repo.AppendEvent(ctx, tx, ev); err != nil {
		return err
	}

	outboxPayload := map[string]any{
		"escrow_id": rec.ID,
		"state":     string(rec.State),
		"actor_id":  actor.UserID,
	}
	for k, v := range extra {
		outboxPayload[k] = v
	}
	if err := s.outbox.Enqueue(ctx, tx, eventType, outboxPayload); err != nil {
		return err
	}
	return nil
}
