package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"propescrow/auth"
	"propescrow/escrow"
	"propescrow/token"
)

// escrowOps is the surface of escrow.Service the handlers depend on.
type escrowOps interface {
	CreateEscrow(ctx context.Context, actor escrow.Identity, params escrow.CreateParams) (escrow.Record, error)
	DepositFunds(ctx context.Context, actor escrow.Identity, id int64) (escrow.Record, error)
	CompleteVerification(ctx context.Context, actor escrow.Identity, id int64) (escrow.Record, error)
	GiveApproval(ctx context.Context, actor escrow.Identity, id int64, role escrow.Role) (escrow.Record, error)
	ReleaseFunds(ctx context.Context, actor escrow.Identity, id int64) (escrow.Record, error)
	RaiseDispute(ctx context.Context, actor escrow.Identity, id int64, reason string) (escrow.Record, error)
	ResolveDispute(ctx context.Context, actor escrow.Identity, id int64, favorBuyer bool, note string) (escrow.Record, error)
	CancelEscrow(ctx context.Context, actor escrow.Identity, id int64) (escrow.Record, error)
	RefundBuyer(ctx context.Context, actor escrow.Identity, id int64) (escrow.Record, error)
	GetEscrow(ctx context.Context, id int64) (escrow.Record, error)
	CanReleaseFunds(ctx context.Context, id int64) (bool, error)
	ListEvents(ctx context.Context, id int64) ([]escrow.Event, error)
}

type authOps interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(tokenString string) (string, auth.Role, error)
}

type tokenOps interface {
	List(ctx context.Context, limit int) ([]token.Token, error)
}

type ledgerOps interface {
	BalanceOf(ctx context.Context, account, token string) (int64, error)
}

// Server exposes the escrow operations to collaborators over HTTP.
type Server struct {
	logger        *slog.Logger
	authService   authOps
	escrowService escrowOps
	tokenService  tokenOps
	ledgerService ledgerOps
}

func NewServer(logger *slog.Logger, authService authOps, escrowService escrowOps, tokenService tokenOps, ledgerService ledgerOps) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		logger:        logger,
		authService:   authService,
		escrowService: escrowService,
		tokenService:  tokenService,
		ledgerService: ledgerService,
	}
}

// Router wires all routes. Auth endpoints are public; everything else
// requires a bearer token.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Post("/api/auth/register", s.handleRegister)
	r.Post("/api/auth/login", s.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(s.withIdentity)

		r.Post("/api/escrows", s.handleCreateEscrow)
		r.Get("/api/escrows/{id}", s.handleGetEscrow)
		r.Get("/api/escrows/{id}/events", s.handleListEvents)
		r.Get("/api/escrows/{id}/release-eligibility", s.handleReleaseEligibility)
		r.Post("/api/escrows/{id}/deposit", s.transitionHandler(s.escrowDeposit))
		r.Post("/api/escrows/{id}/verification", s.transitionHandler(s.escrowVerify))
		r.Post("/api/escrows/{id}/approvals", s.handleGiveApproval)
		r.Post("/api/escrows/{id}/release", s.transitionHandler(s.escrowRelease))
		r.Post("/api/escrows/{id}/dispute", s.handleRaiseDispute)
		r.Post("/api/escrows/{id}/resolution", s.handleResolveDispute)
		r.Post("/api/escrows/{id}/cancel", s.transitionHandler(s.escrowCancel))
		r.Post("/api/escrows/{id}/refund", s.transitionHandler(s.escrowRefund))

		r.Get("/api/tokens", s.handleListTokens)
		r.Get("/api/balances/{account}/{token}", s.handleBalance)
	})

	return r
}

type ctxKey int

const identityKey ctxKey = iota

// withIdentity authenticates the bearer token and stores the resulting
// escrow identity on the request context.
func (s *Server) withIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		userID, role, err := s.authService.VerifyToken(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		identity := escrow.Identity{UserID: userID, Admin: role == auth.RoleAdmin}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey, identity)))
	})
}

func identityFrom(r *http.Request) escrow.Identity {
	identity, _ := r.Context().Value(identityKey).(escrow.Identity)
	return identity
}

// --- auth handlers ---

type registerResponse struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	FullName string `json:"fullName"`
	Role     string `json:"role"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	user, err := s.authService.Register(r.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrDuplicateEmail) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		if errors.Is(err, auth.ErrWeakPassword) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, registerResponse{
		ID:       user.ID,
		Email:    user.Email,
		FullName: user.FullName,
		Role:     string(user.Role),
	})
}

type loginResponse struct {
	Token string `json:"token"`
	ID    string `json:"id"`
	Role  string `json:"role"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	result, err := s.authService.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		s.logger.Error("login failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{
		Token: result.Token,
		ID:    result.User.ID,
		Role:  string(result.User.Role),
	})
}

// --- escrow handlers ---

type createEscrowRequest struct {
	BuyerID              string `json:"buyerId"`
	SellerID             string `json:"sellerId"`
	AgentID              string `json:"agentId"`
	ArbiterID            string `json:"arbiterId"`
	Token                string `json:"token"`
	DepositAmount        int64  `json:"depositAmount"`
	AgentFee             int64  `json:"agentFee"`
	PlatformFeeBps       int    `json:"platformFeeBps"`
	PropertyID           string `json:"propertyId"`
	PropertyDescription  string `json:"propertyDescription"`
	SalePrice            int64  `json:"salePrice"`
	DocumentHash         string `json:"documentHash"`
	DepositDeadline      int64  `json:"depositDeadline"`
	VerificationDeadline int64  `json:"verificationDeadline"`
}

type escrowResponse struct {
	ID                   int64  `json:"id"`
	BuyerID              string `json:"buyerId"`
	SellerID             string `json:"sellerId"`
	AgentID              string `json:"agentId,omitempty"`
	ArbiterID            string `json:"arbiterId"`
	Token                string `json:"token"`
	DepositAmount        int64  `json:"depositAmount"`
	AgentFee             int64  `json:"agentFee"`
	PlatformFeeBps       int    `json:"platformFeeBps"`
	PropertyID           string `json:"propertyId"`
	SalePrice            int64  `json:"salePrice"`
	PropertyVerified     bool   `json:"propertyVerified"`
	State                string `json:"state"`
	BuyerApproval        bool   `json:"buyerApproval"`
	SellerApproval       bool   `json:"sellerApproval"`
	AgentApproval        bool   `json:"agentApproval"`
	DisputeReason        string `json:"disputeReason,omitempty"`
	ResolutionNote       string `json:"resolutionNote,omitempty"`
	DepositDeadline      int64  `json:"depositDeadline"`
	VerificationDeadline int64  `json:"verificationDeadline"`
	CreatedAt            string `json:"createdAt"`
}

func toEscrowResponse(rec escrow.Record) escrowResponse {
	return escrowResponse{
		ID:                   rec.ID,
		BuyerID:              rec.BuyerID,
		SellerID:             rec.SellerID,
		AgentID:              rec.AgentID,
		ArbiterID:            rec.ArbiterID,
		Token:                rec.Token,
		DepositAmount:        rec.DepositAmount,
		AgentFee:             rec.AgentFee,
		PlatformFeeBps:       rec.PlatformFeeBps,
		PropertyID:           rec.Property.PropertyID,
		SalePrice:            rec.Property.SalePrice,
		PropertyVerified:     rec.Property.Verified,
		State:                string(rec.State),
		BuyerApproval:        rec.BuyerApproval,
		SellerApproval:       rec.SellerApproval,
		AgentApproval:        rec.AgentApproval,
		DisputeReason:        rec.DisputeReason,
		ResolutionNote:       rec.ResolutionNote,
		DepositDeadline:      rec.DepositDeadline.Unix(),
		VerificationDeadline: rec.VerificationDeadline.Unix(),
		CreatedAt:            rec.CreatedAt.Format(time.RFC3339),
	}
}

func (s *Server) handleCreateEscrow(w http.ResponseWriter, r *http.Request) {
	var req createEscrowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	params := escrow.CreateParams{
		BuyerID:              req.BuyerID,
		SellerID:             req.SellerID,
		AgentID:              req.AgentID,
		ArbiterID:            req.ArbiterID,
		Token:                req.Token,
		DepositAmount:        req.DepositAmount,
		AgentFee:             req.AgentFee,
		PlatformFeeBps:       req.PlatformFeeBps,
		PropertyID:           req.PropertyID,
		PropertyDescription:  req.PropertyDescription,
		SalePrice:            req.SalePrice,
		DocumentHash:         req.DocumentHash,
		DepositDeadline:      time.Unix(req.DepositDeadline, 0),
		VerificationDeadline: time.Unix(req.VerificationDeadline, 0),
	}

	rec, err := s.escrowService.CreateEscrow(r.Context(), identityFrom(r), params)
	if err != nil {
		s.writeEscrowError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEscrowResponse(rec))
}

func (s *Server) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	id, ok := escrowID(w, r)
	if !ok {
		return
	}
	rec, err := s.escrowService.GetEscrow(r.Context(), id)
	if err != nil {
		s.writeEscrowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEscrowResponse(rec))
}

type eventResponse struct {
	Seq     int            `json:"seq"`
	Type    string         `json:"type"`
	ActorID string         `json:"actorId,omitempty"`
	Payload map[string]any `json:"payload"`
	Ts      string         `json:"ts"`
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := escrowID(w, r)
	if !ok {
		return
	}
	events, err := s.escrowService.ListEvents(r.Context(), id)
	if err != nil {
		s.writeEscrowError(w, err)
		return
	}
	out := make([]eventResponse, 0, len(events))
	for _, ev := range events {
		out = append(out, eventResponse{
			Seq:     ev.Seq,
			Type:    ev.Type,
			ActorID: ev.ActorID,
			Payload: ev.Payload,
			Ts:      ev.Ts.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleReleaseEligibility(w http.ResponseWriter, r *http.Request) {
	id, ok := escrowID(w, r)
	if !ok {
		return
	}
	eligible, err := s.escrowService.CanReleaseFunds(r.Context(), id)
	if err != nil {
		s.writeEscrowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"canRelease": eligible})
}

// transitionHandler adapts the body-less transition operations.
func (s *Server) transitionHandler(op func(ctx context.Context, actor escrow.Identity, id int64) (escrow.Record, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := escrowID(w, r)
		if !ok {
			return
		}
		rec, err := op(r.Context(), identityFrom(r), id)
		if err != nil {
			s.writeEscrowError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toEscrowResponse(rec))
	}
}

func (s *Server) escrowDeposit(ctx context.Context, actor escrow.Identity, id int64) (escrow.Record, error) {
	return s.escrowService.DepositFunds(ctx, actor, id)
}

func (s *Server) escrowVerify(ctx context.Context, actor escrow.Identity, id int64) (escrow.Record, error) {
	return s.escrowService.CompleteVerification(ctx, actor, id)
}

func (s *Server) escrowRelease(ctx context.Context, actor escrow.Identity, id int64) (escrow.Record, error) {
	return s.escrowService.ReleaseFunds(ctx, actor, id)
}

func (s *Server) escrowCancel(ctx context.Context, actor escrow.Identity, id int64) (escrow.Record, error) {
	return s.escrowService.CancelEscrow(ctx, actor, id)
}

func (s *Server) escrowRefund(ctx context.Context, actor escrow.Identity, id int64) (escrow.Record, error) {
	return s.escrowService.RefundBuyer(ctx, actor, id)
}

func (s *Server) handleGiveApproval(w http.ResponseWriter, r *http.Request) {
	id, ok := escrowID(w, r)
	if !ok {
		return
	}
	var req struct {
		Role string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Role == "" {
		writeError(w, http.StatusBadRequest, `invalid body: {"role":"buyer|seller|agent"}`)
		return
	}
	rec, err := s.escrowService.GiveApproval(r.Context(), identityFrom(r), id, escrow.Role(req.Role))
	if err != nil {
		s.writeEscrowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEscrowResponse(rec))
}

func (s *Server) handleRaiseDispute(w http.ResponseWriter, r *http.Request) {
	id, ok := escrowID(w, r)
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	rec, err := s.escrowService.RaiseDispute(r.Context(), identityFrom(r), id, req.Reason)
	if err != nil {
		s.writeEscrowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEscrowResponse(rec))
}

func (s *Server) handleResolveDispute(w http.ResponseWriter, r *http.Request) {
	id, ok := escrowID(w, r)
	if !ok {
		return
	}
	var req struct {
		FavorBuyer bool   `json:"favorBuyer"`
		Note       string `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	rec, err := s.escrowService.ResolveDispute(r.Context(), identityFrom(r), id, req.FavorBuyer, req.Note)
	if err != nil {
		s.writeEscrowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEscrowResponse(rec))
}

// --- token and balance handlers ---

type tokenResponse struct {
	Symbol      string `json:"symbol"`
	Name        string `json:"name"`
	Decimals    int    `json:"decimals"`
	Whitelisted bool   `json:"whitelisted"`
}

func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = parsed
		}
	}
	tokens, err := s.tokenService.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("list tokens failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	out := make([]tokenResponse, 0, len(tokens))
	for _, tok := range tokens {
		out = append(out, tokenResponse{Symbol: tok.Symbol, Name: tok.Name, Decimals: tok.Decimals, Whitelisted: tok.Whitelisted})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	tok := chi.URLParam(r, "token")
	if account == "" || tok == "" {
		writeError(w, http.StatusBadRequest, "account and token required")
		return
	}
	amount, err := s.ledgerService.BalanceOf(r.Context(), account, tok)
	if err != nil {
		s.logger.Error("balance lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account": account, "token": tok, "amount": amount})
}

// --- helpers ---

func escrowID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid escrow id")
		return 0, false
	}
	return id, true
}

// writeEscrowError maps the error taxonomy onto HTTP statuses, surfacing the
// error kind and field verbatim rather than masking it.
func (s *Server) writeEscrowError(w http.ResponseWriter, err error) {
	var paramsErr *escrow.InvalidParamsError
	switch {
	case errors.As(err, &paramsErr):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": paramsErr.Error(), "field": paramsErr.Field})
	case errors.Is(err, escrow.ErrInvalidParams):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, escrow.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, escrow.ErrUnauthorized):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, escrow.ErrInvalidState),
		errors.Is(err, escrow.ErrDeadlineExpired),
		errors.Is(err, escrow.ErrAlreadyApproved),
		errors.Is(err, escrow.ErrConditionsNotMet):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, escrow.ErrTransferFailed):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		s.logger.Error("escrow operation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
