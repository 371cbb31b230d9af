package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"propescrow/auth"
	"propescrow/escrow"
	"propescrow/token"
)

type stubEscrowService struct {
	rec     escrow.Record
	err     error
	events  []escrow.Event
	canRel  bool
	gotRole escrow.Role
	gotFav  bool
	gotNote string
}

func (s *stubEscrowService) CreateEscrow(_ context.Context, _ escrow.Identity, _ escrow.CreateParams) (escrow.Record, error) {
	return s.rec, s.err
}

func (s *stubEscrowService) DepositFunds(_ context.Context, _ escrow.Identity, _ int64) (escrow.Record, error) {
	return s.rec, s.err
}

func (s *stubEscrowService) CompleteVerification(_ context.Context, _ escrow.Identity, _ int64) (escrow.Record, error) {
	return s.rec, s.err
}

func (s *stubEscrowService) GiveApproval(_ context.Context, _ escrow.Identity, _ int64, role escrow.Role) (escrow.Record, error) {
	s.gotRole = role
	return s.rec, s.err
}

func (s *stubEscrowService) ReleaseFunds(_ context.Context, _ escrow.Identity, _ int64) (escrow.Record, error) {
	return s.rec, s.err
}

func (s *stubEscrowService) RaiseDispute(_ context.Context, _ escrow.Identity, _ int64, _ string) (escrow.Record, error) {
	return s.rec, s.err
}

func (s *stubEscrowService) ResolveDispute(_ context.Context, _ escrow.Identity, _ int64, favorBuyer bool, note string) (escrow.Record, error) {
	s.gotFav = favorBuyer
	s.gotNote = note
	return s.rec, s.err
}

func (s *stubEscrowService) CancelEscrow(_ context.Context, _ escrow.Identity, _ int64) (escrow.Record, error) {
	return s.rec, s.err
}

func (s *stubEscrowService) RefundBuyer(_ context.Context, _ escrow.Identity, _ int64) (escrow.Record, error) {
	return s.rec, s.err
}

func (s *stubEscrowService) GetEscrow(_ context.Context, _ int64) (escrow.Record, error) {
	return s.rec, s.err
}

func (s *stubEscrowService) CanReleaseFunds(_ context.Context, _ int64) (bool, error) {
	return s.canRel, s.err
}

func (s *stubEscrowService) ListEvents(_ context.Context, _ int64) ([]escrow.Event, error) {
	return s.events, s.err
}

type stubAuthService struct {
	userID    string
	role      auth.Role
	verifyErr error

	registerUser *auth.User
	registerErr  error
	loginResult  auth.LoginResult
	loginErr     error
}

func (s *stubAuthService) Register(_ context.Context, _ auth.RegisterRequest) (*auth.User, error) {
	return s.registerUser, s.registerErr
}

func (s *stubAuthService) Login(_ context.Context, _ auth.LoginRequest) (auth.LoginResult, error) {
	return s.loginResult, s.loginErr
}

func (s *stubAuthService) VerifyToken(string) (string, auth.Role, error) {
	return s.userID, s.role, s.verifyErr
}

type stubTokenService struct {
	tokens []token.Token
	err    error
}

func (s *stubTokenService) List(_ context.Context, _ int) ([]token.Token, error) {
	return s.tokens, s.err
}

type stubLedgerService struct {
	amount int64
	err    error
}

func (s *stubLedgerService) BalanceOf(_ context.Context, _, _ string) (int64, error) {
	return s.amount, s.err
}

func sampleRecord() escrow.Record {
	return escrow.Record{
		ID:                   7,
		BuyerID:              "user-buyer",
		SellerID:             "user-seller",
		AgentID:              "user-agent",
		ArbiterID:            "user-arbiter",
		Token:                "USDH",
		DepositAmount:        1000,
		AgentFee:             50,
		PlatformFeeBps:       250,
		Property:             escrow.Property{PropertyID: "prop-17", SalePrice: 250000},
		DepositDeadline:      time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC),
		VerificationDeadline: time.Date(2024, 5, 3, 12, 0, 0, 0, time.UTC),
		State:                escrow.StateCreated,
		CreatedAt:            time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func newTestServer(escrowSvc escrowOps) *Server {
	return NewServer(nil, &stubAuthService{userID: "user-buyer", role: auth.RoleBuyer}, escrowSvc, &stubTokenService{}, &stubLedgerService{})
}

func doRequest(t *testing.T, server *Server, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("{}")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer test-token")
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)
	return rec
}

func TestHandleGetEscrow_Success(t *testing.T) {
	server := newTestServer(&stubEscrowService{rec: sampleRecord()})

	rec := doRequest(t, server, http.MethodGet, "/api/escrows/7", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp escrowResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != 7 || resp.State != "created" || resp.Token != "USDH" {
		t.Fatalf("unexpected payload: %+v", resp)
	}
	if resp.CreatedAt != "2024-05-01T12:00:00Z" {
		t.Fatalf("unexpected createdAt: %s", resp.CreatedAt)
	}
}

func TestHandleGetEscrow_NotFound(t *testing.T) {
	server := newTestServer(&stubEscrowService{err: escrow.ErrNotFound})

	rec := doRequest(t, server, http.MethodGet, "/api/escrows/9999", "")

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleGetEscrow_InvalidID(t *testing.T) {
	server := newTestServer(&stubEscrowService{})

	rec := doRequest(t, server, http.MethodGet, "/api/escrows/not-a-number", "")

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestMissingBearerToken(t *testing.T) {
	server := newTestServer(&stubEscrowService{})

	req := httptest.NewRequest(http.MethodGet, "/api/escrows/7", nil)
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleCreateEscrow_ValidationError(t *testing.T) {
	server := newTestServer(&stubEscrowService{
		err: &escrow.InvalidParamsError{Field: "deposit_amount", Reason: "must be positive"},
	})

	rec := doRequest(t, server, http.MethodPost, "/api/escrows", `{"buyerId":"b","sellerId":"s"}`)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["field"] != "deposit_amount" {
		t.Fatalf("expected field deposit_amount, got %q", resp["field"])
	}
}

func TestTransitionErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"unauthorized", escrow.ErrUnauthorized, http.StatusForbidden},
		{"invalid state", escrow.ErrInvalidState, http.StatusConflict},
		{"deadline expired", escrow.ErrDeadlineExpired, http.StatusConflict},
		{"already approved", escrow.ErrAlreadyApproved, http.StatusConflict},
		{"conditions not met", escrow.ErrConditionsNotMet, http.StatusConflict},
		{"transfer failed", escrow.ErrTransferFailed, http.StatusUnprocessableEntity},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := newTestServer(&stubEscrowService{err: tc.err})

			rec := doRequest(t, server, http.MethodPost, "/api/escrows/7/deposit", "")

			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rec.Code)
			}
		})
	}
}

func TestHandleDeposit_Success(t *testing.T) {
	sample := sampleRecord()
	sample.State = escrow.StateDeposited
	server := newTestServer(&stubEscrowService{rec: sample})

	rec := doRequest(t, server, http.MethodPost, "/api/escrows/7/deposit", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp escrowResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.State != "deposited" {
		t.Fatalf("expected deposited, got %s", resp.State)
	}
}

func TestHandleGiveApproval(t *testing.T) {
	stub := &stubEscrowService{rec: sampleRecord()}
	server := newTestServer(stub)

	rec := doRequest(t, server, http.MethodPost, "/api/escrows/7/approvals", `{"role":"seller"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if stub.gotRole != escrow.RoleSeller {
		t.Fatalf("expected claimed role seller, got %s", stub.gotRole)
	}
}

func TestHandleGiveApproval_MissingRole(t *testing.T) {
	server := newTestServer(&stubEscrowService{})

	rec := doRequest(t, server, http.MethodPost, "/api/escrows/7/approvals", `{}`)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleResolveDispute(t *testing.T) {
	stub := &stubEscrowService{rec: sampleRecord()}
	server := newTestServer(stub)

	rec := doRequest(t, server, http.MethodPost, "/api/escrows/7/resolution", `{"favorBuyer":true,"note":"refund in full"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !stub.gotFav || stub.gotNote != "refund in full" {
		t.Fatalf("resolution args not forwarded: favor=%v note=%q", stub.gotFav, stub.gotNote)
	}
}

func TestHandleReleaseEligibility(t *testing.T) {
	server := newTestServer(&stubEscrowService{canRel: true})

	rec := doRequest(t, server, http.MethodGet, "/api/escrows/7/release-eligibility", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp map[string]bool
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp["canRelease"] {
		t.Fatalf("expected canRelease true, got %+v", resp)
	}
}

func TestHandleListEvents(t *testing.T) {
	server := newTestServer(&stubEscrowService{
		events: []escrow.Event{
			{Seq: 1, Type: escrow.EventCreated, ActorID: "user-buyer", Ts: time.Now()},
			{Seq: 2, Type: escrow.EventDeposited, ActorID: "user-buyer", Ts: time.Now()},
		},
	})

	rec := doRequest(t, server, http.MethodGet, "/api/escrows/7/events", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp []eventResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp) != 2 || resp[0].Type != escrow.EventCreated || resp[1].Seq != 2 {
		t.Fatalf("unexpected events payload: %+v", resp)
	}
}

func TestHandleListTokens(t *testing.T) {
	server := NewServer(nil, &stubAuthService{userID: "user-1", role: auth.RoleBuyer}, &stubEscrowService{}, &stubTokenService{
		tokens: []token.Token{{Symbol: "USDH", Name: "House Dollar", Decimals: 6, Whitelisted: true}},
	}, &stubLedgerService{})

	rec := doRequest(t, server, http.MethodGet, "/api/tokens", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp []tokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp) != 1 || resp[0].Symbol != "USDH" || !resp[0].Whitelisted {
		t.Fatalf("unexpected tokens payload: %+v", resp)
	}
}

func TestHandleBalance(t *testing.T) {
	server := NewServer(nil, &stubAuthService{userID: "user-1", role: auth.RoleBuyer}, &stubEscrowService{}, &stubTokenService{}, &stubLedgerService{amount: 925})

	rec := doRequest(t, server, http.MethodGet, "/api/balances/user-seller/USDH", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Account string `json:"account"`
		Amount  int64  `json:"amount"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Account != "user-seller" || resp.Amount != 925 {
		t.Fatalf("unexpected balance payload: %+v", resp)
	}
}

func TestHandleRegister_DuplicateEmail(t *testing.T) {
	server := NewServer(nil, &stubAuthService{registerErr: auth.ErrDuplicateEmail}, &stubEscrowService{}, &stubTokenService{}, &stubLedgerService{})

	req := httptest.NewRequest(http.MethodPost, "/api/auth/register", strings.NewReader(`{"email":"dup@example.com","password":"longenough","fullName":"Dup"}`))
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	server := NewServer(nil, &stubAuthService{loginErr: auth.ErrInvalidCredentials}, &stubEscrowService{}, &stubTokenService{}, &stubLedgerService{})

	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(`{"email":"a@example.com","password":"wrong"}`))
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}
