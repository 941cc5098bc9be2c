// Package api exposes HTTP handlers for the finance service write path.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"example.com/finance/internal/auth"
	"example.com/finance/internal/domain"
	"example.com/finance/internal/eventstore"
)

// EventStore is the store surface the handlers depend on.
type EventStore interface {
	AppendEvents(ctx context.Context, tenantID, aggregateID uuid.UUID, aggregateType string, expectedVersion int64, events []domain.Event) (int64, error)
	LoadEvents(ctx context.Context, tenantID, aggregateID uuid.UUID, aggregateType string, opts ...eventstore.LoadOption) ([]eventstore.StoredEvent, error)
}

// Handler coordinates HTTP requests with the event store.
type Handler struct {
	store EventStore
}

// NewHandler builds a Handler.
func NewHandler(store EventStore) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/accounts", h.accounts)
	mux.HandleFunc("/v1/accounts/", h.accountSubresource)
	mux.HandleFunc("/healthz", healthz)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) accounts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.createAccount(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
	}
}

func (h *Handler) accountSubresource(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/accounts/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, http.StatusNotFound, "not_found", "unknown resource")
		return
	}

	accountID, err := uuid.Parse(parts[0])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "account id must be a uuid")
		return
	}

	switch {
	case parts[1] == "transactions" && r.Method == http.MethodPost:
		h.recordTransaction(w, r, accountID)
	case parts[1] == "events" && r.Method == http.MethodGet:
		h.accountEvents(w, r, accountID)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
	}
}

func (h *Handler) createAccount(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	if !claims.HasScope(auth.ScopeFinanceWrite) {
		writeError(w, http.StatusForbidden, "forbidden", "scope finance:write required")
		return
	}

	var req CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	initialBalance, err := domain.NewMoneyFromString(req.InitialBalance)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "initial_balance must be a decimal string")
		return
	}

	accountID := uuid.Must(uuid.NewV7())
	env := domain.NewEnvelope(accountID)
	if userID, ok := claims.UserID(); ok {
		env.Metadata.UserID = &userID
	}

	ev := &domain.AccountCreated{
		Envelope:       env,
		AccountName:    req.AccountName,
		AccountType:    domain.AccountType(req.AccountType),
		Currency:       domain.Currency(req.Currency),
		InitialBalance: initialBalance,
		OrganizationID: req.OrganizationID,
		DepartmentID:   req.DepartmentID,
	}

	version, err := h.store.AppendEvents(r.Context(), claims.TenantID, accountID, domain.AggregateAccount, 0, []domain.Event{ev})
	if err != nil {
		writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, CreateAccountResponse{
		AccountID: accountID,
		Version:   version,
	})
}

func (h *Handler) recordTransaction(w http.ResponseWriter, r *http.Request, accountID uuid.UUID) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	if !claims.HasScope(auth.ScopeFinanceWrite) {
		writeError(w, http.StatusForbidden, "forbidden", "scope finance:write required")
		return
	}

	var req RecordTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	amount, err := domain.NewMoneyFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "amount must be a decimal string")
		return
	}

	env := domain.NewEnvelope(accountID)
	if userID, ok := claims.UserID(); ok {
		env.Metadata.UserID = &userID
	}

	ev := &domain.TransactionCreated{
		Envelope:        env,
		Amount:          amount,
		Currency:        domain.Currency(req.Currency),
		TransactionType: domain.TransactionType(req.TransactionType),
		MerchantName:    req.MerchantName,
		Description:     req.Description,
		Category:        req.Category,
		TransactionDate: req.TransactionDate,
	}

	version, err := h.store.AppendEvents(r.Context(), claims.TenantID, accountID, domain.AggregateAccount, req.ExpectedVersion, []domain.Event{ev})
	if err != nil {
		writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, RecordTransactionResponse{
		AccountID: accountID,
		EventID:   ev.EventID(),
		Version:   version,
	})
}

func (h *Handler) accountEvents(w http.ResponseWriter, r *http.Request, accountID uuid.UUID) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	if !claims.HasScope(auth.ScopeFinanceRead) && !claims.HasScope(auth.ScopeFinanceWrite) {
		writeError(w, http.StatusForbidden, "forbidden", "scope finance:read required")
		return
	}

	var opts []eventstore.LoadOption
	if raw := r.URL.Query().Get("from_version"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "validation_failed", "invalid from_version")
			return
		}
		opts = append(opts, eventstore.WithFromVersion(parsed))
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "validation_failed", "invalid limit")
			return
		}
		opts = append(opts, eventstore.WithLimit(parsed))
	}

	records, err := h.store.LoadEvents(r.Context(), claims.TenantID, accountID, domain.AggregateAccount, opts...)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	events := make([]EventView, 0, len(records))
	var version int64
	for _, rec := range records {
		events = append(events, EventView{
			EventID:   rec.EventID,
			EventType: rec.EventType,
			Version:   rec.Version,
			CreatedAt: rec.CreatedAt,
			Data:      rec.Payload,
		})
		version = rec.Version
	}

	writeJSON(w, http.StatusOK, AccountEventsResponse{
		AccountID: accountID,
		Version:   version,
		Events:    events,
	})
}

// CreateAccountRequest is the payload for POST /v1/accounts.
type CreateAccountRequest struct {
	AccountName    string     `json:"account_name"`
	AccountType    string     `json:"account_type"`
	Currency       string     `json:"currency"`
	InitialBalance string     `json:"initial_balance"`
	OrganizationID *uuid.UUID `json:"organization_id"`
	DepartmentID   *uuid.UUID `json:"department_id"`
}

// Validate ensures request correctness.
func (r CreateAccountRequest) Validate() error {
	if strings.TrimSpace(r.AccountName) == "" {
		return errors.New("account_name is required")
	}
	if strings.TrimSpace(r.AccountType) == "" {
		return errors.New("account_type is required")
	}
	if strings.TrimSpace(r.Currency) == "" {
		return errors.New("currency is required")
	}
	if strings.TrimSpace(r.InitialBalance) == "" {
		return errors.New("initial_balance is required")
	}
	return nil
}

// CreateAccountResponse describes the response body for create.
type CreateAccountResponse struct {
	AccountID uuid.UUID `json:"account_id"`
	Version   int64     `json:"version"`
}

// RecordTransactionRequest is the payload for POST /v1/accounts/{id}/transactions.
type RecordTransactionRequest struct {
	ExpectedVersion int64                   `json:"expected_version"`
	Amount          string                  `json:"amount"`
	Currency        string                  `json:"currency"`
	TransactionType string                  `json:"transaction_type"`
	MerchantName    string                  `json:"merchant_name"`
	Description     *string                 `json:"description"`
	Category        *domain.ExpenseCategory `json:"category"`
	TransactionDate time.Time               `json:"transaction_date"`
}

// Validate ensures request correctness.
func (r RecordTransactionRequest) Validate() error {
	if r.ExpectedVersion < 1 {
		return errors.New("expected_version must be >= 1")
	}
	if strings.TrimSpace(r.Amount) == "" {
		return errors.New("amount is required")
	}
	if strings.TrimSpace(r.Currency) == "" {
		return errors.New("currency is required")
	}
	switch domain.TransactionType(r.TransactionType) {
	case domain.TransactionCredit, domain.TransactionDebit, domain.TransactionTransfer:
	default:
		return errors.New("transaction_type must be credit, debit, or transfer")
	}
	if strings.TrimSpace(r.MerchantName) == "" {
		return errors.New("merchant_name is required")
	}
	if r.TransactionDate.IsZero() {
		return errors.New("transaction_date is required")
	}
	return nil
}

// RecordTransactionResponse describes the response body for a recorded transaction.
type RecordTransactionResponse struct {
	AccountID uuid.UUID `json:"account_id"`
	EventID   uuid.UUID `json:"event_id"`
	Version   int64     `json:"version"`
}

// EventView exposes one stored event.
type EventView struct {
	EventID   uuid.UUID       `json:"event_id"`
	EventType string          `json:"event_type"`
	Version   int64           `json:"version"`
	CreatedAt time.Time       `json:"created_at"`
	Data      json.RawMessage `json:"data"`
}

// AccountEventsResponse packages an account's ordered history.
type AccountEventsResponse struct {
	AccountID uuid.UUID   `json:"account_id"`
	Version   int64       `json:"version"`
	Events    []EventView `json:"events"`
}

func writeStoreError(w http.ResponseWriter, err error) {
	var conflict *eventstore.ConflictError
	var notFound *eventstore.NotFoundError
	var badArg *eventstore.ArgumentError
	var duplicate *eventstore.DuplicateEventError

	switch {
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, map[string]any{
			"type":             "version_conflict",
			"detail":           conflict.Error(),
			"expected_version": conflict.Expected,
			"actual_version":   conflict.Actual,
		})
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, "not_found", notFound.Error())
	case errors.As(err, &badArg):
		writeError(w, http.StatusBadRequest, "invalid_request", badArg.Error())
	case errors.As(err, &duplicate):
		writeError(w, http.StatusConflict, "duplicate_event", duplicate.Error())
	default:
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
