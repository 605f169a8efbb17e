/*
handlers.go - HTTP API handlers for the card balance service

PURPOSE:
  Exposes users, credit cards and the balance ledger via a REST API.
  Handles HTTP request/response and JSON serialization, and delegates to
  the store (CRUD) and the ledger engine (balances).

ENDPOINTS:
  Users:
    PUT    /user                          Create user
    DELETE /user?userId=                  Delete user (and their cards)

  Credit cards:
    POST   /credit-card                   Add card to user, seeds its timeline
    GET    /credit-card:all?userId=       List a user's cards
    GET    /credit-card:user-id?creditCardNumber=  Owner of a card

  Balances:
    POST   /credit-card:update-balance    Apply a transaction batch
    GET    /credit-card:balance?creditCardNumber=  Current balance
    GET    /credit-card:history?creditCardNumber=  Full timeline

  Admin:
    POST   /admin/reanchor                Anchor every timeline to today

TODAY:
  "today" is the calendar day of the handler clock in the configured ledger
  zone. It is computed once per request and passed to the engine.

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input, rejected batches
  - 404: Resource not found
  - 409: Duplicate card number
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/card-ledger/ledger"
	"github.com/warp/card-ledger/logging"
	"github.com/warp/card-ledger/store/sqlite"
)

// maxBodyBytes bounds request bodies; a batch item is well under 200 bytes.
const maxBodyBytes = 4 << 20

// Handler holds the API dependencies.
type Handler struct {
	Store    *sqlite.Store
	Engine   *ledger.Engine
	Location *time.Location
	Logger   *logging.Logger

	// Scheduler is reported by Health when set.
	Scheduler *AnchorScheduler

	// Now is the clock; replaced in tests.
	Now func() time.Time
}

// NewHandler creates a new handler. A nil loc means UTC.
func NewHandler(store *sqlite.Store, engine *ledger.Engine, loc *time.Location, logger *logging.Logger) *Handler {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = logging.New(logging.DefaultConfig())
	}
	return &Handler{
		Store:    store,
		Engine:   engine,
		Location: loc,
		Logger:   logger.WithComponent(logging.ComponentHTTP),
		Now:      time.Now,
	}
}

func (h *Handler) today() ledger.Day {
	return ledger.DayOf(h.Now(), h.Location)
}

// =============================================================================
// HEALTH
// =============================================================================

// Health reports whether the database answers, plus the scheduler state.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.Store.Ping(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unavailable", err)
		return
	}
	resp := HealthDTO{Status: "ok"}
	if h.Scheduler != nil {
		resp.Scheduler = toSchedulerStatusDTO(h.Scheduler)
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// USER ENDPOINTS
// =============================================================================

// CreateUser handles PUT /user.
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required", nil)
		return
	}

	id, err := h.Store.CreateUser(r.Context(), req.Name, strings.TrimSpace(req.Email))
	if err != nil {
		h.internalError(w, r, "create user", err)
		return
	}
	writeJSON(w, http.StatusOK, IDResponse{ID: id})
}

// DeleteUser handles DELETE /user?userId=. An unknown user is a 400.
func (h *Handler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	userID, err := queryInt64(r, "userId")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid userId", err)
		return
	}

	if err := h.Store.DeleteUser(r.Context(), userID); err != nil {
		if errors.Is(err, ledger.ErrUserNotFound) {
			writeError(w, http.StatusBadRequest, "user does not exist", err)
			return
		}
		h.internalError(w, r, "delete user", err)
		return
	}
	writeJSON(w, http.StatusOK, MessageResponse{Message: fmt.Sprintf("user %d deleted", userID)})
}

// =============================================================================
// CREDIT CARD ENDPOINTS
// =============================================================================

// CreateCard handles POST /credit-card. The card's timeline is seeded with a
// single entry at today carrying the initial balance (zero by default).
func (h *Handler) CreateCard(w http.ResponseWriter, r *http.Request) {
	var req CreateCardRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	req.CardNumber = strings.TrimSpace(req.CardNumber)
	req.CardIssuanceBank = strings.TrimSpace(req.CardIssuanceBank)
	if req.CardNumber == "" || req.CardIssuanceBank == "" {
		writeError(w, http.StatusBadRequest, "card_number and card_issuance_bank are required", nil)
		return
	}

	initial := decimal.Zero
	if req.InitialBalance != nil {
		initial = *req.InitialBalance
	}

	id, err := h.Store.CreateCard(r.Context(), sqlite.Card{
		UserID:       req.UserID,
		IssuanceBank: req.CardIssuanceBank,
		Number:       ledger.CardNumber(req.CardNumber),
	}, ledger.NewTimeline(h.today(), initial))
	if err != nil {
		h.writeDomainError(w, r, "create card", err)
		return
	}

	h.Logger.InfoContext(r.Context(), "credit card created",
		logging.FieldCard, req.CardNumber,
		"user_id", req.UserID,
	)
	writeJSON(w, http.StatusOK, IDResponse{ID: id})
}

// ListCards handles GET /credit-card:all?userId=. Never returns null.
func (h *Handler) ListCards(w http.ResponseWriter, r *http.Request) {
	userID, err := queryInt64(r, "userId")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid userId", err)
		return
	}

	cards, err := h.Store.ListCardsByUser(r.Context(), userID)
	if err != nil {
		h.internalError(w, r, "list cards", err)
		return
	}
	writeJSON(w, http.StatusOK, toCardDTOs(cards))
}

// GetUserIDForCard handles GET /credit-card:user-id?creditCardNumber=.
// An empty or unknown number is a 400.
func (h *Handler) GetUserIDForCard(w http.ResponseWriter, r *http.Request) {
	number := strings.TrimSpace(r.URL.Query().Get("creditCardNumber"))
	if number == "" {
		writeError(w, http.StatusBadRequest, "creditCardNumber is required", nil)
		return
	}

	card, err := h.Store.GetCardByNumber(r.Context(), ledger.CardNumber(number))
	if err != nil {
		if errors.Is(err, ledger.ErrCardNotFound) {
			writeError(w, http.StatusBadRequest, "no user owns this credit card", err)
			return
		}
		h.internalError(w, r, "get card", err)
		return
	}
	writeJSON(w, http.StatusOK, UserIDResponse{UserID: card.UserID})
}

// =============================================================================
// BALANCE ENDPOINTS
// =============================================================================

// UpdateBalance handles POST /credit-card:update-balance[?mode=per-card].
//
// A malformed item (bad date, missing amount) rejects the request before the
// engine runs. In the default all-or-nothing mode any failing item, including
// an unknown card, rejects the batch with 400 and nothing is applied.
func (h *Handler) UpdateBalance(w http.ResponseWriter, r *http.Request) {
	mode, err := ledger.ParseBatchMode(r.URL.Query().Get("mode"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid mode", err)
		return
	}

	var items []UpdateBalanceRequest
	if err := decodeJSON(w, r, &items); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if len(items) == 0 {
		writeError(w, http.StatusBadRequest, "empty transaction batch", ledger.ErrEmptyBatch)
		return
	}

	today := h.today()
	batch := make([]ledger.Transaction, len(items))
	var malformed []ItemErrorDTO
	for i, item := range items {
		tx, err := h.toTransaction(i, item)
		if err != nil {
			malformed = append(malformed, ItemErrorDTO{Index: i, CreditCardNumber: item.CreditCardNumber, Error: err.Error()})
			continue
		}
		batch[i] = tx
	}
	if len(malformed) > 0 {
		writeJSON(w, http.StatusBadRequest, UpdateBalanceResponse{
			Mode:   mode.String(),
			Today:  today.String(),
			Cards:  []CardBalanceDTO{},
			Errors: malformed,
			Error:  "malformed transactions",
		})
		return
	}

	result, err := h.Engine.ApplyBatch(r.Context(), batch, today, mode)
	if err != nil && result == nil {
		h.writeDomainError(w, r, "apply batch", err)
		return
	}

	resp := toUpdateBalanceResponse(result)
	if err != nil {
		resp.Error = err.Error()
		writeJSON(w, statusFor(err), resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// toTransaction converts one request item. Index is reported in errors.
func (h *Handler) toTransaction(index int, item UpdateBalanceRequest) (ledger.Transaction, error) {
	card := ledger.CardNumber(strings.TrimSpace(item.CreditCardNumber))
	invalid := func(reason string) error {
		return &ledger.InvalidTransactionError{Index: index, Card: card, Reason: reason}
	}

	if card == "" {
		return ledger.Transaction{}, invalid("credit_card_number is required")
	}
	if item.TransactionAmount == nil {
		return ledger.Transaction{}, invalid("transaction_amount is required")
	}

	var day ledger.Day
	switch {
	case item.TransactionDate != "" && item.TransactionTime != "":
		return ledger.Transaction{}, invalid("set only one of transaction_date and transaction_time")
	case item.TransactionDate != "":
		d, err := ledger.ParseDay(item.TransactionDate)
		if err != nil {
			return ledger.Transaction{}, invalid(err.Error())
		}
		day = d
	case item.TransactionTime != "":
		t, err := time.Parse(time.RFC3339, item.TransactionTime)
		if err != nil {
			return ledger.Transaction{}, invalid(fmt.Sprintf("invalid transaction_time %q (use RFC3339)", item.TransactionTime))
		}
		day = ledger.DayOf(t, h.Location)
	default:
		return ledger.Transaction{}, invalid("transaction_date or transaction_time is required")
	}

	return ledger.Transaction{Card: card, Day: day, Amount: *item.TransactionAmount}, nil
}

// GetBalance handles GET /credit-card:balance?creditCardNumber=.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	number := strings.TrimSpace(r.URL.Query().Get("creditCardNumber"))
	if number == "" {
		writeError(w, http.StatusBadRequest, "creditCardNumber is required", nil)
		return
	}

	today := h.today()
	balance, err := h.Engine.CurrentBalance(r.Context(), ledger.CardNumber(number), today)
	if err != nil {
		h.writeDomainError(w, r, "get balance", err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceDTO{
		CreditCardNumber: number,
		Date:             today.String(),
		Balance:          balance.InexactFloat64(),
	})
}

// GetHistory handles GET /credit-card:history?creditCardNumber=.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	number := strings.TrimSpace(r.URL.Query().Get("creditCardNumber"))
	if number == "" {
		writeError(w, http.StatusBadRequest, "creditCardNumber is required", nil)
		return
	}

	today := h.today()
	tl, err := h.Engine.Timeline(r.Context(), ledger.CardNumber(number), today)
	if err != nil {
		h.writeDomainError(w, r, "get history", err)
		return
	}
	writeJSON(w, http.StatusOK, HistoryDTO{
		CreditCardNumber: number,
		Today:            today.String(),
		Entries:          toEntryDTOs(tl.Entries()),
	})
}

// =============================================================================
// ADMIN ENDPOINTS
// =============================================================================

// Reanchor handles POST /admin/reanchor.
func (h *Handler) Reanchor(w http.ResponseWriter, r *http.Request) {
	today := h.today()
	n, err := h.Engine.Reanchor(r.Context(), nil, today)
	if err != nil {
		h.internalError(w, r, "reanchor", err)
		return
	}
	writeJSON(w, http.StatusOK, ReanchorResponse{Today: today.String(), Anchored: n})
}

// =============================================================================
// HELPERS
// =============================================================================

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return err
	}
	return nil
}

func queryInt64(r *http.Request, name string) (int64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, fmt.Errorf("%s is required", name)
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", name, err)
	}
	return v, nil
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrDuplicateCard):
		return http.StatusConflict
	case ledger.IsNotFound(err):
		return http.StatusNotFound
	case ledger.IsClientError(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, ledger.ErrDuplicateCard):
		return "duplicate_card"
	case errors.Is(err, ledger.ErrCardNotFound):
		return "card_not_found"
	case errors.Is(err, ledger.ErrUserNotFound):
		return "user_not_found"
	case errors.Is(err, ledger.ErrEmptyBatch):
		return "empty_batch"
	case errors.Is(err, ledger.ErrBatchRejected):
		return "batch_rejected"
	case errors.Is(err, ledger.ErrInvalidTransaction):
		return "invalid_transaction"
	case errors.Is(err, ledger.ErrInvariantViolation):
		return "invariant_violation"
	default:
		return "internal"
	}
}

func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.internalError(w, r, op, err)
		return
	}
	writeJSON(w, status, ErrorResponse{Error: op + " failed", Code: errorCode(err), Details: err.Error()})
}

func (h *Handler) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	h.Logger.LogError(r.Context(), op, err)
	writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: op + " failed", Code: errorCode(err), Details: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
