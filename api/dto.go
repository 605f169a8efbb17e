/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

AMOUNTS:
  Requests take amounts as *decimal.Decimal so both 10.5 and "10.5" decode
  exactly and a missing amount is detectable. Responses carry float64.

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/card-ledger/ledger"
	"github.com/warp/card-ledger/store/sqlite"
)

// =============================================================================
// USERS
// =============================================================================

// CreateUserRequest is the body for PUT /user.
type CreateUserRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// IDResponse carries the ID of a created resource.
type IDResponse struct {
	ID int64 `json:"id"`
}

// MessageResponse is a plain acknowledgement.
type MessageResponse struct {
	Message string `json:"message"`
}

// =============================================================================
// CREDIT CARDS
// =============================================================================

// CreateCardRequest is the body for POST /credit-card.
type CreateCardRequest struct {
	UserID           int64            `json:"user_id"`
	CardIssuanceBank string           `json:"card_issuance_bank"`
	CardNumber       string           `json:"card_number"`
	InitialBalance   *decimal.Decimal `json:"initial_balance,omitempty"`
}

// CardDTO represents a credit card in list responses.
type CardDTO struct {
	IssuanceBank string `json:"issuance_bank"`
	Number       string `json:"number"`
}

// UserIDResponse answers GET /credit-card:user-id.
type UserIDResponse struct {
	UserID int64 `json:"user_id"`
}

// =============================================================================
// BALANCE UPDATES
// =============================================================================

// UpdateBalanceRequest is one item of POST /credit-card:update-balance.
// Exactly one of TransactionDate (YYYY-MM-DD) or TransactionTime (RFC3339)
// must be set; a time is converted to a day in the server's ledger zone.
type UpdateBalanceRequest struct {
	CreditCardNumber  string           `json:"credit_card_number"`
	TransactionDate   string           `json:"transaction_date,omitempty"`
	TransactionTime   string           `json:"transaction_time,omitempty"`
	TransactionAmount *decimal.Decimal `json:"transaction_amount"`
}

// ItemErrorDTO describes one failed batch item.
type ItemErrorDTO struct {
	Index            int    `json:"index"`
	CreditCardNumber string `json:"credit_card_number"`
	Error            string `json:"error"`
}

// CardBalanceDTO is a card's state after a batch.
type CardBalanceDTO struct {
	CreditCardNumber string  `json:"credit_card_number"`
	Committed        bool    `json:"committed"`
	Balance          float64 `json:"balance"`
}

// UpdateBalanceResponse reports the outcome of a batch.
type UpdateBalanceResponse struct {
	BatchID string           `json:"batch_id,omitempty"`
	Mode    string           `json:"mode"`
	Today   string           `json:"today"`
	Applied int              `json:"applied"`
	Cards   []CardBalanceDTO `json:"cards"`
	Errors  []ItemErrorDTO   `json:"errors"`
	Error   string           `json:"error,omitempty"`
}

// =============================================================================
// BALANCE READS
// =============================================================================

// BalanceDTO is the current balance of a card.
type BalanceDTO struct {
	CreditCardNumber string  `json:"credit_card_number"`
	Date             string  `json:"date"`
	Balance          float64 `json:"balance"`
}

// BalanceEntryDTO is one timeline entry.
type BalanceEntryDTO struct {
	Date    string  `json:"date"`
	Balance float64 `json:"balance"`
}

// HistoryDTO is a card's full timeline, most recent first.
type HistoryDTO struct {
	CreditCardNumber string            `json:"credit_card_number"`
	Today            string            `json:"today"`
	Entries          []BalanceEntryDTO `json:"entries"`
}

// ReanchorResponse answers POST /admin/reanchor.
type ReanchorResponse struct {
	Today    string `json:"today"`
	Anchored int    `json:"anchored"`
}

// =============================================================================
// HEALTH
// =============================================================================

// HealthDTO answers GET /health.
type HealthDTO struct {
	Status    string              `json:"status"`
	Scheduler *SchedulerStatusDTO `json:"scheduler,omitempty"`
}

// SchedulerStatusDTO reports the re-anchor scheduler.
type SchedulerStatusDTO struct {
	Enabled      bool   `json:"enabled"`
	LastRunAt    string `json:"last_run_at,omitempty"`
	LastToday    string `json:"last_today,omitempty"`
	LastAnchored int    `json:"last_anchored"`
	LastError    string `json:"last_error,omitempty"`
	NextRunAt    string `json:"next_run_at,omitempty"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toSchedulerStatusDTO(s *AnchorScheduler) *SchedulerStatusDTO {
	dto := &SchedulerStatusDTO{Enabled: s.Enabled}
	if s.Enabled {
		dto.NextRunAt = s.GetNextRunTime().UTC().Format(time.RFC3339)
	}
	if run := s.LastRun(); run != nil {
		dto.LastRunAt = run.StartedAt.UTC().Format(time.RFC3339)
		dto.LastToday = run.Today.String()
		dto.LastAnchored = run.Anchored
		if run.Err != nil {
			dto.LastError = run.Err.Error()
		}
	}
	return dto
}

func toCardDTOs(cards []sqlite.Card) []CardDTO {
	dtos := make([]CardDTO, 0, len(cards))
	for _, c := range cards {
		dtos = append(dtos, CardDTO{IssuanceBank: c.IssuanceBank, Number: string(c.Number)})
	}
	return dtos
}

func toEntryDTOs(entries []ledger.Entry) []BalanceEntryDTO {
	dtos := make([]BalanceEntryDTO, 0, len(entries))
	for _, e := range entries {
		dtos = append(dtos, BalanceEntryDTO{Date: e.Day.String(), Balance: e.Balance.InexactFloat64()})
	}
	return dtos
}

func toUpdateBalanceResponse(r *ledger.BatchResult) UpdateBalanceResponse {
	resp := UpdateBalanceResponse{
		BatchID: r.BatchID,
		Mode:    r.Mode.String(),
		Today:   r.Today.String(),
		Applied: r.AppliedCount(),
		Cards:   make([]CardBalanceDTO, 0, len(r.Cards)),
		Errors:  []ItemErrorDTO{},
	}
	for _, c := range r.Cards {
		resp.Cards = append(resp.Cards, CardBalanceDTO{
			CreditCardNumber: string(c.Card),
			Committed:        c.Committed,
			Balance:          c.Balance.InexactFloat64(),
		})
	}
	for _, it := range r.Failed() {
		resp.Errors = append(resp.Errors, ItemErrorDTO{
			Index:            it.Index,
			CreditCardNumber: string(it.Card),
			Error:            it.Err.Error(),
		})
	}
	return resp
}
