/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types
  decouple the engine's domain model from the external contract.
  Amounts travel as strings so decimal values never pass through
  float64.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Parsing and validation happen in handlers; DTOs are pure data
  carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/wallet-engine/badges"
	"github.com/warp/wallet-engine/ledger"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// MutationRequest is the body for expense and income posts. The
// idempotency key may come from the body or the Idempotency-Key header;
// the header wins when both are set.
type MutationRequest struct {
	Amount         string `json:"amount"`
	Category       string `json:"category"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// ReverseRequest is the body for a reversal post.
type ReverseRequest struct {
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// AmendRequest is the body for an amend post.
type AmendRequest struct {
	Amount         string `json:"amount"`
	Category       string `json:"category"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// EntryDTO represents one ledger entry.
type EntryDTO struct {
	ID         string `json:"id"`
	AccountID  string `json:"account_id"`
	Amount     string `json:"amount"`
	Category   string `json:"category"`
	PointDelta int64  `json:"point_delta"`
	Kind       string `json:"kind"`
	Supersedes string `json:"supersedes,omitempty"`
	CreatedAt  string `json:"created_at"`
}

// MutationResultDTO is the committed outcome of a mutation.
type MutationResultDTO struct {
	Entry    EntryDTO `json:"entry"`
	Balance  string   `json:"balance"`
	Points   int64    `json:"points"`
	Badges   []string `json:"badges"`
	Replayed bool     `json:"replayed"`
}

// BalanceDTO is the authoritative fold of the ledger.
type BalanceDTO struct {
	AccountID string   `json:"account_id"`
	Balance   string   `json:"balance"`
	Points    int64    `json:"points"`
	Badges    []string `json:"badges"`
}

// ProjectionDTO is the cached projection; may lag the ledger.
type ProjectionDTO struct {
	AccountID string   `json:"account_id"`
	Balance   string   `json:"balance"`
	Points    int64    `json:"points"`
	Badges    []string `json:"badges"`
	UpdatedAt string   `json:"updated_at"`
}

// BadgeRuleDTO describes one configured badge threshold.
type BadgeRuleDTO struct {
	Kind      string `json:"kind"`
	Threshold string `json:"threshold"`
	Badge     string `json:"badge"`
}

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toEntryDTO(e ledger.LedgerEntry) EntryDTO {
	return EntryDTO{
		ID:         string(e.ID),
		AccountID:  string(e.AccountID),
		Amount:     e.Amount.String(),
		Category:   string(e.Category),
		PointDelta: e.PointDelta,
		Kind:       string(e.Kind),
		Supersedes: string(e.Supersedes),
		CreatedAt:  e.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func toMutationResultDTO(r ledger.MutationResult) MutationResultDTO {
	return MutationResultDTO{
		Entry:    toEntryDTO(r.Entry),
		Balance:  r.Balance.String(),
		Points:   r.Points,
		Badges:   badgeStrings(r.Badges),
		Replayed: r.Replayed,
	}
}

func badgeStrings(ids []badges.ID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, string(id))
	}
	return out
}
