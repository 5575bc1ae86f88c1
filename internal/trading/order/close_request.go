package order

import (
	"errors"
	"fmt"
	"time"

	"tradeguard/internal/core"
	apperrors "tradeguard/pkg/errors"

	"github.com/shopspring/decimal"
)

// CloseStatus is the lifecycle state of a CloseRequest
type CloseStatus string

const (
	ClosePending   CloseStatus = "PENDING"
	CloseSubmitted CloseStatus = "SUBMITTED"
	CloseRetryable CloseStatus = "RETRYABLE"
	CloseCompleted CloseStatus = "COMPLETED"
	CloseFailed    CloseStatus = "FAILED"
)

// IsTerminal reports whether no further transition is possible
func (s CloseStatus) IsTerminal() bool {
	return s == CloseCompleted || s == CloseFailed
}

// ParseCloseStatus parses a persisted status
func ParseCloseStatus(s string) (CloseStatus, error) {
	switch st := CloseStatus(s); st {
	case ClosePending, CloseSubmitted, CloseRetryable, CloseCompleted, CloseFailed:
		return st, nil
	}
	return "", fmt.Errorf("unknown close request status: %q", s)
}

// ReasonCancelled is recorded as LastError when a request is cancelled
const ReasonCancelled = "cancelled"

// CloseRequest is the durable intent to reduce or flatten a position. Its
// submit event is written in the same transaction, so a committed request is
// always eventually handed to the broker.
type CloseRequest struct {
	ID             string          `json:"id"`
	PositionID     string          `json:"position_id"`
	AccountID      string          `json:"account_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Status         CloseStatus     `json:"status"`
	Symbol         string          `json:"symbol"`
	Side           core.Side       `json:"side"`
	AssetType      core.AssetType  `json:"asset_type"`
	TargetQty      decimal.Decimal `json:"target_qty"`
	FilledQty      decimal.Decimal `json:"filled_qty"`
	RetryCount     int             `json:"retry_count"`
	MaxRetries     int             `json:"max_retries"`
	OrderSeq       int             `json:"order_seq"`
	BrokerOrderID  string          `json:"broker_order_id,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	SubmittedAt    *time.Time      `json:"submitted_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// RemainingQty is always derived from target and filled
func (r *CloseRequest) RemainingQty() decimal.Decimal {
	rem := r.TargetQty.Sub(r.FilledQty)
	if rem.IsNegative() {
		return decimal.Zero
	}
	return rem
}

// ClientOrderID identifies one broker order. It only moves on once the
// broker has given a definite answer for the current one, so a retry after a
// lost acknowledgement resends the same id and the broker deduplicates it.
func (r *CloseRequest) ClientOrderID() string {
	return fmt.Sprintf("%s-%d", r.IdempotencyKey, r.OrderSeq)
}

// BudgetRemaining reports whether another attempt may be made
func (r *CloseRequest) BudgetRemaining() bool {
	return r.RetryCount < r.MaxRetries
}

// Clone returns a deep copy
func (r *CloseRequest) Clone() *CloseRequest {
	c := *r
	if r.SubmittedAt != nil {
		t := *r.SubmittedAt
		c.SubmittedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// MarkSubmitted hands the request to the broker. Leaving RETRYABLE consumes
// one unit of the retry budget.
func (r *CloseRequest) MarkSubmitted(now time.Time) error {
	switch r.Status {
	case ClosePending:
	case CloseRetryable:
		if !r.BudgetRemaining() {
			return fmt.Errorf("%w: close request %s retried %d times", apperrors.ErrRetryBudgetExhausted, r.ID, r.RetryCount)
		}
		r.RetryCount++
	default:
		return r.invalid(CloseSubmitted)
	}
	r.Status = CloseSubmitted
	r.SubmittedAt = &now
	r.UpdatedAt = now
	return nil
}

// RecordAttempt applies the outcome of one broker attempt. filled is the
// quantity executed by this attempt; attemptErr is the broker error, if any.
func (r *CloseRequest) RecordAttempt(filled decimal.Decimal, attemptErr error, now time.Time) error {
	if r.Status != CloseSubmitted {
		return r.invalid("attempt")
	}
	if filled.IsNegative() {
		return fmt.Errorf("%w: negative fill %s", apperrors.ErrInvalidOrderParameter, filled)
	}
	if filled.GreaterThan(r.RemainingQty()) {
		return fmt.Errorf("%w: fill %s, remaining %s", apperrors.ErrOverfill, filled, r.RemainingQty())
	}

	r.FilledQty = r.FilledQty.Add(filled)
	r.UpdatedAt = now

	switch {
	case r.RemainingQty().IsZero():
		r.Status = CloseCompleted
		r.LastError = ""
		r.CompletedAt = &now
	case attemptErr != nil && !apperrors.IsRetryable(attemptErr):
		r.Status = CloseFailed
		r.LastError = attemptErr.Error()
		r.CompletedAt = &now
	case r.BudgetRemaining():
		r.Status = CloseRetryable
		r.LastError = attemptMessage(filled, attemptErr)
		// This order is finished with; the next attempt is a new order
		r.OrderSeq++
		r.BrokerOrderID = ""
	default:
		r.Status = CloseFailed
		r.LastError = fmt.Sprintf("%s: %s", apperrors.ErrRetryBudgetExhausted, attemptMessage(filled, attemptErr))
		r.CompletedAt = &now
	}
	return nil
}

// RecordUnresolved applies an attempt whose broker outcome is unknown: the
// reply was lost, or the order could not be brought to a final state. No fill
// is recorded and the client order id and broker order id are kept, so the
// next attempt finds the same order and takes its cumulative fill from there.
func (r *CloseRequest) RecordUnresolved(attemptErr error, now time.Time) error {
	if r.Status != CloseSubmitted {
		return r.invalid("attempt")
	}
	r.UpdatedAt = now
	msg := "broker outcome unknown"
	if attemptErr != nil {
		msg += ": " + attemptErr.Error()
	}
	if r.BudgetRemaining() {
		r.Status = CloseRetryable
		r.LastError = msg
		return nil
	}
	r.Status = CloseFailed
	r.LastError = fmt.Sprintf("%s: %s", apperrors.ErrRetryBudgetExhausted, msg)
	r.CompletedAt = &now
	return nil
}

// Fail moves any non-terminal request to FAILED
func (r *CloseRequest) Fail(reason string, now time.Time) error {
	if r.Status.IsTerminal() {
		return r.invalid(CloseFailed)
	}
	r.Status = CloseFailed
	r.LastError = reason
	r.UpdatedAt = now
	r.CompletedAt = &now
	return nil
}

// Cancel withdraws a request that is not currently with the broker
func (r *CloseRequest) Cancel(now time.Time) error {
	if r.Status != ClosePending && r.Status != CloseRetryable {
		return r.invalid(CloseFailed)
	}
	return r.Fail(ReasonCancelled, now)
}

func (r *CloseRequest) invalid(to interface{}) error {
	return fmt.Errorf("%w: close request %s %s -> %v", apperrors.ErrInvalidTransition, r.ID, r.Status, to)
}

func attemptMessage(filled decimal.Decimal, err error) string {
	if err != nil {
		return err.Error()
	}
	return fmt.Sprintf("partial fill %s", filled)
}

// IsInvalidTransition reports whether err was caused by an illegal state change
func IsInvalidTransition(err error) bool {
	return errors.Is(err, apperrors.ErrInvalidTransition)
}
