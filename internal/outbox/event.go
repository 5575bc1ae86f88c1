// Package outbox delivers durably recorded side effects to the broker. Rows
// are claimed by one worker at a time, handled at least once and settled
// idempotently; a cleaner retires settled rows.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tradeguard/internal/core"
	"tradeguard/internal/trading/order"
)

// Status of an outbox row
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// IsTerminal reports whether the row is settled for good
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Event is one outbox row. (EventType, IdempotencyKey) is unique.
type Event struct {
	ID             int64           `json:"id"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key"`
	Status         Status          `json:"status"`
	RetryCount     int             `json:"retry_count"`
	LastError      string          `json:"last_error,omitempty"`
	ClaimedBy      string          `json:"claimed_by,omitempty"`
	ClaimedAt      *time.Time      `json:"claimed_at,omitempty"`
	NextAttemptAt  time.Time       `json:"next_attempt_at"`
	CreatedAt      time.Time       `json:"created_at"`
	ProcessedAt    *time.Time      `json:"processed_at,omitempty"`
}

// NewEvent builds a pending event. The idempotency key is taken from the
// payload's idempotency_key field, falling back to close_request_id.
func NewEvent(eventType string, payload interface{}, now time.Time) (*Event, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	key, err := IdempotencyKeyOf(body)
	if err != nil {
		return nil, fmt.Errorf("%s payload: %w", eventType, err)
	}
	return &Event{
		EventType:      eventType,
		Payload:        body,
		IdempotencyKey: key,
		Status:         StatusPending,
		NextAttemptAt:  now,
		CreatedAt:      now,
	}, nil
}

// IdempotencyKeyOf extracts the deduplication key from a JSON payload
func IdempotencyKeyOf(payload []byte) (string, error) {
	var fields struct {
		IdempotencyKey string `json:"idempotency_key"`
		CloseRequestID string `json:"close_request_id"`
	}
	if err := json.Unmarshal(payload, &fields); err != nil {
		return "", fmt.Errorf("payload is not a JSON object: %w", err)
	}
	switch {
	case fields.IdempotencyKey != "":
		return fields.IdempotencyKey, nil
	case fields.CloseRequestID != "":
		return fields.CloseRequestID, nil
	}
	return "", errors.New("payload carries neither idempotency_key nor close_request_id")
}

// Stats counts rows per status
type Stats struct {
	Pending       int64      `json:"pending"`
	Processing    int64      `json:"processing"`
	Completed     int64      `json:"completed"`
	Failed        int64      `json:"failed"`
	OldestPending *time.Time `json:"oldest_pending,omitempty"`
}

// Settlement is the outcome written back for a claimed row. Close and Fill,
// when set, are persisted in the same transaction as the row.
type Settlement struct {
	Status        Status
	RetryCount    int
	LastError     string
	NextAttemptAt time.Time
	ProcessedAt   time.Time

	Close     *order.CloseRequest
	CloseFrom order.CloseStatus
	Fill      *core.Fill
}

// Store is the durable outbox. Settle is fenced by claimed_by: a worker whose
// claim was taken over gets ErrClaimLost and its outcome is discarded.
type Store interface {
	// Enqueue inserts e. A duplicate (event_type, idempotency_key) is a no-op
	// and returns inserted=false.
	Enqueue(ctx context.Context, e *Event) (inserted bool, err error)
	// Claim marks up to limit rows PROCESSING for workerID: pending rows that
	// are due, and processing rows whose claim is older than staleBefore.
	Claim(ctx context.Context, workerID string, now, staleBefore time.Time, limit int) ([]*Event, error)
	Settle(ctx context.Context, id int64, workerID string, s Settlement) error
	Get(ctx context.Context, id int64) (*Event, error)
	List(ctx context.Context, status Status, limit int) ([]*Event, error)
	// Requeue moves a FAILED row back to PENDING with a fresh retry budget
	Requeue(ctx context.Context, id int64, now time.Time) error
	// DeleteTerminalBefore removes COMPLETED and FAILED rows processed before cutoff
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Stats(ctx context.Context) (Stats, error)
}

// Outcome is a handler's verdict on one delivery attempt
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeRetry
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeRetry:
		return "retried"
	default:
		return "failed"
	}
}

// Result is returned by a Handler. Close and Fill are carried into the Settlement.
type Result struct {
	Outcome Outcome
	Err     error

	Close     *order.CloseRequest
	CloseFrom order.CloseStatus
	Fill      *core.Fill
}

// Handler performs the side effect for one event type. It must be safe to
// call again for the same event after a crash or a lost claim.
type Handler interface {
	Handle(ctx context.Context, e *Event) Result
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, e *Event) Result

func (f HandlerFunc) Handle(ctx context.Context, e *Event) Result { return f(ctx, e) }
