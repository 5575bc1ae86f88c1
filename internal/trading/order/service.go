package order

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"tradeguard/internal/core"
	"tradeguard/internal/degradation"
	apperrors "tradeguard/pkg/errors"
	"tradeguard/pkg/telemetry"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// EventCloseSubmit is the outbox event type that hands a close request to the broker
const EventCloseSubmit = "close_request.submit"

// SubmitPayload is the body of a close_request.submit outbox event
type SubmitPayload struct {
	CloseRequestID string `json:"close_request_id"`
	IdempotencyKey string `json:"idempotency_key"`
}

// Repository persists close requests
type Repository interface {
	// CreateCloseRequest stores req together with its submit outbox event in
	// one transaction. A duplicate idempotency key returns the stored request
	// and created=false.
	CreateCloseRequest(ctx context.Context, req *CloseRequest) (stored *CloseRequest, created bool, err error)
	GetCloseRequest(ctx context.Context, id string) (*CloseRequest, error)
	GetCloseRequestByKey(ctx context.Context, key string) (*CloseRequest, error)
	// ListCloseRequests returns requests newest first; an empty status lists all.
	ListCloseRequests(ctx context.Context, status CloseStatus, limit int) ([]*CloseRequest, error)
	// UpdateCloseRequest writes req only if the stored status is still expected.
	UpdateCloseRequest(ctx context.Context, req *CloseRequest, expected CloseStatus) error
}

// TradingGate is the mode check consulted before accepting orders
type TradingGate interface {
	CheckNewOrder() error
	CheckClose() error
}

// CloseParams describes a requested close
type CloseParams struct {
	PositionID     string
	AccountID      string
	Symbol         string
	Side           core.Side
	AssetType      core.AssetType
	Quantity       decimal.Decimal
	IdempotencyKey string
}

func (p CloseParams) validate() error {
	var problems []string
	if p.AccountID == "" {
		problems = append(problems, "account_id is required")
	}
	if p.Symbol == "" {
		problems = append(problems, "symbol is required")
	}
	if p.Side != core.SideBuy && p.Side != core.SideSell {
		problems = append(problems, fmt.Sprintf("side must be BUY or SELL, got %q", p.Side))
	}
	if !p.Quantity.IsPositive() {
		problems = append(problems, "quantity must be positive")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", apperrors.ErrInvalidOrderParameter, strings.Join(problems, "; "))
	}
	return nil
}

// CloseService creates and manages close requests
type CloseService struct {
	repo       Repository
	gate       TradingGate
	clock      degradation.Clock
	maxRetries int
	logger     core.ILogger

	requestCounter metric.Int64Counter
	gatedCounter   metric.Int64Counter
}

// NewCloseService creates the service. maxRetries bounds broker attempts per request.
func NewCloseService(repo Repository, gate TradingGate, clock degradation.Clock, maxRetries int, logger core.ILogger) *CloseService {
	meter := telemetry.GetMeter("close-service")
	requestCounter, _ := meter.Int64Counter("close_requests_total",
		metric.WithDescription("Close requests accepted"))
	gatedCounter, _ := meter.Int64Counter("close_requests_gated_total",
		metric.WithDescription("Order requests rejected by the trading gate"))

	return &CloseService{
		repo:           repo,
		gate:           gate,
		clock:          clock,
		maxRetries:     maxRetries,
		logger:         logger.WithField("component", "close_service"),
		requestCounter: requestCounter,
		gatedCounter:   gatedCounter,
	}
}

// RequestClose records a close request and its submit event. Repeating a
// request with the same idempotency key returns the original.
func (s *CloseService) RequestClose(ctx context.Context, p CloseParams) (*CloseRequest, bool, error) {
	if err := s.gate.CheckClose(); err != nil {
		s.gatedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", degradation.OperationClose)))
		return nil, false, err
	}
	if err := p.validate(); err != nil {
		return nil, false, err
	}

	key := p.IdempotencyKey
	if key == "" {
		key = uuid.NewString()
	}
	assetType := p.AssetType
	if assetType == "" {
		assetType = core.AssetEquity
	}

	now := s.clock.Now().UTC()
	req := &CloseRequest{
		ID:             uuid.NewString(),
		PositionID:     p.PositionID,
		AccountID:      p.AccountID,
		IdempotencyKey: key,
		Status:         ClosePending,
		Symbol:         p.Symbol,
		Side:           p.Side,
		AssetType:      assetType,
		TargetQty:      p.Quantity,
		FilledQty:      decimal.Zero,
		MaxRetries:     s.maxRetries,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	stored, created, err := s.repo.CreateCloseRequest(ctx, req)
	if err != nil {
		return nil, false, fmt.Errorf("create close request: %w", err)
	}
	if created {
		s.requestCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("symbol", stored.Symbol)))
		s.logger.Info("Close request accepted",
			"id", stored.ID,
			"symbol", stored.Symbol,
			"side", stored.Side,
			"qty", stored.TargetQty.String(),
			"idempotency_key", stored.IdempotencyKey)
	} else {
		s.logger.Debug("Duplicate close request", "id", stored.ID, "idempotency_key", key)
	}
	return stored, created, nil
}

// Get returns a close request by id
func (s *CloseService) Get(ctx context.Context, id string) (*CloseRequest, error) {
	return s.repo.GetCloseRequest(ctx, id)
}

// GetByKey returns a close request by idempotency key
func (s *CloseService) GetByKey(ctx context.Context, key string) (*CloseRequest, error) {
	return s.repo.GetCloseRequestByKey(ctx, key)
}

// List returns close requests in status, or all when status is empty
func (s *CloseService) List(ctx context.Context, status CloseStatus, limit int) ([]*CloseRequest, error) {
	return s.repo.ListCloseRequests(ctx, status, limit)
}

// Cancel fails a request that is waiting for its first or next attempt. A
// request currently with the broker cannot be cancelled.
func (s *CloseService) Cancel(ctx context.Context, id string) (*CloseRequest, error) {
	req, err := s.repo.GetCloseRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	prev := req.Status
	if err := req.Cancel(s.clock.Now().UTC()); err != nil {
		return nil, err
	}
	if err := s.repo.UpdateCloseRequest(ctx, req, prev); err != nil {
		if errors.Is(err, apperrors.ErrInvalidTransition) {
			return nil, fmt.Errorf("cancel close request %s: %w", id, err)
		}
		return nil, err
	}
	s.logger.Info("Close request cancelled", "id", id, "symbol", req.Symbol)
	return req, nil
}

// CheckNewOrder is the gate consulted by the order-submission layer before
// opening new exposure
func (s *CloseService) CheckNewOrder() error {
	if err := s.gate.CheckNewOrder(); err != nil {
		s.gatedCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("operation", degradation.OperationNewOrder)))
		return err
	}
	return nil
}
