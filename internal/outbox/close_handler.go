package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"tradeguard/internal/core"
	"tradeguard/internal/degradation"
	"tradeguard/internal/trading/order"
	apperrors "tradeguard/pkg/errors"

	"github.com/shopspring/decimal"
)

// CloseStore is the close request side of the store used by the handler
type CloseStore interface {
	GetCloseRequest(ctx context.Context, id string) (*order.CloseRequest, error)
	UpdateCloseRequest(ctx context.Context, req *order.CloseRequest, expected order.CloseStatus) error
}

// OrderGateway sends order calls to the broker
type OrderGateway interface {
	Submit(ctx context.Context, req *core.OrderRequest) (*core.BrokerOrder, error)
	OrderStatus(ctx context.Context, orderID string) (*core.BrokerOrder, error)
	Cancel(ctx context.Context, orderID string) (bool, error)
}

// PreTradeCheck vets an order before it is sent
type PreTradeCheck interface {
	Check(ctx context.Context, req *core.OrderRequest) error
}

// CloseSubmitHandler delivers close_request.submit events. Each delivery is
// one broker attempt; the request and the outbox row are settled together.
type CloseSubmitHandler struct {
	store   CloseStore
	gateway OrderGateway
	check   PreTradeCheck
	clock   degradation.Clock
	logger  core.ILogger
}

// NewCloseSubmitHandler creates the handler
func NewCloseSubmitHandler(store CloseStore, gateway OrderGateway, clock degradation.Clock, logger core.ILogger) *CloseSubmitHandler {
	if clock == nil {
		clock = degradation.RealClock()
	}
	return &CloseSubmitHandler{
		store:   store,
		gateway: gateway,
		clock:   clock,
		logger:  logger.WithField("component", "close_submit_handler"),
	}
}

// SetPreTradeCheck runs check before every new broker order
func (h *CloseSubmitHandler) SetPreTradeCheck(check PreTradeCheck) {
	h.check = check
}

// Handle performs one attempt for the close request named in the event
func (h *CloseSubmitHandler) Handle(ctx context.Context, e *Event) Result {
	var payload order.SubmitPayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil || payload.CloseRequestID == "" {
		return Result{Outcome: OutcomeFailed, Err: fmt.Errorf("invalid %s payload: %s", order.EventCloseSubmit, string(e.Payload))}
	}

	req, res, done := h.begin(ctx, payload.CloseRequestID)
	if done {
		return res
	}
	brokerOrder, brokerErr := h.execute(ctx, req)
	return h.finish(req, brokerOrder, brokerErr)
}

// begin loads the request and moves it to SUBMITTED. done is set when there
// is nothing to send and res is final.
func (h *CloseSubmitHandler) begin(ctx context.Context, id string) (*order.CloseRequest, Result, bool) {
	req, err := h.store.GetCloseRequest(ctx, id)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, Result{Outcome: OutcomeFailed, Err: err}, true
		}
		return nil, Result{Outcome: OutcomeRetry, Err: fmt.Errorf("load close request: %w", err)}, true
	}
	return h.prepare(ctx, req)
}

// prepare moves the request to SUBMITTED. A request already SUBMITTED was
// claimed by a worker that died mid-attempt and keeps its client order id.
func (h *CloseSubmitHandler) prepare(ctx context.Context, req *order.CloseRequest) (*order.CloseRequest, Result, bool) {
	if req.Status.IsTerminal() {
		h.logger.Debug("Close request already settled", "id", req.ID, "status", req.Status)
		return req, Result{Outcome: OutcomeCompleted}, true
	}
	if req.Status == order.CloseSubmitted {
		h.logger.Info("Resuming interrupted close attempt", "id", req.ID, "client_order_id", req.ClientOrderID())
		return req, Result{}, false
	}

	prev := req.Status
	now := h.clock.Now().UTC()
	if err := req.MarkSubmitted(now); err != nil {
		if errors.Is(err, apperrors.ErrRetryBudgetExhausted) {
			_ = req.Fail(err.Error(), now)
			return req, Result{Outcome: OutcomeFailed, Err: err, Close: req, CloseFrom: prev}, true
		}
		return req, Result{Outcome: OutcomeFailed, Err: err}, true
	}

	if err := h.store.UpdateCloseRequest(ctx, req, prev); err != nil {
		if errors.Is(err, apperrors.ErrInvalidTransition) {
			// Changed underneath us, most likely cancelled
			current, gerr := h.store.GetCloseRequest(ctx, req.ID)
			if gerr == nil && current.Status.IsTerminal() {
				return current, Result{Outcome: OutcomeCompleted}, true
			}
		}
		return req, Result{Outcome: OutcomeRetry, Err: fmt.Errorf("mark close request submitted: %w", err)}, true
	}
	return req, Result{}, false
}

// unresolved reports whether the broker may hold an order for this attempt
// whose final fill we do not know: a transient error with no reply, or an
// order that is still working.
func unresolved(o *core.BrokerOrder, err error) bool {
	if err == nil || !apperrors.IsRetryable(err) {
		return false
	}
	return o == nil || !o.Status.IsTerminal()
}

// finish records the broker's answer on the request and decides the outcome
func (h *CloseSubmitHandler) finish(req *order.CloseRequest, brokerOrder *core.BrokerOrder, brokerErr error) Result {
	if unresolved(brokerOrder, brokerErr) {
		return h.finishUnresolved(req, brokerOrder, brokerErr)
	}

	filled := decimal.Zero
	if brokerOrder != nil {
		filled = brokerOrder.FilledQty
		req.BrokerOrderID = brokerOrder.OrderID
	}

	now := h.clock.Now().UTC()
	if err := req.RecordAttempt(filled, brokerErr, now); err != nil {
		// An overfill means the broker and our books disagree; stop and let
		// reconciliation report it
		h.logger.Error("Broker fill does not fit close request",
			"id", req.ID,
			"filled", filled.String(),
			"remaining", req.RemainingQty().String(),
			"error", err.Error())
		_ = req.Fail(err.Error(), now)
		return Result{Outcome: OutcomeFailed, Err: err, Close: req, CloseFrom: order.CloseSubmitted}
	}

	res := Result{Close: req, CloseFrom: order.CloseSubmitted, Err: brokerErr}
	if filled.IsPositive() {
		price := decimal.Zero
		if brokerOrder != nil {
			price = brokerOrder.AvgPrice
		}
		res.Fill = &core.Fill{
			AccountID: req.AccountID,
			Symbol:    req.Symbol,
			AssetType: req.AssetType,
			Side:      req.Side,
			Quantity:  filled,
			Price:     price,
		}
	}

	switch req.Status {
	case order.CloseCompleted:
		res.Outcome = OutcomeCompleted
		res.Err = nil
		h.logger.Info("Close request completed", "id", req.ID, "symbol", req.Symbol, "filled", req.FilledQty.String())
	case order.CloseRetryable:
		res.Outcome = OutcomeRetry
		if res.Err == nil {
			res.Err = errors.New(req.LastError)
		}
		h.logger.Info("Close request partially executed",
			"id", req.ID,
			"filled", req.FilledQty.String(),
			"remaining", req.RemainingQty().String(),
			"retry_count", req.RetryCount)
	default:
		res.Outcome = OutcomeFailed
		if res.Err == nil {
			res.Err = errors.New(req.LastError)
		}
	}
	return res
}

// finishUnresolved leaves the attempt's order to be looked up again: the
// next delivery resends the same client order id, or asks for the known
// broker order, and counts its cumulative fill then.
func (h *CloseSubmitHandler) finishUnresolved(req *order.CloseRequest, brokerOrder *core.BrokerOrder, brokerErr error) Result {
	if brokerOrder != nil {
		req.BrokerOrderID = brokerOrder.OrderID
	}
	now := h.clock.Now().UTC()
	if err := req.RecordUnresolved(brokerErr, now); err != nil {
		return Result{Outcome: OutcomeFailed, Err: err}
	}
	h.logger.Warn("Close attempt outcome unknown, will resend the same order",
		"id", req.ID,
		"client_order_id", req.ClientOrderID(),
		"broker_order_id", req.BrokerOrderID,
		"error", brokerErr.Error())

	res := Result{Close: req, CloseFrom: order.CloseSubmitted, Err: brokerErr, Outcome: OutcomeRetry}
	if req.Status == order.CloseFailed {
		res.Outcome = OutcomeFailed
	}
	return res
}

// execute returns the broker's view of this attempt's order, submitting it
// unless an earlier delivery already did
func (h *CloseSubmitHandler) execute(ctx context.Context, req *order.CloseRequest) (*core.BrokerOrder, error) {
	if req.BrokerOrderID != "" {
		o, err := h.gateway.OrderStatus(ctx, req.BrokerOrderID)
		if err == nil {
			return h.settleWorking(ctx, req, o)
		}
		if !errors.Is(err, apperrors.ErrOrderNotFound) {
			return nil, err
		}
	}

	orderReq := &core.OrderRequest{
		ClientOrderID: req.ClientOrderID(),
		AccountID:     req.AccountID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		AssetType:     req.AssetType,
		Quantity:      req.RemainingQty(),
		ReduceOnly:    true,
	}
	if h.check != nil {
		if err := h.check.Check(ctx, orderReq); err != nil {
			return nil, err
		}
	}
	o, err := h.gateway.Submit(ctx, orderReq)
	if err != nil {
		return nil, err
	}
	return h.settleWorking(ctx, req, o)
}

// settleWorking cancels the rest of an order that is still working so the
// attempt has a final fill quantity
func (h *CloseSubmitHandler) settleWorking(ctx context.Context, req *order.CloseRequest, o *core.BrokerOrder) (*core.BrokerOrder, error) {
	if o.Status.IsTerminal() {
		return o, nil
	}

	// Remember the order so a redelivery asks for it instead of resubmitting
	req.BrokerOrderID = o.OrderID
	if err := h.store.UpdateCloseRequest(ctx, req, order.CloseSubmitted); err != nil {
		h.logger.Warn("Failed to record working broker order", "id", req.ID, "order_id", o.OrderID, "error", err.Error())
	}

	if _, err := h.gateway.Cancel(ctx, o.OrderID); err != nil {
		return o, fmt.Errorf("cancel working order %s: %w", o.OrderID, err)
	}
	final, err := h.gateway.OrderStatus(ctx, o.OrderID)
	if err != nil {
		return o, err
	}
	return final, nil
}
