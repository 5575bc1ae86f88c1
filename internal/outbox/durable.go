package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"tradeguard/internal/core"
	"tradeguard/internal/trading/order"
	apperrors "tradeguard/pkg/errors"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
)

// DurableDispatcher runs close submissions as DBOS workflows. The begin,
// broker submit and finish phases are separate steps, so a process that dies
// after the broker call resumes with the recorded broker answer instead of
// sending again.
type DurableDispatcher struct {
	dbosCtx dbos.DBOSContext
	handler *CloseSubmitHandler
	logger  core.ILogger
}

// NewDurableDispatcher wraps handler; the returned dispatcher is itself a Handler
func NewDurableDispatcher(dbosCtx dbos.DBOSContext, handler *CloseSubmitHandler, logger core.ILogger) *DurableDispatcher {
	return &DurableDispatcher{
		dbosCtx: dbosCtx,
		handler: handler,
		logger:  logger.WithField("component", "durable_dispatcher"),
	}
}

// Register declares the workflow with the runtime; it must run before Start
func (d *DurableDispatcher) Register() {
	dbos.RegisterWorkflow(d.dbosCtx, d.CloseSubmitWorkflow)
}

// Start launches the DBOS runtime
func (d *DurableDispatcher) Start(ctx context.Context) error {
	d.logger.Info("Starting DBOS runtime")
	return d.dbosCtx.Launch()
}

// Stop shuts the DBOS runtime down
func (d *DurableDispatcher) Stop() error {
	d.logger.Info("Stopping DBOS runtime")
	d.dbosCtx.Shutdown(30 * time.Second)
	return nil
}

// Handle runs the workflow for e and waits for its outcome
func (d *DurableDispatcher) Handle(ctx context.Context, e *Event) Result {
	handle, err := d.dbosCtx.RunWorkflow(d.dbosCtx, d.CloseSubmitWorkflow, *e)
	if err != nil {
		return Result{Outcome: OutcomeRetry, Err: fmt.Errorf("failed to start close submit workflow: %w", err)}
	}
	out, err := handle.GetResult()
	if err != nil {
		return Result{Outcome: OutcomeRetry, Err: fmt.Errorf("close submit workflow: %w", err)}
	}
	o, ok := out.(WorkflowOutcome)
	if !ok {
		return Result{Outcome: OutcomeRetry, Err: fmt.Errorf("unexpected workflow result %T", out)}
	}
	return o.Result()
}

// WorkflowOutcome is the checkpointable form of a Result. Errors keep their
// message and whether they may be retried.
type WorkflowOutcome struct {
	Outcome   Outcome             `json:"outcome"`
	Error     string              `json:"error,omitempty"`
	Retryable bool                `json:"retryable"`
	Close     *order.CloseRequest `json:"close,omitempty"`
	CloseFrom order.CloseStatus   `json:"close_from,omitempty"`
	Fill      *core.Fill          `json:"fill,omitempty"`
}

func outcomeFrom(r Result) WorkflowOutcome {
	o := WorkflowOutcome{Outcome: r.Outcome, Close: r.Close, CloseFrom: r.CloseFrom, Fill: r.Fill}
	if r.Err != nil {
		o.Error = r.Err.Error()
		o.Retryable = apperrors.IsRetryable(r.Err)
	}
	return o
}

// Result converts back to a handler result
func (o WorkflowOutcome) Result() Result {
	return Result{Outcome: o.Outcome, Err: restoreError(o.Error, o.Retryable), Close: o.Close, CloseFrom: o.CloseFrom, Fill: o.Fill}
}

// beginStep is the output of the first step
type beginStep struct {
	Request *order.CloseRequest `json:"request,omitempty"`
	Done    bool                `json:"done"`
	Outcome WorkflowOutcome     `json:"outcome"`
}

// submitStep is the broker's answer recorded by the second step
type submitStep struct {
	Order     *core.BrokerOrder `json:"order,omitempty"`
	Error     string            `json:"error,omitempty"`
	Retryable bool              `json:"retryable"`
}

// CloseSubmitWorkflow is the durable workflow body. input is an Event.
func (d *DurableDispatcher) CloseSubmitWorkflow(ctx dbos.DBOSContext, input any) (any, error) {
	e := input.(Event)
	var payload order.SubmitPayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil || payload.CloseRequestID == "" {
		return outcomeFrom(Result{Outcome: OutcomeFailed, Err: fmt.Errorf("invalid %s payload: %s", order.EventCloseSubmit, string(e.Payload))}), nil
	}

	// 1. Load the request and mark it submitted
	out, err := ctx.RunAsStep(ctx, func(stepCtx context.Context) (any, error) {
		req, res, done := d.handler.begin(stepCtx, payload.CloseRequestID)
		return beginStep{Request: req, Done: done, Outcome: outcomeFrom(res)}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("begin step: %w", err)
	}
	begun, ok := out.(beginStep)
	if !ok {
		return nil, fmt.Errorf("begin step returned %T", out)
	}
	if begun.Done {
		return begun.Outcome, nil
	}
	req := begun.Request

	// 2. Side effect: send (or look up) the broker order
	out, err = ctx.RunAsStep(ctx, func(stepCtx context.Context) (any, error) {
		o, err := d.handler.execute(stepCtx, req.Clone())
		s := submitStep{Order: o}
		if err != nil {
			s.Error = err.Error()
			s.Retryable = apperrors.IsRetryable(err)
		}
		return s, nil
	})
	if err != nil {
		return nil, fmt.Errorf("submit step: %w", err)
	}
	submitted, ok := out.(submitStep)
	if !ok {
		return nil, fmt.Errorf("submit step returned %T", out)
	}

	// 3. Record the attempt; the worker settles it with the outbox row
	return outcomeFrom(d.handler.finish(req, submitted.Order, restoreError(submitted.Error, submitted.Retryable))), nil
}

// restoreError rebuilds a checkpointed error so that retryability survives
func restoreError(msg string, retryable bool) error {
	if msg == "" {
		return nil
	}
	if retryable {
		return fmt.Errorf("%w: %s", apperrors.ErrNetwork, msg)
	}
	return fmt.Errorf("%w: %s", apperrors.ErrOrderRejected, msg)
}

var _ Handler = (*DurableDispatcher)(nil)
