package outbox_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"tradeguard/internal/config"
	"tradeguard/internal/core"
	"tradeguard/internal/degradation"
	"tradeguard/internal/outbox"
	"tradeguard/internal/trading/order"
	apperrors "tradeguard/pkg/errors"
	"tradeguard/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorker_PartialFillIsRetriedUntilComplete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.broker.ScriptFills(dec("30"), dec("70"))
	req := f.requestClose(t, "close-aapl", "100")

	require.Equal(t, 1, f.poll(t))
	got := f.closeRequest(t, req.ID)
	assert.Equal(t, order.CloseRetryable, got.Status)
	assert.True(t, got.FilledQty.Equal(dec("30")))
	assert.True(t, got.RemainingQty().Equal(dec("70")))

	e := f.onlyEvent(t)
	assert.Equal(t, outbox.StatusPending, e.Status)
	assert.Equal(t, 1, e.RetryCount)
	assert.True(t, epoch.Add(time.Second).Equal(e.NextAttemptAt))

	positions, err := f.store.GetPositions(ctx, "acct-1")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.True(t, positions[0].Quantity.Equal(dec("70")), "ledger follows the partial fill")

	assert.Equal(t, 0, f.poll(t), "not due before the backoff elapses")

	f.clock.Advance(time.Second)
	require.Equal(t, 1, f.poll(t))
	got = f.closeRequest(t, req.ID)
	assert.Equal(t, order.CloseCompleted, got.Status)
	assert.True(t, got.FilledQty.Equal(dec("100")))
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, outbox.StatusCompleted, f.onlyEvent(t).Status)

	positions, err = f.store.GetPositions(ctx, "acct-1")
	require.NoError(t, err)
	assert.Empty(t, positions)
	acct, err := f.store.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, acct.Cash.Equal(dec("16000")), "cash %s", acct.Cash)

	brokerPositions, err := f.broker.GetPositions(ctx, "acct-1")
	require.NoError(t, err)
	assert.Empty(t, brokerPositions)
	assert.Equal(t, 2, f.broker.OrderCount())
}

func TestWorker_LostAckIsResentUnderSameClientOrderID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.broker.LoseAcks(1)
	req := f.requestClose(t, "close-aapl", "100")

	// The broker sold 100 but the reply never arrived
	require.Equal(t, 1, f.poll(t))
	got := f.closeRequest(t, req.ID)
	assert.Equal(t, order.CloseRetryable, got.Status)
	assert.True(t, got.FilledQty.IsZero(), "nothing is booked without a reply")
	assert.Contains(t, got.LastError, "outcome unknown")
	assert.Equal(t, "close-aapl-0", got.ClientOrderID())

	f.clock.Advance(time.Second)
	require.Equal(t, 1, f.poll(t))
	got = f.closeRequest(t, req.ID)
	assert.Equal(t, order.CloseCompleted, got.Status)
	assert.True(t, got.FilledQty.Equal(dec("100")))
	assert.Equal(t, 1, got.RetryCount)

	assert.Equal(t, 2, f.broker.SubmitCalls())
	assert.Equal(t, 1, f.broker.OrderCount(), "one broker order per idempotency key")
	brokerPositions, err := f.broker.GetPositions(ctx, "acct-1")
	require.NoError(t, err)
	assert.Empty(t, brokerPositions, "sold exactly the target, not twice")

	positions, err := f.store.GetPositions(ctx, "acct-1")
	require.NoError(t, err)
	assert.Empty(t, positions, "the ledger books the fill once")
}

func TestWorker_RetryBudgetFailsCloseRequest(t *testing.T) {
	f := newFixture(t)
	errs := make([]error, 10)
	for i := range errs {
		errs[i] = apperrors.ErrNetwork
	}
	f.broker.FailNext(errs...)
	req := f.requestClose(t, "close-aapl", "100")

	for attempt := 1; attempt <= 3; attempt++ {
		require.Equal(t, 1, f.poll(t), "attempt %d", attempt)
		e := f.onlyEvent(t)
		assert.Equal(t, outbox.StatusPending, e.Status)
		assert.Equal(t, attempt, e.RetryCount)
		assert.Contains(t, e.LastError, "network error")
		assert.Equal(t, order.CloseRetryable, f.closeRequest(t, req.ID).Status)
		f.clock.Advance(4 * time.Second)
	}

	require.Equal(t, 1, f.poll(t))
	got := f.closeRequest(t, req.ID)
	assert.Equal(t, order.CloseFailed, got.Status)
	assert.Equal(t, 3, got.RetryCount)
	assert.Equal(t, outbox.StatusFailed, f.onlyEvent(t).Status)
	assert.Equal(t, 4, f.broker.SubmitCalls())

	f.clock.Advance(time.Hour)
	assert.Equal(t, 0, f.poll(t), "failed rows are not redelivered")
}

func TestWorker_RejectionFailsImmediately(t *testing.T) {
	f := newFixture(t)
	f.broker.FailNext(apperrors.ErrInsufficientFunds)
	req := f.requestClose(t, "close-aapl", "100")

	require.Equal(t, 1, f.poll(t))
	got := f.closeRequest(t, req.ID)
	assert.Equal(t, order.CloseFailed, got.Status)
	assert.Contains(t, got.LastError, "insufficient funds")

	e := f.onlyEvent(t)
	assert.Equal(t, outbox.StatusFailed, e.Status)
	assert.Equal(t, 0, e.RetryCount)
}

func TestWorker_CancelledRequestIsNotSent(t *testing.T) {
	f := newFixture(t)
	req := f.requestClose(t, "close-aapl", "100")
	_, err := f.service.Cancel(context.Background(), req.ID)
	require.NoError(t, err)

	require.Equal(t, 1, f.poll(t))
	assert.Equal(t, outbox.StatusCompleted, f.onlyEvent(t).Status)
	assert.Equal(t, 0, f.broker.SubmitCalls())
}

func TestWorker_DuplicateRequestDeliversOnce(t *testing.T) {
	f := newFixture(t)
	f.requestClose(t, "close-aapl", "100")
	f.requestClose(t, "close-aapl", "100")

	require.Equal(t, 1, f.poll(t))
	f.clock.Advance(time.Minute)
	assert.Equal(t, 0, f.poll(t))
	assert.Equal(t, 1, f.broker.OrderCount())
}

func TestWorker_StaleClaimResumesWithSameClientOrderID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.requestClose(t, "close-aapl", "100")

	// A worker claims the row, submits to the broker and dies before settling
	claimed, err := f.store.Claim(ctx, "dead-worker", epoch, time.Time{}, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	inFlight := f.closeRequest(t, req.ID)
	require.NoError(t, inFlight.MarkSubmitted(epoch))
	require.NoError(t, f.store.UpdateCloseRequest(ctx, inFlight, order.ClosePending))
	_, err = f.broker.SubmitOrder(ctx, &core.OrderRequest{
		ClientOrderID: inFlight.ClientOrderID(),
		AccountID:     "acct-1",
		Symbol:        "AAPL",
		Side:          core.SideSell,
		Quantity:      dec("100"),
		ReduceOnly:    true,
	})
	require.NoError(t, err)

	assert.Equal(t, 0, f.poll(t), "claim is still fresh")

	f.clock.Advance(2 * time.Minute)
	require.Equal(t, 1, f.poll(t))

	got := f.closeRequest(t, req.ID)
	assert.Equal(t, order.CloseCompleted, got.Status)
	assert.True(t, got.FilledQty.Equal(dec("100")))
	assert.Equal(t, 1, f.broker.OrderCount(), "the broker deduplicated the resubmission")

	err = f.store.Settle(ctx, claimed[0].ID, "dead-worker", outbox.Settlement{Status: outbox.StatusCompleted, ProcessedAt: epoch})
	assert.ErrorIs(t, err, apperrors.ErrClaimLost)
}

func TestWorker_NoHandlerFailsRow(t *testing.T) {
	f := newFixture(t)
	e, err := outbox.NewEvent("unknown.event", map[string]string{"idempotency_key": "x"}, epoch)
	require.NoError(t, err)
	_, err = f.store.Enqueue(context.Background(), e)
	require.NoError(t, err)

	require.Equal(t, 1, f.poll(t))
	got := f.onlyEvent(t)
	assert.Equal(t, outbox.StatusFailed, got.Status)
	assert.Contains(t, got.LastError, "no handler")
}

func TestWorker_HandlerTimeoutIsRetried(t *testing.T) {
	f := newFixture(t)
	cfg := testWorkerConfig("w-timeout")
	cfg.HandlerTimeout = 20 * time.Millisecond
	w := outbox.NewWorker(cfg, f.store, f.clock, logging.NewNopLogger())
	defer w.Stop()
	w.Register("slow.event", outbox.HandlerFunc(func(ctx context.Context, e *outbox.Event) outbox.Result {
		<-ctx.Done()
		return outbox.Result{Outcome: outbox.OutcomeRetry}
	}))

	e, err := outbox.NewEvent("slow.event", map[string]string{"idempotency_key": "x"}, epoch)
	require.NoError(t, err)
	_, err = f.store.Enqueue(context.Background(), e)
	require.NoError(t, err)

	n, err := w.Poll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got := f.onlyEvent(t)
	assert.Equal(t, outbox.StatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Contains(t, got.LastError, "broker timeout")
}

func TestWorker_PanickingHandlerIsRetried(t *testing.T) {
	f := newFixture(t)
	f.worker.Register("bad.event", outbox.HandlerFunc(func(ctx context.Context, e *outbox.Event) outbox.Result {
		panic("boom")
	}))
	e, err := outbox.NewEvent("bad.event", map[string]string{"idempotency_key": "x"}, epoch)
	require.NoError(t, err)
	_, err = f.store.Enqueue(context.Background(), e)
	require.NoError(t, err)

	require.Equal(t, 1, f.poll(t))
	got := f.onlyEvent(t)
	assert.Equal(t, outbox.StatusPending, got.Status)
	assert.Contains(t, got.LastError, "handler panic: boom")
}

func TestWorker_ConcurrentWorkersDeliverEachEventOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var (
		mu        sync.Mutex
		delivered = map[string]int{}
	)
	count := outbox.HandlerFunc(func(ctx context.Context, e *outbox.Event) outbox.Result {
		mu.Lock()
		delivered[e.IdempotencyKey]++
		mu.Unlock()
		return outbox.Result{Outcome: outbox.OutcomeCompleted}
	})

	const events = 50
	for i := 0; i < events; i++ {
		e, err := outbox.NewEvent("count.event", map[string]string{"idempotency_key": fmt.Sprintf("k%d", i)}, epoch)
		require.NoError(t, err)
		_, err = f.store.Enqueue(ctx, e)
		require.NoError(t, err)
	}

	var workers []*outbox.Worker
	for i := 0; i < 3; i++ {
		cfg := testWorkerConfig(fmt.Sprintf("w%d", i))
		cfg.BatchSize = 7
		w := outbox.NewWorker(cfg, f.store, f.clock, logging.NewNopLogger())
		w.Register("count.event", count)
		workers = append(workers, w)
		defer w.Stop()
	}

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *outbox.Worker) {
			defer wg.Done()
			for {
				n, err := w.Poll(ctx)
				if err != nil || n == 0 {
					return
				}
			}
		}(w)
	}
	wg.Wait()

	assert.Len(t, delivered, events)
	for key, n := range delivered {
		assert.Equal(t, 1, n, "event %s delivered %d times", key, n)
	}
	stats, err := f.store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(events), stats.Completed)
}

func TestWorker_StartDeliversInBackground(t *testing.T) {
	f := newFixture(t)
	req := f.requestClose(t, "close-aapl", "100")

	require.NoError(t, f.worker.Start(context.Background()))
	assert.Eventually(t, func() bool {
		got, err := f.store.GetCloseRequest(context.Background(), req.ID)
		return err == nil && got.Status == order.CloseCompleted
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, f.worker.Stop())
}

func TestWorkerConfigFrom(t *testing.T) {
	cfg := outbox.WorkerConfigFrom(config.DefaultConfig().Outbox)
	assert.Equal(t, 500*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, 5*time.Second, cfg.HandlerTimeout)
	assert.Equal(t, time.Minute, cfg.ProcessingTimeout)
}

type switchableMode struct {
	mu   sync.Mutex
	mode degradation.Mode
}

func (m *switchableMode) set(mode degradation.Mode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mode = mode
}

func (m *switchableMode) Current() degradation.ModeSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return degradation.ModeSnapshot{Mode: m.mode, Name: m.mode.String()}
}

func TestWorker_PausedWhileGateRefusesCloses(t *testing.T) {
	f := newFixture(t)
	req := f.requestClose(t, "close-aapl", "100")

	modes := &switchableMode{mode: degradation.ModeHalt}
	f.worker.SetGate(degradation.NewGate(modes))

	n, err := f.worker.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, f.broker.SubmitCalls())

	pending, err := f.store.List(context.Background(), outbox.StatusPending, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 0, pending[0].RetryCount, "a paused row keeps its budget")

	// SAFE still allows exposure-reducing orders
	modes.set(degradation.ModeSafe)
	n, err = f.worker.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, order.CloseCompleted, f.closeRequest(t, req.ID).Status)
}
