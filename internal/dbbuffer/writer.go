package dbbuffer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"tradeguard/internal/core"
	"tradeguard/internal/degradation"
	apperrors "tradeguard/pkg/errors"

	"github.com/google/uuid"
)

// Record kinds routed through the guarded writer
const (
	KindSystemEvent       = "system_event"
	KindReconciliationRun = "reconciliation_run"
)

// Sink is the database side of the writer. Implementations must ignore a
// repeated id so that replays are idempotent.
type Sink interface {
	WriteRecord(ctx context.Context, id, kind string, payload []byte) error
}

// GuardedWriter writes audit records straight to the database while its
// breaker allows, and into the buffer otherwise. Buffered records are drained
// when the database reports healthy again, and periodically as a fallback.
type GuardedWriter struct {
	buffer        *Buffer
	sink          Sink
	breaker       *degradation.CircuitBreaker
	drainInterval time.Duration
	logger        core.ILogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewGuardedWriter creates a writer over sink guarded by the database breaker
func NewGuardedWriter(buffer *Buffer, sink Sink, breaker *degradation.CircuitBreaker, drainInterval time.Duration, logger core.ILogger) *GuardedWriter {
	if drainInterval <= 0 {
		drainInterval = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &GuardedWriter{
		buffer:        buffer,
		sink:          sink,
		breaker:       breaker,
		drainInterval: drainInterval,
		logger:        logger.WithField("component", "guarded_writer"),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Write persists v as JSON under kind. It returns nil when the record was
// written or buffered.
func (w *GuardedWriter) Write(ctx context.Context, kind string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s record: %w", kind, err)
	}
	id := uuid.NewString()

	// Older records must land first
	if w.buffer.Len() == 0 {
		err = w.breaker.Execute(ctx, func(ctx context.Context) error {
			return w.sink.WriteRecord(ctx, id, kind, payload)
		})
		if err == nil {
			return nil
		}
		if !errors.Is(err, apperrors.ErrCircuitOpen) {
			w.logger.Warn("Direct write failed, buffering", "kind", kind, "error", err)
		}
	}

	if _, err := w.buffer.EnqueueWithID(ctx, id, kind, payload); err != nil {
		return fmt.Errorf("buffer %s record: %w", kind, err)
	}
	return nil
}

// Drain replays buffered records through the breaker
func (w *GuardedWriter) Drain(ctx context.Context) (int, error) {
	return w.buffer.Drain(ctx, func(ctx context.Context, e Entry) error {
		return w.breaker.Execute(ctx, func(ctx context.Context) error {
			return w.sink.WriteRecord(ctx, e.ID, e.Kind, e.Payload)
		})
	})
}

// HandleEvent drains when the database reports healthy
func (w *GuardedWriter) HandleEvent(_ context.Context, e degradation.SystemEvent) {
	if e.Type != degradation.EventComponentStatusChanged {
		return
	}
	if e.Payload[degradation.KeyComponent] != string(degradation.ComponentDatabase) ||
		e.Payload[degradation.KeyTo] != degradation.StatusHealthy.String() {
		return
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.drainLogged("database healthy")
	}()
}

// Start runs the periodic drain
func (w *GuardedWriter) Start(ctx context.Context) error {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.drainInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.ctx.Done():
				return
			case <-ticker.C:
				if w.buffer.Len() > 0 && w.breaker.CurrentState() != degradation.CircuitOpen {
					w.drainLogged("periodic")
				}
			}
		}
	}()
	return nil
}

// Stop waits for in-flight drains
func (w *GuardedWriter) Stop() error {
	w.cancel()
	w.wg.Wait()
	return nil
}

func (w *GuardedWriter) drainLogged(reason string) {
	n, err := w.Drain(w.ctx)
	switch {
	case errors.Is(err, apperrors.ErrDrainInProgress):
	case err != nil:
		w.logger.Warn("Buffered write replay incomplete", "reason", reason, "applied", n, "remaining", w.buffer.Len(), "error", err)
	case n > 0:
		w.logger.Info("Buffered writes replayed", "reason", reason, "applied", n)
	}
}
