// Package dbbuffer holds database writes in memory (optionally journaled to
// badger) while the database is unavailable and replays them in order once it
// comes back.
package dbbuffer

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"tradeguard/internal/config"
	"tradeguard/internal/core"
	"tradeguard/internal/degradation"
	apperrors "tradeguard/pkg/errors"
	"tradeguard/pkg/telemetry"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Entry is one buffered write
type Entry struct {
	Seq        uint64          `json:"seq"`
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

func (e Entry) size() int64 {
	return int64(len(e.Payload))
}

// ApplyFunc writes one entry to the database
type ApplyFunc func(ctx context.Context, e Entry) error

// Journal persists entries across restarts
type Journal interface {
	Append(e Entry) error
	Delete(seqs ...uint64) error
	Load() ([]Entry, error)
	Close() error
}

// Config bounds the buffer
type Config struct {
	MaxEntries    int
	MaxBytes      int64
	MaxAge        time.Duration
	DropOldest    bool
	ReplayRetries int
	ReplayBackoff time.Duration
}

// ConfigFrom converts the db_buffer config section
func ConfigFrom(c config.DBBufferConfig) Config {
	return Config{
		MaxEntries:    c.MaxEntries,
		MaxBytes:      c.MaxBytes,
		MaxAge:        c.MaxAge(),
		DropOldest:    c.DropOldest,
		ReplayRetries: c.ReplayRetries,
		ReplayBackoff: c.ReplayBackoff(),
	}
}

// Stats are buffer counters
type Stats struct {
	Entries  int   `json:"entries"`
	Bytes    int64 `json:"bytes"`
	Accepted int64 `json:"accepted"`
	Rejected int64 `json:"rejected"`
	Evicted  int64 `json:"evicted"`
	Expired  int64 `json:"expired"`
	Drained  int64 `json:"drained"`
}

// Buffer is a bounded FIFO of pending database writes
type Buffer struct {
	cfg       Config
	journal   Journal
	clock     degradation.Clock
	publisher degradation.Publisher
	logger    core.ILogger
	tracer    trace.Tracer

	mu               sync.Mutex
	entries          []Entry
	bytes            int64
	nextSeq          uint64
	closed           bool
	overflowReported bool
	stats            Stats

	draining atomic.Bool
}

// New creates a buffer. A non-nil journal is replayed so entries survive restarts.
func New(cfg Config, journal Journal, clock degradation.Clock, publisher degradation.Publisher, logger core.ILogger) (*Buffer, error) {
	if clock == nil {
		clock = degradation.RealClock()
	}
	b := &Buffer{
		cfg:       cfg,
		journal:   journal,
		clock:     clock,
		publisher: publisher,
		logger:    logger.WithField("component", "db_buffer"),
		tracer:    telemetry.GetTracer("dbbuffer"),
		nextSeq:   1,
	}

	if journal != nil {
		restored, err := journal.Load()
		if err != nil {
			return nil, fmt.Errorf("replay db buffer journal: %w", err)
		}
		for _, e := range restored {
			b.entries = append(b.entries, e)
			b.bytes += e.size()
			if e.Seq >= b.nextSeq {
				b.nextSeq = e.Seq + 1
			}
		}
		if len(restored) > 0 {
			b.logger.Info("Restored buffered writes from journal", "entries", len(restored), "bytes", b.bytes)
		}
	}
	b.reportUsageLocked()
	return b, nil
}

// Enqueue buffers a write under a fresh id
func (b *Buffer) Enqueue(ctx context.Context, kind string, payload []byte) (bool, error) {
	return b.EnqueueWithID(ctx, uuid.NewString(), kind, payload)
}

// EnqueueWithID buffers a write. The id makes replay idempotent downstream.
func (b *Buffer) EnqueueWithID(ctx context.Context, id, kind string, payload []byte) (bool, error) {
	now := b.clock.Now()
	e := Entry{ID: id, Kind: kind, Payload: append(json.RawMessage(nil), payload...), EnqueuedAt: now}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false, apperrors.ErrBufferClosed
	}
	b.expireLocked(now)

	if e.size() > b.cfg.MaxBytes {
		overflow := b.rejectLocked("entry larger than max_bytes")
		b.mu.Unlock()
		b.reportOverflow(ctx, overflow)
		return false, fmt.Errorf("%w: entry of %d bytes exceeds max_bytes %d", apperrors.ErrBufferFull, e.size(), b.cfg.MaxBytes)
	}

	var evicted []uint64
	for b.fullLocked(e.size()) {
		if !b.cfg.DropOldest {
			overflow := b.rejectLocked("buffer full")
			b.mu.Unlock()
			b.reportOverflow(ctx, overflow)
			return false, apperrors.ErrBufferFull
		}
		head := b.popLocked()
		evicted = append(evicted, head.Seq)
		b.stats.Evicted++
	}

	e.Seq = b.nextSeq
	if b.journal != nil {
		if err := b.journal.Append(e); err != nil {
			b.mu.Unlock()
			return false, fmt.Errorf("journal append: %w", err)
		}
	}
	b.nextSeq++
	b.entries = append(b.entries, e)
	b.bytes += e.size()
	b.stats.Accepted++

	overflow := false
	if len(evicted) > 0 {
		b.deleteFromJournalLocked(evicted)
		telemetry.GetGlobalMetrics().RecordBufferDropped("evicted", int64(len(evicted)))
		overflow = !b.overflowReported
		b.overflowReported = true
	}
	b.reportUsageLocked()
	b.mu.Unlock()

	if len(evicted) > 0 {
		b.logger.Warn("Buffer full, dropped oldest writes", "dropped", len(evicted))
		b.reportOverflow(ctx, overflow)
	}
	return true, nil
}

// Drain applies buffered entries in FIFO order and stops at the first failure.
// It returns the number of entries applied.
func (b *Buffer) Drain(ctx context.Context, apply ApplyFunc) (int, error) {
	if !b.draining.CompareAndSwap(false, true) {
		return 0, apperrors.ErrDrainInProgress
	}
	defer b.draining.Store(false)

	ctx, span := b.tracer.Start(ctx, "Buffer.Drain")
	defer span.End()

	builder := retrypolicy.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool { return err != nil && ctx.Err() == nil }).
		WithMaxRetries(b.cfg.ReplayRetries).
		ReturnLastFailure()
	if b.cfg.ReplayBackoff > 0 {
		builder = builder.WithBackoff(b.cfg.ReplayBackoff, 10*b.cfg.ReplayBackoff)
	}
	executor := failsafe.With[any](builder.Build()).WithContext(ctx)

	applied := 0
	for {
		if err := ctx.Err(); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return applied, err
		}

		b.mu.Lock()
		b.expireLocked(b.clock.Now())
		if len(b.entries) == 0 {
			b.overflowReported = false
			b.mu.Unlock()
			break
		}
		head := b.entries[0]
		b.mu.Unlock()

		if err := executor.Run(func() error { return apply(ctx, head) }); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "apply failed")
			span.SetAttributes(attribute.Int("applied", applied))
			b.logger.Warn("Buffer drain stopped", "seq", head.Seq, "kind", head.Kind, "applied", applied, "error", err)
			return applied, fmt.Errorf("apply buffered %s seq %d: %w", head.Kind, head.Seq, err)
		}

		b.mu.Lock()
		// The head may have been evicted while it was being applied
		if len(b.entries) > 0 && b.entries[0].Seq == head.Seq {
			b.popLocked()
			b.deleteFromJournalLocked([]uint64{head.Seq})
		}
		b.stats.Drained++
		b.reportUsageLocked()
		b.mu.Unlock()
		applied++
	}

	span.SetAttributes(attribute.Int("applied", applied))
	if applied > 0 {
		b.logger.Info("Buffer drained", "applied", applied)
	}
	return applied, nil
}

// Len returns the number of buffered entries
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Bytes returns the buffered payload size
func (b *Buffer) Bytes() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bytes
}

// Entries returns a copy of the buffered entries in order
func (b *Buffer) Entries() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Entry(nil), b.entries...)
}

// Stats returns counters
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stats
	s.Entries = len(b.entries)
	s.Bytes = b.bytes
	return s
}

// Close rejects further writes and closes the journal. Buffered entries stay in the journal.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.journal != nil {
		return b.journal.Close()
	}
	return nil
}

func (b *Buffer) fullLocked(incoming int64) bool {
	if len(b.entries) == 0 {
		return false
	}
	return len(b.entries) >= b.cfg.MaxEntries || b.bytes+incoming > b.cfg.MaxBytes
}

func (b *Buffer) expireLocked(now time.Time) {
	if b.cfg.MaxAge <= 0 {
		return
	}
	var expired []uint64
	for len(b.entries) > 0 && now.Sub(b.entries[0].EnqueuedAt) > b.cfg.MaxAge {
		expired = append(expired, b.popLocked().Seq)
	}
	if len(expired) == 0 {
		return
	}
	b.stats.Expired += int64(len(expired))
	b.deleteFromJournalLocked(expired)
	telemetry.GetGlobalMetrics().RecordBufferDropped("expired", int64(len(expired)))
	b.logger.Warn("Buffered writes expired", "count", len(expired), "max_age", b.cfg.MaxAge)
	b.reportUsageLocked()
}

func (b *Buffer) popLocked() Entry {
	head := b.entries[0]
	b.entries[0] = Entry{}
	b.entries = b.entries[1:]
	b.bytes -= head.size()
	return head
}

func (b *Buffer) rejectLocked(reason string) bool {
	b.stats.Rejected++
	telemetry.GetGlobalMetrics().RecordBufferDropped("rejected", 1)
	b.logger.Warn("Buffered write rejected", "reason", reason, "entries", len(b.entries), "bytes", b.bytes)
	report := !b.overflowReported
	b.overflowReported = true
	return report
}

func (b *Buffer) deleteFromJournalLocked(seqs []uint64) {
	if b.journal == nil || len(seqs) == 0 {
		return
	}
	if err := b.journal.Delete(seqs...); err != nil {
		b.logger.Error("Failed to delete entries from journal", "count", len(seqs), "error", err)
	}
}

func (b *Buffer) reportUsageLocked() {
	telemetry.GetGlobalMetrics().SetBufferUsage(int64(len(b.entries)), b.bytes)
}

func (b *Buffer) reportOverflow(ctx context.Context, report bool) {
	if !report || b.publisher == nil {
		return
	}
	stats := b.Stats()
	policy := "reject"
	if b.cfg.DropOldest {
		policy = "drop_oldest"
	}
	e := degradation.NewEvent(degradation.EventBufferOverflow, "db_buffer", degradation.SeverityWarning,
		fmt.Sprintf("database write buffer full (%s)", policy),
		map[string]string{
			degradation.KeyCount: strconv.Itoa(stats.Entries),
			"bytes":              strconv.FormatInt(stats.Bytes, 10),
			"policy":             policy,
		})
	if err := b.publisher.Publish(ctx, e); err != nil {
		b.logger.Warn("Failed to publish buffer overflow", "error", err)
	}
}
