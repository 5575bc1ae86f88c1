package dbbuffer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"tradeguard/internal/degradation"
	apperrors "tradeguard/pkg/errors"
	"tradeguard/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 5, 14, 30, 0, 0, time.UTC)

type eventSink struct {
	mu     sync.Mutex
	events []degradation.SystemEvent
}

func (s *eventSink) Publish(_ context.Context, e degradation.SystemEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *eventSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func payload(i int) []byte {
	return []byte(fmt.Sprintf(`{"i":%d}`, i))
}

func newTestBuffer(t *testing.T, cfg Config) (*Buffer, *degradation.ManualClock, *eventSink) {
	t.Helper()
	clock := degradation.NewManualClock(epoch)
	sink := &eventSink{}
	b, err := New(cfg, nil, clock, sink, logging.NewNopLogger())
	require.NoError(t, err)
	return b, clock, sink
}

func bigConfig() Config {
	return Config{MaxEntries: 1000, MaxBytes: 1 << 20, MaxAge: time.Hour, DropOldest: true}
}

func TestBuffer_DrainIsFIFOAndExactlyOnce(t *testing.T) {
	b, _, _ := newTestBuffer(t, bigConfig())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		ok, err := b.Enqueue(ctx, KindSystemEvent, payload(i))
		require.NoError(t, err)
		require.True(t, ok)
	}

	var seen []string
	n, err := b.Drain(ctx, func(_ context.Context, e Entry) error {
		seen = append(seen, string(e.Payload))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, []string{`{"i":0}`, `{"i":1}`, `{"i":2}`, `{"i":3}`, `{"i":4}`}, seen)
	assert.Equal(t, 0, b.Len())
	assert.Equal(t, int64(0), b.Bytes())

	n, err = b.Drain(ctx, func(context.Context, Entry) error {
		t.Fatal("nothing left to apply")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, int64(5), b.Stats().Drained)
}

func TestBuffer_DrainStopsAtFirstFailure(t *testing.T) {
	b, _, _ := newTestBuffer(t, bigConfig())
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := b.Enqueue(ctx, KindSystemEvent, payload(i))
		require.NoError(t, err)
	}

	applied := map[string]int{}
	failOn := `{"i":2}`
	apply := func(_ context.Context, e Entry) error {
		if string(e.Payload) == failOn {
			return errors.New("database is locked")
		}
		applied[string(e.Payload)]++
		return nil
	}

	n, err := b.Drain(ctx, apply)
	require.Error(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 3, b.Len())
	assert.Equal(t, `{"i":2}`, string(b.Entries()[0].Payload), "failed entry stays at the head")

	failOn = ""
	n, err = b.Drain(ctx, apply)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	for i := 0; i < 5; i++ {
		assert.Equal(t, 1, applied[string(payload(i))])
	}
}

func TestBuffer_DrainRetriesTransientFailures(t *testing.T) {
	cfg := bigConfig()
	cfg.ReplayRetries = 2
	b, _, _ := newTestBuffer(t, cfg)
	ctx := context.Background()
	_, err := b.Enqueue(ctx, KindSystemEvent, payload(1))
	require.NoError(t, err)

	calls := 0
	n, err := b.Drain(ctx, func(context.Context, Entry) error {
		calls++
		if calls < 3 {
			return errors.New("busy")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 3, calls)
}

func TestBuffer_DropOldestWhenFull(t *testing.T) {
	cfg := bigConfig()
	cfg.MaxEntries = 3
	b, _, events := newTestBuffer(t, cfg)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		ok, err := b.Enqueue(ctx, KindSystemEvent, payload(i))
		require.NoError(t, err)
		assert.True(t, ok)
	}

	entries := b.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, uint64(3), entries[0].Seq)
	assert.Equal(t, uint64(5), entries[2].Seq)
	assert.Equal(t, int64(2), b.Stats().Evicted)
	assert.Equal(t, 1, events.count(), "overflow is reported once until the buffer drains")
}

func TestBuffer_RejectWhenFull(t *testing.T) {
	cfg := bigConfig()
	cfg.MaxEntries = 2
	cfg.DropOldest = false
	b, _, _ := newTestBuffer(t, cfg)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := b.Enqueue(ctx, KindSystemEvent, payload(i))
		require.NoError(t, err)
	}
	ok, err := b.Enqueue(ctx, KindSystemEvent, payload(2))
	assert.False(t, ok)
	assert.ErrorIs(t, err, apperrors.ErrBufferFull)
	assert.Equal(t, 2, b.Len())
	assert.Equal(t, int64(1), b.Stats().Rejected)
}

func TestBuffer_ByteLimit(t *testing.T) {
	cfg := bigConfig()
	cfg.MaxBytes = 20
	b, _, _ := newTestBuffer(t, cfg)
	ctx := context.Background()

	// Each payload is 7 bytes
	for i := 0; i < 3; i++ {
		_, err := b.Enqueue(ctx, KindSystemEvent, payload(i))
		require.NoError(t, err)
	}
	assert.Equal(t, 2, b.Len())
	assert.LessOrEqual(t, b.Bytes(), int64(20))

	ok, err := b.Enqueue(ctx, KindSystemEvent, []byte(`{"too":"large for the buffer"}`))
	assert.False(t, ok)
	assert.ErrorIs(t, err, apperrors.ErrBufferFull)
	assert.Equal(t, 2, b.Len(), "oversized entries never evict others")
}

func TestBuffer_AgeExpiry(t *testing.T) {
	cfg := bigConfig()
	cfg.MaxAge = time.Minute
	b, clock, _ := newTestBuffer(t, cfg)
	ctx := context.Background()

	_, err := b.Enqueue(ctx, KindSystemEvent, payload(0))
	require.NoError(t, err)
	clock.Advance(30 * time.Second)
	_, err = b.Enqueue(ctx, KindSystemEvent, payload(1))
	require.NoError(t, err)

	clock.Advance(31 * time.Second)
	var seen []string
	_, err = b.Drain(ctx, func(_ context.Context, e Entry) error {
		seen = append(seen, string(e.Payload))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{`{"i":1}`}, seen)
	assert.Equal(t, int64(1), b.Stats().Expired)
}

func TestBuffer_ConcurrentDrainRejected(t *testing.T) {
	b, _, _ := newTestBuffer(t, bigConfig())
	ctx := context.Background()
	_, err := b.Enqueue(ctx, KindSystemEvent, payload(0))
	require.NoError(t, err)

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := b.Drain(ctx, func(context.Context, Entry) error {
			close(started)
			<-release
			return nil
		})
		done <- err
	}()

	<-started
	_, err = b.Drain(ctx, func(context.Context, Entry) error { return nil })
	assert.ErrorIs(t, err, apperrors.ErrDrainInProgress)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, 0, b.Len())
}

func TestBuffer_Closed(t *testing.T) {
	b, _, _ := newTestBuffer(t, bigConfig())
	require.NoError(t, b.Close())
	_, err := b.Enqueue(context.Background(), KindSystemEvent, payload(0))
	assert.ErrorIs(t, err, apperrors.ErrBufferClosed)
}

func TestBuffer_BoundsHoldUnderRandomLoad(t *testing.T) {
	cfg := Config{MaxEntries: 16, MaxBytes: 200, MaxAge: time.Hour, DropOldest: true}
	b, _, _ := newTestBuffer(t, cfg)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))

	var lastSeq uint64
	for i := 0; i < 500; i++ {
		if rng.Intn(10) == 0 {
			_, err := b.Drain(ctx, func(_ context.Context, e Entry) error {
				assert.Greater(t, e.Seq, lastSeq)
				lastSeq = e.Seq
				return nil
			})
			require.NoError(t, err)
			continue
		}
		_, err := b.Enqueue(ctx, KindSystemEvent, payload(rng.Intn(100000)))
		require.NoError(t, err)
		assert.LessOrEqual(t, b.Len(), cfg.MaxEntries)
		assert.LessOrEqual(t, b.Bytes(), cfg.MaxBytes)
	}
}
