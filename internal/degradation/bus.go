package degradation

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"tradeguard/internal/config"
	"tradeguard/internal/core"
	apperrors "tradeguard/pkg/errors"
	"tradeguard/pkg/telemetry"
)

// EventHandler consumes events for one subscriber. Calls are sequential per subscriber.
type EventHandler func(ctx context.Context, e SystemEvent)

// BusConfig sizes the bus
type BusConfig struct {
	QueueSize      int
	ReservedSlots  int
	DropOnFull     bool
	PublishTimeout time.Duration
}

// BusConfigFrom converts the configured event_bus section
func BusConfigFrom(c config.EventBusConfig) BusConfig {
	return BusConfig{
		QueueSize:      c.QueueSize,
		ReservedSlots:  c.ReservedSlots,
		DropOnFull:     c.DropOnFull,
		PublishTimeout: c.PublishTimeout(),
	}
}

// BusStats are cumulative counters
type BusStats struct {
	Published int64 `json:"published"`
	Dropped   int64 `json:"dropped"`
	Delivered int64 `json:"delivered"`
	Queued    int   `json:"queued"`
}

type queuedEvent struct {
	event    SystemEvent
	ordinary bool
}

type subscriber struct {
	name    string
	types   map[EventType]struct{}
	handler EventHandler
	mailbox chan SystemEvent
}

func (s *subscriber) wants(t EventType) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// EventBus is a bounded in-process pub/sub for SystemEvents. Part of the queue is
// reserved for must-deliver events; ordinary events are dropped (or wait up to
// the publish timeout) when their share is exhausted. Each subscriber receives
// events in publish order through its own mailbox.
type EventBus struct {
	cfg    BusConfig
	logger core.ILogger

	queue chan queuedEvent
	slots chan struct{}

	mu          sync.RWMutex
	subscribers []*subscriber

	ctx       context.Context
	cancel    context.CancelFunc
	stopping  chan struct{}
	subStop   chan struct{}
	dispWG    sync.WaitGroup
	subWG     sync.WaitGroup
	started   atomic.Bool
	closed    atomic.Bool
	stopOnce  sync.Once
	published atomic.Int64
	dropped   atomic.Int64
	delivered atomic.Int64
}

// NewEventBus creates a bus. Call Start to begin dispatching.
func NewEventBus(cfg BusConfig, logger core.ILogger) *EventBus {
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	if cfg.ReservedSlots < 0 || cfg.ReservedSlots >= cfg.QueueSize {
		cfg.ReservedSlots = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &EventBus{
		cfg:      cfg,
		logger:   logger.WithField("component", "event_bus"),
		queue:    make(chan queuedEvent, cfg.QueueSize),
		slots:    make(chan struct{}, cfg.QueueSize-cfg.ReservedSlots),
		ctx:      ctx,
		cancel:   cancel,
		stopping: make(chan struct{}),
		subStop:  make(chan struct{}),
	}
}

// Subscribe registers handler for the given types (all types when none are given)
func (b *EventBus) Subscribe(name string, handler EventHandler, types ...EventType) {
	sub := &subscriber{
		name:    name,
		types:   make(map[EventType]struct{}, len(types)),
		handler: handler,
		mailbox: make(chan SystemEvent, b.cfg.QueueSize),
	}
	for _, t := range types {
		sub.types[t] = struct{}{}
	}

	b.mu.Lock()
	b.subscribers = append(b.subscribers, sub)
	b.mu.Unlock()

	b.subWG.Add(1)
	go b.runSubscriber(sub)
}

// Start launches the dispatcher
func (b *EventBus) Start(ctx context.Context) error {
	if !b.started.CompareAndSwap(false, true) {
		return nil
	}
	b.dispWG.Add(1)
	go b.dispatchLoop()
	b.logger.Info("Event bus started", "queue_size", b.cfg.QueueSize, "reserved", b.cfg.ReservedSlots)
	return nil
}

// Stop delivers what is already queued, then stops all goroutines
func (b *EventBus) Stop() error {
	b.stopOnce.Do(func() {
		b.closed.Store(true)
		close(b.stopping)
		if !b.started.Load() {
			b.drainQueue()
		}
		b.dispWG.Wait()
		close(b.subStop)
		b.subWG.Wait()
		b.cancel()
		b.logger.Info("Event bus stopped", "published", b.published.Load(), "dropped", b.dropped.Load())
	})
	return nil
}

// Publish enqueues an event. Must-deliver events block until queued or ctx is done.
func (b *EventBus) Publish(ctx context.Context, e SystemEvent) error {
	if b.closed.Load() {
		return apperrors.ErrBusClosed
	}
	e = e.clone()
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	if e.MustDeliver() {
		select {
		case b.queue <- queuedEvent{event: e}:
			b.accepted(e)
			return nil
		case <-ctx.Done():
			b.drop(e, "context done")
			return fmt.Errorf("publish %s: %w", e.Type, ctx.Err())
		}
	}

	if err := b.acquireSlot(ctx); err != nil {
		b.drop(e, err.Error())
		return err
	}
	select {
	case b.queue <- queuedEvent{event: e, ordinary: true}:
		b.accepted(e)
		return nil
	case <-ctx.Done():
		<-b.slots
		b.drop(e, "context done")
		return fmt.Errorf("publish %s: %w", e.Type, ctx.Err())
	}
}

func (b *EventBus) acquireSlot(ctx context.Context) error {
	select {
	case b.slots <- struct{}{}:
		return nil
	default:
	}
	if b.cfg.DropOnFull || b.cfg.PublishTimeout <= 0 {
		return apperrors.ErrQueueFull
	}

	timer := time.NewTimer(b.cfg.PublishTimeout)
	defer timer.Stop()
	select {
	case b.slots <- struct{}{}:
		return nil
	case <-timer.C:
		return apperrors.ErrQueueFull
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *EventBus) accepted(e SystemEvent) {
	b.published.Add(1)
	telemetry.GetGlobalMetrics().RecordBusPublished(string(e.Type))
}

func (b *EventBus) drop(e SystemEvent, reason string) {
	b.dropped.Add(1)
	telemetry.GetGlobalMetrics().RecordBusDropped(string(e.Type))
	b.logger.Warn("Event dropped", "type", e.Type, "id", e.ID, "reason", reason)
}

// Stats returns cumulative counters
func (b *EventBus) Stats() BusStats {
	return BusStats{
		Published: b.published.Load(),
		Dropped:   b.dropped.Load(),
		Delivered: b.delivered.Load(),
		Queued:    len(b.queue),
	}
}

func (b *EventBus) dispatchLoop() {
	defer b.dispWG.Done()
	for {
		select {
		case <-b.stopping:
			b.drainQueue()
			return
		case qe := <-b.queue:
			b.dispatch(qe)
		}
	}
}

func (b *EventBus) drainQueue() {
	for {
		select {
		case qe := <-b.queue:
			b.dispatch(qe)
		default:
			return
		}
	}
}

func (b *EventBus) dispatch(qe queuedEvent) {
	if qe.ordinary {
		<-b.slots
	}

	b.mu.RLock()
	subs := b.subscribers
	b.mu.RUnlock()

	for _, sub := range subs {
		if !sub.wants(qe.event.Type) {
			continue
		}
		// Each subscriber gets its own payload map. Blocks when a subscriber
		// lags; the queue absorbs the backpressure.
		sub.mailbox <- qe.event.clone()
	}
}

func (b *EventBus) runSubscriber(sub *subscriber) {
	defer b.subWG.Done()
	for {
		select {
		case e := <-sub.mailbox:
			b.deliver(sub, e)
		case <-b.subStop:
			for {
				select {
				case e := <-sub.mailbox:
					b.deliver(sub, e)
				default:
					return
				}
			}
		}
	}
}

func (b *EventBus) deliver(sub *subscriber, e SystemEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event handler panicked", "subscriber", sub.name, "type", e.Type, "panic", r)
		}
	}()
	sub.handler(b.ctx, e)
	b.delivered.Add(1)
}
