// Package alert fans system events out to human notification channels.
package alert

import (
	"context"
	"sync"
	"time"

	"tradeguard/internal/core"
)

type AlertLevel string

const (
	Info     AlertLevel = "INFO"
	Warning  AlertLevel = "WARNING"
	Error    AlertLevel = "ERROR"
	Critical AlertLevel = "CRITICAL"
)

func (l AlertLevel) rank() int {
	switch l {
	case Warning:
		return 1
	case Error:
		return 2
	case Critical:
		return 3
	default:
		return 0
	}
}

// AtLeast reports whether l is as severe as min
func (l AlertLevel) AtLeast(min AlertLevel) bool {
	return l.rank() >= min.rank()
}

// AlertPayload is one notification. Source and EventID point back at the
// SystemEvent that raised it.
type AlertPayload struct {
	Level     AlertLevel
	Title     string
	Message   string
	Source    string
	EventID   string
	Timestamp time.Time
	Fields    map[string]string
}

type AlertChannel interface {
	Send(ctx context.Context, alert AlertPayload) error
	Name() string
}

type route struct {
	channel  AlertChannel
	minLevel AlertLevel
}

// AlertManager delivers alerts to every channel whose minimum level they meet
type AlertManager struct {
	logger  core.ILogger
	timeout time.Duration

	mu       sync.RWMutex
	routes   []route
	inflight sync.WaitGroup
}

func NewAlertManager(logger core.ILogger) *AlertManager {
	return &AlertManager{
		logger:  logger.WithField("component", "alert_manager"),
		timeout: 10 * time.Second,
	}
}

// AddChannel routes alerts at or above minLevel to ch
func (am *AlertManager) AddChannel(ch AlertChannel, minLevel AlertLevel) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.routes = append(am.routes, route{channel: ch, minLevel: minLevel})
	am.logger.Info("Added alert channel", "name", ch.Name(), "min_level", minLevel)
}

// Channels returns the configured channel names
func (am *AlertManager) Channels() []string {
	am.mu.RLock()
	defer am.mu.RUnlock()
	names := make([]string, 0, len(am.routes))
	for _, r := range am.routes {
		names = append(names, r.channel.Name())
	}
	return names
}

// Notify sends p in the background and never blocks the caller. Delivery is
// detached from ctx's cancellation so a finished request does not abort it.
func (am *AlertManager) Notify(ctx context.Context, p AlertPayload) {
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now().UTC()
	}
	am.logger.Info("Raising alert", "title", p.Title, "level", p.Level, "source", p.Source, "event_id", p.EventID)

	base := context.WithoutCancel(ctx)

	am.mu.RLock()
	defer am.mu.RUnlock()
	for _, r := range am.routes {
		if !p.Level.AtLeast(r.minLevel) {
			continue
		}
		am.inflight.Add(1)
		go func(ch AlertChannel) {
			defer am.inflight.Done()
			sendCtx, cancel := context.WithTimeout(base, am.timeout)
			defer cancel()
			if err := ch.Send(sendCtx, p); err != nil {
				am.logger.Error("Failed to send alert", "channel", ch.Name(), "event_id", p.EventID, "error", err)
			}
		}(r.channel)
	}
}

// Flush waits for in-flight sends
func (am *AlertManager) Flush() {
	am.inflight.Wait()
}
