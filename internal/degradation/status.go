package degradation

import (
	"sort"
	"sync"
	"time"

	"tradeguard/pkg/telemetry"
)

// ComponentStatus is the last reported health of a component
type ComponentStatus struct {
	Component Component     `json:"component"`
	Status    Status        `json:"-"`
	StatusStr string        `json:"status"`
	Reason    string        `json:"reason,omitempty"`
	UpdatedAt time.Time     `json:"updated_at"`
	TTL       time.Duration `json:"ttl"`
}

// StatusListener is notified when a component's effective status changes
type StatusListener func(cs ComponentStatus, previous Status)

type trackedStatus struct {
	reported  Status
	reason    string
	updatedAt time.Time
	ttl       time.Duration
	effective Status
}

// StatusTracker holds per-component health with TTL expiry
type StatusTracker struct {
	clock              Clock
	defaultTTL         time.Duration
	unknownOnTTLExpiry bool

	mu         sync.RWMutex
	components map[Component]*trackedStatus
	listeners  []StatusListener
}

// NewStatusTracker creates an empty tracker
func NewStatusTracker(defaultTTL time.Duration, unknownOnTTLExpiry bool, clock Clock) *StatusTracker {
	if clock == nil {
		clock = RealClock()
	}
	return &StatusTracker{
		clock:              clock,
		defaultTTL:         defaultTTL,
		unknownOnTTLExpiry: unknownOnTTLExpiry,
		components:         make(map[Component]*trackedStatus),
	}
}

// OnChange registers a listener for effective status changes
func (t *StatusTracker) OnChange(l StatusListener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, l)
}

// Register declares a component. ttl < 0 uses the default TTL, ttl == 0 never expires.
func (t *StatusTracker) Register(c Component, ttl time.Duration, initial Status) {
	if ttl < 0 {
		ttl = t.defaultTTL
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.components[c] = &trackedStatus{
		reported:  initial,
		updatedAt: t.clock.Now(),
		ttl:       ttl,
		effective: initial,
	}
	telemetry.GetGlobalMetrics().SetComponentStatus(string(c), int64(initial))
}

// Update reports a component's status and refreshes its TTL
func (t *StatusTracker) Update(c Component, status Status, reason string) {
	now := t.clock.Now()

	t.mu.Lock()
	ts, ok := t.components[c]
	if !ok {
		ts = &trackedStatus{ttl: t.defaultTTL, effective: StatusUnknown}
		t.components[c] = ts
	}
	previous := ts.effective
	ts.reported = status
	ts.reason = reason
	ts.updatedAt = now
	ts.effective = status

	var notify []StatusListener
	if previous != status {
		notify = append(notify, t.listeners...)
	}
	cs := t.snapshotLocked(c, ts)
	t.mu.Unlock()

	if previous != status {
		telemetry.GetGlobalMetrics().SetComponentStatus(string(c), int64(status))
	}
	for _, l := range notify {
		l(cs, previous)
	}
}

// Get returns the effective status of a component. Unregistered components are UNKNOWN.
func (t *StatusTracker) Get(c Component) ComponentStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ts, ok := t.components[c]
	if !ok {
		return ComponentStatus{Component: c, Status: StatusUnknown, StatusStr: StatusUnknown.String()}
	}
	cs := t.snapshotLocked(c, ts)
	cs.Status = t.effectiveLocked(ts, t.clock.Now())
	cs.StatusStr = cs.Status.String()
	return cs
}

// Snapshot returns all components sorted by name
func (t *StatusTracker) Snapshot() []ComponentStatus {
	t.mu.RLock()
	now := t.clock.Now()
	out := make([]ComponentStatus, 0, len(t.components))
	for c, ts := range t.components {
		cs := t.snapshotLocked(c, ts)
		cs.Status = t.effectiveLocked(ts, now)
		cs.StatusStr = cs.Status.String()
		out = append(out, cs)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Component < out[j].Component })
	return out
}

// Sweep applies TTL expiry and notifies listeners of components that became UNKNOWN
func (t *StatusTracker) Sweep() {
	now := t.clock.Now()

	type change struct {
		cs       ComponentStatus
		previous Status
	}
	var changes []change

	t.mu.Lock()
	for c, ts := range t.components {
		eff := t.effectiveLocked(ts, now)
		if eff == ts.effective {
			continue
		}
		previous := ts.effective
		ts.effective = eff
		cs := t.snapshotLocked(c, ts)
		cs.Reason = "status ttl expired"
		changes = append(changes, change{cs: cs, previous: previous})
	}
	listeners := append([]StatusListener(nil), t.listeners...)
	t.mu.Unlock()

	for _, ch := range changes {
		telemetry.GetGlobalMetrics().SetComponentStatus(string(ch.cs.Component), int64(ch.cs.Status))
		for _, l := range listeners {
			l(ch.cs, ch.previous)
		}
	}
}

func (t *StatusTracker) effectiveLocked(ts *trackedStatus, now time.Time) Status {
	if t.unknownOnTTLExpiry && ts.ttl > 0 && now.Sub(ts.updatedAt) > ts.ttl {
		return StatusUnknown
	}
	return ts.reported
}

func (t *StatusTracker) snapshotLocked(c Component, ts *trackedStatus) ComponentStatus {
	return ComponentStatus{
		Component: c,
		Status:    ts.effective,
		StatusStr: ts.effective.String(),
		Reason:    ts.reason,
		UpdatedAt: ts.updatedAt,
		TTL:       ts.ttl,
	}
}
