package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"tradeguard/internal/core"
	"tradeguard/internal/outbox"
	"tradeguard/internal/trading/order"
	apperrors "tradeguard/pkg/errors"
)

// MemoryStore implements the same contracts as SQLiteStore in memory
type MemoryStore struct {
	mu sync.RWMutex

	closes    map[string]*order.CloseRequest
	closeKeys map[string]string

	events    map[int64]*outbox.Event
	eventKeys map[string]int64
	nextID    int64

	positions map[string]map[string]core.Position
	accounts  map[string]core.Account
	records   map[string]Record

	// failWith, when set, is returned by every call; used to simulate an outage
	failWith error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		closes:    make(map[string]*order.CloseRequest),
		closeKeys: make(map[string]string),
		events:    make(map[int64]*outbox.Event),
		eventKeys: make(map[string]int64),
		positions: make(map[string]map[string]core.Position),
		accounts:  make(map[string]core.Account),
		records:   make(map[string]Record),
	}
}

// SetFailure makes every subsequent call fail with err until cleared with nil
func (s *MemoryStore) SetFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWith = err
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failWith
}

func (s *MemoryStore) Close() error {
	return nil
}

func eventKey(eventType, key string) string {
	return eventType + "\x00" + key
}

func cloneEvent(e *outbox.Event) *outbox.Event {
	c := *e
	c.Payload = append([]byte(nil), e.Payload...)
	if e.ClaimedAt != nil {
		t := *e.ClaimedAt
		c.ClaimedAt = &t
	}
	if e.ProcessedAt != nil {
		t := *e.ProcessedAt
		c.ProcessedAt = &t
	}
	return &c
}

// ---- close requests ----

func (s *MemoryStore) CreateCloseRequest(ctx context.Context, req *order.CloseRequest) (*order.CloseRequest, bool, error) {
	event, err := outbox.NewEvent(order.EventCloseSubmit, order.SubmitPayload{
		CloseRequestID: req.ID,
		IdempotencyKey: req.IdempotencyKey,
	}, req.CreatedAt)
	if err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, false, s.failWith
	}
	if id, ok := s.closeKeys[req.IdempotencyKey]; ok {
		return s.closes[id].Clone(), false, nil
	}
	s.closes[req.ID] = req.Clone()
	s.closeKeys[req.IdempotencyKey] = req.ID
	s.insertEventLocked(event)
	return req.Clone(), true, nil
}

func (s *MemoryStore) GetCloseRequest(ctx context.Context, id string) (*order.CloseRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	req, ok := s.closes[id]
	if !ok {
		return nil, fmt.Errorf("%w: close request %s", apperrors.ErrNotFound, id)
	}
	return req.Clone(), nil
}

func (s *MemoryStore) GetCloseRequestByKey(ctx context.Context, key string) (*order.CloseRequest, error) {
	s.mu.RLock()
	id, ok := s.closeKeys[key]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: idempotency key %s", apperrors.ErrNotFound, key)
	}
	return s.GetCloseRequest(ctx, id)
}

func (s *MemoryStore) ListCloseRequests(ctx context.Context, status order.CloseStatus, limit int) ([]*order.CloseRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	var out []*order.CloseRequest
	for _, req := range s.closes {
		if status == "" || req.Status == status {
			out = append(out, req.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) UpdateCloseRequest(ctx context.Context, req *order.CloseRequest, expected order.CloseStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	return s.updateCloseLocked(req, expected)
}

func (s *MemoryStore) updateCloseLocked(req *order.CloseRequest, expected order.CloseStatus) error {
	cur, ok := s.closes[req.ID]
	if !ok {
		return fmt.Errorf("%w: close request %s", apperrors.ErrNotFound, req.ID)
	}
	if cur.Status != expected {
		return fmt.Errorf("%w: close request %s is %s, expected %s", apperrors.ErrInvalidTransition, req.ID, cur.Status, expected)
	}
	s.closes[req.ID] = req.Clone()
	return nil
}

// ---- outbox ----

func (s *MemoryStore) insertEventLocked(e *outbox.Event) bool {
	k := eventKey(e.EventType, e.IdempotencyKey)
	if _, ok := s.eventKeys[k]; ok {
		return false
	}
	s.nextID++
	e.ID = s.nextID
	if e.Status == "" {
		e.Status = outbox.StatusPending
	}
	s.events[e.ID] = cloneEvent(e)
	s.eventKeys[k] = e.ID
	return true
}

func (s *MemoryStore) Enqueue(ctx context.Context, e *outbox.Event) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return false, s.failWith
	}
	return s.insertEventLocked(e), nil
}

func (s *MemoryStore) Claim(ctx context.Context, workerID string, now, staleBefore time.Time, limit int) ([]*outbox.Event, error) {
	if limit <= 0 {
		limit = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}

	var due []*outbox.Event
	for _, e := range s.events {
		switch {
		case e.Status == outbox.StatusPending && !e.NextAttemptAt.After(now):
			due = append(due, e)
		case e.Status == outbox.StatusProcessing && e.ClaimedAt != nil && !staleBefore.IsZero() && e.ClaimedAt.Before(staleBefore):
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextAttemptAt.Equal(due[j].NextAttemptAt) {
			return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
		}
		return due[i].ID < due[j].ID
	})
	if len(due) > limit {
		due = due[:limit]
	}

	out := make([]*outbox.Event, 0, len(due))
	for _, e := range due {
		claimedAt := now
		e.Status = outbox.StatusProcessing
		e.ClaimedBy = workerID
		e.ClaimedAt = &claimedAt
		out = append(out, cloneEvent(e))
	}
	return out, nil
}

func (s *MemoryStore) Settle(ctx context.Context, id int64, workerID string, st outbox.Settlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	e, ok := s.events[id]
	if !ok {
		return fmt.Errorf("%w: outbox event %d", apperrors.ErrNotFound, id)
	}
	if e.Status != outbox.StatusProcessing || e.ClaimedBy != workerID {
		return fmt.Errorf("%w: event %d is %s held by %q", apperrors.ErrClaimLost, id, e.Status, e.ClaimedBy)
	}

	// Validate everything before mutating so a failure leaves no partial write
	if st.Close != nil {
		cur, ok := s.closes[st.Close.ID]
		if !ok {
			return fmt.Errorf("%w: close request %s", apperrors.ErrNotFound, st.Close.ID)
		}
		if cur.Status != st.CloseFrom {
			return fmt.Errorf("%w: close request %s is %s, expected %s", apperrors.ErrInvalidTransition, cur.ID, cur.Status, st.CloseFrom)
		}
		s.closes[st.Close.ID] = st.Close.Clone()
	}
	if st.Fill != nil {
		s.applyFillLocked(st.Fill, settledAt(st))
	}

	e.Status = st.Status
	e.RetryCount = st.RetryCount
	e.LastError = st.LastError
	e.NextAttemptAt = st.NextAttemptAt
	if e.NextAttemptAt.IsZero() {
		e.NextAttemptAt = st.ProcessedAt
	}
	e.ProcessedAt = nil
	if !st.ProcessedAt.IsZero() {
		t := st.ProcessedAt
		e.ProcessedAt = &t
	}
	e.ClaimedBy = ""
	e.ClaimedAt = nil
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id int64) (*outbox.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	e, ok := s.events[id]
	if !ok {
		return nil, fmt.Errorf("%w: outbox event %d", apperrors.ErrNotFound, id)
	}
	return cloneEvent(e), nil
}

func (s *MemoryStore) List(ctx context.Context, status outbox.Status, limit int) ([]*outbox.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	var out []*outbox.Event
	for _, e := range s.events {
		if status == "" || e.Status == status {
			out = append(out, cloneEvent(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Requeue(ctx context.Context, id int64, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	e, ok := s.events[id]
	if !ok {
		return fmt.Errorf("%w: outbox event %d", apperrors.ErrNotFound, id)
	}
	if e.Status != outbox.StatusFailed {
		return fmt.Errorf("%w: outbox event %d is %s", apperrors.ErrInvalidTransition, id, e.Status)
	}
	e.Status = outbox.StatusPending
	e.RetryCount = 0
	e.LastError = ""
	e.NextAttemptAt = now
	e.ProcessedAt = nil
	return nil
}

func (s *MemoryStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return 0, s.failWith
	}
	var n int64
	for id, e := range s.events {
		if e.Status.IsTerminal() && e.ProcessedAt != nil && e.ProcessedAt.Before(cutoff) {
			delete(s.events, id)
			delete(s.eventKeys, eventKey(e.EventType, e.IdempotencyKey))
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Stats(ctx context.Context) (outbox.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var stats outbox.Stats
	if s.failWith != nil {
		return stats, s.failWith
	}
	for _, e := range s.events {
		switch e.Status {
		case outbox.StatusPending:
			stats.Pending++
			if stats.OldestPending == nil || e.CreatedAt.Before(*stats.OldestPending) {
				t := e.CreatedAt
				stats.OldestPending = &t
			}
		case outbox.StatusProcessing:
			stats.Processing++
		case outbox.StatusCompleted:
			stats.Completed++
		case outbox.StatusFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

// ---- ledger ----

func (s *MemoryStore) applyFillLocked(f *core.Fill, now time.Time) {
	pos, ok := s.positions[f.AccountID][f.Symbol]
	if !ok {
		pos = core.Position{AccountID: f.AccountID, Symbol: f.Symbol, AssetType: f.AssetType}
	}
	cashDelta := pos.ApplyFill(f.Side, f.Quantity, f.Price)
	pos.UpdatedAt = now
	s.savePositionLocked(pos)

	acct := s.accounts[f.AccountID]
	acct.AccountID = f.AccountID
	acct.Cash = acct.Cash.Add(cashDelta)
	acct.UpdatedAt = now
	s.accounts[f.AccountID] = acct
}

func (s *MemoryStore) savePositionLocked(p core.Position) {
	if p.Quantity.IsZero() {
		delete(s.positions[p.AccountID], p.Symbol)
		return
	}
	if s.positions[p.AccountID] == nil {
		s.positions[p.AccountID] = make(map[string]core.Position)
	}
	s.positions[p.AccountID][p.Symbol] = p
}

func (s *MemoryStore) SavePosition(ctx context.Context, p core.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	s.savePositionLocked(p)
	return nil
}

func (s *MemoryStore) SaveAccount(ctx context.Context, a core.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = time.Now().UTC()
	}
	s.accounts[a.AccountID] = a
	return nil
}

func (s *MemoryStore) GetPositions(ctx context.Context, accountID string) ([]core.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	out := make([]core.Position, 0, len(s.positions[accountID]))
	for _, p := range s.positions[accountID] {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (s *MemoryStore) GetAccount(ctx context.Context, accountID string) (*core.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	a, ok := s.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("%w: account %s", apperrors.ErrNotFound, accountID)
	}
	return &a, nil
}

// ---- audit records ----

func (s *MemoryStore) WriteRecord(ctx context.Context, id, kind string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	if _, ok := s.records[id]; ok {
		return nil
	}
	s.records[id] = Record{ID: id, Kind: kind, Payload: append([]byte(nil), payload...), CreatedAt: time.Now().UTC()}
	return nil
}

func (s *MemoryStore) ListRecords(ctx context.Context, kind string, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	var out []Record
	for _, r := range s.records {
		if kind == "" || r.Kind == kind {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
