package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fieldops-hq/fieldops/pkg/contracts"
)

// MemoryStore is an in-memory Store for tests and single-process setups.
// Claim atomicity follows from the mutex.
type MemoryStore struct {
	mu       sync.Mutex
	calls    map[string]*contracts.Call
	order    []string // insertion order, FIFO claim
	receipts map[string]*contracts.Receipt // keyed by call id
	runs     map[string]*contracts.Run
	now      func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		calls:    make(map[string]*contracts.Call),
		receipts: make(map[string]*contracts.Receipt),
		runs:     make(map[string]*contracts.Run),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock injects a deterministic clock for tests.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

func (s *MemoryStore) InsertCall(ctx context.Context, call *contracts.Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if call.ID == "" {
		call.ID = uuid.NewString()
	}
	now := s.now()
	call.Status = contracts.CallQueued
	call.CreatedAt = now
	call.UpdatedAt = now

	s.calls[call.ID] = cloneCall(call)
	s.order = append(s.order, call.ID)
	return nil
}

func (s *MemoryStore) GetCall(ctx context.Context, id string) (*contracts.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneCall(c), nil
}

func (s *MemoryStore) ClaimNextCall(ctx context.Context, workerID string) (*contracts.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.order {
		c := s.calls[id]
		if c.Status != contracts.CallQueued {
			continue
		}
		now := s.now()
		c.Status = contracts.CallClaimed
		c.WorkerID = workerID
		c.ClaimedAt = &now
		c.UpdatedAt = now
		return cloneCall(c), nil
	}
	return nil, ErrEmptyQueue
}

func (s *MemoryStore) MarkCallRunning(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[id]
	if !ok {
		return ErrNotFound
	}
	if c.Status.Terminal() {
		return ErrTerminal
	}
	c.Status = contracts.CallRunning
	c.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) CompleteCall(ctx context.Context, id string, status contracts.CallStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[id]
	if !ok {
		return ErrNotFound
	}
	if c.Status.Terminal() {
		return ErrTerminal
	}
	c.Status = status
	c.Error = errMsg
	c.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) StaleCalls(ctx context.Context, cutoff time.Time, limit int) ([]*contracts.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*contracts.Call
	for _, id := range s.order {
		c := s.calls[id]
		if c.Status != contracts.CallClaimed && c.Status != contracts.CallRunning {
			continue
		}
		if c.UpdatedAt.Before(cutoff) {
			out = append(out, cloneCall(c))
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) RequeueCall(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[id]
	if !ok {
		return ErrNotFound
	}
	if c.Status.Terminal() {
		return ErrTerminal
	}
	c.Status = contracts.CallQueued
	c.WorkerID = ""
	c.ClaimedAt = nil
	c.RequeueCount++
	c.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) NonTerminalCallsWithReceipts(ctx context.Context, limit int) ([]*contracts.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*contracts.Call
	for _, id := range s.order {
		c := s.calls[id]
		if c.Status.Terminal() {
			continue
		}
		if _, ok := s.receipts[c.ID]; ok {
			out = append(out, cloneCall(c))
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) TerminalCallsWithoutReceipts(ctx context.Context, limit int) ([]*contracts.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*contracts.Call
	for _, id := range s.order {
		c := s.calls[id]
		if !c.Status.Terminal() {
			continue
		}
		if _, ok := s.receipts[c.ID]; !ok {
			out = append(out, cloneCall(c))
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) WriteReceipt(ctx context.Context, r *contracts.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.receipts[r.CallID]; exists {
		return ErrDuplicateReceipt
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	s.receipts[r.CallID] = cloneReceipt(r)
	return nil
}

func (s *MemoryStore) ReceiptByCallID(ctx context.Context, callID string) (*contracts.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.receipts[callID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneReceipt(r), nil
}

func (s *MemoryStore) ReceiptByKey(ctx context.Context, toolName, keyField, keyValue string) (*contracts.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *contracts.Receipt
	for _, r := range s.receipts {
		if r.ToolName != toolName || r.Status != contracts.CallSucceeded {
			continue
		}
		if r.Effects.Idempotency.KeyField != keyField || r.Effects.Idempotency.KeyValue != keyValue {
			continue
		}
		if best == nil || r.CreatedAt.After(best.CreatedAt) {
			best = r
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return cloneReceipt(best), nil
}

func (s *MemoryStore) RecentReceipts(ctx context.Context, f RecentFilter) ([]*contracts.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*contracts.Receipt
	for _, r := range s.receipts {
		if f.ToolName != "" && r.ToolName != f.ToolName {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		out = append(out, cloneReceipt(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) ReceiptsSince(ctx context.Context, since time.Time, limit int) ([]*contracts.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*contracts.Receipt
	for _, r := range s.receipts {
		if r.CreatedAt.After(since) {
			out = append(out, cloneReceipt(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) InsertRun(ctx context.Context, run *contracts.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	now := s.now()
	run.CreatedAt = now
	run.UpdatedAt = now
	s.runs[run.ID] = cloneRun(run)
	return nil
}

func (s *MemoryStore) UpdateRun(ctx context.Context, run *contracts.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; !ok {
		return ErrNotFound
	}
	run.UpdatedAt = s.now()
	s.runs[run.ID] = cloneRun(run)
	return nil
}

func (s *MemoryStore) GetRun(ctx context.Context, id string) (*contracts.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRun(r), nil
}

// Clones go through JSON so callers never share the store's inner maps.
func cloneCall(c *contracts.Call) *contracts.Call       { return cloneVia(c, &contracts.Call{}) }
func cloneReceipt(r *contracts.Receipt) *contracts.Receipt {
	return cloneVia(r, &contracts.Receipt{})
}
func cloneRun(r *contracts.Run) *contracts.Run { return cloneVia(r, &contracts.Run{}) }

func cloneVia[T any](src *T, dst *T) *T {
	raw, err := json.Marshal(src)
	if err != nil {
		copied := *src
		return &copied
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		copied := *src
		return &copied
	}
	return dst
}
