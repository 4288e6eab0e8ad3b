package handlers

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryDomain is an in-memory Domain used by tests and by single-process
// deployments that have not provisioned a database for domain tables.
type MemoryDomain struct {
	mu          sync.Mutex
	leads       map[string]*Lead
	inspections map[string]*Inspection
	quotes      map[string]*Quote
	comms       []*CommEntry
	tasks       map[string]*Task
	now         func() time.Time
}

// NewMemoryDomain returns an empty in-memory domain store.
func NewMemoryDomain() *MemoryDomain {
	return &MemoryDomain{
		leads:       make(map[string]*Lead),
		inspections: make(map[string]*Inspection),
		quotes:      make(map[string]*Quote),
		tasks:       make(map[string]*Task),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the clock for tests.
func (m *MemoryDomain) WithClock(now func() time.Time) *MemoryDomain {
	m.now = now
	return m
}

func (m *MemoryDomain) CreateLead(ctx context.Context, lead *Lead) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts := m.now()
	lead.CreatedAt, lead.UpdatedAt = ts, ts
	cp := *lead
	m.leads[lead.ID] = &cp
	return nil
}

func (m *MemoryDomain) LeadByID(ctx context.Context, id string) (*Lead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lead, ok := m.leads[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *lead
	return &cp, nil
}

func (m *MemoryDomain) UpdateLeadStatus(ctx context.Context, id, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	lead, ok := m.leads[id]
	if !ok {
		return ErrNotFound
	}
	lead.Status = status
	lead.UpdatedAt = m.now()
	return nil
}

func (m *MemoryDomain) SearchLeads(ctx context.Context, q LeadQuery) ([]*Lead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Lead
	for _, lead := range m.leads {
		if q.Status != "" && lead.Status != q.Status {
			continue
		}
		if q.Suburb != "" && !strings.EqualFold(lead.Suburb, q.Suburb) {
			continue
		}
		if q.Text != "" {
			needle := strings.ToLower(q.Text)
			if !strings.Contains(strings.ToLower(lead.Name), needle) &&
				!strings.Contains(lead.Phone, q.Text) {
				continue
			}
		}
		cp := *lead
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *MemoryDomain) CreateInspection(ctx context.Context, ins *Inspection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts := m.now()
	ins.CreatedAt, ins.UpdatedAt = ts, ts
	cp := *ins
	m.inspections[ins.ID] = &cp
	return nil
}

func (m *MemoryDomain) InspectionByID(ctx context.Context, id string) (*Inspection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ins, ok := m.inspections[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *ins
	return &cp, nil
}

func (m *MemoryDomain) CompleteInspection(ctx context.Context, id, notes string, measurements map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ins, ok := m.inspections[id]
	if !ok {
		return ErrNotFound
	}
	ins.Status = "completed"
	ins.Notes = notes
	ins.Measurements = measurements
	ins.UpdatedAt = m.now()
	return nil
}

func (m *MemoryDomain) CreateQuote(ctx context.Context, q *Quote) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts := m.now()
	q.CreatedAt, q.UpdatedAt = ts, ts
	cp := *q
	cp.Items = append([]QuoteItem(nil), q.Items...)
	m.quotes[q.ID] = &cp
	return nil
}

func (m *MemoryDomain) QuoteByID(ctx context.Context, id string) (*Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.quotes[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *q
	cp.Items = append([]QuoteItem(nil), q.Items...)
	return &cp, nil
}

func (m *MemoryDomain) MarkQuoteSent(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.quotes[id]
	if !ok {
		return ErrNotFound
	}
	q.Status = "sent"
	q.UpdatedAt = m.now()
	return nil
}

func (m *MemoryDomain) LogComm(ctx context.Context, entry *CommEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry.CreatedAt = m.now()
	cp := *entry
	m.comms = append(m.comms, &cp)
	return nil
}

func (m *MemoryDomain) CreateTask(ctx context.Context, task *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts := m.now()
	task.CreatedAt, task.UpdatedAt = ts, ts
	cp := *task
	m.tasks[task.ID] = &cp
	return nil
}

func (m *MemoryDomain) CompleteTask(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	task.Status = "done"
	task.UpdatedAt = m.now()
	return nil
}

func (m *MemoryDomain) ListTasks(ctx context.Context, q TaskQuery) ([]*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Task
	for _, task := range m.tasks {
		if q.Status != "" && task.Status != q.Status {
			continue
		}
		if q.Domain != "" && task.Domain != q.Domain {
			continue
		}
		cp := *task
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}
