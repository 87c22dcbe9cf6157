package workflow

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// AuditEvent records the outcome of one workflow step.
type AuditEvent struct {
	RunID      string    `json:"run_id"`
	Skillset   string    `json:"skillset"`
	Skill      string    `json:"skill"`
	Step       Step      `json:"step"`
	Status     string    `json:"status"`
	Output     any       `json:"output,omitempty"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// AuditStore persists workflow audit events.
type AuditStore interface {
	Record(ctx context.Context, event AuditEvent) error
	List(ctx context.Context, filter AuditFilter) ([]AuditEvent, error)
}

// AuditFilter limits audit event queries.
type AuditFilter struct {
	RunID  string
	Skill  string
	Step   Step
	Status string
	Limit  int
}

func (f AuditFilter) match(ev AuditEvent) bool {
	if f.RunID != "" && ev.RunID != f.RunID {
		return false
	}
	if f.Skill != "" && ev.Skill != f.Skill {
		return false
	}
	if f.Step != "" && ev.Step != f.Step {
		return false
	}
	if f.Status != "" && ev.Status != f.Status {
		return false
	}
	return true
}

// MemoryAuditStore keeps audit events in memory.
type MemoryAuditStore struct {
	mu        sync.Mutex
	events    []AuditEvent
	maxEvents int
}

// DefaultMemoryAuditEvents bounds an in-memory store. Long-running
// deployments that need the full trail should use the SQLite store.
const DefaultMemoryAuditEvents = 1000

// NewMemoryAuditStore returns an in-memory audit store keeping the most
// recent maxEvents events. Zero or less uses DefaultMemoryAuditEvents.
func NewMemoryAuditStore(maxEvents int) *MemoryAuditStore {
	if maxEvents <= 0 {
		maxEvents = DefaultMemoryAuditEvents
	}
	return &MemoryAuditStore{maxEvents: maxEvents}
}

// Record appends an audit event, dropping the oldest once the store is full.
func (s *MemoryAuditStore) Record(_ context.Context, event AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.maxEvents <= 0 {
		s.maxEvents = DefaultMemoryAuditEvents
	}
	if len(s.events) >= s.maxEvents {
		n := copy(s.events, s.events[len(s.events)-s.maxEvents+1:])
		clear(s.events[n:])
		s.events = s.events[:n]
	}
	s.events = append(s.events, event)
	return nil
}

// List returns filtered audit events in recording order.
func (s *MemoryAuditStore) List(_ context.Context, filter AuditFilter) ([]AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AuditEvent, 0, len(s.events))
	for _, ev := range s.events {
		if !filter.match(ev) {
			continue
		}
		out = append(out, ev)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func encodeAuditOutput(output any) ([]byte, error) {
	if output == nil {
		return []byte("null"), nil
	}
	return json.Marshal(output)
}

func decodeAuditOutput(raw []byte) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func normalizeAuditTime(value time.Time) time.Time {
	if value.IsZero() {
		return value
	}
	return value.UTC()
}
