package trials

import (
	"sort"
	"sync"
)

// MemoryStore is an in-memory trial store with the same surface as
// Repository. Used by tests and dry runs.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string][]*Record
	runs    map[string]*RunSummary
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string][]*Record),
		runs:    make(map[string]*RunSummary),
	}
}

// Append stores one finished trial.
func (m *MemoryStore) Append(rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.records[rec.RunID] = append(m.records[rec.RunID], &cp)
	return nil
}

// ReadAll returns every trial of a run ordered by trial id.
func (m *MemoryStore) ReadAll(runID string) ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]*Record(nil), m.records[runID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SaveRun upserts a run summary.
func (m *MemoryStore) SaveRun(run *RunSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *run
	m.runs[run.RunID] = &cp
	return nil
}

// GetRun returns one run summary, or nil when unknown.
func (m *MemoryStore) GetRun(runID string) (*RunSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return nil, nil
	}
	cp := *run
	return &cp, nil
}

// ListRuns returns all run summaries, most recent first.
func (m *MemoryStore) ListRuns() ([]*RunSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*RunSummary, 0, len(m.runs))
	for _, run := range m.runs {
		cp := *run
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}
