package steps

import (
	"context"
	"sync"
	"time"
)

// Store records encoded step results per run.
type Store interface {
	// Load returns the recorded result for (runID, step); ok is false when
	// nothing was recorded.
	Load(ctx context.Context, runID, step string) (data []byte, ok bool, err error)
	Save(ctx context.Context, runID, step string, data []byte) error
	// Forget drops every result recorded for runID.
	Forget(ctx context.Context, runID string) error
}

// MemoryStore is a process-local Store. With a TTL, runs not written to for
// longer than the TTL are dropped on the next Save.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]*memoryRun
	ttl  time.Duration
	now  func() time.Time
}

type memoryRun struct {
	steps   map[string][]byte
	touched time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryTTL expires runs that have not recorded a step within ttl.
func WithMemoryTTL(ttl time.Duration) MemoryOption {
	return func(m *MemoryStore) { m.ttl = ttl }
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{runs: make(map[string]*memoryRun), now: time.Now}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *MemoryStore) Load(_ context.Context, runID, step string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[runID]
	if !ok || m.expired(run) {
		return nil, false, nil
	}
	data, ok := run.steps[step]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), data...), true, nil
}

func (m *MemoryStore) Save(_ context.Context, runID, step string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweep()
	run, ok := m.runs[runID]
	if !ok {
		run = &memoryRun{steps: make(map[string][]byte)}
		m.runs[runID] = run
	}
	run.steps[step] = append([]byte(nil), data...)
	run.touched = m.now()
	return nil
}

func (m *MemoryStore) Forget(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.runs, runID)
	return nil
}

// Runs returns the number of runs with recorded results.
func (m *MemoryStore) Runs() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.runs)
}

func (m *MemoryStore) expired(run *memoryRun) bool {
	return m.ttl > 0 && m.now().Sub(run.touched) > m.ttl
}

// sweep must be called with mu held for writing.
func (m *MemoryStore) sweep() {
	if m.ttl <= 0 {
		return
	}
	for id, run := range m.runs {
		if m.expired(run) {
			delete(m.runs, id)
		}
	}
}
