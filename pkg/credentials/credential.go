// Package credentials resolves user-owned secrets for node executors.
//
// Stored values are always ciphertext. Callers decrypt with a Cipher at the
// moment they build a provider client and must not keep the plaintext.
package credentials

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Type names the provider a credential authenticates against.
type Type string

const (
	TypeOpenAI    Type = "OPENAI"
	TypeAnthropic Type = "ANTHROPIC"
	TypeGemini    Type = "GEMINI"
)

// Credential is a stored secret owned by one user.
type Credential struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Name      string    `json:"name"`
	Type      Type      `json:"type"`
	Value     string    `json:"value"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store looks up credentials scoped to their owner.
type Store interface {
	// Get returns nil, nil when no credential with id belongs to userID.
	Get(ctx context.Context, id, userID string) (*Credential, error)
}

// MemoryStore is a Store backed by a map.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]Credential
}

// NewMemoryStore returns a store pre-filled with creds.
func NewMemoryStore(creds ...Credential) *MemoryStore {
	m := &MemoryStore{items: make(map[string]Credential)}
	for _, c := range creds {
		m.Put(c)
	}
	return m
}

// Put adds or replaces c.
func (m *MemoryStore) Put(c Credential) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[c.ID] = c
}

// List returns every credential ordered by id.
func (m *MemoryStore) List() []Credential {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Credential, 0, len(m.items))
	for _, c := range m.items {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *MemoryStore) Get(_ context.Context, id, userID string) (*Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.items[id]
	if !ok || c.UserID != userID {
		return nil, nil
	}
	return &c, nil
}
