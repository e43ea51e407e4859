package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"ledger-agent/internal/domain"
)

// MemoryStore keeps sessions in process memory. It is used by the local dev
// server and tests; sessions do not survive a restart.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]domain.ConversationSession
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]domain.ConversationSession)}
}

func (m *MemoryStore) Insert(_ context.Context, s domain.ConversationSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ConversationID]; ok {
		return fmt.Errorf("session %q already exists: %w", s.ConversationID, domain.ErrConflict)
	}
	m.sessions[s.ConversationID] = s.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, conversationID string) (domain.ConversationSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[conversationID]
	if !ok {
		return domain.ConversationSession{}, fmt.Errorf("session %q: %w", conversationID, domain.ErrNotFound)
	}
	return s.Clone(), nil
}

func (m *MemoryStore) Save(_ context.Context, s domain.ConversationSession) (domain.ConversationSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.sessions[s.ConversationID]
	if !ok {
		return domain.ConversationSession{}, fmt.Errorf("session %q: %w", s.ConversationID, domain.ErrNotFound)
	}
	if cur.Version != s.Version {
		return domain.ConversationSession{}, fmt.Errorf("session %q version %d, stored %d: %w",
			s.ConversationID, s.Version, cur.Version, domain.ErrConflict)
	}
	next := s.Clone()
	next.Version++
	m.sessions[s.ConversationID] = next
	return next.Clone(), nil
}

func (m *MemoryStore) Delete(_ context.Context, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, conversationID)
	return nil
}

// DeleteIdle removes the session if its version still matches. A session
// that is already gone counts as deleted.
func (m *MemoryStore) DeleteIdle(_ context.Context, conversationID string, version int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.sessions[conversationID]
	if !ok {
		return nil
	}
	if cur.Version != version {
		return fmt.Errorf("session %q version %d, stored %d: %w", conversationID, version, cur.Version, domain.ErrConflict)
	}
	delete(m.sessions, conversationID)
	return nil
}

func (m *MemoryStore) ListIdle(_ context.Context, before time.Time) ([]domain.ConversationSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.ConversationSession
	for _, s := range m.sessions {
		if s.LastAccessedAt.Before(before) {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastAccessedAt.Before(out[j].LastAccessedAt)
	})
	return out, nil
}
