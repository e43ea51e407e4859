// Package session implements the conversation session contract on top of a
// pluggable key-value store.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"ledger-agent/internal/domain"
)

const idPrefix = "conv-"

// Store persists sessions. Insert fails with domain.ErrConflict when the id
// exists; Save fails with domain.ErrConflict when the stored version differs
// from the session's version.
type Store interface {
	Insert(ctx context.Context, s domain.ConversationSession) error
	Get(ctx context.Context, conversationID string) (domain.ConversationSession, error)
	Save(ctx context.Context, s domain.ConversationSession) (domain.ConversationSession, error)
	Delete(ctx context.Context, conversationID string) error
	ListIdle(ctx context.Context, before time.Time) ([]domain.ConversationSession, error)
	// DeleteIdle deletes the session only while it still has version. A
	// session touched since it was listed yields domain.ErrConflict.
	DeleteIdle(ctx context.Context, conversationID string, version int64) error
}

// OwnershipChecker verifies that a book belongs to a user.
type OwnershipChecker interface {
	CheckBookOwner(ctx context.Context, userID, bookID int64) error
}

// Manager is the single entry point for session lifecycle operations.
type Manager struct {
	store  Store
	owners OwnershipChecker
	now    func() time.Time
	newID  func() string
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

func WithIDGenerator(gen func() string) Option {
	return func(m *Manager) {
		m.newID = gen
	}
}

func NewManager(store Store, owners OwnershipChecker, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, errors.New("session: store must not be nil")
	}
	if owners == nil {
		return nil, errors.New("session: ownership checker must not be nil")
	}
	m := &Manager{
		store:  store,
		owners: owners,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  func() string { return idPrefix + uuid.NewString() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Create starts a new session for a book owned by userID and persists it.
func (m *Manager) Create(ctx context.Context, userID, bookID int64) (domain.ConversationSession, error) {
	if err := m.owners.CheckBookOwner(ctx, userID, bookID); err != nil {
		return domain.ConversationSession{}, fmt.Errorf("session: Create: %w", err)
	}
	now := m.now()
	s := domain.ConversationSession{
		ConversationID: m.newID(),
		UserID:         userID,
		BookID:         bookID,
		Messages:       []domain.ChatMessage{},
		State:          domain.StateAwaitingInput,
		CreatedAt:      now,
		LastAccessedAt: now,
		Version:        1,
	}
	if err := m.store.Insert(ctx, s); err != nil {
		return domain.ConversationSession{}, fmt.Errorf("session: Create: %w", err)
	}
	return s, nil
}

// Get returns the session or an error wrapping domain.ErrNotFound.
func (m *Manager) Get(ctx context.Context, conversationID string) (domain.ConversationSession, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return domain.ConversationSession{}, fmt.Errorf("session: Get: empty id: %w", domain.ErrNotFound)
	}
	s, err := m.store.Get(ctx, conversationID)
	if err != nil {
		return domain.ConversationSession{}, fmt.Errorf("session: Get: %w", err)
	}
	return s, nil
}

// Save overwrites the session if nobody else saved it since it was loaded.
func (m *Manager) Save(ctx context.Context, s domain.ConversationSession) (domain.ConversationSession, error) {
	if s.ConversationID == "" {
		return domain.ConversationSession{}, errors.New("session: Save: conversation id is required")
	}
	saved, err := m.store.Save(ctx, s)
	if err != nil {
		return domain.ConversationSession{}, fmt.Errorf("session: Save: %w", err)
	}
	return saved, nil
}

// Delete removes the session. Deleting an unknown id is not an error.
func (m *Manager) Delete(ctx context.Context, conversationID string) error {
	if err := m.store.Delete(ctx, conversationID); err != nil {
		return fmt.Errorf("session: Delete: %w", err)
	}
	return nil
}
