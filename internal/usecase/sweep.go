package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"ledger-agent/internal/domain"
)

const sweepConcurrency = 4

// IdleSessionStore is the part of session.Store the sweeper needs.
type IdleSessionStore interface {
	ListIdle(ctx context.Context, before time.Time) ([]domain.ConversationSession, error)
	DeleteIdle(ctx context.Context, conversationID string, version int64) error
}

// Sweeper abandons sessions that have been idle longer than the TTL.
type Sweeper struct {
	sessions IdleSessionStore
	ttl      time.Duration
	now      func() time.Time
}

func NewSweeper(sessions IdleSessionStore, ttl time.Duration) (*Sweeper, error) {
	if sessions == nil {
		return nil, errors.New("usecase: session store must not be nil")
	}
	if ttl <= 0 {
		return nil, errors.New("usecase: session ttl must be positive")
	}
	return &Sweeper{sessions: sessions, ttl: ttl, now: time.Now}, nil
}

// Sweep deletes every idle session and returns how many were removed. A
// session used again after it was listed is kept. Sweep keeps going after a
// failed delete and reports all failures together.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.ttl)
	idle, err := s.sessions.ListIdle(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("usecase: Sweep: %w", err)
	}

	var (
		mu      sync.Mutex
		deleted int
		errs    []error
		g       errgroup.Group
	)
	g.SetLimit(sweepConcurrency)
	for _, sess := range idle {
		if err := ctx.Err(); err != nil {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
			break
		}
		g.Go(func() error {
			err := s.sessions.DeleteIdle(ctx, sess.ConversationID, sess.Version)
			if errors.Is(err, domain.ErrConflict) {
				slog.DebugContext(ctx, "session touched since listing, kept",
					"conversation_id", sess.ConversationID)
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("delete %s: %w", sess.ConversationID, err))
				return nil
			}
			deleted++
			slog.InfoContext(ctx, "session abandoned",
				"conversation_id", sess.ConversationID,
				"book_id", sess.BookID,
				"from_state", string(sess.State),
				"state", string(domain.StateAbandoned),
				"idle_since", sess.LastAccessedAt)
			return nil
		})
	}
	_ = g.Wait()

	if len(errs) > 0 {
		return deleted, fmt.Errorf("usecase: Sweep: %w", errors.Join(errs...))
	}
	return deleted, nil
}
