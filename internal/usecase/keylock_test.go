package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestKeyLock_SerializesSameKey(t *testing.T) {
	l := newKeyLock()
	unlock, err := l.Lock(context.Background(), "a")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		u, err := l.Lock(context.Background(), "a")
		if err == nil {
			close(acquired)
			u()
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second lock acquired while first is held")
	case <-time.After(30 * time.Millisecond):
	}

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second lock never acquired")
	}
}

func TestKeyLock_IndependentKeys(t *testing.T) {
	l := newKeyLock()
	ua, err := l.Lock(context.Background(), "a")
	require.NoError(t, err)
	defer ua()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ub, err := l.Lock(ctx, "b")
	require.NoError(t, err)
	ub()
}

func TestKeyLock_ContextCancelled(t *testing.T) {
	l := newKeyLock()
	unlock, err := l.Lock(context.Background(), "a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "a")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock() // second call is a no-op

	l.mu.Lock()
	defer l.mu.Unlock()
	require.Empty(t, l.locks)
}
