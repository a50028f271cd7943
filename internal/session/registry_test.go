package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGetOrCreateReturnsSameSession(t *testing.T) {
	r := NewRegistry(testDeps())

	a := r.GetOrCreate("user@example.com")
	b := r.GetOrCreate("user@example.com")
	require.Same(t, a, b)
	require.Equal(t, 1, r.Count())

	other := r.GetOrCreate("other@example.com")
	require.NotSame(t, a, other)
	require.Equal(t, 2, r.Count())
}

func TestGetBySessionID(t *testing.T) {
	r := NewRegistry(testDeps())
	s := r.GetOrCreate("user@example.com")

	found, ok := r.GetBySessionID(s.SessionID)
	require.True(t, ok)
	require.Same(t, s, found)

	_, ok = r.GetBySessionID("nope")
	require.False(t, ok)
}

func TestGraceWindowDisposesSession(t *testing.T) {
	r := NewRegistry(testDeps())
	s := r.GetOrCreate("user@example.com")
	g := attachGlasses(s)
	s.GlassesGone(g)

	r.GlassesDisconnected("user@example.com")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && r.Count() > 0 {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, 0, r.Count())

	// The disposed session is gone; a new attach gets a fresh one.
	fresh := r.GetOrCreate("user@example.com")
	require.NotSame(t, s, fresh)
	require.NotEqual(t, s.SessionID, fresh.SessionID)
}

func TestReconnectCancelsGrace(t *testing.T) {
	deps := testDeps()
	r := NewRegistry(deps)
	s := r.GetOrCreate("user@example.com")
	attachGlasses(s)

	r.GlassesDisconnected("user@example.com")
	same := r.GetOrCreate("user@example.com")
	require.Same(t, s, same)

	time.Sleep(2 * deps.Cfg.GlassesGraceWindow)
	require.Equal(t, 1, r.Count())
}

func TestDisposeRemovesImmediately(t *testing.T) {
	r := NewRegistry(testDeps())
	s := r.GetOrCreate("user@example.com")
	g := attachGlasses(s)

	r.Dispose("user@example.com")
	require.Equal(t, 0, r.Count())
	closed, _ := g.IsClosed()
	require.True(t, closed)

	// Disposing a user without a session is a no-op.
	r.Dispose("user@example.com")
}

func TestDisposeAll(t *testing.T) {
	r := NewRegistry(testDeps())
	a := r.GetOrCreate("a@example.com")
	b := r.GetOrCreate("b@example.com")
	ga := attachGlasses(a)
	gb := attachGlasses(b)

	r.DisposeAll()
	require.Equal(t, 0, r.Count())
	closed, _ := ga.IsClosed()
	require.True(t, closed)
	closed, _ = gb.IsClosed()
	require.True(t, closed)
}
