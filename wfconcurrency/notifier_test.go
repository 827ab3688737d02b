package wfconcurrency

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNotifier_NotifyAllWakesEveryone(t *testing.T) {
	n := NewNotifier()
	a := n.Subscribe()
	b := n.Subscribe()

	n.NotifyAll()

	requireClosed(t, a)
	requireClosed(t, b)
}

func TestNotifier_NotifyOneWakesOldestOnly(t *testing.T) {
	n := NewNotifier()
	a := n.Subscribe()
	b := n.Subscribe()

	n.NotifyOne()

	requireClosed(t, a)
	requireOpen(t, b)

	n.NotifyOne()
	requireClosed(t, b)
}

func TestNotifier_NotifyOneNoWaitersIsNoop(t *testing.T) {
	n := NewNotifier()
	n.NotifyOne() // must not panic
}

func requireClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case _, ok := <-ch:
		require.False(t, ok)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("expected channel to be closed")
	}
}

func requireOpen(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
		t.Fatal("expected channel to still be open")
	default:
	}
}
