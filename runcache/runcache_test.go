package runcache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCache_StickyEvictsLRU(t *testing.T) {
	c := New(Policy{Sticky: true, Capacity: 2})

	_, needsEvict := c.Insert("a")
	require.False(t, needsEvict)
	_, needsEvict = c.Insert("b")
	require.False(t, needsEvict)

	// touch a, so b becomes the LRU entry
	c.Touch("a")

	evict, needsEvict := c.Insert("c")
	require.True(t, needsEvict)
	require.Equal(t, "b", evict)
	require.Equal(t, 2, c.Len())
}

func TestCache_StickyReinsertIsNoEvict(t *testing.T) {
	c := New(Policy{Sticky: true, Capacity: 2})
	c.Insert("a")
	c.Insert("b")

	_, needsEvict := c.Insert("a")
	require.False(t, needsEvict)
	require.Equal(t, 2, c.Len())
}

func TestCache_NonStickyAlwaysEvictsInserted(t *testing.T) {
	c := New(Policy{Sticky: false})

	evict, needsEvict := c.Insert("a")
	require.True(t, needsEvict)
	require.Equal(t, "a", evict)
}

func TestCache_PanicsOnBadStickyCapacity(t *testing.T) {
	require.Panics(t, func() { New(Policy{Sticky: true, Capacity: 0}) })
}

func TestCache_WaitForCapacityWakesOnRemove(t *testing.T) {
	c := New(Policy{Sticky: true, Capacity: 1})
	c.Insert("a")

	ch := c.WaitForCapacity(nil)
	require.NotNil(t, ch)

	select {
	case <-ch:
		t.Fatal("expected channel to still be open")
	default:
	}

	c.Remove("a")

	select {
	case <-ch:
	default:
		t.Fatal("expected channel to be closed after Remove")
	}
}

func TestCache_WaitForCapacityNoWaitWhenRoomOrPredicateTrue(t *testing.T) {
	c := New(Policy{Sticky: true, Capacity: 2})
	c.Insert("a")
	require.Nil(t, c.WaitForCapacity(nil))

	c.Insert("b")
	require.Nil(t, c.WaitForCapacity(func() bool { return true }))
}
