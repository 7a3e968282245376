package util

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNewMapHeap tests the creation of a new MapHeap
func TestNewMapHeap(t *testing.T) {
	mh := NewMapHeap[uint64]()

	require.NotNil(t, mh)
	assert.Equal(t, 0, mh.Len())
	assert.Empty(t, mh.itemsMap)
}

// TestAddItem tests that the lowest priority is always on top
func TestAddItem(t *testing.T) {
	mh := NewMapHeap[uint64]()

	mh.AddItem(1, 100)
	mh.AddItem(2, 200)
	mh.AddItem(3, 50)

	assert.Equal(t, 3, mh.Len())
	for _, k := range []uint64{1, 2, 3} {
		assert.True(t, mh.Contains(k), "heap should contain key %d", k)
	}

	it, ok := mh.Peek()
	require.True(t, ok)
	assert.Equal(t, uint64(3), it.Key)
	assert.Equal(t, int64(50), it.Priority)
}

// TestUpdateItem tests moving an existing key to a new priority
func TestUpdateItem(t *testing.T) {
	mh := NewMapHeap[string]()

	mh.AddItem("a", 100)
	mh.AddItem("b", 200)

	// a moves behind b
	mh.AddItem("a", 300)
	it, ok := mh.GetByKey("a")
	require.True(t, ok)
	assert.Equal(t, int64(300), it.Priority)

	top, _ := mh.Peek()
	assert.Equal(t, "b", top.Key)

	// b moves further to the front
	mh.AddItem("b", 50)
	top, _ = mh.Peek()
	assert.Equal(t, "b", top.Key)
	assert.Equal(t, int64(50), top.Priority)
	assert.Equal(t, 2, mh.Len())
}

// TestRemoveByKey tests removing items by key
func TestRemoveByKey(t *testing.T) {
	mh := NewMapHeap[uint64]()

	mh.AddItem(1, 100)
	mh.AddItem(2, 200)
	mh.AddItem(3, 300)

	priority, ok := mh.RemoveByKey(2)
	require.True(t, ok)
	assert.Equal(t, int64(200), priority)
	assert.Equal(t, 2, mh.Len())
	assert.False(t, mh.Contains(2))

	_, ok = mh.RemoveByKey(99)
	assert.False(t, ok)
}

// TestPopOrder tests that PopMin drains the heap in priority order
func TestPopOrder(t *testing.T) {
	mh := NewMapHeap[uint64]()

	items := []struct {
		key      uint64
		priority int64
	}{
		{5, 50},
		{3, 30},
		{1, 10},
		{4, 40},
		{2, 20},
	}
	for _, it := range items {
		mh.AddItem(it.key, it.priority)
	}

	sort.Slice(items, func(i, j int) bool { return items[i].priority < items[j].priority })

	for i, expected := range items {
		it, ok := mh.PopMin()
		require.True(t, ok, "heap empty after %d items", i)
		assert.Equal(t, expected.key, it.Key)
		assert.Equal(t, expected.priority, it.Priority)
		assert.False(t, mh.Contains(it.Key))
	}

	_, ok := mh.PopMin()
	assert.False(t, ok)
}

// TestPeekEmptyHeap tests behavior when peeking an empty heap
func TestPeekEmptyHeap(t *testing.T) {
	mh := NewMapHeap[uint64]()

	_, ok := mh.Peek()
	assert.False(t, ok)
}

// TestRemoveKeepsOrder removes from the middle many times and checks the
// remaining items still come out sorted
func TestRemoveKeepsOrder(t *testing.T) {
	mh := NewMapHeap[uint64]()
	for i := uint64(0); i < 1000; i++ {
		mh.AddItem(i, int64((i*7919)%1000))
	}
	for i := uint64(0); i < 1000; i += 3 {
		_, ok := mh.RemoveByKey(i)
		require.True(t, ok)
	}

	last := int64(-1)
	for mh.Len() > 0 {
		it, _ := mh.PopMin()
		assert.GreaterOrEqual(t, it.Priority, last)
		last = it.Priority
	}
}
