package safemap

import (
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSafeMap(t *testing.T) {
	m := NewSafeMap[string, int]()
	require.NotNil(t, m)
	assert.Equal(t, 0, m.Len())
	_, ok := m.Load("x")
	assert.False(t, ok)
}

func TestSafeMap_Store_Load(t *testing.T) {
	m := NewSafeMap[string, int]()

	t.Run("store and load returns value", func(t *testing.T) {
		m.Store("a", 1)
		v, ok := m.Load("a")
		assert.True(t, ok)
		assert.Equal(t, 1, v)
	})

	t.Run("overwrite returns new value", func(t *testing.T) {
		m.Store("a", 2)
		v, ok := m.Load("a")
		assert.True(t, ok)
		assert.Equal(t, 2, v)
	})

	t.Run("load missing key returns zero value and false", func(t *testing.T) {
		v, ok := m.Load("nonexistent")
		assert.False(t, ok)
		assert.Equal(t, 0, v)
	})
}

func TestSafeMap_Delete(t *testing.T) {
	m := NewSafeMap[uint64, string]()
	m.Store(1, "a")
	m.Store(2, "b")

	t.Run("delete removes key", func(t *testing.T) {
		m.Delete(1)
		assert.False(t, m.Has(1))
		assert.True(t, m.Has(2))
	})

	t.Run("delete missing key is no-op", func(t *testing.T) {
		m.Delete(99)
		assert.Equal(t, 1, m.Len())
	})
}

func TestSafeMap_Snapshot(t *testing.T) {
	m := NewSafeMap[int, int]()
	for i := 1; i <= 5; i++ {
		m.Store(i, i*10)
	}

	snap := m.Snapshot()
	sort.Ints(snap)
	assert.Equal(t, []int{10, 20, 30, 40, 50}, snap)

	t.Run("snapshot is detached from later mutations", func(t *testing.T) {
		snap := m.Snapshot()
		m.Store(6, 60)
		m.Delete(1)
		assert.Len(t, snap, 5)
	})
}

func TestSafeMap_Range(t *testing.T) {
	m := NewSafeMap[int, int]()
	m.Store(1, 1)
	m.Store(2, 2)
	m.Store(3, 3)

	t.Run("visits every entry", func(t *testing.T) {
		count := 0
		m.Range(func(_, _ int) bool {
			count++
			return true
		})
		assert.Equal(t, 3, count)
	})

	t.Run("stops when f returns false", func(t *testing.T) {
		count := 0
		m.Range(func(_, _ int) bool {
			count++
			return false
		})
		assert.Equal(t, 1, count)
	})
}

func TestSafeMap_Concurrent(t *testing.T) {
	m := NewSafeMap[int, int]()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.Store(base*100+j, j)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 800, m.Len())
}
