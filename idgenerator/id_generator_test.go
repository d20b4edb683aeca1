package idgenerator

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdGenerator_Id(t *testing.T) {
	gen := NewIdGenerator(0)
	assert.Equal(t, uint64(1), gen.Id())
	assert.Equal(t, uint64(2), gen.Id())

	t.Run("custom start value", func(t *testing.T) {
		gen := NewIdGenerator(100)
		assert.Equal(t, uint64(101), gen.Id())
	})
}

func TestIdGenerator_Reset(t *testing.T) {
	gen := NewIdGenerator(10)
	gen.Id()
	gen.Id()
	gen.Reset()
	assert.Equal(t, uint64(11), gen.Id())
}

func TestIdGenerator_Concurrent(t *testing.T) {
	gen := NewIdGenerator(0)

	const goroutines = 16
	const perGoroutine = 1000

	var wg sync.WaitGroup
	results := make([][]uint64, goroutines)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			ids := make([]uint64, 0, perGoroutine)
			for j := 0; j < perGoroutine; j++ {
				ids = append(ids, gen.Id())
			}
			results[slot] = ids
		}(i)
	}
	wg.Wait()

	seen := make(map[uint64]struct{}, goroutines*perGoroutine)
	for _, ids := range results {
		for _, id := range ids {
			_, dup := seen[id]
			require.False(t, dup, "duplicate id %d", id)
			seen[id] = struct{}{}
		}
	}
	assert.Len(t, seen, goroutines*perGoroutine)
}
