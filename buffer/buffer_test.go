package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	b := New(16)
	require.NotNil(t, b)
	assert.Equal(t, 0, b.Size())
	assert.Equal(t, 16, b.Capacity())
	assert.True(t, b.Empty())

	t.Run("negative capacity treated as zero", func(t *testing.T) {
		b := New(-1)
		assert.Equal(t, 0, b.Capacity())
	})
}

func TestBuffer_Append(t *testing.T) {
	b := New(4)

	t.Run("append extends size", func(t *testing.T) {
		n := b.Append([]byte("ab"))
		assert.Equal(t, 2, n)
		assert.Equal(t, []byte("ab"), b.Data())
	})

	t.Run("append grows past initial capacity", func(t *testing.T) {
		b.Append([]byte("cdefgh"))
		assert.Equal(t, []byte("abcdefgh"), b.Data())
		assert.GreaterOrEqual(t, b.Capacity(), 8)
	})

	t.Run("append copies the source", func(t *testing.T) {
		src := []byte("xy")
		b := New(0)
		b.Append(src)
		src[0] = 'z'
		assert.Equal(t, []byte("xy"), b.Data())
	})
}

func TestBuffer_AppendString(t *testing.T) {
	b := New(0)
	n := b.AppendString("hello")
	assert.Equal(t, 5, n)
	assert.Equal(t, []byte("hello"), b.Data())
}

func TestBuffer_Reserve(t *testing.T) {
	b := New(2)
	b.Append([]byte("ab"))

	t.Run("reserve grows capacity and keeps contents", func(t *testing.T) {
		b.Reserve(64)
		assert.GreaterOrEqual(t, b.Capacity(), 64)
		assert.Equal(t, []byte("ab"), b.Data())
	})

	t.Run("reserve never shrinks", func(t *testing.T) {
		before := b.Capacity()
		b.Reserve(1)
		assert.Equal(t, before, b.Capacity())
	})
}

func TestBuffer_Clear(t *testing.T) {
	b := New(0)
	b.AppendString("payload")
	before := b.Capacity()

	b.Clear()
	assert.Equal(t, 0, b.Size())
	assert.True(t, b.Empty())
	assert.Equal(t, before, b.Capacity())
}
