package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJoinBytes(t *testing.T) {
	t.Run("joins slices in order", func(t *testing.T) {
		got := JoinBytes([]byte("ab"), []byte("cd"), []byte("e"))
		assert.Equal(t, []byte("abcde"), got)
	})

	t.Run("no input yields empty slice", func(t *testing.T) {
		assert.Empty(t, JoinBytes())
	})

	t.Run("empty slices are skipped", func(t *testing.T) {
		got := JoinBytes([]byte{}, []byte("x"), nil)
		assert.Equal(t, []byte("x"), got)
	})
}

func TestRepeatBytes(t *testing.T) {
	t.Run("repeats the pattern", func(t *testing.T) {
		got := RepeatBytes([]byte("ab"), 3)
		assert.Equal(t, []byte("ababab"), got)
	})

	t.Run("zero count yields empty slice", func(t *testing.T) {
		assert.Empty(t, RepeatBytes([]byte("ab"), 0))
	})

	t.Run("empty pattern yields empty slice", func(t *testing.T) {
		assert.Empty(t, RepeatBytes(nil, 5))
	})
}
