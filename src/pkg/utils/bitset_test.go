package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBitset(t *testing.T) {
	b := NewBitset(130)
	require.Equal(t, 130, b.Len())
	assert.False(t, b.All())
	assert.Equal(t, 0, b.Count())

	b.Set(0)
	b.Set(64)
	b.Set(129)
	assert.True(t, b.Test(64))
	assert.False(t, b.Test(65))
	assert.Equal(t, 3, b.Count())

	b.Clear(64)
	assert.False(t, b.Test(64))
	assert.Len(t, b.Unset(), 128)

	for i := range 130 {
		b.Set(i)
	}
	assert.True(t, b.All())
	assert.Empty(t, b.Unset())
}

func TestBitsetOutOfRange(t *testing.T) {
	b := NewBitset(3)
	assert.Panics(t, func() { b.Set(3) })
	assert.Panics(t, func() { b.Test(-1) })
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 5, Clamp(10, 0, 5))
	assert.Equal(t, 0, Clamp(-3, 0, 5))
	assert.Equal(t, 3, Clamp(3, 0, 5))
}
