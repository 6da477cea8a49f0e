package txns

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Blackdeer1524/txnlog/src/pkg/common"
)

func TestPostponeCache_RoundTrip(t *testing.T) {
	c := NewPostponeCache(8, 1024)

	payloads := [][]byte{[]byte("first"), {}, bytes.Repeat([]byte{7}, 100)}
	for i, p := range payloads {
		c.Add(common.NewLSA(1, uint32(i*100)), ref(i), p)
	}
	c.AddLSA(common.NewLSA(2, 0))

	items, ok := c.Drain(common.NilLSA)
	require.True(t, ok)
	require.Len(t, items, 4)
	for i, p := range payloads {
		assert.Equal(t, p, items[i].Redo)
		assert.True(t, items[i].Cached)
		assert.Equal(t, ref(i), items[i].Ref)
	}
	assert.False(t, items[3].Cached)
	assert.Nil(t, items[3].Redo)

	items, ok = c.Drain(common.NewLSA(1, 100))
	require.True(t, ok)
	assert.Len(t, items, 3)
}

func TestPostponeCache_Overflow(t *testing.T) {
	t.Run("bytes", func(t *testing.T) {
		c := NewPostponeCache(8, 10)
		c.Add(common.NewLSA(0, 0), ref(0), []byte("123456"))
		c.Add(common.NewLSA(0, 1), ref(0), []byte("123456"))
		c.Add(common.NewLSA(0, 2), ref(0), []byte("1"))

		_, ok := c.Drain(common.NilLSA)
		assert.False(t, ok)
		assert.True(t, c.IsFull())
	})

	t.Run("entries", func(t *testing.T) {
		c := NewPostponeCache(1, 1024)
		c.AddLSA(common.NewLSA(0, 0))
		c.AddLSA(common.NewLSA(0, 1))

		_, ok := c.Drain(common.NilLSA)
		assert.False(t, ok)

		c.Reset()
		c.AddLSA(common.NewLSA(0, 0))
		_, ok = c.Drain(common.NilLSA)
		assert.True(t, ok)
	})
}

func TestPostponeCache_TruncateAndDiscard(t *testing.T) {
	c := NewPostponeCache(3, 1024)
	c.Add(common.NewLSA(0, 0), ref(0), []byte("a"))

	mark := c.Mark()
	c.Add(common.NewLSA(0, 10), ref(1), []byte("b"))
	c.Add(common.NewLSA(0, 20), ref(2), []byte("c"))
	c.Add(common.NewLSA(0, 30), ref(3), []byte("d"))
	require.True(t, c.IsFull())

	c.Truncate(mark)
	items, ok := c.Drain(common.NilLSA)
	require.True(t, ok)
	require.Len(t, items, 1)
	assert.Equal(t, []byte("a"), items[0].Redo)

	c.Add(common.NewLSA(0, 40), ref(4), []byte("e"))
	c.Add(common.NewLSA(0, 50), ref(5), []byte("f"))
	c.DiscardAfter(common.NewLSA(0, 40))

	items, ok = c.Drain(common.NilLSA)
	require.True(t, ok)
	require.Len(t, items, 2)
	assert.Equal(t, []byte("e"), items[1].Redo)
}

func TestPostponeCache_OrderIsEnforced(t *testing.T) {
	c := NewPostponeCache(8, 1024)
	c.AddLSA(common.NewLSA(3, 0))
	assert.Panics(t, func() { c.AddLSA(common.NewLSA(2, 0)) })
}
