package txns

import (
	"github.com/Blackdeer1524/txnlog/src/pkg/assert"
	"github.com/Blackdeer1524/txnlog/src/pkg/common"
	"github.com/Blackdeer1524/txnlog/src/recovery"
)

type postponeEntry struct {
	lsa    common.LSA
	ref    recovery.DataRef
	offset int
	length int
	cached bool
}

// PostponeItem is one postpone to execute at commit. When Cached is false
// the payload has to be read from the log at LSA.
type PostponeItem struct {
	LSA    common.LSA
	Ref    recovery.DataRef
	Redo   []byte
	Cached bool
}

// PostponeMark is a position in the cache that a top operation can roll
// back to.
type PostponeMark struct {
	entries int
	bytes   int
	full    bool
}

// PostponeCache shadows the postpone records of one transaction so that
// commit does not have to read them back from the log. It never evicts:
// once a budget is exceeded it is marked full and callers must fall back
// to the log.
type PostponeCache struct {
	maxEntries int
	maxBytes   int

	entries []postponeEntry
	redo    []byte
	full    bool
}

func NewPostponeCache(maxEntries, maxBytes int) *PostponeCache {
	return &PostponeCache{
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		entries:    make([]postponeEntry, 0, min(maxEntries, 64)),
	}
}

func (c *PostponeCache) checkOrder(lsa common.LSA) {
	if n := len(c.entries); n > 0 {
		last := c.entries[n-1].lsa
		assert.Assert(last.Less(lsa), "postpone %s added after %s", lsa, last)
	}
}

// Add caches a copy of redo for the postpone record at lsa.
func (c *PostponeCache) Add(lsa common.LSA, ref recovery.DataRef, redo []byte) {
	if c.full {
		return
	}
	c.checkOrder(lsa)

	if len(c.entries)+1 > c.maxEntries || len(c.redo)+len(redo) > c.maxBytes {
		c.full = true
		return
	}

	c.entries = append(c.entries, postponeEntry{
		lsa:    lsa,
		ref:    ref,
		offset: len(c.redo),
		length: len(redo),
		cached: true,
	})
	c.redo = append(c.redo, redo...)
}

// AddLSA records a postpone whose payload stays in the log.
func (c *PostponeCache) AddLSA(lsa common.LSA) {
	if c.full {
		return
	}
	c.checkOrder(lsa)

	if len(c.entries)+1 > c.maxEntries {
		c.full = true
		return
	}

	c.entries = append(c.entries, postponeEntry{lsa: lsa, offset: len(c.redo)})
}

// Drain returns the postpones at or after start in log order. It returns
// false when the cache is incomplete and the log has to be read instead.
// Payloads alias the cache and are valid until the next Reset.
func (c *PostponeCache) Drain(start common.LSA) ([]PostponeItem, bool) {
	if c.full {
		return nil, false
	}

	items := make([]PostponeItem, 0, len(c.entries))
	for _, e := range c.entries {
		if !start.IsNil() && e.lsa.Less(start) {
			continue
		}
		item := PostponeItem{LSA: e.lsa, Ref: e.ref, Cached: e.cached}
		if e.cached {
			item.Redo = c.redo[e.offset : e.offset+e.length : e.offset+e.length]
		}
		items = append(items, item)
	}
	return items, true
}

func (c *PostponeCache) Mark() PostponeMark {
	return PostponeMark{entries: len(c.entries), bytes: len(c.redo), full: c.full}
}

// Truncate drops everything added after m. Entries that overflowed the
// cache after m are dropped too, so the full flag is restored.
func (c *PostponeCache) Truncate(m PostponeMark) {
	assert.Assert(m.entries <= len(c.entries), "mark is past the cache end")

	c.entries = c.entries[:m.entries]
	c.redo = c.redo[:m.bytes]
	c.full = m.full
}

// DiscardAfter drops entries logged after lsa.
func (c *PostponeCache) DiscardAfter(lsa common.LSA) {
	i := len(c.entries)
	for i > 0 && lsa.Less(c.entries[i-1].lsa) {
		i--
	}
	if i == len(c.entries) {
		return
	}

	c.redo = c.redo[:c.entries[i].offset]
	c.entries = c.entries[:i]
}

// MarkFull forces readers to go to the log.
func (c *PostponeCache) MarkFull() {
	c.full = true
}

func (c *PostponeCache) IsFull() bool {
	return c.full
}

func (c *PostponeCache) Len() int {
	return len(c.entries)
}

// Reset empties the cache keeping its buffers for the next transaction.
func (c *PostponeCache) Reset() {
	c.entries = c.entries[:0]
	c.redo = c.redo[:0]
	c.full = false
}
