package logbuffer

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/Blackdeer1524/txnlog/src/pkg/common"
	"github.com/Blackdeer1524/txnlog/src/storage/disk"
	"github.com/Blackdeer1524/txnlog/src/storage/page"
)

// FlushUpTo returns once the record at lsa is durable. It always flushes a
// prefix of the log: everything appended before the call is written, then
// synced once.
func (b *Buffer) FlushUpTo(lsa common.LSA) error {
	b.mu.Lock()
	if b.fatal != nil {
		defer b.mu.Unlock()
		return b.fatal
	}
	if lsa.Less(b.flushed) {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	return b.flush(func(flushed common.LSA) bool { return lsa.Less(flushed) })
}

// FlushAll makes every appended record durable.
func (b *Buffer) FlushAll() error {
	return b.flush(func(common.LSA) bool { return false })
}

func (b *Buffer) flush(satisfied func(flushed common.LSA) bool) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	if b.fatal != nil {
		defer b.mu.Unlock()
		return b.fatal
	}
	if satisfied(b.flushed) || b.tail == b.flushed {
		b.mu.Unlock()
		return nil
	}

	target := b.tail
	last := b.lastRecord
	nsealed := len(b.sealed)
	pages := make([]*page.LogPage, 0, nsealed+1)
	pages = append(pages, b.sealed...)
	if b.cur.Used() > 0 {
		c := b.cur.Clone()
		c.Seal()
		pages = append(pages, c)
	}
	b.mu.Unlock()

	start := time.Now()
	err := b.writeOut(pages, target, last)

	b.mu.Lock()
	if err != nil {
		b.fatal = err
		b.mu.Unlock()
		b.log.Errorw("log flush failed, refusing further appends", "target", target.String(), "error", err)
		return err
	}

	b.flushed = target
	for _, p := range b.sealed[:nsealed] {
		if len(b.free) < b.capacity {
			b.free = append(b.free, p)
		}
	}
	b.sealed = append(b.sealed[:0], b.sealed[nsealed:]...)
	observers := append([]func(common.LSA){}, b.observers...)
	b.mu.Unlock()

	b.log.Debugw(
		"flushed log",
		"pages", len(pages),
		"bytes", humanize.IBytes(uint64(len(pages))*page.PageSize),
		"flushed", target.String(),
		"took", time.Since(start),
	)

	for _, fn := range observers {
		fn(target)
	}
	return nil
}

// writeOut issues one write per run of contiguous pages, stamps the
// header with the new append position and syncs once.
func (b *Buffer) writeOut(pages []*page.LogPage, target, last common.LSA) error {
	ctx := context.Background()
	npages := int(b.store.Header().NPages)

	for len(pages) > 0 {
		chunk := pages[:min(len(pages), npages)]
		pages = pages[len(chunk):]

		first := chunk[0].PageID()
		last := chunk[len(chunk)-1].PageID()
		if err := b.store.EnsureWritable(ctx, last, first); err != nil {
			return err
		}

		for _, run := range Runs(chunk) {
			if err := b.store.WritePages(run); err != nil {
				return err
			}
			b.pagesFlushed.Add(ctx, int64(len(run)))
		}
	}

	if err := b.store.UpdateHeader(func(h *disk.LogHeader) {
		h.AppendLSA = target
		h.LastRecordLSA = last
	}); err != nil {
		return err
	}

	b.syncCalls.Add(ctx, 1)
	return b.store.Sync()
}

// Runs partitions pages into maximal runs of consecutive logical ids,
// keeping their order.
func Runs(pages []*page.LogPage) [][]*page.LogPage {
	var runs [][]*page.LogPage
	for i, p := range pages {
		if i > 0 && pages[i-1].PageID()+1 == p.PageID() {
			runs[len(runs)-1] = append(runs[len(runs)-1], p)
			continue
		}
		runs = append(runs, []*page.LogPage{p})
	}
	return runs
}

// Run is the background flusher. It flushes on every tick and whenever
// appends run out of free pages, and once more on shutdown.
func (b *Buffer) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return b.FlushAll()
		case <-ticker.C:
		case <-b.kick:
		}

		if err := b.FlushAll(); err != nil {
			return err
		}
	}
}

// Close refuses new appends and flushes what is left.
func (b *Buffer) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	return b.FlushAll()
}
