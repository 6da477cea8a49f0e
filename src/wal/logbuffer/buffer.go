package logbuffer

import (
	"context"
	"sync"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/Blackdeer1524/txnlog/src"
	"github.com/Blackdeer1524/txnlog/src/pkg/assert"
	"github.com/Blackdeer1524/txnlog/src/pkg/common"
	"github.com/Blackdeer1524/txnlog/src/storage/disk"
	"github.com/Blackdeer1524/txnlog/src/storage/page"
)

const meterName = "github.com/Blackdeer1524/txnlog/src/wal/logbuffer"

// Encoder serializes one log record straight into the page area. The
// record's own address and the address of the previous record in the log
// are only known once space is reserved, so they are passed in.
type Encoder interface {
	EncodedLen() int
	EncodeAt(at, back common.LSA, dst []byte)
}

// Raw is an opaque pre-encoded record.
type Raw []byte

func (r Raw) EncodedLen() int { return len(r) }

func (r Raw) EncodeAt(_, _ common.LSA, dst []byte) { copy(dst, r) }

// Store is the part of the log page store used by the buffer.
type Store interface {
	Header() disk.LogHeader
	UpdateHeader(fn func(h *disk.LogHeader)) error
	ReadPage(id common.PageID) (*page.LogPage, error)
	WritePages(run []*page.LogPage) error
	Sync() error
	EnsureWritable(ctx context.Context, upTo, completeBefore common.PageID) error
}

// Buffer is the in-memory tail of the log. Appends go to the current page;
// full pages are sealed and wait in order for the flusher, which writes
// them out without holding the buffer lock.
type Buffer struct {
	store Store
	log   src.Logger

	mu         sync.Mutex
	cur        *page.LogPage
	sealed     []*page.LogPage
	free       []*page.LogPage
	capacity   int
	tail       common.LSA
	lastRecord common.LSA
	flushed    common.LSA
	fatal      error
	closed     bool
	observers  []func(flushed common.LSA)

	// flushMu serializes flushers. It is never held together with mu
	// while doing I/O.
	flushMu sync.Mutex
	kick    chan struct{}

	recordsAppended metric.Int64Counter
	pagesFlushed    metric.Int64Counter
	syncCalls       metric.Int64Counter
}

// New mounts the buffer on top of the store, resuming at the header's
// append position.
func New(store Store, capacity int, log src.Logger) (*Buffer, error) {
	assert.Assert(capacity > 0, "buffer needs at least one page")

	b := &Buffer{
		store:      store,
		log:        log,
		capacity:   capacity,
		free:       make([]*page.LogPage, 0, capacity),
		lastRecord: common.NilLSA,
		kick:       make(chan struct{}, 1),
	}

	if err := b.initMetrics(); err != nil {
		return nil, err
	}

	hdr := store.Header()
	b.tail = hdr.AppendLSA
	b.flushed = hdr.AppendLSA

	if hdr.AppendLSA.Offset == 0 {
		b.cur = page.NewLogPage(hdr.AppendLSA.PageID)
		if hdr.AppendLSA.PageID > 0 {
			prev, err := store.ReadPage(hdr.AppendLSA.PageID - 1)
			if err == nil && prev.LastRecordOffset() != page.NoRecord {
				b.lastRecord = common.NewLSA(prev.PageID(), prev.LastRecordOffset())
			}
		}
	} else {
		p, err := store.ReadPage(hdr.AppendLSA.PageID)
		if err != nil {
			return nil, errors.Wrapf(err, "load append page %d", hdr.AppendLSA.PageID)
		}
		if p.Used() < hdr.AppendLSA.Offset {
			return nil, errors.Wrapf(
				common.ErrCorruptPage,
				"append page %d has %d used bytes, header says %d",
				p.PageID(),
				p.Used(),
				hdr.AppendLSA.Offset,
			)
		}
		if p.Used() > hdr.AppendLSA.Offset {
			// The page write of an unfinished flush reached disk, its
			// header update did not. Nothing past the header was acknowledged.
			last := hdr.LastRecordLSA
			if last.IsNil() || last.PageID != p.PageID() || last.Offset >= hdr.AppendLSA.Offset {
				return nil, errors.Wrapf(
					common.ErrCorruptPage,
					"append page %d has %d used bytes past header offset %d and no usable last record %s",
					p.PageID(),
					p.Used(),
					hdr.AppendLSA.Offset,
					last.String(),
				)
			}
			log.Warnw(
				"dropping unsynced tail of the append page",
				"page", p.PageID(),
				"used", p.Used(),
				"append_lsa", hdr.AppendLSA.String(),
			)
			p.Truncate(hdr.AppendLSA.Offset, last.Offset)
		}
		b.cur = p
		if p.LastRecordOffset() != page.NoRecord {
			b.lastRecord = common.NewLSA(p.PageID(), p.LastRecordOffset())
		}
	}

	for range capacity - 1 {
		b.free = append(b.free, page.NewLogPage(0))
	}

	return b, nil
}

func (b *Buffer) initMetrics() error {
	meter := otel.Meter(meterName)

	var err error
	if b.recordsAppended, err = meter.Int64Counter(
		"txnlog.records.appended",
		metric.WithDescription("Number of log records appended"),
	); err != nil {
		return err
	}
	if b.pagesFlushed, err = meter.Int64Counter(
		"txnlog.pages.flushed",
		metric.WithDescription("Number of log pages written by the flusher"),
	); err != nil {
		return err
	}
	if b.syncCalls, err = meter.Int64Counter(
		"txnlog.sync.calls",
		metric.WithDescription("Number of fsync calls issued for the active log"),
	); err != nil {
		return err
	}
	return nil
}

// Append copies the record into the current page and returns its address.
// It never waits for I/O: if no free page is left a new one is allocated
// and the flusher is woken up.
func (b *Buffer) Append(e Encoder) (common.LSA, error) {
	n := e.EncodedLen()
	if n > page.AreaSize {
		return common.NilLSA, errors.Wrapf(
			common.ErrRecordTooLarge,
			"record of %d bytes, page area is %d bytes",
			n,
			page.AreaSize,
		)
	}
	assert.Assert(n > 0, "empty log record")

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.fatal != nil {
		return common.NilLSA, b.fatal
	}
	if b.closed {
		return common.NilLSA, common.ErrShutdown
	}

	offset, dst, ok := b.cur.Reserve(n)
	if !ok {
		b.sealCurrentLocked()
		offset, dst, ok = b.cur.Reserve(n)
		assert.Assert(ok, "a fresh page must fit a record of %d bytes", n)
	}

	at := common.NewLSA(b.cur.PageID(), offset)
	e.EncodeAt(at, b.lastRecord, dst)

	b.lastRecord = at
	b.tail = common.NewLSA(at.PageID, b.cur.Used())

	b.recordsAppended.Add(context.Background(), 1)
	return at, nil
}

func (b *Buffer) sealCurrentLocked() {
	b.cur.Seal()
	b.sealed = append(b.sealed, b.cur)

	next := b.cur.PageID() + 1
	if n := len(b.free); n > 0 {
		b.cur = b.free[n-1]
		b.free = b.free[:n-1]
		b.cur.Reset(next)
	} else {
		b.cur = page.NewLogPage(next)
	}
	b.tail = common.NewLSA(next, 0)

	if len(b.free) == 0 || len(b.sealed) >= b.capacity {
		b.Kick()
	}
}

// Kick wakes the flush daemon without waiting for it.
func (b *Buffer) Kick() {
	select {
	case b.kick <- struct{}{}:
	default:
	}
}

// Tail is the address the next record will be appended at, or past.
func (b *Buffer) Tail() common.LSA {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tail
}

// LastRecord is the address of the most recently appended record.
func (b *Buffer) LastRecord() common.LSA {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastRecord
}

// Flushed is the durability watermark: every record whose address is
// strictly less than it is on stable storage.
func (b *Buffer) Flushed() common.LSA {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushed
}

// IsDurable reports whether the record at lsa is on stable storage.
func (b *Buffer) IsDurable(lsa common.LSA) bool {
	return lsa.Less(b.Flushed())
}

// Err returns the latched fatal error, if any.
func (b *Buffer) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fatal
}

// OnFlush registers fn to be called after each successful flush with the
// new watermark. fn runs on the flushing goroutine.
func (b *Buffer) OnFlush(fn func(flushed common.LSA)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = append(b.observers, fn)
}

// ReadPage returns a copy of a log page, looking at unflushed pages first.
func (b *Buffer) ReadPage(id common.PageID) (*page.LogPage, error) {
	b.mu.Lock()
	if b.cur.PageID() == id {
		p := b.cur.Clone()
		b.mu.Unlock()
		return p, nil
	}
	for _, p := range b.sealed {
		if p.PageID() == id {
			c := p.Clone()
			b.mu.Unlock()
			return c, nil
		}
	}
	b.mu.Unlock()

	if id > b.Tail().PageID {
		return nil, errors.Wrapf(common.ErrNoSuchPage, "page %d is past the log tail", id)
	}
	return b.store.ReadPage(id)
}
