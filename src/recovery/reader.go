package recovery

import (
	"github.com/go-faster/errors"

	"github.com/Blackdeer1524/txnlog/src/pkg/common"
	"github.com/Blackdeer1524/txnlog/src/storage/page"
)

// PageSource serves log pages by logical id. The append buffer serves
// unflushed pages before falling back to the page store.
type PageSource interface {
	ReadPage(id common.PageID) (*page.LogPage, error)
}

// Reader decodes records at arbitrary addresses. It keeps the last page
// it read, so walking a transaction's chain backwards within one page
// costs a single page read.
type Reader struct {
	src PageSource
	cur *page.LogPage
}

func NewReader(src PageSource) *Reader {
	return &Reader{src: src}
}

func (r *Reader) page(lsa common.LSA) (*page.LogPage, error) {
	if r.cur != nil && r.cur.PageID() == lsa.PageID && lsa.Offset < r.cur.Used() {
		return r.cur, nil
	}

	p, err := r.src.ReadPage(lsa.PageID)
	if err != nil {
		return nil, err
	}
	r.cur = p
	return p, nil
}

// Read decodes the record at lsa.
func (r *Reader) Read(lsa common.LSA) (Record, error) {
	if lsa.IsNil() {
		return Record{}, errors.New("read of a nil address")
	}

	p, err := r.page(lsa)
	if err != nil {
		return Record{}, err
	}
	if lsa.Offset >= p.Used() {
		return Record{}, errors.Wrapf(
			common.ErrCorruptPage,
			"no record at %s, page has %d used bytes",
			lsa,
			p.Used(),
		)
	}
	return Decode(lsa, p.From(lsa.Offset))
}

// Next returns the address of the record following rec. Records never
// span pages, so when rec ends its page the next record starts the next
// page.
func (r *Reader) Next(rec Record) (common.LSA, error) {
	if r.cur != nil && r.cur.PageID() == rec.LSA.PageID && rec.Forw.Offset < r.cur.Used() {
		return rec.Forw, nil
	}

	// the cached image may predate later appends to the same page
	p, err := r.src.ReadPage(rec.LSA.PageID)
	if err != nil {
		return common.NilLSA, err
	}
	r.cur = p

	if rec.Forw.Offset < p.Used() {
		return rec.Forw, nil
	}
	return common.NewLSA(rec.LSA.PageID+1, 0), nil
}

// Iter scans records forward in [from, end).
type Iter struct {
	reader *Reader
	next   common.LSA
	end    common.LSA
	rec    Record
	err    error
}

// Scan iterates over the records starting at from and ending before end,
// which is normally the log tail.
func Scan(src PageSource, from, end common.LSA) *Iter {
	return &Iter{
		reader: NewReader(src),
		next:   from,
		end:    end,
	}
}

// MoveForward advances to the next record. It returns false at the end
// of the range or on error; check Err afterwards.
func (it *Iter) MoveForward() bool {
	if it.err != nil || !it.next.Less(it.end) {
		return false
	}

	rec, err := it.reader.Read(it.next)
	if err != nil {
		it.err = err
		return false
	}

	it.rec = rec
	it.next, it.err = it.reader.Next(rec)
	return true
}

func (it *Iter) Record() Record {
	return it.rec
}

func (it *Iter) Err() error {
	return it.err
}
