package page

import (
	"encoding/binary"
	"math"

	"github.com/cespare/xxhash/v2"
	"github.com/go-faster/errors"

	"github.com/Blackdeer1524/txnlog/src/pkg/assert"
	"github.com/Blackdeer1524/txnlog/src/pkg/common"
)

/*
 * Log page layout (big-endian):
 *
 *   0       8          16              20     24
 *   | id    | checksum | last record   | used | area ........ |
 *
 * The checksum is xxhash64 over everything after the checksum field.
 * Records never span pages: a record lives in [offset, offset+len) of
 * a single page area.
 */
const (
	PageSize   = 16 * 1024
	HeaderSize = 24
	AreaSize   = PageSize - HeaderSize

	pageIDOffset     = 0
	checksumOffset   = 8
	lastRecordOffset = 16
	usedOffset       = 20
)

// NoRecord marks a page that has no record start yet.
const NoRecord uint32 = math.MaxUint32

// HeaderPageID is the id carried by log header pages. It lives outside of
// the logical page id sequence.
const HeaderPageID common.PageID = math.MaxUint64 - 1

type LogPage struct {
	data [PageSize]byte
}

func NewLogPage(id common.PageID) *LogPage {
	p := &LogPage{}
	p.Reset(id)
	return p
}

// Load copies a raw page image. It does not validate it.
func Load(raw []byte) (*LogPage, error) {
	if len(raw) != PageSize {
		return nil, errors.Wrapf(
			common.ErrCorruptPage,
			"page image has %d bytes, expected %d",
			len(raw),
			PageSize,
		)
	}

	p := &LogPage{}
	copy(p.data[:], raw)
	return p, nil
}

func (p *LogPage) Reset(id common.PageID) {
	clear(p.data[:])
	binary.BigEndian.PutUint64(p.data[pageIDOffset:], uint64(id))
	binary.BigEndian.PutUint32(p.data[lastRecordOffset:], NoRecord)
}

func (p *LogPage) PageID() common.PageID {
	return common.PageID(binary.BigEndian.Uint64(p.data[pageIDOffset:]))
}

func (p *LogPage) Used() uint32 {
	return binary.BigEndian.Uint32(p.data[usedOffset:])
}

func (p *LogPage) Free() int {
	return AreaSize - int(p.Used())
}

func (p *LogPage) LastRecordOffset() uint32 {
	return binary.BigEndian.Uint32(p.data[lastRecordOffset:])
}

// Reserve hands out n bytes at the end of the used area and records
// them as the last record start.
func (p *LogPage) Reserve(n int) (uint32, []byte, bool) {
	if n <= 0 || n > p.Free() {
		return 0, nil, false
	}

	offset := p.Used()
	end := offset + uint32(n) //nolint:gosec

	binary.BigEndian.PutUint32(p.data[lastRecordOffset:], offset)
	binary.BigEndian.PutUint32(p.data[usedOffset:], end)

	return offset, p.data[HeaderSize+offset : HeaderSize+end], true
}

func (p *LogPage) Append(rec []byte) (uint32, bool) {
	offset, dst, ok := p.Reserve(len(rec))
	if !ok {
		return 0, false
	}
	copy(dst, rec)
	return offset, true
}

// Truncate drops everything from used on. lastRecord must be the start
// of the last record that survives, or NoRecord.
func (p *LogPage) Truncate(used, lastRecord uint32) {
	assert.Assert(used <= p.Used(), "truncate to %d grows page with %d used bytes", used, p.Used())
	assert.Assert(lastRecord == NoRecord || lastRecord < used, "last record %d is past %d", lastRecord, used)

	clear(p.data[HeaderSize+used : HeaderSize+p.Used()])
	binary.BigEndian.PutUint32(p.data[lastRecordOffset:], lastRecord)
	binary.BigEndian.PutUint32(p.data[usedOffset:], used)
}

// From returns the used part of the area starting at offset.
func (p *LogPage) From(offset uint32) []byte {
	used := p.Used()
	assert.Assert(offset <= used, "offset %d is past used bytes %d", offset, used)
	return p.data[HeaderSize+offset : HeaderSize+used]
}

func (p *LogPage) Area() []byte {
	return p.data[HeaderSize : HeaderSize+p.Used()]
}

func (p *LogPage) computeChecksum() uint64 {
	return xxhash.Sum64(p.data[lastRecordOffset:])
}

// Seal stamps the checksum. Must be called before the image leaves memory.
func (p *LogPage) Seal() {
	binary.BigEndian.PutUint64(p.data[checksumOffset:], p.computeChecksum())
}

func (p *LogPage) Checksum() uint64 {
	return binary.BigEndian.Uint64(p.data[checksumOffset:])
}

// Validate checks the checksum and that the page carries the expected id.
func (p *LogPage) Validate(expected common.PageID) error {
	if got := p.Checksum(); got != p.computeChecksum() {
		return errors.Wrapf(common.ErrCorruptPage, "checksum mismatch on page %d", expected)
	}

	if p.PageID() != expected {
		return errors.Wrapf(
			common.ErrCorruptPage,
			"page id mismatch: expected %d, found %d",
			expected,
			p.PageID(),
		)
	}

	if p.Used() > AreaSize {
		return errors.Wrapf(common.ErrCorruptPage, "page %d used bytes overflow", expected)
	}

	return nil
}

// Bytes exposes the raw page image. The caller must not modify it.
func (p *LogPage) Bytes() []byte {
	return p.data[:]
}

func (p *LogPage) Clone() *LogPage {
	c := &LogPage{}
	c.data = p.data
	return c
}
