package common

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/go-faster/errors"
)

// LSA is a log sequence address: the position of a log record inside the
// log, expressed as a logical page id and an offset into the page area.
type LSA struct {
	PageID PageID
	Offset uint32
}

const SerializedLSASize = 12

// NilLSA is the "no address" sentinel. It compares greater than every
// real address, so callers must test IsNil before ordering.
var NilLSA = LSA{PageID: NilPageID, Offset: math.MaxUint32}

func NewLSA(pageID PageID, offset uint32) LSA {
	return LSA{PageID: pageID, Offset: offset}
}

func (l LSA) IsNil() bool {
	return l == NilLSA
}

// Compare returns -1, 0 or 1.
func (l LSA) Compare(other LSA) int {
	switch {
	case l.PageID < other.PageID:
		return -1
	case l.PageID > other.PageID:
		return 1
	case l.Offset < other.Offset:
		return -1
	case l.Offset > other.Offset:
		return 1
	default:
		return 0
	}
}

func (l LSA) Less(other LSA) bool {
	return l.Compare(other) < 0
}

func (l LSA) LessOrEqual(other LSA) bool {
	return l.Compare(other) <= 0
}

// MaxLSA treats NilLSA as absent.
func MaxLSA(a, b LSA) LSA {
	if a.IsNil() {
		return b
	}
	if b.IsNil() {
		return a
	}
	if a.Less(b) {
		return b
	}
	return a
}

// MinLSA treats NilLSA as absent.
func MinLSA(a, b LSA) LSA {
	if a.IsNil() {
		return b
	}
	if b.IsNil() {
		return a
	}
	if b.Less(a) {
		return b
	}
	return a
}

func (l LSA) String() string {
	if l.IsNil() {
		return "(nil)"
	}
	return fmt.Sprintf("(%d|%d)", l.PageID, l.Offset)
}

// Put writes the 12-byte big-endian form of l into dst.
func (l LSA) Put(dst []byte) {
	binary.BigEndian.PutUint64(dst[0:8], uint64(l.PageID))
	binary.BigEndian.PutUint32(dst[8:12], l.Offset)
}

func ReadLSA(src []byte) LSA {
	return LSA{
		PageID: PageID(binary.BigEndian.Uint64(src[0:8])),
		Offset: binary.BigEndian.Uint32(src[8:12]),
	}
}

func (l LSA) MarshalBinary() ([]byte, error) {
	b := make([]byte, SerializedLSASize)
	l.Put(b)
	return b, nil
}

func (l *LSA) UnmarshalBinary(data []byte) error {
	if len(data) < SerializedLSASize {
		return errors.Errorf("lsa needs %d bytes, got %d", SerializedLSASize, len(data))
	}
	*l = ReadLSA(data)
	return nil
}
