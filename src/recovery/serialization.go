package recovery

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/go-faster/errors"

	"github.com/Blackdeer1524/txnlog/src/pkg/assert"
	"github.com/Blackdeer1524/txnlog/src/pkg/common"
)

func (e Entry) EncodedLen() int {
	return HeaderSize + e.Body.payloadLen()
}

// EncodeAt writes the record into dst, which must be exactly
// EncodedLen bytes long.
func (e Entry) EncodeAt(at, back common.LSA, dst []byte) {
	n := len(dst)
	payload := e.Body.payloadLen()
	assert.Assert(n == HeaderSize+payload, "destination has %d bytes, record needs %d", n, HeaderSize+payload)

	b := dst[:0]
	b = append(b, byte(e.Body.Type()))
	b = binary.BigEndian.AppendUint64(b, uint64(e.TxnID))
	b = appendLSA(b, e.PrevTran)
	b = appendLSA(b, back)
	b = appendLSA(b, common.NewLSA(at.PageID, at.Offset+uint32(n))) //nolint:gosec
	b = binary.BigEndian.AppendUint32(b, uint32(payload))         //nolint:gosec
	b = e.Body.appendPayload(b)

	assert.Assert(len(b) == n, "encoded %d bytes, expected %d", len(b), n)
}

// Encode returns a standalone image of the record as it would be appended
// at lsa.
func (e Entry) Encode(at, back common.LSA) []byte {
	dst := make([]byte, e.EncodedLen())
	e.EncodeAt(at, back, dst)
	return dst
}

func appendLSA(b []byte, lsa common.LSA) []byte {
	b = binary.BigEndian.AppendUint64(b, uint64(lsa.PageID))
	return binary.BigEndian.AppendUint32(b, lsa.Offset)
}

func appendBytes(b, data []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, uint32(len(data))) //nolint:gosec
	return append(b, data...)
}

func appendRef(b []byte, ref DataRef) []byte {
	b = binary.BigEndian.AppendUint16(b, ref.RcvIndex)
	b = binary.BigEndian.AppendUint64(b, uint64(ref.Page.FileID))
	b = binary.BigEndian.AppendUint64(b, uint64(ref.Page.PageID))
	return binary.BigEndian.AppendUint32(b, ref.Offset)
}

func appendGtrid(b []byte, g common.Gtrid) []byte {
	return binary.BigEndian.AppendUint32(b, uint32(g))
}

func (r UndoRedo) payloadLen() int { return dataRefSize + 4 + len(r.Undo) + 4 + len(r.Redo) }
func (r UndoRedo) appendPayload(b []byte) []byte {
	return appendBytes(appendBytes(appendRef(b, r.Ref), r.Undo), r.Redo)
}

func (r Undo) payloadLen() int { return dataRefSize + 4 + len(r.Undo) }
func (r Undo) appendPayload(b []byte) []byte {
	return appendBytes(appendRef(b, r.Ref), r.Undo)
}

func (r Redo) payloadLen() int { return dataRefSize + 4 + len(r.Redo) }
func (r Redo) appendPayload(b []byte) []byte {
	return appendBytes(appendRef(b, r.Ref), r.Redo)
}

func (r Postpone) payloadLen() int { return dataRefSize + 4 + len(r.Redo) }
func (r Postpone) appendPayload(b []byte) []byte {
	return appendBytes(appendRef(b, r.Ref), r.Redo)
}

func (r RunPostpone) payloadLen() int {
	return dataRefSize + common.SerializedLSASize + 4 + len(r.Redo)
}
func (r RunPostpone) appendPayload(b []byte) []byte {
	return appendBytes(appendLSA(appendRef(b, r.Ref), r.RefLSA), r.Redo)
}

func (r Compensate) payloadLen() int {
	return dataRefSize + common.SerializedLSASize + 4 + len(r.Undo)
}
func (r Compensate) appendPayload(b []byte) []byte {
	return appendBytes(appendLSA(appendRef(b, r.Ref), r.UndoNext), r.Undo)
}

func (r CommitWithPostpone) payloadLen() int { return common.SerializedLSASize + 8 }
func (r CommitWithPostpone) appendPayload(b []byte) []byte {
	return binary.BigEndian.AppendUint64(appendLSA(b, r.StartPostpone), uint64(r.At)) //nolint:gosec
}

func (r Commit) payloadLen() int { return 8 }
func (r Commit) appendPayload(b []byte) []byte {
	return binary.BigEndian.AppendUint64(b, uint64(r.At)) //nolint:gosec
}

func (r Abort) payloadLen() int { return 8 }
func (r Abort) appendPayload(b []byte) []byte {
	return binary.BigEndian.AppendUint64(b, uint64(r.At)) //nolint:gosec
}

func (r TopOpCommit) payloadLen() int              { return common.SerializedLSASize }
func (r TopOpCommit) appendPayload(b []byte) []byte { return appendLSA(b, r.LastParent) }

func (r TopOpAbort) payloadLen() int              { return common.SerializedLSASize }
func (r TopOpAbort) appendPayload(b []byte) []byte { return appendLSA(b, r.LastParent) }

func (r Savepoint) payloadLen() int { return 4 + len(r.Name) + common.SerializedLSASize }
func (r Savepoint) appendPayload(b []byte) []byte {
	return appendLSA(appendBytes(b, []byte(r.Name)), r.PrevSavepoint)
}

func (r PartialRollback) payloadLen() int              { return common.SerializedLSASize }
func (r PartialRollback) appendPayload(b []byte) []byte { return appendLSA(b, r.To) }

func (DummyHeadPostpone) payloadLen() int              { return 0 }
func (DummyHeadPostpone) appendPayload(b []byte) []byte { return b }

func (r TwoPCStart) payloadLen() int {
	n := 4 + 4
	for _, p := range r.Participants {
		n += 4 + len(p)
	}
	return n
}
func (r TwoPCStart) appendPayload(b []byte) []byte {
	b = appendGtrid(b, r.Gtrid)
	b = binary.BigEndian.AppendUint32(b, uint32(len(r.Participants))) //nolint:gosec
	for _, p := range r.Participants {
		b = appendBytes(b, []byte(p))
	}
	return b
}

func (r TwoPCPrepare) payloadLen() int {
	return 4 + 4 + len(r.Info) + 4 + len(r.Locks)*common.SerializedHeldLockSize
}
func (r TwoPCPrepare) appendPayload(b []byte) []byte {
	b = appendBytes(appendGtrid(b, r.Gtrid), r.Info)
	b = binary.BigEndian.AppendUint32(b, uint32(len(r.Locks))) //nolint:gosec
	for _, l := range r.Locks {
		b = binary.BigEndian.AppendUint64(b, uint64(l.Page.FileID))
		b = binary.BigEndian.AppendUint64(b, uint64(l.Page.PageID))
		mode := byte(0)
		if l.Exclusive {
			mode = 1
		}
		b = append(b, mode)
	}
	return b
}

func (r TwoPCCommitDecision) payloadLen() int              { return 4 }
func (r TwoPCCommitDecision) appendPayload(b []byte) []byte { return appendGtrid(b, r.Gtrid) }

func (r TwoPCAbortDecision) payloadLen() int              { return 4 }
func (r TwoPCAbortDecision) appendPayload(b []byte) []byte { return appendGtrid(b, r.Gtrid) }

func (r TwoPCCommitInformParticipants) payloadLen() int { return 4 }
func (r TwoPCCommitInformParticipants) appendPayload(b []byte) []byte {
	return appendGtrid(b, r.Gtrid)
}

func (r TwoPCAbortInformParticipants) payloadLen() int { return 4 }
func (r TwoPCAbortInformParticipants) appendPayload(b []byte) []byte {
	return appendGtrid(b, r.Gtrid)
}

func (r TwoPCRecvAck) payloadLen() int { return 4 }
func (r TwoPCRecvAck) appendPayload(b []byte) []byte {
	return binary.BigEndian.AppendUint32(b, r.Index)
}

func readLSA(rd *bytes.Reader) (common.LSA, error) {
	var raw [common.SerializedLSASize]byte
	if _, err := io.ReadFull(rd, raw[:]); err != nil {
		return common.NilLSA, err
	}
	return common.ReadLSA(raw[:]), nil
}

func readBytes(rd *bytes.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(rd, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	if int64(n) > int64(rd.Len()) {
		return nil, errors.Errorf("length %d exceeds remaining %d bytes", n, rd.Len())
	}
	data := make([]byte, n)
	_, err := io.ReadFull(rd, data)
	return data, err
}

func readRef(rd *bytes.Reader) (DataRef, error) {
	var ref DataRef
	if err := binary.Read(rd, binary.BigEndian, &ref.RcvIndex); err != nil {
		return ref, err
	}
	if err := binary.Read(rd, binary.BigEndian, &ref.Page.FileID); err != nil {
		return ref, err
	}
	if err := binary.Read(rd, binary.BigEndian, &ref.Page.PageID); err != nil {
		return ref, err
	}
	err := binary.Read(rd, binary.BigEndian, &ref.Offset)
	return ref, err
}

func readHeldLocks(rd *bytes.Reader) ([]common.HeldLock, error) {
	var n uint32
	if err := binary.Read(rd, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	if int64(n)*common.SerializedHeldLockSize > int64(rd.Len()) {
		return nil, errors.Errorf("%d locks do not fit into %d bytes", n, rd.Len())
	}
	if n == 0 {
		return nil, nil
	}

	locks := make([]common.HeldLock, n)
	for i := range locks {
		if err := binary.Read(rd, binary.BigEndian, &locks[i].Page.FileID); err != nil {
			return nil, err
		}
		if err := binary.Read(rd, binary.BigEndian, &locks[i].Page.PageID); err != nil {
			return nil, err
		}
		mode, err := rd.ReadByte()
		if err != nil {
			return nil, err
		}
		locks[i].Exclusive = mode == 1
	}
	return locks, nil
}

func readHeader(rd *bytes.Reader) (Header, error) {
	var h Header

	tag, err := rd.ReadByte()
	if err != nil {
		return h, err
	}
	h.Type = RecordType(tag)

	if err := binary.Read(rd, binary.BigEndian, &h.TxnID); err != nil {
		return h, err
	}
	if h.PrevTran, err = readLSA(rd); err != nil {
		return h, err
	}
	if h.Back, err = readLSA(rd); err != nil {
		return h, err
	}
	if h.Forw, err = readLSA(rd); err != nil {
		return h, err
	}
	err = binary.Read(rd, binary.BigEndian, &h.PayloadLen)
	return h, err
}

// Decode parses the record stored at lsa. data starts at the record and
// may extend past it.
func Decode(lsa common.LSA, data []byte) (Record, error) {
	rec, err := decode(lsa, data)
	if err != nil {
		return Record{}, errors.Wrapf(common.ErrCorruptPage, "record at %s: %v", lsa, err)
	}
	return rec, nil
}

func decode(lsa common.LSA, data []byte) (Record, error) {
	if len(data) < HeaderSize {
		return Record{}, errors.Errorf("%d bytes left, header needs %d", len(data), HeaderSize)
	}

	h, err := readHeader(bytes.NewReader(data[:HeaderSize]))
	if err != nil {
		return Record{}, err
	}
	if !h.Type.Valid() {
		return Record{}, errors.Errorf("unknown record type %d", h.Type)
	}

	end := HeaderSize + int(h.PayloadLen)
	if end > len(data) {
		return Record{}, errors.Errorf("payload of %d bytes overruns the page", h.PayloadLen)
	}
	if want := common.NewLSA(lsa.PageID, lsa.Offset+uint32(end)); h.Forw != want { //nolint:gosec
		return Record{}, errors.Errorf("forward address %s, expected %s", h.Forw, want)
	}

	rd := bytes.NewReader(data[HeaderSize:end])
	body, err := decodeBody(h.Type, rd)
	if err != nil {
		return Record{}, errors.Wrapf(err, "decode %s payload", h.Type)
	}
	if rd.Len() != 0 {
		return Record{}, errors.Errorf("%d trailing payload bytes in %s", rd.Len(), h.Type)
	}

	return Record{LSA: lsa, Header: h, Body: body}, nil
}

func decodeBody(t RecordType, rd *bytes.Reader) (Body, error) {
	var err error

	switch t {
	case TypeUndoRedo:
		var r UndoRedo
		if r.Ref, err = readRef(rd); err != nil {
			return nil, err
		}
		if r.Undo, err = readBytes(rd); err != nil {
			return nil, err
		}
		r.Redo, err = readBytes(rd)
		return r, err
	case TypeUndo:
		var r Undo
		if r.Ref, err = readRef(rd); err != nil {
			return nil, err
		}
		r.Undo, err = readBytes(rd)
		return r, err
	case TypeRedo:
		var r Redo
		if r.Ref, err = readRef(rd); err != nil {
			return nil, err
		}
		r.Redo, err = readBytes(rd)
		return r, err
	case TypePostpone:
		var r Postpone
		if r.Ref, err = readRef(rd); err != nil {
			return nil, err
		}
		r.Redo, err = readBytes(rd)
		return r, err
	case TypeRunPostpone:
		var r RunPostpone
		if r.Ref, err = readRef(rd); err != nil {
			return nil, err
		}
		if r.RefLSA, err = readLSA(rd); err != nil {
			return nil, err
		}
		r.Redo, err = readBytes(rd)
		return r, err
	case TypeCompensate:
		var r Compensate
		if r.Ref, err = readRef(rd); err != nil {
			return nil, err
		}
		if r.UndoNext, err = readLSA(rd); err != nil {
			return nil, err
		}
		r.Undo, err = readBytes(rd)
		return r, err
	case TypeCommitWithPostpone:
		var r CommitWithPostpone
		if r.StartPostpone, err = readLSA(rd); err != nil {
			return nil, err
		}
		err = binary.Read(rd, binary.BigEndian, &r.At)
		return r, err
	case TypeCommit:
		var r Commit
		err = binary.Read(rd, binary.BigEndian, &r.At)
		return r, err
	case TypeAbort:
		var r Abort
		err = binary.Read(rd, binary.BigEndian, &r.At)
		return r, err
	case TypeTopOpCommit:
		var r TopOpCommit
		r.LastParent, err = readLSA(rd)
		return r, err
	case TypeTopOpAbort:
		var r TopOpAbort
		r.LastParent, err = readLSA(rd)
		return r, err
	case TypeSavepoint:
		var r Savepoint
		name, err := readBytes(rd)
		if err != nil {
			return nil, err
		}
		r.Name = string(name)
		r.PrevSavepoint, err = readLSA(rd)
		return r, err
	case TypePartialRollback:
		var r PartialRollback
		r.To, err = readLSA(rd)
		return r, err
	case TypeDummyHeadPostpone:
		return DummyHeadPostpone{}, nil
	case Type2PCStart:
		var r TwoPCStart
		if err := binary.Read(rd, binary.BigEndian, &r.Gtrid); err != nil {
			return nil, err
		}
		var n uint32
		if err := binary.Read(rd, binary.BigEndian, &n); err != nil {
			return nil, err
		}
		if int64(n)*4 > int64(rd.Len()) {
			return nil, errors.Errorf("%d participants do not fit into %d bytes", n, rd.Len())
		}
		r.Participants = make([]string, 0, n)
		for range n {
			p, err := readBytes(rd)
			if err != nil {
				return nil, err
			}
			r.Participants = append(r.Participants, string(p))
		}
		return r, nil
	case Type2PCPrepare:
		var r TwoPCPrepare
		if err := binary.Read(rd, binary.BigEndian, &r.Gtrid); err != nil {
			return nil, err
		}
		if r.Info, err = readBytes(rd); err != nil {
			return nil, err
		}
		r.Locks, err = readHeldLocks(rd)
		return r, err
	case Type2PCCommitDecision:
		var r TwoPCCommitDecision
		err = binary.Read(rd, binary.BigEndian, &r.Gtrid)
		return r, err
	case Type2PCAbortDecision:
		var r TwoPCAbortDecision
		err = binary.Read(rd, binary.BigEndian, &r.Gtrid)
		return r, err
	case Type2PCCommitInformParticipants:
		var r TwoPCCommitInformParticipants
		err = binary.Read(rd, binary.BigEndian, &r.Gtrid)
		return r, err
	case Type2PCAbortInformParticipants:
		var r TwoPCAbortInformParticipants
		err = binary.Read(rd, binary.BigEndian, &r.Gtrid)
		return r, err
	case Type2PCRecvAck:
		var r TwoPCRecvAck
		err = binary.Read(rd, binary.BigEndian, &r.Index)
		return r, err
	default:
		assert.Unreachable("unhandled record type %s", t)
		return nil, nil
	}
}
