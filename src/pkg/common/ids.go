package common

import (
	"bytes"
	"encoding/binary"
	"math"
)

// TxnID is the durable transaction identifier written into every log
// record. It is monotonically increasing and never reused.
type TxnID uint64

// TranIndex is the slot of a transaction descriptor in the transaction
// table. Indices are reused once a slot is released.
type TranIndex int

// Gtrid identifies a distributed (two-phase) transaction across sites.
type Gtrid uint32

type PageID uint64

type FileID uint64

const (
	NilTxnID     TxnID     = 0
	SystemTxnID  TxnID     = math.MaxUint64
	NilTranIndex TranIndex = -1

	// SystemTranIndex is reserved for the recovery/system transaction.
	SystemTranIndex TranIndex = 0

	NilGtrid  Gtrid  = 0
	NilPageID PageID = math.MaxUint64
)

// PageIdentity names a data page of the storage engine a log record
// applies to.
type PageIdentity struct {
	FileID FileID
	PageID PageID
}

const SerializedPageIdentitySize = 16

// HeldLock is a page lock kept by a prepared transaction. Prepare records
// carry them so that restart can lock the pages again.
type HeldLock struct {
	Page      PageIdentity
	Exclusive bool
}

const SerializedHeldLockSize = SerializedPageIdentitySize + 1

func (p PageIdentity) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.BigEndian, p.FileID)
	_ = binary.Write(buf, binary.BigEndian, p.PageID)

	return buf.Bytes(), nil
}

func (p *PageIdentity) UnmarshalBinary(data []byte) error {
	rd := bytes.NewReader(data)
	if err := binary.Read(rd, binary.BigEndian, &p.FileID); err != nil {
		return err
	}

	return binary.Read(rd, binary.BigEndian, &p.PageID)
}
