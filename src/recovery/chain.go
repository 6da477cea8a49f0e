package recovery

import (
	"time"

	"github.com/Blackdeer1524/txnlog/src/pkg/common"
	"github.com/Blackdeer1524/txnlog/src/wal/logbuffer"
)

type Appender interface {
	Append(e logbuffer.Encoder) (common.LSA, error)
}

// TxnLogChain appends records for one or more transactions, threading
// the per-transaction previous record address. The first error sticks
// and turns the remaining calls into no-ops.
type TxnLogChain struct {
	app   Appender
	txnID common.TxnID

	lastLocations map[common.TxnID]common.LSA
	err           error
}

func NewTxnLogChain(app Appender, txnID common.TxnID) *TxnLogChain {
	return &TxnLogChain{
		app:           app,
		txnID:         txnID,
		lastLocations: map[common.TxnID]common.LSA{},
	}
}

func (c *TxnLogChain) SwitchTransactionID(txnID common.TxnID) *TxnLogChain {
	if c.err != nil {
		return c
	}

	c.txnID = txnID
	return c
}

// Append logs an arbitrary body for the current transaction.
func (c *TxnLogChain) Append(body Body) *TxnLogChain {
	if c.err != nil {
		return c
	}

	prev, ok := c.lastLocations[c.txnID]
	if !ok {
		prev = common.NilLSA
	}

	lsa, err := c.app.Append(NewEntry(c.txnID, prev, body))
	if err != nil {
		c.err = err
		return c
	}

	c.lastLocations[c.txnID] = lsa
	return c
}

func (c *TxnLogChain) UndoRedo(ref DataRef, undo, redo []byte) *TxnLogChain {
	return c.Append(UndoRedo{Ref: ref, Undo: undo, Redo: redo})
}

func (c *TxnLogChain) Postpone(ref DataRef, redo []byte) *TxnLogChain {
	return c.Append(Postpone{Ref: ref, Redo: redo})
}

func (c *TxnLogChain) Savepoint(name string, prev common.LSA) *TxnLogChain {
	return c.Append(Savepoint{Name: name, PrevSavepoint: prev})
}

func (c *TxnLogChain) Commit() *TxnLogChain {
	return c.Append(Commit{At: time.Now().UnixNano()})
}

func (c *TxnLogChain) Abort() *TxnLogChain {
	return c.Append(Abort{At: time.Now().UnixNano()})
}

func (c *TxnLogChain) Start(gtrid common.Gtrid, participants ...string) *TxnLogChain {
	return c.Append(TwoPCStart{Gtrid: gtrid, Participants: participants})
}

func (c *TxnLogChain) Prepare(gtrid common.Gtrid, info []byte) *TxnLogChain {
	return c.Append(TwoPCPrepare{Gtrid: gtrid, Info: info})
}

func (c *TxnLogChain) CommitDecision(gtrid common.Gtrid) *TxnLogChain {
	return c.Append(TwoPCCommitDecision{Gtrid: gtrid})
}

func (c *TxnLogChain) AbortDecision(gtrid common.Gtrid) *TxnLogChain {
	return c.Append(TwoPCAbortDecision{Gtrid: gtrid})
}

func (c *TxnLogChain) RecvAck(index uint32) *TxnLogChain {
	return c.Append(TwoPCRecvAck{Index: index})
}

func (c *TxnLogChain) Loc() common.LSA {
	if lsa, ok := c.lastLocations[c.txnID]; ok {
		return lsa
	}
	return common.NilLSA
}

func (c *TxnLogChain) Err() error {
	return c.err
}
