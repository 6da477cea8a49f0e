package txns

import (
	"sync"
	"time"

	"github.com/Blackdeer1524/txnlog/src/pkg/common"
	"github.com/Blackdeer1524/txnlog/src/pkg/utils"
)

type IsolationLevel uint8

const (
	ReadCommitted IsolationLevel = iota + 1
	RepeatableRead
	Serializable
)

// TopOp is an entry of the top operation stack.
type TopOp struct {
	LastParentLSA common.LSA
	PostponeLSA   common.LSA

	mark PostponeMark
}

// CoordinatorInfo is kept by a transaction that coordinates a two-phase
// commit of its own participants.
type CoordinatorInfo struct {
	Participants []string
	Acks         utils.Bitset
}

func NewCoordinatorInfo(participants []string) *CoordinatorInfo {
	return &CoordinatorInfo{
		Participants: participants,
		Acks:         utils.NewBitset(len(participants)),
	}
}

// Descriptor is the state of one transaction. Its fields are only touched
// by the goroutine running the transaction; the interrupt signal is the
// exception.
type Descriptor struct {
	Index     common.TranIndex
	TxnID     common.TxnID
	State     State
	Isolation IsolationLevel
	BeganAt   time.Time

	HeadLSA common.LSA
	TailLSA common.LSA
	// UndoNextLSA is the next record to undo.
	UndoNextLSA common.LSA
	// PostponeNextLSA is the first postpone record of the transaction.
	PostponeNextLSA common.LSA
	// SavepointLSA is the most recent savepoint record.
	SavepointLSA common.LSA

	TopOps []TopOp

	Gtrid   common.Gtrid
	GtrInfo []byte
	Coord   *CoordinatorInfo

	Postpones *PostponeCache

	WaitTimeout time.Duration

	mu          sync.Mutex
	interrupted bool
	interruptCh chan struct{}
}

func newDescriptor(idx common.TranIndex, cache *PostponeCache) *Descriptor {
	d := &Descriptor{Index: idx, Postpones: cache}
	d.reset()
	return d
}

func (d *Descriptor) reset() {
	d.TxnID = common.NilTxnID
	d.State = 0
	d.Isolation = 0
	d.BeganAt = time.Time{}
	d.HeadLSA = common.NilLSA
	d.TailLSA = common.NilLSA
	d.UndoNextLSA = common.NilLSA
	d.PostponeNextLSA = common.NilLSA
	d.SavepointLSA = common.NilLSA
	d.TopOps = d.TopOps[:0]
	d.Gtrid = common.NilGtrid
	d.GtrInfo = nil
	d.Coord = nil
	d.Postpones.Reset()
	d.WaitTimeout = 0

	d.mu.Lock()
	d.interrupted = false
	d.interruptCh = make(chan struct{})
	d.mu.Unlock()
}

// Interrupt asks the transaction to abort at its next check point. It is
// safe to call from any goroutine.
func (d *Descriptor) Interrupt() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.interrupted {
		d.interrupted = true
		close(d.interruptCh)
	}
}

func (d *Descriptor) Interrupted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.interrupted
}

func (d *Descriptor) interruptSignal() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.interruptCh
}

func (d *Descriptor) InTopOp() bool {
	return len(d.TopOps) > 0
}

// IsCoordinator reports whether the transaction runs a vote of its own.
func (d *Descriptor) IsCoordinator() bool {
	return d.Coord != nil && len(d.Coord.Participants) > 0
}
