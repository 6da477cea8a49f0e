package txns

import (
	"sync"
	"time"

	"github.com/go-faster/errors"

	"github.com/Blackdeer1524/txnlog/src/pkg/assert"
	"github.com/Blackdeer1524/txnlog/src/pkg/common"
)

// Table is a fixed arena of descriptors. Transactions are addressed by
// slot index; a slot and its postpone cache are reused after release.
// Slot 0 belongs to the system transaction.
type Table struct {
	mu    sync.Mutex
	slots []*Descriptor
	used  []bool
	free  []common.TranIndex
	byTxn map[common.TxnID]common.TranIndex
}

func NewTable(capacity, postponeEntries, postponeBytes int) *Table {
	assert.Assert(capacity > 1, "table needs room for the system transaction and one more")

	t := &Table{
		slots: make([]*Descriptor, capacity),
		used:  make([]bool, capacity),
		byTxn: make(map[common.TxnID]common.TranIndex, capacity),
	}
	for i := range t.slots {
		t.slots[i] = newDescriptor(common.TranIndex(i), NewPostponeCache(postponeEntries, postponeBytes))
	}
	for i := capacity - 1; i > int(common.SystemTranIndex); i-- {
		t.free = append(t.free, common.TranIndex(i))
	}

	sys := t.slots[common.SystemTranIndex]
	sys.TxnID = common.SystemTxnID
	sys.State = StateActive
	t.used[common.SystemTranIndex] = true
	t.byTxn[common.SystemTxnID] = common.SystemTranIndex

	return t
}

// Allocate takes a free slot for txnID.
func (t *Table) Allocate(txnID common.TxnID) (*Descriptor, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.byTxn[txnID]; ok {
		return nil, errors.Errorf("transaction %d already has a descriptor", txnID)
	}

	n := len(t.free)
	if n == 0 {
		return nil, errors.Wrapf(common.ErrTableFull, "%d slots in use", len(t.slots))
	}

	idx := t.free[n-1]
	t.free = t.free[:n-1]
	t.used[idx] = true
	t.byTxn[txnID] = idx

	d := t.slots[idx]
	d.TxnID = txnID
	d.BeganAt = time.Now()
	return d, nil
}

// Release returns the slot to the free list. The descriptor is reset, so
// callers must not keep using it.
func (t *Table) Release(idx common.TranIndex) {
	assert.Assert(idx != common.SystemTranIndex, "the system transaction is never released")

	t.mu.Lock()
	defer t.mu.Unlock()

	assert.Assert(t.used[idx], "slot %d is not in use", idx)

	d := t.slots[idx]
	delete(t.byTxn, d.TxnID)
	d.reset()

	t.used[idx] = false
	t.free = append(t.free, idx)
}

func (t *Table) Get(idx common.TranIndex) (*Descriptor, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if idx < 0 || int(idx) >= len(t.slots) || !t.used[idx] {
		return nil, errors.Wrapf(common.ErrUnknownTransaction, "slot %d", idx)
	}
	return t.slots[idx], nil
}

func (t *Table) ByTxnID(txnID common.TxnID) (*Descriptor, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx, ok := t.byTxn[txnID]
	if !ok {
		return nil, errors.Wrapf(common.ErrUnknownTransaction, "transaction %d", txnID)
	}
	return t.slots[idx], nil
}

// AssignGtrid binds a global transaction id to a slot.
func (t *Table) AssignGtrid(idx common.TranIndex, gtrid common.Gtrid) {
	t.mu.Lock()
	defer t.mu.Unlock()

	assert.Assert(t.used[idx], "slot %d is not in use", idx)
	t.slots[idx].Gtrid = gtrid
}

// ByGtrid finds the descriptor of a distributed transaction.
func (t *Table) ByGtrid(gtrid common.Gtrid) (*Descriptor, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, d := range t.slots {
		if t.used[i] && d.Gtrid == gtrid && gtrid != common.NilGtrid {
			return d, true
		}
	}
	return nil, false
}

// Snapshot returns the descriptors in use, system transaction excluded.
// Only read the fields that their owners do not change concurrently.
func (t *Table) Snapshot() []*Descriptor {
	t.mu.Lock()
	defer t.mu.Unlock()

	var res []*Descriptor
	for i, d := range t.slots {
		if t.used[i] && common.TranIndex(i) != common.SystemTranIndex {
			res = append(res, d)
		}
	}
	return res
}

func (t *Table) Capacity() int {
	return len(t.slots)
}

// InUse counts allocated slots including the system one.
func (t *Table) InUse() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots) - len(t.free)
}
