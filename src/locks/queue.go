package locks

import (
	"sync"

	"github.com/Blackdeer1524/txnlog/src/pkg/assert"
	"github.com/Blackdeer1524/txnlog/src/pkg/common"
)

type queueEntry struct {
	txnID    common.TxnID
	mode     Mode
	granted  bool
	notifier chan struct{}
}

// queue holds the granted prefix followed by the waiters of one
// resource, in arrival order.
type queue struct {
	mu      sync.Mutex
	entries []*queueEntry
}

func (q *queue) find(txnID common.TxnID) (int, *queueEntry) {
	for i, e := range q.entries {
		if e.txnID == txnID {
			return i, e
		}
	}
	return -1, nil
}

func (q *queue) grantedMode(txnID common.TxnID) (Mode, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, e := q.find(txnID)
	if e == nil || !e.granted {
		return 0, false
	}
	return e.mode, true
}

// lock returns a channel closed once the lock is granted, or nil when the
// requester must abort. Wait-die: a transaction only waits for younger
// ones; a younger requester conflicting with an older one is refused.
func (q *queue) lock(r Request) <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, held := q.find(r.TxnID); held != nil {
		return q.upgradeLocked(held, r)
	}

	compatibleWithAll := true
	for _, e := range q.entries {
		if compatible(r.Mode, e.mode) {
			continue
		}
		compatibleWithAll = false
		if e.txnID < r.TxnID {
			return nil
		}
	}

	e := &queueEntry{
		txnID:    r.TxnID,
		mode:     r.Mode,
		notifier: make(chan struct{}),
	}
	q.entries = append(q.entries, e)
	if compatibleWithAll {
		e.granted = true
		close(e.notifier)
	}
	return e.notifier
}

func (q *queue) upgradeLocked(held *queueEntry, r Request) <-chan struct{} {
	if covers(held.mode, r.Mode) {
		return held.notifier
	}
	assert.Assert(held.granted, "transaction %d upgrades a lock it is still waiting for", r.TxnID)

	for _, e := range q.entries {
		if e != held && e.granted {
			// another holder of the shared lock: upgrading would deadlock
			// whenever that holder upgrades too
			return nil
		}
	}
	held.mode = Exclusive
	return held.notifier
}

// unlock drops the entry of txnID, granted or waiting, and grants the
// waiters that became compatible. It reports whether the queue is empty.
func (q *queue) unlock(txnID common.TxnID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	i, _ := q.find(txnID)
	if i < 0 {
		return len(q.entries) == 0
	}
	q.entries = append(q.entries[:i], q.entries[i+1:]...)

	q.grantLocked()
	return len(q.entries) == 0
}

func (q *queue) grantLocked() {
	var grantedModes []Mode
	for _, e := range q.entries {
		if e.granted {
			grantedModes = append(grantedModes, e.mode)
			continue
		}
		for _, m := range grantedModes {
			if !compatible(m, e.mode) {
				return
			}
		}
		e.granted = true
		close(e.notifier)
		grantedModes = append(grantedModes, e.mode)
	}
}
