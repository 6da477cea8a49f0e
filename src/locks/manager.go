// Package locks is a page lock table with wait-die deadlock prevention.
// It also carries kill requests for transactions, which the transaction
// manager checks before committing.
package locks

import (
	"slices"
	"sync"

	"github.com/go-faster/errors"

	"github.com/Blackdeer1524/txnlog/src"
	"github.com/Blackdeer1524/txnlog/src/pkg/common"
)

type Manager struct {
	logger src.Logger

	qsGuard sync.Mutex
	qs      map[Resource]*queue

	lockedGuard sync.Mutex
	locked      map[common.TxnID]map[Resource]struct{}
	killed      map[common.TxnID]struct{}
}

func NewManager(logger src.Logger) *Manager {
	return &Manager{
		logger: logger,
		qs:     map[Resource]*queue{},
		locked: map[common.TxnID]map[Resource]struct{}{},
		killed: map[common.TxnID]struct{}{},
	}
}

// Lock requests r and returns a channel closed when it is granted. A nil
// channel means the request was refused and the transaction should abort.
func (m *Manager) Lock(r Request) <-chan struct{} {
	m.qsGuard.Lock()
	q, ok := m.qs[r.Resource]
	if !ok {
		q = &queue{}
		m.qs[r.Resource] = q
	}
	notifier := q.lock(r)
	m.qsGuard.Unlock()

	if notifier == nil {
		m.logger.Debugw(
			"lock refused",
			"txn", r.TxnID,
			"page", r.Resource.PageID,
			"file", r.Resource.FileID,
			"mode", r.Mode.String(),
		)
		return nil
	}

	m.lockedGuard.Lock()
	defer m.lockedGuard.Unlock()

	held, ok := m.locked[r.TxnID]
	if !ok {
		held = map[Resource]struct{}{}
		m.locked[r.TxnID] = held
	}
	held[r.Resource] = struct{}{}

	return notifier
}

// Unlock releases one lock early, e.g. a shared lock under read committed.
func (m *Manager) Unlock(txnID common.TxnID, res Resource) {
	m.lockedGuard.Lock()
	if held, ok := m.locked[txnID]; ok {
		delete(held, res)
	}
	m.lockedGuard.Unlock()

	m.unlock(txnID, res)
}

func (m *Manager) unlock(txnID common.TxnID, res Resource) {
	m.qsGuard.Lock()
	defer m.qsGuard.Unlock()

	q, ok := m.qs[res]
	if !ok {
		return
	}
	if q.unlock(txnID) {
		delete(m.qs, res)
	}
}

// ReleaseAll drops every lock and waiting request of the transaction and
// forgets its kill request.
func (m *Manager) ReleaseAll(txnID common.TxnID) {
	m.lockedGuard.Lock()
	held := m.locked[txnID]
	delete(m.locked, txnID)
	delete(m.killed, txnID)
	m.lockedGuard.Unlock()

	for res := range held {
		m.unlock(txnID, res)
	}
}

// Interrupt asks the transaction to abort at its next check.
func (m *Manager) Interrupt(txnID common.TxnID) {
	m.lockedGuard.Lock()
	defer m.lockedGuard.Unlock()

	m.killed[txnID] = struct{}{}
}

func (m *Manager) IsInterrupted(txnID common.TxnID) bool {
	m.lockedGuard.Lock()
	defer m.lockedGuard.Unlock()

	_, ok := m.killed[txnID]
	return ok
}

// Held counts the resources locked or awaited by the transaction.
func (m *Manager) Held(txnID common.TxnID) int {
	m.lockedGuard.Lock()
	defer m.lockedGuard.Unlock()

	return len(m.locked[txnID])
}

// HeldLocks lists the granted locks of the transaction, ordered by page.
// Requests still waiting are left out.
func (m *Manager) HeldLocks(txnID common.TxnID) []common.HeldLock {
	m.lockedGuard.Lock()
	resources := make([]Resource, 0, len(m.locked[txnID]))
	for res := range m.locked[txnID] {
		resources = append(resources, res)
	}
	m.lockedGuard.Unlock()

	var held []common.HeldLock
	for _, res := range resources {
		m.qsGuard.Lock()
		q, ok := m.qs[res]
		m.qsGuard.Unlock()
		if !ok {
			continue
		}

		if mode, granted := q.grantedMode(txnID); granted {
			held = append(held, common.HeldLock{Page: res, Exclusive: mode == Exclusive})
		}
	}

	slices.SortFunc(held, func(l, r common.HeldLock) int {
		if l.Page.FileID != r.Page.FileID {
			return compareIDs(l.Page.FileID, r.Page.FileID)
		}
		return compareIDs(l.Page.PageID, r.Page.PageID)
	})
	return held
}

func compareIDs[T ~uint64](l, r T) int {
	switch {
	case l < r:
		return -1
	case l > r:
		return 1
	default:
		return 0
	}
}

// Reacquire takes the locks a prepared transaction held before a restart.
// Every lock must be granted right away: the pages were locked by this
// transaction when it prepared, so nobody else may hold them.
func (m *Manager) Reacquire(txnID common.TxnID, locks []common.HeldLock) error {
	for _, l := range locks {
		mode := Shared
		if l.Exclusive {
			mode = Exclusive
		}

		granted := m.Lock(Request{TxnID: txnID, Resource: l.Page, Mode: mode})
		if granted == nil {
			return errors.Errorf("page %d of file %d is locked by another transaction", l.Page.PageID, l.Page.FileID)
		}
		select {
		case <-granted:
		default:
			return errors.Errorf("page %d of file %d is locked by another transaction", l.Page.PageID, l.Page.FileID)
		}
	}

	m.logger.Debugw("locks reacquired", "txn", txnID, "locks", len(locks))
	return nil
}
