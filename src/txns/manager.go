package txns

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"

	"github.com/Blackdeer1524/txnlog/src"
	"github.com/Blackdeer1524/txnlog/src/pkg/assert"
	"github.com/Blackdeer1524/txnlog/src/pkg/common"
	"github.com/Blackdeer1524/txnlog/src/recovery"
	"github.com/Blackdeer1524/txnlog/src/wal/logbuffer"
)

// UndoApplier reverts a data change described by an undo image.
type UndoApplier interface {
	Undo(ctx context.Context, lsa common.LSA, ref recovery.DataRef, undo []byte) error
}

// PostponeExecutor runs a deferred redo action after commit.
type PostponeExecutor interface {
	Execute(ctx context.Context, lsa common.LSA, ref recovery.DataRef, redo []byte) error
}

// LockManager is asked about kill requests and drops locks of finished
// transactions. The locks of a prepared transaction are logged with its
// prepare record and taken again when it is restored.
type LockManager interface {
	IsInterrupted(txnID common.TxnID) bool
	ReleaseAll(txnID common.TxnID)
	HeldLocks(txnID common.TxnID) []common.HeldLock
	Reacquire(txnID common.TxnID, locks []common.HeldLock) error
}

// Durability blocks until the record at lsa may be reported durable.
type Durability interface {
	WaitDurable(lsa common.LSA) error
}

type Log interface {
	recovery.PageSource
	Append(e logbuffer.Encoder) (common.LSA, error)
}

type Collaborators struct {
	Undo     UndoApplier
	Postpone PostponeExecutor
	Locks    LockManager
}

type Options struct {
	LockWaitTimeout time.Duration

	// OnTransition is called after every state change.
	OnTransition func(d *Descriptor, from, to State)
}

type Manager struct {
	table   *Table
	log     Log
	durable Durability
	deps    Collaborators
	opts    Options
	logger  src.Logger

	nextTxnID atomic.Uint64
}

func NewManager(
	table *Table,
	log Log,
	durable Durability,
	deps Collaborators,
	opts Options,
	firstTxnID common.TxnID,
	logger src.Logger,
) *Manager {
	if deps.Locks == nil {
		deps.Locks = NopLocks{}
	}

	m := &Manager{
		table:   table,
		log:     log,
		durable: durable,
		deps:    deps,
		opts:    opts,
		logger:  logger,
	}
	m.nextTxnID.Store(uint64(max(firstTxnID, 1)))
	return m
}

func (m *Manager) Table() *Table {
	return m.table
}

// NextTxnID is the id the next transaction will get.
func (m *Manager) NextTxnID() common.TxnID {
	return common.TxnID(m.nextTxnID.Load())
}

// AdvanceTxnID makes sure ids up to id are never handed out again.
func (m *Manager) AdvanceTxnID(id common.TxnID) {
	for {
		cur := m.nextTxnID.Load()
		if uint64(id) < cur || m.nextTxnID.CompareAndSwap(cur, uint64(id)+1) {
			return
		}
	}
}

// Begin starts a transaction and returns its slot.
func (m *Manager) Begin(isolation IsolationLevel) (common.TranIndex, error) {
	txnID := common.TxnID(m.nextTxnID.Add(1) - 1)

	d, err := m.table.Allocate(txnID)
	if err != nil {
		return common.NilTranIndex, err
	}

	d.State = StateActive
	d.Isolation = isolation
	d.WaitTimeout = m.opts.LockWaitTimeout
	return d.Index, nil
}

func (m *Manager) Descriptor(idx common.TranIndex) (*Descriptor, error) {
	return m.table.Get(idx)
}

// Transition moves the descriptor to a new state, refusing moves that the
// state machine does not allow.
func (m *Manager) Transition(idx common.TranIndex, to State) error {
	d, err := m.table.Get(idx)
	if err != nil {
		return err
	}
	return m.transition(d, to)
}

func (m *Manager) transition(d *Descriptor, to State) error {
	from := d.State
	if err := checkTransition(from, to); err != nil {
		m.logger.Errorw(
			"invalid transaction state transition",
			"txn", d.TxnID,
			"from", from.String(),
			"to", to.String(),
		)
		return err
	}

	d.State = to
	if m.opts.OnTransition != nil {
		m.opts.OnTransition(d, from, to)
	}
	return nil
}

// AppendRecord logs body on behalf of the transaction and advances its
// cursors.
func (m *Manager) AppendRecord(idx common.TranIndex, body recovery.Body) (common.LSA, error) {
	d, err := m.table.Get(idx)
	if err != nil {
		return common.NilLSA, err
	}
	return m.appendRecord(d, body)
}

func (m *Manager) appendRecord(d *Descriptor, body recovery.Body) (common.LSA, error) {
	lsa, err := m.log.Append(recovery.NewEntry(d.TxnID, d.TailLSA, body))
	if err != nil {
		return common.NilLSA, err
	}

	if d.HeadLSA.IsNil() {
		d.HeadLSA = lsa
	}
	d.TailLSA = lsa

	switch b := body.(type) {
	case recovery.UndoRedo, recovery.Undo:
		d.UndoNextLSA = lsa
	case recovery.Compensate:
		d.UndoNextLSA = b.UndoNext
	case recovery.TopOpCommit:
		d.UndoNextLSA = b.LastParent
	case recovery.TopOpAbort:
		d.UndoNextLSA = b.LastParent
	}

	return lsa, nil
}

// Force waits until everything the transaction logged is durable.
func (m *Manager) Force(idx common.TranIndex) error {
	d, err := m.table.Get(idx)
	if err != nil {
		return err
	}
	if d.TailLSA.IsNil() {
		return nil
	}
	return m.durable.WaitDurable(d.TailLSA)
}

func (m *Manager) active(idx common.TranIndex) (*Descriptor, error) {
	d, err := m.table.Get(idx)
	if err != nil {
		return nil, err
	}
	if d.State != StateActive {
		return nil, errors.Wrapf(
			common.ErrInvalidTransition,
			"transaction %d is %s, expected %s",
			d.TxnID,
			d.State,
			StateActive,
		)
	}
	return d, nil
}

// LogUndoRedo logs a data change with its before and after images.
func (m *Manager) LogUndoRedo(
	idx common.TranIndex,
	ref recovery.DataRef,
	undo, redo []byte,
) (common.LSA, error) {
	d, err := m.active(idx)
	if err != nil {
		return common.NilLSA, err
	}
	return m.appendRecord(d, recovery.UndoRedo{Ref: ref, Undo: undo, Redo: redo})
}

// LogRedo logs a change that is never undone.
func (m *Manager) LogRedo(idx common.TranIndex, ref recovery.DataRef, redo []byte) (common.LSA, error) {
	d, err := m.active(idx)
	if err != nil {
		return common.NilLSA, err
	}
	return m.appendRecord(d, recovery.Redo{Ref: ref, Redo: redo})
}

// LogPostpone logs an action that runs only once the transaction commits.
func (m *Manager) LogPostpone(idx common.TranIndex, ref recovery.DataRef, redo []byte) (common.LSA, error) {
	d, err := m.active(idx)
	if err != nil {
		return common.NilLSA, err
	}

	lsa, err := m.appendRecord(d, recovery.Postpone{Ref: ref, Redo: redo})
	if err != nil {
		return common.NilLSA, err
	}

	d.Postpones.Add(lsa, ref, redo)
	if d.PostponeNextLSA.IsNil() {
		d.PostponeNextLSA = lsa
	}
	if n := len(d.TopOps); n > 0 && d.TopOps[n-1].PostponeLSA.IsNil() {
		d.TopOps[n-1].PostponeLSA = lsa
	}
	return lsa, nil
}

// HeldLocks lists the granted locks of the transaction.
func (m *Manager) HeldLocks(idx common.TranIndex) []common.HeldLock {
	d, err := m.table.Get(idx)
	if err != nil {
		return nil
	}
	return m.deps.Locks.HeldLocks(d.TxnID)
}

// Interrupt flags a transaction for forced abort.
func (m *Manager) Interrupt(txnID common.TxnID) error {
	d, err := m.table.ByTxnID(txnID)
	if err != nil {
		return err
	}
	d.Interrupt()
	return nil
}

// IsInterrupted reports a pending kill request for the transaction.
func (m *Manager) IsInterrupted(idx common.TranIndex) bool {
	d, err := m.table.Get(idx)
	if err != nil {
		return false
	}
	return m.interrupted(d)
}

func (m *Manager) interrupted(d *Descriptor) bool {
	return d.Interrupted() || m.deps.Locks.IsInterrupted(d.TxnID)
}

// WaitForLock waits for a lock grant notification within the
// transaction's wait timeout. It gives up early when the transaction is
// interrupted.
func (m *Manager) WaitForLock(ctx context.Context, idx common.TranIndex, granted <-chan struct{}) error {
	d, err := m.table.Get(idx)
	if err != nil {
		return err
	}

	if granted == nil {
		return errors.Wrapf(common.ErrLockTimeout, "transaction %d was refused the lock", d.TxnID)
	}

	timeout := d.WaitTimeout
	if timeout <= 0 {
		timeout = m.opts.LockWaitTimeout
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-granted:
		return nil
	case <-timer.C:
		return errors.Wrapf(common.ErrLockTimeout, "transaction %d waited %s", d.TxnID, timeout)
	case <-d.interruptSignal():
		return errors.Wrapf(common.ErrForcedAbort, "transaction %d interrupted while waiting for a lock", d.TxnID)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Commit commits a local transaction. A transaction carrying an
// interrupt is aborted instead and ErrForcedAbort is returned.
func (m *Manager) Commit(ctx context.Context, idx common.TranIndex) error {
	d, err := m.active(idx)
	if err != nil {
		return err
	}

	if d.InTopOp() {
		return errors.Errorf("transaction %d commits with %d open top operations", d.TxnID, len(d.TopOps))
	}

	if m.interrupted(d) {
		if err := m.abort(ctx, d, StateAborted); err != nil {
			return errors.Wrap(err, "forced abort")
		}
		return errors.Wrapf(common.ErrForcedAbort, "transaction %d", d.TxnID)
	}

	if err := m.transition(d, StateWillCommit); err != nil {
		return err
	}
	return m.CommitPhase(ctx, idx, StateCommitted)
}

// CommitPhase runs the local part of a commit from WillCommit: it logs the
// commit, waits for durability and executes postpones. next is either
// Committed, which finishes the transaction, or
// CommittedInformingParticipants for a coordinator that still has to tell
// its participants.
func (m *Manager) CommitPhase(ctx context.Context, idx common.TranIndex, next State) error {
	d, err := m.table.Get(idx)
	if err != nil {
		return err
	}
	assert.Assert(
		next == StateCommitted || next == StateCommittedInformingParticipants,
		"unexpected commit target %s",
		next,
	)
	assert.Assert(d.State == StateWillCommit, "commit phase entered from %s", d.State)

	if !d.PostponeNextLSA.IsNil() {
		lsa, err := m.appendRecord(d, recovery.CommitWithPostpone{
			StartPostpone: d.PostponeNextLSA,
			At:            time.Now().UnixNano(),
		})
		if err != nil {
			return err
		}
		if err := m.durable.WaitDurable(lsa); err != nil {
			return err
		}
		if err := m.transition(d, StateCommittedWithPostpone); err != nil {
			return err
		}
		if err := m.ExecutePostpones(ctx, idx); err != nil {
			return err
		}
	}

	return m.completeCommit(ctx, d, next)
}

// ResumeCommit finishes a commit that stopped while running postpones,
// e.g. one restored at restart.
func (m *Manager) ResumeCommit(ctx context.Context, idx common.TranIndex, next State) error {
	d, err := m.table.Get(idx)
	if err != nil {
		return err
	}
	assert.Assert(d.State == StateCommittedWithPostpone, "resumed commit from %s", d.State)

	if err := m.ExecutePostpones(ctx, idx); err != nil {
		return err
	}
	return m.completeCommit(ctx, d, next)
}

func (m *Manager) completeCommit(ctx context.Context, d *Descriptor, next State) error {
	if next == StateCommitted {
		return m.Finish(ctx, d.Index, StateCommitted)
	}

	lsa, err := m.appendRecord(d, recovery.TwoPCCommitInformParticipants{Gtrid: d.Gtrid})
	if err != nil {
		return err
	}
	if err := m.durable.WaitDurable(lsa); err != nil {
		return err
	}
	return m.transition(d, StateCommittedInformingParticipants)
}

// Finish logs the final outcome, moves the descriptor to it and releases
// the slot. A commit outcome is durable before Finish returns.
func (m *Manager) Finish(_ context.Context, idx common.TranIndex, outcome State) error {
	d, err := m.table.Get(idx)
	if err != nil {
		return err
	}

	now := time.Now().UnixNano()
	switch outcome {
	case StateCommitted:
		lsa, err := m.appendRecord(d, recovery.Commit{At: now})
		if err != nil {
			return err
		}
		if err := m.durable.WaitDurable(lsa); err != nil {
			return err
		}
	case StateAborted, StateUnilaterallyAborted:
		if _, err := m.appendRecord(d, recovery.Abort{At: now}); err != nil {
			return err
		}
	default:
		assert.Unreachable("%s is not an outcome", outcome)
	}

	if err := m.transition(d, outcome); err != nil {
		return err
	}

	m.logger.Debugw("transaction finished", "txn", d.TxnID, "state", outcome.String())
	m.finish(d)
	return nil
}

func (m *Manager) finish(d *Descriptor) {
	m.deps.Locks.ReleaseAll(d.TxnID)
	m.table.Release(d.Index)
}

// Abort rolls back an active transaction.
func (m *Manager) Abort(ctx context.Context, idx common.TranIndex) error {
	d, err := m.active(idx)
	if err != nil {
		return err
	}
	return m.abort(ctx, d, StateAborted)
}

// UnilateralAbort rolls back a transaction on the system's behalf.
func (m *Manager) UnilateralAbort(ctx context.Context, idx common.TranIndex) error {
	d, err := m.active(idx)
	if err != nil {
		return err
	}
	return m.abort(ctx, d, StateUnilaterallyAborted)
}

func (m *Manager) abort(ctx context.Context, d *Descriptor, outcome State) error {
	if err := m.undoTo(ctx, d, common.NilLSA); err != nil {
		return err
	}
	d.TopOps = d.TopOps[:0]
	d.Postpones.Reset()
	return m.Finish(ctx, d.Index, outcome)
}

// UndoAll rolls back every change of the transaction without ending it.
func (m *Manager) UndoAll(ctx context.Context, idx common.TranIndex) error {
	d, err := m.table.Get(idx)
	if err != nil {
		return err
	}
	if err := m.undoTo(ctx, d, common.NilLSA); err != nil {
		return err
	}
	d.Postpones.Reset()
	return nil
}
