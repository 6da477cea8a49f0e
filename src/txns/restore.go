package txns

import (
	"github.com/go-faster/errors"

	"github.com/Blackdeer1524/txnlog/src/pkg/common"
	"github.com/Blackdeer1524/txnlog/src/recovery"
)

func stateOf(p recovery.Phase) State {
	switch p {
	case recovery.PhaseCollectingVotes:
		return State2PCCollectingVotes
	case recovery.PhasePrepared:
		return State2PCPrepare
	case recovery.PhaseCommitDecision:
		return State2PCCommitDecision
	case recovery.PhaseAbortDecision:
		return State2PCAbortDecision
	case recovery.PhaseCommittedWithPostpone:
		return StateCommittedWithPostpone
	case recovery.PhaseCommitInforming:
		return StateCommittedInformingParticipants
	case recovery.PhaseAbortInforming:
		return StateAbortedInformingParticipants
	default:
		return StateActive
	}
}

// Restore recreates the descriptor of an unfinished transaction found in
// the log at restart. Its postpone cache is marked full, so postpones are
// read back from the log.
func (m *Manager) Restore(info *recovery.TxnInfo) (common.TranIndex, error) {
	d, err := m.table.Allocate(info.TxnID)
	if err != nil {
		return common.NilTranIndex, err
	}
	m.AdvanceTxnID(info.TxnID)

	d.State = StateRecovery
	d.Isolation = ReadCommitted
	d.WaitTimeout = m.opts.LockWaitTimeout
	d.HeadLSA = info.FirstLSA
	d.TailLSA = info.LastLSA
	d.UndoNextLSA = info.LastLSA
	d.PostponeNextLSA = info.PostponeStart
	d.GtrInfo = info.PrepareInfo
	d.Postpones.MarkFull()

	if info.IsCoordinator() {
		d.Coord = &CoordinatorInfo{
			Participants: info.Participants,
			Acks:         info.Acks,
		}
	}
	if info.Gtrid != common.NilGtrid {
		m.table.AssignGtrid(d.Index, info.Gtrid)
	}

	if err := m.transition(d, stateOf(info.Phase)); err != nil {
		m.table.Release(d.Index)
		return common.NilTranIndex, err
	}

	// an in-doubt transaction keeps its pages locked until it is resolved
	if info.Phase == recovery.PhasePrepared && len(info.PreparedLocks) > 0 {
		if err := m.deps.Locks.Reacquire(info.TxnID, info.PreparedLocks); err != nil {
			m.deps.Locks.ReleaseAll(info.TxnID)
			m.table.Release(d.Index)
			return common.NilTranIndex, errors.Wrapf(err, "lock pages of prepared transaction %d", info.TxnID)
		}
	}

	m.logger.Infow(
		"restored unfinished transaction",
		"txn", info.TxnID,
		"phase", info.Phase.String(),
		"gtrid", info.Gtrid,
		"locks", len(info.PreparedLocks),
	)
	return d.Index, nil
}
