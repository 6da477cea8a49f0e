package recovery

import (
	"maps"
	"slices"

	"github.com/Blackdeer1524/txnlog/src/pkg/common"
	"github.com/Blackdeer1524/txnlog/src/pkg/utils"
)

// Phase is how far a transaction got before the log ended.
type Phase uint8

const (
	PhaseActive Phase = iota
	PhaseCollectingVotes
	PhasePrepared
	PhaseCommitDecision
	PhaseAbortDecision
	PhaseCommittedWithPostpone
	PhaseCommitInforming
	PhaseAbortInforming
)

func (p Phase) String() string {
	switch p {
	case PhaseActive:
		return "active"
	case PhaseCollectingVotes:
		return "collecting votes"
	case PhasePrepared:
		return "prepared"
	case PhaseCommitDecision:
		return "commit decision"
	case PhaseAbortDecision:
		return "abort decision"
	case PhaseCommittedWithPostpone:
		return "committed with postpone"
	case PhaseCommitInforming:
		return "informing participants of commit"
	case PhaseAbortInforming:
		return "informing participants of abort"
	default:
		return "unknown"
	}
}

// TxnInfo is what the log says about a transaction that did not finish.
type TxnInfo struct {
	TxnID    common.TxnID
	Phase    Phase
	FirstLSA common.LSA
	LastLSA  common.LSA

	Gtrid       common.Gtrid
	PrepareInfo []byte

	// PreparedLocks are the locks held when the transaction prepared.
	PreparedLocks []common.HeldLock

	Participants []string
	Acks         utils.Bitset

	// lower bound of the postpone records to run at commit
	PostponeStart common.LSA
}

// IsCoordinator reports whether the transaction started a vote of its own.
func (t *TxnInfo) IsCoordinator() bool {
	return len(t.Participants) > 0
}

type Analysis struct {
	Txns     map[common.TxnID]*TxnInfo
	End      common.LSA
	MaxTxnID common.TxnID
	Records  int
}

// AnalyzeInDoubt scans the log in [from, end) and rebuilds the state of
// every transaction that has not logged its final commit or abort.
func AnalyzeInDoubt(src PageSource, from, end common.LSA) (*Analysis, error) {
	a := &Analysis{
		Txns: map[common.TxnID]*TxnInfo{},
		End:  from,
	}

	it := Scan(src, from, end)
	for it.MoveForward() {
		a.apply(it.Record())
	}
	if err := it.Err(); err != nil {
		return nil, err
	}

	return a, nil
}

func (a *Analysis) apply(rec Record) {
	a.Records++
	a.End = rec.Forw
	if rec.TxnID != common.SystemTxnID {
		a.MaxTxnID = max(a.MaxTxnID, rec.TxnID)
	}

	switch rec.Body.(type) {
	case Commit, Abort:
		delete(a.Txns, rec.TxnID)
		return
	}

	info, ok := a.Txns[rec.TxnID]
	if !ok {
		info = &TxnInfo{
			TxnID:         rec.TxnID,
			Phase:         PhaseActive,
			FirstLSA:      rec.LSA,
			PostponeStart: common.NilLSA,
		}
		a.Txns[rec.TxnID] = info
	}
	info.LastLSA = rec.LSA

	switch body := rec.Body.(type) {
	case TwoPCStart:
		info.Phase = PhaseCollectingVotes
		info.Gtrid = body.Gtrid
		info.Participants = body.Participants
		info.Acks = utils.NewBitset(len(body.Participants))
	case TwoPCPrepare:
		info.Phase = PhasePrepared
		info.Gtrid = body.Gtrid
		info.PrepareInfo = body.Info
		info.PreparedLocks = body.Locks
	case TwoPCCommitDecision:
		info.Phase = PhaseCommitDecision
		info.Gtrid = body.Gtrid
	case TwoPCAbortDecision:
		info.Phase = PhaseAbortDecision
		info.Gtrid = body.Gtrid
	case Postpone:
		if info.PostponeStart.IsNil() {
			info.PostponeStart = rec.LSA
		}
	case CommitWithPostpone:
		info.Phase = PhaseCommittedWithPostpone
		info.PostponeStart = body.StartPostpone
	case TwoPCCommitInformParticipants:
		info.Phase = PhaseCommitInforming
	case TwoPCAbortInformParticipants:
		info.Phase = PhaseAbortInforming
	case TwoPCRecvAck:
		if int(body.Index) < info.Acks.Len() {
			info.Acks.Set(int(body.Index))
		}
	}
}

func (a *Analysis) filter(keep func(*TxnInfo) bool) []*TxnInfo {
	var res []*TxnInfo
	for _, id := range slices.Sorted(maps.Keys(a.Txns)) {
		if info := a.Txns[id]; keep(info) {
			res = append(res, info)
		}
	}
	return res
}

// InDoubt returns the prepared participants waiting for a decision.
func (a *Analysis) InDoubt() []*TxnInfo {
	return a.filter(func(t *TxnInfo) bool { return t.Phase == PhasePrepared })
}

// LooseEnds returns coordinators whose decision is durable but whose
// participants may not all have been informed.
func (a *Analysis) LooseEnds() []*TxnInfo {
	return a.filter(func(t *TxnInfo) bool {
		switch t.Phase {
		case PhaseCommitDecision, PhaseAbortDecision, PhaseCommitInforming, PhaseAbortInforming:
			return true
		case PhaseCommittedWithPostpone:
			return t.IsCoordinator()
		default:
			return false
		}
	})
}

// Losers returns transactions that never reached a durable decision.
func (a *Analysis) Losers() []*TxnInfo {
	return a.filter(func(t *TxnInfo) bool {
		return t.Phase == PhaseActive || t.Phase == PhaseCollectingVotes
	})
}

// Unfinished returns local transactions that committed but did not get to
// run all their postpones.
func (a *Analysis) Unfinished() []*TxnInfo {
	return a.filter(func(t *TxnInfo) bool {
		return t.Phase == PhaseCommittedWithPostpone && !t.IsCoordinator()
	})
}
