package txns

import (
	"github.com/go-faster/errors"

	"github.com/Blackdeer1524/txnlog/src/pkg/common"
)

type State uint8

const (
	StateActive State = iota + 1
	StateWillCommit
	StateCommittedWithPostpone
	StateCommitted
	StateAborted
	StateUnilaterallyAborted
	State2PCPrepare
	State2PCCollectingVotes
	State2PCCommitDecision
	State2PCAbortDecision
	StateCommittedInformingParticipants
	StateAbortedInformingParticipants
	StateRecovery
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StateWillCommit:
		return "WILL_COMMIT"
	case StateCommittedWithPostpone:
		return "COMMITTED_WITH_POSTPONE"
	case StateCommitted:
		return "COMMITTED"
	case StateAborted:
		return "ABORTED"
	case StateUnilaterallyAborted:
		return "UNILATERALLY_ABORTED"
	case State2PCPrepare:
		return "2PC_PREPARE"
	case State2PCCollectingVotes:
		return "2PC_COLLECTING_VOTES"
	case State2PCCommitDecision:
		return "2PC_COMMIT_DECISION"
	case State2PCAbortDecision:
		return "2PC_ABORT_DECISION"
	case StateCommittedInformingParticipants:
		return "COMMITTED_INFORMING_PARTICIPANTS"
	case StateAbortedInformingParticipants:
		return "ABORTED_INFORMING_PARTICIPANTS"
	case StateRecovery:
		return "RECOVERY"
	default:
		return "UNKNOWN"
	}
}

func (s State) IsTerminal() bool {
	return s == StateCommitted || s == StateAborted || s == StateUnilaterallyAborted
}

var transitions = map[State][]State{
	StateActive: {
		StateWillCommit,
		StateAborted,
		StateUnilaterallyAborted,
		State2PCCollectingVotes,
		State2PCPrepare,
	},
	StateWillCommit: {
		StateCommittedWithPostpone,
		StateCommitted,
		StateCommittedInformingParticipants,
		StateAborted,
	},
	StateCommittedWithPostpone: {
		StateCommitted,
		StateCommittedInformingParticipants,
	},
	State2PCCollectingVotes: {
		State2PCCommitDecision,
		State2PCAbortDecision,
		State2PCPrepare,
	},
	State2PCPrepare: {
		State2PCCommitDecision,
		State2PCAbortDecision,
	},
	State2PCCommitDecision: {
		StateWillCommit,
		StateCommittedInformingParticipants,
	},
	State2PCAbortDecision: {
		StateAborted,
		StateAbortedInformingParticipants,
	},
	StateCommittedInformingParticipants: {StateCommitted},
	StateAbortedInformingParticipants:   {StateAborted},
}

// CanTransition reports whether a descriptor may move from one state to
// another. Recovery may put a descriptor into any state.
func CanTransition(from, to State) bool {
	if from == StateRecovery {
		return to != StateRecovery
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to State) error {
	if CanTransition(from, to) {
		return nil
	}
	return errors.Wrapf(common.ErrInvalidTransition, "%s -> %s", from, to)
}
