package logsys

import (
	"context"

	"github.com/go-faster/errors"
	"go.uber.org/multierr"

	"github.com/Blackdeer1524/txnlog/src/pkg/common"
	"github.com/Blackdeer1524/txnlog/src/recovery"
	"github.com/Blackdeer1524/txnlog/src/twopc"
	"github.com/Blackdeer1524/txnlog/src/txns"
)

// Report summarizes a restart.
type Report struct {
	Records int
	From    common.LSA
	End     common.LSA

	RolledBack int
	Completed  int
	LooseEnds  int
	InDoubt    int

	// Resolved counts in-doubt transactions decided by the resolver,
	// Resent the coordinators that finished informing their participants.
	Resolved int
	Resent   int
}

// Recover scans the log from the last checkpoint, or from its start, and
// brings every transaction that did not finish back to a final state:
//   - losers are rolled back; a coordinator still collecting votes aborts
//     and tells its participants so;
//   - commits interrupted while running postpones are completed;
//   - decided coordinators resume informing their participants;
//   - prepared participants ask resolver for the outcome, and stay
//     prepared when it is not known yet.
//
// resolver may be nil when this site never participates in global
// transactions.
func (s *System) Recover(ctx context.Context, resolver twopc.Resolver) (Report, error) {
	hdr := s.Store.Header()

	from := hdr.ChkptLSA
	if from.IsNil() {
		from = common.NewLSA(0, 0)
	}
	end := s.Buffer.Tail()

	a, err := recovery.AnalyzeInDoubt(s.Buffer, from, end)
	if err != nil {
		return Report{}, errors.Wrap(err, "analyze log")
	}
	s.Txns.AdvanceTxnID(a.MaxTxnID)

	rep := Report{Records: a.Records, From: from, End: a.End}
	s.logger.Infow(
		"log analyzed",
		"from", from.String(),
		"end", a.End.String(),
		"records", a.Records,
		"unfinished", len(a.Txns),
		"clean_shutdown", s.cleanShutdown,
	)

	var errs []error

	for _, info := range a.Losers() {
		idx, err := s.Txns.Restore(info)
		if err != nil {
			errs = append(errs, errors.Wrapf(err, "restore txn %d", info.TxnID))
			continue
		}
		if info.Phase == recovery.PhaseCollectingVotes {
			s.Coordinator.Adopt(idx)
			rep.LooseEnds++
			continue
		}
		if err := s.Txns.UnilateralAbort(ctx, idx); err != nil {
			errs = append(errs, errors.Wrapf(err, "roll back txn %d", info.TxnID))
			continue
		}
		rep.RolledBack++
	}

	for _, info := range a.Unfinished() {
		idx, err := s.Txns.Restore(info)
		if err != nil {
			errs = append(errs, errors.Wrapf(err, "restore txn %d", info.TxnID))
			continue
		}
		if err := s.Txns.ResumeCommit(ctx, idx, txns.StateCommitted); err != nil {
			errs = append(errs, errors.Wrapf(err, "complete commit of txn %d", info.TxnID))
			continue
		}
		rep.Completed++
	}

	for _, info := range a.LooseEnds() {
		idx, err := s.Txns.Restore(info)
		if err != nil {
			errs = append(errs, errors.Wrapf(err, "restore txn %d", info.TxnID))
			continue
		}
		s.Coordinator.Adopt(idx)
		rep.LooseEnds++
	}

	for _, info := range a.InDoubt() {
		if _, err := s.Txns.Restore(info); err != nil {
			errs = append(errs, errors.Wrapf(err, "restore txn %d", info.TxnID))
			continue
		}
		rep.InDoubt++
	}

	if err := multierr.Combine(errs...); err != nil {
		return rep, err
	}

	if resolver != nil && rep.InDoubt > 0 {
		rep.Resolved, err = s.Participant.ResolveInDoubt(ctx, resolver)
		errs = append(errs, err)
	}
	if s.Coordinator.Pending() > 0 {
		rep.Resent, err = s.Coordinator.ResendDecisions(ctx)
		errs = append(errs, err)
	}

	s.logger.Infow(
		"recovery finished",
		"rolled_back", rep.RolledBack,
		"completed", rep.Completed,
		"loose_ends", rep.LooseEnds,
		"in_doubt", rep.InDoubt,
		"resolved", rep.Resolved,
		"resent", rep.Resent,
	)
	return rep, multierr.Combine(errs...)
}
