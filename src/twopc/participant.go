package twopc

import (
	"context"
	"slices"
	"sync"

	"github.com/go-faster/errors"
	"go.uber.org/multierr"

	"github.com/Blackdeer1524/txnlog/src"
	"github.com/Blackdeer1524/txnlog/src/pkg/common"
	"github.com/Blackdeer1524/txnlog/src/recovery"
	"github.com/Blackdeer1524/txnlog/src/txns"
)

// Participant answers a remote coordinator. A participant with
// participants of its own relays the vote and the decision to them
// through the local coordinator.
type Participant struct {
	txns   *txns.Manager
	coord  *Coordinator
	logger src.Logger

	// attached holds the global transactions that have a client. Prepared
	// transactions restored at restart have none until Attach.
	mu       sync.Mutex
	attached map[common.Gtrid]struct{}
}

func NewParticipant(coord *Coordinator, logger src.Logger) *Participant {
	return &Participant{
		txns:     coord.txns,
		coord:    coord,
		logger:   logger,
		attached: map[common.Gtrid]struct{}{},
	}
}

// Join binds a local transaction to a global one. subs are the sites
// this one has shipped work to.
func (p *Participant) Join(idx common.TranIndex, gtrid common.Gtrid, subs []string) error {
	d, err := p.txns.Descriptor(idx)
	if err != nil {
		return err
	}
	if other, ok := p.txns.Table().ByGtrid(gtrid); ok && other != d {
		return errors.Errorf("gtrid %d is already bound to transaction %d", gtrid, other.TxnID)
	}

	p.txns.Table().AssignGtrid(idx, gtrid)
	if len(subs) > 0 {
		d.Coord = txns.NewCoordinatorInfo(subs)
	}

	p.mu.Lock()
	p.attached[gtrid] = struct{}{}
	p.mu.Unlock()
	return nil
}

// SetInfo stores opaque data of the global transaction manager with the
// transaction. It is logged with the prepare record and comes back with
// the transaction at restart.
func (p *Participant) SetInfo(idx common.TranIndex, info []byte) error {
	d, err := p.txns.Descriptor(idx)
	if err != nil {
		return err
	}
	if d.Gtrid == common.NilGtrid {
		return errors.Errorf("transaction %d is not part of a global transaction", d.TxnID)
	}
	if d.State != txns.StateActive {
		return errors.Wrapf(common.ErrInvalidTransition, "set global info of transaction %d in %s", d.TxnID, d.State)
	}

	d.GtrInfo = slices.Clone(info)
	return nil
}

// Info returns the data stored with SetInfo.
func (p *Participant) Info(gtrid common.Gtrid) ([]byte, error) {
	d, ok := p.txns.Table().ByGtrid(gtrid)
	if !ok {
		return nil, errors.Wrapf(common.ErrUnknownTransaction, "gtrid %d", gtrid)
	}
	return slices.Clone(d.GtrInfo), nil
}

// Prepared lists the global transactions prepared here and not decided
// yet, for a transaction manager recovering its own state.
func (p *Participant) Prepared() []common.Gtrid {
	var res []common.Gtrid
	for _, d := range p.txns.Table().Snapshot() {
		if d.State == txns.State2PCPrepare && d.Gtrid != common.NilGtrid {
			res = append(res, d.Gtrid)
		}
	}
	slices.Sort(res)
	return res
}

// Attach hands a prepared transaction without a client to the caller,
// which can then commit or abort it through Handle.
func (p *Participant) Attach(gtrid common.Gtrid) (common.TranIndex, error) {
	d, ok := p.txns.Table().ByGtrid(gtrid)
	if !ok {
		return common.NilTranIndex, errors.Wrapf(common.ErrUnknownTransaction, "gtrid %d", gtrid)
	}
	if d.State != txns.State2PCPrepare {
		return common.NilTranIndex, errors.Wrapf(
			common.ErrInvalidTransition,
			"attach to gtrid %d in %s", gtrid, d.State,
		)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.attached[gtrid]; ok {
		return common.NilTranIndex, errors.Errorf("gtrid %d is already attached", gtrid)
	}
	p.attached[gtrid] = struct{}{}
	return d.Index, nil
}

// Detach lets another client attach to the transaction.
func (p *Participant) Detach(gtrid common.Gtrid) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.attached, gtrid)
}

// Handle processes one message from the coordinator and returns the
// reply.
func (p *Participant) Handle(ctx context.Context, msg Message) (Message, error) {
	switch m := msg.(type) {
	case Prepare:
		return p.prepare(ctx, m), nil
	case CommitDecision:
		if err := p.apply(ctx, m.Gtrid, OutcomeCommit); err != nil {
			return nil, err
		}
		return Ack{Gtrid: m.Gtrid, Index: m.Index}, nil
	case AbortDecision:
		if err := p.apply(ctx, m.Gtrid, OutcomeAbort); err != nil {
			return nil, err
		}
		return Ack{Gtrid: m.Gtrid, Index: m.Index}, nil
	default:
		return nil, errors.Errorf("participant cannot handle %T", msg)
	}
}

func (p *Participant) prepare(ctx context.Context, m Prepare) Vote {
	d, ok := p.txns.Table().ByGtrid(m.Gtrid)
	if !ok {
		return Vote{Gtrid: m.Gtrid, Index: m.Index, Reason: "unknown global transaction"}
	}

	switch d.State {
	case txns.StateActive:
	case txns.State2PCPrepare:
		return Vote{Gtrid: m.Gtrid, Index: m.Index, Ready: true}
	default:
		return Vote{Gtrid: m.Gtrid, Index: m.Index, Reason: "transaction is " + d.State.String()}
	}

	idx := d.Index
	refuse := func(reason string, cause error) Vote {
		p.logger.Infow("refusing to prepare", "gtrid", m.Gtrid, "reason", reason, "error", cause)
		p.Detach(m.Gtrid)
		if err := p.coord.abort(ctx, idx); err != nil && !errors.Is(err, common.ErrDecisionPending) {
			p.logger.Errorw("local abort after refusal failed", "gtrid", m.Gtrid, "error", err)
		}
		return Vote{Gtrid: m.Gtrid, Index: m.Index, Reason: reason}
	}

	if p.txns.IsInterrupted(idx) {
		return refuse("transaction was interrupted", nil)
	}

	if d.IsCoordinator() {
		ready, err := p.coord.vote(ctx, idx, d.Coord.Participants)
		if err != nil {
			return refuse("vote of sub-participants failed", err)
		}
		if !ready {
			return refuse("a sub-participant refused", nil)
		}
	}

	if err := p.txns.Transition(idx, txns.State2PCPrepare); err != nil {
		return refuse("cannot prepare", err)
	}
	prepare := recovery.TwoPCPrepare{
		Gtrid: m.Gtrid,
		Info:  d.GtrInfo,
		Locks: p.txns.HeldLocks(idx),
	}
	if _, err := p.txns.AppendRecord(idx, prepare); err != nil {
		return refuse("cannot log prepare", err)
	}
	if err := p.txns.Force(idx); err != nil {
		return refuse("prepare is not durable", err)
	}

	p.logger.Debugw("prepared", "gtrid", m.Gtrid, "txn", d.TxnID)
	return Vote{Gtrid: m.Gtrid, Index: m.Index, Ready: true}
}

// apply carries out the coordinator's decision. A global transaction
// that is no longer known here has already been finished.
func (p *Participant) apply(ctx context.Context, gtrid common.Gtrid, outcome Outcome) error {
	d, ok := p.txns.Table().ByGtrid(gtrid)
	if !ok {
		return nil
	}
	idx := d.Index

	var err error
	switch outcome {
	case OutcomeCommit:
		switch d.State {
		case txns.State2PCPrepare:
			err = p.coord.commit(ctx, idx)
		case txns.State2PCCommitDecision,
			txns.StateWillCommit,
			txns.StateCommittedWithPostpone,
			txns.StateCommittedInformingParticipants:
			err = p.coord.finishCommit(ctx, idx)
		default:
			return errors.Wrapf(common.ErrInvalidTransition, "commit of gtrid %d in %s", gtrid, d.State)
		}
	case OutcomeAbort:
		switch d.State {
		case txns.StateActive, txns.State2PCPrepare, txns.State2PCCollectingVotes:
			err = p.coord.abort(ctx, idx)
		case txns.State2PCAbortDecision, txns.StateAbortedInformingParticipants:
			err = p.coord.finishAbort(ctx, idx)
		default:
			return errors.Wrapf(common.ErrInvalidTransition, "abort of gtrid %d in %s", gtrid, d.State)
		}
	default:
		return errors.Errorf("cannot apply outcome %s", outcome)
	}

	if err == nil || errors.Is(err, common.ErrDecisionPending) {
		p.Detach(gtrid)
	}

	// sub-participants that have not answered yet are retried later
	if errors.Is(err, common.ErrDecisionPending) {
		p.logger.Warnw("decision applied, sub-participants pending", "gtrid", gtrid)
		return nil
	}
	return err
}

// ResolveInDoubt asks resolver about every prepared transaction and
// applies the answer. Transactions whose coordinator has not decided yet
// stay prepared. It returns how many were resolved.
func (p *Participant) ResolveInDoubt(ctx context.Context, resolver Resolver) (int, error) {
	resolved := 0
	var errs []error

	for _, d := range p.txns.Table().Snapshot() {
		if d.State != txns.State2PCPrepare || d.Gtrid == common.NilGtrid {
			continue
		}
		gtrid := d.Gtrid

		outcome, err := resolver.Decision(ctx, gtrid)
		if err != nil {
			errs = append(errs, errors.Wrapf(err, "decision of gtrid %d", gtrid))
			continue
		}
		if outcome == OutcomeUnknown {
			continue
		}

		if err := p.apply(ctx, gtrid, outcome); err != nil {
			errs = append(errs, err)
			continue
		}

		p.logger.Infow("resolved in-doubt transaction", "gtrid", gtrid, "outcome", outcome.String())
		resolved++
	}
	return resolved, multierr.Combine(errs...)
}
