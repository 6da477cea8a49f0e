package twopc

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/panjf2000/ants"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"

	"github.com/Blackdeer1524/txnlog/src"
	"github.com/Blackdeer1524/txnlog/src/pkg/common"
	"github.com/Blackdeer1524/txnlog/src/recovery"
	"github.com/Blackdeer1524/txnlog/src/txns"
)

const instrumentationName = "github.com/Blackdeer1524/txnlog/src/twopc"

// ErrAborted reports that the global transaction was rolled back.
var ErrAborted = errors.New("distributed transaction aborted")

type Options struct {
	VoteTimeout time.Duration
	Retry       RetryPolicy
	Workers     int
}

// Coordinator drives the vote and the decision broadcast for the global
// transactions rooted at, or relayed through, this site.
type Coordinator struct {
	txns      *txns.Manager
	transport Transport
	gtrids    *GtridGenerator
	opts      Options
	logger    src.Logger

	pool   *ants.Pool
	tracer trace.Tracer

	// mu serializes ack processing with decision state changes.
	mu     sync.Mutex
	parked map[common.TranIndex]struct{}
	// outcomes holds the decision of every global transaction decided
	// here and not finished yet. Decision answers from it.
	outcomes map[common.Gtrid]Outcome

	decisions metric.Int64Counter
}

func NewCoordinator(
	m *txns.Manager,
	transport Transport,
	gtrids *GtridGenerator,
	opts Options,
	logger src.Logger,
) (*Coordinator, error) {
	if opts.Retry.Attempts == 0 {
		opts.Retry = DefaultRetryPolicy()
	}

	pool, err := ants.NewPool(max(opts.Workers, 1))
	if err != nil {
		return nil, errors.Wrap(err, "create 2pc worker pool")
	}

	decisions, err := otel.Meter(instrumentationName).Int64Counter(
		"txnlog.twopc.decisions",
		metric.WithDescription("Global commit and abort decisions"),
	)
	if err != nil {
		pool.Release()
		return nil, errors.Wrap(err, "create decisions counter")
	}

	return &Coordinator{
		txns:      m,
		transport: transport,
		gtrids:    gtrids,
		opts:      opts,
		logger:    logger,
		pool:      pool,
		tracer:    otel.Tracer(instrumentationName),
		decisions: decisions,
		parked:    map[common.TranIndex]struct{}{},
		outcomes:  map[common.Gtrid]Outcome{},
	}, nil
}

func (c *Coordinator) Close() {
	c.pool.Release()
}

// Start gives the transaction a global id. Work shipped to participants
// carries it, so it has to be known before the commit.
func (c *Coordinator) Start(idx common.TranIndex) (common.Gtrid, error) {
	d, err := c.txns.Descriptor(idx)
	if err != nil {
		return common.NilGtrid, err
	}
	if d.Gtrid != common.NilGtrid {
		return d.Gtrid, nil
	}

	table := c.txns.Table()
	gtrid := c.gtrids.Next(d.TxnID, func(g common.Gtrid) bool {
		_, ok := table.ByGtrid(g)
		return ok
	})
	table.AssignGtrid(idx, gtrid)
	return gtrid, nil
}

// Commit runs two-phase commit with the transaction as root coordinator.
// It returns ErrAborted when a participant refused or could not be
// reached, ErrForcedAbort when the transaction was interrupted, and
// ErrDecisionPending when the commit is decided but some
// participants have not acknowledged it yet; ResendDecisions finishes
// those later.
func (c *Coordinator) Commit(ctx context.Context, idx common.TranIndex, participants []string) (err error) {
	gtrid, err := c.Start(idx)
	if err != nil {
		return err
	}

	ctx, span := c.tracer.Start(ctx, "twopc.Commit", trace.WithAttributes(
		attribute.Int64("gtrid", int64(gtrid)),
		attribute.Int("participants", len(participants)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	if c.txns.IsInterrupted(idx) {
		abortErr := c.forcedAbort(ctx, idx, gtrid)
		// nobody voted yet, so nobody is waiting for the decision
		c.tellAborted(ctx, gtrid, participants)
		return abortErr
	}

	ready, err := c.vote(ctx, idx, participants)
	if err != nil {
		return err
	}
	if !ready {
		if err := c.abort(ctx, idx); err != nil {
			return err
		}
		return errors.Wrapf(ErrAborted, "gtrid %d", gtrid)
	}
	// the interrupt may have come while the votes were collected
	if c.txns.IsInterrupted(idx) {
		return c.forcedAbort(ctx, idx, gtrid)
	}
	return c.commit(ctx, idx)
}

// tellAborted lets participants that were never asked to vote drop their
// work now instead of waiting for a timeout. Failures only get logged.
func (c *Coordinator) tellAborted(ctx context.Context, gtrid common.Gtrid, participants []string) {
	var wg sync.WaitGroup
	for i, p := range participants {
		wg.Add(1)
		err := c.pool.Submit(func() {
			defer wg.Done()
			if err := c.deliver(ctx, gtrid, i, p, false); err != nil {
				c.logger.Warnw("participant did not take the abort", "gtrid", gtrid, "participant", p, "error", err)
			}
		})
		if err != nil {
			wg.Done()
			c.logger.Warnw("could not schedule abort", "gtrid", gtrid, "participant", p, "error", err)
		}
	}
	wg.Wait()
}

func (c *Coordinator) forcedAbort(ctx context.Context, idx common.TranIndex, gtrid common.Gtrid) error {
	if err := c.abort(ctx, idx); err != nil && !errors.Is(err, common.ErrDecisionPending) {
		return errors.Wrap(err, "forced abort")
	}
	return errors.Wrapf(common.ErrForcedAbort, "gtrid %d", gtrid)
}

// vote logs the start of the vote and collects the participants' votes.
// Any failure to get a ready vote counts as a refusal.
func (c *Coordinator) vote(ctx context.Context, idx common.TranIndex, participants []string) (bool, error) {
	d, err := c.txns.Descriptor(idx)
	if err != nil {
		return false, err
	}
	if d.Coord == nil {
		d.Coord = txns.NewCoordinatorInfo(participants)
	}

	if err := c.txns.Transition(idx, txns.State2PCCollectingVotes); err != nil {
		return false, err
	}
	if _, err := c.txns.AppendRecord(idx, recovery.TwoPCStart{
		Gtrid:        d.Gtrid,
		Participants: d.Coord.Participants,
	}); err != nil {
		return false, err
	}

	gtrid := d.Gtrid
	parts := d.Coord.Participants
	votes := make([]bool, len(parts))

	var wg sync.WaitGroup
	for i, p := range parts {
		wg.Add(1)
		err := c.pool.Submit(func() {
			defer wg.Done()
			votes[i] = c.askVote(ctx, gtrid, i, p)
		})
		if err != nil {
			wg.Done()
			c.logger.Warnw("could not schedule vote request", "gtrid", gtrid, "participant", p, "error", err)
		}
	}
	wg.Wait()

	for _, v := range votes {
		if !v {
			return false, nil
		}
	}
	return true, nil
}

func (c *Coordinator) askVote(ctx context.Context, gtrid common.Gtrid, i int, participant string) bool {
	ctx, cancel := context.WithTimeout(ctx, c.opts.VoteTimeout)
	defer cancel()

	reply, err := c.transport.Send(ctx, participant, Prepare{Gtrid: gtrid, Index: i})
	if err != nil {
		c.logger.Warnw("vote request failed", "gtrid", gtrid, "participant", participant, "error", err)
		return false
	}

	v, ok := reply.(Vote)
	if !ok {
		c.logger.Errorw("unexpected reply to prepare", "gtrid", gtrid, "participant", participant, "reply", reply)
		return false
	}
	if !v.Ready {
		c.logger.Infow("participant refused", "gtrid", gtrid, "participant", participant, "reason", v.Reason)
	}
	return v.Ready
}

// commit takes the commit decision from a state where every vote is in
// (collecting votes or prepared) and drives it to the end.
func (c *Coordinator) commit(ctx context.Context, idx common.TranIndex) error {
	d, err := c.txns.Descriptor(idx)
	if err != nil {
		return err
	}
	gtrid := d.Gtrid

	c.mu.Lock()
	err = c.txns.Transition(idx, txns.State2PCCommitDecision)
	if err == nil {
		_, err = c.txns.AppendRecord(idx, recovery.TwoPCCommitDecision{Gtrid: gtrid})
	}
	if err == nil {
		c.outcomes[gtrid] = OutcomeCommit
	}
	c.mu.Unlock()
	if err != nil {
		return err
	}

	// the decision is durable before anybody hears about it
	if err := c.txns.Force(idx); err != nil {
		return err
	}
	c.decisions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", OutcomeCommit.String())))
	c.logger.Debugw("commit decided", "gtrid", gtrid)

	return c.finishCommit(ctx, idx)
}

// finishCommit continues a decided commit from wherever it stopped.
func (c *Coordinator) finishCommit(ctx context.Context, idx common.TranIndex) error {
	d, err := c.txns.Descriptor(idx)
	if err != nil {
		return err
	}

	gtrid := d.Gtrid
	coordinator := d.IsCoordinator()
	next := txns.StateCommitted
	if coordinator {
		next = txns.StateCommittedInformingParticipants
	}

	if d.State == txns.State2PCCommitDecision {
		if err := c.txns.Transition(idx, txns.StateWillCommit); err != nil {
			return err
		}
	}

	switch d.State {
	case txns.StateWillCommit:
		err = c.txns.CommitPhase(ctx, idx, next)
	case txns.StateCommittedWithPostpone:
		err = c.txns.ResumeCommit(ctx, idx, next)
	case txns.StateCommittedInformingParticipants:
	default:
		return errors.Wrapf(common.ErrInvalidTransition, "cannot finish a commit from %s", d.State)
	}
	if err != nil {
		return err
	}
	if !coordinator {
		c.forget(gtrid)
		return nil
	}

	return c.inform(ctx, idx, true)
}

// abort takes the abort decision, rolls back the local work and tells the
// participants.
func (c *Coordinator) abort(ctx context.Context, idx common.TranIndex) error {
	d, err := c.txns.Descriptor(idx)
	if err != nil {
		return err
	}

	if d.State == txns.StateActive {
		return c.txns.Abort(ctx, idx)
	}

	c.mu.Lock()
	err = c.txns.Transition(idx, txns.State2PCAbortDecision)
	if err == nil {
		_, err = c.txns.AppendRecord(idx, recovery.TwoPCAbortDecision{Gtrid: d.Gtrid})
	}
	if err == nil {
		c.outcomes[d.Gtrid] = OutcomeAbort
	}
	c.mu.Unlock()
	if err != nil {
		return err
	}

	c.decisions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", OutcomeAbort.String())))
	c.logger.Debugw("abort decided", "gtrid", d.Gtrid)

	return c.finishAbort(ctx, idx)
}

func (c *Coordinator) finishAbort(ctx context.Context, idx common.TranIndex) error {
	d, err := c.txns.Descriptor(idx)
	if err != nil {
		return err
	}

	if d.State == txns.State2PCAbortDecision {
		if err := c.txns.UndoAll(ctx, idx); err != nil {
			return err
		}
		if !d.IsCoordinator() {
			gtrid := d.Gtrid
			if err := c.txns.Finish(ctx, idx, txns.StateAborted); err != nil {
				return err
			}
			c.forget(gtrid)
			return nil
		}

		if _, err := c.txns.AppendRecord(idx, recovery.TwoPCAbortInformParticipants{Gtrid: d.Gtrid}); err != nil {
			return err
		}
		if err := c.txns.Transition(idx, txns.StateAbortedInformingParticipants); err != nil {
			return err
		}
	}

	if d.State != txns.StateAbortedInformingParticipants {
		return errors.Wrapf(common.ErrInvalidTransition, "cannot finish an abort from %s", d.State)
	}
	return c.inform(ctx, idx, false)
}

// inform sends the decision to every participant that has not
// acknowledged it and ends the transaction once all have.
func (c *Coordinator) inform(ctx context.Context, idx common.TranIndex, commit bool) error {
	d, err := c.txns.Descriptor(idx)
	if err != nil {
		return err
	}
	gtrid := d.Gtrid

	c.mu.Lock()
	parts := d.Coord.Participants
	pending := d.Coord.Acks.Unset()
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, i := range pending {
		wg.Add(1)
		err := c.pool.Submit(func() {
			defer wg.Done()
			if err := c.deliver(ctx, gtrid, i, parts[i], commit); err != nil {
				c.logger.Warnw(
					"participant did not acknowledge the decision",
					"gtrid", gtrid,
					"participant", parts[i],
					"error", err,
				)
				return
			}
			c.recordAck(idx, d, i)
		})
		if err != nil {
			wg.Done()
			c.logger.Warnw("could not schedule decision", "gtrid", gtrid, "participant", parts[i], "error", err)
		}
	}
	wg.Wait()

	c.mu.Lock()
	all := d.Coord.Acks.All()
	c.mu.Unlock()
	if !all {
		c.park(idx)
		return errors.Wrapf(common.ErrDecisionPending, "gtrid %d", gtrid)
	}

	outcome := txns.StateAborted
	if commit {
		outcome = txns.StateCommitted
	}
	if err := c.txns.Finish(ctx, idx, outcome); err != nil {
		return err
	}
	c.forget(gtrid)
	return nil
}

func (c *Coordinator) deliver(ctx context.Context, gtrid common.Gtrid, i int, participant string, commit bool) error {
	var msg Message = AbortDecision{Gtrid: gtrid, Index: i}
	if commit {
		msg = CommitDecision{Gtrid: gtrid, Index: i}
	}

	return c.opts.Retry.Do(ctx, func(ctx context.Context) error {
		reply, err := c.transport.Send(ctx, participant, msg)
		if err != nil {
			return err
		}
		if _, ok := reply.(Ack); !ok {
			return errors.Errorf("unexpected reply %T to a decision", reply)
		}
		return nil
	})
}

func (c *Coordinator) recordAck(idx common.TranIndex, d *txns.Descriptor, i int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if d.Coord.Acks.Test(i) {
		return
	}
	d.Coord.Acks.Set(i)
	if _, err := c.txns.AppendRecord(idx, recovery.TwoPCRecvAck{Index: uint32(i)}); err != nil { //nolint:gosec
		c.logger.Errorw("could not log an acknowledgment", "gtrid", d.Gtrid, "index", i, "error", err)
	}
}

// Decision tells an in-doubt participant what happened to gtrid. A global
// transaction this site does not know about was aborted.
func (c *Coordinator) Decision(_ context.Context, gtrid common.Gtrid) (Outcome, error) {
	c.mu.Lock()
	outcome, decided := c.outcomes[gtrid]
	c.mu.Unlock()
	if decided {
		return outcome, nil
	}

	if _, ok := c.txns.Table().ByGtrid(gtrid); ok {
		return OutcomeUnknown, nil
	}
	return OutcomeAbort, nil
}

func (c *Coordinator) forget(gtrid common.Gtrid) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.outcomes, gtrid)
}

// outcomeOf maps the state of a restored transaction to its decision.
func outcomeOf(s txns.State) (Outcome, bool) {
	switch s {
	case txns.State2PCCommitDecision,
		txns.StateWillCommit,
		txns.StateCommittedWithPostpone,
		txns.StateCommittedInformingParticipants:
		return OutcomeCommit, true
	case txns.State2PCAbortDecision,
		txns.StateAbortedInformingParticipants:
		return OutcomeAbort, true
	default:
		return OutcomeUnknown, false
	}
}

// Adopt hands a transaction restored at restart to ResendDecisions. It
// must be called before the transaction is handed to any other goroutine.
func (c *Coordinator) Adopt(idx common.TranIndex) {
	d, err := c.txns.Descriptor(idx)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.parked[idx] = struct{}{}
	if err != nil || d.Gtrid == common.NilGtrid {
		return
	}
	if outcome, ok := outcomeOf(d.State); ok {
		c.outcomes[d.Gtrid] = outcome
	}
}

// Pending counts transactions waiting for ResendDecisions.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.parked)
}

// ResendDecisions pushes decided global transactions whose participants
// have not all acknowledged, and those adopted at restart. A coordinator
// that crashed before deciding aborts. It returns how many transactions
// were finished.
func (c *Coordinator) ResendDecisions(ctx context.Context) (int, error) {
	c.mu.Lock()
	parked := slices.Sorted(maps.Keys(c.parked))
	c.mu.Unlock()

	finished := 0
	var errs []error

	for _, idx := range parked {
		d, err := c.txns.Descriptor(idx)
		if err != nil {
			c.unpark(idx)
			continue
		}

		switch d.State {
		case txns.StateActive, txns.State2PCCollectingVotes:
			err = c.abort(ctx, idx)
		case txns.State2PCAbortDecision, txns.StateAbortedInformingParticipants:
			err = c.finishAbort(ctx, idx)
		case txns.State2PCCommitDecision,
			txns.StateWillCommit,
			txns.StateCommittedWithPostpone,
			txns.StateCommittedInformingParticipants:
			err = c.finishCommit(ctx, idx)
		default:
			c.unpark(idx)
			continue
		}

		switch {
		case err == nil:
			c.unpark(idx)
			finished++
		case errors.Is(err, common.ErrDecisionPending):
		default:
			errs = append(errs, err)
		}
	}
	return finished, multierr.Combine(errs...)
}

func (c *Coordinator) park(idx common.TranIndex) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.parked[idx] = struct{}{}
}

func (c *Coordinator) unpark(idx common.TranIndex) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.parked, idx)
}
