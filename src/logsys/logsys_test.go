package logsys

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Blackdeer1524/txnlog/src/cfg"
	"github.com/Blackdeer1524/txnlog/src/locks"
	"github.com/Blackdeer1524/txnlog/src/pkg/common"
	"github.com/Blackdeer1524/txnlog/src/recovery"
	"github.com/Blackdeer1524/txnlog/src/twopc"
	"github.com/Blackdeer1524/txnlog/src/txns"
	"github.com/Blackdeer1524/txnlog/src/wal/logwriter"
)

type change struct {
	lsa  common.LSA
	data string
}

type recorder struct {
	mu       sync.Mutex
	undone   []change
	executed []change
}

func (r *recorder) Undo(_ context.Context, lsa common.LSA, _ recovery.DataRef, undo []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.undone = append(r.undone, change{lsa: lsa, data: string(undo)})
	return nil
}

func (r *recorder) Execute(_ context.Context, lsa common.LSA, _ recovery.DataRef, redo []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executed = append(r.executed, change{lsa: lsa, data: string(redo)})
	return nil
}

// ackingTransport acknowledges every decision and remembers it.
type ackingTransport struct {
	mu   sync.Mutex
	sent []twopc.Message
}

func (t *ackingTransport) Send(_ context.Context, _ string, msg twopc.Message) (twopc.Message, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, msg)

	switch m := msg.(type) {
	case twopc.CommitDecision:
		return twopc.Ack{Gtrid: m.Gtrid, Index: m.Index}, nil
	case twopc.AbortDecision:
		return twopc.Ack{Gtrid: m.Gtrid, Index: m.Index}, nil
	default:
		return twopc.Vote{Gtrid: m.GlobalID(), Ready: true}, nil
	}
}

type resolverFunc func(gtrid common.Gtrid) twopc.Outcome

func (f resolverFunc) Decision(_ context.Context, gtrid common.Gtrid) (twopc.Outcome, error) {
	return f(gtrid), nil
}

func testConfig() cfg.Config {
	c := cfg.Default()
	c.LogPath = "/db"
	c.DBName = "test"
	c.ActivePages = 64
	c.BufferPages = 4
	c.ArchiveCachePages = 8
	c.MaxTransactions = 8
	c.TwoPCBackoffInitial = time.Millisecond
	c.TwoPCBackoffMax = 4 * time.Millisecond
	c.TwoPCRetries = 3
	c.TwoPCWorkers = 2
	c.ReplicationTimeout = time.Second
	return c
}

func open(t *testing.T, fs afero.Fs, c cfg.Config, deps Dependencies) *System {
	t.Helper()

	sys, err := Open(fs, c, deps, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	return sys
}

func ref(i int) recovery.DataRef {
	return recovery.DataRef{RcvIndex: 1, Page: common.PageIdentity{FileID: 1, PageID: common.PageID(i)}}
}

// crash makes everything logged so far durable and drops the system
// without closing it.
func crash(t *testing.T, sys *System) {
	t.Helper()
	require.NoError(t, sys.Buffer.FlushAll())
	sys.Coordinator.Close()
}

func TestSystem_CleanRestart(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()

	sys := open(t, fs, testConfig(), Dependencies{})
	rep, err := sys.Recover(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, rep.Records)

	idx, err := sys.Txns.Begin(txns.ReadCommitted)
	require.NoError(t, err)
	_, err = sys.Txns.LogUndoRedo(idx, ref(1), []byte("old"), []byte("new"))
	require.NoError(t, err)
	require.NoError(t, sys.Txns.Commit(ctx, idx))

	next := sys.Txns.NextTxnID()
	require.NoError(t, sys.Close())
	require.NoError(t, sys.Close())

	sys = open(t, fs, testConfig(), Dependencies{})
	defer func() { require.NoError(t, sys.Close()) }()

	assert.True(t, sys.CleanShutdown())
	assert.False(t, sys.Store.Header().IsShutdown)
	assert.Equal(t, next, sys.Txns.NextTxnID())

	rep, err = sys.Recover(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Records)
	assert.Zero(t, rep.RolledBack)

	var out bytes.Buffer
	n, err := sys.Dump(&out, common.NewLSA(0, 0))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, bytes.Count(out.Bytes(), []byte("\n")))
}

func TestRecover_RollsBackLosers(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()

	sys := open(t, fs, testConfig(), Dependencies{})
	_, err := sys.Recover(ctx, nil)
	require.NoError(t, err)

	loser, err := sys.Txns.Begin(txns.ReadCommitted)
	require.NoError(t, err)
	first, err := sys.Txns.LogUndoRedo(loser, ref(1), []byte("a0"), []byte("a1"))
	require.NoError(t, err)

	winner, err := sys.Txns.Begin(txns.ReadCommitted)
	require.NoError(t, err)
	_, err = sys.Txns.LogUndoRedo(winner, ref(2), []byte("b0"), []byte("b1"))
	require.NoError(t, err)
	require.NoError(t, sys.Txns.Commit(ctx, winner))

	second, err := sys.Txns.LogUndoRedo(loser, ref(3), []byte("c0"), []byte("c1"))
	require.NoError(t, err)
	next := sys.Txns.NextTxnID()
	crash(t, sys)

	rec := &recorder{}
	sys = open(t, fs, testConfig(), Dependencies{Undo: rec})
	assert.False(t, sys.CleanShutdown())

	rep, err := sys.Recover(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.RolledBack)
	assert.Equal(t, []change{{second, "c0"}, {first, "a0"}}, rec.undone)
	assert.GreaterOrEqual(t, sys.Txns.NextTxnID(), next)
	assert.Equal(t, 1, sys.Txns.Table().InUse())

	// a second restart finds nothing left to do
	crash(t, sys)
	sys2 := open(t, fs, testConfig(), Dependencies{Undo: rec})
	defer func() { require.NoError(t, sys2.Close()) }()
	rep, err = sys2.Recover(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, rep.RolledBack)
	assert.Len(t, rec.undone, 2)
}

func TestRecover_CompletesInterruptedCommit(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()

	sys := open(t, fs, testConfig(), Dependencies{})
	idx, err := sys.Txns.Begin(txns.ReadCommitted)
	require.NoError(t, err)
	postponed, err := sys.Txns.LogPostpone(idx, ref(1), []byte("later"))
	require.NoError(t, err)
	_, err = sys.Txns.AppendRecord(idx, recovery.CommitWithPostpone{StartPostpone: postponed})
	require.NoError(t, err)
	crash(t, sys)

	rec := &recorder{}
	sys = open(t, fs, testConfig(), Dependencies{Postpone: rec})
	defer func() { require.NoError(t, sys.Close()) }()

	rep, err := sys.Recover(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Completed)
	assert.Zero(t, rep.RolledBack)
	assert.Equal(t, []change{{postponed, "later"}}, rec.executed)
}

func TestRecover_InDoubtParticipant(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	const gtrid common.Gtrid = 77

	sys := open(t, fs, testConfig(), Dependencies{})
	idx, err := sys.Txns.Begin(txns.ReadCommitted)
	require.NoError(t, err)
	_, err = sys.Txns.LogUndoRedo(idx, ref(1), []byte("old"), []byte("new"))
	require.NoError(t, err)
	postponed, err := sys.Txns.LogPostpone(idx, ref(2), []byte("after commit"))
	require.NoError(t, err)

	d, err := sys.Txns.Descriptor(idx)
	require.NoError(t, err)
	txnID := d.TxnID
	held := []common.HeldLock{{Page: ref(1).Page, Exclusive: true}}
	granted := sys.Locks.Lock(locks.Request{TxnID: txnID, Resource: ref(1).Page, Mode: locks.Exclusive})
	require.NotNil(t, granted)

	require.NoError(t, sys.Participant.Join(idx, gtrid, nil))
	require.NoError(t, sys.Participant.SetInfo(idx, []byte("branch-1")))
	reply, err := sys.Participant.Handle(ctx, twopc.Prepare{Gtrid: gtrid})
	require.NoError(t, err)
	require.Equal(t, twopc.Vote{Gtrid: gtrid, Ready: true}, reply)
	crash(t, sys)

	rec := &recorder{}
	sys = open(t, fs, testConfig(), Dependencies{Undo: rec, Postpone: rec})
	defer func() { require.NoError(t, sys.Close()) }()

	asked := 0
	rep, err := sys.Recover(ctx, resolverFunc(func(g common.Gtrid) twopc.Outcome {
		assert.Equal(t, gtrid, g)
		asked++
		return twopc.OutcomeUnknown
	}))
	require.NoError(t, err)
	assert.Equal(t, 1, asked)
	assert.Equal(t, 1, rep.InDoubt)
	assert.Zero(t, rep.Resolved)
	assert.Zero(t, rep.RolledBack)

	d, ok := sys.Txns.Table().ByGtrid(gtrid)
	require.True(t, ok)
	assert.Equal(t, txns.State2PCPrepare, d.State)
	assert.Equal(t, []common.Gtrid{gtrid}, sys.Participant.Prepared())
	info, err := sys.Participant.Info(gtrid)
	require.NoError(t, err)
	assert.Equal(t, []byte("branch-1"), info)

	// the prepared transaction owns its page again
	assert.Equal(t, held, sys.Locks.HeldLocks(txnID))
	assert.Nil(t, sys.Locks.Lock(locks.Request{TxnID: txnID + 100, Resource: ref(1).Page, Mode: locks.Shared}))

	resolved, err := sys.Participant.ResolveInDoubt(ctx, resolverFunc(func(common.Gtrid) twopc.Outcome {
		return twopc.OutcomeCommit
	}))
	require.NoError(t, err)
	assert.Equal(t, 1, resolved)
	assert.Equal(t, []change{{postponed, "after commit"}}, rec.executed)
	assert.Empty(t, rec.undone)

	_, ok = sys.Txns.Table().ByGtrid(gtrid)
	assert.False(t, ok)
	assert.Zero(t, sys.Locks.Held(txnID))
}

func TestRecover_UndecidedCoordinatorAbortsParticipants(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()

	sys := open(t, fs, testConfig(), Dependencies{})
	idx, err := sys.Txns.Begin(txns.ReadCommitted)
	require.NoError(t, err)
	changed, err := sys.Txns.LogUndoRedo(idx, ref(1), []byte("old"), []byte("new"))
	require.NoError(t, err)
	gtrid, err := sys.Coordinator.Start(idx)
	require.NoError(t, err)
	_, err = sys.Txns.AppendRecord(idx, recovery.TwoPCStart{Gtrid: gtrid, Participants: []string{"b"}})
	require.NoError(t, err)
	crash(t, sys)

	rec := &recorder{}
	transport := &ackingTransport{}
	sys = open(t, fs, testConfig(), Dependencies{Undo: rec, Transport: transport})
	defer func() { require.NoError(t, sys.Close()) }()

	rep, err := sys.Recover(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.LooseEnds)
	assert.Equal(t, 1, rep.Resent)
	assert.Zero(t, rep.RolledBack)
	assert.Zero(t, sys.Coordinator.Pending())

	assert.Equal(t, []change{{changed, "old"}}, rec.undone)
	assert.Equal(t, []twopc.Message{twopc.AbortDecision{Gtrid: gtrid, Index: 0}}, transport.sent)

	outcome, err := sys.Coordinator.Decision(ctx, gtrid)
	require.NoError(t, err)
	assert.Equal(t, twopc.OutcomeAbort, outcome)
}

func TestRun_GroupCommitDaemon(t *testing.T) {
	c := testConfig()
	c.GroupCommitInterval = 2 * time.Millisecond

	sys := open(t, afero.NewMemMapFs(), c, Dependencies{})
	defer func() { require.NoError(t, sys.Close()) }()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sys.Run(ctx) }()

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()

			idx, err := sys.Txns.Begin(txns.ReadCommitted)
			if !assert.NoError(t, err) {
				return
			}
			_, err = sys.Txns.LogUndoRedo(idx, ref(i), []byte("u"), []byte("r"))
			assert.NoError(t, err)
			assert.NoError(t, sys.Txns.Commit(ctx, idx))
		}()
	}
	wg.Wait()

	assert.Positive(t, sys.GroupCommit.Rounds())
	assert.Equal(t, 1, sys.Txns.Table().InUse())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestCommit_SilentLogWriterDoesNotFailCommit(t *testing.T) {
	c := testConfig()
	c.ReplicationTimeout = 20 * time.Millisecond

	sys := open(t, afero.NewMemMapFs(), c, Dependencies{})
	defer func() { require.NoError(t, sys.Close()) }()

	_, err := sys.Streamer.Register(logwriter.ModeSync, false)
	require.NoError(t, err)

	idx, err := sys.Txns.Begin(txns.ReadCommitted)
	require.NoError(t, err)
	_, err = sys.Txns.LogUndoRedo(idx, ref(1), []byte("u"), []byte("r"))
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, sys.Txns.Commit(context.Background(), idx))
	assert.GreaterOrEqual(t, time.Since(start), c.ReplicationTimeout)
}

func TestOpen_RejectsInvalidConfig(t *testing.T) {
	c := testConfig()
	c.BufferPages = int(c.ActivePages)

	_, err := Open(afero.NewMemMapFs(), c, Dependencies{}, zaptest.NewLogger(t).Sugar())
	require.Error(t, err)
}

func TestLocks_ConflictAndKillRequest(t *testing.T) {
	ctx := context.Background()
	c := testConfig()
	c.LockWaitTimeout = 20 * time.Millisecond

	rec := &recorder{}
	sys := open(t, afero.NewMemMapFs(), c, Dependencies{Undo: rec})
	defer func() { require.NoError(t, sys.Close()) }()
	require.NotNil(t, sys.Locks)

	older, err := sys.Txns.Begin(txns.ReadCommitted)
	require.NoError(t, err)
	younger, err := sys.Txns.Begin(txns.ReadCommitted)
	require.NoError(t, err)

	olderDesc, err := sys.Txns.Descriptor(older)
	require.NoError(t, err)
	youngerDesc, err := sys.Txns.Descriptor(younger)
	require.NoError(t, err)
	olderID, youngerID := olderDesc.TxnID, youngerDesc.TxnID

	res := ref(1).Page
	granted := sys.Locks.Lock(locks.Request{TxnID: youngerID, Resource: res, Mode: locks.Exclusive})
	require.NoError(t, sys.Txns.WaitForLock(ctx, younger, granted))
	_, err = sys.Txns.LogUndoRedo(younger, ref(1), []byte("old"), []byte("new"))
	require.NoError(t, err)

	// the older transaction waits and times out
	waiting := sys.Locks.Lock(locks.Request{TxnID: olderID, Resource: res, Mode: locks.Shared})
	require.ErrorIs(t, sys.Txns.WaitForLock(ctx, older, waiting), common.ErrLockTimeout)

	// the lock table picks the younger one as victim
	sys.Locks.Interrupt(youngerID)
	require.ErrorIs(t, sys.Txns.Commit(ctx, younger), common.ErrForcedAbort)
	assert.Len(t, rec.undone, 1)
	assert.Zero(t, sys.Locks.Held(youngerID))

	// releasing the victim's locks granted the waiter
	require.NoError(t, sys.Txns.WaitForLock(ctx, older, waiting))
	require.NoError(t, sys.Txns.Commit(ctx, older))
	assert.Zero(t, sys.Locks.Held(olderID))
}
