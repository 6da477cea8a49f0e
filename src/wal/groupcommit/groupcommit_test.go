package groupcommit

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Blackdeer1524/txnlog/src/pkg/common"
	"github.com/Blackdeer1524/txnlog/src/storage/disk"
	"github.com/Blackdeer1524/txnlog/src/wal/logbuffer"
)

type syncCounter struct {
	*disk.Manager
	syncs atomic.Int32
}

func (s *syncCounter) Sync() error {
	s.syncs.Add(1)
	return s.Manager.Sync()
}

func setupBuffer(t *testing.T) (*logbuffer.Buffer, *syncCounter) {
	t.Helper()

	m, err := disk.Open(afero.NewMemMapFs(), disk.Options{
		Dir:               "/log",
		Prefix:            "gctest",
		NPages:            64,
		ArchiveCachePages: 8,
	}, zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	store := &syncCounter{Manager: m}
	b, err := logbuffer.New(store, 8, zap.NewNop().Sugar())
	require.NoError(t, err)
	return b, store
}

func appendN(t *testing.T, b *logbuffer.Buffer, n int) []common.LSA {
	t.Helper()

	lsas := make([]common.LSA, 0, n)
	for i := range n {
		lsa, err := b.Append(logbuffer.Raw(bytes.Repeat([]byte{byte(i)}, 200)))
		require.NoError(t, err)
		lsas = append(lsas, lsa)
	}
	return lsas
}

// gatedLog is a log whose flushes can be held back by the test.
type gatedLog struct {
	mu      sync.Mutex
	tail    common.LSA
	flushed common.LSA
	gate    chan struct{}
	calls   atomic.Int32
	fail    error
}

func newGatedLog(tail common.LSA) *gatedLog {
	return &gatedLog{tail: tail, flushed: common.NewLSA(0, 0), gate: make(chan struct{})}
}

func (l *gatedLog) setTail(lsa common.LSA) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tail = lsa
}

func (l *gatedLog) FlushUpTo(common.LSA) error {
	l.calls.Add(1)

	l.mu.Lock()
	target := l.tail
	l.mu.Unlock()

	<-l.gate

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail != nil {
		return l.fail
	}
	l.flushed = target
	return nil
}

func (l *gatedLog) FlushAll() error {
	return l.FlushUpTo(common.NilLSA)
}

func (l *gatedLog) Flushed() common.LSA {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.flushed
}

func (l *gatedLog) OnFlush(func(common.LSA)) {}

func TestWaitDurable_OneSyncForManyWaiters(t *testing.T) {
	b, store := setupBuffer(t)
	c, err := New(b, 0, zap.NewNop().Sugar())
	require.NoError(t, err)

	lsas := appendN(t, b, 32)

	var wg sync.WaitGroup
	for _, lsa := range lsas {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.WaitDurable(lsa))
			assert.True(t, b.IsDurable(lsa))
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, store.syncs.Load())
	assert.EqualValues(t, 1, c.Rounds())

	// already durable, no more I/O
	require.NoError(t, c.WaitDurable(lsas[len(lsas)-1]))
	assert.EqualValues(t, 1, store.syncs.Load())
}

func TestWaitDurable_LateArrivalsJoinNextRound(t *testing.T) {
	log := newGatedLog(common.NewLSA(0, 100))
	c, err := New(log, 0, zap.NewNop().Sugar())
	require.NoError(t, err)

	var wg sync.WaitGroup
	wait := func(lsa common.LSA) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.WaitDurable(lsa))
		}()
	}

	wait(common.NewLSA(0, 10))
	require.Eventually(t, func() bool { return log.calls.Load() == 1 }, time.Second, time.Millisecond)

	log.setTail(common.NewLSA(0, 200))
	wait(common.NewLSA(0, 50))
	wait(common.NewLSA(0, 150))
	wait(common.NewLSA(0, 160))
	require.Eventually(t, func() bool { return c.Waiters() == 3 }, time.Second, time.Millisecond)
	assert.EqualValues(t, 1, log.calls.Load())

	close(log.gate)
	wg.Wait()

	assert.EqualValues(t, 2, log.calls.Load())
	assert.EqualValues(t, 2, c.Rounds())
}

func TestRun_DaemonFlushesOncePerInterval(t *testing.T) {
	b, store := setupBuffer(t)
	c, err := New(b, 20*time.Millisecond, zap.NewNop().Sugar())
	require.NoError(t, err)

	lsas := appendN(t, b, 8)

	var wg sync.WaitGroup
	for _, lsa := range lsas {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.WaitDurable(lsa))
		}()
	}
	require.Eventually(t, func() bool { return c.Waiters() == len(lsas) }, time.Second, time.Millisecond)
	assert.Zero(t, store.syncs.Load())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	wg.Wait()
	cancel()
	require.NoError(t, <-done)

	assert.EqualValues(t, 1, store.syncs.Load())
}

func TestClose_WakesWaitersWithShutdown(t *testing.T) {
	b, _ := setupBuffer(t)
	c, err := New(b, time.Hour, zap.NewNop().Sugar())
	require.NoError(t, err)

	lsa := appendN(t, b, 1)[0]

	errCh := make(chan error, 1)
	go func() { errCh <- c.WaitDurable(lsa) }()
	require.Eventually(t, func() bool { return c.Waiters() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, c.Close(false))
	require.ErrorIs(t, <-errCh, common.ErrShutdown)

	require.ErrorIs(t, c.WaitDurable(lsa), common.ErrShutdown)
}

func TestClose_FinalFlushReleasesWaiters(t *testing.T) {
	b, _ := setupBuffer(t)
	c, err := New(b, time.Hour, zap.NewNop().Sugar())
	require.NoError(t, err)

	lsa := appendN(t, b, 1)[0]

	errCh := make(chan error, 1)
	go func() { errCh <- c.WaitDurable(lsa) }()
	require.Eventually(t, func() bool { return c.Waiters() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, c.Close(true))
	require.NoError(t, <-errCh)
}

func TestWaitDurable_FlushFailureIsLatched(t *testing.T) {
	log := newGatedLog(common.NewLSA(0, 100))
	log.fail = errors.Wrap(common.ErrIOFatal, "disk gone")
	close(log.gate)

	c, err := New(log, 0, zap.NewNop().Sugar())
	require.NoError(t, err)

	require.ErrorIs(t, c.WaitDurable(common.NewLSA(0, 10)), common.ErrIOFatal)
	require.ErrorIs(t, c.WaitDurable(common.NewLSA(0, 20)), common.ErrIOFatal)
	assert.EqualValues(t, 1, log.calls.Load())
}
