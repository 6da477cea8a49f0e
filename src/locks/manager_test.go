package locks

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Blackdeer1524/txnlog/src/pkg/common"
)

func page(id int) Resource {
	return Resource{FileID: 1, PageID: common.PageID(id)}
}

func isGranted(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func newManager() *Manager {
	return NewManager(zap.NewNop().Sugar())
}

func TestLock_SharedLocksAreCompatible(t *testing.T) {
	m := newManager()

	for txn := common.TxnID(1); txn <= 3; txn++ {
		ch := m.Lock(Request{TxnID: txn, Resource: page(1), Mode: Shared})
		require.NotNil(t, ch)
		assert.True(t, isGranted(ch))
	}
}

func TestLock_OlderWaitsForYounger(t *testing.T) {
	m := newManager()

	young := m.Lock(Request{TxnID: 10, Resource: page(1), Mode: Exclusive})
	require.True(t, isGranted(young))

	old := m.Lock(Request{TxnID: 5, Resource: page(1), Mode: Shared})
	require.NotNil(t, old)
	assert.False(t, isGranted(old))

	m.ReleaseAll(10)
	assert.True(t, isGranted(old))
	assert.Zero(t, m.Held(10))
}

func TestLock_YoungerDies(t *testing.T) {
	m := newManager()

	old := m.Lock(Request{TxnID: 5, Resource: page(1), Mode: Shared})
	require.True(t, isGranted(old))

	assert.Nil(t, m.Lock(Request{TxnID: 10, Resource: page(1), Mode: Exclusive}))

	// no conflict, no refusal
	assert.True(t, isGranted(m.Lock(Request{TxnID: 10, Resource: page(1), Mode: Shared})))
}

func TestLock_WaitersAreGrantedInOrder(t *testing.T) {
	m := newManager()

	holder := m.Lock(Request{TxnID: 30, Resource: page(1), Mode: Exclusive})
	require.True(t, isGranted(holder))

	first := m.Lock(Request{TxnID: 20, Resource: page(1), Mode: Exclusive})
	second := m.Lock(Request{TxnID: 10, Resource: page(1), Mode: Exclusive})
	require.NotNil(t, first)
	require.NotNil(t, second)

	m.Unlock(30, page(1))
	assert.True(t, isGranted(first))
	assert.False(t, isGranted(second))

	m.ReleaseAll(20)
	assert.True(t, isGranted(second))
}

func TestLock_SharedWaitersAreGrantedTogether(t *testing.T) {
	m := newManager()

	require.True(t, isGranted(m.Lock(Request{TxnID: 30, Resource: page(1), Mode: Exclusive})))
	a := m.Lock(Request{TxnID: 20, Resource: page(1), Mode: Shared})
	b := m.Lock(Request{TxnID: 10, Resource: page(1), Mode: Shared})

	m.ReleaseAll(30)
	assert.True(t, isGranted(a))
	assert.True(t, isGranted(b))
}

func TestLock_Upgrade(t *testing.T) {
	m := newManager()

	s := m.Lock(Request{TxnID: 1, Resource: page(1), Mode: Shared})
	require.True(t, isGranted(s))

	x := m.Lock(Request{TxnID: 1, Resource: page(1), Mode: Exclusive})
	require.NotNil(t, x)
	assert.True(t, isGranted(x))
	assert.Equal(t, 1, m.Held(1))

	// the exclusive lock now blocks readers younger than its holder
	assert.Nil(t, m.Lock(Request{TxnID: 2, Resource: page(1), Mode: Shared}))

	// re-requesting a covered mode is a no-op
	assert.True(t, isGranted(m.Lock(Request{TxnID: 1, Resource: page(1), Mode: Shared})))
}

func TestLock_UpgradeWithOtherReadersIsRefused(t *testing.T) {
	m := newManager()

	require.True(t, isGranted(m.Lock(Request{TxnID: 1, Resource: page(1), Mode: Shared})))
	require.True(t, isGranted(m.Lock(Request{TxnID: 2, Resource: page(1), Mode: Shared})))

	assert.Nil(t, m.Lock(Request{TxnID: 1, Resource: page(1), Mode: Exclusive}))
}

func TestReleaseAll_DropsWaitingRequests(t *testing.T) {
	m := newManager()

	require.True(t, isGranted(m.Lock(Request{TxnID: 30, Resource: page(1), Mode: Exclusive})))
	waiter := m.Lock(Request{TxnID: 20, Resource: page(1), Mode: Exclusive})
	require.NotNil(t, waiter)

	// the waiter gave up
	m.ReleaseAll(20)
	m.ReleaseAll(30)
	assert.False(t, isGranted(waiter))

	assert.True(t, isGranted(m.Lock(Request{TxnID: 40, Resource: page(1), Mode: Exclusive})))
}

func TestInterrupt(t *testing.T) {
	m := newManager()

	assert.False(t, m.IsInterrupted(7))
	m.Interrupt(7)
	assert.True(t, m.IsInterrupted(7))

	m.ReleaseAll(7)
	assert.False(t, m.IsInterrupted(7))
}

func TestHeldLocks_ListsGrantedLocksByPage(t *testing.T) {
	m := newManager()

	require.True(t, isGranted(m.Lock(Request{TxnID: 4, Resource: page(9), Mode: Shared})))
	require.True(t, isGranted(m.Lock(Request{TxnID: 4, Resource: page(2), Mode: Exclusive})))
	require.True(t, isGranted(m.Lock(Request{TxnID: 8, Resource: page(5), Mode: Exclusive})))

	// still waiting for the younger holder of page 5
	waiting := m.Lock(Request{TxnID: 4, Resource: page(5), Mode: Shared})
	require.NotNil(t, waiting)
	require.False(t, isGranted(waiting))

	assert.Equal(t, []common.HeldLock{
		{Page: page(2), Exclusive: true},
		{Page: page(9)},
	}, m.HeldLocks(4))
	assert.Empty(t, m.HeldLocks(99))
}

func TestReacquire(t *testing.T) {
	m := newManager()
	held := []common.HeldLock{
		{Page: page(1), Exclusive: true},
		{Page: page(2)},
	}

	require.NoError(t, m.Reacquire(3, held))
	assert.Equal(t, held, m.HeldLocks(3))

	assert.Nil(t, m.Lock(Request{TxnID: 7, Resource: page(1), Mode: Shared}))
	assert.True(t, isGranted(m.Lock(Request{TxnID: 7, Resource: page(2), Mode: Shared})))

	require.Error(t, m.Reacquire(5, []common.HeldLock{{Page: page(1)}}))
	m.ReleaseAll(5)

	m.ReleaseAll(3)
	require.NoError(t, m.Reacquire(5, []common.HeldLock{{Page: page(1)}}))
}
