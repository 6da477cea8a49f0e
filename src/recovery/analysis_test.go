package recovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Blackdeer1524/txnlog/src/pkg/common"
)

func TestAnalyzeInDoubt(t *testing.T) {
	b := newBuffer(t)

	chain := NewTxnLogChain(b, 1).
		UndoRedo(testRef, []byte("u"), []byte("r")).
		Commit()

	// prepared participant, crashed before the decision arrived
	chain.SwitchTransactionID(2).
		UndoRedo(testRef, []byte("u"), []byte("r")).
		Prepare(77, []byte("info"))

	// coordinator that decided and heard back from one participant
	chain.SwitchTransactionID(3).
		Start(78, "p0", "p1").
		CommitDecision(78).
		Append(TwoPCCommitInformParticipants{Gtrid: 78}).
		RecvAck(1)

	// plain loser
	chain.SwitchTransactionID(4).
		UndoRedo(testRef, []byte("u"), []byte("r"))

	// local commit that did not finish its postpones
	chain.SwitchTransactionID(5).
		Postpone(testRef, []byte("later")).
		Append(CommitWithPostpone{StartPostpone: common.NewLSA(0, 0)})

	require.NoError(t, chain.Err())
	require.NoError(t, b.FlushAll())

	a, err := AnalyzeInDoubt(b, common.NewLSA(0, 0), b.Tail())
	require.NoError(t, err)

	assert.Equal(t, common.TxnID(5), a.MaxTxnID)
	assert.Equal(t, b.Tail(), a.End)
	assert.NotContains(t, a.Txns, common.TxnID(1))

	inDoubt := a.InDoubt()
	require.Len(t, inDoubt, 1)
	assert.Equal(t, common.TxnID(2), inDoubt[0].TxnID)
	assert.Equal(t, common.Gtrid(77), inDoubt[0].Gtrid)
	assert.Equal(t, []byte("info"), inDoubt[0].PrepareInfo)

	loose := a.LooseEnds()
	require.Len(t, loose, 1)
	assert.Equal(t, PhaseCommitInforming, loose[0].Phase)
	assert.False(t, loose[0].Acks.Test(0))
	assert.True(t, loose[0].Acks.Test(1))

	losers := a.Losers()
	require.Len(t, losers, 1)
	assert.Equal(t, common.TxnID(4), losers[0].TxnID)

	unfinished := a.Unfinished()
	require.Len(t, unfinished, 1)
	assert.Equal(t, common.TxnID(5), unfinished[0].TxnID)
}
