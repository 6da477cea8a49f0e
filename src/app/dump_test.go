package app

import (
	"bytes"
	"context"
	"os"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Blackdeer1524/txnlog/src/cfg"
	"github.com/Blackdeer1524/txnlog/src/logsys"
	"github.com/Blackdeer1524/txnlog/src/pkg/common"
	"github.com/Blackdeer1524/txnlog/src/recovery"
	"github.com/Blackdeer1524/txnlog/src/txns"
)

func TestDump(t *testing.T) {
	t.Setenv("TXNLOG_LOG_PATH", "/db")
	t.Setenv("TXNLOG_DB_NAME", "dumped")
	t.Setenv("TXNLOG_ACTIVE_PAGES", "16")
	t.Setenv("TXNLOG_BUFFER_PAGES", "2")

	config, err := cfg.Load("")
	require.NoError(t, err)

	fs := afero.NewMemMapFs()
	sys, err := logsys.Open(fs, config, logsys.Dependencies{}, zap.NewNop().Sugar())
	require.NoError(t, err)

	ctx := context.Background()
	for range 3 {
		idx, err := sys.Txns.Begin(txns.ReadCommitted)
		require.NoError(t, err)
		_, err = sys.Txns.LogUndoRedo(idx, recovery.DataRef{RcvIndex: 1}, []byte("u"), []byte("r"))
		require.NoError(t, err)
		require.NoError(t, sys.Txns.Commit(ctx, idx))
	}
	require.NoError(t, sys.Close())

	var out bytes.Buffer
	n, err := Dump(fs, "", common.NewLSA(0, 0), &out)
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 7)
	assert.Contains(t, lines[0], "shutdown=true")
}

func TestDump_MissingLog(t *testing.T) {
	t.Setenv("TXNLOG_LOG_PATH", "/nowhere")
	t.Setenv("TXNLOG_DB_NAME", "absent")

	fs := afero.NewMemMapFs()
	var out bytes.Buffer
	_, err := Dump(fs, "", common.NewLSA(0, 0), &out)
	require.ErrorIs(t, err, os.ErrNotExist)
	assert.Empty(t, out.String())

	exists, err := afero.DirExists(fs, "/nowhere")
	require.NoError(t, err)
	assert.False(t, exists)
}
