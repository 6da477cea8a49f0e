package app

import (
	"context"

	"github.com/Blackdeer1524/txnlog/src/cli"
)

var rootCmd = cli.Init("txnlog", "Transaction log and commit coordinator")

func MustExecute(ctx context.Context) {
	initStart()
	initDump()
	rootCmd.MustExecute(ctx)
}
