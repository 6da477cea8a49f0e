package logsys

import (
	"context"
	"time"

	"github.com/Blackdeer1524/txnlog/src"
	"github.com/Blackdeer1524/txnlog/src/pkg/common"
	"github.com/Blackdeer1524/txnlog/src/wal/groupcommit"
	"github.com/Blackdeer1524/txnlog/src/wal/logwriter"
)

// durability makes a record durable locally through group commit, then
// waits for the sync and semisync log writers.
type durability struct {
	commit   *groupcommit.Coordinator
	replicas *logwriter.Streamer
	timeout  time.Duration
	logger   src.Logger
}

func (d *durability) WaitDurable(lsa common.LSA) error {
	if err := d.commit.WaitDurable(lsa); err != nil {
		return err
	}

	ctx := context.Background()
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	// the record is on local disk already; a slow writer must not turn a
	// durable commit into a failed one
	if err := d.replicas.WaitReplicated(ctx, lsa); err != nil {
		d.logger.Warnw("log writers did not confirm record", "lsa", lsa.String(), "error", err)
	}
	return nil
}
