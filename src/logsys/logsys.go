// Package logsys assembles the log page store, the append buffer, group
// commit, the transaction table and the two-phase commit roles into one
// subsystem with an explicit lifecycle.
package logsys

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-faster/errors"
	"github.com/spf13/afero"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/Blackdeer1524/txnlog/src"
	"github.com/Blackdeer1524/txnlog/src/cfg"
	"github.com/Blackdeer1524/txnlog/src/locks"
	"github.com/Blackdeer1524/txnlog/src/pkg/common"
	"github.com/Blackdeer1524/txnlog/src/recovery"
	"github.com/Blackdeer1524/txnlog/src/storage/disk"
	"github.com/Blackdeer1524/txnlog/src/storage/page"
	"github.com/Blackdeer1524/txnlog/src/twopc"
	"github.com/Blackdeer1524/txnlog/src/txns"
	"github.com/Blackdeer1524/txnlog/src/wal/groupcommit"
	"github.com/Blackdeer1524/txnlog/src/wal/logbuffer"
	"github.com/Blackdeer1524/txnlog/src/wal/logwriter"
)

// Dependencies are the collaborators owned by the host: the storage
// engine's undo and postpone functions, the lock manager and the network
// transport of the two-phase commit.
type Dependencies struct {
	Undo      txns.UndoApplier
	Postpone  txns.PostponeExecutor
	Locks     txns.LockManager
	Transport twopc.Transport

	// Gtrids defaults to a generator seeded with this host and process.
	Gtrids *twopc.GtridGenerator

	OnTransition func(d *txns.Descriptor, from, to txns.State)
}

type System struct {
	cfg    cfg.Config
	logger src.Logger

	Store       *disk.Manager
	Buffer      *logbuffer.Buffer
	GroupCommit *groupcommit.Coordinator
	Txns        *txns.Manager
	Coordinator *twopc.Coordinator
	Participant *twopc.Participant
	Streamer    *logwriter.Streamer

	// Locks is the built-in lock table, nil when the host brings its own.
	Locks *locks.Manager

	cleanShutdown bool

	closeOnce sync.Once
	closeErr  error
}

// Open mounts or creates the log under c.LogPath. Call Recover before
// starting new transactions.
func Open(fs afero.Fs, c cfg.Config, deps Dependencies, logger src.Logger) (*System, error) {
	if err := c.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	status, err := disk.ParseServerStatus(c.ServerStatus)
	if err != nil {
		return nil, err
	}

	store, err := disk.Open(fs, disk.Options{
		Dir:               c.LogPath,
		Prefix:            c.DBName,
		NPages:            c.ActivePages,
		ArchiveCachePages: c.ArchiveCachePages,
	}, logger)
	if err != nil {
		return nil, errors.Wrap(err, "open log page store")
	}

	s := &System{
		cfg:           c,
		logger:        logger,
		Store:         store,
		cleanShutdown: store.Header().IsShutdown,
	}

	if err := s.assemble(deps); err != nil {
		return nil, multierr.Append(err, store.Close())
	}

	if err := store.UpdateHeader(func(h *disk.LogHeader) {
		h.IsShutdown = false
		h.ServerStatus = status
	}); err != nil {
		s.Coordinator.Close()
		return nil, multierr.Append(err, store.Close())
	}

	hdr := store.Header()
	logger.Infow(
		"log subsystem opened",
		"path", c.LogPath,
		"db", c.DBName,
		"active", humanize.IBytes(hdr.NPages*page.PageSize),
		"append_lsa", hdr.AppendLSA.String(),
		"next_txn", hdr.NextTxnID,
		"clean_shutdown", s.cleanShutdown,
		"status", status.String(),
	)
	return s, nil
}

func (s *System) assemble(deps Dependencies) error {
	c := s.cfg

	var err error
	if s.Buffer, err = logbuffer.New(s.Store, c.BufferPages, s.logger); err != nil {
		return errors.Wrap(err, "mount append buffer")
	}
	if s.GroupCommit, err = groupcommit.New(s.Buffer, c.GroupCommitInterval, s.logger); err != nil {
		return err
	}
	if s.Streamer, err = logwriter.NewStreamer(s.Store, s.Buffer, c.LogWriterBufferPages, s.logger); err != nil {
		return err
	}

	lockManager := deps.Locks
	if lockManager == nil {
		s.Locks = locks.NewManager(s.logger)
		lockManager = s.Locks
	}

	table := txns.NewTable(c.MaxTransactions, c.PostponeCacheEntries, c.PostponeCacheBytes)
	s.Txns = txns.NewManager(
		table,
		s.Buffer,
		&durability{
			commit:   s.GroupCommit,
			replicas: s.Streamer,
			timeout:  c.ReplicationTimeout,
			logger:   s.logger,
		},
		txns.Collaborators{
			Undo:     deps.Undo,
			Postpone: deps.Postpone,
			Locks:    lockManager,
		},
		txns.Options{
			LockWaitTimeout: c.LockWaitTimeout,
			OnTransition:    deps.OnTransition,
		},
		s.Store.Header().NextTxnID,
		s.logger,
	)

	transport := deps.Transport
	if transport == nil {
		transport = noTransport{}
	}
	gtrids := deps.Gtrids
	if gtrids == nil {
		gtrids = twopc.LocalGtridGenerator()
	}
	s.Coordinator, err = twopc.NewCoordinator(s.Txns, transport, gtrids, twopc.Options{
		VoteTimeout: c.TwoPCVoteTimeout,
		Retry: twopc.RetryPolicy{
			Initial:  c.TwoPCBackoffInitial,
			Max:      c.TwoPCBackoffMax,
			Attempts: c.TwoPCRetries,
		},
		Workers: c.TwoPCWorkers,
	}, s.logger)
	if err != nil {
		return err
	}
	s.Participant = twopc.NewParticipant(s.Coordinator, s.logger)
	return nil
}

// CleanShutdown reports whether the previous run closed the log in order.
func (s *System) CleanShutdown() bool {
	return s.cleanShutdown
}

// Run drives the background work until ctx is done: the periodic flusher,
// the group commit daemon and the resending of pending 2PC decisions.
func (s *System) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		return s.Buffer.Run(ctx, s.cfg.FlushInterval)
	})
	eg.Go(func() error {
		return s.GroupCommit.Run(ctx)
	})
	eg.Go(func() error {
		s.resendLoop(ctx)
		return nil
	})

	return eg.Wait()
}

func (s *System) resendLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TwoPCResendInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if s.Coordinator.Pending() == 0 {
			continue
		}
		n, err := s.Coordinator.ResendDecisions(ctx)
		if err != nil {
			s.logger.Warnw("resending 2pc decisions", "finished", n, "error", err)
			continue
		}
		if n > 0 {
			s.logger.Infow("finished pending global transactions", "count", n)
		}
	}
}

// Dump writes the records in [from, tail) to w.
func (s *System) Dump(w io.Writer, from common.LSA) (int, error) {
	return recovery.Dump(w, recovery.Scan(s.Buffer, from, s.Buffer.Tail()))
}

// Close flushes the log, marks the shutdown as clean and closes the files.
// Transactions still running are not finished; the next Recover rolls them
// back.
func (s *System) Close() error {
	s.closeOnce.Do(func() {
		s.Coordinator.Close()
		s.Streamer.Close()

		errs := []error{
			s.GroupCommit.Close(true),
			s.Buffer.Close(),
		}
		if multierr.Combine(errs...) == nil {
			errs = append(errs, s.Store.UpdateHeader(func(h *disk.LogHeader) {
				h.IsShutdown = true
				h.NextTxnID = s.Txns.NextTxnID()
			}), s.Store.Sync())
		}
		errs = append(errs, s.Store.Close())

		s.closeErr = multierr.Combine(errs...)
		if s.closeErr != nil {
			s.logger.Errorw("log subsystem closed with errors", "error", s.closeErr)
		} else {
			s.logger.Infow("log subsystem closed", "append_lsa", s.Buffer.Tail().String())
		}
	})
	return s.closeErr
}

// noTransport serves a site that never coordinates global transactions.
type noTransport struct{}

func (noTransport) Send(context.Context, string, twopc.Message) (twopc.Message, error) {
	return nil, errors.New("no 2pc transport configured")
}
