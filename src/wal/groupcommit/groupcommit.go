package groupcommit

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/Blackdeer1524/txnlog/src"
	"github.com/Blackdeer1524/txnlog/src/pkg/common"
)

const meterName = "github.com/Blackdeer1524/txnlog/src/wal/groupcommit"

// Log is the part of the append buffer a coordinator drives.
type Log interface {
	FlushUpTo(lsa common.LSA) error
	FlushAll() error
	Flushed() common.LSA
	OnFlush(fn func(flushed common.LSA))
}

// Coordinator batches durability requests of concurrent committers so that
// one sync serves all of them.
//
// With a zero interval the first waiter that finds no flush in progress
// becomes the leader and flushes on behalf of everybody; requests that
// arrive meanwhile are served by the next round. With a positive interval
// only the daemon started by Run flushes, once per interval.
type Coordinator struct {
	log      Log
	logger   src.Logger
	interval time.Duration

	mu        sync.Mutex
	cond      *sync.Cond
	flushing  bool
	requested common.LSA
	waiters   int
	rounds    uint64
	closed    bool
	err       error

	roundsCounter metric.Int64Counter
}

func New(log Log, interval time.Duration, logger src.Logger) (*Coordinator, error) {
	c := &Coordinator{
		log:       log,
		logger:    logger,
		interval:  interval,
		requested: common.NilLSA,
	}
	c.cond = sync.NewCond(&c.mu)

	var err error
	c.roundsCounter, err = otel.Meter(meterName).Int64Counter(
		"txnlog.groupcommit.rounds",
		metric.WithDescription("Flush rounds run on behalf of committers"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create rounds counter")
	}

	// flushes made by someone else may satisfy parked waiters too
	log.OnFlush(func(common.LSA) {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})

	return c, nil
}

func (c *Coordinator) daemon() bool {
	return c.interval > 0
}

// WaitDurable blocks until the record at lsa is on stable storage. It is
// not cancellable; it only returns early with ErrShutdown when the
// coordinator is closed, or with the latched flush error.
func (c *Coordinator) WaitDurable(lsa common.LSA) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		if c.err != nil {
			return c.err
		}
		if lsa.Less(c.log.Flushed()) {
			return nil
		}
		if c.closed {
			return errors.Wrapf(common.ErrShutdown, "record %s is not durable", lsa)
		}

		if c.requested.IsNil() || c.requested.Less(lsa) {
			c.requested = lsa
		}

		if !c.daemon() && !c.flushing {
			c.roundLocked()
			continue
		}

		c.waiters++
		c.cond.Wait()
		c.waiters--
	}
}

// roundLocked flushes up to the highest requested watermark. c.mu is
// released for the duration of the I/O.
func (c *Coordinator) roundLocked() {
	c.flushing = true
	target := c.requested
	c.requested = common.NilLSA
	c.mu.Unlock()

	err := c.log.FlushUpTo(target)

	c.mu.Lock()
	c.flushing = false
	c.rounds++
	if err != nil && c.err == nil {
		c.err = err
		c.logger.Errorw("group commit flush failed", "target", target.String(), "error", err)
	}
	c.cond.Broadcast()

	c.roundsCounter.Add(context.Background(), 1)
}

// Run is the flush daemon of the interval mode. It returns when ctx is
// done; waiters left behind are handled by Close.
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.daemon() {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		c.mu.Lock()
		if !c.requested.IsNil() && !c.flushing && c.err == nil {
			c.roundLocked()
		}
		err := c.err
		c.mu.Unlock()

		if err != nil {
			return err
		}
	}
}

// Close wakes every waiter. With finalFlush the log is flushed first, so
// waiters of records appended before Close still succeed; the others get
// ErrShutdown.
func (c *Coordinator) Close(finalFlush bool) error {
	var err error
	if finalFlush {
		err = c.log.FlushAll()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	if err != nil && c.err == nil {
		c.err = err
	}
	c.cond.Broadcast()
	return err
}

// Waiters is the number of committers parked for the next round.
func (c *Coordinator) Waiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waiters
}

// Rounds counts completed flush rounds.
func (c *Coordinator) Rounds() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rounds
}
