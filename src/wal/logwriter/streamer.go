package logwriter

import (
	"context"
	"sync"

	"github.com/go-faster/errors"
	"github.com/golang/snappy"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/Blackdeer1524/txnlog/src"
	"github.com/Blackdeer1524/txnlog/src/pkg/common"
	"github.com/Blackdeer1524/txnlog/src/storage/disk"
	"github.com/Blackdeer1524/txnlog/src/storage/page"
)

const meterName = "github.com/Blackdeer1524/txnlog/src/wal/logwriter"

// PageStore serves flushed pages of the primary log.
type PageStore interface {
	Header() disk.LogHeader
	ReadPage(id common.PageID) (*page.LogPage, error)
	SegmentEnd(id common.PageID) (end common.PageID, archived bool, err error)
}

// Log reports the primary's durability watermark.
type Log interface {
	Flushed() common.LSA
	OnFlush(fn func(flushed common.LSA))
}

// Streamer ships durable log pages to registered log writers.
type Streamer struct {
	store       PageStore
	log         Log
	bufferPages int
	logger      src.Logger

	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
	progress chan struct{}
	closed   bool

	pagesShipped metric.Int64Counter
}

// NewStreamer sends at most bufferPages pages per response.
func NewStreamer(store PageStore, log Log, bufferPages int, logger src.Logger) (*Streamer, error) {
	s := &Streamer{
		store:       store,
		log:         log,
		bufferPages: max(bufferPages, 1),
		logger:      logger,
		sessions:    map[uuid.UUID]*Session{},
		progress:    make(chan struct{}),
	}

	var err error
	s.pagesShipped, err = otel.Meter(meterName).Int64Counter(
		"txnlog.logwriter.pages_shipped",
		metric.WithDescription("Log pages sent to log writers"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create pages shipped counter")
	}

	log.OnFlush(func(common.LSA) {
		s.mu.Lock()
		s.notifyLocked()
		s.mu.Unlock()
	})
	return s, nil
}

// notifyLocked wakes everybody waiting for log or writer progress.
func (s *Streamer) notifyLocked() {
	close(s.progress)
	s.progress = make(chan struct{})
}

// Register starts a session for a new log writer.
func (s *Streamer) Register(mode Mode, compress bool) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, common.ErrShutdown
	}

	sess := &Session{
		ID:       uuid.New(),
		Mode:     mode,
		Compress: compress,
		streamer: s,
		state:    SessionRegistered,
		acked:    common.NewLSA(0, 0),
		sent:     common.NewLSA(0, 0),
	}
	s.sessions[sess.ID] = sess

	s.logger.Infow("log writer registered", "session", sess.ID.String(), "mode", mode.String())
	return sess, nil
}

// Unregister forgets a session. Committers no longer wait for it.
func (s *Streamer) Unregister(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, id)
	s.notifyLocked()
}

func (s *Streamer) Sessions() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		res = append(res, sess)
	}
	return res
}

func (s *Streamer) setState(sess *Session, to SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setStateLocked(sess, to)
}

func (s *Streamer) setStateLocked(sess *Session, to SessionState) {
	if sess.state == to {
		return
	}
	if !canMove(sess.state, to) {
		s.logger.Errorw(
			"invalid log writer session transition",
			"session", sess.ID.String(),
			"from", sess.state.String(),
			"to", to.String(),
		)
		to = SessionError
	}
	sess.state = to
	s.notifyLocked()
}

// fail breaks the session. The writer has to register again.
func (s *Streamer) fail(sess *Session, err error) error {
	err = errors.Wrapf(common.ErrSessionBroken, "session %s: %v", sess.ID, err)

	s.mu.Lock()
	sess.err = err
	sess.state = SessionError
	s.notifyLocked()
	s.mu.Unlock()

	s.logger.Errorw("log writer session failed", "session", sess.ID.String(), "error", err)
	return err
}

// Fetch answers one request of the writer. When the writer is caught up
// it waits for the log to grow or for ctx to be done; in the latter case
// an empty caught-up response is returned.
func (sess *Session) Fetch(ctx context.Context, req Request) (*Response, error) {
	sess.fetchMu.Lock()
	defer sess.fetchMu.Unlock()

	s := sess.streamer

	s.mu.Lock()
	if sess.err != nil {
		defer s.mu.Unlock()
		return nil, sess.err
	}
	if s.closed {
		s.mu.Unlock()
		return nil, common.ErrShutdown
	}
	if sess.acked.Less(req.Acked) {
		sess.acked = req.Acked
		s.notifyLocked()
	}
	s.mu.Unlock()

	for {
		flushed := s.log.Flushed()
		if common.NewLSA(req.FirstPageID, 0).Less(flushed) && req.Acked.Less(flushed) {
			return sess.ship(req.FirstPageID, flushed)
		}
		if flushed.PageID < req.FirstPageID {
			return nil, s.fail(sess, errors.Errorf(
				"writer asks for page %d, the log ends at %s",
				req.FirstPageID,
				flushed,
			))
		}

		s.mu.Lock()
		s.setStateLocked(sess, SessionWaiting)
		wake := s.progress
		closed := s.closed
		s.mu.Unlock()

		if closed {
			return nil, common.ErrShutdown
		}

		select {
		case <-wake:
		case <-ctx.Done():
			return &Response{
				Header: s.header(true),
				Tail:   flushed,
				Status: StatusCaughtUp,
			}, nil
		}
	}
}

func (s *Streamer) header(synced bool) disk.LogHeader {
	hdr := s.store.Header()
	if synced {
		hdr.HAFileStatus = disk.HAFileStatusSynchronized
	} else {
		hdr.HAFileStatus = disk.HAFileStatusLagging
	}
	return hdr
}

// ship sends the pages from first on, stopping at the durable tail, at the
// writer's buffer size and at the end of the segment holding first.
func (sess *Session) ship(first common.PageID, flushed common.LSA) (*Response, error) {
	s := sess.streamer

	lastDurable := flushed.PageID
	if flushed.Offset == 0 {
		lastDurable--
	}

	end, archived, err := s.store.SegmentEnd(first)
	if err != nil {
		return nil, s.fail(sess, err)
	}
	last := min(lastDurable, end-1, first+common.PageID(s.bufferPages)-1)

	if archived {
		s.setState(sess, SessionDelayed)
	} else {
		s.setState(sess, SessionFetching)
	}

	resp := &Response{Compressed: sess.Compress}
	for id := first; id <= last; id++ {
		p, err := s.store.ReadPage(id)
		if err != nil {
			return nil, s.fail(sess, errors.Wrapf(err, "page %d", id))
		}

		img := p.Bytes()
		if sess.Compress {
			img = snappy.Encode(nil, img)
		} else {
			img = append([]byte(nil), img...)
		}
		resp.Pages = append(resp.Pages, img)
	}

	resp.Tail = common.NewLSA(last+1, 0)
	if last == flushed.PageID {
		resp.Tail = flushed
	}
	resp.Status = StatusMoreToSend
	if last == lastDurable {
		resp.Status = StatusCaughtUp
	}
	resp.Header = s.header(resp.Status == StatusCaughtUp)

	s.mu.Lock()
	if sess.sent.Less(resp.Tail) {
		sess.sent = resp.Tail
	}
	s.setStateLocked(sess, SessionDone)
	s.mu.Unlock()

	s.pagesShipped.Add(context.Background(), int64(len(resp.Pages)))
	s.logger.Debugw(
		"shipped log pages",
		"session", sess.ID.String(),
		"first", first,
		"last", last,
		"archived", archived,
		"status", resp.Status.String(),
	)
	return resp, nil
}

// WaitReplicated waits until every healthy sync writer has the record at
// lsa on disk and every semisync writer has received it.
func (s *Streamer) WaitReplicated(ctx context.Context, lsa common.LSA) error {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return common.ErrShutdown
		}

		done := true
		for _, sess := range s.sessions {
			if sess.err != nil {
				continue
			}
			switch sess.Mode {
			case ModeSync:
				done = done && lsa.Less(sess.acked)
			case ModeSemiSync:
				done = done && lsa.Less(sess.sent)
			}
		}
		wake := s.progress
		s.mu.Unlock()

		if done {
			return nil
		}

		select {
		case <-wake:
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "replication of %s", lsa)
		}
	}
}

// Close ends every session and wakes everybody waiting.
func (s *Streamer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	s.notifyLocked()
}
