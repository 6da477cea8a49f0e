package logwriter

import (
	"bytes"
	"context"
	"os"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Blackdeer1524/txnlog/src/pkg/common"
	"github.com/Blackdeer1524/txnlog/src/storage/disk"
	"github.com/Blackdeer1524/txnlog/src/storage/page"
	"github.com/Blackdeer1524/txnlog/src/wal/logbuffer"
)

type primary struct {
	fs    afero.Fs
	store *disk.Manager
	buf   *logbuffer.Buffer
}

func openStore(t *testing.T, fs afero.Fs, prefix string, npages uint64) *disk.Manager {
	t.Helper()

	m, err := disk.Open(fs, disk.Options{
		Dir:               "/log",
		Prefix:            prefix,
		NPages:            npages,
		ArchiveCachePages: 8,
	}, zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func newPrimary(t *testing.T, npages uint64) *primary {
	t.Helper()

	fs := afero.NewMemMapFs()
	store := openStore(t, fs, "primary", npages)
	buf, err := logbuffer.New(store, 4, zap.NewNop().Sugar())
	require.NoError(t, err)
	return &primary{fs: fs, store: store, buf: buf}
}

func (p *primary) write(t *testing.T, records, size int) common.LSA {
	t.Helper()

	var last common.LSA
	for i := range records {
		lsa, err := p.buf.Append(logbuffer.Raw(bytes.Repeat([]byte{byte(i + 1)}, size)))
		require.NoError(t, err)
		last = lsa
	}
	require.NoError(t, p.buf.FlushAll())
	return last
}

func (p *primary) streamer(t *testing.T, bufferPages int) *Streamer {
	t.Helper()

	s, err := NewStreamer(p.store, p.buf, bufferPages, zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

// catchUp drives the session by hand until the replica is caught up.
func catchUp(t *testing.T, sess *Session, r *Replica) int {
	t.Helper()

	ctx := context.Background()
	rounds := 0
	req := r.Request()
	for {
		resp, err := sess.Fetch(ctx, req)
		require.NoError(t, err)
		rounds++

		req, err = r.Apply(ctx, resp)
		require.NoError(t, err)
		if resp.Status == StatusCaughtUp {
			return rounds
		}
	}
}

func assertSameLog(t *testing.T, want, got *disk.Manager, upTo common.LSA) {
	t.Helper()

	last := upTo.PageID
	if upTo.Offset == 0 {
		last--
	}
	for id := common.PageID(0); id <= last; id++ {
		w, err := want.ReadPage(id)
		require.NoError(t, err)
		g, err := got.ReadPage(id)
		require.NoError(t, err, "page %d", id)
		require.Equal(t, w.Bytes(), g.Bytes(), "page %d", id)
	}
}

func TestReplica_CopiesTheLog(t *testing.T) {
	for _, compress := range []bool{false, true} {
		t.Run(map[bool]string{false: "plain", true: "snappy"}[compress], func(t *testing.T) {
			p := newPrimary(t, 64)
			p.write(t, 40, 1500)

			s := p.streamer(t, 2)
			sess, err := s.Register(ModeSync, compress)
			require.NoError(t, err)
			assert.Equal(t, SessionRegistered, sess.State())

			replicaStore := openStore(t, afero.NewMemMapFs(), "replica", 64)
			r := NewReplica(replicaStore, zap.NewNop().Sugar())

			rounds := catchUp(t, sess, r)
			assert.Greater(t, rounds, 1)
			assert.True(t, r.Synchronized())
			assert.Equal(t, p.buf.Flushed(), r.Acked())
			assert.Equal(t, p.buf.Flushed(), replicaStore.Header().AppendLSA)
			assert.Equal(t, SessionDone, sess.State())

			assertSameLog(t, p.store, replicaStore, p.buf.Flushed())

			// the partially filled tail page is shipped again once it grows
			p.write(t, 1, 100)
			catchUp(t, sess, r)
			assertSameLog(t, p.store, replicaStore, p.buf.Flushed())
		})
	}
}

func TestReplica_CatchesUpFromArchives(t *testing.T) {
	p := newPrimary(t, 4)
	p.write(t, 60, 3000)
	require.Positive(t, p.store.Header().NextArchiveNum)

	s := p.streamer(t, 3)
	sess, err := s.Register(ModeAsync, false)
	require.NoError(t, err)

	end, archived, err := p.store.SegmentEnd(0)
	require.NoError(t, err)
	require.True(t, archived)

	resp, err := sess.Fetch(context.Background(), Request{FirstPageID: 0, Acked: common.NewLSA(0, 0)})
	require.NoError(t, err)
	assert.Len(t, resp.Pages, int(min(end, 3)))
	assert.Equal(t, StatusMoreToSend, resp.Status)
	assert.Equal(t, disk.HAFileStatusLagging, resp.Header.HAFileStatus)

	replicaStore := openStore(t, afero.NewMemMapFs(), "replica", 4)
	r := NewReplica(replicaStore, zap.NewNop().Sugar())
	catchUp(t, sess, r)

	assertSameLog(t, p.store, replicaStore, p.buf.Flushed())
}

func TestWaitReplicated(t *testing.T) {
	t.Run("sync waits for the writer's acknowledgment", func(t *testing.T) {
		p := newPrimary(t, 64)
		p.write(t, 3, 100)

		s := p.streamer(t, 8)
		sess, err := s.Register(ModeSync, false)
		require.NoError(t, err)

		replicaStore := openStore(t, afero.NewMemMapFs(), "replica", 64)
		r := NewReplica(replicaStore, zap.NewNop().Sugar())

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		followed := make(chan error, 1)
		go func() { followed <- r.Follow(ctx, sess) }()

		lsa := p.write(t, 1, 200)

		waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer waitCancel()
		require.NoError(t, s.WaitReplicated(waitCtx, lsa))
		assert.True(t, lsa.Less(sess.Acked()))

		cancel()
		require.NoError(t, <-followed)
	})

	t.Run("semisync waits for the pages to be handed over", func(t *testing.T) {
		p := newPrimary(t, 64)
		lsa := p.write(t, 3, 100)

		s := p.streamer(t, 8)
		sess, err := s.Register(ModeSemiSync, false)
		require.NoError(t, err)

		short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		require.ErrorIs(t, s.WaitReplicated(short, lsa), context.DeadlineExceeded)

		_, err = sess.Fetch(context.Background(), Request{FirstPageID: 0, Acked: common.NewLSA(0, 0)})
		require.NoError(t, err)
		require.NoError(t, s.WaitReplicated(context.Background(), lsa))
		assert.Equal(t, common.NewLSA(0, 0), sess.Acked())
	})

	t.Run("async never waits", func(t *testing.T) {
		p := newPrimary(t, 64)
		lsa := p.write(t, 3, 100)

		s := p.streamer(t, 8)
		_, err := s.Register(ModeAsync, false)
		require.NoError(t, err)
		require.NoError(t, s.WaitReplicated(context.Background(), lsa))
	})

	t.Run("closed streamer", func(t *testing.T) {
		p := newPrimary(t, 64)
		lsa := p.write(t, 1, 100)

		s := p.streamer(t, 8)
		_, err := s.Register(ModeSync, false)
		require.NoError(t, err)

		s.Close()
		require.ErrorIs(t, s.WaitReplicated(context.Background(), lsa), common.ErrShutdown)
		_, err = s.Register(ModeSync, false)
		require.ErrorIs(t, err, common.ErrShutdown)
	})
}

func TestSession_CorruptPageBreaksOnlyThatSession(t *testing.T) {
	p := newPrimary(t, 64)
	lsa := p.write(t, 30, 1500)
	require.Positive(t, lsa.PageID)

	f, err := p.fs.OpenFile(p.store.ActivePath(), os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = f.WriteAt(bytes.Repeat([]byte{0xAB}, 64), int64(page.PageSize)+100)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s := p.streamer(t, 8)
	broken, err := s.Register(ModeSync, false)
	require.NoError(t, err)
	healthy, err := s.Register(ModeAsync, false)
	require.NoError(t, err)

	_, err = broken.Fetch(context.Background(), Request{FirstPageID: 0, Acked: common.NewLSA(0, 0)})
	require.ErrorIs(t, err, common.ErrSessionBroken)
	assert.Equal(t, SessionError, broken.State())

	_, err = broken.Fetch(context.Background(), Request{FirstPageID: 1, Acked: common.NewLSA(1, 0)})
	require.ErrorIs(t, err, common.ErrSessionBroken)

	resp, err := healthy.Fetch(context.Background(), Request{FirstPageID: 1, Acked: common.NewLSA(1, 0)})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Pages)

	// a broken sync writer does not hold committers back
	require.NoError(t, s.WaitReplicated(context.Background(), lsa))
}

func TestFetch_CaughtUpWriterWaitsForNewLog(t *testing.T) {
	p := newPrimary(t, 64)
	p.write(t, 2, 100)

	s := p.streamer(t, 8)
	sess, err := s.Register(ModeAsync, false)
	require.NoError(t, err)

	r := NewReplica(openStore(t, afero.NewMemMapFs(), "replica", 64), zap.NewNop().Sugar())
	catchUp(t, sess, r)

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	resp, err := sess.Fetch(short, r.Request())
	require.NoError(t, err)
	assert.Empty(t, resp.Pages)
	assert.Equal(t, StatusCaughtUp, resp.Status)
	assert.Equal(t, SessionWaiting, sess.State())

	got := make(chan *Response, 1)
	go func() {
		resp, err := sess.Fetch(context.Background(), r.Request())
		assert.NoError(t, err)
		got <- resp
	}()

	p.write(t, 1, 100)
	select {
	case resp := <-got:
		assert.Len(t, resp.Pages, 1)
	case <-time.After(5 * time.Second):
		t.Fatal("fetch was not woken by the flush")
	}
}

func TestParseMode(t *testing.T) {
	for _, m := range []Mode{ModeAsync, ModeSemiSync, ModeSync} {
		got, err := ParseMode(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
	_, err := ParseMode("eventually")
	require.Error(t, err)
}
