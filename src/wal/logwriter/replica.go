package logwriter

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/golang/snappy"

	"github.com/Blackdeer1524/txnlog/src"
	"github.com/Blackdeer1524/txnlog/src/pkg/common"
	"github.com/Blackdeer1524/txnlog/src/storage/disk"
	"github.com/Blackdeer1524/txnlog/src/storage/page"
)

// Fetcher is the writer's end of a session, usually a network client.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (*Response, error)
}

// ReplicaStore is the writer's own log page store.
type ReplicaStore interface {
	Header() disk.LogHeader
	UpdateHeader(fn func(h *disk.LogHeader)) error
	WritePages(run []*page.LogPage) error
	Sync() error
	EnsureWritable(ctx context.Context, upTo, completeBefore common.PageID) error
}

// Replica copies the primary's log page by page into a store of its own.
type Replica struct {
	store  ReplicaStore
	logger src.Logger

	acked  common.LSA
	status disk.HAFileStatus
}

// NewReplica resumes after whatever the store already holds.
func NewReplica(store ReplicaStore, logger src.Logger) *Replica {
	return &Replica{
		store:  store,
		logger: logger,
		acked:  store.Header().AppendLSA,
		status: store.Header().HAFileStatus,
	}
}

// Request is the next request to send: it restarts at the page holding
// the durable end, which may be partially filled.
func (r *Replica) Request() Request {
	return Request{FirstPageID: r.acked.PageID, Acked: r.acked}
}

func (r *Replica) Acked() common.LSA {
	return r.acked
}

// Synchronized reports whether the last response said the writer has
// everything the primary has flushed.
func (r *Replica) Synchronized() bool {
	return r.status == disk.HAFileStatusSynchronized
}

// Apply writes the pages of resp durably and returns the follow-up
// request.
func (r *Replica) Apply(ctx context.Context, resp *Response) (Request, error) {
	if resp.Status == StatusError {
		return Request{}, errors.Wrap(common.ErrSessionBroken, "primary reported an error")
	}
	r.status = resp.Header.HAFileStatus
	if len(resp.Pages) == 0 {
		return r.Request(), nil
	}

	npages := r.store.Header().NPages
	if uint64(len(resp.Pages)) > npages {
		return Request{}, errors.Errorf("response of %d pages exceeds the %d page log", len(resp.Pages), npages)
	}

	first := r.acked.PageID
	pages := make([]*page.LogPage, 0, len(resp.Pages))
	for i, img := range resp.Pages {
		if resp.Compressed {
			var err error
			if img, err = snappy.Decode(nil, img); err != nil {
				return Request{}, errors.Wrapf(common.ErrCorruptPage, "decompress page %d: %v", first+common.PageID(i), err)
			}
		}

		p, err := page.Load(img)
		if err != nil {
			return Request{}, err
		}
		if err := p.Validate(first + common.PageID(i)); err != nil {
			return Request{}, err
		}
		pages = append(pages, p)
	}

	last := pages[len(pages)-1].PageID()
	if err := r.store.EnsureWritable(ctx, last, first); err != nil {
		return Request{}, err
	}
	if err := r.store.WritePages(pages); err != nil {
		return Request{}, err
	}
	if err := r.store.UpdateHeader(func(h *disk.LogHeader) {
		h.AppendLSA = resp.Tail
		h.LastRecordLSA = common.NilLSA
		if resp.Header.AppendLSA == resp.Tail {
			h.LastRecordLSA = resp.Header.LastRecordLSA
		}
		h.ServerStatus = resp.Header.ServerStatus
		h.HAFileStatus = resp.Header.HAFileStatus
		h.NextTxnID = resp.Header.NextTxnID
	}); err != nil {
		return Request{}, err
	}
	if err := r.store.Sync(); err != nil {
		return Request{}, err
	}

	r.acked = resp.Tail
	r.logger.Debugw("applied log pages", "first", first, "last", last, "acked", r.acked.String())
	return r.Request(), nil
}

// Follow keeps the replica in step with the primary until ctx is done or
// the session fails.
func (r *Replica) Follow(ctx context.Context, f Fetcher) error {
	req := r.Request()
	for {
		resp, err := f.Fetch(ctx, req)
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}

		req, err = r.Apply(ctx, resp)
		if err != nil {
			return err
		}
	}
}
