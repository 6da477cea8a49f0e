package recovery

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
)

// Describe renders the payload of a record for humans.
func Describe(body Body) string {
	switch b := body.(type) {
	case UndoRedo:
		return fmt.Sprintf("%s undo=%s redo=%s", describeRef(b.Ref), size(b.Undo), size(b.Redo))
	case Undo:
		return fmt.Sprintf("%s undo=%s", describeRef(b.Ref), size(b.Undo))
	case Redo:
		return fmt.Sprintf("%s redo=%s", describeRef(b.Ref), size(b.Redo))
	case Postpone:
		return fmt.Sprintf("%s redo=%s", describeRef(b.Ref), size(b.Redo))
	case RunPostpone:
		return fmt.Sprintf("%s ref=%s redo=%s", describeRef(b.Ref), b.RefLSA, size(b.Redo))
	case Compensate:
		return fmt.Sprintf("%s undo_next=%s undo=%s", describeRef(b.Ref), b.UndoNext, size(b.Undo))
	case CommitWithPostpone:
		return fmt.Sprintf("start_postpone=%s at=%s", b.StartPostpone, at(b.At))
	case Commit:
		return "at=" + at(b.At)
	case Abort:
		return "at=" + at(b.At)
	case TopOpCommit:
		return "last_parent=" + b.LastParent.String()
	case TopOpAbort:
		return "last_parent=" + b.LastParent.String()
	case Savepoint:
		return fmt.Sprintf("name=%q prev=%s", b.Name, b.PrevSavepoint)
	case PartialRollback:
		return "to=" + b.To.String()
	case DummyHeadPostpone:
		return ""
	case TwoPCStart:
		return fmt.Sprintf("gtrid=%d participants=%v", b.Gtrid, b.Participants)
	case TwoPCPrepare:
		return fmt.Sprintf("gtrid=%d info=%s locks=%d", b.Gtrid, size(b.Info), len(b.Locks))
	case TwoPCCommitDecision:
		return fmt.Sprintf("gtrid=%d", b.Gtrid)
	case TwoPCAbortDecision:
		return fmt.Sprintf("gtrid=%d", b.Gtrid)
	case TwoPCCommitInformParticipants:
		return fmt.Sprintf("gtrid=%d", b.Gtrid)
	case TwoPCAbortInformParticipants:
		return fmt.Sprintf("gtrid=%d", b.Gtrid)
	case TwoPCRecvAck:
		return fmt.Sprintf("participant=%d", b.Index)
	default:
		return fmt.Sprintf("%+v", b)
	}
}

func describeRef(ref DataRef) string {
	return fmt.Sprintf("rcv=%d page=%d:%d off=%d", ref.RcvIndex, ref.Page.FileID, ref.Page.PageID, ref.Offset)
}

func size(b []byte) string {
	return humanize.IBytes(uint64(len(b)))
}

func at(nanos int64) string {
	return time.Unix(0, nanos).UTC().Format(time.RFC3339Nano)
}

// Dump writes one line per record of the iterator and returns how many
// were written.
func Dump(w io.Writer, it *Iter) (int, error) {
	n := 0
	for it.MoveForward() {
		rec := it.Record()
		if _, err := fmt.Fprintf(
			w,
			"%-14s %-30s txn=%-6d prev=%-14s back=%-14s %s\n",
			rec.LSA,
			rec.Type,
			rec.TxnID,
			rec.PrevTran,
			rec.Back,
			Describe(rec.Body),
		); err != nil {
			return n, err
		}
		n++
	}
	return n, it.Err()
}
