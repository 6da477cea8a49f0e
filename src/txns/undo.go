package txns

import (
	"context"

	"github.com/go-faster/errors"

	"github.com/Blackdeer1524/txnlog/src/pkg/common"
	"github.com/Blackdeer1524/txnlog/src/recovery"
)

// undoTo walks the transaction's records backwards from its tail and
// undoes every data change logged after stop (exclusive). A compensation
// record is logged for each undone change; compensations and closed top
// operations are jumped over, so nothing is undone twice.
func (m *Manager) undoTo(ctx context.Context, d *Descriptor, stop common.LSA) error {
	reader := recovery.NewReader(m.log)

	next := d.TailLSA
	for !next.IsNil() && (stop.IsNil() || stop.Less(next)) {
		rec, err := reader.Read(next)
		if err != nil {
			return errors.Wrapf(err, "undo of transaction %d", d.TxnID)
		}

		switch b := rec.Body.(type) {
		case recovery.UndoRedo:
			if err := m.undoOne(ctx, d, rec, b.Ref, b.Undo); err != nil {
				return err
			}
			next = rec.PrevTran
		case recovery.Undo:
			if err := m.undoOne(ctx, d, rec, b.Ref, b.Undo); err != nil {
				return err
			}
			next = rec.PrevTran
		case recovery.Compensate:
			next = b.UndoNext
		case recovery.TopOpCommit:
			next = b.LastParent
		case recovery.TopOpAbort:
			next = b.LastParent
		case recovery.PartialRollback:
			next = b.To
		default:
			next = rec.PrevTran
		}
	}

	d.UndoNextLSA = next
	return nil
}

func (m *Manager) undoOne(
	ctx context.Context,
	d *Descriptor,
	rec recovery.Record,
	ref recovery.DataRef,
	undo []byte,
) error {
	if m.deps.Undo != nil {
		if err := m.deps.Undo.Undo(ctx, rec.LSA, ref, undo); err != nil {
			return errors.Wrapf(err, "undo record %s", rec.LSA)
		}
	}

	_, err := m.appendRecord(d, recovery.Compensate{
		Ref:      ref,
		UndoNext: rec.PrevTran,
		Undo:     undo,
	})
	return err
}
