package txns

import (
	"context"
	"slices"

	"github.com/go-faster/errors"

	"github.com/Blackdeer1524/txnlog/src/pkg/common"
	"github.com/Blackdeer1524/txnlog/src/recovery"
)

// ExecutePostpones runs the postpone actions of a committing transaction
// in log order and logs a run-postpone record for each. The postpone
// cache is used when it is complete; otherwise the transaction's records
// are read back from the log.
func (m *Manager) ExecutePostpones(ctx context.Context, idx common.TranIndex) error {
	d, err := m.table.Get(idx)
	if err != nil {
		return err
	}

	items, ok := d.Postpones.Drain(d.PostponeNextLSA)
	done := map[common.LSA]struct{}{}
	if !ok {
		m.logger.Debugw("postpone cache incomplete, reading the log", "txn", d.TxnID)
		if items, done, err = m.postponesFromLog(d); err != nil {
			return err
		}
	}

	reader := recovery.NewReader(m.log)
	for _, item := range items {
		if _, ok := done[item.LSA]; ok {
			continue
		}

		if !item.Cached {
			rec, err := reader.Read(item.LSA)
			if err != nil {
				return err
			}
			p, ok := rec.Body.(recovery.Postpone)
			if !ok {
				return errors.Wrapf(common.ErrCorruptPage, "expected a postpone at %s, found %s", item.LSA, rec.Type)
			}
			item.Ref, item.Redo = p.Ref, p.Redo
		}

		if m.deps.Postpone != nil {
			if err := m.deps.Postpone.Execute(ctx, item.LSA, item.Ref, item.Redo); err != nil {
				return errors.Wrapf(err, "postpone at %s", item.LSA)
			}
		}

		if _, err := m.appendRecord(d, recovery.RunPostpone{
			Ref:    item.Ref,
			RefLSA: item.LSA,
			Redo:   item.Redo,
		}); err != nil {
			return err
		}
	}

	d.Postpones.Reset()
	return nil
}

// postponesFromLog collects the live postpone records of the transaction
// by walking its chain backwards, skipping work of aborted top operations
// and rolled back savepoints. It also reports postpones that already ran.
func (m *Manager) postponesFromLog(d *Descriptor) ([]PostponeItem, map[common.LSA]struct{}, error) {
	reader := recovery.NewReader(m.log)
	start := d.PostponeNextLSA

	var items []PostponeItem
	done := map[common.LSA]struct{}{}

	next := d.TailLSA
	for !next.IsNil() && (start.IsNil() || !next.Less(start)) {
		rec, err := reader.Read(next)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "postpones of transaction %d", d.TxnID)
		}

		next = rec.PrevTran
		switch b := rec.Body.(type) {
		case recovery.Postpone:
			items = append(items, PostponeItem{LSA: rec.LSA, Ref: b.Ref, Redo: b.Redo, Cached: true})
		case recovery.RunPostpone:
			done[b.RefLSA] = struct{}{}
		case recovery.TopOpAbort:
			next = b.LastParent
		case recovery.PartialRollback:
			next = b.To
		}
	}

	slices.Reverse(items)
	return items, done, nil
}
