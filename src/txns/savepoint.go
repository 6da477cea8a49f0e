package txns

import (
	"context"

	"github.com/go-faster/errors"

	"github.com/Blackdeer1524/txnlog/src/pkg/common"
	"github.com/Blackdeer1524/txnlog/src/recovery"
)

var ErrNoSuchSavepoint = errors.New("no such savepoint")

// Savepoint logs a named savepoint and returns its address.
func (m *Manager) Savepoint(idx common.TranIndex, name string) (common.LSA, error) {
	d, err := m.active(idx)
	if err != nil {
		return common.NilLSA, err
	}

	lsa, err := m.appendRecord(d, recovery.Savepoint{Name: name, PrevSavepoint: d.SavepointLSA})
	if err != nil {
		return common.NilLSA, err
	}
	d.SavepointLSA = lsa
	return lsa, nil
}

// findSavepoint follows the chain of savepoint records from the latest
// one and returns the newest savepoint called name.
func (m *Manager) findSavepoint(d *Descriptor, name string) (common.LSA, error) {
	reader := recovery.NewReader(m.log)

	for lsa := d.SavepointLSA; !lsa.IsNil(); {
		rec, err := reader.Read(lsa)
		if err != nil {
			return common.NilLSA, err
		}

		sp, ok := rec.Body.(recovery.Savepoint)
		if !ok {
			return common.NilLSA, errors.Wrapf(
				common.ErrCorruptPage,
				"savepoint chain of transaction %d points at %s record",
				d.TxnID,
				rec.Type,
			)
		}
		if sp.Name == name {
			return lsa, nil
		}
		lsa = sp.PrevSavepoint
	}

	return common.NilLSA, errors.Wrapf(ErrNoSuchSavepoint, "%q in transaction %d", name, d.TxnID)
}

// RollbackToSavepoint undoes everything logged after the savepoint and
// keeps the transaction active. Savepoints taken after it are gone.
func (m *Manager) RollbackToSavepoint(ctx context.Context, idx common.TranIndex, name string) error {
	d, err := m.active(idx)
	if err != nil {
		return err
	}

	target, err := m.findSavepoint(d, name)
	if err != nil {
		return err
	}

	if err := m.undoTo(ctx, d, target); err != nil {
		return err
	}

	if _, err := m.appendRecord(d, recovery.PartialRollback{To: target}); err != nil {
		return err
	}

	d.SavepointLSA = target
	d.Postpones.DiscardAfter(target)
	if !d.PostponeNextLSA.IsNil() && target.Less(d.PostponeNextLSA) {
		d.PostponeNextLSA = common.NilLSA
	}
	for len(d.TopOps) > 0 && target.Less(d.TopOps[len(d.TopOps)-1].LastParentLSA) {
		d.TopOps = d.TopOps[:len(d.TopOps)-1]
	}
	return nil
}
