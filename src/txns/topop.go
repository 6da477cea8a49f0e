package txns

import (
	"context"

	"github.com/go-faster/errors"

	"github.com/Blackdeer1524/txnlog/src/pkg/common"
	"github.com/Blackdeer1524/txnlog/src/recovery"
)

type TopOpResult uint8

const (
	// TopOpCommitResult keeps the work even if the transaction aborts later.
	TopOpCommitResult TopOpResult = iota + 1
	// TopOpAbortResult undoes the work of the top operation.
	TopOpAbortResult
	// TopOpAttachToOuter merges the work into the enclosing top operation,
	// or into the transaction itself.
	TopOpAttachToOuter
)

// StartTopOp opens a nested top operation.
func (m *Manager) StartTopOp(idx common.TranIndex) error {
	d, err := m.active(idx)
	if err != nil {
		return err
	}

	d.TopOps = append(d.TopOps, TopOp{
		LastParentLSA: d.TailLSA,
		PostponeLSA:   common.NilLSA,
		mark:          d.Postpones.Mark(),
	})
	return nil
}

// EndTopOp closes the innermost top operation.
func (m *Manager) EndTopOp(ctx context.Context, idx common.TranIndex, result TopOpResult) error {
	d, err := m.active(idx)
	if err != nil {
		return err
	}

	n := len(d.TopOps)
	if n == 0 {
		return errors.Errorf("transaction %d has no open top operation", d.TxnID)
	}
	top := d.TopOps[n-1]
	d.TopOps = d.TopOps[:n-1]

	switch result {
	case TopOpCommitResult:
		if top.LastParentLSA == d.TailLSA {
			return nil
		}
		_, err := m.appendRecord(d, recovery.TopOpCommit{LastParent: top.LastParentLSA})
		return err
	case TopOpAbortResult:
		if err := m.undoTo(ctx, d, top.LastParentLSA); err != nil {
			return err
		}
		if _, err := m.appendRecord(d, recovery.TopOpAbort{LastParent: top.LastParentLSA}); err != nil {
			return err
		}
		d.Postpones.Truncate(top.mark)
		if !top.PostponeLSA.IsNil() && top.PostponeLSA == d.PostponeNextLSA {
			d.PostponeNextLSA = common.NilLSA
		}
		return nil
	case TopOpAttachToOuter:
		if n > 1 && d.TopOps[n-2].PostponeLSA.IsNil() {
			d.TopOps[n-2].PostponeLSA = top.PostponeLSA
		}
		return nil
	default:
		return errors.Errorf("unknown top operation result %d", result)
	}
}
