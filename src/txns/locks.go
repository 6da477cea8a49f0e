package txns

import "github.com/Blackdeer1524/txnlog/src/pkg/common"

// NopLocks is used when no lock manager is attached.
type NopLocks struct{}

func (NopLocks) IsInterrupted(common.TxnID) bool { return false }

func (NopLocks) ReleaseAll(common.TxnID) {}

func (NopLocks) HeldLocks(common.TxnID) []common.HeldLock { return nil }

func (NopLocks) Reacquire(common.TxnID, []common.HeldLock) error { return nil }
