package locks

import "github.com/Blackdeer1524/txnlog/src/pkg/common"

// Resource is what a lock protects: a data page of the storage engine.
type Resource = common.PageIdentity

type Mode uint8

const (
	Shared Mode = iota + 1
	Exclusive
)

func (m Mode) String() string {
	switch m {
	case Shared:
		return "S"
	case Exclusive:
		return "X"
	default:
		return "unknown"
	}
}

func compatible(l, r Mode) bool {
	return l == Shared && r == Shared
}

// covers reports whether a lock held in mode held satisfies a request
// for want.
func covers(held, want Mode) bool {
	return held == Exclusive || want == Shared
}

type Request struct {
	TxnID    common.TxnID
	Resource Resource
	Mode     Mode
}
