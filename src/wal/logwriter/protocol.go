package logwriter

import (
	"github.com/go-faster/errors"

	"github.com/Blackdeer1524/txnlog/src/pkg/common"
	"github.com/Blackdeer1524/txnlog/src/storage/disk"
)

// Mode is how long a committer waits for a log writer.
type Mode uint8

const (
	// ModeAsync never waits.
	ModeAsync Mode = iota + 1
	// ModeSemiSync waits until the pages are handed to the writer.
	ModeSemiSync
	// ModeSync waits until the writer reports them durable.
	ModeSync
)

func (m Mode) String() string {
	switch m {
	case ModeAsync:
		return "async"
	case ModeSemiSync:
		return "semisync"
	case ModeSync:
		return "sync"
	default:
		return "unknown"
	}
}

func ParseMode(s string) (Mode, error) {
	for _, m := range []Mode{ModeAsync, ModeSemiSync, ModeSync} {
		if m.String() == s {
			return m, nil
		}
	}
	return 0, errors.Errorf("unknown log writer mode %q", s)
}

// Status tells the writer whether to ask again right away.
type Status uint8

const (
	StatusMoreToSend Status = iota + 1
	StatusCaughtUp
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusMoreToSend:
		return "more-to-send"
	case StatusCaughtUp:
		return "caught-up"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Request asks for log pages starting at FirstPageID. Acked is the
// writer's durable watermark: every record below it is on the writer's
// disk.
type Request struct {
	FirstPageID common.PageID
	Acked       common.LSA
}

// Response carries a contiguous range of page images and the primary's
// header. Tail is the end of the log data the pages contain.
type Response struct {
	Header     disk.LogHeader
	Pages      [][]byte
	Compressed bool
	Tail       common.LSA
	Status     Status
}
