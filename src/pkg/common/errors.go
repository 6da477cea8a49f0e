package common

import "github.com/go-faster/errors"

// I/O fatal: never retried, escalate to shutdown or refuse new work.
var (
	ErrIOFatal      = errors.New("log i/o failure")
	ErrPartialWrite = errors.New("partial write of log pages")
	ErrOutOfSpace   = errors.New("no space left for the log")
)

// Protocol fatal: abort the affected transaction or writer session.
var (
	ErrCorruptPage       = errors.New("corrupt log page")
	ErrInvalidTransition = errors.New("invalid transaction state transition")
	ErrSessionBroken     = errors.New("log writer session is broken")
)

// Resource exhaustion with a defined fallback.
var (
	ErrTableFull      = errors.New("transaction table is full")
	ErrRecordTooLarge = errors.New("log record does not fit into a log page")
)

var (
	ErrLockTimeout     = errors.New("lock wait timed out")
	ErrDecisionPending = errors.New("2pc decision not acknowledged by every participant")
)

var (
	ErrShutdown           = errors.New("log subsystem is shutting down")
	ErrForcedAbort        = errors.New("transaction was interrupted and aborted")
	ErrNoSuchPage         = errors.New("no such log page")
	ErrUnknownTransaction = errors.New("unknown transaction")
)

// IsFatal reports whether err belongs to the I/O fatal or protocol fatal
// classes.
func IsFatal(err error) bool {
	for _, target := range []error{
		ErrIOFatal,
		ErrPartialWrite,
		ErrOutOfSpace,
		ErrCorruptPage,
		ErrInvalidTransition,
		ErrSessionBroken,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
