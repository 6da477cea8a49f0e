package assert

import (
	"fmt"
	"path/filepath"
	"runtime"
)

// Assert panics with the caller's location when condition does not hold.
// The first optional argument is a format string for the rest.
func Assert(condition bool, args ...any) {
	if condition {
		return
	}
	fail(2, args...)
}

// Unreachable marks code paths that a valid state machine never takes.
func Unreachable(args ...any) {
	fail(2, args...)
}

func fail(skip int, args ...any) {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		file = "unknown"
		line = 0
	}
	where := fmt.Sprintf("%s:%d", filepath.Base(file), line)

	if len(args) == 0 {
		panic(fmt.Sprintf("assertion failed at %s", where))
	}

	format, isFormat := args[0].(string)
	if !isFormat {
		panic(fmt.Sprintf("assertion failed at %s: %v", where, args))
	}
	panic(fmt.Sprintf("assertion failed at %s: %s", where, fmt.Sprintf(format, args[1:]...)))
}
