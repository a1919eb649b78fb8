package reactor

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by EventLoop, TcpServer and TcpConnection
// operations. These cover the "transient" and "fatal per-connection"
// rows of the error taxonomy; programming violations never return an
// error; they call fatal, below.
var (
	// ErrLoopAlreadyRunning is returned by Loop when the loop is already
	// executing on its owning thread.
	ErrLoopAlreadyRunning = errors.New("reactor: event loop is already running")

	// ErrConnectionClosed is returned by Send when called on a connection
	// that has already transitioned to kDisconnected.
	ErrConnectionClosed = errors.New("reactor: connection is closed")

	// ErrServerAlreadyStarted is returned by Start when called more than
	// once on the same TcpServer.
	ErrServerAlreadyStarted = errors.New("reactor: server already started")
)

// fatal reports a programming violation: a broken invariant that the
// caller cannot have anticipated (wrong-thread mutation, a second loop on
// one thread, a nil base loop). These are always bugs in the embedding
// program, never a condition a caller should recover from. Matching
// muduo's abort()-on-CHECK-failure posture, fatal logs at error level and
// panics rather than returning an error.
func fatal(log Logger, format string, args ...any) {
	log.Errorf(format, args...)
	panic(&ProgrammingError{Message: fmt.Sprintf(format, args...)})
}

// ProgrammingError is the panic value raised by fatal. Embedding programs
// that install a recover() at the goroutine boundary (e.g. in a worker
// loop's thread entry point) can type-assert on this to distinguish a
// broken invariant from an unrelated panic, but the expected response is
// still process termination: the invariant it names no longer holds
// anywhere in the loop that raised it.
type ProgrammingError struct {
	Message string
}

func (e *ProgrammingError) Error() string { return e.Message }
