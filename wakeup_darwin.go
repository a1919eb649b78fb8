//go:build darwin

package reactor

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// wakeupFD is a self-pipe wakeup primitive, used on platforms (Darwin,
// BSD) without an eventfd equivalent. Per the design notes, the 8-byte
// eventfd contract degrades to a 1-byte contract here; drain logic is
// otherwise identical: read everything currently buffered so that
// concurrent wake() calls coalesce into one readable wake instead of
// queuing up N bytes to be drained one at a time.
type wakeupFD struct {
	readEnd  int
	writeEnd int
}

func newWakeupFD() (*wakeupFD, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("reactor: self-pipe: %w", err)
	}
	return &wakeupFD{readEnd: fds[0], writeEnd: fds[1]}, nil
}

func (w *wakeupFD) readFD() int  { return w.readEnd }
func (w *wakeupFD) writeFD() int { return w.writeEnd }

func (w *wakeupFD) wake() error {
	_, err := unix.Write(w.writeEnd, []byte{1})
	if err != nil && err != unix.EAGAIN {
		return fmt.Errorf("reactor: wakeup write: %w", err)
	}
	return nil
}

func (w *wakeupFD) drain() error {
	var buf [64]byte
	for {
		n, err := unix.Read(w.readEnd, buf[:])
		if err != nil {
			if err == unix.EAGAIN {
				return nil
			}
			return fmt.Errorf("reactor: wakeup drain: %w", err)
		}
		if n < len(buf) {
			return nil
		}
	}
}

func (w *wakeupFD) close() error {
	_ = unix.Close(w.writeEnd)
	return unix.Close(w.readEnd)
}
