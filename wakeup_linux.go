//go:build linux

package reactor

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// wakeupFD is an eventfd-backed wakeup primitive: a single descriptor
// that is both the read and write end of a kernel-maintained 64-bit
// counter. Writing an 8-byte increment makes the fd readable; reading
// drains the entire counter in one syscall, which is what gives
// concurrent wake() calls their coalescing behavior: N writes before
// the loop drains collapse into one readable wake.
type wakeupFD struct {
	fd int
}

// newWakeupFD creates a nonblocking, close-on-exec eventfd.
func newWakeupFD() (*wakeupFD, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("reactor: eventfd: %w", err)
	}
	return &wakeupFD{fd: fd}, nil
}

func (w *wakeupFD) readFD() int  { return w.fd }
func (w *wakeupFD) writeFD() int { return w.fd }

// wake writes the 8-byte contract: a single unsigned increment.
func (w *wakeupFD) wake() error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(w.fd, buf[:])
	if err != nil && err != unix.EAGAIN {
		return fmt.Errorf("reactor: wakeup write: %w", err)
	}
	return nil
}

// drain reads exactly 8 bytes, consuming the whole counter regardless of
// how many wake() calls coalesced into this one readiness event.
func (w *wakeupFD) drain() error {
	var buf [8]byte
	_, err := unix.Read(w.fd, buf[:])
	if err != nil && err != unix.EAGAIN {
		return fmt.Errorf("reactor: wakeup drain: %w", err)
	}
	return nil
}

func (w *wakeupFD) close() error {
	return unix.Close(w.fd)
}
