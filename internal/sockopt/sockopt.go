// Package sockopt collects the raw socket-option helpers the reactor
// package's Acceptor and TcpConnection need, wrapping golang.org/x/sys/unix
// so that the call sites in the public package stay free of syscall
// numbers and platform-dependent option names.
package sockopt

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// SetNonblockCloexec marks fd non-blocking and close-on-exec, the state
// every fd this package hands to a Channel must be in before it's ever
// registered with a Poller.
func SetNonblockCloexec(fd int) error {
	if err := unix.SetNonblock(fd, true); err != nil {
		return fmt.Errorf("sockopt: set nonblock: %w", err)
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFD, unix.FD_CLOEXEC); err != nil {
		return fmt.Errorf("sockopt: set cloexec: %w", err)
	}
	return nil
}

// SetReuseAddr sets SO_REUSEADDR, which the Acceptor always enables so a
// restarted server can rebind a port still in TIME_WAIT.
func SetReuseAddr(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fmt.Errorf("sockopt: set reuseaddr: %w", err)
	}
	return nil
}

// SetReusePort sets SO_REUSEPORT, letting multiple listening sockets
// (typically one per worker process or thread) share the same port with
// kernel-level load spreading. Only set when the caller opted in.
func SetReusePort(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		return fmt.Errorf("sockopt: set reuseport: %w", err)
	}
	return nil
}

// SetKeepAlive enables TCP keepalive probes on an accepted connection
// socket.
func SetKeepAlive(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); err != nil {
		return fmt.Errorf("sockopt: set keepalive: %w", err)
	}
	return nil
}

// SetNoDelay disables Nagle's algorithm, matching the low-latency default
// a reactor-style TCP server expects of its accepted connections.
func SetNoDelay(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		return fmt.Errorf("sockopt: set nodelay: %w", err)
	}
	return nil
}

// ShutdownWrite half-closes the write side of fd, used by
// TcpConnection.Shutdown once its outbound buffer has fully drained.
func ShutdownWrite(fd int) error {
	if err := unix.Shutdown(fd, unix.SHUT_WR); err != nil {
		return fmt.Errorf("sockopt: shutdown write: %w", err)
	}
	return nil
}

// GetSocketError retrieves and clears SO_ERROR, used from a Channel's
// error callback to learn what actually went wrong with a socket.
func GetSocketError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return fmt.Errorf("sockopt: get so_error: %w", err)
	}
	if errno != 0 {
		return unix.Errno(errno)
	}
	return nil
}
