package reactor

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/netreactor/netreactor/internal/sockopt"
)

// NewConnectionCallback receives a freshly accepted connection fd and its
// peer address. The Acceptor hands off ownership of connFd to the
// callback and does not close it after the call; when no callback is
// set, the Acceptor closes each accepted fd itself.
type NewConnectionCallback func(connFd int, peer InetAddress)

// Acceptor owns a non-blocking listening socket and its Channel,
// registered on a single "base" EventLoop (never one of the pool's I/O
// loops: accept is always serialized through the loop that owns the
// TcpServer).
type Acceptor struct {
	loop         *EventLoop
	listenFd     int
	channel      *Channel
	listening    bool
	reusePort    bool
	newConnCb    NewConnectionCallback
	logger       Logger

	// idleFd is the EMFILE relief valve: a single spare fd, opened once
	// up front and closed/reopened around every exhaustion event so the
	// acceptor can accept-then-immediately-drop one pending connection
	// instead of spinning on a listening socket the kernel keeps
	// reporting as readable.
	idleFd int
}

// NewAcceptor creates a non-blocking, close-on-exec listening socket
// bound to addr, with SO_REUSEADDR always set and SO_REUSEPORT set only
// when reusePort is true. The socket is not yet listening; call Listen.
func NewAcceptor(loop *EventLoop, addr InetAddress, reusePort bool, logger Logger) (*Acceptor, error) {
	if logger == nil {
		logger = NewNoOpLogger()
	}

	domain := unix.AF_INET
	if isIPv6(addr.IP) {
		domain = unix.AF_INET6
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("reactor: acceptor socket: %w", err)
	}
	if err := sockopt.SetNonblockCloexec(fd); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	if err := sockopt.SetReuseAddr(fd); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	if reusePort {
		if err := sockopt.SetReusePort(fd); err != nil {
			_ = unix.Close(fd)
			return nil, err
		}
	}

	sa, err := addr.sockaddr()
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("reactor: acceptor bind %s: %w", addr, err)
	}

	idleFd, err := unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("reactor: acceptor idle fd: %w", err)
	}

	a := &Acceptor{
		loop:      loop,
		listenFd:  fd,
		reusePort: reusePort,
		logger:    logger,
		idleFd:    idleFd,
	}
	a.channel = NewChannel(loop, fd)
	a.channel.SetReadCallback(a.handleRead)
	return a, nil
}

// SetNewConnectionCallback registers the callback invoked once per
// accepted connection.
func (a *Acceptor) SetNewConnectionCallback(cb NewConnectionCallback) {
	a.newConnCb = cb
}

// Listening reports whether Listen has been called.
func (a *Acceptor) Listening() bool { return a.listening }

// Listen marks the socket listening and enables read interest on the
// acceptor's loop. Must run on the acceptor's loop thread.
func (a *Acceptor) Listen() error {
	a.loop.AssertInLoopThread()
	a.listening = true
	if err := unix.Listen(a.listenFd, unix.SOMAXCONN); err != nil {
		return fmt.Errorf("reactor: acceptor listen: %w", err)
	}
	a.channel.EnableReading()
	return nil
}

// handleRead runs on the acceptor's loop whenever the listening socket
// is readable. It drains every pending connection in one call (edge- and
// level-triggered pollers alike are safe with this loop, since accept
// returning EAGAIN just ends it) and applies the EMFILE idle-fd trick
// described in the data model: on resource exhaustion, release the spare
// fd, accept-and-immediately-close the connection that triggered it
// (shedding load rather than spinning), then reopen the spare fd so the
// next exhaustion event can be handled the same way.
func (a *Acceptor) handleRead(receiveTime time.Time) {
	for {
		connFd, sa, err := unix.Accept(a.listenFd)
		if err != nil {
			switch err {
			case unix.EAGAIN, unix.EWOULDBLOCK:
				return
			case unix.EMFILE, unix.ENFILE:
				a.handleExhaustion()
				return
			case unix.ECONNABORTED, unix.EINTR, unix.EPROTO:
				continue
			default:
				a.logger.Errorf("accept: %v", err)
				return
			}
		}

		if err := sockopt.SetNonblockCloexec(connFd); err != nil {
			a.logger.Errorf("accepted conn setup: %v", err)
			_ = unix.Close(connFd)
			continue
		}
		_ = sockopt.SetNoDelay(connFd)

		a.loop.recordAccept()

		peer := inetAddressFromSockaddr(sa)
		if a.newConnCb != nil {
			a.newConnCb(connFd, peer)
		} else {
			_ = unix.Close(connFd)
		}
	}
}

func (a *Acceptor) handleExhaustion() {
	_ = unix.Close(a.idleFd)
	connFd, _, err := unix.Accept(a.listenFd)
	if err == nil {
		_ = unix.Close(connFd)
	}
	a.logger.Warnf("reactor: fd exhaustion, shed one pending connection")

	idleFd, err := unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		a.logger.Errorf("reactor: failed to reopen idle fd: %v", err)
		return
	}
	a.idleFd = idleFd
}

// Close stops listening and releases the acceptor's file descriptors.
func (a *Acceptor) Close() error {
	a.channel.DisableAll()
	a.channel.Remove()
	_ = unix.Close(a.idleFd)
	return unix.Close(a.listenFd)
}
