package reactor

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/netreactor/netreactor/internal/sockopt"
)

// connState is TcpConnection's lifecycle state machine, per the data
// model: a connection is always kConnecting immediately after accept,
// becomes kConnected once connectEstablished has run on its loop,
// kDisconnecting once shutdown has been requested but output is still
// draining, and kDisconnected once close teardown has begun (handleClose
// or connectDestroyed). The fd itself is closed later, by TcpServer.
type connState int

const (
	kConnecting connState = iota
	kConnected
	kDisconnecting
	kDisconnected
)

func (s connState) String() string {
	switch s {
	case kConnecting:
		return "connecting"
	case kConnected:
		return "connected"
	case kDisconnecting:
		return "disconnecting"
	case kDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// MessageCallback receives application bytes as they're read off the
// wire. buf is the connection's own input buffer; the handler consumes
// whatever it understood via buf.Retrieve* and leaves the remainder for
// the next call (partial-message framing is the handler's job).
type MessageCallback func(conn *TcpConnection, buf *Buffer, receiveTime time.Time)

// ConnectionCallback fires once when a connection is established and
// again when it's about to be destroyed; conn.Connected distinguishes
// the two.
type ConnectionCallback func(conn *TcpConnection)

// WriteCompleteCallback fires once the connection's entire output buffer
// has drained to the kernel, e.g. to let a throttled producer resume.
type WriteCompleteCallback func(conn *TcpConnection)

// HighWaterMarkCallback fires at most once per crossing of the
// configured threshold, when Send leaves at least that many bytes
// still queued in the output buffer, so callers can apply backpressure.
type HighWaterMarkCallback func(conn *TcpConnection, outstanding int)

// CloseCallback is TcpServer's own hook for removing a connection from
// its map once it has fully torn down; it is not the user-facing
// connection callback.
type CloseCallback func(conn *TcpConnection)

// defaultHighWaterMark is applied when TcpConnection.SetHighWaterMark is
// never called explicitly.
const defaultHighWaterMark = 64 * 1024 * 1024

// TcpConnection represents one established socket for its entire
// lifetime, confined to exactly one EventLoop (one of the server's
// thread pool's loops). All public methods are safe to call from any
// goroutine; cross-thread calls are marshaled onto the owning loop via
// RunInLoop.
type TcpConnection struct {
	loop *EventLoop
	name string
	fd   int

	channel *Channel

	localAddr InetAddress
	peerAddr  InetAddress

	state connState

	inputBuffer  *Buffer
	outputBuffer *Buffer

	highWaterMark int

	connectionCb     ConnectionCallback
	messageCb        MessageCallback
	writeCompleteCb  WriteCompleteCallback
	highWaterMarkCb  HighWaterMarkCallback
	closeCb          CloseCallback

	logger  Logger
	context any
}

// newTcpConnection constructs a connection in the kConnecting state. It
// does not touch the Poller yet; that happens in connectEstablished,
// which must run on loop's own thread.
func newTcpConnection(loop *EventLoop, name string, fd int, local, peer InetAddress, logger Logger) *TcpConnection {
	if logger == nil {
		logger = NewNoOpLogger()
	}
	conn := &TcpConnection{
		loop:          loop,
		name:          name,
		fd:            fd,
		localAddr:     local,
		peerAddr:      peer,
		state:         kConnecting,
		inputBuffer:   NewBuffer(),
		outputBuffer:  NewBuffer(),
		highWaterMark: defaultHighWaterMark,
		logger:        logger,
	}
	conn.channel = NewChannel(loop, fd)
	conn.channel.SetReadCallback(conn.handleRead)
	conn.channel.SetWriteCallback(conn.handleWrite)
	conn.channel.SetCloseCallback(conn.handleClose)
	conn.channel.SetErrorCallback(conn.handleError)
	if err := sockopt.SetKeepAlive(fd); err != nil {
		logger.Warnf("%s: set keepalive: %v", name, err)
	}
	return conn
}

// Name returns the server-assigned connection identifier
// (<server name>-<listen host:port>#N style), used in logs.
func (c *TcpConnection) Name() string { return c.name }

// LocalAddress returns the local endpoint of the connection.
func (c *TcpConnection) LocalAddress() InetAddress { return c.localAddr }

// PeerAddress returns the remote endpoint of the connection.
func (c *TcpConnection) PeerAddress() InetAddress { return c.peerAddr }

// Connected reports whether the connection is currently in the
// kConnected state.
func (c *TcpConnection) Connected() bool { return c.state == kConnected }

// Loop returns the EventLoop this connection is confined to.
func (c *TcpConnection) Loop() *EventLoop { return c.loop }

// SetContext attaches arbitrary application state to the connection, the
// Go analogue of muduo's boost::any context slot.
func (c *TcpConnection) SetContext(v any) { c.context = v }

// Context returns whatever was last passed to SetContext, or nil.
func (c *TcpConnection) Context() any { return c.context }

func (c *TcpConnection) SetConnectionCallback(cb ConnectionCallback)         { c.connectionCb = cb }
func (c *TcpConnection) SetMessageCallback(cb MessageCallback)              { c.messageCb = cb }
func (c *TcpConnection) SetWriteCompleteCallback(cb WriteCompleteCallback)  { c.writeCompleteCb = cb }
func (c *TcpConnection) SetHighWaterMarkCallback(cb HighWaterMarkCallback, mark int) {
	c.highWaterMarkCb = cb
	c.highWaterMark = mark
}
func (c *TcpConnection) setCloseCallback(cb CloseCallback) { c.closeCb = cb }

// connectEstablished transitions kConnecting -> kConnected, ties the
// channel to this connection (so a torn-down connection's channel never
// dispatches stale events) and enables read interest. Must run on the
// owning loop.
func (c *TcpConnection) connectEstablished() {
	c.loop.AssertInLoopThread()
	if c.state != kConnecting {
		fatal(c.logger, "reactor: connectEstablished called on connection %s in state %s", c.name, c.state)
	}
	c.state = kConnected
	c.channel.Tie(c)
	c.channel.EnableReading()
	c.loop.recordConnectionDelta(1)
	if c.connectionCb != nil {
		c.connectionCb(c)
	}
}

// connectDestroyed transitions to kDisconnected, disables all interest
// and removes the channel from the poller. The connectionCb fire here is
// a defensive fallback for a connection torn down without ever going
// through handleClose; on the ordinary close path handleClose has
// already moved state to kDisconnected and invoked connectionCb, so this
// block is a no-op. Must run on the owning loop.
func (c *TcpConnection) connectDestroyed() {
	c.loop.AssertInLoopThread()
	if c.state == kConnected {
		c.state = kDisconnected
		c.channel.DisableAll()
		if c.connectionCb != nil {
			c.connectionCb(c)
		}
	}
	c.channel.Remove()
	c.loop.recordConnectionDelta(-1)
}

// handleRead is the channel's read callback: scatter-read into the input
// buffer, dispatch to messageCb on a non-empty read, or begin close
// teardown on EOF (n == 0).
func (c *TcpConnection) handleRead(receiveTime time.Time) {
	c.loop.AssertInLoopThread()
	n, err := c.inputBuffer.ReadFromFD(c.fd)
	switch {
	case n > 0:
		if c.messageCb != nil {
			c.messageCb(c, c.inputBuffer, receiveTime)
		}
	case n == 0:
		c.handleClose()
	default:
		if err != nil {
			c.logger.Errorf("%s: read error: %v", c.name, err)
		}
		c.handleError()
	}
}

// handleWrite runs when the channel's fd becomes writable, meaning a
// previous short write can now make more progress. It drains as much of
// outputBuffer as the kernel will currently accept; once the buffer is
// empty it disables write interest and, if a shutdown was pending,
// completes it.
func (c *TcpConnection) handleWrite() {
	c.loop.AssertInLoopThread()
	if !c.channel.IsWriting() {
		c.logger.Warnf("%s: handleWrite called with no write interest, ignoring", c.name)
		return
	}

	n, err := unix.Write(c.fd, c.outputBuffer.Peek())
	if err != nil {
		if err != unix.EAGAIN {
			c.logger.Errorf("%s: write error: %v", c.name, err)
		}
		return
	}
	c.outputBuffer.Retrieve(n)

	if c.outputBuffer.ReadableBytes() == 0 {
		c.channel.DisableWriting()
		if c.writeCompleteCb != nil {
			c.writeCompleteCb(c)
		}
		if c.state == kDisconnecting {
			c.shutdownInLoop()
		}
	}
}

// handleClose runs the shared close teardown: transition to
// kDisconnected, disable all interest, fire the final connectionCb (with
// Connected() now false) so application code sees the down transition,
// then invoke closeCb (TcpServer.removeConnection) so the connection is
// unmapped. Idempotent against re-entrant calls from both EOF and a
// hangup event racing each other.
func (c *TcpConnection) handleClose() {
	c.loop.AssertInLoopThread()
	if c.state == kDisconnected {
		return
	}
	c.state = kDisconnected
	c.channel.DisableAll()
	if c.connectionCb != nil {
		c.connectionCb(c)
	}
	if c.closeCb != nil {
		c.closeCb(c)
	}
}

// handleError logs the socket's pending error. It does not itself close
// the connection; the subsequent hangup/EOF the kernel reports drives
// that through handleClose, matching the data model's separation of
// "observe an error" from "tear the connection down".
func (c *TcpConnection) handleError() {
	err := sockopt.GetSocketError(c.fd)
	c.logger.Errorf("%s: socket error: %v", c.name, err)
}

// Send queues data for the connection's peer. It returns ErrConnectionClosed
// if the connection is already disconnected; a caller racing a concurrent
// close may still lose the write if the disconnect lands after this check,
// since the actual write is marshaled onto the owning loop. Safe from any
// goroutine.
func (c *TcpConnection) Send(data []byte) error {
	if c.loop.IsInLoopThread() {
		return c.sendInLoop(data)
	}
	if c.state == kDisconnected {
		return ErrConnectionClosed
	}
	buf := append([]byte(nil), data...)
	c.loop.QueueInLoop(func() { _ = c.sendInLoop(buf) })
	return nil
}

// SendString is a convenience wrapper around Send.
func (c *TcpConnection) SendString(s string) error { return c.Send([]byte(s)) }

func (c *TcpConnection) sendInLoop(data []byte) error {
	c.loop.AssertInLoopThread()
	if c.state == kDisconnected {
		c.logger.Warnf("%s: Send on disconnected connection, dropping %d bytes", c.name, len(data))
		return ErrConnectionClosed
	}

	var remaining = data
	if !c.channel.IsWriting() && c.outputBuffer.ReadableBytes() == 0 {
		n, err := unix.Write(c.fd, data)
		switch {
		case err == nil:
			remaining = data[n:]
			if len(remaining) == 0 && c.writeCompleteCb != nil {
				c.loop.QueueInLoop(func() { c.writeCompleteCb(c) })
			}
		case err == unix.EAGAIN:
			// nothing written this round; fall through to buffering.
		default:
			c.logger.Errorf("%s: write error: %v", c.name, err)
			return fmt.Errorf("reactor: %s: write: %w", c.name, err)
		}
	}

	if len(remaining) == 0 {
		return nil
	}

	outstanding := c.outputBuffer.ReadableBytes() + len(remaining)
	if outstanding >= c.highWaterMark && c.outputBuffer.ReadableBytes() < c.highWaterMark && c.highWaterMarkCb != nil {
		c.highWaterMarkCb(c, outstanding)
	}
	c.outputBuffer.Append(remaining)
	if !c.channel.IsWriting() {
		c.channel.EnableWriting()
	}
	return nil
}

// Shutdown half-closes the connection for writing once any buffered
// output has fully drained; reads continue to work until the peer also
// closes. Safe from any goroutine.
func (c *TcpConnection) Shutdown() {
	if c.loop.IsInLoopThread() {
		c.shutdownInLoop()
		return
	}
	c.loop.QueueInLoop(c.shutdownInLoop)
}

func (c *TcpConnection) shutdownInLoop() {
	c.loop.AssertInLoopThread()
	if c.channel.IsWriting() {
		// still draining output; handleWrite will retry shutdown once empty.
		c.state = kDisconnecting
		return
	}
	if err := sockopt.ShutdownWrite(c.fd); err != nil {
		c.logger.Warnf("%s: shutdown write: %v", c.name, err)
	}
}

// ForceClose tears the connection down immediately, discarding any
// buffered output. Safe from any goroutine.
func (c *TcpConnection) ForceClose() {
	if c.state == kConnected || c.state == kDisconnecting {
		c.loop.QueueInLoop(func() {
			if c.state == kConnected || c.state == kDisconnecting {
				c.handleClose()
			}
		})
	}
}

// closeFd closes the connection's underlying file descriptor. Called
// exactly once by TcpServer.removeConnectionInLoop after connectDestroyed.
func (c *TcpConnection) closeFd() error {
	return unix.Close(c.fd)
}

func (c *TcpConnection) String() string {
	return fmt.Sprintf("TcpConnection{%s %s<->%s state=%s}", c.name, c.localAddr, c.peerAddr, c.state)
}
