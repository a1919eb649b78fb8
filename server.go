package reactor

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// PortReuse controls whether TcpServer's listening socket sets
// SO_REUSEPORT, letting the same port be bound by multiple independent
// processes (each with their own kernel-balanced accept queue). The
// default, PortReuseDisabled, matches the single-listener "one acceptor,
// N worker loops" model the rest of this package implements.
type PortReuse int

const (
	PortReuseDisabled PortReuse = iota
	PortReuseEnabled
)

// ServerOption configures a TcpServer at construction.
type ServerOption func(*TcpServer)

// WithServerLogger attaches a structured Logger, propagated to the
// server's own loop, its thread pool's worker loops, and every accepted
// TcpConnection.
func WithServerLogger(l Logger) ServerOption {
	return func(s *TcpServer) {
		s.logger = l
		s.loopOpts = append(s.loopOpts, WithLogger(l))
	}
}

// WithServerMetrics enables metrics collection on the server's base loop
// and every worker loop spun up by its thread pool.
func WithServerMetrics() ServerOption {
	return func(s *TcpServer) { s.loopOpts = append(s.loopOpts, WithEventLoopMetrics()) }
}

// TcpServer assembles an Acceptor, an EventLoopThreadPool, and the map
// of live TcpConnections into the "one loop per thread" multi-reactor
// server from the data model: the Acceptor always runs on the server's
// own base loop; every accepted connection is handed off round-robin to
// one of the pool's loops (or the base loop itself, in single-reactor
// mode) for its entire lifetime.
type TcpServer struct {
	loop     *EventLoop
	name     string
	addr     InetAddress
	acceptor *Acceptor
	pool     *EventLoopThreadPool

	logger   Logger
	loopOpts []EventLoopOption

	mu          sync.Mutex
	connections map[string]*TcpConnection
	nextConnID  int64

	started atomic.Bool

	connectionCb    ConnectionCallback
	messageCb       MessageCallback
	writeCompleteCb WriteCompleteCallback
	threadInitCb    ThreadInitCallback
}

// NewTcpServer constructs a server bound to addr on loop (its base
// loop, typically one returned by NewEventLoop, not yet Loop()-ing).
// reuse controls SO_REUSEPORT on the listening socket.
func NewTcpServer(loop *EventLoop, name string, addr InetAddress, reuse PortReuse, opts ...ServerOption) (*TcpServer, error) {
	s := &TcpServer{
		loop:        loop,
		name:        name,
		addr:        addr,
		logger:      NewNoOpLogger(),
		connections: make(map[string]*TcpConnection),
	}
	for _, opt := range opts {
		opt(s)
	}
	// loopOpts (e.g. WithEventLoopMetrics from WithServerMetrics) target
	// every worker loop the pool spins up; apply them to the base loop
	// directly too, since it's constructed before NewTcpServer ever sees
	// it and otherwise never picks them up (including in single-reactor
	// mode, where the base loop does double duty as the only I/O loop).
	for _, lopt := range s.loopOpts {
		lopt(loop)
	}

	acceptor, err := NewAcceptor(loop, addr, reuse == PortReuseEnabled, s.logger)
	if err != nil {
		return nil, err
	}
	s.acceptor = acceptor
	s.acceptor.SetNewConnectionCallback(s.newConnection)
	s.pool = NewEventLoopThreadPool(loop, s.logger, s.loopOpts...)

	return s, nil
}

func (s *TcpServer) SetConnectionCallback(cb ConnectionCallback)        { s.connectionCb = cb }
func (s *TcpServer) SetMessageCallback(cb MessageCallback)              { s.messageCb = cb }
func (s *TcpServer) SetWriteCompleteCallback(cb WriteCompleteCallback)  { s.writeCompleteCb = cb }
func (s *TcpServer) SetThreadInitCallback(cb ThreadInitCallback)        { s.threadInitCb = cb }

// SetThreadNum configures the size of the I/O worker pool. 0 (the
// default) runs everything (accept and all connection I/O) on the
// server's single base loop. Must be called before Start.
func (s *TcpServer) SetThreadNum(n int) {
	s.pool.SetThreadNum(n)
}

// Start is idempotent: the first call spins up the thread pool and
// begins listening; subsequent calls return ErrServerAlreadyStarted.
// Must run on the base loop's own thread, since it touches the
// Acceptor's channel.
func (s *TcpServer) Start() error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrServerAlreadyStarted
	}
	s.pool.Start(s.threadInitCb)

	var err error
	s.loop.RunInLoop(func() {
		err = s.acceptor.Listen()
	})
	if err != nil {
		return fmt.Errorf("reactor: server start: %w", err)
	}
	s.logger.Infof("TcpServer[%s] listening on %s", s.name, s.addr)
	return nil
}

// newConnection is the Acceptor's callback, always invoked on the base
// loop. It picks the next worker loop round-robin, builds a
// TcpConnection, and marshals connectEstablished onto that loop.
func (s *TcpServer) newConnection(connFd int, peer InetAddress) {
	s.loop.AssertInLoopThread()

	ioLoop := s.pool.GetNextLoop()
	s.nextConnID++
	connName := fmt.Sprintf("%s-%s#%d", s.name, s.addr, s.nextConnID)

	local, err := localAddrOf(connFd)
	if err != nil {
		s.logger.Warnf("%s: local address lookup failed: %v", connName, err)
	}

	conn := newTcpConnection(ioLoop, connName, connFd, local, peer, s.logger)
	conn.SetConnectionCallback(s.connectionCb)
	conn.SetMessageCallback(s.messageCb)
	conn.SetWriteCompleteCallback(s.writeCompleteCb)
	conn.setCloseCallback(s.removeConnection)

	s.mu.Lock()
	s.connections[connName] = conn
	s.mu.Unlock()

	ioLoop.RunInLoop(conn.connectEstablished)
}

// removeConnection is TcpConnection's closeCb, invoked on the
// connection's own loop once handleClose has run. It marshals the
// unmap onto the server's base loop, so the connection map is only ever
// touched from one thread; the base loop then posts connectDestroyed and
// the fd close back to the connection's own loop.
func (s *TcpServer) removeConnection(conn *TcpConnection) {
	s.loop.RunInLoop(func() { s.removeConnectionInLoop(conn) })
}

func (s *TcpServer) removeConnectionInLoop(conn *TcpConnection) {
	s.loop.AssertInLoopThread()

	s.mu.Lock()
	delete(s.connections, conn.Name())
	s.mu.Unlock()

	conn.Loop().RunInLoop(func() {
		conn.connectDestroyed()
		if err := conn.closeFd(); err != nil {
			s.logger.Warnf("%s: close fd: %v", conn.Name(), err)
		}
	})
}

// ConnectionCount returns the number of currently tracked connections.
func (s *TcpServer) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.connections)
}

// Close stops accepting new connections and force-closes every tracked
// connection. It does not stop the base loop or any worker loop; callers
// own their own Quit sequencing.
func (s *TcpServer) Close() error {
	if err := s.acceptor.Close(); err != nil {
		s.logger.Warnf("%s: acceptor close: %v", s.name, err)
	}

	s.mu.Lock()
	conns := make([]*TcpConnection, 0, len(s.connections))
	for _, c := range s.connections {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.ForceClose()
	}
	return nil
}

func localAddrOf(fd int) (InetAddress, error) {
	sa, err := getsockname(fd)
	if err != nil {
		return InetAddress{}, err
	}
	return inetAddressFromSockaddr(sa), nil
}
