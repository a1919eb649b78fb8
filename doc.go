// Package reactor implements a multi-reactor TCP server runtime: an
// epoll/kqueue-backed event loop, a per-descriptor Channel abstraction, a
// pool of worker loops dispatched round-robin, and a TcpConnection state
// machine with a double-buffered read/write path and high-water-mark
// backpressure.
//
// # Design
//
// One EventLoop runs on exactly one OS thread (pinned via
// runtime.LockOSThread) and owns a Poller, a wakeup descriptor, and a
// mutex-protected queue of posted functors. An Acceptor lives on a base
// EventLoop and, for each accepted socket, TcpServer hands the connection
// to a worker loop chosen round-robin from an EventLoopThreadPool. From
// that point on, every mutation of that connection's Channel happens only
// on its owning worker loop's thread; cross-thread interaction with a
// connection always goes through send/shutdown, which hop onto the owning
// loop via runInLoop/queueInLoop.
//
// # Usage
//
//	loop, _ := reactor.NewEventLoop()
//	addr, _ := reactor.NewInetAddress("0.0.0.0", 9000)
//	srv, _ := reactor.NewTcpServer(loop, "echo", addr, reactor.PortReuseEnabled)
//	srv.SetMessageCallback(func(c *reactor.TcpConnection, buf *reactor.Buffer, t time.Time) {
//		c.Send(buf.RetrieveAllBytes())
//	})
//	srv.SetThreadNum(4)
//	srv.Start()
//	loop.Loop()
//
// # Safety
//
// Channel, Poller and most TcpConnection state are confined to their
// owning loop's thread; mutating them from another goroutine is a
// programming error and is asserted against fatally, the same way a
// muduo-style reactor aborts on a failed CHECK.
package reactor
