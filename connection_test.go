package reactor

import (
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newConnPair creates a connected TcpConnection backed by one end of a
// unix socketpair, with the other end left as a plain fd the test drives
// directly with unix.Read/unix.Write. This exercises TcpConnection's
// state machine and buffering without a real TCP handshake.
func newConnPair(t *testing.T, loop *EventLoop) (*TcpConnection, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))

	conn := newTcpConnection(loop, "test-conn", fds[0], InetAddress{}, InetAddress{}, nil)
	t.Cleanup(func() { _ = unix.Close(fds[1]) })
	return conn, fds[1]
}

func TestTcpConnection_ConnectEstablishedFiresCallback(t *testing.T) {
	loop := newTestLoop(t)
	conn, peer := newConnPair(t, loop)
	defer unix.Close(peer)

	var connected bool
	conn.SetConnectionCallback(func(c *TcpConnection) { connected = c.Connected() })

	go func() { loop.Loop() }()
	defer loop.Quit()

	loop.RunInLoop(conn.connectEstablished)
	time.Sleep(10 * time.Millisecond)

	assert.True(t, connected)
	assert.Equal(t, kConnected, conn.state)
}

func TestTcpConnection_MessageCallbackOnRead(t *testing.T) {
	loop := newTestLoop(t)
	conn, peer := newConnPair(t, loop)
	defer unix.Close(peer)

	received := make(chan string, 1)
	conn.SetMessageCallback(func(c *TcpConnection, buf *Buffer, _ time.Time) {
		received <- buf.RetrieveAllAsString()
	})

	go func() { loop.Loop() }()
	defer loop.Quit()
	loop.RunInLoop(conn.connectEstablished)
	time.Sleep(10 * time.Millisecond)

	_, err := unix.Write(peer, []byte("ping"))
	require.NoError(t, err)

	select {
	case msg := <-received:
		assert.Equal(t, "ping", msg)
	case <-time.After(time.Second):
		t.Fatal("message callback never fired")
	}
}

func TestTcpConnection_SendWritesImmediatelyWhenIdle(t *testing.T) {
	loop := newTestLoop(t)
	conn, peer := newConnPair(t, loop)
	defer unix.Close(peer)

	go func() { loop.Loop() }()
	defer loop.Quit()
	loop.RunInLoop(conn.connectEstablished)
	time.Sleep(10 * time.Millisecond)

	conn.Send([]byte("pong"))
	time.Sleep(20 * time.Millisecond)

	buf := make([]byte, 16)
	require.NoError(t, unix.SetNonblock(peer, true))
	n, err := unix.Read(peer, buf)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(buf[:n]))
}

func TestTcpConnection_HandleCloseInvokesCloseCallback(t *testing.T) {
	loop := newTestLoop(t)
	conn, peer := newConnPair(t, loop)

	var mu sync.Mutex
	var downFired bool
	conn.SetConnectionCallback(func(c *TcpConnection) {
		mu.Lock()
		defer mu.Unlock()
		if !c.Connected() {
			downFired = true
		}
	})

	closed := make(chan struct{})
	conn.setCloseCallback(func(c *TcpConnection) { close(closed) })

	go func() { loop.Loop() }()
	defer loop.Quit()
	loop.RunInLoop(conn.connectEstablished)
	time.Sleep(10 * time.Millisecond)

	unix.Close(peer)

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("close callback never fired after peer hangup")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, downFired, "connectionCb should fire with Connected() == false on close")
	assert.False(t, conn.Connected())
	assert.Equal(t, kDisconnected, conn.state)
}

func TestTcpConnection_SendAfterCloseReturnsErrConnectionClosed(t *testing.T) {
	loop := newTestLoop(t)
	conn, peer := newConnPair(t, loop)

	closed := make(chan struct{})
	conn.setCloseCallback(func(c *TcpConnection) { close(closed) })

	go func() { loop.Loop() }()
	defer loop.Quit()
	loop.RunInLoop(conn.connectEstablished)
	time.Sleep(10 * time.Millisecond)

	unix.Close(peer)
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("close callback never fired after peer hangup")
	}

	result := make(chan error, 1)
	loop.RunInLoop(func() { result <- conn.Send([]byte("too late")) })

	select {
	case err := <-result:
		assert.ErrorIs(t, err, ErrConnectionClosed)
	case <-time.After(time.Second):
		t.Fatal("send never returned")
	}
}

func TestTcpConnection_HighWaterMarkCallbackFires(t *testing.T) {
	loop := newTestLoop(t)
	conn, peer := newConnPair(t, loop)
	defer unix.Close(peer)

	crossed := make(chan int, 1)
	conn.SetHighWaterMarkCallback(func(c *TcpConnection, outstanding int) {
		select {
		case crossed <- outstanding:
		default:
		}
	}, 16)

	go func() { loop.Loop() }()
	defer loop.Quit()
	loop.RunInLoop(conn.connectEstablished)
	time.Sleep(10 * time.Millisecond)

	big := make([]byte, 16<<20)
	conn.Send(big)

	select {
	case outstanding := <-crossed:
		assert.GreaterOrEqual(t, outstanding, 16)
	case <-time.After(time.Second):
		t.Fatal("high water mark callback never fired")
	}
}
