package sockopt

import (
	"testing"

	"golang.org/x/sys/unix"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSocket(t *testing.T) int {
	t.Helper()
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Close(fd) })
	return fd
}

func TestSetNonblockCloexec(t *testing.T) {
	fd := newTestSocket(t)
	require.NoError(t, SetNonblockCloexec(fd))

	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	require.NoError(t, err)
	assert.NotZero(t, flags&unix.O_NONBLOCK)

	fdFlags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	require.NoError(t, err)
	assert.NotZero(t, fdFlags&unix.FD_CLOEXEC)
}

func TestSetReuseAddr(t *testing.T) {
	fd := newTestSocket(t)
	require.NoError(t, SetReuseAddr(fd))

	v, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR)
	require.NoError(t, err)
	assert.NotZero(t, v)
}

func TestSetKeepAlive(t *testing.T) {
	fd := newTestSocket(t)
	require.NoError(t, SetKeepAlive(fd))

	v, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE)
	require.NoError(t, err)
	assert.NotZero(t, v)
}

func TestGetSocketError_NoErrorOnFreshSocket(t *testing.T) {
	fd := newTestSocket(t)
	assert.NoError(t, GetSocketError(fd))
}
