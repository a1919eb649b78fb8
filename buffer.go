package reactor

import (
	"golang.org/x/sys/unix"
)

// kCheapPrepend is the fixed prefix reserved so callers can prepend a
// short header (e.g. a length frame) without a second allocation/copy.
const kCheapPrepend = 8

// kInitialBufferSize is the initial capacity of a new Buffer, sized for
// a typical small message plus the cheap-prepend region.
const kInitialBufferSize = kCheapPrepend + 1024

// overflowBufferSize bounds the stack-local scratch region ReadFromFD
// scatter-reads into when a single readiness event delivers more data
// than currently fits in the buffer's writable tail.
const overflowBufferSize = 65536

// Buffer is a growable byte buffer split into three regions by two
// indices: [0, readerIndex) is the prepend region, [readerIndex,
// writerIndex) is readable data, and [writerIndex, cap) is writable
// space. It is not safe for concurrent use; every Buffer in this package
// is owned by exactly one TcpConnection, which is itself confined to one
// EventLoop thread.
type Buffer struct {
	buf         []byte
	readerIndex int
	writerIndex int
}

// NewBuffer returns an empty Buffer with the standard initial capacity.
func NewBuffer() *Buffer {
	return &Buffer{
		buf:         make([]byte, kInitialBufferSize),
		readerIndex: kCheapPrepend,
		writerIndex: kCheapPrepend,
	}
}

// ReadableBytes returns the number of bytes available to Peek/Retrieve.
func (b *Buffer) ReadableBytes() int { return b.writerIndex - b.readerIndex }

// WritableBytes returns the number of bytes that can be Append-ed
// without growing the buffer.
func (b *Buffer) WritableBytes() int { return len(b.buf) - b.writerIndex }

// PrependableBytes returns the number of bytes currently free ahead of
// readerIndex, including the reserved kCheapPrepend region.
func (b *Buffer) PrependableBytes() int { return b.readerIndex }

// Peek returns the readable region without consuming it. The returned
// slice aliases the Buffer's storage and is invalidated by any
// subsequent mutating call.
func (b *Buffer) Peek() []byte { return b.buf[b.readerIndex:b.writerIndex] }

// Retrieve advances readerIndex by n, clamped so it never passes
// writerIndex. If n consumes everything readable, both indices reset to
// kCheapPrepend (matching RetrieveAll) so prepend space is reclaimed.
func (b *Buffer) Retrieve(n int) {
	if n >= b.ReadableBytes() {
		b.RetrieveAll()
		return
	}
	b.readerIndex += n
}

// RetrieveAll discards all readable bytes and resets both indices to
// kCheapPrepend.
func (b *Buffer) RetrieveAll() {
	b.readerIndex = kCheapPrepend
	b.writerIndex = kCheapPrepend
}

// RetrieveAllAsString consumes and returns every readable byte as a
// string.
func (b *Buffer) RetrieveAllAsString() string {
	return b.RetrieveAsString(b.ReadableBytes())
}

// RetrieveAsString consumes and returns the first n readable bytes as a
// string.
func (b *Buffer) RetrieveAsString(n int) string {
	s := string(b.Peek()[:n])
	b.Retrieve(n)
	return s
}

// RetrieveAllBytes consumes and returns every readable byte as a freshly
// allocated slice, safe to retain past the next mutating call.
func (b *Buffer) RetrieveAllBytes() []byte {
	n := b.ReadableBytes()
	out := make([]byte, n)
	copy(out, b.Peek())
	b.Retrieve(n)
	return out
}

// EnsureWritable grows or compacts the buffer so at least n more bytes
// can be Append-ed without a further call to EnsureWritable.
func (b *Buffer) EnsureWritable(n int) {
	if b.WritableBytes() >= n {
		return
	}
	b.makeSpace(n)
}

// makeSpace implements the compact-or-grow policy from the data model:
// if sliding the readable region down to kCheapPrepend frees enough
// room, do that (no allocation); otherwise grow the backing array to
// exactly fit writerIndex+n.
func (b *Buffer) makeSpace(n int) {
	if b.WritableBytes()+b.readerIndex-kCheapPrepend < n {
		newBuf := make([]byte, b.writerIndex+n)
		copy(newBuf, b.buf[:b.writerIndex])
		b.buf = newBuf
		return
	}
	readable := b.ReadableBytes()
	copy(b.buf[kCheapPrepend:], b.buf[b.readerIndex:b.writerIndex])
	b.readerIndex = kCheapPrepend
	b.writerIndex = kCheapPrepend + readable
}

// Append copies data onto the writable tail, growing the buffer first if
// necessary.
func (b *Buffer) Append(data []byte) {
	b.EnsureWritable(len(data))
	b.writerIndex += copy(b.buf[b.writerIndex:], data)
}

// Prepend writes data immediately before readerIndex, for callers that
// reserved room via kCheapPrepend to attach a header without a copy of
// the body. It panics if data doesn't fit in PrependableBytes: callers
// are expected to size headers within the reserved region.
func (b *Buffer) Prepend(data []byte) {
	if len(data) > b.PrependableBytes() {
		panic("reactor: Prepend: not enough prependable space")
	}
	b.readerIndex -= len(data)
	copy(b.buf[b.readerIndex:], data)
}

// ReadFromFD performs one scatter-read (readv) from fd into the
// buffer's writable tail plus a 64KiB stack-local overflow region, so a
// single syscall can absorb an arbitrarily large ready payload without
// pre-growing the buffer for the common, small case. It returns the
// number of bytes read (0 meaning EOF) and the errno, if any.
//
// On success, if everything fit in the buffer's own tail, writerIndex
// simply advances; otherwise the tail is filled and the remainder
// (read into the overflow buffer) is appended, which may itself grow
// the buffer via EnsureWritable.
func (b *Buffer) ReadFromFD(fd int) (n int, errno error) {
	var overflow [overflowBufferSize]byte

	writable := b.WritableBytes()
	iov := make([][]byte, 0, 2)
	iov = append(iov, b.buf[b.writerIndex:len(b.buf)])
	iov = append(iov, overflow[:])

	nRead, err := readv(fd, iov)
	if err != nil {
		return -1, err
	}
	if nRead <= writable {
		b.writerIndex += nRead
	} else {
		b.writerIndex = len(b.buf)
		b.Append(overflow[:nRead-writable])
	}
	return nRead, nil
}

// readv wraps unix.Readv for the two-region scatter read used by
// ReadFromFD. Factored out so tests can substitute a fake without
// touching real file descriptors.
var readv = func(fd int, iov [][]byte) (int, error) {
	return unix.Readv(fd, iov)
}
