package reactor

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuffer_InitialInvariants(t *testing.T) {
	b := NewBuffer()
	assert.Equal(t, 0, b.ReadableBytes())
	assert.Equal(t, 1024, b.WritableBytes())
	assert.Equal(t, kCheapPrepend, b.PrependableBytes())
}

func TestBuffer_AppendRetrieveRoundTrip(t *testing.T) {
	b := NewBuffer()
	s := "hello, reactor"
	b.Append([]byte(s))
	require.Equal(t, len(s), b.ReadableBytes())
	assert.Equal(t, s, b.RetrieveAllAsString())
	assert.Equal(t, 0, b.ReadableBytes())
}

func TestBuffer_RetrieveAllResetsIndices(t *testing.T) {
	b := NewBuffer()
	b.Append([]byte("abc"))
	b.RetrieveAll()
	assert.Equal(t, kCheapPrepend, b.readerIndex)
	assert.Equal(t, kCheapPrepend, b.writerIndex)
}

func TestBuffer_RetrievePartial(t *testing.T) {
	b := NewBuffer()
	b.Append([]byte("abcdef"))
	b.Retrieve(3)
	assert.Equal(t, "def", string(b.Peek()))
}

func TestBuffer_RetrieveBeyondReadableResetsLikeRetrieveAll(t *testing.T) {
	b := NewBuffer()
	b.Append([]byte("abc"))
	b.Retrieve(100)
	assert.Equal(t, 0, b.ReadableBytes())
	assert.Equal(t, kCheapPrepend, b.readerIndex)
}

func TestBuffer_GrowsWhenCompactionIsNotEnough(t *testing.T) {
	b := NewBuffer()
	big := strings.Repeat("x", 4096)
	b.Append([]byte(big))
	assert.Equal(t, big, b.RetrieveAllAsString())
}

func TestBuffer_CompactsInPlaceWhenPossible(t *testing.T) {
	b := NewBuffer()
	b.Append([]byte(strings.Repeat("a", 900)))
	b.Retrieve(800) // 100 bytes left readable; readerIndex 808, writerIndex 908
	before := cap(b.buf)
	b.Append([]byte(strings.Repeat("b", 900)))
	assert.Equal(t, before, cap(b.buf), "compaction should avoid growth when there's enough freed space")
	assert.Equal(t, strings.Repeat("a", 100)+strings.Repeat("b", 900), b.RetrieveAllAsString())
}

func TestBuffer_Prepend(t *testing.T) {
	b := NewBuffer()
	b.Append([]byte("body"))
	b.Prepend([]byte{0, 0, 0, 4})
	assert.Equal(t, kCheapPrepend-4, b.readerIndex)
	assert.Equal(t, "\x00\x00\x00\x04body", b.RetrieveAllAsString())
}

func TestBuffer_ReadFromFD_FitsInTail(t *testing.T) {
	b := NewBuffer()
	orig := readv
	defer func() { readv = orig }()
	readv = func(fd int, iov [][]byte) (int, error) {
		payload := []byte("small")
		copy(iov[0], payload)
		return len(payload), nil
	}
	n, err := b.ReadFromFD(3)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "small", b.RetrieveAllAsString())
}

func TestBuffer_ReadFromFD_SpillsIntoOverflow(t *testing.T) {
	b := &Buffer{buf: make([]byte, kCheapPrepend+4), readerIndex: kCheapPrepend, writerIndex: kCheapPrepend}
	orig := readv
	defer func() { readv = orig }()
	payload := []byte("this-is-longer-than-the-tail")
	readv = func(fd int, iov [][]byte) (int, error) {
		n := copy(iov[0], payload)
		n += copy(iov[1], payload[n:])
		return len(payload), nil
	}
	n, err := b.ReadFromFD(3)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, string(payload), b.RetrieveAllAsString())
}

func TestBuffer_ReadFromFD_EOF(t *testing.T) {
	b := NewBuffer()
	orig := readv
	defer func() { readv = orig }()
	readv = func(fd int, iov [][]byte) (int, error) { return 0, nil }
	n, err := b.ReadFromFD(3)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
