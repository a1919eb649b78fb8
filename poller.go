package reactor

import "time"

// IOEvents is a bitset of readiness conditions, reported by a Poller and
// consumed by Channel.HandleEvent. The bit values are defined here; the
// platform-specific poller files translate them to/from the OS's native
// bitset.
type IOEvents uint32

const (
	EventRead IOEvents = 1 << iota
	EventWrite
	EventError
	EventHangup
)

// Poller is the abstract readiness multiplexer a Poller implementation
// satisfies (see poller_linux.go for the epoll-backed concrete type).
// Every method runs only on the owning EventLoop's thread.
type Poller interface {
	// Poll blocks up to timeout waiting for readiness, appends every
	// ready Channel to activeChannels (after setting its revents), and
	// returns a timestamp sampled after the wait.
	Poll(timeout time.Duration, activeChannels *[]*Channel) (time.Time, error)

	// UpdateChannel registers, modifies or removes ch in the OS
	// multiplexer according to its current state and interest bitset.
	UpdateChannel(ch *Channel) error

	// RemoveChannel deletes ch from the poller's bookkeeping and, if it
	// was added to the OS multiplexer, from the multiplexer too.
	RemoveChannel(ch *Channel) error

	// HasChannel reports whether ch is currently tracked by the poller.
	HasChannel(ch *Channel) bool

	// Close releases the poller's OS resources.
	Close() error
}
