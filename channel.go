package reactor

import (
	"time"
	"weak"
)

// pollerState is a Channel's membership state in its Poller, following
// the three-state machine from the data model: kNew has never been
// registered, kAdded is live in the OS multiplexer, kDeleted was removed
// from the OS multiplexer but is still tracked so it can be cheaply
// re-added.
type pollerState int

const (
	kNew pollerState = iota
	kAdded
	kDeleted
)

// ReadCallback is invoked when a Channel's fd becomes readable.
// receiveTime is sampled once per Poller.Poll call and shared by every
// Channel reported ready in that wake, so handlers can reason about
// "how long has this event been sitting".
type ReadCallback func(receiveTime time.Time)

// Channel binds a single file descriptor's readiness events to typed
// callbacks on exactly one EventLoop for the descriptor's entire life. A
// Channel never owns the fd: closing it is always the responsibility of
// whoever constructed the Channel (Acceptor, TcpConnection's Socket).
type Channel struct {
	loop *EventLoop
	fd   int

	events  IOEvents // interest bitset
	revents IOEvents // last readiness reported by the Poller

	state pollerState

	readCallback  ReadCallback
	writeCallback func()
	closeCallback func()
	errorCallback func()

	// tied and tie implement the "weak tie" from the design notes: a
	// non-owning observer on the Channel's logical owner (a
	// TcpConnection), upgraded to a strong reference for the duration of
	// one HandleEvent call so dispatch can never run against a
	// connection that has finished tearing down. A Channel with no tie
	// configured (e.g. the Acceptor's listening-socket channel) always
	// dispatches.
	tied bool
	tie  weak.Pointer[TcpConnection]

	// eventHandling is true while HandleEvent is dispatching callbacks.
	// Nothing in this package reads it; Remove does not check it.
	eventHandling bool
	addedToLoop   bool
}

// NewChannel creates a Channel for fd on loop. The Channel starts with no
// interest and must not be touched by the Poller until an Enable* method
// registers it.
func NewChannel(loop *EventLoop, fd int) *Channel {
	return &Channel{loop: loop, fd: fd, state: kNew}
}

// Fd returns the channel's file descriptor.
func (c *Channel) Fd() int { return c.fd }

// Events returns the current interest bitset.
func (c *Channel) Events() IOEvents { return c.events }

// SetRevents records the readiness bitset the Poller observed for this
// channel in the most recent Poll call. It is called only by the Poller,
// on the owning loop's thread.
func (c *Channel) SetRevents(revents IOEvents) { c.revents = revents }

// IsNoneEvent reports whether the channel currently has no interest
// registered, the condition under which the Poller removes it from the
// OS multiplexer while keeping it in its map.
func (c *Channel) IsNoneEvent() bool { return c.events == 0 }

func (c *Channel) SetReadCallback(cb ReadCallback)   { c.readCallback = cb }
func (c *Channel) SetWriteCallback(cb func())        { c.writeCallback = cb }
func (c *Channel) SetCloseCallback(cb func())        { c.closeCallback = cb }
func (c *Channel) SetErrorCallback(cb func())        { c.errorCallback = cb }

// Tie attaches a non-owning observer on conn. The Channel upgrades it
// immediately before every HandleEvent dispatch and skips dispatch
// entirely if conn is no longer reachable any other way.
func (c *Channel) Tie(conn *TcpConnection) {
	c.tied = true
	c.tie = weak.Make(conn)
}

// EnableReading adds read interest and (re)registers with the Poller.
func (c *Channel) EnableReading() {
	c.events |= IOEvents(EventRead)
	c.update()
}

// DisableReading removes read interest.
func (c *Channel) DisableReading() {
	c.events &^= IOEvents(EventRead)
	c.update()
}

// EnableWriting adds write interest.
func (c *Channel) EnableWriting() {
	c.events |= IOEvents(EventWrite)
	c.update()
}

// DisableWriting removes write interest.
func (c *Channel) DisableWriting() {
	c.events &^= IOEvents(EventWrite)
	c.update()
}

// DisableAll clears every bit of interest, causing the Poller to remove
// the fd from the OS multiplexer on the next update.
func (c *Channel) DisableAll() {
	c.events = 0
	c.update()
}

// IsWriting reports whether write interest is currently enabled.
func (c *Channel) IsWriting() bool { return c.events&IOEvents(EventWrite) != 0 }

// IsReading reports whether read interest is currently enabled.
func (c *Channel) IsReading() bool { return c.events&IOEvents(EventRead) != 0 }

func (c *Channel) update() {
	c.addedToLoop = true
	c.loop.updateChannel(c)
}

// Remove detaches the channel from its loop's Poller entirely. Callers
// must disable all interest first (DisableAll), matching the Poller's
// removeChannel precondition.
func (c *Channel) Remove() {
	c.addedToLoop = false
	c.loop.removeChannel(c)
}

// State returns the channel's current Poller membership state, for use
// by Poller implementations.
func (c *Channel) State() pollerState { return c.state }

// SetState is called only by Poller implementations to record a
// transition in the channel's membership state.
func (c *Channel) SetState(s pollerState) { c.state = s }

// HandleEvent dispatches c.revents to the close/error/read/write
// callbacks, in that priority order, per the data model:
//   - hang-up with no readability -> close
//   - error -> error
//   - readable/priority-readable -> read
//   - writable -> write
//
// If a tie is configured, it is upgraded first; a failed upgrade means
// the logical owner has already been torn down, so dispatch is skipped
// entirely (not even the close callback runs; TcpConnection's own
// handleClose already ran to get the owner collected).
func (c *Channel) HandleEvent(receiveTime time.Time) {
	if c.tied {
		if c.tie.Value() == nil {
			return
		}
	}
	c.handleEventWithGuard(receiveTime)
}

func (c *Channel) handleEventWithGuard(receiveTime time.Time) {
	c.eventHandling = true
	defer func() { c.eventHandling = false }()

	revents := c.revents
	if revents&IOEvents(EventHangup) != 0 && revents&IOEvents(EventRead) == 0 {
		if c.closeCallback != nil {
			c.closeCallback()
		}
		return
	}
	if revents&IOEvents(EventError) != 0 {
		if c.errorCallback != nil {
			c.errorCallback()
		}
	}
	if revents&(IOEvents(EventRead)|IOEvents(EventHangup)) != 0 {
		if c.readCallback != nil {
			c.readCallback(receiveTime)
		}
	}
	if revents&IOEvents(EventWrite) != 0 {
		if c.writeCallback != nil {
			c.writeCallback()
		}
	}
}
