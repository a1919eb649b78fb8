//go:build linux

package reactor

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// initialEventListSize is the starting capacity of the epoll readiness
// array; it doubles whenever a Poll call fills it completely, under the
// theory that a fuller-than-expected wake means more fds are ready than
// last time.
const initialEventListSize = 16

// EpollPoller is the concrete, Linux epoll-backed Poller. It owns an
// epoll instance and the fd -> *Channel map the data model requires:
// every Channel with state == kAdded must appear here and be known to
// epoll with its current interest bitset.
type EpollPoller struct {
	epollFD   int
	channels  map[int]*Channel
	eventList []unix.EpollEvent
}

// NewEpollPoller creates and initializes an epoll instance.
func NewEpollPoller() (*EpollPoller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("reactor: epoll_create1: %w", err)
	}
	return &EpollPoller{
		epollFD:   fd,
		channels:  make(map[int]*Channel),
		eventList: make([]unix.EpollEvent, initialEventListSize),
	}, nil
}

// Poll blocks in epoll_wait for up to timeout, translating ready events
// back into the corresponding Channels.
func (p *EpollPoller) Poll(timeout time.Duration, activeChannels *[]*Channel) (time.Time, error) {
	ms := int(timeout / time.Millisecond)
	n, err := unix.EpollWait(p.epollFD, p.eventList, ms)
	now := time.Now()
	if err != nil {
		if err == unix.EINTR {
			return now, nil
		}
		return now, fmt.Errorf("reactor: epoll_wait: %w", err)
	}
	for i := 0; i < n; i++ {
		ev := p.eventList[i]
		ch, ok := p.channels[int(ev.Fd)]
		if !ok {
			continue
		}
		ch.SetRevents(epollToEvents(ev.Events))
		*activeChannels = append(*activeChannels, ch)
	}
	if n == len(p.eventList) {
		p.eventList = make([]unix.EpollEvent, len(p.eventList)*2)
	}
	return now, nil
}

// UpdateChannel implements the state-machine transition from the data
// model: kNew/kDeleted with interest installs (or re-installs) the fd in
// epoll and marks kAdded; kAdded with no interest removes it from epoll
// but keeps the bookkeeping entry as kDeleted; kAdded with interest
// modifies the existing epoll registration.
func (p *EpollPoller) UpdateChannel(ch *Channel) error {
	fd := ch.Fd()
	switch ch.State() {
	case kNew, kDeleted:
		p.channels[fd] = ch
		if ch.IsNoneEvent() {
			ch.SetState(kDeleted)
			return nil
		}
		ch.SetState(kAdded)
		return p.epollCtl(unix.EPOLL_CTL_ADD, ch)
	default: // kAdded
		p.channels[fd] = ch
		if ch.IsNoneEvent() {
			if err := p.epollCtl(unix.EPOLL_CTL_DEL, ch); err != nil {
				return err
			}
			ch.SetState(kDeleted)
			return nil
		}
		return p.epollCtl(unix.EPOLL_CTL_MOD, ch)
	}
}

// RemoveChannel deletes ch from the map and, if it was live in epoll,
// from epoll too, then resets it to kNew so it can be freely re-added
// under a new fd number later.
func (p *EpollPoller) RemoveChannel(ch *Channel) error {
	fd := ch.Fd()
	delete(p.channels, fd)
	if ch.State() == kAdded {
		if err := p.epollCtl(unix.EPOLL_CTL_DEL, ch); err != nil {
			return err
		}
	}
	ch.SetState(kNew)
	return nil
}

// HasChannel reports map membership. A Channel whose interest was cleared
// (kDeleted) stays in the map, so HasChannel is true for it as well as for
// kAdded channels; only RemoveChannel makes it false.
func (p *EpollPoller) HasChannel(ch *Channel) bool {
	found, ok := p.channels[ch.Fd()]
	return ok && found == ch
}

// Close releases the epoll fd.
func (p *EpollPoller) Close() error {
	return unix.Close(p.epollFD)
}

func (p *EpollPoller) epollCtl(op int, ch *Channel) error {
	ev := &unix.EpollEvent{
		Events: eventsToEpoll(ch.Events()),
		Fd:     int32(ch.Fd()),
	}
	if err := unix.EpollCtl(p.epollFD, op, ch.Fd(), ev); err != nil {
		return fmt.Errorf("reactor: epoll_ctl(%d): %w", op, err)
	}
	return nil
}

func eventsToEpoll(ev IOEvents) uint32 {
	var out uint32
	if ev&EventRead != 0 {
		out |= unix.EPOLLIN | unix.EPOLLPRI
	}
	if ev&EventWrite != 0 {
		out |= unix.EPOLLOUT
	}
	return out
}

func epollToEvents(raw uint32) IOEvents {
	var out IOEvents
	if raw&(unix.EPOLLIN|unix.EPOLLPRI) != 0 {
		out |= EventRead
	}
	if raw&unix.EPOLLOUT != 0 {
		out |= EventWrite
	}
	if raw&unix.EPOLLERR != 0 {
		out |= EventError
	}
	if raw&unix.EPOLLHUP != 0 {
		out |= EventHangup
	}
	return out
}

func newPoller() (Poller, error) {
	return NewEpollPoller()
}
