//go:build darwin

package reactor

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// KqueuePoller is the concrete, Darwin/BSD kqueue-backed Poller.
// Unlike epoll, kqueue tracks read and write interest as independent
// filters, so UpdateChannel diffs the previous and current interest
// bitsets and issues EV_ADD/EV_DELETE per filter as needed.
type KqueuePoller struct {
	kq        int
	channels  map[int]*Channel
	lastEvent map[int]IOEvents // last interest bitset installed per fd
	eventList []unix.Kevent_t
}

// NewKqueuePoller creates and initializes a kqueue instance.
func NewKqueuePoller() (*KqueuePoller, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, fmt.Errorf("reactor: kqueue: %w", err)
	}
	unix.CloseOnExec(kq)
	return &KqueuePoller{
		kq:        kq,
		channels:  make(map[int]*Channel),
		lastEvent: make(map[int]IOEvents),
		eventList: make([]unix.Kevent_t, initialEventListSize),
	}, nil
}

func (p *KqueuePoller) Poll(timeout time.Duration, activeChannels *[]*Channel) (time.Time, error) {
	ts := unix.NsecToTimespec(int64(timeout))
	n, err := unix.Kevent(p.kq, nil, p.eventList, &ts)
	now := time.Now()
	if err != nil {
		if err == unix.EINTR {
			return now, nil
		}
		return now, fmt.Errorf("reactor: kevent wait: %w", err)
	}

	seen := make(map[int]IOEvents, n)
	for i := 0; i < n; i++ {
		ev := p.eventList[i]
		fd := int(ev.Ident)
		var bits IOEvents
		switch ev.Filter {
		case unix.EVFILT_READ:
			bits = EventRead
		case unix.EVFILT_WRITE:
			bits = EventWrite
		}
		if ev.Flags&unix.EV_EOF != 0 {
			bits |= EventHangup
		}
		if ev.Flags&unix.EV_ERROR != 0 {
			bits |= EventError
		}
		seen[fd] |= bits
	}
	for fd, bits := range seen {
		if ch, ok := p.channels[fd]; ok {
			ch.SetRevents(bits)
			*activeChannels = append(*activeChannels, ch)
		}
	}

	if n == len(p.eventList) {
		p.eventList = make([]unix.Kevent_t, len(p.eventList)*2)
	}
	return now, nil
}

func (p *KqueuePoller) UpdateChannel(ch *Channel) error {
	fd := ch.Fd()
	prev := p.lastEvent[fd]
	next := ch.Events()

	var changes []unix.Kevent_t
	if prev&EventRead != 0 && next&EventRead == 0 {
		changes = append(changes, kevent(fd, unix.EVFILT_READ, unix.EV_DELETE))
	} else if prev&EventRead == 0 && next&EventRead != 0 {
		changes = append(changes, kevent(fd, unix.EVFILT_READ, unix.EV_ADD|unix.EV_ENABLE))
	}
	if prev&EventWrite != 0 && next&EventWrite == 0 {
		changes = append(changes, kevent(fd, unix.EVFILT_WRITE, unix.EV_DELETE))
	} else if prev&EventWrite == 0 && next&EventWrite != 0 {
		changes = append(changes, kevent(fd, unix.EVFILT_WRITE, unix.EV_ADD|unix.EV_ENABLE))
	}

	if len(changes) > 0 {
		if _, err := unix.Kevent(p.kq, changes, nil, nil); err != nil {
			return fmt.Errorf("reactor: kevent update: %w", err)
		}
	}

	p.lastEvent[fd] = next
	p.channels[fd] = ch
	if next == 0 {
		ch.SetState(kDeleted)
	} else {
		ch.SetState(kAdded)
	}
	return nil
}

func (p *KqueuePoller) RemoveChannel(ch *Channel) error {
	fd := ch.Fd()
	prev := p.lastEvent[fd]
	var changes []unix.Kevent_t
	if prev&EventRead != 0 {
		changes = append(changes, kevent(fd, unix.EVFILT_READ, unix.EV_DELETE))
	}
	if prev&EventWrite != 0 {
		changes = append(changes, kevent(fd, unix.EVFILT_WRITE, unix.EV_DELETE))
	}
	if len(changes) > 0 {
		_, _ = unix.Kevent(p.kq, changes, nil, nil)
	}
	delete(p.channels, fd)
	delete(p.lastEvent, fd)
	ch.SetState(kNew)
	return nil
}

func (p *KqueuePoller) HasChannel(ch *Channel) bool {
	found, ok := p.channels[ch.Fd()]
	return ok && found == ch
}

func (p *KqueuePoller) Close() error {
	return unix.Close(p.kq)
}

func kevent(fd int, filter int16, flags uint16) unix.Kevent_t {
	return unix.Kevent_t{Ident: uint64(fd), Filter: filter, Flags: flags}
}

func newPoller() (Poller, error) {
	return NewKqueuePoller()
}
