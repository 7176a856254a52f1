//go:build linux

// Package reactor implements the edge-triggered readiness loop: epoll
// registration/dispatch, a timer tree, and posted-event queues. It operates
// on the minimal Conn/Event records it needs (fd plus a read and a write
// Event); package conn layers connection pooling and socket setup on top.
package reactor

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// maxFDs bounds direct array indexing into the fd registry, mirroring the
// teacher eventloop poller's fixed-size fds array rather than a map.
const maxFDs = 65536

// Dir distinguishes the read and write directions of a connection.
type Dir int

const (
	Read Dir = iota
	Write
)

// Flags recognized by Process/Add/Delete.
type Flags uint32

const (
	FlagNone       Flags = 0
	FlagPostEvents Flags = 1 << iota
	FlagUpdateTime
	FlagCloseEvent
)

// Handler is invoked for a ready (or timed-out) Event.
type Handler func(ev *Event, timedOut bool)

// Event is one direction (read or write) of a connection's readiness
// state. The instance parity is the sole defense against dispatching a
// stale kernel notification into a freed-and-reused connection slot.
type Event struct {
	Active   bool
	Ready    bool
	Accepted bool
	WriteDir bool
	Instance uint32

	TimerSet bool
	deadline int64 // unix nanos, valid iff TimerSet

	Handler Handler
	Data    any

	posted     bool
	postedNext *Event

	timerLeft, timerRight, timerParent int32 // timer-tree (unbalanced BST) links, see timer.go
	timerColor                         bool
	self                               int32 // this event's index in Timers.nodes once it has been armed
}

// Conn is the unit the reactor registers: one fd plus its two events.
type Conn struct {
	FD    int
	Read  *Event
	Write *Event

	regInstance uint32 // instance packed into the live epoll registration
}

var (
	ErrFDOutOfRange = errFDOutOfRange{}
)

type errFDOutOfRange struct{}

func (errFDOutOfRange) Error() string { return "reactor: fd out of range" }

// Loop is one worker's reactor: an epoll instance, a timer tree, and the
// posted-event queues.
type Loop struct {
	epfd   int32
	conns  [maxFDs]*Conn
	closed atomic.Bool
	mu     sync.Mutex // guards conns/registration bookkeeping

	eventBuf [256]unix.EpollEvent

	timers    Timers
	postedAccept *postedQueue
	posted       *postedQueue

	now int64 // cached wall clock, nanoseconds since epoch
}

func New() (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	l := &Loop{
		epfd:         int32(epfd),
		postedAccept: newPostedQueue(),
		posted:       newPostedQueue(),
	}
	l.timers.Init()
	return l, nil
}

func (l *Loop) Close() error {
	l.closed.Store(true)
	return unix.Close(int(l.epfd))
}

func epollBits(ev *Event, other *Event) uint32 {
	var bits uint32
	if ev.Active {
		if ev.WriteDir {
			bits |= unix.EPOLLOUT
		} else {
			bits |= unix.EPOLLIN
		}
	}
	if other != nil && other.Active {
		if other.WriteDir {
			bits |= unix.EPOLLOUT
		} else {
			bits |= unix.EPOLLIN
		}
	}
	return bits
}

func pack(fd int, instance uint32) unix.EpollEvent {
	return unix.EpollEvent{Fd: int32(fd), Pad: int32(instance)}
}

// AddConn registers c with the reactor, activating whichever of c.Read /
// c.Write already has Active set.
func (l *Loop) AddConn(c *Conn) error {
	if c.FD < 0 || c.FD >= maxFDs {
		return ErrFDOutOfRange
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.conns[c.FD] = c
	c.regInstance = c.Read.Instance

	ev := pack(c.FD, c.regInstance)
	ev.Events = epollBits(c.Read, c.Write) | unix.EPOLLET
	return unix.EpollCtl(int(l.epfd), unix.EPOLL_CTL_ADD, c.FD, &ev)
}

// Add activates dir on c, converting an ADD into a MOD (and preserving the
// other direction's bit) when the fd is already registered.
func (l *Loop) Add(c *Conn, dir Dir, flags Flags) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	ev := pack(c.FD, c.regInstance)
	var this, other *Event
	if dir == Read {
		this, other = c.Read, c.Write
	} else {
		this, other = c.Write, c.Read
	}
	this.Active = true
	op := unix.EPOLL_CTL_MOD
	if l.conns[c.FD] == nil {
		l.conns[c.FD] = c
		c.regInstance = c.Read.Instance
		ev.Pad = int32(c.regInstance)
		op = unix.EPOLL_CTL_ADD
	}
	ev.Events = epollBits(this, other) | unix.EPOLLET
	return unix.EpollCtl(int(l.epfd), op, c.FD, &ev)
}

// Delete deactivates dir on c. If the other direction is still active the
// kernel registration converts ADD/MOD semantics symmetrically (MOD with
// only the other bit set); otherwise the fd is fully deregistered, unless
// FlagCloseEvent says the kernel already dropped it (fd closed).
func (l *Loop) Delete(c *Conn, dir Dir, flags Flags) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var this, other *Event
	if dir == Read {
		this, other = c.Read, c.Write
	} else {
		this, other = c.Write, c.Read
	}
	this.Active = false

	if flags&FlagCloseEvent != 0 {
		l.conns[c.FD] = nil
		return nil
	}
	if other.Active {
		ev := pack(c.FD, c.regInstance)
		ev.Events = epollBits(this, other) | unix.EPOLLET
		return unix.EpollCtl(int(l.epfd), unix.EPOLL_CTL_MOD, c.FD, &ev)
	}
	l.conns[c.FD] = nil
	return unix.EpollCtl(int(l.epfd), unix.EPOLL_CTL_DEL, c.FD, nil)
}

// DeleteConn fully deregisters c from the reactor (both directions).
func (l *Loop) DeleteConn(c *Conn, flags Flags) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	c.Read.Active = false
	c.Write.Active = false
	l.conns[c.FD] = nil
	if flags&FlagCloseEvent != 0 {
		return nil
	}
	return unix.EpollCtl(int(l.epfd), unix.EPOLL_CTL_DEL, c.FD, nil)
}

// Process waits up to timeout for readiness, dispatching or posting
// handlers for every event, and expires due timers. timeout < 0 means wait
// for the timer deadline (or forever if no timer is set).
func (l *Loop) Process(timeoutMs int, flags Flags) (int, error) {
	if l.closed.Load() {
		return 0, nil
	}
	if flags&FlagUpdateTime != 0 {
		l.UpdateTime()
	}

	waitMs := timeoutMs
	if waitMs < 0 {
		waitMs = l.timers.NextTimeoutMs(l.now)
	}

	n, err := unix.EpollWait(int(l.epfd), l.eventBuf[:], waitMs)
	if err != nil {
		if err == unix.EINTR {
			n = 0
		} else {
			return 0, err
		}
	}

	for i := 0; i < n; i++ {
		l.dispatchOne(&l.eventBuf[i], flags)
	}

	l.timers.Expire(l.now, func(ev *Event) { ev.Handler(ev, true) })

	return n, nil
}

func (l *Loop) dispatchOne(raw *unix.EpollEvent, flags Flags) {
	l.mu.Lock()
	fd := int(raw.Fd)
	instance := uint32(raw.Pad)
	c := l.conns[fd]
	if c == nil || c.FD != fd || c.regInstance != instance {
		l.mu.Unlock()
		return // stale: fd reused or reregistered since this notification was queued
	}
	rev, wev := c.Read, c.Write
	l.mu.Unlock()

	events := raw.Events
	hasErr := events&(unix.EPOLLERR|unix.EPOLLHUP) != 0
	hasIO := events&(unix.EPOLLIN|unix.EPOLLOUT) != 0
	if hasErr && !hasIO {
		// synthesize both read and write readiness so at least one
		// handler observes the error.
		events |= unix.EPOLLIN | unix.EPOLLOUT
	}

	if events&unix.EPOLLIN != 0 && rev.Active {
		l.ready(rev, flags)
	}
	if events&unix.EPOLLOUT != 0 && wev.Active {
		l.ready(wev, flags)
	}
}

func (l *Loop) ready(ev *Event, flags Flags) {
	ev.Ready = true
	if flags&FlagPostEvents != 0 {
		if ev.Accepted {
			l.postedAccept.push(ev)
		} else {
			l.posted.push(ev)
		}
		return
	}
	ev.Handler(ev, false)
}

// ProcessPosted drains the posted-event queues head to tail, dispatching
// each handler; a handler may re-enqueue its own event. Stale entries are
// detected only by the event's Active flag having been cleared (Delete and
// DeleteConn clear it); the fd/instance check of the main dispatch is not
// repeated here.
func (l *Loop) ProcessPosted() {
	l.drain(l.postedAccept)
	l.drain(l.posted)
}

func (l *Loop) drain(q *postedQueue) {
	for {
		ev := q.pop()
		if ev == nil {
			return
		}
		if !ev.Active {
			continue
		}
		ev.Handler(ev, false)
	}
}

// UpdateTime refreshes the cached wall clock used for timer bookkeeping.
func (l *Loop) UpdateTime() { l.now = nowNanos() }

// Now returns the cached wall clock.
func (l *Loop) Now() int64 { return l.now }

// postedQueue is a simple FIFO over the intrusive postedNext link.
type postedQueue struct {
	head, tail *Event
}

func newPostedQueue() *postedQueue { return &postedQueue{} }

func (q *postedQueue) push(ev *Event) {
	if ev.posted {
		return
	}
	ev.posted = true
	ev.postedNext = nil
	if q.tail == nil {
		q.head, q.tail = ev, ev
		return
	}
	q.tail.postedNext = ev
	q.tail = ev
}

func (q *postedQueue) pop() *Event {
	ev := q.head
	if ev == nil {
		return nil
	}
	q.head = ev.postedNext
	if q.head == nil {
		q.tail = nil
	}
	ev.postedNext = nil
	ev.posted = false
	return ev
}
