// Package notice implements the self-pipe wake-up: a non-blocking pipe
// registered with a reactor.Loop so a write from any thread breaks the
// owning worker's epoll_wait out of its sleep. This is the only primitive
// in this repository safe to invoke from a goroutine other than the one
// driving the reactor loop.
package notice

import (
	"errors"

	"golang.org/x/sys/unix"

	"github.com/yylq/lolib/reactor"
)

// ErrClosed is returned by WakeUp after Close.
var ErrClosed = errors.New("notice: closed")

// Notice is one worker's self-pipe wake-up. Construct one per reactor.Loop
// and register it once via Register.
type Notice struct {
	readFD, writeFD int
	callback        func()
	conn            reactor.Conn
	readEvent       reactor.Event
	closed          bool
}

// New creates a non-blocking pipe and wraps it; callback is invoked by the
// reactor's own goroutine every time the pipe is drained to empty (i.e. once
// per batch of WakeUp calls coalesced between two Process calls), never
// concurrently with other handlers.
func New(callback func()) (*Notice, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, err
	}
	n := &Notice{
		readFD:   fds[0],
		writeFD:  fds[1],
		callback: callback,
	}
	n.readEvent = reactor.Event{Active: true}
	n.readEvent.Handler = func(ev *reactor.Event, timedOut bool) { n.onReadable() }
	n.conn = reactor.Conn{FD: n.readFD, Read: &n.readEvent}
	return n, nil
}

// Register adds the notice's read side to loop.
func (n *Notice) Register(loop *reactor.Loop) error {
	return loop.AddConn(&n.conn)
}

// WakeUp writes one byte to the pipe, safe to call concurrently from any
// thread in the process (including the reactor's own goroutine). EAGAIN
// (pipe already has a pending byte) is not an error: a wake-up is already in
// flight.
func (n *Notice) WakeUp() error {
	if n.closed {
		return ErrClosed
	}
	buf := [1]byte{1}
	for {
		_, err := unix.Write(n.writeFD, buf[:])
		switch err {
		case nil:
			return nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return nil
		default:
			return err
		}
	}
}

// onReadable drains the pipe to empty (EINTR retried, EAGAIN terminates the
// loop), then invokes the user callback exactly once per drain.
func (n *Notice) onReadable() {
	var buf [64]byte
	for {
		_, err := unix.Read(n.readFD, buf[:])
		if err == nil {
			continue
		}
		if err == unix.EINTR {
			continue
		}
		break // EAGAIN: drained
	}
	if n.callback != nil {
		n.callback()
	}
}

// Close closes both ends of the pipe. The Notice must not be used
// afterwards.
func (n *Notice) Close() error {
	n.closed = true
	err1 := unix.Close(n.readFD)
	err2 := unix.Close(n.writeFD)
	if err1 != nil {
		return err1
	}
	return err2
}
