// Package channel implements the worker-to-worker transport: a UNIX domain
// socket pair carrying a fixed-size Message plus, for Command == CmdOpen, an
// ancillary SCM_RIGHTS control message carrying exactly one file descriptor.
// Commands are opaque to this package; it only specifies and implements the
// wire transport named in the external interfaces.
package channel

import (
	"encoding/binary"
	"errors"

	"golang.org/x/sys/unix"
)

// Command identifies the purpose of a Message. The core only defines the
// one command (CmdOpen) whose semantics (an accompanying fd) it must know
// about to parse the control message correctly; every other value is
// opaque application payload.
type Command int32

const (
	// CmdOpen carries a passed file descriptor in ancillary data.
	CmdOpen Command = 1
	// CmdClose requests the peer close a previously opened resource.
	CmdClose Command = 2
	// CmdQuit requests graceful shutdown.
	CmdQuit Command = 3
	// CmdTerminate requests immediate shutdown.
	CmdTerminate Command = 4
)

// messageSize is the wire size of Message: command, pid, slot as int32,
// matching the original's fixed-size struct convention (no padding, no FD
// field - the FD itself never travels in the byte payload, only in
// ancillary data).
const messageSize = 12

// Message is the fixed-size payload sent with every channel_write call. FD
// is populated from ancillary data on receive when Command == CmdOpen; it is
// never serialized into the byte payload itself.
type Message struct {
	Command Command
	PID     int32
	Slot    int32
	FD      int
}

func (m *Message) marshal() []byte {
	buf := make([]byte, messageSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(m.Command))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(m.PID))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(m.Slot))
	return buf
}

func (m *Message) unmarshal(buf []byte) error {
	if len(buf) < messageSize {
		return ErrShortRead
	}
	m.Command = Command(binary.LittleEndian.Uint32(buf[0:4]))
	m.PID = int32(binary.LittleEndian.Uint32(buf[4:8]))
	m.Slot = int32(binary.LittleEndian.Uint32(buf[8:12]))
	return nil
}

var (
	// ErrShortRead is returned when a read produces fewer bytes than
	// messageSize - the original's `(size_t) n < sizeof(channel_t)` check.
	ErrShortRead = errors.New("channel: short read")
	// ErrBadControlMessage is returned when CmdOpen arrives without a
	// well-formed single-fd SCM_RIGHTS ancillary record.
	ErrBadControlMessage = errors.New("channel: malformed SCM_RIGHTS control message")
)

// Pair is a connected UNIX domain socket pair, one end per worker.
type Pair struct {
	fd [2]int
}

// New creates a non-blocking, close-on-exec SOCK_STREAM socket pair.
func New() (*Pair, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	return &Pair{fd: fds}, nil
}

// FD returns endpoint i (0 or 1) of the pair, for registering with a
// reactor.Loop or handing to a spawned worker.
func (p *Pair) FD(i int) int { return p.fd[i] }

// Close closes both endpoints.
func (p *Pair) Close() error {
	err1 := unix.Close(p.fd[0])
	err2 := unix.Close(p.fd[1])
	if err1 != nil {
		return err1
	}
	return err2
}

// Write sends msg over socket, carrying msg.FD as an SCM_RIGHTS ancillary
// message when msg.Command == CmdOpen. EAGAIN is reported as AGAIN (nil
// error, ok=false) rather than an error, per the original's fd==-1/EAGAIN
// handling.
func Write(socket int, msg *Message) (ok bool, err error) {
	payload := msg.marshal()
	var oob []byte
	if msg.Command == CmdOpen {
		oob = unix.UnixRights(msg.FD)
	}
	n, err := unix.SendmsgN(socket, payload, oob, nil, 0)
	if err != nil {
		if err == unix.EAGAIN {
			return false, nil
		}
		return false, err
	}
	return n == len(payload), nil
}

// Read receives one Message from socket. For CmdOpen it validates the
// control message carries exactly one SCM_RIGHTS fd before populating
// msg.FD; EAGAIN is reported as ok=false, err=nil.
func Read(socket int, msg *Message) (ok bool, err error) {
	payload := make([]byte, messageSize)
	oob := make([]byte, unix.CmsgSpace(4))

	n, oobn, _, _, err := unix.Recvmsg(socket, payload, oob, 0)
	if err != nil {
		if err == unix.EAGAIN {
			return false, nil
		}
		return false, err
	}
	if n == 0 {
		return false, ErrShortRead
	}
	if n < messageSize {
		return false, ErrShortRead
	}
	if err := msg.unmarshal(payload); err != nil {
		return false, err
	}

	if msg.Command == CmdOpen {
		cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err != nil {
			return false, err
		}
		if len(cmsgs) != 1 {
			return false, ErrBadControlMessage
		}
		fds, err := unix.ParseUnixRights(&cmsgs[0])
		if err != nil {
			return false, ErrBadControlMessage
		}
		if len(fds) != 1 {
			return false, ErrBadControlMessage
		}
		msg.FD = fds[0]
	}

	return true, nil
}

// Spawner is the out-of-scope external collaborator (§1: "IPC spawning ...
// utility code") responsible for forking/execing a worker process and
// handing back the parent-side fd of a Pair. The core only names the
// interface; no implementation is provided.
type Spawner interface {
	Spawn(command string, pair *Pair) (pid int, err error)
}
