// Package conn layers connection records, listening sockets, and a
// cross-worker donating connection pool on top of package reactor: a
// Conn pairs an fd with its read/write events, the send/recv function
// surface (memory vs sendfile), a per-connection scratch pool, and the
// bookkeeping the reactor needs to detect a stale event.
package conn

import (
	"errors"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/yylq/lolib/chainio"
	"github.com/yylq/lolib/locks"
	"github.com/yylq/lolib/logging"
	"github.com/yylq/lolib/pool"
	"github.com/yylq/lolib/reactor"
)

// Defaults mirroring fast_conn.h.
const (
	DefaultRcvbuf   = 64 << 10
	DefaultSndbuf   = 64 << 10
	DefaultPoolSize = 2048
	DefaultBacklog  = 2048

	// DefaultRetries/DefaultRetryDelay are the listen-bind retry policy
	// (fast_conn_listen.c: 5 tries, 500ms, EADDRINUSE only).
	DefaultRetries    = 5
	DefaultRetryDelay = 500 * time.Millisecond

	defaultScratchBlock = 4096
	defaultScratchLarge = 4096
)

// TriState mirrors CONN_TCP_NODELAY_*/CONN_TCP_NOPUSH_*: unset (never
// touched), set, or disabled (forced off, e.g. for a non-AF_INET peer).
type TriState int

const (
	Unset TriState = iota
	Set
	Disabled
)

var (
	ErrParam         = errors.New("conn: invalid parameter")
	ErrAgain         = errors.New("conn: not ready")
	ErrPoolExhausted = errors.New("conn: connection pool exhausted")
)

// Conn is one connection record.
type Conn struct {
	reactor.Conn // FD, Read, Write

	// Sendfile is true once ConnectPeer has installed this Conn's
	// send-side function surface as sendfile-capable, matching the
	// original's c->sendfile bit.
	Sendfile bool

	TCPNoDelay TriState
	TCPNoPush  TriState

	Listening *Listener
	Sent      int64

	// Pool is the connection's scratch arena, owned by the connection:
	// its lifetime is close -> release for that connection.
	Pool *pool.Pool
	Log  *logging.Logger

	PeerAddr net.Addr

	loop *reactor.Loop
	next *Conn // freelist / donation link
}

// reset reinitializes c for reuse with fd s, toggling each event's instance
// parity so a stale kernel notification targeting the previous occupant of
// this slot is detected and dropped (the reactor's sole use-after-free
// defense).
func (c *Conn) reset(s int) {
	prevInstance := c.Read.Instance
	*c.Read = reactor.Event{}
	*c.Write = reactor.Event{}
	c.Read.Instance = prevInstance ^ 1
	c.Write.Instance = prevInstance ^ 1
	c.Write.WriteDir = true
	c.Read.Data = c
	c.Write.Data = c

	c.Conn.FD = s
	c.Sendfile = false
	c.TCPNoDelay = Unset
	c.TCPNoPush = Unset
	c.Listening = nil
	c.Sent = 0
	c.PeerAddr = nil
	c.loop = nil
}

// Recv reads up to len(buf) bytes, matching sysio_unix_recv: EINTR retried
// transparently, EAGAIN reported as ErrAgain, n==0 reported as (0, nil)
// (peer performed an orderly shutdown).
func (c *Conn) Recv(buf []byte) (int, error) {
	for {
		n, err := unix.Read(c.FD, buf)
		if err == nil {
			return n, nil
		}
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return 0, ErrAgain
		}
		return 0, err
	}
}

// Send writes buf via a single send, matching sysio_unix_send: EINTR
// retried, EAGAIN clears write-readiness and reports ErrAgain, and a short
// or zero write also clears write-readiness without being an error (the
// kernel sendbuf is momentarily full).
func (c *Conn) Send(buf []byte) (int, error) {
	for {
		n, err := unix.Write(c.FD, buf)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN {
				c.Write.Ready = false
				return 0, ErrAgain
			}
			return 0, err
		}
		if n == 0 || n < len(buf) {
			c.Write.Ready = false
		}
		return n, nil
	}
}

// RecvChain fills the writable tail of chain via a single readv.
func (c *Conn) RecvChain(chain *chainio.Chain) (int, error) {
	n, err := chainio.ReadvChain(c.FD, chain)
	if err != nil {
		if err == chainio.ErrAgain {
			return 0, ErrAgain
		}
		return 0, err
	}
	return n, nil
}

// SendChain writes the leading memory run of chain via writev_chain,
// accumulating c.Sent and clearing c.Write.Ready on EAGAIN.
func (c *Conn) SendChain(chain *chainio.Chain, limit int) (*chainio.Chain, error) {
	rem, n, err := chainio.WritevChain(c.FD, chain, limit, &c.Write.Ready)
	c.Sent += n
	return rem, err
}

// SendfileChain writes the leading file run of chain via sendfile_chain.
func (c *Conn) SendfileChain(chain *chainio.Chain, fileFD int, limit int) (*chainio.Chain, error) {
	rem, n, err := chainio.SendfileChain(c.FD, chain, fileFD, limit, &c.Write.Ready)
	c.Sent += n
	return rem, err
}

// ChainOutput walks chain end to end, alternating writev_chain and
// sendfile_chain runs according to each buffer's kind.
func (c *Conn) ChainOutput(chain *chainio.Chain, fileFD int, limit int) (*chainio.Chain, error) {
	rem, n, err := chainio.ChainOutput(c.FD, chain, fileFD, limit, &c.Write.Ready)
	c.Sent += n
	return rem, err
}

// SetNoDelay enables TCP_NODELAY.
func (c *Conn) SetNoDelay() error {
	if err := unix.SetsockoptInt(c.FD, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		return err
	}
	c.TCPNoDelay = Set
	return nil
}

// SetDelay disables TCP_NODELAY.
func (c *Conn) SetDelay() error {
	if err := unix.SetsockoptInt(c.FD, unix.IPPROTO_TCP, unix.TCP_NODELAY, 0); err != nil {
		return err
	}
	c.TCPNoDelay = Unset
	return nil
}

// SetNoPush enables TCP_CORK.
func (c *Conn) SetNoPush() error {
	if err := unix.SetsockoptInt(c.FD, unix.IPPROTO_TCP, unix.TCP_CORK, 1); err != nil {
		return err
	}
	c.TCPNoPush = Set
	return nil
}

// SetPush disables TCP_CORK.
func (c *Conn) SetPush() error {
	if err := unix.SetsockoptInt(c.FD, unix.IPPROTO_TCP, unix.TCP_CORK, 0); err != nil {
		return err
	}
	c.TCPNoPush = Unset
	return nil
}

// Close closes the fd, removes any armed timers, and deregisters from the
// reactor — skipping the kernel deregister call when flags carries
// FlagCloseEvent (the fd is already gone, e.g. the kernel closed it).
func (c *Conn) Close(timers *reactor.Timers, flags reactor.Flags) error {
	if c.FD < 0 {
		return nil
	}
	err := unix.Close(c.FD)

	if timers != nil {
		timers.Del(c.Read)
		timers.Del(c.Write)
	}
	if c.loop != nil {
		c.loop.DeleteConn(&c.Conn, flags)
	}
	c.Conn.FD = -1
	return err
}

// Release closes c and destroys its scratch pool. c must not be used
// afterwards except to be returned to a ConnPool.
func (c *Conn) Release(timers *reactor.Timers, flags reactor.Flags) error {
	err := c.Close(timers, flags)
	if c.Pool != nil {
		c.Pool.Destroy()
		c.Pool = nil
	}
	return err
}

// Listener is one listening socket opened by Listen.
type Listener struct {
	FD      int
	Addr    *net.TCPAddr
	Backlog int
	Rcvbuf  int
	Sndbuf  int

	ConnPoolSize int

	Log *logging.Logger
}

// ListenConfig mirrors conn_listening_add's tunables.
type ListenConfig struct {
	Addr    string // host:port, e.g. "0.0.0.0:8080"
	Backlog int    // <=0 -> DefaultBacklog

	// Rcvbuf/Sndbuf are clamped up (never down) to DefaultRcvbuf/
	// DefaultSndbuf, matching the original's minimums.
	Rcvbuf int
	Sndbuf int

	// Retries/RetryDelay tune the EADDRINUSE bind-retry loop; <=0 selects
	// DefaultRetries/DefaultRetryDelay.
	Retries    int
	RetryDelay time.Duration
}

// ListenError wraps a bind failure that persisted across every retry.
type ListenError struct {
	Addr  string
	Cause error
}

func (e *ListenError) Error() string {
	return "conn: listen bind failed on " + e.Addr + ": " + e.Cause.Error()
}
func (e *ListenError) Unwrap() error { return e.Cause }

// Listen opens a non-blocking IPv4 TCP listening socket per cfg:
// SO_REUSEADDR is always set before bind, rcvbuf/sndbuf are clamped up to
// the package minimums, and bind is attempted up to cfg.Retries times in
// all, sleeping cfg.RetryDelay after each EADDRINUSE failure (any other bind
// error is returned immediately).
func Listen(cfg ListenConfig, log *logging.Logger) (*Listener, error) {
	addr, err := net.ResolveTCPAddr("tcp4", cfg.Addr)
	if err != nil {
		return nil, err
	}

	rcvbuf := cfg.Rcvbuf
	if rcvbuf < DefaultRcvbuf {
		rcvbuf = DefaultRcvbuf
	}
	sndbuf := cfg.Sndbuf
	if sndbuf < DefaultSndbuf {
		sndbuf = DefaultSndbuf
	}
	backlog := cfg.Backlog
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	retries := cfg.Retries
	if retries <= 0 {
		retries = DefaultRetries
	}
	delay := cfg.RetryDelay
	if delay <= 0 {
		delay = DefaultRetryDelay
	}

	var sa unix.SockaddrInet4
	sa.Port = addr.Port
	copy(sa.Addr[:], addr.IP.To4())

	var lastErr error
	for try := 0; try < retries; try++ {
		fd, ferr := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
		if ferr != nil {
			return nil, ferr
		}

		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			unix.Close(fd)
			return nil, err
		}
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, rcvbuf); err != nil && log != nil {
			log.Alert().Err(err).Log("listen: SO_RCVBUF failed, ignored")
		}
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, sndbuf); err != nil && log != nil {
			log.Alert().Err(err).Log("listen: SO_SNDBUF failed, ignored")
		}
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fd)
			return nil, err
		}

		if err := unix.Bind(fd, &sa); err != nil {
			unix.Close(fd)
			if err != unix.EADDRINUSE {
				return nil, err
			}
			lastErr = err
			if log != nil {
				log.Notice().Log("listen: bind failed, try again after 500ms")
			}
			time.Sleep(delay)
			continue
		}

		if err := unix.Listen(fd, backlog); err != nil {
			unix.Close(fd)
			return nil, err
		}

		return &Listener{
			FD:           fd,
			Addr:         addr,
			Backlog:      backlog,
			Rcvbuf:       rcvbuf,
			Sndbuf:       sndbuf,
			ConnPoolSize: DefaultPoolSize,
			Log:          log,
		}, nil
	}

	return nil, &ListenError{Addr: cfg.Addr, Cause: lastErr}
}

// Close closes the listening socket.
func (l *Listener) Close() error { return unix.Close(l.FD) }

// Peer describes an outbound connection target for ConnectPeer.
type Peer struct {
	Addr *net.TCPAddr
}

// ConnectPeer creates a non-blocking socket, registers c with loop before
// issuing connect (so a same-syscall completion is observed), and connects
// to peer. EINPROGRESS is reported as ErrAgain, matching the original's
// AGAIN return; the caller completes the handshake by waiting for
// write-readiness and checking SO_ERROR.
func ConnectPeer(c *Conn, peer Peer, loop *reactor.Loop) error {
	if c.FD < 0 {
		fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
		if err != nil {
			return err
		}
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fd)
			return err
		}
		c.reset(fd)
		c.Sendfile = true
		if peer.Addr.IP.To4() == nil {
			c.TCPNoPush = Disabled
			c.TCPNoDelay = Disabled
		}
	}
	c.PeerAddr = peer.Addr
	c.loop = loop
	c.Read.Active = true
	c.Write.Active = true

	if err := loop.AddConn(&c.Conn); err != nil {
		return err
	}

	var sa unix.SockaddrInet4
	sa.Port = peer.Addr.Port
	copy(sa.Addr[:], peer.Addr.IP.To4())

	err := unix.Connect(c.FD, &sa)
	if err != nil {
		if err == unix.EINPROGRESS {
			return ErrAgain
		}
		return err
	}
	c.Write.Ready = true
	return nil
}

// newScratchPool builds the small per-connection bump arena handed out by a
// ConnPool on first use of a slot.
func newScratchPool() *pool.Pool {
	p, _ := pool.New(defaultScratchBlock, defaultScratchLarge)
	return p
}

// commonPool is the process-wide donation reservoir (comm_conn_pool):
// a singleton, initialized when the package is loaded, guarded by its own
// spin lock.
var commonPool = newCommonPool()

type commonConnPool struct {
	lockState uint64
	lock      *locks.SpinLock

	free   *Conn
	freeN  int
}

func newCommonPool() *commonConnPool {
	p := &commonConnPool{}
	p.lock = locks.NewSpinLock(&p.lockState)
	return p
}

func (p *commonConnPool) put(c *Conn) {
	p.lock.On()
	c.next = p.free
	p.free = c
	p.freeN++
	p.lock.Off()
}

// get borrows up to n connections from the common pool, returning the
// borrowed list head and how many were actually taken.
func (p *commonConnPool) get(n int) (*Conn, int) {
	p.lock.On()
	defer p.lock.Off()

	if p.freeN == 0 {
		return nil, 0
	}
	if n >= p.freeN {
		c := p.free
		num := p.freeN
		p.free, p.freeN = nil, 0
		return c, num
	}

	head := p.free
	cur := head
	for i := 1; i < n; i++ {
		cur = cur.next
	}
	rest := cur.next
	cur.next = nil
	p.free = rest
	p.freeN -= n
	return head, n
}

// ConnPool is a pre-allocated array of connections with a LIFO freelist and
// a change_n quota counter: negative means the pool is short and will
// borrow from the shared commonPool; positive means it is over quota and
// donates released connections there instead of its own freelist; zero is
// balanced.
type ConnPool struct {
	conns []Conn

	free   *Conn
	freeN  int
	usedN  int
	changeN int
}

// NewConnPool pre-allocates n connections (and, intrusively, their 2n
// events), linked as a LIFO freelist.
func NewConnPool(n int) (*ConnPool, error) {
	if n <= 0 {
		return nil, ErrParam
	}
	p := &ConnPool{conns: make([]Conn, n)}
	reads := make([]reactor.Event, n)
	writes := make([]reactor.Event, n)
	for i := range p.conns {
		c := &p.conns[i]
		c.Conn.FD = -1
		c.Conn.Read = &reads[i]
		c.Conn.Write = &writes[i]
		c.Read.Instance = 1
		c.Write.WriteDir = true
		if i < n-1 {
			c.next = &p.conns[i+1]
		}
	}
	p.free = &p.conns[0]
	p.freeN = n
	return p, nil
}

// Get pops a connection off the local freelist; if empty and changeN is
// negative (the pool is short of quota), it borrows up to |changeN| more
// from the process-wide commonPool. A pool sitting at exactly zero quota
// never borrows — preserved literally from the original, which treats an
// exactly-balanced pool as simply exhausted rather than short.
func (p *ConnPool) Get(fd int) (*Conn, error) {
	c := p.free
	if c == nil {
		if p.changeN >= 0 {
			return nil, ErrPoolExhausted
		}
		borrowed, num := commonPool.get(-p.changeN)
		if borrowed == nil {
			return nil, ErrPoolExhausted
		}
		p.free = borrowed
		p.freeN += num
		p.changeN += num
		c = p.free
	}
	p.free = c.next
	p.freeN--
	p.usedN++
	c.reset(fd)
	return c, nil
}

// Put returns c to the pool: to the common donation reservoir if changeN is
// positive (over quota), otherwise to the local freelist.
func (p *ConnPool) Put(c *Conn) {
	if p.changeN > 0 {
		p.usedN--
		commonPool.put(c)
		p.changeN--
		return
	}
	c.next = p.free
	p.free = c
	p.freeN++
	p.usedN--
}

// Out decrements the pool's quota by n (this worker is giving up n slots of
// capacity to the common reservoir).
func (p *ConnPool) Out(n int) {
	p.changeN -= n
	p.usedN -= n
}

// In increments the pool's quota by n.
func (p *ConnPool) In(n int) {
	p.changeN += n
	p.usedN += n
}

// Stats mirror the original's bookkeeping fields, for introspection.
func (p *ConnPool) Free() int    { return p.freeN }
func (p *ConnPool) Used() int    { return p.usedN }
func (p *ConnPool) ChangeN() int { return p.changeN }

// New wraps fd as a Conn outside of any ConnPool (e.g. for a single
// long-lived outbound connection), giving it its own scratch pool.
func New(fd int) *Conn {
	c := &Conn{}
	c.Conn.FD = fd
	c.Conn.Read = &reactor.Event{Instance: 1}
	c.Conn.Write = &reactor.Event{Instance: 1, WriteDir: true}
	c.Pool = newScratchPool()
	return c
}
