package conn

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestResetTogglesInstanceParity is invariant 6 verbatim: reusing a slot
// must flip both events' instance parity, so a kernel notification tagged
// with the previous occupant's instance is detectably stale.
func TestResetTogglesInstanceParity(t *testing.T) {
	c := New(10)
	require.EqualValues(t, 1, c.Read.Instance)
	require.EqualValues(t, 1, c.Write.Instance)

	c.reset(11)
	require.Equal(t, 11, c.FD)
	require.EqualValues(t, 0, c.Read.Instance, "reuse must flip the prior parity bit")
	require.EqualValues(t, 0, c.Write.Instance)
	require.True(t, c.Write.WriteDir, "write event direction survives reset")
	require.Same(t, c, c.Read.Data)
	require.Same(t, c, c.Write.Data)
	require.False(t, c.Read.Active)
	require.False(t, c.Read.Ready)

	c.reset(12)
	require.EqualValues(t, 1, c.Read.Instance, "a second reuse flips parity back")
	require.EqualValues(t, 1, c.Write.Instance)
}

func TestResetClearsPerConnectionState(t *testing.T) {
	c := New(10)
	c.Sendfile = true
	c.TCPNoDelay = Set
	c.TCPNoPush = Set
	c.Listening = &Listener{}
	c.Sent = 4096
	c.PeerAddr = nil

	c.reset(20)
	require.False(t, c.Sendfile)
	require.Equal(t, Unset, c.TCPNoDelay)
	require.Equal(t, Unset, c.TCPNoPush)
	require.Nil(t, c.Listening)
	require.EqualValues(t, 0, c.Sent)
	require.Nil(t, c.PeerAddr)
}

// TestConnPoolAcquireReuseTogglesParityAcrossCycles exercises invariant 6
// through the pool: the same backing slot alternates instance parity every
// time it is handed out, matching what the reactor relies on to drop a
// notification that targets the connection occupying this slot previously.
func TestConnPoolAcquireReuseTogglesParityAcrossCycles(t *testing.T) {
	p, err := NewConnPool(1)
	require.NoError(t, err)
	require.EqualValues(t, 1, p.conns[0].Read.Instance, "freshly allocated slots start at instance 1")

	first, err := p.Get(100)
	require.NoError(t, err)
	require.EqualValues(t, 0, first.Read.Instance)

	p.Put(first)

	second, err := p.Get(101)
	require.NoError(t, err)
	require.Same(t, first, second, "LIFO freelist hands back the same slot")
	require.EqualValues(t, 1, second.Read.Instance, "the second acquire flips parity again")
}

func TestNewConnPoolRejectsNonPositiveSize(t *testing.T) {
	_, err := NewConnPool(0)
	require.ErrorIs(t, err, ErrParam)

	_, err = NewConnPool(-1)
	require.ErrorIs(t, err, ErrParam)
}

func TestConnPoolGetExhaustsLocalFreelist(t *testing.T) {
	p, err := NewConnPool(2)
	require.NoError(t, err)

	_, err = p.Get(1)
	require.NoError(t, err)
	_, err = p.Get(2)
	require.NoError(t, err)

	require.Equal(t, 0, p.Free())
	require.Equal(t, 2, p.Used())
}

// TestConnPoolExactlyBalancedNeverBorrows is Open Question (a) verbatim: a
// pool whose changeN sits at exactly zero must report exhaustion rather
// than reach into the shared commonPool, even though the check guarding
// the borrow path is a strict "< 0".
func TestConnPoolExactlyBalancedNeverBorrows(t *testing.T) {
	p, err := NewConnPool(1)
	require.NoError(t, err)

	_, err = p.Get(1)
	require.NoError(t, err)
	require.Equal(t, 0, p.ChangeN())

	_, err = p.Get(2)
	require.ErrorIs(t, err, ErrPoolExhausted)
}

// TestConnPoolBorrowsFromCommonPoolWhenShort is Open Question (a)'s other
// half: once Out has pushed a pool's changeN negative, Get must borrow the
// shortfall from the shared commonPool instead of failing outright.
func TestConnPoolBorrowsFromCommonPoolWhenShort(t *testing.T) {
	// donate a connection into the shared commonPool via a second,
	// over-quota pool releasing its only connection.
	donor, err := NewConnPool(1)
	require.NoError(t, err)
	donated, err := donor.Get(200)
	require.NoError(t, err)
	donor.In(1)
	require.Equal(t, 1, donor.ChangeN())
	donor.Put(donated)
	require.Equal(t, 0, donor.ChangeN(), "donating a connection consumes the over-quota unit")

	pool, err := NewConnPool(1)
	require.NoError(t, err)
	_, err = pool.Get(201)
	require.NoError(t, err)
	require.Equal(t, 0, pool.Free())

	pool.Out(1)
	require.Equal(t, -1, pool.ChangeN())

	borrowed, err := pool.Get(202)
	require.NoError(t, err)
	require.NotNil(t, borrowed)
	require.Equal(t, 0, pool.ChangeN(), "borrowing the single donated connection rebalances changeN to zero")
}

func TestConnPoolGetFailsWhenCommonPoolAlsoEmpty(t *testing.T) {
	p, err := NewConnPool(1)
	require.NoError(t, err)
	_, err = p.Get(1)
	require.NoError(t, err)

	p.Out(1)
	require.Equal(t, -1, p.ChangeN())

	_, err = p.Get(2)
	require.ErrorIs(t, err, ErrPoolExhausted)
}

func TestConnPoolOutAndInAdjustChangeNAndUsedN(t *testing.T) {
	p, err := NewConnPool(3)
	require.NoError(t, err)

	p.Out(2)
	require.Equal(t, -2, p.ChangeN())
	require.Equal(t, -2, p.Used())

	p.In(5)
	require.Equal(t, 3, p.ChangeN())
	require.Equal(t, 3, p.Used())
}
