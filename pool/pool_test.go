package pool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRejectsBadParams(t *testing.T) {
	_, err := New(0, 4096)
	require.ErrorIs(t, err, ErrParam)

	_, err = New(4096, 0)
	require.ErrorIs(t, err, ErrParam)
}

func TestAllocBytesServesFromBlockChain(t *testing.T) {
	p, err := New(1024, 4096)
	require.NoError(t, err)
	defer p.Destroy()

	a := p.AllocBytes(32)
	b := p.AllocBytes(32)
	require.Len(t, a, 32)
	require.Len(t, b, 32)

	// bump allocation: writing through a must not alias b.
	for i := range a {
		a[i] = 0xAA
	}
	for i := range b {
		b[i] = 0xBB
	}
	require.Equal(t, byte(0xAA), a[0])
	require.Equal(t, byte(0xBB), b[0])
}

func TestCallocBytesZeroes(t *testing.T) {
	p, err := New(1024, 4096)
	require.NoError(t, err)
	defer p.Destroy()

	b := p.CallocBytes(64)
	for _, v := range b {
		require.Zero(t, v)
	}
}

func TestAllocBytesSpillsIntoNewBlockWhenCurrentIsFull(t *testing.T) {
	p, err := New(64, 4096)
	require.NoError(t, err)
	defer p.Destroy()

	// 48 bytes (already aligned) fit once in a 64 byte block but not twice,
	// so every call after the first should force a fresh block.
	for i := 0; i < 8; i++ {
		b := p.AllocBytes(48)
		require.Len(t, b, 48)
	}

	stat := p.Stat()
	require.Greater(t, stat.System, uint64(64))
}

func TestAllocBytesAboveThresholdGoesOnLargeList(t *testing.T) {
	p, err := New(1024, 512)
	require.NoError(t, err)
	defer p.Destroy()

	b := p.AllocBytes(1024)
	require.Len(t, b, 1024)

	stat := p.Stat()
	require.GreaterOrEqual(t, stat.System, uint64(1024))
}

func TestAllocatorInterfaceRoundTrip(t *testing.T) {
	p, err := New(1024, 4096)
	require.NoError(t, err)
	defer p.Destroy()

	ref, err := p.Alloc(16)
	require.NoError(t, err)
	b := p.Bytes(ref)
	require.Len(t, b, 16)

	ref2, err := p.Calloc(16)
	require.NoError(t, err)
	for _, v := range p.Bytes(ref2) {
		require.Zero(t, v)
	}
	require.NotEqual(t, ref, ref2)
}

func TestDestroyClearsState(t *testing.T) {
	p, err := New(1024, 4096)
	require.NoError(t, err)
	_ = p.AllocBytes(16)
	p.Destroy()
	require.Nil(t, p.head)
	require.Nil(t, p.current)
}
