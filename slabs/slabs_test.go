package slabs

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yylq/lolib/alloc"
	"github.com/yylq/lolib/pool"
	"github.com/yylq/lolib/shmem"
)

func TestCreateRejectsBadParams(t *testing.T) {
	p, err := pool.New(4096, 4096)
	require.NoError(t, err)
	defer p.Destroy()

	_, err = Create(nil, Power, 16, 1024)
	require.ErrorIs(t, err, ErrCreateParam)

	_, err = Create(p, Power, 0, 1024)
	require.ErrorIs(t, err, ErrCreateParam)

	_, err = Create(p, Power, 1024, 16)
	require.ErrorIs(t, err, ErrCreateParam)
}

func TestAllocPicksSmallestCoveringClass(t *testing.T) {
	p, err := pool.New(1<<16, 1<<16)
	require.NoError(t, err)
	defer p.Destroy()

	c, err := Create(p, Power, 16, 4096)
	require.NoError(t, err)

	var size int
	ref, err := c.Alloc(100, &size)
	require.NoError(t, err)
	require.GreaterOrEqual(t, size, 100)
	// 100+24 header is covered by the 128-byte class (chunk 152), not the
	// 64-byte one (chunk 88).
	require.Equal(t, 128, size)

	b := c.Bytes(ref)
	require.GreaterOrEqual(t, len(b), 100)
}

func TestAllocRejectsOversizeRequest(t *testing.T) {
	p, err := pool.New(4096, 4096)
	require.NoError(t, err)
	defer p.Destroy()

	c, err := Create(p, Power, 16, 1024)
	require.NoError(t, err)

	_, err = c.Alloc(1<<20, nil)
	require.ErrorIs(t, err, ErrAllocInvalidID)
}

func TestFreeReturnsChunkToClassFreelist(t *testing.T) {
	p, err := pool.New(1<<16, 1<<16)
	require.NoError(t, err)
	defer p.Destroy()

	c, err := Create(p, Power, 16, 4096)
	require.NoError(t, err)

	id, ok := c.clsid(100 + chunkHeaderSize)
	require.True(t, ok)

	var size int
	ref, err := c.Alloc(100, &size)
	require.NoError(t, err)
	require.NoError(t, c.Free(id, ref))

	// a second alloc of the same class should be served from the freelist,
	// returning the exact same ref (LIFO reuse).
	ref2, err := c.Alloc(100, &size)
	require.NoError(t, err)
	require.Equal(t, ref, ref2)
}

func TestFreeRejectsUnknownClass(t *testing.T) {
	p, err := pool.New(4096, 4096)
	require.NoError(t, err)
	defer p.Destroy()

	c, err := Create(p, Power, 16, 1024)
	require.NoError(t, err)

	err = c.Free(99, alloc.Ref(1))
	require.ErrorIs(t, err, ErrFreeChunkID)
}

func TestFreeRejectsUnderflow(t *testing.T) {
	p, err := pool.New(4096, 4096)
	require.NoError(t, err)
	defer p.Destroy()

	c, err := Create(p, Power, 16, 1024)
	require.NoError(t, err)

	id, ok := c.clsid(16 + chunkHeaderSize)
	require.True(t, ok)

	err = c.Free(id, alloc.Ref(1))
	require.ErrorIs(t, err, ErrFreeChunkID)
}

// TestRecoverReclaimsFromLowerClassWhenUnderlyingIsExhausted forces
// shmem.Alloc to fail outright (a single oversized split threshold makes
// the first allocation consume the whole region) so that slabs.recover must
// walk downward, free a freelisted chunk from a lower class back to the
// underlying allocator, and retry.
func TestRecoverReclaimsFromLowerClassWhenUnderlyingIsExhausted(t *testing.T) {
	s, err := shmem.Create(shmem.Params{
		TotalSize: 4096,
		MinSize:   64,
		MaxSize:   4096,
		Level:     shmem.Exponential,
		// never split a remainder off: the first request, whatever its
		// size, consumes the entire region as one storage.
		SplitThreshold: 1 << 20,
	})
	require.NoError(t, err)
	defer s.Release()

	c, err := Create(s, Power, 64, 2048)
	require.NoError(t, err)

	var size int
	small, err := c.Alloc(64, &size)
	require.NoError(t, err)
	smallID, ok := c.clsid(64 + chunkHeaderSize)
	require.True(t, ok)
	require.NoError(t, c.Free(smallID, small))

	// shmem now has zero free storage: the small chunk is only freelisted
	// within slabs, not returned to the allocator. A request for a larger,
	// otherwise-empty class must force recover() to walk downward, free the
	// small class's freelisted chunk back to shmem, and retry.
	big, err := c.Alloc(1024, &size)
	require.NoError(t, err)
	require.NotEqual(t, alloc.Nil, big)

	stat := c.Stat()
	require.GreaterOrEqual(t, stat.Recover, uint64(1))
	require.Zero(t, stat.Split, "this workload never calls SplitAlloc")
}

// TestRecoverFailsWithNoSpaceWhenNothingIsFreelisted exhausts the
// underlying allocator with nothing on any class's freelist: recover() has
// no higher class to take from and no lower class to walk down, so it must
// report ErrAllocNoSpace and count the attempt as a failure, not a success.
func TestRecoverFailsWithNoSpaceWhenNothingIsFreelisted(t *testing.T) {
	s, err := shmem.Create(shmem.Params{
		TotalSize:      4096,
		MinSize:        64,
		MaxSize:        4096,
		Level:          shmem.Exponential,
		SplitThreshold: 1 << 20,
	})
	require.NoError(t, err)
	defer s.Release()

	c, err := Create(s, Power, 64, 2048)
	require.NoError(t, err)

	var size int
	_, err = c.Alloc(64, &size)
	require.NoError(t, err)

	_, err = c.Alloc(1024, &size)
	require.ErrorIs(t, err, ErrAllocNoSpace)

	stat := c.Stat()
	require.GreaterOrEqual(t, stat.Recover, uint64(1))
	require.GreaterOrEqual(t, stat.RecoverFailed, uint64(1))
	require.EqualValues(t, 1, stat.Failed)
}

func TestSplitAllocChunkFreesThroughSplitID(t *testing.T) {
	s, err := shmem.Create(shmem.Params{
		TotalSize:      1 << 16,
		MinSize:        64,
		MaxSize:        1 << 14,
		Level:          shmem.Exponential,
		SplitThreshold: 64,
	})
	require.NoError(t, err)
	defer s.Release()

	c, err := Create(s, Power, 16, 4096)
	require.NoError(t, err)

	ref, actual, err := c.SplitAlloc(100, 100)
	require.NoError(t, err)
	require.GreaterOrEqual(t, actual, 100)

	require.NoError(t, c.Free(SplitID, ref))
}
