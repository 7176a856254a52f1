// Package alloc defines the common allocator contract shared by shmem, pool
// and the slab cache. Concrete allocators implement the subset of the
// interfaces below their variant supports; callers are expected to respect
// the published capability matrix rather than type-assert blindly.
package alloc

import "fmt"

// Ref is an opaque handle to a live allocation. Its zero value never refers
// to a live allocation. Concrete allocators are free to interpret the bits
// however suits their storage model (shmem uses it as a 1-based storage
// index, pool as a 1-based index into its list of allocations); callers must only pass a Ref back to
// the allocator that produced it.
type Ref uint64

// Nil is the zero Ref, guaranteed not to name a live allocation.
const Nil Ref = 0

// Stat mirrors the shmem_stat_t / slab_stat_t record named in the external
// interfaces: every concrete allocator fills in whichever fields make sense
// for its variant and zeroes the rest.
type Stat struct {
	Total         uint64 // total region size, including system overhead
	System        uint64 // bytes reserved for descriptors/metadata
	Used          uint64 // bytes currently allocated (payload only)
	Reqs          uint64 // bytes requested (may be <= Used due to rounding)
	StorageCount  uint64 // number of live allocations (storages/chunks)
	StorageSize   uint64 // sum of storage/chunk header overhead
	Failed        uint64 // failed alloc attempts
	Split         uint64 // successful split_alloc calls
	SplitFailed   uint64 // failed split_alloc calls
	Recover       uint64 // slabs: cross-class reclamation attempts (up+down walk of recover())
	RecoverFailed uint64 // slabs: reclamation attempts that freed nothing, forcing ErrAllocNoSpace
}

// Allocator is the capability every variant implements unconditionally.
type Allocator interface {
	// Alloc returns size bytes, uninitialized.
	Alloc(size int) (Ref, error)
	// Calloc returns size bytes, zeroed.
	Calloc(size int) (Ref, error)
	// Bytes returns the live slice backing ref. Its length is the
	// allocation's actual size, which may exceed the requested size.
	Bytes(ref Ref) []byte
	// Stat populates a snapshot of the allocator's bookkeeping counters.
	Stat() Stat
}

// Freer is implemented by allocators that support freeing individual
// allocations. pool and commpool do not implement it: they are
// destroyed as a whole.
type Freer interface {
	Free(ref Ref) error
}

// Splitter is implemented by allocators that support split_alloc: handing
// back the largest available free storage whole, for callers that can use
// any size >= minSize (the path by which slab chunks are sized to fit
// whatever fragmentation exists).
type Splitter interface {
	SplitAlloc(minSize int) (ref Ref, actual int, err error)
}

// Error is a typed error carrying the subsystem-specific code alongside a
// human string, following the teacher's PanicError pattern of a thin wrapper
// that still composes with errors.Is/errors.As via Unwrap.
type Error struct {
	Op    string // the failing operation, e.g. "shmem.Alloc"
	Code  error  // sentinel error identifying the failure class
	Cause error  // underlying cause, if any (e.g. a syscall error)
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Code, e.Cause)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Code)
}

func (e *Error) Unwrap() error { return e.Code }

// Is supports errors.Is(err, SomeSentinel) matching against the Code field,
// in addition to the default Unwrap-based chain.
func (e *Error) Is(target error) bool {
	return e.Code == target
}
