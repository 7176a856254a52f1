// Package pool implements a chained bump-allocator arena: cheap,
// thread-unsafe, per-connection-lifetime memory with no per-allocation
// free. Allocations at or above a size threshold bypass the block chain and
// are served from a separately tracked large list. No call frees a single
// large allocation: the large list, like the blocks, is released only when
// the whole pool is destroyed.
package pool

import (
	"errors"

	"github.com/yylq/lolib/alloc"
)

// DefaultMaxFailed bounds how many times a search may skip a chained block
// before the allocator advances the search start past that block,
// mirroring the original's MAX_FAILED skip counter.
const DefaultMaxFailed = 4

// DefaultLargeThreshold is the boundary at or above which an allocation
// bypasses the block chain entirely and is tracked on the large list.
const DefaultLargeThreshold = 4096

const align = 8

var ErrParam = errors.New("pool: invalid parameter")

type block struct {
	buf    []byte
	last   int
	next   *block
	failed int
}

type largeNode struct {
	buf  []byte
	next *largeNode
}

// Pool is a chained bump arena. The zero value is not usable; use New.
type Pool struct {
	blockSize      int
	maxFailed      int
	largeThreshold int

	head    *block // first block ever allocated, for Destroy's walk
	current *block // block the next small alloc search starts from
	tail    *block

	large *largeNode

	allocs [][]byte // index-addressed for the alloc.Allocator Ref contract

	stat alloc.Stat
}

// New creates a pool whose blocks are blockSize bytes; allocations at or
// above largeThreshold go on the large list instead.
func New(blockSize, largeThreshold int) (*Pool, error) {
	if blockSize <= 0 || largeThreshold <= 0 {
		return nil, ErrParam
	}
	p := &Pool{
		blockSize:      blockSize,
		maxFailed:      DefaultMaxFailed,
		largeThreshold: largeThreshold,
	}
	b := p.newBlock(blockSize)
	p.head, p.current, p.tail = b, b, b
	return p, nil
}

func alignUp(n int) int { return (n + align - 1) &^ (align - 1) }

func (p *Pool) newBlock(size int) *block {
	b := &block{buf: make([]byte, size)}
	p.stat.System += uint64(size)
	return b
}

// allocSmall bump-allocates from the block chain, starting at p.current,
// matching the original's bounded walk-then-retire policy.
func (p *Pool) allocSmall(size int) []byte {
	need := alignUp(size)
	b := p.current
	for b != nil {
		if b.last+need <= len(b.buf) {
			start := b.last
			b.last += need
			return b.buf[start : start+size]
		}
		b.failed++
		if b.failed > p.maxFailed {
			// retire: advance current past this worn-out block
			p.current = b.next
		}
		b = b.next
	}

	blockSize := p.blockSize
	if need > blockSize {
		blockSize = need
	}
	nb := p.newBlock(blockSize)
	p.tail.next = nb
	p.tail = nb
	if p.current == nil {
		p.current = nb
	}
	nb.last = need
	return nb.buf[:size]
}

func (p *Pool) allocLarge(size int) []byte {
	n := &largeNode{buf: make([]byte, size)}
	n.next = p.large
	p.large = n
	p.stat.System += uint64(size)
	return n.buf
}

// AllocBytes returns size bytes, uninitialized, without the Ref indirection
// — the ergonomic entry point for scratch-pool callers (e.g. conn).
func (p *Pool) AllocBytes(size int) []byte {
	var b []byte
	if size >= p.largeThreshold {
		b = p.allocLarge(size)
	} else {
		b = p.allocSmall(size)
	}
	p.stat.Used += uint64(size)
	p.stat.Reqs += uint64(size)
	p.stat.StorageCount++
	return b
}

// CallocBytes is AllocBytes, zeroed.
func (p *Pool) CallocBytes(size int) []byte {
	b := p.AllocBytes(size)
	for i := range b {
		b[i] = 0
	}
	return b
}

// Alloc implements alloc.Allocator.
func (p *Pool) Alloc(size int) (alloc.Ref, error) {
	b := p.AllocBytes(size)
	p.allocs = append(p.allocs, b)
	return alloc.Ref(len(p.allocs)), nil
}

// Calloc implements alloc.Allocator.
func (p *Pool) Calloc(size int) (alloc.Ref, error) {
	b := p.CallocBytes(size)
	p.allocs = append(p.allocs, b)
	return alloc.Ref(len(p.allocs)), nil
}

// Bytes implements alloc.Allocator.
func (p *Pool) Bytes(ref alloc.Ref) []byte {
	return p.allocs[int(ref)-1]
}

// Stat implements alloc.Allocator.
func (p *Pool) Stat() alloc.Stat { return p.stat }

// Destroy releases every block and every large allocation. The Pool must
// not be used afterwards.
func (p *Pool) Destroy() {
	for b := p.head; b != nil; {
		next := b.next
		b.buf = nil
		b = next
	}
	for n := p.large; n != nil; {
		next := n.next
		n.buf = nil
		n = next
	}
	p.head, p.current, p.tail, p.large, p.allocs = nil, nil, nil, nil, nil
}
