// Package slabs implements a size-classed object cache layered over any
// alloc.Allocator, with adaptive cross-class reclamation when the
// underlying allocator is exhausted.
package slabs

import (
	"errors"
	"sort"

	"github.com/yylq/lolib/alloc"
)

// RecoverFactor is the multiple of the requested class's chunk size that
// downward reclamation must free before it stops and retries the alloc.
const RecoverFactor = 2

// SplitID is the class id a caller passes to Free for a chunk obtained via
// SplitAlloc rather than from a class: such a Free bypasses the class
// freelists entirely.
const SplitID = -1

// UpType selects how class sizes are generated.
type UpType int

const (
	Power  UpType = iota // factor = 2, multiplicative
	Linear               // factor = 1024, additive
)

var (
	ErrCreateParam    = errors.New("slabs: invalid create parameter")
	ErrAllocInvalidID = errors.New("slabs: no class covers the requested size")
	ErrAllocFailed    = errors.New("slabs: underlying allocator failed")
	ErrAllocNoSpace   = errors.New("slabs: reclamation exhausted, no space")
	ErrFreeChunkID    = errors.New("slabs: chunk underflow on free")
)

const chunkHeaderSize = 24

type chunkHeader struct {
	size     int
	reqSize  int
	id       int
	freeNext int // index into that class's freelist linkage; -1 sentinel within slice
}

type class struct {
	chunkSize int
	freelist  []alloc.Ref     // free chunks (LIFO)
	headers   map[alloc.Ref]*chunkHeader
	used      int
	free      int
}

// Cache is a slab cache over an underlying allocator.
type Cache struct {
	underlying alloc.Allocator
	classes    []class
	stat       alloc.Stat
}

// Create builds the class array: item sizes start at itemMin and are
// multiplied (Power, factor 2) or added (Linear, factor 1024) until they
// cover itemMax, the last one clamped to itemMax. No alignment is applied to
// the sizes. Each class size already includes the chunk header.
func Create(underlying alloc.Allocator, up UpType, itemMin, itemMax int) (*Cache, error) {
	if underlying == nil || itemMin <= 0 || itemMax < itemMin {
		return nil, ErrCreateParam
	}
	c := &Cache{underlying: underlying}
	size := itemMin
	for {
		c.classes = append(c.classes, class{
			chunkSize: size + chunkHeaderSize,
			headers:   make(map[alloc.Ref]*chunkHeader),
		})
		if size >= itemMax {
			break
		}
		switch up {
		case Power:
			size *= 2
		default:
			size += 1024
		}
		if size > itemMax {
			size = itemMax
		}
	}
	return c, nil
}

// clsid finds the smallest class whose chunk size covers req (+ header),
// by binary search over the class array for both Power and Linear caches.
// There is no round-down (insert-style) lookup.
func (c *Cache) clsid(reqWithHeader int) (int, bool) {
	n := len(c.classes)
	if n == 0 {
		return 0, false
	}
	if reqWithHeader <= c.classes[0].chunkSize {
		return 0, true
	}
	if reqWithHeader > c.classes[n-1].chunkSize {
		return 0, false
	}
	idx := sort.Search(n, func(i int) bool {
		return c.classes[i].chunkSize >= reqWithHeader
	})
	if idx == n {
		return 0, false
	}
	return idx, true
}

// Alloc returns a chunk able to hold req bytes, out of the smallest class
// that covers it. size receives the class's actual chunk capacity (payload
// bytes, header excluded).
func (c *Cache) Alloc(req int, size *int) (alloc.Ref, error) {
	id, ok := c.clsid(req + chunkHeaderSize)
	if !ok {
		return alloc.Nil, ErrAllocInvalidID
	}
	cl := &c.classes[id]

	if n := len(cl.freelist); n > 0 {
		ref := cl.freelist[n-1]
		cl.freelist = cl.freelist[:n-1]
		cl.free--
		cl.used++
		cl.headers[ref].reqSize = req
		c.stat.Used += uint64(cl.chunkSize)
		c.stat.Reqs += uint64(req)
		if size != nil {
			*size = cl.chunkSize - chunkHeaderSize
		}
		return ref, nil
	}

	ref, err := c.underlying.Alloc(cl.chunkSize)
	if err != nil {
		if rerr := c.recover(id); rerr != nil {
			c.stat.Failed++
			return alloc.Nil, rerr
		}
		// retry once after reclamation freed space
		ref, err = c.underlying.Alloc(cl.chunkSize)
		if err != nil {
			c.stat.Failed++
			return alloc.Nil, ErrAllocFailed
		}
	}

	cl.headers[ref] = &chunkHeader{size: cl.chunkSize, reqSize: req, id: id}
	cl.used++
	c.stat.Used += uint64(cl.chunkSize)
	c.stat.Reqs += uint64(req)
	c.stat.StorageCount++
	if size != nil {
		*size = cl.chunkSize - chunkHeaderSize
	}
	return ref, nil
}

// recover walks id+1..L-1 freeing exactly one chunk from the first
// non-empty higher class; if none yields anything, it walks id-1..0
// downward freeing chunks from each class until RecoverFactor*chunkSize
// bytes have been freed. Returns ErrAllocNoSpace if both directions are
// exhausted.
func (c *Cache) recover(id int) error {
	c.stat.Recover++

	for j := id + 1; j < len(c.classes); j++ {
		cl := &c.classes[j]
		if n := len(cl.freelist); n > 0 {
			ref := cl.freelist[n-1]
			cl.freelist = cl.freelist[:n-1]
			cl.free--
			delete(cl.headers, ref)
			if err := c.underlying.(alloc.Freer).Free(ref); err != nil {
				c.stat.RecoverFailed++
				return ErrAllocNoSpace
			}
			return nil
		}
	}

	freer, ok := c.underlying.(alloc.Freer)
	if !ok {
		c.stat.RecoverFailed++
		return ErrAllocNoSpace
	}

	target := int64(RecoverFactor) * int64(c.classes[id].chunkSize)
	var freed int64
	foundAny := false
	for j := id - 1; j >= 0 && freed < target; j-- {
		cl := &c.classes[j]
		for len(cl.freelist) > 0 {
			n := len(cl.freelist)
			ref := cl.freelist[n-1]
			cl.freelist = cl.freelist[:n-1]
			cl.free--
			delete(cl.headers, ref)
			if err := freer.Free(ref); err != nil {
				c.stat.RecoverFailed++
				return ErrAllocNoSpace
			}
			freed += int64(cl.chunkSize)
			foundAny = true
			if freed >= target {
				break
			}
		}
	}
	if !foundAny {
		c.stat.RecoverFailed++
		return ErrAllocNoSpace
	}
	return nil
}

// SplitAlloc forwards to the underlying allocator's SplitAlloc. The cache
// records no tag for the returned chunk: the caller frees it with
// Free(SplitID, ref), which routes it straight back to the underlying
// allocator instead of a class freelist. req is not used.
func (c *Cache) SplitAlloc(req, minSize int) (alloc.Ref, int, error) {
	splitter, ok := c.underlying.(alloc.Splitter)
	if !ok {
		return alloc.Nil, 0, ErrAllocFailed
	}
	ref, actual, err := splitter.SplitAlloc(minSize)
	if err != nil {
		c.stat.SplitFailed++
		return alloc.Nil, 0, err
	}
	c.stat.Split++
	return ref, actual, nil
}

// Bytes returns the usable payload for ref (header bytes excluded).
func (c *Cache) Bytes(ref alloc.Ref) []byte {
	b := c.underlying.Bytes(ref)
	if len(b) > chunkHeaderSize {
		return b[chunkHeaderSize:]
	}
	return b
}

// Free returns ref to its class freelist, or to the underlying allocator
// directly if it was obtained via SplitAlloc.
func (c *Cache) Free(id int, ref alloc.Ref) error {
	if id == SplitID {
		freer, ok := c.underlying.(alloc.Freer)
		if !ok {
			return ErrFreeChunkID
		}
		return freer.Free(ref)
	}
	if id < 0 || id >= len(c.classes) {
		return ErrFreeChunkID
	}
	cl := &c.classes[id]
	if cl.used == 0 {
		return ErrFreeChunkID
	}
	cl.used--
	cl.free++
	cl.freelist = append(cl.freelist, ref)
	c.stat.Used -= uint64(cl.chunkSize)
	return nil
}

// Stat returns a snapshot of the cache's bookkeeping counters. Recover/
// RecoverFailed track cross-class reclamation attempts, matching
// slab_stat_t's recover/recover_failed fields; Split/SplitFailed are
// reserved for genuine SplitAlloc calls.
func (c *Cache) Stat() alloc.Stat { return c.stat }
