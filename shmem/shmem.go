// Package shmem implements a segmented-fit allocator over one mmap'd
// anonymous region: a single address-ordered list of variable-sized storages
// plus size-indexed free buckets with coalescing on release.
//
// Unlike the C original, the order/free/available intrusive links are not
// packed into bytes adjacent to each storage's payload inside the mmap
// region; they live in a parallel, index-addressed slice of storageNode
// values owned by the *Shmem value itself. This is the Go-native reading of
// the "single owner-region with index-based offsets" alternative: the
// payload region is the literal mmap'd shared memory (so it is still usable
// for genuine cross-process sharing), while the bookkeeping metadata -
// which in Go cannot safely be shared as raw structs across process address
// spaces without additional serialization machinery anyway - is kept as
// ordinary Go memory local to the allocator handle. Every invariant in the
// design (order list contiguity, one-bucket-iff-free, availability
// tracking, bucket-head cross-check on removal) is preserved exactly; only
// the storage medium for the metadata changed.
//
// Shmem does not synchronize its own calls: per the concurrency model, the
// caller owns the locking policy and should serialize access with a
// process-shared lock (see package locks) when the region is shared across
// workers.
package shmem

import (
	"errors"
	"fmt"
	"math"

	"golang.org/x/sys/unix"

	"github.com/yylq/lolib/alloc"
)

// Level selects the bucket-mapping function.
type Level int

const (
	Linear Level = iota
	Exponential
)

// noIndex is the sentinel for "no storage"/"no bucket" in index fields.
const noIndex int32 = -1

// Sentinel errors, one per failure class named in the external interfaces.
var (
	ErrCreateSize                  = errors.New("shmem: invalid create size parameters")
	ErrParam                       = errors.New("shmem: invalid parameter")
	ErrReleaseMunmap               = errors.New("shmem: munmap failed")
	ErrAllocExhausted              = errors.New("shmem: no free storage large enough")
	ErrAllocRemoveFree             = errors.New("shmem: free list corruption on alloc")
	ErrFreeNonAlloced              = errors.New("shmem: free of non-allocated storage")
	ErrFreeRemoveNext              = errors.New("shmem: free list corruption merging next")
	ErrFreeRemovePrev              = errors.New("shmem: free list corruption merging previous")
	ErrSplitAllocNoFixedReqMinsize = errors.New("shmem: split_alloc found no storage >= minsize")
)

// headerOverhead is the nominal per-storage bookkeeping cost, used purely
// for split-threshold arithmetic and stat accounting (see package doc):
// the header itself lives in the parallel storageNode slice, but a split
// still subtracts headerOverhead from the remainder's size, so each split
// leaves that many region bytes outside every storage's payload until the
// two storages merge again on Free.
const headerOverhead = 32

// Params configures a new region, mirroring the shmem init parameters.
type Params struct {
	TotalSize      int64
	MinSize        int64
	MaxSize        int64
	Level          Level
	Factor         int64 // ignored (fixed to 2) when Level == Exponential
	SplitThreshold int64
}

type storageNode struct {
	offset, size, actSize int64
	alloc                 bool
	orderPrev, orderNext  int32
	freePrev, freeNext    int32
	bucket                int32 // noIndex when allocated
}

type bucketHead struct {
	head                int32 // storage index, noIndex if empty
	availPrev, availNext int32
	inAvailable          bool
}

// Shmem is one mmap'd segmented-fit region.
type Shmem struct {
	region []byte

	storages  []storageNode
	freeSlots []int32

	buckets           []bucketHead
	availHead         int32
	availTail         int32
	maxAvailableIndex int32 // highest non-empty bucket index, or L if none

	orderHead, orderTail int32

	minSize, maxSize, factor, splitThreshold int64
	level                                    Level
	l                                        int32

	stat alloc.Stat
}

// Create mmaps a new region and initializes its indices, matching the
// original's creation sequence: round total size up to the page size,
// compute the bucket count L so that bucket L-1 covers max size, and insert
// the whole remainder as one free storage.
func Create(p Params) (*Shmem, error) {
	if p.MinSize <= 0 || p.MaxSize <= p.MinSize || p.TotalSize <= 0 {
		return nil, &alloc.Error{Op: "shmem.Create", Code: ErrCreateSize}
	}
	factor := p.Factor
	if p.Level == Exponential {
		factor = 2
	} else if factor <= 0 {
		return nil, &alloc.Error{Op: "shmem.Create", Code: ErrCreateSize}
	}

	pageSize := int64(unix.Getpagesize())
	total := ((p.TotalSize + pageSize - 1) / pageSize) * pageSize

	region, err := unix.Mmap(-1, 0, int(total), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_SHARED)
	if err != nil {
		return nil, &alloc.Error{Op: "shmem.Create", Code: ErrCreateSize, Cause: err}
	}

	s := &Shmem{
		region:         region,
		minSize:        p.MinSize,
		maxSize:        p.MaxSize,
		factor:         factor,
		splitThreshold: p.SplitThreshold,
		level:          p.Level,
	}
	s.l = s.computeL()
	s.buckets = make([]bucketHead, s.l)
	for i := range s.buckets {
		s.buckets[i] = bucketHead{head: noIndex, availPrev: noIndex, availNext: noIndex}
	}
	s.availHead, s.availTail = noIndex, noIndex
	s.maxAvailableIndex = s.l
	s.orderHead, s.orderTail = noIndex, noIndex

	root := s.newStorageNode()
	s.storages[root] = storageNode{
		offset:    0,
		size:      total,
		orderPrev: noIndex,
		orderNext: noIndex,
		bucket:    noIndex,
	}
	s.orderHead, s.orderTail = root, root

	s.stat.Total = total
	s.insertFree(root)

	return s, nil
}

// Release unmaps the region. The Shmem value must not be used afterwards.
func (s *Shmem) Release() error {
	if err := unix.Munmap(s.region); err != nil {
		return &alloc.Error{Op: "shmem.Release", Code: ErrReleaseMunmap, Cause: err}
	}
	s.region = nil
	return nil
}

func (s *Shmem) computeL() int32 {
	switch s.level {
	case Linear:
		return int32((s.maxSize-s.minSize)/s.factor) + 1
	default:
		return int32(math.Ceil(math.Log2(float64(s.maxSize)/float64(s.minSize)))) + 1
	}
}

// levelIndex implements both alloc_index (roundUp=true) and insert_index
// (roundUp=false), clamped to [0, L-1].
func (s *Shmem) levelIndex(size int64, roundUp bool) int32 {
	var idx int64
	if size <= s.minSize {
		idx = 0
	} else {
		switch s.level {
		case Linear:
			d := size - s.minSize
			if roundUp {
				idx = (d + s.factor - 1) / s.factor
			} else {
				idx = d / s.factor
			}
		default:
			lg := math.Log2(float64(size) / float64(s.minSize))
			if roundUp {
				idx = int64(math.Ceil(lg))
			} else {
				idx = int64(math.Floor(lg))
			}
		}
	}
	if idx < 0 {
		idx = 0
	}
	if idx > int64(s.l-1) {
		idx = int64(s.l - 1)
	}
	return int32(idx)
}

func (s *Shmem) newStorageNode() int32 {
	if n := len(s.freeSlots); n > 0 {
		idx := s.freeSlots[n-1]
		s.freeSlots = s.freeSlots[:n-1]
		return idx
	}
	s.storages = append(s.storages, storageNode{})
	return int32(len(s.storages) - 1)
}

func (s *Shmem) releaseStorageNode(idx int32) {
	s.freeSlots = append(s.freeSlots, idx)
}

// insertFree files st into its insert-index bucket and links it into the
// available list, updating maxAvailableIndex.
func (s *Shmem) insertFree(st int32) {
	n := &s.storages[st]
	n.alloc = false
	b := s.levelIndex(n.size, false)
	n.bucket = b

	bh := &s.buckets[b]
	n.freeNext = bh.head
	n.freePrev = noIndex
	if bh.head != noIndex {
		s.storages[bh.head].freePrev = st
	}
	bh.head = st

	if !bh.inAvailable {
		s.availableInsert(b)
	}
	if b > s.maxAvailableIndex || s.maxAvailableIndex == s.l {
		s.maxAvailableIndex = b
	}
}

// availableInsert links bucket b into the available list in ascending
// index order.
func (s *Shmem) availableInsert(b int32) {
	bh := &s.buckets[b]
	bh.inAvailable = true
	if s.availHead == noIndex {
		bh.availPrev, bh.availNext = noIndex, noIndex
		s.availHead, s.availTail = b, b
		return
	}
	// walk from the tail, since new insertions are usually the largest
	// freed bucket (coalescing grows sizes upward).
	cur := s.availTail
	for cur != noIndex && cur > b {
		cur = s.buckets[cur].availPrev
	}
	if cur == noIndex {
		// b is smaller than everything: becomes new head.
		bh.availPrev = noIndex
		bh.availNext = s.availHead
		s.buckets[s.availHead].availPrev = b
		s.availHead = b
		return
	}
	nxt := s.buckets[cur].availNext
	bh.availPrev = cur
	bh.availNext = nxt
	s.buckets[cur].availNext = b
	if nxt != noIndex {
		s.buckets[nxt].availPrev = b
	} else {
		s.availTail = b
	}
}

func (s *Shmem) availableRemove(b int32) {
	bh := &s.buckets[b]
	if bh.availPrev != noIndex {
		s.buckets[bh.availPrev].availNext = bh.availNext
	} else {
		s.availHead = bh.availNext
	}
	if bh.availNext != noIndex {
		s.buckets[bh.availNext].availPrev = bh.availPrev
	} else {
		s.availTail = bh.availPrev
	}
	bh.inAvailable = false
	bh.availPrev, bh.availNext = noIndex, noIndex

	if s.maxAvailableIndex == b {
		if s.availTail != noIndex {
			s.maxAvailableIndex = s.availTail
		} else {
			s.maxAvailableIndex = s.l
		}
	}
}

// removeFree unlinks st from its free bucket, detecting corruption if the
// storage's recorded bucket doesn't actually head (or chain from) that
// bucket's free list.
func (s *Shmem) removeFree(st int32) error {
	n := &s.storages[st]
	b := n.bucket
	if b == noIndex || b >= s.l {
		return ErrAllocRemoveFree
	}
	bh := &s.buckets[b]

	if n.freePrev == noIndex {
		if bh.head != st {
			return ErrAllocRemoveFree
		}
		bh.head = n.freeNext
	} else {
		s.storages[n.freePrev].freeNext = n.freeNext
	}
	if n.freeNext != noIndex {
		s.storages[n.freeNext].freePrev = n.freePrev
	}
	n.freePrev, n.freeNext = noIndex, noIndex
	n.bucket = noIndex

	if bh.head == noIndex && bh.inAvailable {
		s.availableRemove(b)
	}
	return nil
}

func (s *Shmem) orderInsertAfter(after, st int32) {
	n := &s.storages[st]
	nxt := s.storages[after].orderNext
	n.orderPrev = after
	n.orderNext = nxt
	s.storages[after].orderNext = st
	if nxt != noIndex {
		s.storages[nxt].orderPrev = st
	} else {
		s.orderTail = st
	}
}

func (s *Shmem) orderRemove(st int32) {
	n := &s.storages[st]
	if n.orderPrev != noIndex {
		s.storages[n.orderPrev].orderNext = n.orderNext
	} else {
		s.orderHead = n.orderNext
	}
	if n.orderNext != noIndex {
		s.storages[n.orderNext].orderPrev = n.orderPrev
	} else {
		s.orderTail = n.orderPrev
	}
}

func refOf(st int32) alloc.Ref  { return alloc.Ref(st + 1) }
func storageOf(r alloc.Ref) int32 { return int32(r) - 1 }

// Alloc allocates size bytes, first-fit within the smallest size class that
// can satisfy the request.
func (s *Shmem) Alloc(size int) (alloc.Ref, error) {
	if size <= 0 {
		return alloc.Nil, &alloc.Error{Op: "shmem.Alloc", Code: ErrParam}
	}
	req := int64(size)
	i := s.levelIndex(req, true)

	var bucketIdx int32
	switch {
	case i < s.maxAvailableIndex:
		if s.buckets[i].head != noIndex {
			bucketIdx = i
		} else {
			found := noIndex
			for b := s.availHead; b != noIndex; b = s.buckets[b].availNext {
				if b > i {
					found = b
					break
				}
			}
			if found == noIndex {
				s.stat.Failed++
				return alloc.Nil, &alloc.Error{Op: "shmem.Alloc", Code: ErrAllocExhausted}
			}
			bucketIdx = found
		}
	case i == s.maxAvailableIndex && i < s.l:
		bucketIdx = i
	default:
		s.stat.Failed++
		return alloc.Nil, &alloc.Error{Op: "shmem.Alloc", Code: ErrAllocExhausted}
	}

	// first-fit within the chosen bucket
	st := noIndex
	for cur := s.buckets[bucketIdx].head; cur != noIndex; cur = s.storages[cur].freeNext {
		if s.storages[cur].size >= req {
			st = cur
			break
		}
	}
	if st == noIndex {
		s.stat.Failed++
		return alloc.Nil, &alloc.Error{Op: "shmem.Alloc", Code: ErrAllocExhausted}
	}

	if err := s.removeFree(st); err != nil {
		s.stat.Failed++
		return alloc.Nil, &alloc.Error{Op: "shmem.Alloc", Code: err}
	}

	n := &s.storages[st]
	remainder := n.size - req
	if remainder >= headerOverhead+s.splitThreshold {
		rem := s.newStorageNode()
		s.storages[rem] = storageNode{
			offset: n.offset + req,
			size:   remainder - headerOverhead,
		}
		n = &s.storages[st]
		n.size = req
		s.orderInsertAfter(st, rem)
		s.insertFree(rem)
		s.stat.System += headerOverhead
	}

	n = &s.storages[st]
	n.alloc = true
	n.actSize = req
	n.bucket = noIndex

	s.stat.Used += n.size
	s.stat.Reqs += req
	s.stat.StorageCount++
	s.stat.StorageSize += headerOverhead

	return refOf(st), nil
}

// Calloc allocates size bytes and zeroes them.
func (s *Shmem) Calloc(size int) (alloc.Ref, error) {
	r, err := s.Alloc(size)
	if err != nil {
		return alloc.Nil, err
	}
	b := s.Bytes(r)
	for i := range b {
		b[i] = 0
	}
	return r, nil
}

// Bytes returns the live payload slice for ref.
func (s *Shmem) Bytes(ref alloc.Ref) []byte {
	st := storageOf(ref)
	n := &s.storages[st]
	return s.region[n.offset : n.offset+n.size]
}

// Free releases ref, coalescing with physically adjacent free neighbours.
func (s *Shmem) Free(ref alloc.Ref) error {
	st := storageOf(ref)
	n := &s.storages[st]
	if !n.alloc {
		return &alloc.Error{Op: "shmem.Free", Code: ErrFreeNonAlloced}
	}

	s.stat.Used -= n.size
	s.stat.Reqs -= n.actSize
	s.stat.StorageCount--
	s.stat.StorageSize -= headerOverhead
	n.alloc = false

	// merge next
	if nxt := n.orderNext; nxt != noIndex {
		nn := &s.storages[nxt]
		if !nn.alloc && n.offset+n.size == nn.offset {
			if err := s.removeFree(nxt); err != nil {
				return &alloc.Error{Op: "shmem.Free", Code: ErrFreeRemoveNext}
			}
			n.size += headerOverhead + nn.size
			s.stat.System -= headerOverhead
			s.orderRemove(nxt)
			s.releaseStorageNode(nxt)
		}
	}
	// merge previous
	if prv := n.orderPrev; prv != noIndex {
		pn := &s.storages[prv]
		if !pn.alloc && pn.offset+pn.size == n.offset {
			if err := s.removeFree(prv); err != nil {
				return &alloc.Error{Op: "shmem.Free", Code: ErrFreeRemovePrev}
			}
			pn.size += headerOverhead + n.size
			s.stat.System -= headerOverhead
			s.orderRemove(st)
			s.releaseStorageNode(st)
			st = prv
			n = pn
		}
	}

	s.insertFree(st)
	return nil
}

// SplitAlloc returns the largest available free storage whole, for callers
// that can use any size >= minSize. It walks the available list's tail
// (the largest non-empty bucket) and picks the storage with the maximum
// size there, rather than first-fit.
func (s *Shmem) SplitAlloc(minSize int) (alloc.Ref, int, error) {
	if s.availTail == noIndex {
		s.stat.SplitFailed++
		return alloc.Nil, 0, &alloc.Error{Op: "shmem.SplitAlloc", Code: ErrSplitAllocNoFixedReqMinsize}
	}
	bucketIdx := s.availTail
	best := noIndex
	for cur := s.buckets[bucketIdx].head; cur != noIndex; cur = s.storages[cur].freeNext {
		if best == noIndex || s.storages[cur].size > s.storages[best].size {
			best = cur
		}
	}
	if best == noIndex || s.storages[best].size < int64(minSize) {
		s.stat.SplitFailed++
		return alloc.Nil, 0, &alloc.Error{Op: "shmem.SplitAlloc", Code: ErrSplitAllocNoFixedReqMinsize}
	}
	if err := s.removeFree(best); err != nil {
		s.stat.SplitFailed++
		return alloc.Nil, 0, &alloc.Error{Op: "shmem.SplitAlloc", Code: err}
	}
	n := &s.storages[best]
	n.alloc = true
	n.actSize = n.size

	s.stat.Used += n.size
	s.stat.Reqs += n.actSize
	s.stat.StorageCount++
	s.stat.StorageSize += headerOverhead
	s.stat.Split++

	return refOf(best), int(n.size), nil
}

// Stat returns a snapshot of the allocator's bookkeeping counters.
func (s *Shmem) Stat() alloc.Stat { return s.stat }

// Strerror renders a shmem error code to a human string.
func (s *Shmem) Strerror(err error) string {
	return fmt.Sprintf("%v", err)
}
