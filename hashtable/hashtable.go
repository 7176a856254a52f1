// Package hashtable implements an intrusive chained hash table
// parameterized by a pluggable hash/compare function pair. Bucket storage
// is an ordinary Go slice: the table takes no alloc.Allocator and is not
// placed inside a shmem region.
package hashtable

import "errors"

// DefaultSize is used when a non-positive size is requested, matching
// FAST_HASHTABLE_DEFAULT_SIZE.
const DefaultSize = 7951

var ErrParam = errors.New("hashtable: invalid parameter")

// HashFunc computes a bucket index in [0, size) for key.
type HashFunc func(key []byte, size int) int

// CmpFunc reports whether a and b are equal, given the bucket's stored
// key length. Most callers compare the raw bytes directly.
type CmpFunc func(a, b []byte) bool

// Link is the intrusive node every element embeds: the hash table stores a
// chain of *Link values per bucket and leaves payload association to the
// caller (typically by embedding Link in a larger struct and recovering it
// via a side map, since Go lacks container_of).
type Link struct {
	Key  []byte
	next *Link
}

// Table is an intrusive chained hash table.
type Table struct {
	buckets []*Link
	hash    HashFunc
	cmp     CmpFunc
	count   int
}

// Create builds a table with size buckets (rounded up to DefaultSize if
// size <= 0), using hash and cmp for placement and lookup.
func Create(size int, hash HashFunc, cmp CmpFunc) (*Table, error) {
	if hash == nil || cmp == nil {
		return nil, ErrParam
	}
	if size <= 0 {
		size = DefaultSize
	}
	return &Table{
		buckets: make([]*Link, size),
		hash:    hash,
		cmp:     cmp,
	}, nil
}

// Join inserts link at the head of its bucket's chain.
func (t *Table) Join(link *Link) error {
	if link == nil {
		return ErrParam
	}
	idx := t.hash(link.Key, len(t.buckets))
	link.next = t.buckets[idx]
	t.buckets[idx] = link
	t.count++
	return nil
}

// RemoveLink removes link from its bucket's chain.
func (t *Table) RemoveLink(link *Link) error {
	if link == nil {
		return ErrParam
	}
	idx := t.hash(link.Key, len(t.buckets))
	var prev *Link
	for cur := t.buckets[idx]; cur != nil; cur = cur.next {
		if cur == link {
			if prev == nil {
				t.buckets[idx] = cur.next
			} else {
				prev.next = cur.next
			}
			t.count--
			return nil
		}
		prev = cur
	}
	return ErrParam
}

// Lookup returns the first link whose key compares equal to key, or nil.
func (t *Table) Lookup(key []byte) *Link {
	idx := t.hash(key, len(t.buckets))
	for cur := t.buckets[idx]; cur != nil; cur = cur.next {
		if t.cmp(cur.Key, key) {
			return cur
		}
	}
	return nil
}

// Bucket returns the chain head for a raw bucket index, for callers that
// precomputed the hash (fast_hashtable_get_bucket).
func (t *Table) Bucket(idx int) *Link {
	if idx < 0 || idx >= len(t.buckets) {
		return nil
	}
	return t.buckets[idx]
}

// Empty reports whether the table holds no elements.
func (t *Table) Empty() bool { return t.count == 0 }

// Count returns the number of elements currently joined.
func (t *Table) Count() int { return t.count }

// HashHash4 ports fast_hashtable_hash_hash4's rolling multiply-add hash.
func HashHash4(key []byte, size int) int {
	var ret uint
	for _, b := range key {
		ret = ret<<5 + ret + uint(b)
	}
	return int(ret % uint(size))
}

// HashKey8 ports fast_hashtable_hash_key8's 8-byte-word XOR hash.
func HashKey8(key []byte, size int) int {
	var n uint64
	loop := len(key) / 8
	rem := len(key) % 8
	if rem != 0 {
		loop++
	}
	for i := 0; i < loop; i++ {
		start := i * 8
		end := start + 8
		if end > len(key) {
			end = len(key)
		}
		var word uint64
		chunk := key[start:end]
		for j, b := range chunk {
			word |= uint64(b) << (8 * j)
		}
		if rem != 0 && i == loop-1 {
			word >>= uint(rem * 8)
		}
		n ^= 271 * word
	}
	ret := n ^ uint64(loop*271)
	return int(ret % uint64(size))
}

// HashLow ports fast_hashtable_hash_low's case-insensitive string hash.
func HashLow(key []byte, size int) int {
	var n uint
	for _, b := range key {
		if b >= 'A' && b <= 'Z' {
			b += 'a' - 'A'
		}
		n = n*31 + uint(b)
	}
	return int(n % uint(size))
}

// CmpBytes is the default CmpFunc: exact byte-slice equality.
func CmpBytes(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
