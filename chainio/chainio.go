// Package chainio implements scatter/gather buffer I/O over a singly linked
// chain of memory- or file-backed buffers: coalescing consecutive memory
// buffers into a single writev, walking file buffers via sendfile, and
// alternating between the two according to each buffer's kind.
package chainio

import (
	"errors"

	"golang.org/x/sys/unix"
)

// IovsMax bounds how many buffers a single writev/readv call coalesces,
// matching the original's FAST_IOVS_MAX (capped to the platform IOV_MAX).
const IovsMax = 64

// MaxLimit is the largest byte count passed to a single writev_chain/
// sendfile_chain round: 2G minus a page, the same ceiling the original
// applies so sendfile's kernel-side 32-bit offset arithmetic never overflows.
const MaxLimit = 2147479552

// ErrChain is returned when a write or sendfile fails for a reason other
// than EAGAIN/EINTR.
var ErrChain = errors.New("chainio: write error")

// ErrAgain is returned by ReadvChain when the fd has no data ready.
var ErrAgain = errors.New("chainio: not ready")

// Buffer describes either a memory region or a file region; the two kinds
// are mutually exclusive in a given Buffer.
type Buffer struct {
	// Memory buffers: the region is Data[Start:End], with read/write
	// cursors Pos (consumed-up-to, for writing out) and Last
	// (filled-up-to, for reading in).
	Memory             bool
	Data               []byte
	Start, Pos, Last, End int

	// File buffers: the region is [FilePos, FileLast) on FD.
	InFile            bool
	FD                int
	FilePos, FileLast int64
}

// NewMemory wraps data as a fully-filled memory buffer ready to be written
// out (Pos=0, Last=len(data)).
func NewMemory(data []byte) *Buffer {
	return &Buffer{Memory: true, Data: data, Start: 0, Pos: 0, Last: len(data), End: len(data)}
}

// NewMemoryRegion wraps data as an empty memory buffer ready to be filled by
// a read (Pos=Last=0, End=len(data)).
func NewMemoryRegion(data []byte) *Buffer {
	return &Buffer{Memory: true, Data: data, Start: 0, Pos: 0, Last: 0, End: len(data)}
}

// NewFile wraps [pos, last) of fd as a file buffer.
func NewFile(fd int, pos, last int64) *Buffer {
	return &Buffer{InFile: true, FD: fd, FilePos: pos, FileLast: last}
}

// Size returns the unconsumed/unfilled byte count: Last-Pos for memory
// buffers, FileLast-FilePos for file buffers.
func (b *Buffer) Size() int64 {
	if b.Memory {
		return int64(b.Last - b.Pos)
	}
	return b.FileLast - b.FilePos
}

// Bytes returns the unconsumed memory slice. Valid only for memory buffers.
func (b *Buffer) Bytes() []byte {
	return b.Data[b.Pos:b.Last]
}

// Chain is a singly linked list of buffer references, consumed by vectored
// I/O a run at a time.
type Chain struct {
	Buf  *Buffer
	Next *Chain
}

// Append links buf onto the end of head, returning the (possibly new) head.
func Append(head *Chain, buf *Buffer) *Chain {
	return AppendAll(head, &Chain{Buf: buf})
}

// AppendAll links every node of add onto the end of head.
func AppendAll(head, add *Chain) *Chain {
	if head == nil {
		return add
	}
	if add == nil {
		return head
	}
	tail := head
	for tail.Next != nil {
		tail = tail.Next
	}
	tail.Next = add
	return head
}

// Empty reports whether every buffer remaining in the chain is fully
// consumed.
func Empty(c *Chain) bool {
	for cl := c; cl != nil; cl = cl.Next {
		if cl.Buf.Size() > 0 {
			return false
		}
	}
	return true
}

// Size sums the unconsumed size of every buffer in the chain.
func Size(c *Chain) int64 {
	var total int64
	for cl := c; cl != nil; cl = cl.Next {
		total += cl.Buf.Size()
	}
	return total
}

// Reset rewinds every memory buffer's cursors back to Start, readying the
// chain to be refilled by a subsequent read.
func Reset(c *Chain) {
	for cl := c; cl != nil; cl = cl.Next {
		if cl.Buf.Memory {
			cl.Buf.Pos = cl.Buf.Start
			cl.Buf.Last = cl.Buf.Start
		}
	}
}

// ReadUpdate advances each memory buffer's Last toward End by size bytes
// total, in chain order, after a successful fill.
func ReadUpdate(c *Chain, size int) {
	for cl := c; cl != nil && size > 0; cl = cl.Next {
		if !cl.Buf.Memory {
			continue
		}
		avail := cl.Buf.End - cl.Buf.Last
		if avail <= 0 {
			continue
		}
		n := size
		if n > avail {
			n = avail
		}
		cl.Buf.Last += n
		size -= n
	}
}

// ChainWriteUpdate walks c consuming size bytes: a fully consumed buffer
// advances its cursor to its own end and the walk continues onto the next
// link; a partially consumed buffer advances only its cursor, and that same
// link is returned as the new head. Returns nil once size bytes has fully
// drained the chain.
func ChainWriteUpdate(c *Chain, size int64) *Chain {
	for c != nil && size > 0 {
		bsize := c.Buf.Size()
		if size < bsize {
			if c.Buf.Memory {
				c.Buf.Pos += int(size)
			} else {
				c.Buf.FilePos += size
			}
			return c
		}
		if c.Buf.Memory {
			c.Buf.Pos = c.Buf.Last
		} else {
			c.Buf.FilePos = c.Buf.FileLast
		}
		size -= bsize
		c = c.Next
	}
	return c
}

// packChainToIovs packs up to IovsMax memory buffers starting at in into
// iovecs, stopping at the first file buffer, an empty chain, or once packed
// (accumulated across the lifetime of the *packed counter, so a caller can
// call this repeatedly within the same limit budget) reaches limit.
func packChainToIovs(in *Chain, limit int, packed *int) [][]byte {
	var iovs [][]byte
	cl := in
	for cl != nil && len(iovs) < IovsMax && *packed < limit {
		if !cl.Buf.Memory {
			break
		}
		bsize := cl.Buf.Last - cl.Buf.Pos
		if bsize <= 0 {
			cl = cl.Next
			continue
		}
		if *packed+bsize > limit {
			bsize = limit - *packed
		}
		iovs = append(iovs, cl.Buf.Data[cl.Buf.Pos:cl.Buf.Pos+bsize])
		*packed += bsize
		cl = cl.Next
	}
	return iovs
}

// WritevChain writes the leading run of memory buffers in in via writev,
// looping until limit bytes have been packed, the chain's memory run is
// exhausted, or write-readiness is lost. writeReady, if non-nil, is read
// before sending and cleared on EAGAIN (mirroring the original's
// wev->ready), letting the caller's event know to wait for EPOLLOUT.
//
// Returns the new chain head (nil if fully drained), the bytes actually
// written this call, and a non-nil error only for a hard write failure.
func WritevChain(fd int, in *Chain, limit int, writeReady *bool) (*Chain, int64, error) {
	if in == nil {
		return nil, 0, nil
	}
	if writeReady != nil && !*writeReady {
		return in, 0, nil
	}
	if limit <= 0 || limit > MaxLimit {
		limit = MaxLimit
	}

	var sent int64
	packed := 0
	cur := in
	for cur != nil && packed < limit {
		if !cur.Buf.Memory {
			break
		}
		iovs := packChainToIovs(cur, limit, &packed)
		if len(iovs) == 0 {
			// the rest of the memory run is empty: skip it, so a following
			// file buffer is handed back instead of being dropped.
			for cur != nil && cur.Buf.Memory {
				cur = cur.Next
			}
			return cur, sent, nil
		}

		n, err := unix.Writev(fd, iovs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN {
				if writeReady != nil {
					*writeReady = false
				}
				return cur, sent, nil
			}
			return nil, sent, ErrChain
		}
		if n == 0 {
			return nil, sent, ErrChain
		}

		sent += int64(n)
		cur = ChainWriteUpdate(cur, int64(n))
		if packed >= limit {
			return cur, sent, nil
		}
	}

	return cur, sent, nil
}

// SendfileChain walks the leading run of file buffers in in via sendfile,
// retrying EINTR transparently and advancing each buffer's FilePos from the
// kernel-updated offset. Semantics otherwise mirror WritevChain.
func SendfileChain(outFD int, in *Chain, inFD int, limit int, writeReady *bool) (*Chain, int64, error) {
	if in == nil {
		return nil, 0, nil
	}
	if writeReady != nil && !*writeReady {
		return in, 0, nil
	}
	if limit <= 0 || limit > MaxLimit {
		limit = MaxLimit
	}

	var sent int64
	cur := in
	for cur != nil && sent < int64(limit) {
		if cur.Buf.Memory {
			break
		}
		packSize := cur.Buf.Size()
		if packSize == 0 {
			cur = cur.Next
			continue
		}
		if sent+packSize > int64(limit) {
			packSize = int64(limit) - sent
		}

		off := cur.Buf.FilePos
		n, err := unix.Sendfile(outFD, inFD, &off, int(packSize))
		cur.Buf.FilePos = off
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN {
				if writeReady != nil {
					*writeReady = false
				}
				return cur, sent, nil
			}
			return nil, sent, ErrChain
		}
		if n == 0 {
			return nil, sent, ErrChain
		}

		sent += int64(n)
		if cur.Buf.Size() == 0 {
			cur = cur.Next
		}
	}

	return cur, sent, nil
}

// ChainOutput alternates WritevChain and SendfileChain according to the
// current head's buffer kind, continuing until the chain drains, an error
// occurs, or write-readiness is lost.
func ChainOutput(fd int, in *Chain, fileFD int, limit int, writeReady *bool) (*Chain, int64, error) {
	cur := in
	var total int64
	for cur != nil {
		if writeReady != nil && !*writeReady {
			return cur, total, nil
		}

		var n int64
		var err error
		if cur.Buf.Memory {
			cur, n, err = WritevChain(fd, cur, limit, writeReady)
		} else {
			cur, n, err = SendfileChain(fd, cur, fileFD, limit, writeReady)
		}
		total += n
		if err != nil {
			return nil, total, err
		}
	}
	return cur, total, nil
}

// ReadvChain coalesces the writable tail of each memory buffer's region
// (Last..End) into iovecs, issues a single readv, and advances the buffers'
// Last cursors by the bytes read (via ReadUpdate).
func ReadvChain(fd int, c *Chain) (int, error) {
	var iovs [][]byte
	for cl := c; cl != nil && len(iovs) < IovsMax; cl = cl.Next {
		if !cl.Buf.Memory {
			break
		}
		if cl.Buf.Last >= cl.Buf.End {
			continue
		}
		iovs = append(iovs, cl.Buf.Data[cl.Buf.Last:cl.Buf.End])
	}
	if len(iovs) == 0 {
		return 0, nil
	}
	for {
		n, err := unix.Readv(fd, iovs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN {
				return 0, ErrAgain
			}
			return 0, err
		}
		ReadUpdate(c, n)
		return n, nil
	}
}
