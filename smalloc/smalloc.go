// Package smalloc implements the embedded SLOB-style heap: a size-sorted
// free list over a caller-provided byte region, boundary-tag coalescing,
// and a hard 65532-byte per-block cap that keeps the 4-byte header
// sufficient.
//
// Grounded on original_source/smalloc/lib.rs, ported block-for-block from
// its pointer arithmetic to byte offsets into a Go []byte region (an
// offset of 0 plays the role of a null pointer, since offset 0 is always
// the free-list head cell, never a block).
package smalloc

import "encoding/binary"

const (
	// Granularity is the allocation granularity (pointer size on the
	// reference target).
	Granularity = 4
	// HeaderSize is the 4-byte block header: prevSizeTag (u16) + size (u16).
	HeaderSize = 4
	// nextPtrSize is the size of a free block's trailing next-pointer field.
	nextPtrSize = 4
	// freeRecordSize is the minimum size a remainder must have to be split
	// off as its own free block, rather than handed out whole.
	freeRecordSize = HeaderSize + nextPtrSize
	// MaxAlloc is the hard per-block size cap (64KiB - 4).
	MaxAlloc = 64*1024 - 4
)

// Ptr is an offset into a Heap's region. Zero is the null pointer.
type Ptr uint32

// Observer receives heap-pressure events for metrics collection.
type Observer interface {
	ObserveAllocDelta(delta int64)
	ObserveAllocFail()
}

type noOpObserver struct{}

func (noOpObserver) ObserveAllocDelta(delta int64) {}
func (noOpObserver) ObserveAllocFail()             {}

// Heap is a smalloc allocator bound to a single backing region. The zero
// value is not usable; construct with New and call Init before any Alloc.
type Heap struct {
	region   []byte
	observer Observer
}

// New wraps region as a Heap. Call Init before use.
func New(region []byte) *Heap {
	return &Heap{region: region, observer: noOpObserver{}}
}

// SetObserver installs o to receive ObserveAllocDelta/ObserveAllocFail
// events from Alloc/Free/Realloc. A nil o restores the no-op default.
func (h *Heap) SetObserver(o Observer) {
	if o == nil {
		o = noOpObserver{}
	}
	h.observer = o
}

// Init writes the free-list head pointer into the first word of the
// region, then tiles the remainder into maximal-sized free blocks (each
// <= MaxAlloc), chained in address order. Must be called before any
// Alloc/Free/Realloc.
func (h *Heap) Init() {
	if len(h.region) <= Granularity+HeaderSize {
		panic("smalloc: region too small")
	}
	h.setFreeListHead(Ptr(Granularity))

	cur := Ptr(Granularity)
	prevSize := uint16(0)
	remaining := len(h.region) - Granularity
	for remaining > 0 {
		curSize := remaining - HeaderSize
		if curSize > MaxAlloc {
			curSize = MaxAlloc
		}
		remaining -= curSize + HeaderSize

		h.setHeader(cur, prevSize|1, uint16(curSize))
		var next Ptr
		if remaining != 0 {
			next = cur + HeaderSize + Ptr(curSize)
		}
		h.setNext(cur, next)

		prevSize = uint16(curSize)
		cur = cur + HeaderSize + Ptr(curSize)
	}
}

// Alloc returns a Ptr to a block of at least n usable bytes, or (0, false)
// if n is zero, n exceeds 65535, or no free block is large enough.
func (h *Heap) Alloc(n uint32) (Ptr, bool) {
	if n == 0 || n > 0xFFFF {
		h.observer.ObserveAllocFail()
		return 0, false
	}
	n = roundUp(n, Granularity)
	if n > MaxAlloc {
		h.observer.ObserveAllocFail()
		return 0, false
	}

	prev, cur := h.findFreeBlock(uint16(n))
	if cur == 0 {
		h.observer.ObserveAllocFail()
		return 0, false
	}
	h.setNextPtr(prev, h.next(cur))

	_, curSize := h.header(cur)
	if int(curSize)-int(n) < freeRecordSize {
		n = uint32(curSize) // not enough left over to split; hand out whole block
	} else {
		splitNext := cur + HeaderSize + Ptr(n)
		splitSize := curSize - uint16(n) - HeaderSize
		h.setHeader(splitNext, uint16(n)|1, splitSize)
		h.setNext(splitNext, 0)

		splitNextNext := splitNext + HeaderSize + Ptr(splitSize)
		h.fixupSplitNextNext(splitNextNext, splitSize)

		h.installFreeBlock(splitNext)
	}

	pst, _ := h.header(cur)
	h.setHeader(cur, pst&^1, uint16(n))

	h.observer.ObserveAllocDelta(int64(n))
	return cur + HeaderSize, true
}

// fixupSplitNextNext updates the block following a freshly split-off free
// block so that its prevSizeTag reports splitSize as the preceding
// block's size, while preserving its own free bit untouched.
func (h *Heap) fixupSplitNextNext(splitNextNext Ptr, splitSize uint16) {
	if int(splitNextNext) >= len(h.region) {
		return
	}
	pst, sz := h.header(splitNextNext)
	freeBit := pst & 1
	h.setHeader(splitNextNext, splitSize|freeBit, sz)
}

// Free releases the block at p, coalescing with adjacent free neighbors
// where the combined size would not exceed MaxAlloc. p == 0 is a no-op.
func (h *Heap) Free(p Ptr) {
	if p == 0 {
		return
	}
	block := p - HeaderSize

	pst, size := h.header(block)
	h.observer.ObserveAllocDelta(-int64(size))
	prevSize := pst &^ 1 // block is currently busy, so raw == masked
	nextBlock := block + HeaderSize + Ptr(size)

	merged := false
	if prevSize != 0 {
		prevBlock := block - Ptr(prevSize) - HeaderSize
		if h.isFree(prevBlock) {
			_, prevBlockSize := h.header(prevBlock)
			if uint32(size)+uint32(prevBlockSize)+HeaderSize <= MaxAlloc {
				listPrev := h.findPreviousBlock(prevBlock)
				h.setNextPtr(listPrev, h.next(prevBlock))

				if int(nextBlock) < len(h.region) {
					npst, nsz := h.header(nextBlock)
					h.setHeader(nextBlock, npst+prevBlockSize+HeaderSize, nsz)
				}
				ppst, _ := h.header(prevBlock)
				h.setHeader(prevBlock, ppst, prevBlockSize+size+HeaderSize)

				block = prevBlock
				_, size = h.header(block)
				merged = true
			}
		}
	}
	if !merged {
		pst2, sz2 := h.header(block)
		h.setHeader(block, pst2+1, sz2)
	}

	nextBlock = block + HeaderSize + Ptr(size)
	if int(nextBlock) < len(h.region) && h.isFree(nextBlock) {
		_, nextSize := h.header(nextBlock)
		if uint32(size)+uint32(nextSize)+HeaderSize <= MaxAlloc {
			listPrev := h.findPreviousBlock(nextBlock)
			h.setNextPtr(listPrev, h.next(nextBlock))

			nextNext := nextBlock + HeaderSize + Ptr(nextSize)
			if int(nextNext) < len(h.region) {
				nnpst, nnsz := h.header(nextNext)
				h.setHeader(nextNext, nnpst+size+HeaderSize, nnsz)
			}

			_, curSize := h.header(block)
			h.setHeader(block, h.rawTag(block), curSize+HeaderSize+nextSize)
		}
	}

	h.installFreeBlock(block)
}

// Realloc allocates a new block of newSize bytes, copies
// min(oldSize, newSize) bytes from p, and frees p. It returns (0, false)
// without freeing p if the new allocation fails.
func (h *Heap) Realloc(p Ptr, oldSize, newSize uint32) (Ptr, bool) {
	newPtr, ok := h.Alloc(newSize)
	if !ok {
		return 0, false
	}
	n := oldSize
	if newSize < n {
		n = newSize
	}
	copy(h.region[newPtr:uint32(newPtr)+n], h.region[p:uint32(p)+n])
	h.Free(p)
	return newPtr, true
}

// Bytes returns a []byte view of the n-byte payload at ptr.
func (h *Heap) Bytes(ptr Ptr, n uint32) []byte {
	return h.region[ptr : uint32(ptr)+n]
}

// --- internal block/list mechanics ---

func roundUp(n, granularity uint32) uint32 {
	return (n + granularity - 1) &^ (granularity - 1)
}

func (h *Heap) header(off Ptr) (prevSizeTag, size uint16) {
	return binary.LittleEndian.Uint16(h.region[off : off+2]), binary.LittleEndian.Uint16(h.region[off+2 : off+4])
}

func (h *Heap) rawTag(off Ptr) uint16 {
	pst, _ := h.header(off)
	return pst
}

func (h *Heap) setHeader(off Ptr, prevSizeTag, size uint16) {
	binary.LittleEndian.PutUint16(h.region[off:off+2], prevSizeTag)
	binary.LittleEndian.PutUint16(h.region[off+2:off+4], size)
}

func (h *Heap) isFree(off Ptr) bool {
	pst, _ := h.header(off)
	return pst&1 != 0
}

func (h *Heap) next(off Ptr) Ptr {
	return Ptr(binary.LittleEndian.Uint32(h.region[off+HeaderSize : off+HeaderSize+nextPtrSize]))
}

func (h *Heap) setNext(off Ptr, next Ptr) {
	binary.LittleEndian.PutUint32(h.region[off+HeaderSize:off+HeaderSize+nextPtrSize], uint32(next))
}

func (h *Heap) freeListHead() Ptr {
	return Ptr(binary.LittleEndian.Uint32(h.region[0:4]))
}

func (h *Heap) setFreeListHead(p Ptr) {
	binary.LittleEndian.PutUint32(h.region[0:4], uint32(p))
}

// nextPtr/setNextPtr generalize "the next-pointer slot after prev in the
// free list", where prev == 0 means "the list head itself".
func (h *Heap) nextPtr(prev Ptr) Ptr {
	if prev == 0 {
		return h.freeListHead()
	}
	return h.next(prev)
}

func (h *Heap) setNextPtr(prev Ptr, val Ptr) {
	if prev == 0 {
		h.setFreeListHead(val)
	} else {
		h.setNext(prev, val)
	}
}

// findFreeBlock finds the first free-list entry with size >= size,
// returning (predecessor, entry); entry is 0 if none fits.
func (h *Heap) findFreeBlock(size uint16) (prev, cur Ptr) {
	return h.findFreeAfter(size, 0)
}

func (h *Heap) findFreeAfter(size uint16, after Ptr) (prev, cur Ptr) {
	prev = after
	cur = h.nextPtr(prev)
	for cur != 0 {
		_, curSize := h.header(cur)
		if curSize >= size {
			break
		}
		prev = cur
		cur = h.next(cur)
	}
	return prev, cur
}

// installFreeBlock inserts block into the size-sorted free list, breaking
// ties among same-size entries by ascending address.
func (h *Heap) installFreeBlock(block Ptr) {
	_, blockSize := h.header(block)
	prev, next := h.findFreeBlock(blockSize)
	for next != 0 {
		_, nextSize := h.header(next)
		if nextSize != blockSize || block <= next {
			break
		}
		prev = next
		next = h.next(next)
	}
	h.setNextPtr(prev, block)
	h.setNext(block, next)
}

// findPreviousBlock does a linear walk of the full free list to find the
// list-predecessor of block (not the memory-adjacent predecessor).
func (h *Heap) findPreviousBlock(block Ptr) Ptr {
	var prev Ptr
	cur := h.freeListHead()
	for cur != block {
		prev = cur
		cur = h.next(cur)
	}
	return prev
}
