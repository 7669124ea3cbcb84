package frame

import (
	"math/bits"
	"sync"

	"memtypes"

	"kerr"
)

/// MaxOrder bounds the largest block the buddy allocator will track: order
/// 11 at a 4KiB page size is an 8MiB block, matching the "typical MAX=11"
/// note in §4.A.
const MaxOrder = 11

/// Layout describes a requested allocation: size in bytes and the minimum
/// alignment, matching Rust's `Layout` that the spec borrows its vocabulary
/// from.
type Layout struct {
	Size  uint64
	Align uint64
}

/// frameHeader is the buddy allocator's per-page bookkeeping record,
/// analogous to biscuit's Physpg_t. free is lazily valid: per §9's
/// "lazy on alloc" decision, a header's fields are meaningless until the
/// page has participated in at least one free-list operation.
type frameHeader struct {
	order int8
	free  bool
}

/// Buddy is a power-of-two buddy allocator over one contiguous physical
/// region (§4.A). Each region gets its own Buddy; the kernel owns one per
/// discontiguous span of usable memory.
type Buddy struct {
	mu        sync.Mutex
	base      memtypes.Pa
	len       uint64
	headers   []frameHeader    // indexed by (addr-base)>>PageShift
	freeLists [MaxOrder + 1][]uint32
}

func orderSize(order int) uint64 { return memtypes.PageSize << uint(order) }

func maxAlignOf(addr uint64) uint64 {
	if addr == 0 {
		return 1 << 62
	}
	return 1 << uint(bits.TrailingZeros64(addr))
}

/// NewBuddy sweeps [base, base+length) and seeds the free lists. At each
/// step it selects the largest aligned power-of-two chunk that fits both
/// the remaining size and max_align_of(addr), exactly as §4.A specifies.
func NewBuddy(base memtypes.Pa, length uint64) *Buddy {
	if !base.PageAligned() || length%memtypes.PageSize != 0 {
		panic("frame: buddy region must be page-aligned")
	}
	npages := length / memtypes.PageSize
	b := &Buddy{
		base:    base,
		len:     length,
		headers: make([]frameHeader, npages),
	}

	addr := uint64(base)
	remaining := length
	for remaining > 0 {
		order := MaxOrder
		for order > 0 && orderSize(order) > remaining {
			order--
		}
		for order > 0 && orderSize(order) > maxAlignOf(addr) {
			order--
		}
		idx := uint32((addr - uint64(base)) / memtypes.PageSize)
		b.headers[idx] = frameHeader{order: int8(order), free: true}
		b.freeLists[order] = append(b.freeLists[order], idx)
		sz := orderSize(order)
		addr += sz
		remaining -= sz
	}
	return b
}

func orderFor(size uint64) int {
	pages := (size + memtypes.PageSize - 1) / memtypes.PageSize
	if pages <= 1 {
		return 0
	}
	return bits.Len64(pages - 1)
}

/// Allocate picks the smallest order whose size is >= layout.Size rounded
/// up to a power of two; if that free list is empty it climbs upward and
/// splits blocks on the way back down, per §4.A.
func (b *Buddy) Allocate(l Layout) (memtypes.Pa, uint64, error) {
	if l.Size == 0 || l.Size%memtypes.PageSize != 0 || l.Align%memtypes.PageSize != 0 {
		return 0, 0, kerr.EINVAL
	}
	order := orderFor(l.Size)
	if order > MaxOrder {
		return 0, 0, kerr.ENOMEM
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	climb := order
	for climb <= MaxOrder && len(b.freeLists[climb]) == 0 {
		climb++
	}
	if climb > MaxOrder {
		return 0, 0, kerr.ENOMEM
	}

	idx := b.pop(climb)
	for climb > order {
		climb--
		buddyIdx := idx + uint32(orderSize(climb)/memtypes.PageSize)
		b.headers[buddyIdx] = frameHeader{order: int8(climb), free: true}
		b.freeLists[climb] = append(b.freeLists[climb], buddyIdx)
	}
	b.headers[idx] = frameHeader{order: int8(order), free: false}

	addr := b.base.Add(uint64(idx) * memtypes.PageSize)
	if uint64(addr)%l.Align != 0 {
		// the sweep guarantees page alignment but a caller may ask for
		// more; re-split is not attempted, the caller must request a
		// size that implies its own alignment via order rounding.
		b.free(idx)
		return 0, 0, kerr.EINVAL
	}
	return addr, orderSize(order), nil
}

func (b *Buddy) pop(order int) uint32 {
	n := len(b.freeLists[order])
	idx := b.freeLists[order][n-1]
	b.freeLists[order] = b.freeLists[order][:n-1]
	return idx
}

func (b *Buddy) removeFree(order int, idx uint32) bool {
	list := b.freeLists[order]
	for i, v := range list {
		if v == idx {
			list[i] = list[len(list)-1]
			b.freeLists[order] = list[:len(list)-1]
			return true
		}
	}
	return false
}

/// Deallocate computes the buddy by XOR on the region-relative offset and
/// coalesces repeatedly while the buddy is free and aligned at the next
/// order, per §4.A.
func (b *Buddy) Deallocate(block memtypes.Pa, l Layout) {
	order := orderFor(l.Size)
	idx := uint32((uint64(block) - uint64(b.base)) / memtypes.PageSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.headers[idx] = frameHeader{order: int8(order), free: false}
	b.free(idx)
}

func (b *Buddy) free(idx uint32) {
	order := int(b.headers[idx].order)
	for order < MaxOrder {
		pagesAtOrder := uint32(orderSize(order) / memtypes.PageSize)
		buddyIdx := idx ^ pagesAtOrder
		if int(buddyIdx) >= len(b.headers) {
			break
		}
		if !b.headers[buddyIdx].free || int(b.headers[buddyIdx].order) != order {
			break
		}
		if !b.removeFree(order, buddyIdx) {
			break
		}
		if buddyIdx < idx {
			idx = buddyIdx
		}
		order++
	}
	b.headers[idx] = frameHeader{order: int8(order), free: true}
	b.freeLists[order] = append(b.freeLists[order], idx)
}

/// FreeBytes sums the bytes still available across all orders; used by
/// diagnostics (klog) and tests.
func (b *Buddy) FreeBytes() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	var total uint64
	for order, list := range b.freeLists {
		total += uint64(len(list)) * orderSize(order)
	}
	return total
}
