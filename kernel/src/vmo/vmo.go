// Package vmo implements the virtual memory object variants backing an
// address-space region (§3, §4.D): Wired (always resident), Phys (a pinned
// contiguous physical range for MMIO), and Paged (an offset -> owned frame
// map with copy-on-write upgrade).
package vmo

import (
	"sync"

	"frame"
	"memtypes"

	"kerr"
)

// Allocator is the subset of frame.Manager the paged VMO needs; kept as an
// interface so tests can substitute a fake allocator without pulling in
// the real buddy allocator (grounded on biscuit's mem.Page_i interface
// pattern, which abstracts frame allocation behind a small method set).
type Allocator interface {
	Allocate(l frame.Layout) (memtypes.Pa, uint64, error)
	Deallocate(block memtypes.Pa, l frame.Layout)
}

// ZeroPa is the sentinel physical address standing in for the shared
// global zero page: it is never written, and RequireReadFrame returns it
// whenever an offset has no owned frame yet.
const ZeroPa memtypes.Pa = 0

var pageLayout = frame.Layout{Size: memtypes.PageSize, Align: memtypes.PageSize}

// Kind tags which VMO variant a region's backing store is.
type Kind int

const (
	Wired Kind = iota
	Phys
	Paged
)

func (k Kind) String() string {
	switch k {
	case Wired:
		return "wired"
	case Phys:
		return "phys"
	case Paged:
		return "paged"
	default:
		return "unknown"
	}
}

// VMO is the tagged union a region holds (§3: "one of {Wired, Phys(range),
// Paged(handle)}"). Exactly one of PhysRange / PagedStore is meaningful,
// selected by Kind.
type VMO struct {
	Kind      Kind
	PhysRange memtypes.PaRange
	Paged     *PagedStore
}

// NewWired returns a VMO that is always present, never faults, and is
// never unmapped or copy-on-write (§3).
func NewWired() VMO { return VMO{Kind: Wired} }

// NewPhys pins a contiguous physical range, used for MMIO (§3).
func NewPhys(r memtypes.PaRange) VMO { return VMO{Kind: Phys, PhysRange: r} }

// NewPaged allocates frames lazily as the region is faulted or committed.
func NewPaged(alloc Allocator) VMO { return VMO{Kind: Paged, Paged: NewPagedStore(alloc)} }

// PagedStore is the offset -> owned frame map described in §4.D, protected
// by a single rw-lock as the spec requires.
type PagedStore struct {
	mu     sync.RWMutex
	frames map[uint64]memtypes.Pa
	alloc  Allocator
}

// NewPagedStore constructs an empty paged backing store.
func NewPagedStore(alloc Allocator) *PagedStore {
	return &PagedStore{frames: make(map[uint64]memtypes.Pa), alloc: alloc}
}

// RequireReadFrame returns a shared handle suitable for a read fault: the
// owned frame at offset if one exists, otherwise the global zero page
// (§4.D). The bool result reports whether the zero page was returned.
func (p *PagedStore) RequireReadFrame(offset uint64) (memtypes.Pa, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if pa, ok := p.frames[offset]; ok {
		return pa, false
	}
	return ZeroPa, true
}

// RequireOwnedFrame returns an exclusively-owned frame at offset,
// allocating it on first touch. No copy or fill is done: the frame is
// returned as the allocator handed it out (§4.D).
func (p *PagedStore) RequireOwnedFrame(offset uint64) (memtypes.Pa, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pa, ok := p.frames[offset]; ok {
		return pa, nil
	}
	pa, _, err := p.alloc.Allocate(pageLayout)
	if err != nil {
		return 0, kerr.ENOMEM
	}
	p.frames[offset] = pa
	return pa, nil
}

// FreeFrames removes and returns to the allocator every owned frame whose
// offset falls in [start, end) (§4.D).
func (p *PagedStore) FreeFrames(startOffset, endOffset uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for off, pa := range p.frames {
		if off >= startOffset && off < endOffset {
			delete(p.frames, off)
			p.alloc.Deallocate(pa, pageLayout)
		}
	}
}

// OwnedCount reports how many frames are currently owned, used by tests
// and diagnostics to confirm CoW upgrades actually allocated.
func (p *PagedStore) OwnedCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.frames)
}
