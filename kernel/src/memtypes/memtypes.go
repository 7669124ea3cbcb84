// Package memtypes defines the opaque physical- and virtual-address types
// shared by every memory subsystem (§3). biscuit represents physical
// addresses with the single type mem.Pa_t; this kernel keeps that
// convention but splits physical and virtual addresses into distinct types
// so the compiler rejects accidental interchange, per the data model's
// "never interchangeable" requirement.
package memtypes

import "fmt"

// PageShift is the base-2 exponent for the page size (biscuit: mem.PGSHIFT).
const PageShift = 12

// PageSize is the size of a single page in bytes (biscuit: mem.PGSIZE).
const PageSize = 1 << PageShift

// PageMask masks the page offset bits of an address.
const PageMask = PageSize - 1

// Pa is a physical address.
type Pa uint64

// Va is a virtual address.
type Va uint64

// PageAligned reports whether the address sits on a page boundary.
func (p Pa) PageAligned() bool { return p&PageMask == 0 }

// PageAligned reports whether the address sits on a page boundary.
func (v Va) PageAligned() bool { return v&PageMask == 0 }

// RoundDown aligns p down to the nearest page boundary.
func (p Pa) RoundDown() Pa { return p &^ PageMask }

// RoundUp aligns p up to the nearest page boundary.
func (p Pa) RoundUp() Pa { return (p + PageMask) &^ PageMask }

// RoundDown aligns v down to the nearest page boundary.
func (v Va) RoundDown() Va { return v &^ PageMask }

// RoundUp aligns v up to the nearest page boundary.
func (v Va) RoundUp() Va { return (v + PageMask) &^ PageMask }

// Add returns p+n, panicking on overflow past the 64-bit address space.
func (p Pa) Add(n uint64) Pa {
	r := p + Pa(n)
	if r < p {
		panic("memtypes: physical address overflow")
	}
	return r
}

// Add returns v+n, panicking on overflow.
func (v Va) Add(n uint64) Va {
	r := v + Va(n)
	if r < v {
		panic("memtypes: virtual address overflow")
	}
	return r
}

// Sub returns v-n, panicking on underflow.
func (v Va) Sub(n uint64) Va {
	if uint64(v) < n {
		panic("memtypes: virtual address underflow")
	}
	return v - Va(n)
}

func (p Pa) String() string { return fmt.Sprintf("pa:0x%x", uint64(p)) }
func (v Va) String() string { return fmt.Sprintf("va:0x%x", uint64(v)) }

// Range is a half-open virtual-address interval [Start, End), always
// page-aligned per the region-tree invariant (§3).
type Range struct {
	Start Va
	End   Va
}

// Len returns the byte length of the range.
func (r Range) Len() uint64 { return uint64(r.End - r.Start) }

// Empty reports whether the range has zero length.
func (r Range) Empty() bool { return r.End <= r.Start }

// Overlaps reports whether r and o share any address.
func (r Range) Overlaps(o Range) bool {
	return r.Start < o.End && o.Start < r.End
}

// Contains reports whether v lies inside the half-open range.
func (r Range) Contains(v Va) bool { return v >= r.Start && v < r.End }

// Union returns the smallest range covering both r and o. An empty range
// has no meaningful bound to contribute, so if either range is empty the
// other one is returned unchanged.
func (r Range) Union(o Range) Range {
	if r.Empty() {
		return o
	}
	if o.Empty() {
		return r
	}
	start := r.Start
	if o.Start < start {
		start = o.Start
	}
	end := r.End
	if o.End > end {
		end = o.End
	}
	return Range{Start: start, End: end}
}

// PageAligned reports whether both bounds of the range sit on page
// boundaries.
func (r Range) PageAligned() bool { return r.Start.PageAligned() && r.End.PageAligned() }

// PaRange is a half-open physical-address interval, used by Phys VMOs to
// pin a contiguous run for MMIO (§3).
type PaRange struct {
	Start Pa
	End   Pa
}

// Len returns the byte length of the physical range.
func (r PaRange) Len() uint64 { return uint64(r.End - r.Start) }

// Contains reports whether p lies inside the half-open range.
func (r PaRange) Contains(p Pa) bool { return p >= r.Start && p < r.End }

