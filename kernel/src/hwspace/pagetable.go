// Package hwspace is the hardware address-space layer (§4.B): it installs
// and removes mappings, flushes the TLB, and abstracts two page-table
// shapes (4-level and 5-level) behind one Arch interface. The asm trap
// vectors and the actual TLB shootdown IPI are the out-of-scope
// collaborators named in spec.md §1; this package models their effects
// (a batched Flush set) and leaves the wire-up to the excluded asm shims.
package hwspace

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"memtypes"

	"golang.org/x/arch/x86/x86asm"

	"kerr"
)

// Attrs is the read/write/execute subset permitted for a mapping.
type Attrs uint8

const (
	Read Attrs = 1 << iota
	Write
	Exec
)

// SubsetOf reports whether a contains only bits also set in o, used by
// region.Protect's narrow-or-equal precondition (§4.C, §9).
func (a Attrs) SubsetOf(o Attrs) bool { return a&^o == 0 }

// PageKind distinguishes a 4-KiB leaf from an architecture large page.
type PageKind uint8

const (
	Page4K PageKind = iota
	PageLarge
)

// TableAllocator supplies zeroed intermediate table pages on demand,
// backed by the frame allocator (§4.B: "Allocate intermediate tables from
// the frame allocator on demand").
type TableAllocator interface {
	AllocTable() (memtypes.Pa, error)
}

// Flush accumulates address ranges touched by a batch of hardware changes.
// Callers must call Commit to hand the whole batch to the shootdown
// callback in one pass (one callback invocation per recorded range), per §4.B
// and the ordering note in §5 ("batched and concluded with a TLB flush
// committing release ordering before the caller returns").
type Flush struct {
	mu     sync.Mutex
	ranges []memtypes.Range
}

// Add records a range that must be invalidated.
func (f *Flush) Add(r memtypes.Range) {
	f.mu.Lock()
	f.ranges = append(f.ranges, r)
	f.mu.Unlock()
}

// Commit performs the shootdown (delegated to the excluded IPI/asm
// collaborator in a real kernel; here it is the release-ordering barrier
// itself) and clears the batch.
func (f *Flush) Commit(shootdown func(memtypes.Range)) {
	f.mu.Lock()
	ranges := f.ranges
	f.ranges = nil
	f.mu.Unlock()
	for _, r := range ranges {
		shootdown(r)
	}
}

// leaf is one resolved mapping in the software page-table model.
type leaf struct {
	phys  memtypes.Pa
	attrs Attrs
	kind  PageKind
	size  uint64
}

// Arch is the trait-like surface §4.B requires: map/remap/protect/unmap and
// activation, shared by both required page-table shapes.
type Arch interface {
	MapContiguous(virt memtypes.Range, phys memtypes.Pa, attrs Attrs, flush *Flush) error
	RemapContiguous(virt memtypes.Range, phys memtypes.Pa, attrs Attrs, flush *Flush) error
	SetAttributes(virt memtypes.Range, attrs Attrs, flush *Flush) error
	Unmap(virt memtypes.Range, flush *Flush) error
	Activate()
}

// table is the shared implementation behind both concrete shapes; it
// differs only in VaBits (the width the level count can address) and in
// the architecture tag it reports for diagnostics.
type table struct {
	mu      sync.Mutex
	alloc   TableAllocator
	levels  int
	vaBits  int
	archTag string
	leaves  map[memtypes.Va]leaf
	active  bool
}

// NewFourLevel builds the 48-bit-VA x86_64-style shape (4 levels of 512
// entries). Both shapes install every mapping as 4-KiB leaves; large-page
// leaves are not used.
func NewFourLevel(alloc TableAllocator) Arch {
	return &table{alloc: alloc, levels: 4, vaBits: 48, archTag: "x86_64-4lvl", leaves: map[memtypes.Va]leaf{}}
}

// NewFiveLevel builds the 57-bit-VA shape used when LA57/5-level paging is
// enabled.
func NewFiveLevel(alloc TableAllocator) Arch {
	return &table{alloc: alloc, levels: 5, vaBits: 57, archTag: "x86_64-5lvl", leaves: map[memtypes.Va]leaf{}}
}

func pageCount(r memtypes.Range) uint64 { return r.Len() / memtypes.PageSize }

func (t *table) checkRange(virt memtypes.Range) error {
	if !virt.PageAligned() || virt.Empty() {
		return kerr.EINVAL
	}
	if uint64(virt.End) >= 1<<uint(t.vaBits) {
		return kerr.EINVAL
	}
	return nil
}

// MapContiguous installs new leaves across virt, each mapping successive
// pages of a contiguous physical run starting at phys. It never overwrites
// a present leaf, per §4.B.
func (t *table) MapContiguous(virt memtypes.Range, phys memtypes.Pa, attrs Attrs, flush *Flush) error {
	if err := t.checkRange(virt); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	n := pageCount(virt)
	for i := uint64(0); i < n; i++ {
		va := virt.Start.Add(i * memtypes.PageSize)
		if _, present := t.leaves[va]; present {
			return &kerr.MappingError{Op: "map_contiguous", Err: kerr.EEXIST}
		}
	}
	for i := uint64(0); i < n; i++ {
		va := virt.Start.Add(i * memtypes.PageSize)
		pa := phys.Add(i * memtypes.PageSize)
		if _, err := t.ensureIntermediate(); err != nil {
			return err
		}
		t.leaves[va] = leaf{phys: pa, attrs: attrs, kind: Page4K, size: memtypes.PageSize}
	}
	flush.Add(virt)
	return nil
}

// RemapContiguous requires every page in virt to already hold a present
// leaf of equal or larger page size, per §4.B.
func (t *table) RemapContiguous(virt memtypes.Range, phys memtypes.Pa, attrs Attrs, flush *Flush) error {
	if err := t.checkRange(virt); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	n := pageCount(virt)
	for i := uint64(0); i < n; i++ {
		va := virt.Start.Add(i * memtypes.PageSize)
		l, present := t.leaves[va]
		if !present || l.size < memtypes.PageSize {
			return &kerr.MappingError{Op: "remap_contiguous", Err: kerr.EHOLE}
		}
	}
	for i := uint64(0); i < n; i++ {
		va := virt.Start.Add(i * memtypes.PageSize)
		pa := phys.Add(i * memtypes.PageSize)
		t.leaves[va] = leaf{phys: pa, attrs: attrs, kind: Page4K, size: memtypes.PageSize}
	}
	flush.Add(virt)
	return nil
}

// SetAttributes updates permission bits across virt without touching the
// physical mapping. Pages with no present leaf (not yet faulted in) are
// skipped.
func (t *table) SetAttributes(virt memtypes.Range, attrs Attrs, flush *Flush) error {
	if err := t.checkRange(virt); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	n := pageCount(virt)
	for i := uint64(0); i < n; i++ {
		va := virt.Start.Add(i * memtypes.PageSize)
		l, present := t.leaves[va]
		if !present {
			continue
		}
		l.attrs = attrs
		t.leaves[va] = l
	}
	flush.Add(virt)
	return nil
}

// Unmap removes every leaf covering virt; it is not an error to unmap a
// sparsely-mapped range (the region tree enforces the "no holes"
// precondition, §4.C; this layer is intentionally permissive so it can
// also serve partial teardown during error unwinding).
func (t *table) Unmap(virt memtypes.Range, flush *Flush) error {
	if err := t.checkRange(virt); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	n := pageCount(virt)
	for i := uint64(0); i < n; i++ {
		va := virt.Start.Add(i * memtypes.PageSize)
		delete(t.leaves, va)
	}
	flush.Add(virt)
	return nil
}

// Activate loads this table as the running address space (CR3-equivalent).
func (t *table) Activate() {
	t.mu.Lock()
	t.active = true
	t.mu.Unlock()
}

func (t *table) ensureIntermediate() (memtypes.Pa, error) {
	return t.alloc.AllocTable()
}

// Snapshot returns the leaves currently present, sorted by virtual address,
// for diagnostics and tests.
func (t *table) Snapshot() []memtypes.Va {
	t.mu.Lock()
	defer t.mu.Unlock()
	vas := make([]memtypes.Va, 0, len(t.leaves))
	for va := range t.leaves {
		vas = append(vas, va)
	}
	sort.Slice(vas, func(i, j int) bool { return vas[i] < vas[j] })
	return vas
}

// disassembleEntryComment annotates a raw PTE-shaped word with the x86
// instruction it would decode to if misinterpreted as code, which is a
// fast way to spot a page table accidentally mapped executable over
// guest-controlled bytes. Consumed through Diagnose.
func disassembleEntryComment(word [dmaxlen]byte) (string, error) {
	inst, err := x86asm.Decode(word[:], 64)
	if err != nil {
		return "", fmt.Errorf("hwspace: not decodable as x86_64: %w", err)
	}
	return x86asm.GNUSyntax(inst, 0, nil), nil
}

const dmaxlen = 15

// LeafDiagnostic is one present leaf's diagnostic view: its mapping plus
// disassembleEntryComment's verdict on the leaf's physical address,
// interpreted as a little-endian code word.
type LeafDiagnostic struct {
	VA      memtypes.Va
	Phys    memtypes.Pa
	Attrs   Attrs
	AsCode  string
	Decoded bool
}

// diagnosable is satisfied by the concrete table type; Diagnose type-
// asserts to it so Arch's exported surface stays the small trait §4.B
// describes while still giving diagnostic tooling a way in.
type diagnosable interface {
	diagnostics() []LeafDiagnostic
}

func (t *table) diagnostics() []LeafDiagnostic {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]LeafDiagnostic, 0, len(t.leaves))
	for va, l := range t.leaves {
		var word [dmaxlen]byte
		binary.LittleEndian.PutUint64(word[:8], uint64(l.phys))
		comment, err := disassembleEntryComment(word)
		out = append(out, LeafDiagnostic{
			VA: va, Phys: l.phys, Attrs: l.attrs,
			AsCode: comment, Decoded: err == nil,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VA < out[j].VA })
	return out
}

// Diagnose returns every present leaf's diagnostic view if a implements
// it (every Arch this package constructs does), and false otherwise.
func Diagnose(a Arch) ([]LeafDiagnostic, bool) {
	d, ok := a.(diagnosable)
	if !ok {
		return nil, false
	}
	return d.diagnostics(), true
}
