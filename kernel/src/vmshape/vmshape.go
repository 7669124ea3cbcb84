// Package vmshape computes the deterministic byte-offset table for a
// module's VMContext buffer (§4.K). The shape is derived once, at
// translation time, from entity counts alone, and is stable for the
// instance's lifetime; both compiled code and the instance initializer
// (kernel/src/instance) query it by index rather than recomputing
// offsets.
package vmshape

import "fmt"

// Magic is the first word of every VMContext buffer, used to validate
// casts from opaque pointers.
const Magic uint32 = 0x78636d76 // little-endian ASCII "vmcx"

const ptrSize = 8

// Entity sizes. Fixed regardless of module shape; exported so instance
// can size its own copies without recomputing them.
const (
	SizeImportedMemory = ptrSize     // pointer to a foreign VMMemoryDefinition
	SizeDefinedMemPtr  = ptrSize     // pointer to an owned VMMemoryDefinition
	SizeMemoryDef      = ptrSize * 2 // base ptr, current length
	SizeImportedFunc   = ptrSize * 2 // code ptr, vmctx ptr
	SizeImportedTable  = ptrSize     // pointer to a foreign VMTableDefinition
	SizeImportedGlobal = ptrSize     // pointer to a foreign VMGlobalDefinition
	SizeImportedTag    = ptrSize     // pointer to a foreign tag type id
	SizeTableDef       = ptrSize * 2 // base ptr, length
	SizeGlobalDef      = 8           // one 64-bit value slot
	SizeTagDef         = 8           // tag type id
	SizeFuncRef         = ptrSize*2 + 8 // vmctx ptr, func ptr, sig index (padded)
)

const fixedPrefixPointers = 3 // store ptr, epoch deadline ptr, signal-handler ptr

const alignment = 16

func alignUp(n uint32, a uint32) uint32 {
	return (n + a - 1) &^ (a - 1)
}

// Counts is the per-category entity count a module translation
// produces; Build turns it into a concrete Shape.
type Counts struct {
	ImportedMemories int
	DefinedMemories  int
	ImportedFuncs    int
	ImportedTables   int
	DefinedTables    int
	ImportedGlobals  int
	DefinedGlobals   int
	ImportedTags     int
	DefinedTags      int
	FuncRefs         int
}

// Shape is the computed offset table for one module's VMContext
// layout. All fields are the byte offset, from the start of the
// buffer, of the category's array; Offsets within a category are
// simply base + index*entitySize.
type Shape struct {
	counts Counts

	MagicOffset uint32

	ImportedMemoriesOffset uint32
	DefinedMemPtrsOffset   uint32
	OwnedMemoryDefsOffset  uint32
	ImportedFuncsOffset    uint32
	ImportedTablesOffset   uint32
	ImportedGlobalsOffset  uint32
	ImportedTagsOffset     uint32
	DefinedTablesOffset    uint32
	DefinedGlobalsOffset   uint32
	DefinedTagsOffset      uint32
	FuncRefsOffset         uint32

	Size uint32
}

// Build computes a Shape from entity counts. Field layout is fixed: the
// magic, a fixed prefix of store-context pointers, then dynamic arrays
// in the order imported memories, defined memory pointers, owned memory
// definitions, imported funcs, imported tables, imported globals,
// imported tags, defined tables, a 16-byte alignment pad, defined
// globals, defined tags, func-refs (§4.K).
func Build(c Counts) *Shape {
	s := &Shape{counts: c}

	off := uint32(0)
	s.MagicOffset = off
	off += 4
	off = alignUp(off, ptrSize)
	off += fixedPrefixPointers * ptrSize

	s.ImportedMemoriesOffset = off
	off += uint32(c.ImportedMemories) * SizeImportedMemory

	s.DefinedMemPtrsOffset = off
	off += uint32(c.DefinedMemories) * SizeDefinedMemPtr

	s.OwnedMemoryDefsOffset = off
	off += uint32(c.DefinedMemories) * SizeMemoryDef

	s.ImportedFuncsOffset = off
	off += uint32(c.ImportedFuncs) * SizeImportedFunc

	s.ImportedTablesOffset = off
	off += uint32(c.ImportedTables) * SizeImportedTable

	s.ImportedGlobalsOffset = off
	off += uint32(c.ImportedGlobals) * SizeImportedGlobal

	s.ImportedTagsOffset = off
	off += uint32(c.ImportedTags) * SizeImportedTag

	s.DefinedTablesOffset = off
	off += uint32(c.DefinedTables) * SizeTableDef

	off = alignUp(off, alignment)

	s.DefinedGlobalsOffset = off
	off += uint32(c.DefinedGlobals) * SizeGlobalDef

	s.DefinedTagsOffset = off
	off += uint32(c.DefinedTags) * SizeTagDef

	s.FuncRefsOffset = off
	off += uint32(c.FuncRefs) * SizeFuncRef

	s.Size = off
	return s
}

func index(base uint32, entitySize uint32, i int) uint32 {
	return base + uint32(i)*entitySize
}

func (s *Shape) ImportedMemoryOffset(i int) uint32 { return index(s.ImportedMemoriesOffset, SizeImportedMemory, i) }
func (s *Shape) DefinedMemPtrOffset(i int) uint32   { return index(s.DefinedMemPtrsOffset, SizeDefinedMemPtr, i) }
func (s *Shape) OwnedMemoryDefOffset(i int) uint32  { return index(s.OwnedMemoryDefsOffset, SizeMemoryDef, i) }
func (s *Shape) ImportedFuncOffset(i int) uint32    { return index(s.ImportedFuncsOffset, SizeImportedFunc, i) }
func (s *Shape) ImportedTableOffset(i int) uint32   { return index(s.ImportedTablesOffset, SizeImportedTable, i) }
func (s *Shape) ImportedGlobalOffset(i int) uint32  { return index(s.ImportedGlobalsOffset, SizeImportedGlobal, i) }
func (s *Shape) ImportedTagOffset(i int) uint32     { return index(s.ImportedTagsOffset, SizeImportedTag, i) }
func (s *Shape) DefinedTableOffset(i int) uint32    { return index(s.DefinedTablesOffset, SizeTableDef, i) }
func (s *Shape) DefinedGlobalOffset(i int) uint32   { return index(s.DefinedGlobalsOffset, SizeGlobalDef, i) }
func (s *Shape) DefinedTagOffset(i int) uint32      { return index(s.DefinedTagsOffset, SizeTagDef, i) }
func (s *Shape) FuncRefOffset(i int) uint32         { return index(s.FuncRefsOffset, SizeFuncRef, i) }

// Validate checks the §8 shape invariant: every entity's offset plus
// its size fits within the buffer, and every category's base offset is
// at or beyond the fixed prefix.
func (s *Shape) Validate() error {
	prefixEnd := alignUp(4, ptrSize) + fixedPrefixPointers*ptrSize
	bases := []struct {
		name string
		off  uint32
	}{
		{"imported memories", s.ImportedMemoriesOffset},
		{"defined memory pointers", s.DefinedMemPtrsOffset},
		{"owned memory definitions", s.OwnedMemoryDefsOffset},
		{"imported funcs", s.ImportedFuncsOffset},
		{"imported tables", s.ImportedTablesOffset},
		{"imported globals", s.ImportedGlobalsOffset},
		{"imported tags", s.ImportedTagsOffset},
		{"defined tables", s.DefinedTablesOffset},
		{"defined globals", s.DefinedGlobalsOffset},
		{"defined tags", s.DefinedTagsOffset},
		{"func-refs", s.FuncRefsOffset},
	}
	for _, b := range bases {
		if b.off < prefixEnd {
			return fmt.Errorf("vmshape: %s offset %d precedes fixed prefix end %d", b.name, b.off, prefixEnd)
		}
	}

	checks := []struct {
		name       string
		count      int
		entitySize uint32
		base       uint32
	}{
		{"imported memory", s.counts.ImportedMemories, SizeImportedMemory, s.ImportedMemoriesOffset},
		{"defined memory pointer", s.counts.DefinedMemories, SizeDefinedMemPtr, s.DefinedMemPtrsOffset},
		{"owned memory definition", s.counts.DefinedMemories, SizeMemoryDef, s.OwnedMemoryDefsOffset},
		{"imported func", s.counts.ImportedFuncs, SizeImportedFunc, s.ImportedFuncsOffset},
		{"imported table", s.counts.ImportedTables, SizeImportedTable, s.ImportedTablesOffset},
		{"imported global", s.counts.ImportedGlobals, SizeImportedGlobal, s.ImportedGlobalsOffset},
		{"imported tag", s.counts.ImportedTags, SizeImportedTag, s.ImportedTagsOffset},
		{"defined table", s.counts.DefinedTables, SizeTableDef, s.DefinedTablesOffset},
		{"defined global", s.counts.DefinedGlobals, SizeGlobalDef, s.DefinedGlobalsOffset},
		{"defined tag", s.counts.DefinedTags, SizeTagDef, s.DefinedTagsOffset},
		{"func-ref", s.counts.FuncRefs, SizeFuncRef, s.FuncRefsOffset},
	}
	for _, c := range checks {
		if c.count == 0 {
			continue
		}
		last := index(c.base, c.entitySize, c.count-1) + c.entitySize
		if last > s.Size {
			return fmt.Errorf("vmshape: %s %d exceeds buffer size %d (ends at %d)", c.name, c.count-1, s.Size, last)
		}
	}

	if s.DefinedGlobalsOffset%alignment != 0 {
		return fmt.Errorf("vmshape: defined globals offset %d not 16-byte aligned", s.DefinedGlobalsOffset)
	}
	return nil
}
