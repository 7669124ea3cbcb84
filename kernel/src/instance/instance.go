// Package instance turns a translated module (wasmtr.Module) and its
// computed layout (vmshape.Shape) into a live VMContext: the magic,
// defined globals, defined tables with element initialization, and
// defined memories with data segment initialization (§4.L).
package instance

import (
	"encoding/binary"
	"fmt"
	"math"
	"unsafe"

	"vmshape"
	"wasmtr"
)

// VMTableDefinition mirrors the fixed on-buffer layout a defined
// table's VMContext slot holds: the backing storage's address and its
// element count.
type VMTableDefinition struct {
	Base uintptr
	Len  uint32
}

// VMMemoryDefinition mirrors a defined memory's VMContext slot.
type VMMemoryDefinition struct {
	Base          uintptr
	CurrentLength uint64
}

// VMFuncRef mirrors one entry of the module-wide func-ref array: the
// instance's own VMContext address (every direct/indirect call
// prepends the callee's VMContext, §4.J), a placeholder in place of a
// real code pointer since codegen is out of scope, and the function's
// canonical signature index for call_indirect checks.
type VMFuncRef struct {
	VMCtx      uintptr
	CodePtr    uint64 // holds the defining function's index; no backend to emit real code
	SigIndex   uint32
}

// Memory is a defined memory's backing storage, grown in page units.
type Memory struct {
	Data []byte
}

// Table is a defined table's backing storage: one slot per element,
// holding either 0 (null) or the VMContext address of a VMFuncRef.
type Table struct {
	Slots []uintptr
}

// Instance is one instantiated module: its VMContext buffer plus the
// out-of-band Go-level storage (table/memory backing arrays) that the
// buffer's definitions point into.
type Instance struct {
	Module *wasmtr.Module
	Shape  *vmshape.Shape

	VMCtx []byte

	DefinedGlobals []wasmtr.Value
	DefinedTables  []*Table
	DefinedMemories []*Memory
	FuncRefs       []VMFuncRef
}

// vmctxAddr returns the address of the instance's own VMContext
// buffer, written into every VMFuncRef it constructs. Valid only while
// VMCtx is kept alive and not reallocated.
func (in *Instance) vmctxAddr() uintptr {
	return uintptr(unsafe.Pointer(&in.VMCtx[0]))
}

// VMContextAddr exposes the instance's VMContext buffer address to
// callers outside the package, e.g. kernmain registering the buffer's
// range as a trap.CodeMemory before entering guest code.
func (in *Instance) VMContextAddr() uintptr {
	return in.vmctxAddr()
}

// New allocates and fully initializes an instance of m: the VMContext
// buffer is sized by counting m's entities through vmshape, the magic
// is written, defined globals are evaluated, defined tables are filled
// and segmented, and defined memories are allocated and segmented.
func New(m *wasmtr.Module) (*Instance, error) {
	shape := vmshape.Build(vmshape.Counts{
		ImportedMemories: len(m.ImportedMemories),
		DefinedMemories:  len(m.DefinedMemories),
		ImportedFuncs:    len(m.ImportedFuncs),
		ImportedTables:   len(m.ImportedTables),
		DefinedTables:    len(m.DefinedTables),
		ImportedGlobals:  len(m.ImportedGlobals),
		DefinedGlobals:   len(m.DefinedGlobals),
		ImportedTags:     0,
		DefinedTags:      0,
		FuncRefs:         m.NumFuncRefs,
	})
	if err := shape.Validate(); err != nil {
		return nil, err
	}

	in := &Instance{
		Module: m,
		Shape:  shape,
		VMCtx:  make([]byte, shape.Size),
	}
	binary.LittleEndian.PutUint32(in.VMCtx[shape.MagicOffset:], vmshape.Magic)

	if err := in.initGlobals(); err != nil {
		return nil, err
	}
	if err := in.initFuncRefs(); err != nil {
		return nil, err
	}
	if err := in.initTables(); err != nil {
		return nil, err
	}
	if err := in.initMemories(); err != nil {
		return nil, err
	}
	return in, nil
}

func (in *Instance) lookupGlobal(idx int) (wasmtr.Value, error) {
	if idx < len(in.Module.ImportedGlobals) {
		return wasmtr.Value{}, fmt.Errorf("instance: imported global %d has no local value", idx)
	}
	defined := idx - len(in.Module.ImportedGlobals)
	if defined < 0 || defined >= len(in.DefinedGlobals) {
		return wasmtr.Value{}, fmt.Errorf("instance: global index %d out of range", idx)
	}
	return in.DefinedGlobals[defined], nil
}

func (in *Instance) initGlobals() error {
	in.DefinedGlobals = make([]wasmtr.Value, len(in.Module.DefinedGlobals))
	for i := range in.Module.DefinedGlobals {
		expr, ok := in.Module.GlobalInitializers[i]
		if !ok {
			continue
		}
		v, err := wasmtr.Eval(expr, in.lookupGlobal)
		if err != nil {
			return fmt.Errorf("instance: global %d: %w", i, err)
		}
		in.DefinedGlobals[i] = v
		binary.LittleEndian.PutUint64(in.VMCtx[in.Shape.DefinedGlobalOffset(i):], encodeValue(v))
	}
	return nil
}

func encodeValue(v wasmtr.Value) uint64 {
	switch v.Kind {
	case wasmtr.I32:
		return uint64(uint32(v.I32))
	case wasmtr.I64:
		return uint64(v.I64)
	case wasmtr.F32:
		return uint64(math.Float32bits(v.F32))
	case wasmtr.F64:
		return math.Float64bits(v.F64)
	default:
		return 0 // funcref/externref null
	}
}

func (in *Instance) initFuncRefs() error {
	in.FuncRefs = make([]VMFuncRef, in.Module.NumFuncRefs)
	addr := in.vmctxAddr()
	for fi, fn := range in.Module.Functions {
		if fn.FuncRefIndex < 0 {
			continue
		}
		ref := VMFuncRef{
			VMCtx:    addr,
			CodePtr:  uint64(fi),
			SigIndex: uint32(in.Module.TypeCanonical[fn.SigIndex]),
		}
		in.FuncRefs[fn.FuncRefIndex] = ref
		in.writeFuncRef(fn.FuncRefIndex, ref)
	}
	return nil
}

func (in *Instance) writeFuncRef(idx int, ref VMFuncRef) {
	off := in.Shape.FuncRefOffset(idx)
	binary.LittleEndian.PutUint64(in.VMCtx[off:], uint64(ref.VMCtx))
	binary.LittleEndian.PutUint64(in.VMCtx[off+8:], ref.CodePtr)
	binary.LittleEndian.PutUint32(in.VMCtx[off+16:], ref.SigIndex)
}

// funcRefAddr returns the VMContext address of the func-ref slot for a
// defined function, the value a table element or ref.func const-expr
// resolves to.
func (in *Instance) funcRefAddr(funcIdx int) (uintptr, bool) {
	defined := funcIdx - len(in.Module.ImportedFuncs)
	if defined < 0 || defined >= len(in.Module.Functions) {
		return 0, false
	}
	refIdx := in.Module.Functions[defined].FuncRefIndex
	if refIdx < 0 {
		return 0, false
	}
	return in.vmctxAddr() + uintptr(in.Shape.FuncRefOffset(refIdx)), true
}

func (in *Instance) initTables() error {
	in.DefinedTables = make([]*Table, len(in.Module.DefinedTables))
	for i, tt := range in.Module.DefinedTables {
		t := &Table{Slots: make([]uintptr, tt.Limits.Min)}
		in.DefinedTables[i] = t
	}

	for _, ti := range in.Module.TableInitializers {
		if ti.TableIndex < len(in.Module.ImportedTables) {
			return fmt.Errorf("instance: element segment targets imported table %d, unsupported", ti.TableIndex)
		}
		idx := ti.TableIndex - len(in.Module.ImportedTables)
		if idx < 0 || idx >= len(in.DefinedTables) {
			return fmt.Errorf("instance: element segment targets out-of-range table %d", ti.TableIndex)
		}
		t := in.DefinedTables[idx]

		for _, seg := range ti.Segments {
			offVal, err := wasmtr.Eval(seg.Offset, in.lookupGlobal)
			if err != nil {
				return fmt.Errorf("instance: table %d segment offset: %w", ti.TableIndex, err)
			}
			start := int(offVal.I32)
			if start < 0 || start+len(seg.FuncIndices) > len(t.Slots) {
				return fmt.Errorf("instance: table %d segment out of bounds (start=%d len=%d size=%d)",
					ti.TableIndex, start, len(seg.FuncIndices), len(t.Slots))
			}
			for j, fi := range seg.FuncIndices {
				if fi < 0 {
					t.Slots[start+j] = 0
					continue
				}
				addr, ok := in.funcRefAddr(fi)
				if !ok {
					return fmt.Errorf("instance: segment references function %d with no func-ref slot", fi)
				}
				t.Slots[start+j] = addr
			}
		}
	}

	for i, tt := range in.Module.DefinedTables {
		t := in.DefinedTables[i]
		def := VMTableDefinition{Base: tableBase(t), Len: tt.Limits.Min}
		off := in.Shape.DefinedTableOffset(i)
		binary.LittleEndian.PutUint64(in.VMCtx[off:], uint64(def.Base))
		binary.LittleEndian.PutUint32(in.VMCtx[off+8:], def.Len)
	}
	return nil
}

func tableBase(t *Table) uintptr {
	if len(t.Slots) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&t.Slots[0]))
}

const wasmPageSize = 64 * 1024

func (in *Instance) initMemories() error {
	in.DefinedMemories = make([]*Memory, len(in.Module.DefinedMemories))
	for i, lim := range in.Module.DefinedMemories {
		in.DefinedMemories[i] = &Memory{Data: make([]byte, uint64(lim.Min)*wasmPageSize)}
	}

	for _, mi := range in.Module.MemoryInitializers {
		if mi.MemoryIndex < len(in.Module.ImportedMemories) {
			return fmt.Errorf("instance: data segment targets imported memory %d, unsupported", mi.MemoryIndex)
		}
		idx := mi.MemoryIndex - len(in.Module.ImportedMemories)
		if idx < 0 || idx >= len(in.DefinedMemories) {
			return fmt.Errorf("instance: data segment targets out-of-range memory %d", mi.MemoryIndex)
		}
		mem := in.DefinedMemories[idx]

		offVal, err := wasmtr.Eval(mi.Offset, in.lookupGlobal)
		if err != nil {
			return fmt.Errorf("instance: memory %d segment offset: %w", mi.MemoryIndex, err)
		}
		start := int(offVal.I32)
		if start < 0 || start+len(mi.Data) > len(mem.Data) {
			return fmt.Errorf("instance: memory %d segment out of bounds (start=%d len=%d size=%d)",
				mi.MemoryIndex, start, len(mi.Data), len(mem.Data))
		}
		copy(mem.Data[start:], mi.Data)
	}

	for i, mem := range in.DefinedMemories {
		def := VMMemoryDefinition{Base: memoryBase(mem), CurrentLength: uint64(len(mem.Data))}
		off := in.Shape.OwnedMemoryDefOffset(i)
		binary.LittleEndian.PutUint64(in.VMCtx[off:], uint64(def.Base))
		binary.LittleEndian.PutUint64(in.VMCtx[off+8:], def.CurrentLength)

		ptrOff := in.Shape.DefinedMemPtrOffset(i)
		binary.LittleEndian.PutUint64(in.VMCtx[ptrOff:], uint64(in.vmctxAddr())+uint64(off))
	}
	return nil
}

func memoryBase(m *Memory) uintptr {
	if len(m.Data) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&m.Data[0]))
}
