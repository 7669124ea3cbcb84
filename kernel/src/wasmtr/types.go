package wasmtr

// ValType is a WASM value type tag (§4.J).
type ValType byte

const (
	I32      ValType = 0x7F
	I64      ValType = 0x7E
	F32      ValType = 0x7D
	F64      ValType = 0x7C
	FuncRef  ValType = 0x70
	ExternRef ValType = 0x6F
)

// FuncType is a function signature: ordered parameter and result types.
type FuncType struct {
	Params  []ValType
	Results []ValType
}

// ConstExpr is the raw byte encoding of a constant initializer expression
// (§4.L); Eval interprets it against the tiny stack machine the spec
// describes.
type ConstExpr struct {
	Ops []byte
}

// Function is one function of the module: its signature index, and, if
// it is named in an element segment, the index of its pre-allocated
// function-ref slot. ref.func and exports do not assign slots.
type Function struct {
	SigIndex     int
	FuncRefIndex int // -1 if no element segment names the function
}

// MemoryLimits is a memory or table's size bounds in page/element units.
type MemoryLimits struct {
	Min uint32
	Max uint32 // 0 means "unbounded" when HasMax is false
	HasMax bool
}

// MemoryImport/TableImport/GlobalImport name an imported entity
// by (module, field) plus its declared type, kept intentionally minimal
// since imports are interface-only in this spec (§4.L.5).
type MemoryImport struct {
	Module, Field string
	Limits        MemoryLimits
}

type TableImport struct {
	Module, Field string
	ElemType      ValType
	Limits        MemoryLimits
}

type GlobalImport struct {
	Module, Field string
	Type          ValType
	Mutable       bool
}

// GlobalType is a defined global's declared type.
type GlobalType struct {
	Type    ValType
	Mutable bool
}

// TableType is a defined table's declared type.
type TableType struct {
	ElemType ValType
	Limits   MemoryLimits
}

// TableSegment is an active element segment: elements land starting at
// Offset (evaluated at init time) into table TableIndex.
type TableSegment struct {
	TableIndex int
	Offset     ConstExpr
	// FuncIndices holds a function index per element, or -1 for a null
	// entry (funcref tables only — the only element kind this spec's
	// scenario exercises, §8 scenario 5).
	FuncIndices []int
}

// TableInitializer carries a defined table's initial fill value and the
// active segments layered on top of it.
type TableInitializer struct {
	TableIndex int
	Initial    ConstExpr // evaluates to null or a func index reference
	Segments   []TableSegment
}

// MemoryInitializer is a runtime (active) data segment: raw bytes copied
// into a memory at a const-expr offset.
type MemoryInitializer struct {
	MemoryIndex int
	Offset      ConstExpr
	Data        []byte
}

// Module is the translator's output: everything the instance initializer
// and the function environment need, with codegen deferred (§4.J).
type Module struct {
	Types []FuncType

	ImportedMemories []MemoryImport
	DefinedMemories  []MemoryLimits

	ImportedTables []TableImport
	DefinedTables  []TableType

	ImportedGlobals []GlobalImport
	DefinedGlobals  []GlobalType

	ImportedFuncs []int // signature index per imported func
	Functions     []Function

	GlobalInitializers map[int]ConstExpr // defined-global index -> expr
	TableInitializers  []TableInitializer
	MemoryInitializers []MemoryInitializer

	// CodeBodies holds each defined function's raw, undecoded body bytes;
	// the codegen backend is the only consumer (§4.J: "defers codegen").
	CodeBodies [][]byte

	// CanonicalTypes and TypeCanonical are the module-internal type map
	// used by indirect calls and reference types (§4.J): TypeCanonical[i]
	// names which CanonicalTypes entry Types[i] collapses to, so
	// call_indirect can compare small ints instead of structural types.
	CanonicalTypes []FuncType
	TypeCanonical  []int

	// NumFuncRefs is how many func-ref slots the instance must allocate:
	// one per defined function whose address is taken.
	NumFuncRefs int

	// typeDedup maps a signature's content hash to its canonical index,
	// so two functions with identical signatures share one CanonicalTypes entry.
	typeDedup *dedupTable
}
