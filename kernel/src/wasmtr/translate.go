package wasmtr

import (
	"encoding/binary"

	"kerr"
)

const (
	wasmMagic   = 0x6d736100 // "\0asm"
	wasmVersion = 1
)

const (
	secCustom    = 0
	secType      = 1
	secImport    = 2
	secFunction  = 3
	secTable     = 4
	secMemory    = 5
	secGlobal    = 6
	secExport    = 7
	secStart     = 8
	secElement   = 9
	secCode      = 10
	secData      = 11
	secDataCount = 12
)

const (
	importKindFunc   = 0
	importKindTable  = 1
	importKindMemory = 2
	importKindGlobal = 3
)

// Parse walks a WASM module binary's sections in order, populating a
// Module (§4.J). Unsupported/unused sections (custom, export, start,
// data count) are skipped by length rather than decoded, since nothing
// downstream of this translator consumes them.
func Parse(data []byte) (*Module, error) {
	r := &byteReader{buf: data}

	magic, err := r.bytes(4)
	if err != nil {
		return nil, kerr.EINVAL
	}
	if binary.LittleEndian.Uint32(magic) != wasmMagic {
		return nil, kerr.EINVAL
	}
	ver, err := r.bytes(4)
	if err != nil {
		return nil, kerr.EINVAL
	}
	if binary.LittleEndian.Uint32(ver) != wasmVersion {
		return nil, kerr.EINVAL
	}

	m := &Module{
		GlobalInitializers: map[int]ConstExpr{},
		typeDedup:          newDedupTable(64),
	}

	for r.remaining() > 0 {
		id, err := r.byte()
		if err != nil {
			return nil, err
		}
		size, err := r.u32()
		if err != nil {
			return nil, err
		}
		body, err := r.bytes(int(size))
		if err != nil {
			return nil, err
		}
		sr := &byteReader{buf: body}

		switch id {
		case secType:
			if err := parseTypeSection(sr, m); err != nil {
				return nil, err
			}
		case secImport:
			if err := parseImportSection(sr, m); err != nil {
				return nil, err
			}
		case secFunction:
			if err := parseFunctionSection(sr, m); err != nil {
				return nil, err
			}
		case secTable:
			if err := parseTableSection(sr, m); err != nil {
				return nil, err
			}
		case secMemory:
			if err := parseMemorySection(sr, m); err != nil {
				return nil, err
			}
		case secGlobal:
			if err := parseGlobalSection(sr, m); err != nil {
				return nil, err
			}
		case secElement:
			if err := parseElementSection(sr, m); err != nil {
				return nil, err
			}
		case secCode:
			if err := parseCodeSection(sr, m); err != nil {
				return nil, err
			}
		case secData:
			if err := parseDataSection(sr, m); err != nil {
				return nil, err
			}
		case secCustom, secExport, secStart, secDataCount:
			// not needed downstream; the length-prefixed read above
			// already consumed the section body.
		}
	}

	m.TypeCanonical = make([]int, len(m.Types))
	for i, ft := range m.Types {
		m.TypeCanonical[i] = m.typeDedup.internTypeIndex(ft, &m.CanonicalTypes)
	}

	assignFuncRefIndices(m)

	return m, nil
}

// assignFuncRefIndices hands out a func-ref slot to every defined
// function whose address is taken by an element segment (the only
// address-taking construct this translator parses).
func assignFuncRefIndices(m *Module) {
	next := 0
	assign := func(funcIdx int) {
		defined := funcIdx - len(m.ImportedFuncs)
		if defined < 0 || defined >= len(m.Functions) {
			return
		}
		if m.Functions[defined].FuncRefIndex == -1 {
			m.Functions[defined].FuncRefIndex = next
			next++
		}
	}
	for _, ti := range m.TableInitializers {
		for _, seg := range ti.Segments {
			for _, fi := range seg.FuncIndices {
				if fi >= 0 {
					assign(fi)
				}
			}
		}
	}
	m.NumFuncRefs = next
}

func readValType(r *byteReader) (ValType, error) {
	b, err := r.byte()
	if err != nil {
		return 0, err
	}
	return ValType(b), nil
}

func parseTypeSection(r *byteReader, m *Module) error {
	count, err := r.u32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		form, err := r.byte()
		if err != nil {
			return err
		}
		if form != 0x60 {
			return kerr.EINVAL
		}
		nparams, err := r.u32()
		if err != nil {
			return err
		}
		params := make([]ValType, nparams)
		for j := range params {
			if params[j], err = readValType(r); err != nil {
				return err
			}
		}
		nresults, err := r.u32()
		if err != nil {
			return err
		}
		results := make([]ValType, nresults)
		for j := range results {
			if results[j], err = readValType(r); err != nil {
				return err
			}
		}
		m.Types = append(m.Types, FuncType{Params: params, Results: results})
	}
	return nil
}

func readLimits(r *byteReader) (MemoryLimits, error) {
	flags, err := r.byte()
	if err != nil {
		return MemoryLimits{}, err
	}
	min, err := r.u32()
	if err != nil {
		return MemoryLimits{}, err
	}
	l := MemoryLimits{Min: min}
	if flags&1 != 0 {
		max, err := r.u32()
		if err != nil {
			return MemoryLimits{}, err
		}
		l.Max = max
		l.HasMax = true
	}
	return l, nil
}

func readName(r *byteReader) (string, error) {
	n, err := r.u32()
	if err != nil {
		return "", err
	}
	b, err := r.bytes(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func parseImportSection(r *byteReader, m *Module) error {
	count, err := r.u32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		mod, err := readName(r)
		if err != nil {
			return err
		}
		field, err := readName(r)
		if err != nil {
			return err
		}
		kind, err := r.byte()
		if err != nil {
			return err
		}
		switch kind {
		case importKindFunc:
			sig, err := r.u32()
			if err != nil {
				return err
			}
			m.ImportedFuncs = append(m.ImportedFuncs, int(sig))
		case importKindTable:
			elem, err := readValType(r)
			if err != nil {
				return err
			}
			lim, err := readLimits(r)
			if err != nil {
				return err
			}
			m.ImportedTables = append(m.ImportedTables, TableImport{Module: mod, Field: field, ElemType: elem, Limits: lim})
		case importKindMemory:
			lim, err := readLimits(r)
			if err != nil {
				return err
			}
			m.ImportedMemories = append(m.ImportedMemories, MemoryImport{Module: mod, Field: field, Limits: lim})
		case importKindGlobal:
			typ, err := readValType(r)
			if err != nil {
				return err
			}
			mutByte, err := r.byte()
			if err != nil {
				return err
			}
			m.ImportedGlobals = append(m.ImportedGlobals, GlobalImport{Module: mod, Field: field, Type: typ, Mutable: mutByte != 0})
		default:
			return kerr.EINVAL
		}
	}
	return nil
}

func parseFunctionSection(r *byteReader, m *Module) error {
	count, err := r.u32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		sig, err := r.u32()
		if err != nil {
			return err
		}
		m.Functions = append(m.Functions, Function{SigIndex: int(sig), FuncRefIndex: -1})
	}
	return nil
}

func parseTableSection(r *byteReader, m *Module) error {
	count, err := r.u32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		elem, err := readValType(r)
		if err != nil {
			return err
		}
		lim, err := readLimits(r)
		if err != nil {
			return err
		}
		m.DefinedTables = append(m.DefinedTables, TableType{ElemType: elem, Limits: lim})
	}
	return nil
}

func parseMemorySection(r *byteReader, m *Module) error {
	count, err := r.u32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		lim, err := readLimits(r)
		if err != nil {
			return err
		}
		m.DefinedMemories = append(m.DefinedMemories, lim)
	}
	return nil
}

// readConstExpr copies bytes up to and including the terminating 0x0B
// (end) opcode without interpreting them; Eval does that later.
func readConstExpr(r *byteReader) (ConstExpr, error) {
	start := r.pos
	for {
		b, err := r.byte()
		if err != nil {
			return ConstExpr{}, err
		}
		switch b {
		case 0x41: // i32.const
			if _, err := r.i32(); err != nil {
				return ConstExpr{}, err
			}
		case 0x42: // i64.const
			if _, err := r.i64(); err != nil {
				return ConstExpr{}, err
			}
		case 0x43: // f32.const
			if _, err := r.bytes(4); err != nil {
				return ConstExpr{}, err
			}
		case 0x44: // f64.const
			if _, err := r.bytes(8); err != nil {
				return ConstExpr{}, err
			}
		case 0xD0: // ref.null
			if _, err := r.byte(); err != nil {
				return ConstExpr{}, err
			}
		case 0x23: // global.get
			if _, err := r.u32(); err != nil {
				return ConstExpr{}, err
			}
		case 0x0B: // end
			return ConstExpr{Ops: append([]byte(nil), r.buf[start:r.pos]...)}, nil
		default:
			return ConstExpr{}, kerr.EINVAL
		}
	}
}

func parseGlobalSection(r *byteReader, m *Module) error {
	count, err := r.u32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		typ, err := readValType(r)
		if err != nil {
			return err
		}
		mutByte, err := r.byte()
		if err != nil {
			return err
		}
		expr, err := readConstExpr(r)
		if err != nil {
			return err
		}
		idx := len(m.DefinedGlobals)
		m.DefinedGlobals = append(m.DefinedGlobals, GlobalType{Type: typ, Mutable: mutByte != 0})
		m.GlobalInitializers[idx] = expr
	}
	return nil
}

func parseElementSection(r *byteReader, m *Module) error {
	count, err := r.u32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		tableIdx, err := r.u32()
		if err != nil {
			return err
		}
		offset, err := readConstExpr(r)
		if err != nil {
			return err
		}
		n, err := r.u32()
		if err != nil {
			return err
		}
		indices := make([]int, n)
		for j := range indices {
			fi, err := r.u32()
			if err != nil {
				return err
			}
			indices[j] = int(fi)
		}
		seg := TableSegment{TableIndex: int(tableIdx), Offset: offset, FuncIndices: indices}

		found := false
		for ti := range m.TableInitializers {
			if m.TableInitializers[ti].TableIndex == int(tableIdx) {
				m.TableInitializers[ti].Segments = append(m.TableInitializers[ti].Segments, seg)
				found = true
				break
			}
		}
		if !found {
			m.TableInitializers = append(m.TableInitializers, TableInitializer{
				TableIndex: int(tableIdx),
				Segments:   []TableSegment{seg},
			})
		}
	}
	return nil
}

func parseCodeSection(r *byteReader, m *Module) error {
	count, err := r.u32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		size, err := r.u32()
		if err != nil {
			return err
		}
		body, err := r.bytes(int(size))
		if err != nil {
			return err
		}
		m.CodeBodies = append(m.CodeBodies, append([]byte(nil), body...))
	}
	return nil
}

func parseDataSection(r *byteReader, m *Module) error {
	count, err := r.u32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		memIdx, err := r.u32()
		if err != nil {
			return err
		}
		offset, err := readConstExpr(r)
		if err != nil {
			return err
		}
		n, err := r.u32()
		if err != nil {
			return err
		}
		data, err := r.bytes(int(n))
		if err != nil {
			return err
		}
		m.MemoryInitializers = append(m.MemoryInitializers, MemoryInitializer{
			MemoryIndex: int(memIdx),
			Offset:      offset,
			Data:        append([]byte(nil), data...),
		})
	}
	return nil
}
