package fdt

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Parse decodes a flattened device tree blob into a Tree. Token walking
// follows the structure block token stream (FDT_BEGIN_NODE/END_NODE/
// PROP/NOP/END) defined by the device tree specification.
func Parse(data []byte) (*Tree, error) {
	h, err := parseHeader(data)
	if err != nil {
		return nil, err
	}

	stringsStart := int(h.StringsOffset)
	stringsEnd := stringsStart + int(h.StringsSize)
	if stringsEnd > len(data) {
		return nil, fmt.Errorf("fdt: strings block out of bounds")
	}
	strs := data[stringsStart:stringsEnd]

	structsStart := int(h.StructsOffset)
	structsEnd := structsStart + int(h.StructsSize)
	if structsEnd > len(data) {
		return nil, fmt.Errorf("fdt: structs block out of bounds")
	}
	structs := data[structsStart:structsEnd]

	p := &structParser{buf: structs, strs: strs}

	tok, err := p.token()
	if err != nil {
		return nil, err
	}
	if tok != tokenBeginNode {
		return nil, fmt.Errorf("fdt: expected root FDT_BEGIN_NODE")
	}

	root, err := p.parseNode(nil, defaultCellSizes)
	if err != nil {
		return nil, err
	}

	tree := &Tree{Root: root, byPhandle: map[uint32]*Node{}}
	tree.Walk(func(n *Node) {
		if n.HasPhandle {
			tree.byPhandle[n.Phandle] = n
		}
	})
	return tree, nil
}

type structParser struct {
	buf  []byte
	strs []byte
	pos  int
}

func (p *structParser) token() (uint32, error) {
	for {
		if p.pos+4 > len(p.buf) {
			return 0, fmt.Errorf("fdt: unexpected end of structs block")
		}
		v := binary.BigEndian.Uint32(p.buf[p.pos : p.pos+4])
		p.pos += 4
		if v == tokenNop {
			continue
		}
		return v, nil
	}
}

func (p *structParser) peekToken() (uint32, error) {
	save := p.pos
	t, err := p.token()
	p.pos = save
	return t, err
}

func (p *structParser) cstr() (string, error) {
	start := p.pos
	for p.pos < len(p.buf) && p.buf[p.pos] != 0 {
		p.pos++
	}
	if p.pos >= len(p.buf) {
		return "", fmt.Errorf("fdt: unterminated string")
	}
	s := string(p.buf[start:p.pos])
	p.pos++ // skip NUL
	p.align4()
	return s, nil
}

func (p *structParser) align4() {
	if rem := p.pos % 4; rem != 0 {
		p.pos += 4 - rem
	}
}

func (p *structParser) bytes(n int) ([]byte, error) {
	if p.pos+n > len(p.buf) {
		return nil, fmt.Errorf("fdt: unexpected end of structs block")
	}
	b := p.buf[p.pos : p.pos+n]
	p.pos += n
	p.align4()
	return b, nil
}

func (p *structParser) stringAt(offset uint32) (string, error) {
	if int(offset) >= len(p.strs) {
		return "", fmt.Errorf("fdt: string offset out of bounds")
	}
	end := int(offset)
	for end < len(p.strs) && p.strs[end] != 0 {
		end++
	}
	return string(p.strs[offset:end]), nil
}

// parseNode assumes the FDT_BEGIN_NODE token has already been consumed.
func (p *structParser) parseNode(parent *Node, inherited CellSizes) (*Node, error) {
	fullName, err := p.cstr()
	if err != nil {
		return nil, err
	}
	name, unitAddr := splitNodeName(fullName)

	n := &Node{
		Name:        name,
		UnitAddress: unitAddr,
		Parent:      parent,
		cellSizes:   inherited,
	}

	for {
		tok, err := p.peekToken()
		if err != nil {
			return nil, err
		}
		if tok != tokenProp {
			break
		}
		p.token()
		prop, err := p.parseProp()
		if err != nil {
			return nil, err
		}
		n.Properties = append(n.Properties, prop)

		switch prop.Name {
		case "compatible":
			n.Compatible = prop.AsStringList()
		case "phandle", "linux,phandle":
			if v, err := prop.AsU32(); err == nil {
				n.Phandle = v
				n.HasPhandle = true
			}
		}
	}

	childCells := inherited
	if cs, ok := n.ownCellSizes(); ok {
		childCells = cs
	}

	for {
		tok, err := p.token()
		if err != nil {
			return nil, err
		}
		switch tok {
		case tokenBeginNode:
			child, err := p.parseNode(n, childCells)
			if err != nil {
				return nil, err
			}
			n.Children = append(n.Children, child)
		case tokenEndNode:
			return n, nil
		case tokenEnd:
			return nil, fmt.Errorf("fdt: unexpected FDT_END inside node %q", n.Name)
		default:
			return nil, fmt.Errorf("fdt: unexpected token 0x%x in node %q", tok, n.Name)
		}
	}
}

func (n *Node) ownCellSizes() (CellSizes, bool) {
	ac, aok := n.property("#address-cells")
	sc, sok := n.property("#size-cells")
	if !aok || !sok {
		return CellSizes{}, false
	}
	a, err1 := ac.AsU32()
	s, err2 := sc.AsU32()
	if err1 != nil || err2 != nil {
		return CellSizes{}, false
	}
	return CellSizes{AddressCells: int(a), SizeCells: int(s)}, true
}

func (p *structParser) parseProp() (Property, error) {
	if p.pos+8 > len(p.buf) {
		return Property{}, fmt.Errorf("fdt: truncated property header")
	}
	length := binary.BigEndian.Uint32(p.buf[p.pos : p.pos+4])
	nameOff := binary.BigEndian.Uint32(p.buf[p.pos+4 : p.pos+8])
	p.pos += 8

	raw, err := p.bytes(int(length))
	if err != nil {
		return Property{}, err
	}
	name, err := p.stringAt(nameOff)
	if err != nil {
		return Property{}, err
	}
	return Property{Name: name, Raw: append([]byte(nil), raw...)}, nil
}

func splitNodeName(full string) (name, unitAddr string) {
	if full == "" {
		return "/", ""
	}
	if idx := strings.IndexByte(full, '@'); idx >= 0 {
		return full[:idx], full[idx+1:]
	}
	return full, ""
}
