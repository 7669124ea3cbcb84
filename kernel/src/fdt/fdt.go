// Package fdt reads a flattened device tree: header validation,
// compatible-string matching, reg/interrupt property decoding, and
// phandle lookup (§6). Only the reader surface is in scope; the
// drivers that would consume it are out of scope collaborators.
package fdt

import (
	"encoding/binary"
	"fmt"
)

const magic = 0xd00dfeed

const (
	tokenBeginNode = 0x00000001
	tokenEndNode   = 0x00000002
	tokenProp      = 0x00000003
	tokenNop       = 0x00000004
	tokenEnd       = 0x00000009
)

// Header is the fixed-size prologue of a flattened device tree blob.
type Header struct {
	Magic                 uint32
	TotalSize              uint32
	StructsOffset          uint32
	StringsOffset          uint32
	MemReserveMapOffset    uint32
	Version                uint32
	LastCompatibleVersion  uint32
	BootCPUID              uint32
	StringsSize            uint32
	StructsSize            uint32
}

func parseHeader(data []byte) (Header, error) {
	if len(data) < 40 {
		return Header{}, fmt.Errorf("fdt: truncated header")
	}
	h := Header{
		Magic:                 binary.BigEndian.Uint32(data[0:4]),
		TotalSize:             binary.BigEndian.Uint32(data[4:8]),
		StructsOffset:         binary.BigEndian.Uint32(data[8:12]),
		StringsOffset:         binary.BigEndian.Uint32(data[12:16]),
		MemReserveMapOffset:   binary.BigEndian.Uint32(data[16:20]),
		Version:               binary.BigEndian.Uint32(data[20:24]),
		LastCompatibleVersion: binary.BigEndian.Uint32(data[24:28]),
		BootCPUID:             binary.BigEndian.Uint32(data[28:32]),
		StringsSize:           binary.BigEndian.Uint32(data[32:36]),
		StructsSize:           binary.BigEndian.Uint32(data[36:40]),
	}
	if h.Magic != magic {
		return Header{}, fmt.Errorf("fdt: bad magic 0x%x", h.Magic)
	}
	if uint64(len(data)) < uint64(h.TotalSize) {
		return Header{}, fmt.Errorf("fdt: buffer shorter than total_size")
	}
	return h, nil
}

// Property is one name/value pair attached to a Node. Accessors decode
// the big-endian cell encoding the device tree spec mandates.
type Property struct {
	Name string
	Raw  []byte
}

func (p Property) AsU32() (uint32, error) {
	if len(p.Raw) != 4 {
		return 0, fmt.Errorf("fdt: property %q is not a u32", p.Name)
	}
	return binary.BigEndian.Uint32(p.Raw), nil
}

func (p Property) AsU64() (uint64, error) {
	switch len(p.Raw) {
	case 4:
		return uint64(binary.BigEndian.Uint32(p.Raw)), nil
	case 8:
		return binary.BigEndian.Uint64(p.Raw), nil
	default:
		return 0, fmt.Errorf("fdt: property %q is not a u64", p.Name)
	}
}

func (p Property) AsString() (string, error) {
	s := p.Raw
	for len(s) > 0 && s[len(s)-1] == 0 {
		s = s[:len(s)-1]
	}
	return string(s), nil
}

// AsStringList splits a NUL-separated string-list property into its
// components (e.g. a "compatible" property with fallback entries).
func (p Property) AsStringList() []string {
	var out []string
	start := 0
	for i, b := range p.Raw {
		if b == 0 {
			if i > start {
				out = append(out, string(p.Raw[start:i]))
			}
			start = i + 1
		}
	}
	return out
}

// CellSizes is the #address-cells/#size-cells pair governing how a
// node's own "reg" property is encoded; inherited from the nearest
// ancestor that declares it.
type CellSizes struct {
	AddressCells int
	SizeCells    int
}

var defaultCellSizes = CellSizes{AddressCells: 2, SizeCells: 1}

// Node is one device tree node: its name, decoded compatible/phandle
// shortcuts, its properties, and its place in the tree.
type Node struct {
	Name        string
	UnitAddress string
	Compatible  []string
	Phandle     uint32
	HasPhandle  bool

	Properties []Property
	Parent     *Node
	Children   []*Node

	cellSizes CellSizes
}

func (n *Node) property(name string) (Property, bool) {
	for _, p := range n.Properties {
		if p.Name == name {
			return p, true
		}
	}
	return Property{}, false
}

// Property returns the named property of this node, if present.
func (n *Node) Property(name string) (Property, bool) { return n.property(name) }

// IsCompatible reports whether any of the node's compatible strings
// matches one of want.
func (n *Node) IsCompatible(want ...string) bool {
	for _, c := range n.Compatible {
		for _, w := range want {
			if c == w {
				return true
			}
		}
	}
	return false
}

// IsAvailable reports whether the node's status property is "okay" or
// absent (absent means available per the device tree spec).
func (n *Node) IsAvailable() bool {
	p, ok := n.property("status")
	if !ok {
		return true
	}
	s, _ := p.AsString()
	return s == "okay" || s == ""
}

// CellSizes returns the address/size cell widths governing this
// node's own reg property (inherited from the tree, §6).
func (n *Node) CellSizes() CellSizes { return n.cellSizes }

// Reg is one decoded entry of a node's "reg" property.
type Reg struct {
	Address uint64
	Size    uint64
	HasSize bool
}

// Regs decodes the node's "reg" property into a slice of address/size
// pairs using the node's inherited cell sizes.
func (n *Node) Regs() ([]Reg, error) {
	p, ok := n.property("reg")
	if !ok {
		return nil, nil
	}
	addrBytes := n.cellSizes.AddressCells * 4
	sizeBytes := n.cellSizes.SizeCells * 4
	stride := addrBytes + sizeBytes
	if stride == 0 || len(p.Raw)%stride != 0 {
		return nil, fmt.Errorf("fdt: malformed reg property on %q", n.Name)
	}
	var out []Reg
	for off := 0; off < len(p.Raw); off += stride {
		r := Reg{}
		switch n.cellSizes.AddressCells {
		case 1:
			r.Address = uint64(binary.BigEndian.Uint32(p.Raw[off : off+4]))
		case 2:
			r.Address = binary.BigEndian.Uint64(p.Raw[off : off+8])
		default:
			return nil, fmt.Errorf("fdt: unsupported address-cells %d", n.cellSizes.AddressCells)
		}
		switch n.cellSizes.SizeCells {
		case 0:
			r.HasSize = false
		case 1:
			r.Size = uint64(binary.BigEndian.Uint32(p.Raw[off+addrBytes : off+addrBytes+4]))
			r.HasSize = true
		case 2:
			r.Size = binary.BigEndian.Uint64(p.Raw[off+addrBytes : off+addrBytes+8])
			r.HasSize = true
		default:
			return nil, fmt.Errorf("fdt: unsupported size-cells %d", n.cellSizes.SizeCells)
		}
		out = append(out, r)
	}
	return out, nil
}

// InterruptCells returns the node's own #interrupt-cells value, for
// children that reference it as their interrupt-parent.
func (n *Node) InterruptCells() (int, bool) {
	p, ok := n.property("#interrupt-cells")
	if !ok {
		return 0, false
	}
	v, err := p.AsU32()
	if err != nil {
		return 0, false
	}
	return int(v), true
}

// Interrupts decodes the node's "interrupts" property into raw cell
// groups sized by its interrupt-parent's #interrupt-cells; resolving
// the parent's identity is the caller's job via Tree.FindByPhandle.
func (n *Node) Interrupts(parentCells int) ([][]uint32, error) {
	p, ok := n.property("interrupts")
	if !ok {
		return nil, nil
	}
	if parentCells <= 0 {
		return nil, fmt.Errorf("fdt: no interrupt-parent cell width for %q", n.Name)
	}
	stride := parentCells * 4
	if len(p.Raw)%stride != 0 {
		return nil, fmt.Errorf("fdt: malformed interrupts property on %q", n.Name)
	}
	var out [][]uint32
	for off := 0; off < len(p.Raw); off += stride {
		cells := make([]uint32, parentCells)
		for i := 0; i < parentCells; i++ {
			cells[i] = binary.BigEndian.Uint32(p.Raw[off+i*4 : off+i*4+4])
		}
		out = append(out, cells)
	}
	return out, nil
}

// InterruptParentPhandle returns the node's interrupt-parent phandle,
// if it names one explicitly.
func (n *Node) InterruptParentPhandle() (uint32, bool) {
	p, ok := n.property("interrupt-parent")
	if !ok {
		return 0, false
	}
	v, err := p.AsU32()
	if err != nil {
		return 0, false
	}
	return v, true
}

// Tree is a fully-parsed device tree: the root node plus a phandle
// index for cross-node lookups (interrupt routing, clock/reset
// providers).
type Tree struct {
	Root       *Node
	byPhandle  map[uint32]*Node
}

// FindByPhandle resolves a phandle value to the node that declared it.
func (t *Tree) FindByPhandle(ph uint32) (*Node, bool) {
	n, ok := t.byPhandle[ph]
	return n, ok
}

// FindByPath walks the tree from the root following slash-separated
// path components, e.g. "/soc/uart@10000000".
func (t *Tree) FindByPath(path string) (*Node, bool) {
	node := t.Root
	start := 0
	for start < len(path) && path[start] == '/' {
		start++
	}
	path = path[start:]
	if path == "" {
		return t.Root, true
	}
	for _, comp := range splitPath(path) {
		found := false
		for _, c := range node.Children {
			full := c.Name
			if c.UnitAddress != "" {
				full += "@" + c.UnitAddress
			}
			if full == comp {
				node = c
				found = true
				break
			}
		}
		if !found {
			return nil, false
		}
	}
	return node, true
}

func splitPath(path string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '/' {
			if i > start {
				out = append(out, path[start:i])
			}
			start = i + 1
		}
	}
	return out
}

// Walk visits every node in the tree, depth-first, pre-order.
func (t *Tree) Walk(visit func(*Node)) {
	var rec func(*Node)
	rec = func(n *Node) {
		visit(n)
		for _, c := range n.Children {
			rec(c)
		}
	}
	rec(t.Root)
}
