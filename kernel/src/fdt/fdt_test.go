package fdt

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

type blobBuilder struct {
	structs bytes.Buffer
	strs    bytes.Buffer
	strOff  map[string]uint32
}

func newBlobBuilder() *blobBuilder {
	return &blobBuilder{strOff: map[string]uint32{}}
}

func (b *blobBuilder) put32(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	b.structs.Write(tmp[:])
}

func (b *blobBuilder) beginNode(name string) {
	b.put32(tokenBeginNode)
	b.structs.WriteString(name)
	b.structs.WriteByte(0)
	b.align()
}

func (b *blobBuilder) endNode() {
	b.put32(tokenEndNode)
}

func (b *blobBuilder) align() {
	for b.structs.Len()%4 != 0 {
		b.structs.WriteByte(0)
	}
}

func (b *blobBuilder) nameOffset(name string) uint32 {
	if off, ok := b.strOff[name]; ok {
		return off
	}
	off := uint32(b.strs.Len())
	b.strs.WriteString(name)
	b.strs.WriteByte(0)
	b.strOff[name] = off
	return off
}

func (b *blobBuilder) prop(name string, value []byte) {
	b.put32(tokenProp)
	b.put32(uint32(len(value)))
	b.put32(b.nameOffset(name))
	b.structs.Write(value)
	b.align()
}

func (b *blobBuilder) propU32(name string, v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	b.prop(name, tmp[:])
}

func (b *blobBuilder) propString(name, v string) {
	b.prop(name, append([]byte(v), 0))
}

func (b *blobBuilder) propStringList(name string, vs ...string) {
	var buf []byte
	for _, v := range vs {
		buf = append(buf, v...)
		buf = append(buf, 0)
	}
	b.prop(name, buf)
}

func (b *blobBuilder) finish() []byte {
	b.put32(tokenEnd)

	const headerSize = 40
	structsOff := uint32(headerSize)
	structsSize := uint32(b.structs.Len())
	stringsOff := structsOff + structsSize
	stringsSize := uint32(b.strs.Len())
	total := stringsOff + stringsSize

	var out bytes.Buffer
	hdr := make([]byte, headerSize)
	binary.BigEndian.PutUint32(hdr[0:4], magic)
	binary.BigEndian.PutUint32(hdr[4:8], total)
	binary.BigEndian.PutUint32(hdr[8:12], structsOff)
	binary.BigEndian.PutUint32(hdr[12:16], stringsOff)
	binary.BigEndian.PutUint32(hdr[16:20], headerSize)
	binary.BigEndian.PutUint32(hdr[20:24], 17)
	binary.BigEndian.PutUint32(hdr[24:28], 16)
	binary.BigEndian.PutUint32(hdr[28:32], 0)
	binary.BigEndian.PutUint32(hdr[32:36], stringsSize)
	binary.BigEndian.PutUint32(hdr[36:40], structsSize)
	out.Write(hdr)
	out.Write(b.structs.Bytes())
	out.Write(b.strs.Bytes())
	return out.Bytes()
}

// buildTree constructs:
//
//	/ (#address-cells=2, #size-cells=1)
//	  intc (phandle 1, #interrupt-cells=1)
//	  soc (#address-cells=2, #size-cells=1)
//	    uart@10000000 (compatible, reg, interrupt-parent=1, interrupts)
func buildTree(t *testing.T) []byte {
	t.Helper()
	b := newBlobBuilder()
	b.beginNode("")
	b.propU32("#address-cells", 2)
	b.propU32("#size-cells", 1)

	b.beginNode("intc")
	b.propU32("phandle", 1)
	b.propU32("#interrupt-cells", 1)
	b.endNode()

	b.beginNode("soc")
	b.propU32("#address-cells", 2)
	b.propU32("#size-cells", 1)

	b.beginNode("uart@10000000")
	b.propStringList("compatible", "ns16550a", "generic-uart")
	reg := make([]byte, 12)
	binary.BigEndian.PutUint64(reg[0:8], 0x10000000)
	binary.BigEndian.PutUint32(reg[8:12], 0x1000)
	b.prop("reg", reg)
	b.propU32("interrupt-parent", 1)
	b.prop("interrupts", []byte{0, 0, 0, 5})
	b.propString("status", "okay")
	b.endNode()

	b.endNode() // soc
	b.endNode() // root

	return b.finish()
}

func TestParseWalksTreeAndResolvesPhandle(t *testing.T) {
	tree, err := Parse(buildTree(t))
	require.NoError(t, err)

	uart, ok := tree.FindByPath("/soc/uart@10000000")
	require.True(t, ok)
	require.True(t, uart.IsCompatible("ns16550a"))
	require.True(t, uart.IsAvailable())

	regs, err := uart.Regs()
	require.NoError(t, err)
	require.Len(t, regs, 1)
	require.EqualValues(t, 0x10000000, regs[0].Address)
	require.EqualValues(t, 0x1000, regs[0].Size)

	parentPh, ok := uart.InterruptParentPhandle()
	require.True(t, ok)
	require.EqualValues(t, 1, parentPh)

	intc, ok := tree.FindByPhandle(parentPh)
	require.True(t, ok)
	require.Equal(t, "intc", intc.Name)

	cells, ok := intc.InterruptCells()
	require.True(t, ok)
	require.Equal(t, 1, cells)

	irqs, err := uart.Interrupts(cells)
	require.NoError(t, err)
	require.Equal(t, [][]uint32{{5}}, irqs)
}

func TestParseRejectsBadMagic(t *testing.T) {
	_, err := Parse([]byte{0, 0, 0, 0})
	require.Error(t, err)
}

func TestNodeCellSizesInheritFromParent(t *testing.T) {
	tree, err := Parse(buildTree(t))
	require.NoError(t, err)

	uart, ok := tree.FindByPath("/soc/uart@10000000")
	require.True(t, ok)
	require.Equal(t, CellSizes{AddressCells: 2, SizeCells: 1}, uart.CellSizes())
}
