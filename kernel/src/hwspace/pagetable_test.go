package hwspace

import (
	"testing"

	"memtypes"

	"github.com/stretchr/testify/require"
)

type fakeAlloc struct{ next memtypes.Pa }

func (f *fakeAlloc) AllocTable() (memtypes.Pa, error) {
	f.next = f.next.Add(memtypes.PageSize)
	return f.next, nil
}

func TestMapContiguousRejectsOverwrite(t *testing.T) {
	arch := NewFourLevel(&fakeAlloc{})
	flush := &Flush{}
	r := memtypes.Range{Start: 0, End: memtypes.PageSize}
	require.NoError(t, arch.MapContiguous(r, 0x1000, Read|Write, flush))
	err := arch.MapContiguous(r, 0x2000, Read, flush)
	require.Error(t, err)
}

func TestRemapRequiresExistingLeaf(t *testing.T) {
	arch := NewFourLevel(&fakeAlloc{})
	flush := &Flush{}
	r := memtypes.Range{Start: 0, End: memtypes.PageSize}
	err := arch.RemapContiguous(r, 0x1000, Read, flush)
	require.Error(t, err)

	require.NoError(t, arch.MapContiguous(r, 0x1000, Read, flush))
	require.NoError(t, arch.RemapContiguous(r, 0x3000, Read|Write, flush))
}

func TestDiagnoseReportsPresentLeaves(t *testing.T) {
	arch := NewFourLevel(&fakeAlloc{})
	flush := &Flush{}
	r := memtypes.Range{Start: 0, End: memtypes.PageSize}
	require.NoError(t, arch.MapContiguous(r, 0x1000, Read|Write, flush))

	diags, ok := Diagnose(arch)
	require.True(t, ok)
	require.Len(t, diags, 1)
	require.Equal(t, memtypes.Pa(0x1000), diags[0].Phys)
}

func TestFlushCommitDeliversEachRangeThenClearsBatch(t *testing.T) {
	arch := NewFourLevel(&fakeAlloc{})
	flush := &Flush{}
	r1 := memtypes.Range{Start: 0, End: memtypes.PageSize}
	r2 := memtypes.Range{Start: memtypes.PageSize, End: 2 * memtypes.PageSize}
	require.NoError(t, arch.MapContiguous(r1, 0x1000, Read, flush))
	require.NoError(t, arch.MapContiguous(r2, 0x2000, Read, flush))

	var shot []memtypes.Range
	flush.Commit(func(r memtypes.Range) { shot = append(shot, r) })
	require.Len(t, shot, 2)

	var shot2 []memtypes.Range
	flush.Commit(func(r memtypes.Range) { shot2 = append(shot2, r) })
	require.Empty(t, shot2, "second commit on an empty batch must be a no-op")
}
