package region

import (
	"testing"

	"frame"
	"hwspace"
	"memtypes"
	"vmo"

	"github.com/stretchr/testify/require"
)

type fakeTableAlloc struct{ next memtypes.Pa }

func (f *fakeTableAlloc) AllocTable() (memtypes.Pa, error) {
	f.next = f.next.Add(memtypes.PageSize)
	return f.next, nil
}

type fakeFrameAlloc struct{ next memtypes.Pa }

func (f *fakeFrameAlloc) Allocate(l frame.Layout) (memtypes.Pa, uint64, error) {
	f.next = f.next.Add(memtypes.PageSize)
	return f.next, l.Size, nil
}
func (f *fakeFrameAlloc) Deallocate(memtypes.Pa, frame.Layout) {}

const spaceMax = memtypes.Va(1) << 46

func TestMapFirstFitWithoutASLR(t *testing.T) {
	arch := hwspace.NewFourLevel(&fakeTableAlloc{})
	sp := NewSpace(0, spaceMax, arch, nil)

	b0, err := sp.Map(memtypes.PageSize, hwspace.Read|hwspace.Write, vmo.NewWired(), 0, "a")
	require.NoError(t, err)
	require.EqualValues(t, 0, b0)

	b1, err := sp.Map(memtypes.PageSize, hwspace.Read|hwspace.Write, vmo.NewWired(), 0, "b")
	require.NoError(t, err)
	require.EqualValues(t, memtypes.PageSize, b1)

	b2, err := sp.Map(memtypes.PageSize, hwspace.Read|hwspace.Write, vmo.NewWired(), 0, "c")
	require.NoError(t, err)
	require.EqualValues(t, 2*memtypes.PageSize, b2)

	require.Equal(t, uint64(spaceMax)-3*memtypes.PageSize, sp.RootGap())
}

func TestPageFaultCowUpgrade(t *testing.T) {
	arch := hwspace.NewFourLevel(&fakeTableAlloc{})
	v := vmo.NewPaged(&fakeFrameAlloc{})
	sp := NewSpace(0, spaceMax, arch, nil)

	require.NoError(t, sp.MapSpecific(0, 2*memtypes.PageSize, hwspace.Read|hwspace.Write, v, 0, "heap"))

	// commit page 0 read-only first: must not allocate an owned frame
	require.NoError(t, sp.Commit(memtypes.Range{Start: 0, End: memtypes.PageSize}, false))
	require.Equal(t, 0, v.Paged.OwnedCount())

	// write-fault page 1: must allocate exactly one owned frame
	writeRng := memtypes.Range{Start: memtypes.PageSize, End: 2 * memtypes.PageSize}
	require.NoError(t, sp.Commit(writeRng, true))
	require.Equal(t, 1, v.Paged.OwnedCount())

	// page 0 must still be served by the shared zero page
	pa, isZero := v.Paged.RequireReadFrame(0)
	require.True(t, isZero)
	require.Equal(t, vmo.ZeroPa, pa)
}

func TestUnmapRejectsHoles(t *testing.T) {
	arch := hwspace.NewFourLevel(&fakeTableAlloc{})
	sp := NewSpace(0, spaceMax, arch, nil)

	require.NoError(t, sp.MapSpecific(0, memtypes.PageSize, hwspace.Read, vmo.NewWired(), 0, "a"))
	require.NoError(t, sp.MapSpecific(2*memtypes.PageSize, memtypes.PageSize, hwspace.Read, vmo.NewWired(), 0, "b"))

	err := sp.Unmap(memtypes.Range{Start: 0, End: 3 * memtypes.PageSize})
	require.Error(t, err)
}

func TestProtectRejectsWidening(t *testing.T) {
	arch := hwspace.NewFourLevel(&fakeTableAlloc{})
	sp := NewSpace(0, spaceMax, arch, nil)
	require.NoError(t, sp.MapSpecific(0, memtypes.PageSize, hwspace.Read, vmo.NewWired(), 0, "a"))

	err := sp.Protect(memtypes.Range{Start: 0, End: memtypes.PageSize}, hwspace.Read|hwspace.Write)
	require.Error(t, err)

	require.NoError(t, sp.Protect(memtypes.Range{Start: 0, End: memtypes.PageSize}, hwspace.Read))
}

func TestProtectIdempotent(t *testing.T) {
	arch := hwspace.NewFourLevel(&fakeTableAlloc{})
	sp := NewSpace(0, spaceMax, arch, nil)
	require.NoError(t, sp.MapSpecific(0, memtypes.PageSize, hwspace.Read|hwspace.Write, vmo.NewWired(), 0, "a"))

	rng := memtypes.Range{Start: 0, End: memtypes.PageSize}
	require.NoError(t, sp.Protect(rng, hwspace.Read))
	require.NoError(t, sp.Protect(rng, hwspace.Read))
}
