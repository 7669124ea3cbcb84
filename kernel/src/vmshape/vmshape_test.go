package vmshape

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildProducesValidShape(t *testing.T) {
	s := Build(Counts{
		ImportedMemories: 1,
		DefinedMemories:  2,
		ImportedFuncs:    3,
		ImportedTables:   1,
		DefinedTables:    2,
		ImportedGlobals:  1,
		DefinedGlobals:   4,
		ImportedTags:     0,
		DefinedTags:      0,
		FuncRefs:         5,
	})
	require.NoError(t, s.Validate())
	require.Greater(t, s.Size, uint32(0))
	require.Zero(t, s.MagicOffset)
}

func TestEveryEntityOffsetFitsWithinSize(t *testing.T) {
	s := Build(Counts{
		ImportedMemories: 2,
		DefinedMemories:  3,
		ImportedFuncs:    4,
		ImportedTables:   2,
		DefinedTables:    3,
		ImportedGlobals:  2,
		DefinedGlobals:   5,
		FuncRefs:         6,
	})

	for i := 0; i < 2; i++ {
		require.LessOrEqual(t, s.ImportedMemoryOffset(i)+SizeImportedMemory, s.Size)
	}
	for i := 0; i < 3; i++ {
		require.LessOrEqual(t, s.OwnedMemoryDefOffset(i)+SizeMemoryDef, s.Size)
	}
	for i := 0; i < 3; i++ {
		require.LessOrEqual(t, s.DefinedTableOffset(i)+SizeTableDef, s.Size)
	}
	for i := 0; i < 5; i++ {
		require.LessOrEqual(t, s.DefinedGlobalOffset(i)+SizeGlobalDef, s.Size)
	}
	for i := 0; i < 6; i++ {
		require.LessOrEqual(t, s.FuncRefOffset(i)+SizeFuncRef, s.Size)
	}
}

func TestDefinedGlobalsAre16ByteAligned(t *testing.T) {
	s := Build(Counts{DefinedTables: 1, DefinedGlobals: 1})
	require.Zero(t, s.DefinedGlobalsOffset%16)
}

func TestEmptyModuleStillHasValidPrefix(t *testing.T) {
	s := Build(Counts{})
	require.NoError(t, s.Validate())
	require.Equal(t, uint32(0), s.MagicOffset)
	require.Greater(t, s.ImportedMemoriesOffset, s.MagicOffset)
}

func TestOffsetsAreMonotonicByCategory(t *testing.T) {
	s := Build(Counts{
		ImportedMemories: 1, DefinedMemories: 1, ImportedFuncs: 1,
		ImportedTables: 1, DefinedTables: 1, ImportedGlobals: 1,
		DefinedGlobals: 1, FuncRefs: 1,
	})
	offsets := []uint32{
		s.MagicOffset, s.ImportedMemoriesOffset, s.DefinedMemPtrsOffset,
		s.OwnedMemoryDefsOffset, s.ImportedFuncsOffset, s.ImportedTablesOffset,
		s.ImportedGlobalsOffset, s.ImportedTagsOffset, s.DefinedTablesOffset,
		s.DefinedGlobalsOffset, s.DefinedTagsOffset, s.FuncRefsOffset, s.Size,
	}
	for i := 1; i < len(offsets); i++ {
		require.LessOrEqual(t, offsets[i-1], offsets[i])
	}
}
