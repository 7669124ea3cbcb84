package region

import (
	"math/rand"
	"testing"

	"hwspace"
	"memtypes"
	"vmo"

	"github.com/stretchr/testify/require"
)

func checkAugmentation(t *testing.T, tr *Tree, n *node) memtypes.Range {
	t.Helper()
	if n == nil {
		return memtypes.Range{}
	}
	sr := n.region.Rng
	if n.left != nil {
		sr = sr.Union(checkAugmentation(t, tr, n.left))
	}
	if n.right != nil {
		sr = sr.Union(checkAugmentation(t, tr, n.right))
	}
	require.Equal(t, sr, n.subtreeRange, "subtree_range must equal the union of node+children")
	return sr
}

func TestTreeAugmentationHoldsAfterRandomInsertsAndDeletes(t *testing.T) {
	tr := NewTree(0, memtypes.Va(1)<<40)
	rng := rand.New(rand.NewSource(1))

	var nodes []*node
	for i := 0; i < 200; i++ {
		start := memtypes.Va(rng.Int63n(1 << 30)).RoundDown()
		r := Region{Rng: memtypes.Range{Start: start, End: start.Add(memtypes.PageSize)}, VMO: vmo.NewWired(), Attrs: hwspace.Read}
		if n, ok := tr.insert(r); ok {
			nodes = append(nodes, n)
		}
	}
	require.NotEmpty(t, nodes)
	checkAugmentation(t, tr, tr.root)

	for i := 0; i < len(nodes)/2; i++ {
		tr.remove(nodes[i])
	}
	checkAugmentation(t, tr, tr.root)
}

func TestFindSpotFirstFit(t *testing.T) {
	tr := NewTree(0, 10*memtypes.PageSize)
	r := Region{Rng: memtypes.Range{Start: 2 * memtypes.PageSize, End: 3 * memtypes.PageSize}, VMO: vmo.NewWired()}
	_, ok := tr.insert(r)
	require.True(t, ok)

	base, ok := tr.FindSpot(memtypes.PageSize, memtypes.PageSize, nil)
	require.True(t, ok)
	require.EqualValues(t, 0, base)
}

func TestFindSpotUsesEndGapSentinel(t *testing.T) {
	max := memtypes.Va(4) * memtypes.PageSize
	tr := NewTree(0, max)
	r := Region{Rng: memtypes.Range{Start: 0, End: 2 * memtypes.PageSize}, VMO: vmo.NewWired()}
	_, ok := tr.insert(r)
	require.True(t, ok)

	base, ok := tr.FindSpot(2*memtypes.PageSize, memtypes.PageSize, nil)
	require.True(t, ok)
	require.EqualValues(t, 2*memtypes.PageSize, base)
}
