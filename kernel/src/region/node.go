// Package region implements the address-space region tree (§4.C): a
// balanced BST of non-overlapping virtual-address regions augmented with
// subtree_range and max_gap so the allocator can answer "where is a free
// gap of size N" in O(log n). biscuit's vm.Vmregion_t plays this role for
// a flat process address space; this package generalizes it with gap-aware
// augmentation, ASLR placement, and the Paged/Phys/Wired VMO dispatch the
// spec requires.
package region

import (
	"math/rand"

	"hwspace"
	"memtypes"
	"vmo"
)

// Region is one entry in an address space (§3): a page-aligned range, its
// permitted attributes, and the VMO backing it.
type Region struct {
	Rng       memtypes.Range
	Attrs     hwspace.Attrs
	VMO       vmo.VMO
	VMOOffset uint64
	Name      string
}

// node is one tree vertex. Augmenting fields are a pure function of the
// node and its two children (§4.C); mutations always go through the tree
// API so subtreeRange/maxGap never drift from that invariant.
type node struct {
	region       Region
	left, right  *node
	parent       *node
	priority     uint32 // treap balancing weight, assigned once at insertion
	subtreeRange memtypes.Range
	maxGap       uint64
}

const gapSaturated = ^uint64(0)

func gapBetween(lo, hi memtypes.Va) uint64 {
	if hi <= lo {
		return 0
	}
	return uint64(hi - lo)
}

// refresh recomputes n's augmenting fields from its own range and its
// children's already-correct augmenting fields (§4.C: "a pure function of
// the node and its two children").
func (n *node) refresh(spaceMin, spaceMax memtypes.Va) bool {
	oldRange, oldGap := n.subtreeRange, n.maxGap

	sr := n.region.Rng
	if n.left != nil {
		sr = sr.Union(n.left.subtreeRange)
	}
	if n.right != nil {
		sr = sr.Union(n.right.subtreeRange)
	}
	n.subtreeRange = sr

	leftBound := spaceMin
	if n.left != nil {
		leftBound = n.left.subtreeRange.End
	}
	rightBound := spaceMax
	if n.right != nil {
		rightBound = n.right.subtreeRange.Start
	}

	gap := gapBetween(leftBound, n.region.Rng.Start)
	if g := gapBetween(n.region.Rng.End, rightBound); g > gap {
		gap = g
	}
	if n.left != nil && n.left.maxGap > gap {
		gap = n.left.maxGap
	}
	if n.right != nil && n.right.maxGap > gap {
		gap = n.right.maxGap
	}
	if gap > gapSaturated {
		gap = gapSaturated
	}
	n.maxGap = gap

	return oldRange != n.subtreeRange || oldGap != n.maxGap
}

// propagate walks from n up to the root, stopping as soon as a refresh
// makes no change (§4.C: "a parent is refreshed only if its own metadata
// changes, stopping propagation early").
func propagate(n *node, spaceMin, spaceMax memtypes.Va) {
	for n != nil {
		if !n.refresh(spaceMin, spaceMax) {
			return
		}
		n = n.parent
	}
}

func randPriority() uint32 { return rand.Uint32() }
