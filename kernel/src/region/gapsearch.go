package region

import (
	"math/rand"

	"memtypes"
	"util"
)

// Gap is one candidate free interval yielded by the gap walk.
type Gap struct {
	Rng memtypes.Range
}

// gaps performs the in-order walk described in §4.C step 1, pruning any
// subtree whose max_gap is smaller than minSize. It treats the space
// below spaceMin and above spaceMax as zero-length sentinels so end gaps
// are still yielded, per the tie-break rules.
func (t *Tree) gaps(minSize uint64, visit func(Gap) bool) {
	var walk func(n *node, lo, hi memtypes.Va) bool
	walk = func(n *node, lo, hi memtypes.Va) bool {
		if n == nil {
			return true
		}
		if n.maxGap < minSize {
			return true
		}
		if n.left != nil {
			if !walk(n.left, lo, n.region.Rng.Start) {
				return false
			}
		} else if g := gapBetween(lo, n.region.Rng.Start); g >= minSize {
			if !visit(Gap{Rng: memtypes.Range{Start: lo, End: n.region.Rng.Start}}) {
				return false
			}
		}

		if n.right != nil {
			if !walk(n.right, n.region.Rng.End, hi) {
				return false
			}
		} else if g := gapBetween(n.region.Rng.End, hi); g >= minSize {
			if !visit(Gap{Rng: memtypes.Range{Start: n.region.Rng.End, End: hi}}) {
				return false
			}
		}
		return true
	}
	walk(t.root, t.spaceMin, t.spaceMax)
}

// FindSpot implements §4.C's find-spot-for: gather gaps large enough for
// layoutSize, then either take the first fit or (if aslr is non-nil) ask
// the ASLR helper to sample a random aligned base inside a large-enough
// gap.
func (t *Tree) FindSpot(layoutSize uint64, align uint64, aslr *ASLR) (memtypes.Va, bool) {
	if t.root == nil {
		full := memtypes.Range{Start: t.spaceMin, End: t.spaceMax}
		if full.Len() < layoutSize {
			return 0, false
		}
		if aslr != nil {
			return aslr.sampleIn(full, layoutSize, align), true
		}
		return alignUp(t.spaceMin, align), true
	}

	var candidates []Gap
	t.gaps(layoutSize, func(g Gap) bool {
		base := alignUp(g.Rng.Start, align)
		if base.Add(layoutSize) <= g.Rng.End {
			candidates = append(candidates, g)
			if aslr == nil {
				return false // first fit: stop at the first usable gap
			}
		}
		return true
	})
	if len(candidates) == 0 {
		return 0, false
	}
	if aslr == nil {
		return alignUp(candidates[0].Rng.Start, align), true
	}
	pick := candidates[aslr.rng.Intn(len(candidates))]
	return aslr.sampleIn(pick.Rng, layoutSize, align), true
}

func alignUp(v memtypes.Va, align uint64) memtypes.Va {
	if align <= 1 {
		return v
	}
	return memtypes.Va(util.Roundup(uint64(v), align))
}

// ASLR samples a random aligned base inside a gap, given the kernel's
// virtual-address-bit width (§4.C).
type ASLR struct {
	rng     *rand.Rand
	vaBits  int
}

// NewASLR seeds a placement helper. vaBits is stored but sampleIn does not
// read it: the base is drawn uniformly among the aligned bases that fit
// in the chosen gap.
func NewASLR(seed int64, vaBits int) *ASLR {
	return &ASLR{rng: rand.New(rand.NewSource(seed)), vaBits: vaBits}
}

func (a *ASLR) sampleIn(r memtypes.Range, size uint64, align uint64) memtypes.Va {
	slack := r.Len() - size
	if slack == 0 {
		return alignUp(r.Start, align)
	}
	slots := slack/align + 1
	offset := uint64(a.rng.Int63n(int64(slots))) * align
	return alignUp(r.Start, align).Add(offset)
}
