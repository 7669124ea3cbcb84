package region

import (
	"fmt"
	"sync"

	"hwspace"
	"memtypes"
	"vmo"

	"golang.org/x/sync/singleflight"

	"kerr"
)

// Space is one address space: the logical region tree plus the hardware
// page table it drives (§4.C). It owns the mutex protecting both, since
// every mutation must keep them consistent.
type Space struct {
	mu   sync.Mutex
	tree *Tree
	arch hwspace.Arch
	aslr *ASLR

	lastFault     *node
	lastFaultAddr memtypes.Va

	prefetch singleflight.Group
}

// NewSpace creates an address space spanning [min, max) backed by arch.
// If aslr is non-nil, placement is randomized; otherwise first-fit.
func NewSpace(min, max memtypes.Va, arch hwspace.Arch, aslr *ASLR) *Space {
	return &Space{tree: NewTree(min, max), arch: arch, aslr: aslr}
}

// RootGap reports the largest free gap in the space (between two regions
// or between a region and either end of the space), used by the
// ASLR-disabled seed scenario in §8 to assert the residual gap after
// placing regions. It walks every gap rather than reading the root's
// maxGap, which is only an upper bound: where a child is missing, refresh
// measures against spaceMin/spaceMax instead of the nearest neighbour.
func (s *Space) RootGap() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tree.root == nil {
		return uint64(s.tree.spaceMax - s.tree.spaceMin)
	}
	var largest uint64
	s.tree.gaps(0, func(g Gap) bool {
		if l := g.Rng.Len(); l > largest {
			largest = l
		}
		return true
	})
	return largest
}

// Map reserves a fresh range of the given size somewhere in the address
// space (ASLR or first-fit per construction) and inserts a region backed
// by the given VMO. No hardware mapping happens yet; pages materialize on
// first fault (§4.C).
func (s *Space) Map(size uint64, attrs hwspace.Attrs, v vmo.VMO, vmoOffset uint64, name string) (memtypes.Va, error) {
	if size == 0 || size%memtypes.PageSize != 0 {
		return 0, kerr.EINVAL
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	base, ok := s.tree.FindSpot(size, memtypes.PageSize, s.aslr)
	if !ok {
		return 0, kerr.ENOMEM
	}
	r := Region{Rng: memtypes.Range{Start: base, End: base.Add(size)}, Attrs: attrs, VMO: v, VMOOffset: vmoOffset, Name: name}
	if _, ok := s.tree.insert(r); !ok {
		return 0, &kerr.MappingError{Op: "map", Err: kerr.EEXIST}
	}
	return base, nil
}

// MapSpecific inserts a region at an exact caller-chosen base, failing if
// it overlaps an existing region (§4.C).
func (s *Space) MapSpecific(base memtypes.Va, size uint64, attrs hwspace.Attrs, v vmo.VMO, vmoOffset uint64, name string) error {
	if size == 0 || size%memtypes.PageSize != 0 || !base.PageAligned() {
		return kerr.EINVAL
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r := Region{Rng: memtypes.Range{Start: base, End: base.Add(size)}, Attrs: attrs, VMO: v, VMOOffset: vmoOffset, Name: name}
	if _, ok := s.tree.insert(r); !ok {
		return &kerr.MappingError{Op: "map_specific", Err: kerr.EEXIST}
	}
	return nil
}

// Reserve is like MapSpecific but eagerly rewrites hardware attributes for
// the whole range, used by the early kernel map (§4.C).
func (s *Space) Reserve(base memtypes.Va, size uint64, attrs hwspace.Attrs, v vmo.VMO, name string) error {
	if err := s.MapSpecific(base, size, attrs, v, 0, name); err != nil {
		return err
	}
	flush := &hwspace.Flush{}
	rng := memtypes.Range{Start: base, End: base.Add(size)}
	if err := s.arch.SetAttributes(rng, attrs, flush); err != nil {
		return err
	}
	flush.Commit(s.shootdown)
	return nil
}

func (s *Space) shootdown(memtypes.Range) {
	// The actual TLB invalidation IPI is the excluded asm collaborator
	// (spec.md §1); this hook is the no-op stand-in for it.
}

// coveringNodes returns every node whose range intersects rng, in
// ascending order, or false if rng is not fully covered with no holes
// (§4.C's precondition for unmap/protect).
func (s *Space) coveringNodes(rng memtypes.Range) ([]*node, bool) {
	var nodes []*node
	n := s.tree.find(rng.Start)
	if n == nil {
		return nil, false
	}
	want := rng.Start
	for n != nil && n.region.Rng.Start <= want && want < rng.End {
		nodes = append(nodes, n)
		want = n.region.Rng.End
		if want >= rng.End {
			return nodes, true
		}
		succ := successor(n)
		if succ == nil || succ.region.Rng.Start != want {
			return nil, false
		}
		n = succ
	}
	return nodes, len(nodes) > 0 && want >= rng.End
}

// Unmap detaches every region fully covered by rng, frees any owned Paged
// frames, and unmaps the hardware range (§4.C). rng must be covered by one
// or more regions with no holes.
func (s *Space) Unmap(rng memtypes.Range) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	nodes, ok := s.coveringNodes(rng)
	if !ok {
		return &kerr.MappingError{Op: "unmap", Err: kerr.EHOLE}
	}

	flush := &hwspace.Flush{}
	for _, n := range nodes {
		if n.region.VMO.Kind == vmo.Paged {
			startOff := n.region.VMOOffset
			endOff := startOff + n.region.Rng.Len()
			n.region.VMO.Paged.FreeFrames(startOff, endOff)
		}
		if err := s.arch.Unmap(n.region.Rng, flush); err != nil {
			return err
		}
		if s.lastFault == n {
			s.lastFault = nil
		}
		s.tree.remove(n)
	}
	flush.Commit(s.shootdown)
	return nil
}

// Protect narrows (or leaves unchanged) the attributes of every region
// fully covering rng (§4.C, §9: widening is rejected).
func (s *Space) Protect(rng memtypes.Range, attrs hwspace.Attrs) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	nodes, ok := s.coveringNodes(rng)
	if !ok {
		return &kerr.MappingError{Op: "protect", Err: kerr.EHOLE}
	}
	for _, n := range nodes {
		if !attrs.SubsetOf(n.region.Attrs) {
			return &kerr.MappingError{Op: "protect", Err: kerr.EPERM}
		}
	}
	flush := &hwspace.Flush{}
	for _, n := range nodes {
		n.region.Attrs = attrs
		if err := s.arch.SetAttributes(n.region.Rng, attrs, flush); err != nil {
			return err
		}
	}
	flush.Commit(s.shootdown)
	return nil
}

// servePage runs the fault decision matrix for one page inside region n,
// queuing the resulting hardware mapping into flush. write reports whether
// the access was a write.
func (s *Space) servePage(n *node, addr memtypes.Va, write bool, flush *hwspace.Flush) error {
	pageRng := memtypes.Range{Start: addr.RoundDown(), End: addr.RoundDown().Add(memtypes.PageSize)}
	offset := n.region.VMOOffset + uint64(pageRng.Start-n.region.Rng.Start)

	switch n.region.VMO.Kind {
	case vmo.Wired:
		panic("region: page fault against a wired region is impossible")

	case vmo.Phys:
		pa := n.region.VMO.PhysRange.Start.Add(offset)
		return s.arch.MapContiguous(pageRng, pa, n.region.Attrs, flush)

	case vmo.Paged:
		if write {
			pa, err := n.region.VMO.Paged.RequireOwnedFrame(offset)
			if err != nil {
				return err
			}
			return s.arch.MapContiguous(pageRng, pa, n.region.Attrs, flush)
		}
		pa, _ := n.region.VMO.Paged.RequireReadFrame(offset)
		return s.arch.MapContiguous(pageRng, pa, n.region.Attrs&^hwspace.Write, flush)

	default:
		panic("region: unknown vmo kind")
	}
}

// PageFault implements §4.C's page-fault handler.
func (s *Space) PageFault(addr memtypes.Va, flags hwspace.Attrs) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	aligned := addr.RoundDown()

	var n *node
	if s.lastFault != nil && s.lastFault.region.Rng.Contains(aligned) {
		n = s.lastFault
	} else {
		n = s.tree.find(aligned)
	}
	if n == nil {
		return &kerr.MappingError{Op: "page_fault", Err: kerr.EFAULT}
	}
	if !flags.SubsetOf(n.region.Attrs) {
		return &kerr.MappingError{Op: "page_fault", Err: kerr.EFAULT}
	}

	flush := &hwspace.Flush{}
	write := flags&hwspace.Write != 0
	if err := s.servePage(n, aligned, write, flush); err != nil {
		return err
	}
	flush.Commit(s.shootdown)

	s.lastFault = n
	s.lastFaultAddr = aligned
	return nil
}

// Commit prefaults every page in rng using the same decision matrix as
// PageFault, used by the WASM runtime before entering hot code (§4.C).
// Concurrent callers targeting the identical range are deduplicated via
// singleflight, since the WASM runtime tends to prefault the same hot
// region from multiple worker threads right before entering a function.
func (s *Space) Commit(rng memtypes.Range, willWrite bool) error {
	key := fmt.Sprintf("%d-%d-%v", rng.Start, rng.End, willWrite)
	_, err, _ := s.prefetch.Do(key, func() (interface{}, error) {
		return nil, s.commitLocked(rng, willWrite)
	})
	return err
}

func (s *Space) commitLocked(rng memtypes.Range, willWrite bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	flush := &hwspace.Flush{}
	for addr := rng.Start; addr < rng.End; addr = addr.Add(memtypes.PageSize) {
		n := s.tree.find(addr)
		if n == nil {
			return &kerr.MappingError{Op: "commit", Err: kerr.EFAULT}
		}
		if err := s.servePage(n, addr, willWrite, flush); err != nil {
			return err
		}
	}
	flush.Commit(s.shootdown)
	return nil
}
