package frame

import (
	"sync"

	"memtypes"

	"kerr"
	"util"
)

/// PhysRegion describes one discontiguous span of usable physical memory
/// discovered from the device tree (§4.A).
type PhysRegion struct {
	Base memtypes.Pa
	Len  uint64
}

func (r PhysRegion) end() memtypes.Pa { return r.Base.Add(r.Len) }

/// Bootstrap is the lock-guarded bump allocator used before the buddy
/// allocator is online (§4.A). It allocates from the top of each region
/// downward and never frees; once paging is enabled the buddy allocator
/// takes over and the bootstrap allocator is discarded.
type Bootstrap struct {
	mu      sync.Mutex
	regions []PhysRegion // sorted by Base ascending
	cursor  []uint64     // bytes already handed out from the top of each region
}

/// NewBootstrap sorts and retains the given regions for top-down allocation.
func NewBootstrap(regions []PhysRegion) *Bootstrap {
	sorted := append([]PhysRegion(nil), regions...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j].Base < sorted[j-1].Base; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	return &Bootstrap{regions: sorted, cursor: make([]uint64, len(sorted))}
}

/// Allocate returns a page-aligned block of exactly size bytes, taken from
/// the top of the highest-addressed region with enough remaining space.
func (b *Bootstrap) Allocate(size uint64) (memtypes.Pa, error) {
	if size == 0 || size%memtypes.PageSize != 0 {
		return 0, kerr.EINVAL
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.regions) - 1; i >= 0; i-- {
		r := b.regions[i]
		used := b.cursor[i]
		if r.Len-used < size {
			continue
		}
		b.cursor[i] = used + size
		return r.Base.Add(r.Len - used - size), nil
	}
	return 0, kerr.ENOMEM
}

/// Chunk is one contiguous piece returned by AllocateScatter.
type Chunk struct {
	Base memtypes.Pa
	Len  uint64
}

/// AllocateScatter returns a list of contiguous chunks whose lengths sum to
/// size, pulling from whatever top-of-region space remains across all
/// regions. Used when no single region has enough contiguous space left.
func (b *Bootstrap) AllocateScatter(size uint64) ([]Chunk, error) {
	if size == 0 || size%memtypes.PageSize != 0 {
		return nil, kerr.EINVAL
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	var chunks []Chunk
	remaining := size
	for i := len(b.regions) - 1; i >= 0 && remaining > 0; i-- {
		r := b.regions[i]
		used := b.cursor[i]
		avail := r.Len - used
		if avail == 0 {
			continue
		}
		take := util.Rounddown(util.Min(avail, remaining), uint64(memtypes.PageSize))
		if take == 0 {
			continue
		}
		b.cursor[i] = used + take
		chunks = append(chunks, Chunk{Base: r.Base.Add(r.Len - used - take), Len: take})
		remaining -= take
	}
	if remaining != 0 {
		return nil, kerr.ENOMEM
	}
	return chunks, nil
}
