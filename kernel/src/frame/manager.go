package frame

import (
	"sync"

	"memtypes"

	"kerr"
)

/// Manager owns every physical frame in the system (§3, §4.A): it starts
/// serving allocations from the Bootstrap bump allocator and switches each
/// region over to a Buddy once paging is enabled, mirroring biscuit's
/// Phys_init / _refpg_new split between early boot and steady state.
type Manager struct {
	mu        sync.RWMutex
	boot      *Bootstrap
	buddies   []*Buddy
	buddiesOn bool
}

/// NewManager constructs a Manager over the given regions, starting in
/// bootstrap mode.
func NewManager(regions []PhysRegion) *Manager {
	return &Manager{boot: NewBootstrap(regions)}
}

/// EnableBuddy installs one Buddy per region and switches all future
/// allocations to it. Existing bootstrap allocations are not retracted:
/// each Buddy covers its whole region, including bytes the bootstrap
/// allocator already handed out, so callers are expected to call this
/// before any long-lived allocation has happened, matching biscuit's
/// single Phys_init call early in boot.
func (m *Manager) EnableBuddy(regions []PhysRegion) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buddies = make([]*Buddy, len(regions))
	for i, r := range regions {
		m.buddies[i] = NewBuddy(r.Base, r.Len)
	}
	m.buddiesOn = true
}

/// Allocate serves one allocation of the given layout, preferring the buddy
/// allocator once it is online.
func (m *Manager) Allocate(l Layout) (memtypes.Pa, uint64, error) {
	m.mu.RLock()
	on := m.buddiesOn
	buddies := m.buddies
	m.mu.RUnlock()

	if !on {
		pa, err := m.boot.Allocate(l.Size)
		return pa, l.Size, err
	}
	for _, b := range buddies {
		if pa, sz, err := b.Allocate(l); err == nil {
			return pa, sz, nil
		}
	}
	return 0, 0, kerr.ENOMEM
}

/// Deallocate returns a block to its owning buddy. It panics if the buddy
/// allocator is not online, since the bootstrap allocator never frees.
func (m *Manager) Deallocate(block memtypes.Pa, l Layout) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.buddiesOn {
		panic("frame: deallocate before buddy allocator is online")
	}
	for _, b := range m.buddies {
		if uint64(block) >= uint64(b.base) && uint64(block) < uint64(b.base)+b.len {
			b.Deallocate(block, l)
			return
		}
	}
	panic("frame: deallocate of address outside any region")
}
