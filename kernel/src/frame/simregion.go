//go:build linux || darwin

package frame

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"memtypes"
)

/// MmapRegion is a PhysRegion backed by a real anonymous mapping rather
/// than a bare integer range, letting test harnesses exercise Bootstrap
/// and Buddy against addresses the host kernel actually committed pages
/// for, instead of pretending arbitrary integers are physical memory.
type MmapRegion struct {
	PhysRegion
	mem []byte
}

/// NewMmapRegion reserves npages anonymous, zero-filled pages and
/// describes them as a PhysRegion whose Base is the mapping's address.
func NewMmapRegion(npages int) (*MmapRegion, error) {
	size := npages * memtypes.PageSize
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, err
	}
	base := memtypes.Pa(uintptr(unsafe.Pointer(&mem[0])))
	return &MmapRegion{
		PhysRegion: PhysRegion{Base: base, Len: uint64(size)},
		mem:        mem,
	}, nil
}

/// Protect changes the mapping's page protection, letting a test confirm
/// that a block the allocator considers free is still a writable page and
/// that one it never handed out can be locked down.
func (r *MmapRegion) Protect(prot int) error {
	return unix.Mprotect(r.mem, prot)
}

/// Close releases the mapping. Safe to call once.
func (r *MmapRegion) Close() error {
	return unix.Munmap(r.mem)
}
