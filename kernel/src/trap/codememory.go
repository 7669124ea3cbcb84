// Package trap implements the guest's only entry and exit points: a
// per-CPU activation stack standing in for the native setjmp buffer,
// a side table mapping a faulting PC back to the CodeMemory range
// that owns it, and a catch_traps-style call that turns a raised trap
// into a returned *kerr.TrapError instead of an unwind past the host
// (§4.M).
package trap

import (
	"fmt"
	"sync"

	"golang.org/x/arch/x86/x86asm"

	"kerr"
)

// CodeMemory is one contiguous range of addresses a translated
// module's code occupies, plus the side table recording which PCs
// within it are trapping sites and what kind of trap each one raises.
// Real compiled code has no such table; it is encoded directly in the
// instruction that faults. Absent a codegen backend, trap sites here
// are registered explicitly by whatever stands in for compiled code.
//
// Code optionally carries the raw bytes backing [Start, End), letting
// RegisterFaultSite validate that a registered PC actually lands on
// an instruction boundary rather than mid-instruction; it is nil for
// code memories that have no byte-for-byte representation to check
// against.
type CodeMemory struct {
	Start, End uintptr
	Name       string
	Code       []byte

	mu    sync.RWMutex
	sites map[uintptr]kerr.TrapKind
}

// NewCodeMemory registers a range [start, end) under name. end is
// exclusive.
func NewCodeMemory(start, end uintptr, name string) *CodeMemory {
	return &CodeMemory{Start: start, End: end, Name: name, sites: map[uintptr]kerr.TrapKind{}}
}

// Contains reports whether pc falls within this region.
func (c *CodeMemory) Contains(pc uintptr) bool {
	return pc >= c.Start && pc < c.End
}

// RegisterFaultSite records that pc, if it ever faults, should be
// reported as kind. pc must lie within [Start, End). If Code is set,
// pc must additionally land on a decodable x86-64 instruction
// boundary -- a cheap sanity check against registering a fault site
// in the middle of an instruction.
func (c *CodeMemory) RegisterFaultSite(pc uintptr, kind kerr.TrapKind) error {
	if !c.Contains(pc) {
		return fmt.Errorf("trap: fault site %#x outside code memory %s [%#x, %#x)", pc, c.Name, c.Start, c.End)
	}
	if c.Code != nil {
		off := pc - c.Start
		if off >= uintptr(len(c.Code)) {
			return fmt.Errorf("trap: fault site %#x has no backing bytes in %s", pc, c.Name)
		}
		if _, err := x86asm.Decode(c.Code[off:], 64); err != nil {
			return fmt.Errorf("trap: fault site %#x in %s does not land on an instruction: %w", pc, c.Name, err)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sites[pc] = kind
	return nil
}

func (c *CodeMemory) lookupTrap(pc uintptr) (kerr.TrapKind, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	k, ok := c.sites[pc]
	return k, ok
}

// Registry is the process-wide table of registered CodeMemory ranges.
// handle_wasm_exception consults it to decide whether a fault belongs
// to guest code at all before ever building a trap (§4.M: traps are
// only raised for faults inside registered code).
type Registry struct {
	mu      sync.RWMutex
	regions []*CodeMemory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds cm to the registry. Ranges must not overlap an
// already-registered region.
func (r *Registry) Register(cm *CodeMemory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.regions {
		if cm.Start < existing.End && existing.Start < cm.End {
			return fmt.Errorf("trap: code memory %s overlaps %s", cm.Name, existing.Name)
		}
	}
	r.regions = append(r.regions, cm)
	return nil
}

// Find returns the CodeMemory owning pc, if any.
func (r *Registry) Find(pc uintptr) (*CodeMemory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, cm := range r.regions {
		if cm.Contains(pc) {
			return cm, true
		}
	}
	return nil, false
}
