package trap

import (
	"fmt"
	"sync"

	"kerr"
)

// frameStride is the synthetic distance between one simulated guest
// frame and the next. There is no codegen backend here, so a real
// frame pointer chain does not exist; CallGuestFrame assigns each
// pushed frame a monotonically increasing FP in its place, which is
// enough to exercise and verify the §8 "strictly increasing FP"
// property without a native stack to walk.
const frameStride = 16

// Activation is one entry of a CPU's linked activation stack: the
// state catch_traps pushes before running guest code and pops on the
// way back out, whether by normal return or by a caught trap. It
// plays the role the native engine gives a setjmp buffer plus the
// last_wasm_exit_pc/fp and last_wasm_entry_fp fields of a VMContext
// (§4.M, §9 "exceptions as control flow").
type Activation struct {
	prev *Activation

	entryFP uintptr
	frames  []kerr.Frame

	Trap *kerr.TrapError
}

// CallGuestFrame records that guest execution has reached pc, as if a
// call instruction had just entered a new Wasm frame. Returns the
// frame pushed, most useful for tests that want to assert on it
// directly.
func (a *Activation) CallGuestFrame(pc uintptr) kerr.Frame {
	fp := a.entryFP + uintptr(len(a.frames)+1)*frameStride
	f := kerr.Frame{PC: pc, FP: fp}
	a.frames = append(a.frames, f)
	return f
}

// ReturnGuestFrame pops the most recently pushed frame, mirroring a
// Wasm call's return.
func (a *Activation) ReturnGuestFrame() {
	if len(a.frames) == 0 {
		return
	}
	a.frames = a.frames[:len(a.frames)-1]
}

// backtrace snapshots the activation's current frame stack, most
// recent call first, the order callers and backtrace consumers
// expect.
func (a *Activation) backtrace() []kerr.Frame {
	out := make([]kerr.Frame, len(a.frames))
	for i, f := range a.frames {
		out[len(a.frames)-1-i] = f
	}
	return out
}

// VerifyBacktrace checks the §8 property that the FPs in bt strictly
// increase walking from the activation's entry toward the newest frame,
// and that every FP lies above entryFP.
func VerifyBacktrace(entryFP uintptr, bt []kerr.Frame) error {
	prev := entryFP
	// bt is newest-first; walking it in reverse walks oldest to
	// newest, which is the direction FPs actually grow in.
	for i := len(bt) - 1; i >= 0; i-- {
		if bt[i].FP <= prev {
			return fmt.Errorf("trap: backtrace frame %d has FP %#x, not strictly greater than %#x", i, bt[i].FP, prev)
		}
		prev = bt[i].FP
	}
	return nil
}

// PerCPU is one CPU's activation stack. Every catch_traps call on a
// given CPU pushes onto this stack and pops on the way out, whether
// guest code returns normally or a trap unwinds through it.
type PerCPU struct {
	mu  sync.Mutex
	top *Activation
}

func (c *PerCPU) push() *Activation {
	c.mu.Lock()
	defer c.mu.Unlock()
	entryFP := uintptr(0)
	if c.top != nil {
		entryFP = c.top.entryFP + uintptr(len(c.top.frames))*frameStride
	}
	a := &Activation{prev: c.top, entryFP: entryFP}
	c.top = a
	return a
}

func (c *PerCPU) pop(a *Activation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.top != a {
		panic("trap: activation stack popped out of order")
	}
	c.top = a.prev
}

// Current returns the CPU's innermost activation, or nil if no
// catch_traps call is active. Calling a trap-raising builtin outside
// any activation is a programmer error the caller should treat as
// fatal, mirroring current_cpu()'s fail-fast contract (§9).
func (c *PerCPU) Current() *Activation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.top
}

// CPUSet is the fixed set of per-CPU activation stacks, sized once
// at boot. CPU fails fast on an unknown id rather than silently
// allocating one, the same contract current_cpu() gives the rest of
// the kernel (§9).
type CPUSet struct {
	cpus []*PerCPU
}

// NewCPUSet allocates n independent per-CPU activation stacks.
func NewCPUSet(n int) *CPUSet {
	s := &CPUSet{cpus: make([]*PerCPU, n)}
	for i := range s.cpus {
		s.cpus[i] = &PerCPU{}
	}
	return s
}

// CPU returns the activation stack for cpu id, panicking if id is out
// of range.
func (s *CPUSet) CPU(id int) *PerCPU {
	if id < 0 || id >= len(s.cpus) {
		panic(fmt.Sprintf("trap: no such cpu %d", id))
	}
	return s.cpus[id]
}
