package trap

import (
	"fmt"

	"kerr"
)

// signal is the value panic carries to unwind a trapped guest call
// back to its enclosing CatchTraps, standing in for the native
// engine's longjmp back to the setjmp buffer catch_traps installs.
// It is unexported so nothing outside this package can construct or
// intercept one; a panic of any other type is a genuine bug and is
// re-raised rather than swallowed.
type signal struct {
	err *kerr.TrapError
}

// CatchTraps is guest code's only entry point (§4.M, §9). It pushes a
// new activation onto cpu, runs fn with it, and recovers any trap
// signal fn (or anything fn calls) raises, returning it as a
// *kerr.TrapError instead of letting it unwind further. A non-trap
// panic is not ours to handle and is re-raised unchanged.
func CatchTraps(cpu *PerCPU, fn func(act *Activation)) (trapErr *kerr.TrapError) {
	act := cpu.push()
	defer cpu.pop(act)
	defer func() {
		if r := recover(); r != nil {
			sig, ok := r.(signal)
			if !ok {
				panic(r)
			}
			trapErr = sig.err
		}
	}()
	fn(act)
	return nil
}

// RaiseTrap is how a builtin (a guest-visible operation implemented
// in host code, e.g. integer division) aborts the current guest call.
// It records the trap against the current activation and performs the
// non-local return to the nearest CatchTraps.
func RaiseTrap(act *Activation, kind kerr.TrapKind, message string, pc uintptr) {
	err := &kerr.TrapError{
		Trap:      kind,
		Message:   message,
		PC:        pc,
		Backtrace: act.backtrace(),
	}
	act.Trap = err
	panic(signal{err: err})
}

// HandleWasmException is the trap entry point for a hardware-style
// fault (an out-of-bounds memory access trapped by the guard page
// scheme, in the native engine's design): given the faulting pc and
// address, it consults registry to decide whether the fault belongs
// to registered guest code at all. If it does not, ok is false and
// the caller should treat the fault as a genuine host-level error
// rather than a guest trap. If it does, the fault is recorded as a
// trap against act and act is unwound to its enclosing CatchTraps.
func HandleWasmException(registry *Registry, act *Activation, pc, faultAddr uintptr) (ok bool) {
	cm, found := registry.Find(pc)
	if !found {
		return false
	}
	kind, found := cm.lookupTrap(pc)
	if !found {
		kind = kerr.AccessViolation
	}
	err := &kerr.TrapError{
		Trap:      kind,
		Message:   fmt.Sprintf("fault at %#x in %s", faultAddr, cm.Name),
		PC:        pc,
		FaultAddr: faultAddr,
		Backtrace: act.backtrace(),
	}
	act.Trap = err
	panic(signal{err: err})
}
