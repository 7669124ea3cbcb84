package trap

import (
	"testing"

	"github.com/stretchr/testify/require"

	"kerr"
)

// TestCatchTrapsHandlesMemoryFault implements the guest-store-past-bound
// scenario: a store lands past the memory's current bound, the faulting
// PC falls inside registered code, handle_wasm_exception records
// a HeapOutOfBounds trap, and catch_traps returns it with a backtrace
// whose first (innermost) frame's PC lies in the registered range.
func TestCatchTrapsHandlesMemoryFault(t *testing.T) {
	cpus := NewCPUSet(1)
	cpu := cpus.CPU(0)

	registry := NewRegistry()
	code := NewCodeMemory(0x1000, 0x2000, "module0")
	require.NoError(t, registry.Register(code))

	const faultingPC = uintptr(0x1050)
	require.NoError(t, code.RegisterFaultSite(faultingPC, kerr.HeapOutOfBounds))

	const faultAddr = uintptr(0xdead0000)

	trapErr := CatchTraps(cpu, func(act *Activation) {
		act.CallGuestFrame(0x1010)
		act.CallGuestFrame(faultingPC)
		ok := HandleWasmException(registry, act, faultingPC, faultAddr)
		require.True(t, ok, "fault inside registered code must be handled as a trap")
	})

	require.NotNil(t, trapErr)
	require.Equal(t, kerr.HeapOutOfBounds, trapErr.Trap)
	require.Equal(t, faultingPC, trapErr.PC)
	require.Equal(t, faultAddr, trapErr.FaultAddr)

	require.NotEmpty(t, trapErr.Backtrace)
	require.True(t, code.Contains(trapErr.Backtrace[0].PC), "innermost frame's PC must lie in the registered code range")

	require.Nil(t, cpu.Current(), "activation must be popped once catch_traps returns")
}

// TestCatchTrapsBacktraceFPsStrictlyIncrease exercises the §8
// invariant directly: every frame in a captured backtrace has a
// strictly increasing FP walking from the activation's entry outward,
// regardless of how many guest frames were pushed.
func TestCatchTrapsBacktraceFPsStrictlyIncrease(t *testing.T) {
	cpus := NewCPUSet(1)
	cpu := cpus.CPU(0)
	registry := NewRegistry()
	code := NewCodeMemory(0x1000, 0x2000, "module0")
	require.NoError(t, registry.Register(code))
	require.NoError(t, code.RegisterFaultSite(0x1900, kerr.UnreachableCode))

	var entryFP uintptr
	trapErr := CatchTraps(cpu, func(act *Activation) {
		entryFP = act.entryFP
		act.CallGuestFrame(0x1100)
		act.CallGuestFrame(0x1200)
		act.CallGuestFrame(0x1900)
		ok := HandleWasmException(registry, act, 0x1900, 0)
		require.True(t, ok)
	})
	require.NotNil(t, trapErr)
	require.NoError(t, VerifyBacktrace(entryFP, trapErr.Backtrace))
}

// TestHandleWasmExceptionRejectsUnregisteredPC confirms a fault
// outside any registered code memory is not claimed as a guest trap.
func TestHandleWasmExceptionRejectsUnregisteredPC(t *testing.T) {
	cpus := NewCPUSet(1)
	cpu := cpus.CPU(0)
	registry := NewRegistry()
	code := NewCodeMemory(0x1000, 0x2000, "module0")
	require.NoError(t, registry.Register(code))

	trapErr := CatchTraps(cpu, func(act *Activation) {
		ok := HandleWasmException(registry, act, 0xffff0000, 0)
		require.False(t, ok)
	})
	require.Nil(t, trapErr, "no trap signal should be raised for a fault outside registered code")
}

// TestCatchTrapsReturnsNilOnNormalCompletion confirms guest code that
// runs to completion without trapping leaves catch_traps returning
// nil, and the activation is popped.
func TestCatchTrapsReturnsNilOnNormalCompletion(t *testing.T) {
	cpus := NewCPUSet(1)
	cpu := cpus.CPU(0)

	ran := false
	trapErr := CatchTraps(cpu, func(act *Activation) {
		act.CallGuestFrame(0x1234)
		ran = true
		act.ReturnGuestFrame()
	})
	require.True(t, ran)
	require.Nil(t, trapErr)
	require.Nil(t, cpu.Current())
}

// TestRaiseTrapFromBuiltin covers a builtin (not a hardware-style
// fault) raising a trap directly, e.g. integer division by zero.
func TestRaiseTrapFromBuiltin(t *testing.T) {
	cpus := NewCPUSet(1)
	cpu := cpus.CPU(0)

	trapErr := CatchTraps(cpu, func(act *Activation) {
		act.CallGuestFrame(0x2000)
		RaiseTrap(act, kerr.IntegerDivideByZero, "div by zero", 0x2000)
	})
	require.NotNil(t, trapErr)
	require.Equal(t, kerr.IntegerDivideByZero, trapErr.Trap)
	require.Len(t, trapErr.Backtrace, 1)
}

// TestCPUSetRejectsUnknownCPU confirms the fail-fast contract on an
// out-of-range CPU id.
func TestCPUSetRejectsUnknownCPU(t *testing.T) {
	cpus := NewCPUSet(1)
	require.Panics(t, func() { cpus.CPU(5) })
}

// TestRegisterFaultSiteValidatesInstructionBoundary confirms a
// CodeMemory carrying raw bytes rejects a fault site that does not
// decode to a real x86-64 instruction, and accepts one that does.
func TestRegisterFaultSiteValidatesInstructionBoundary(t *testing.T) {
	code := NewCodeMemory(0x1000, 0x1010, "module0")
	code.Code = []byte{0x90, 0x90, 0x0f} // two NOPs then a truncated two-byte opcode

	require.NoError(t, code.RegisterFaultSite(0x1000, kerr.UnreachableCode))
	require.NoError(t, code.RegisterFaultSite(0x1001, kerr.UnreachableCode))
	require.Error(t, code.RegisterFaultSite(0x1002, kerr.UnreachableCode))
}

// TestBacktraceProfileResolvesMappings confirms a caught trap's
// backtrace renders into a pprof Profile whose locations resolve back
// to the registered code memory.
func TestBacktraceProfileResolvesMappings(t *testing.T) {
	cpus := NewCPUSet(1)
	cpu := cpus.CPU(0)
	registry := NewRegistry()
	code := NewCodeMemory(0x1000, 0x2000, "module0")
	require.NoError(t, registry.Register(code))
	require.NoError(t, code.RegisterFaultSite(0x1500, kerr.HeapOutOfBounds))

	trapErr := CatchTraps(cpu, func(act *Activation) {
		act.CallGuestFrame(0x1100)
		act.CallGuestFrame(0x1500)
		HandleWasmException(registry, act, 0x1500, 0xbeef)
	})
	require.NotNil(t, trapErr)

	prof, err := BacktraceProfile(registry, trapErr)
	require.NoError(t, err)
	require.Len(t, prof.Sample, 1)
	require.Len(t, prof.Sample[0].Location, len(trapErr.Backtrace))
	require.Len(t, prof.Mapping, 1)
	require.Equal(t, "module0", prof.Mapping[0].File)
}

// TestNestedCatchTrapsOnlyUnwindsInnermost confirms a trap raised
// inside a nested catch_traps call is caught by its own CatchTraps and
// does not propagate to the outer one.
func TestNestedCatchTrapsOnlyUnwindsInnermost(t *testing.T) {
	cpus := NewCPUSet(1)
	cpu := cpus.CPU(0)

	var innerTrap *kerr.TrapError
	outerTrap := CatchTraps(cpu, func(outerAct *Activation) {
		outerAct.CallGuestFrame(0x3000)
		innerTrap = CatchTraps(cpu, func(innerAct *Activation) {
			innerAct.CallGuestFrame(0x4000)
			RaiseTrap(innerAct, kerr.StackOverflow, "overflow", 0x4000)
		})
	})
	require.NotNil(t, innerTrap)
	require.Equal(t, kerr.StackOverflow, innerTrap.Trap)
	require.Nil(t, outerTrap, "a trap caught by the inner catch_traps must not also surface on the outer one")
}
