// Command kernmain is the composition root: it wires the frame
// allocator, the hardware address-space layer, the region tree, the
// work-stealing executor, the timer wheel, and the trap engine into one
// running machine, the same role biscuit's kernel/chentry.go and
// kernel/main.go play for the original kernel.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"exec"
	"frame"
	"hwspace"
	"instance"
	"klog"
	"memtypes"
	"region"
	"timer"
	"trap"
	"wasmtr"
)

const (
	bootRegionBase = memtypes.Pa(0)
	bootRegionLen  = 256 << 20 // 256MiB simulated physical memory
	addressSpaceHi = memtypes.Va(1) << 47
)

// tableAllocAdapter satisfies hwspace.TableAllocator by pulling
// page-sized, page-aligned blocks from the frame manager, the same
// "allocate intermediate tables from the frame allocator on demand"
// relationship §4.B describes.
type tableAllocAdapter struct {
	mgr *frame.Manager
}

func (a *tableAllocAdapter) AllocTable() (memtypes.Pa, error) {
	pa, _, err := a.mgr.Allocate(frame.Layout{Size: memtypes.PageSize, Align: memtypes.PageSize})
	return pa, err
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	lvl, err := parseLogLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	klog.SetLevel(lvl)
	log := klog.For("kernmain")

	if cfg.DumpCFG {
		if err := dumpCallGraph(cfg.DumpCFGTarget, os.Stdout); err != nil {
			log.WithError(err).Fatal("dump-cfg failed")
		}
		return
	}

	m := boot(cfg, log)
	defer m.shutdown(log)

	if cfg.ModulePath != "" {
		if err := m.loadModule(cfg.ModulePath, log); err != nil {
			log.WithError(err).Error("module load failed")
		}
	}

	waitForShutdown(log)
}

// machine is everything the composition root brought up, held together
// so shutdown can tear it down in the right order.
type machine struct {
	frames *frame.Manager
	arch   hwspace.Arch
	space  *region.Space
	ex     *exec.Executor
	wheel  *timer.Wheel
	cpus   *trap.CPUSet
	codes  *trap.Registry
}

func boot(cfg *Config, log *logrus.Entry) *machine {
	regions := []frame.PhysRegion{{Base: bootRegionBase, Len: bootRegionLen}}
	frames := frame.NewManager(regions)
	frames.EnableBuddy(regions)
	log.Info(klog.Countf("frame manager online with %d bytes of physical memory", bootRegionLen))

	arch := hwspace.NewFourLevel(&tableAllocAdapter{mgr: frames})

	var aslr *region.ASLR
	if cfg.ASLREnabled {
		aslr = region.NewASLR(cfg.ASLRSeed, 47)
	}
	space := region.NewSpace(0, addressSpaceHi, arch, aslr)
	log.WithField("aslr", cfg.ASLREnabled).Info("address space online")

	ex := exec.New(cfg.Workers)
	log.WithField("workers", cfg.Workers).Info("executor online")

	wheel := timer.New(cfg.TickNanos)
	log.WithField("tick_ns", cfg.TickNanos).Info("timer wheel online")

	cpus := trap.NewCPUSet(cfg.Workers)
	codes := trap.NewRegistry()
	log.Info("trap engine online")

	return &machine{frames: frames, arch: arch, space: space, ex: ex, wheel: wheel, cpus: cpus, codes: codes}
}

func (m *machine) shutdown(log *logrus.Entry) {
	m.ex.Stop()
	log.Info("executor stopped")
}

// loadModule translates and instantiates a WebAssembly module at boot,
// exercising wasmtr/vmshape/instance/trap together the way a guest's
// first call into the runtime would.
func (m *machine) loadModule(path string, log *logrus.Entry) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("kernmain: reading module: %w", err)
	}
	mod, err := wasmtr.Parse(data)
	if err != nil {
		return fmt.Errorf("kernmain: translating module: %w", err)
	}
	in, err := instance.New(mod)
	if err != nil {
		return fmt.Errorf("kernmain: instantiating module: %w", err)
	}
	log.WithField("globals", len(in.DefinedGlobals)).
		WithField("tables", len(in.DefinedTables)).
		WithField("memories", len(in.DefinedMemories)).
		Info("module instantiated")

	base := in.VMContextAddr()
	code := trap.NewCodeMemory(base, base+uintptr(len(in.VMCtx)), path)
	if err := m.codes.Register(code); err != nil {
		return fmt.Errorf("kernmain: registering code memory: %w", err)
	}

	cpu := m.cpus.CPU(0)
	trapErr := trap.CatchTraps(cpu, func(act *trap.Activation) {
		act.CallGuestFrame(code.Start)
	})
	if trapErr != nil {
		return trapErr
	}
	return nil
}

func waitForShutdown(log *logrus.Entry) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	log.Info("shutdown requested")
}
