package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
)

// Config is the set of boot parameters biscuit itself would have baked
// in as compile-time constants (Pgcount, the fixed worker count biscuit
// pins one goroutine per logical CPU). Exposing them as flags, the way
// moby-moby's cmd/dockerd does, lets a single kernmain binary boot
// differently-sized simulated machines without a recompile.
type Config struct {
	Workers       int
	TickNanos     uint64
	ASLRSeed      int64
	ASLREnabled   bool
	RegionCap     uint64
	ModulePath    string
	DumpCFG       bool
	DumpCFGTarget string
	LogLevel      string
}

// parseFlags builds a Config from argv, the way kernmain's composition
// root wires every subsystem's tunables in one place instead of scattering
// flag.Parse calls across packages.
func parseFlags(args []string) (*Config, error) {
	fs := flag.NewFlagSet("kernmain", flag.ContinueOnError)

	c := &Config{}
	fs.IntVar(&c.Workers, "workers", 4, "number of executor worker goroutines")
	fs.Uint64Var(&c.TickNanos, "tick-ns", 1_000_000, "timer wheel tick period in nanoseconds")
	fs.Int64Var(&c.ASLRSeed, "aslr-seed", 0, "ASLR PRNG seed (0 disables ASLR)")
	fs.Uint64Var(&c.RegionCap, "region-capacity-hint", 1<<20, "expected region-tree node count, for pre-sizing diagnostics")
	fs.StringVar(&c.ModulePath, "module", "", "path to a WebAssembly module to translate and instantiate at boot")
	fs.BoolVar(&c.DumpCFG, "dump-cfg", false, "run a pointer-analysis call-graph dump instead of booting")
	fs.StringVar(&c.DumpCFGTarget, "dump-cfg-target", "instance", "package pattern to analyze for -dump-cfg")
	fs.StringVar(&c.LogLevel, "log-level", "info", "klog verbosity: trace, debug, info, warn, error")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	c.ASLREnabled = c.ASLRSeed != 0
	return c, nil
}

func parseLogLevel(s string) (logrus.Level, error) {
	lvl, err := logrus.ParseLevel(s)
	if err != nil {
		return logrus.InfoLevel, fmt.Errorf("kernmain: %w", err)
	}
	return lvl, nil
}
