// Package klog is the kernel's structured diagnostic logger. biscuit's
// subsystems log lifecycle events with bare fmt.Printf (see mem.Phys_init's
// "Reserved %v pages (%vMB)" line); klog keeps that one-line-per-event
// texture but routes it through logrus so every subsystem can be filtered,
// leveled, and correlated by field instead of grepping stdout.
package klog

import (
	"os"
	"reflect"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var base = newBase()

func newBase() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// printer formats large counts with thousands separators the way biscuit's
// Pgcount diagnostics would want ("Reserved 65,536 pages") without hand
// rolling digit grouping.
var printer = message.NewPrinter(language.English)

// For returns a logger scoped to one subsystem, mirroring the per-package
// diagnostic prefixes biscuit emits by hand (e.g. "vm: ", "mem: ").
func For(subsystem string) *logrus.Entry {
	return base.WithField("subsystem", subsystem)
}

// ForCPU returns a logger scoped to one subsystem and CPU, used by the
// executor and trap engine whose activations are strictly per-CPU (§5).
func ForCPU(subsystem string, cpu int) *logrus.Entry {
	return base.WithFields(logrus.Fields{"subsystem": subsystem, "cpu": cpu})
}

// SetLevel adjusts the global verbosity; wired to kernmain's -log-level flag.
func SetLevel(level logrus.Level) {
	base.SetLevel(level)
}

// Countf renders a count with locale thousands separators, e.g.
// Countf("reserved %d pages (%d MB)", 65536, 256).
func Countf(format string, a ...interface{}) string {
	return printer.Sprintf(format, a...)
}

// DumpCounters walks a struct's exported int64/uint64 fields by reflection
// and renders one "name: value" line per field, thousands-separated. Any
// accounting struct (worker stats, region-tree node counts, frame-manager
// occupancy) can hand itself to this instead of writing its own String
// method by hand.
func DumpCounters(st interface{}) string {
	v := reflect.ValueOf(st)
	for v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return ""
	}
	var b strings.Builder
	for i := 0; i < v.NumField(); i++ {
		f := v.Field(i)
		if !f.CanInterface() {
			continue
		}
		switch f.Kind() {
		case reflect.Int64, reflect.Int32, reflect.Int:
			b.WriteString(Countf("\t#%s: %d\n", v.Type().Field(i).Name, f.Int()))
		case reflect.Uint64, reflect.Uint32, reflect.Uint:
			b.WriteString(Countf("\t#%s: %d\n", v.Type().Field(i).Name, f.Uint()))
		}
	}
	return b.String()
}
