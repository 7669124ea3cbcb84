package trap

import (
	"fmt"

	"github.com/google/pprof/profile"

	"kerr"
)

// BacktraceProfile renders a caught trap's backtrace as a pprof
// Profile: one Mapping per CodeMemory the backtrace passes through,
// one Location per frame (resolved back to the CodeMemory that owns
// its PC), and a single Sample carrying the full call chain. This
// gives operators a way to load a trap's backtrace into any
// pprof-compatible viewer instead of a bespoke text dump.
func BacktraceProfile(registry *Registry, trapErr *kerr.TrapError) (*profile.Profile, error) {
	if trapErr == nil {
		return nil, fmt.Errorf("trap: cannot build a profile from a nil trap")
	}

	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "trap", Unit: "count"}},
		PeriodType: &profile.ValueType{Type: "trap", Unit: "count"},
		Period:     1,
	}

	mappings := map[*CodeMemory]*profile.Mapping{}
	functions := map[*CodeMemory]*profile.Function{}
	var mappingID, functionID, locationID uint64

	mappingFor := func(cm *CodeMemory) *profile.Mapping {
		if m, ok := mappings[cm]; ok {
			return m
		}
		mappingID++
		m := &profile.Mapping{
			ID:    mappingID,
			Start: uint64(cm.Start),
			Limit: uint64(cm.End),
			File:  cm.Name,
		}
		p.Mapping = append(p.Mapping, m)
		mappings[cm] = m
		return m
	}
	functionFor := func(cm *CodeMemory) *profile.Function {
		if f, ok := functions[cm]; ok {
			return f
		}
		functionID++
		f := &profile.Function{ID: functionID, Name: cm.Name, SystemName: cm.Name}
		p.Function = append(p.Function, f)
		functions[cm] = f
		return f
	}

	sample := &profile.Sample{Value: []int64{1}}
	for _, frame := range trapErr.Backtrace {
		cm, ok := registry.Find(frame.PC)
		loc := &profile.Location{Address: uint64(frame.PC)}
		locationID++
		loc.ID = locationID
		if ok {
			loc.Mapping = mappingFor(cm)
			loc.Line = []profile.Line{{Function: functionFor(cm)}}
		}
		p.Location = append(p.Location, loc)
		sample.Location = append(sample.Location, loc)
	}
	p.Sample = append(p.Sample, sample)

	return p, nil
}
