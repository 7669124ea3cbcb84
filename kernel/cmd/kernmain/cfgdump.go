package main

import (
	"fmt"
	"io"
	"sort"

	"golang.org/x/tools/go/packages"
	"golang.org/x/tools/go/pointer"
	"golang.org/x/tools/go/ssa"
	"golang.org/x/tools/go/ssa/ssautil"
)

// dumpCallGraph loads the package named by pattern, runs a whole-program
// pointer analysis over it, and writes its static call graph as a
// Graphviz DOT description, the same textual shape misc/depgraph/main.go
// emits for the module dependency graph -- here for the Go call graph of
// the analyzed package (by default the instance package) instead.
func dumpCallGraph(pattern string, w io.Writer) error {
	cfg := &packages.Config{Mode: packages.LoadAllSyntax}
	pkgs, err := packages.Load(cfg, pattern)
	if err != nil {
		return fmt.Errorf("kernmain: loading %s: %w", pattern, err)
	}
	if packages.PrintErrors(pkgs) > 0 {
		return fmt.Errorf("kernmain: %s has type errors", pattern)
	}

	prog, ssaPkgs := ssautil.AllPackages(pkgs, ssa.SanityCheckFunctions)
	prog.Build()

	var mains []*ssa.Package
	for _, p := range ssaPkgs {
		if p != nil && p.Pkg.Name() == "main" {
			mains = append(mains, p)
		}
	}
	if len(mains) == 0 {
		// No main package found by the loop above. ssautil.MainPackages
		// selects main packages only, so it synthesizes no entry points:
		// a pattern naming only a library (such as "instance") still
		// ends in the no-entry-point error below.
		mains = ssautil.MainPackages(ssaPkgs)
	}
	if len(mains) == 0 {
		return fmt.Errorf("kernmain: %s has no analyzable entry point", pattern)
	}

	res, err := pointer.Analyze(&pointer.Config{
		Mains:          mains,
		BuildCallGraph: true,
	})
	if err != nil {
		return fmt.Errorf("kernmain: pointer analysis: %w", err)
	}

	return writeDOT(w, collectEdges(res, map[[2]string]bool{}))
}

// collectEdges is split out from dumpCallGraph so its result-shaping
// logic (dedup, sort) can be unit tested without running a real pointer
// analysis.
func collectEdges(res *pointer.Result, edges map[[2]string]bool) [][2]string {
	for fn, node := range res.CallGraph.Nodes {
		if fn == nil {
			continue
		}
		for _, e := range node.Out {
			if e.Callee == nil || e.Callee.Func == nil {
				continue
			}
			edges[[2]string{fn.String(), e.Callee.Func.String()}] = true
		}
	}
	out := make([][2]string, 0, len(edges))
	for e := range edges {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i][0] != out[j][0] {
			return out[i][0] < out[j][0]
		}
		return out[i][1] < out[j][1]
	})
	return out
}

// writeDOT renders edges in the exact "digraph { \"a\" -> \"b\"; }" shape
// misc/depgraph/main.go writes for the module graph.
func writeDOT(w io.Writer, edges [][2]string) error {
	if _, err := fmt.Fprintln(w, "digraph callgraph {"); err != nil {
		return err
	}
	for _, e := range edges {
		if _, err := fmt.Fprintf(w, "    %q -> %q;\n", e[0], e[1]); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintln(w, "}")
	return err
}
