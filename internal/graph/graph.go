// Package graph builds the workspace dependency graph.
//
// Packages live in a table sorted by name and are addressed by index; edges
// are index pairs. Index order is therefore name order, which every traversal
// relies on for determinism.
package graph

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"cascade/internal/domain"
)

var (
	ErrInvalidWorkspace = errors.New("invalid workspace")
	ErrCyclicDependency = errors.New("cyclic dependency")
)

// CycleError carries the members of one dependency cycle, starting with the
// lowest name and following dependency direction.
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	if e == nil || len(e.Cycle) == 0 {
		return ErrCyclicDependency.Error()
	}
	path := append(append([]string{}, e.Cycle...), e.Cycle[0])
	return fmt.Sprintf("%s: %s", ErrCyclicDependency, strings.Join(path, " -> "))
}

func (e *CycleError) Unwrap() error { return ErrCyclicDependency }

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidWorkspace, fmt.Sprintf(format, args...))
}

type Edge struct {
	From int
	To   int
	Dep  domain.DependencyEdge
}

type Options struct {
	// IgnoreDevDeps keeps dev edges out of ordering and cycle detection.
	IgnoreDevDeps bool
}

type Graph struct {
	packages []domain.Package
	edges    []Edge
	index    map[string]int
	deps     [][]int
	rdeps    [][]int
}

// Build validates pkgs into an acyclic graph. No graph is returned on failure.
func Build(pkgs []domain.Package, opts Options) (*Graph, error) {
	g := &Graph{
		packages: append([]domain.Package(nil), pkgs...),
		index:    make(map[string]int, len(pkgs)),
	}
	sort.SliceStable(g.packages, func(i, j int) bool { return g.packages[i].Name < g.packages[j].Name })
	for i, p := range g.packages {
		if p.Name == "" {
			return nil, invalidf("package at %s has no name", p.ManifestPath)
		}
		if _, dup := g.index[p.Name]; dup {
			return nil, invalidf("duplicate package name %q", p.Name)
		}
		g.index[p.Name] = i
	}

	g.deps = make([][]int, len(g.packages))
	g.rdeps = make([][]int, len(g.packages))
	seen := map[[2]int]bool{}
	for i, p := range g.packages {
		for _, d := range p.Dependencies {
			j, ok := g.index[d.To]
			if !ok {
				continue
			}
			d.From = p.Name
			g.edges = append(g.edges, Edge{From: i, To: j, Dep: d})
			if opts.IgnoreDevDeps && d.Kind == domain.DepDev {
				continue
			}
			key := [2]int{i, j}
			if seen[key] {
				continue
			}
			seen[key] = true
			g.deps[i] = append(g.deps[i], j)
			g.rdeps[j] = append(g.rdeps[j], i)
		}
	}
	for i := range g.deps {
		sort.Ints(g.deps[i])
		sort.Ints(g.rdeps[i])
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, &CycleError{Cycle: cycle}
	}
	return g, nil
}

// findCycle runs a three-color DFS from the lowest name, visiting dependencies
// in name order, and returns the first cycle found.
func (g *Graph) findCycle() []string {
	const (
		white = iota
		gray
		black
	)
	color := make([]int, len(g.packages))
	parent := make([]int, len(g.packages))
	for i := range parent {
		parent[i] = -1
	}

	var cycle []int
	var dfs func(u int) bool
	dfs = func(u int) bool {
		color[u] = gray
		for _, v := range g.deps[u] {
			switch color[v] {
			case white:
				parent[v] = u
				if dfs(v) {
					return true
				}
			case gray:
				// back edge u -> v closes v -> ... -> u -> v
				for cur := u; cur != v; cur = parent[cur] {
					cycle = append(cycle, cur)
				}
				cycle = append(cycle, v)
				return true
			}
		}
		color[u] = black
		return false
	}
	for i := range g.packages {
		if color[i] == white && dfs(i) {
			break
		}
	}
	if cycle == nil {
		return nil
	}

	// cycle holds u, parent(u), ..., v; reverse into dependency direction
	for i, j := 0, len(cycle)-1; i < j; i, j = i+1, j-1 {
		cycle[i], cycle[j] = cycle[j], cycle[i]
	}
	low := 0
	for i := range cycle {
		if cycle[i] < cycle[low] {
			low = i
		}
	}
	out := make([]string, 0, len(cycle))
	for k := range cycle {
		out = append(out, g.packages[cycle[(low+k)%len(cycle)]].Name)
	}
	return out
}

func (g *Graph) Len() int { return len(g.packages) }

func (g *Graph) Package(i int) domain.Package { return g.packages[i] }

// Packages returns the package table in name order.
func (g *Graph) Packages() []domain.Package {
	return append([]domain.Package(nil), g.packages...)
}

func (g *Graph) Index(name string) (int, bool) {
	i, ok := g.index[name]
	return i, ok
}

// Dependencies returns the ordering predecessors of i, in name order.
func (g *Graph) Dependencies(i int) []int { return g.deps[i] }

// Dependents returns the packages whose ordering depends on i, in name order.
func (g *Graph) Dependents(i int) []int { return g.rdeps[i] }

// Edges returns every intra-workspace edge, including ignored dev edges.
func (g *Graph) Edges() []Edge {
	return append([]Edge(nil), g.edges...)
}
