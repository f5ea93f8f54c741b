// Package planner turns a workspace graph and a bump policy into a release
// plan: publish order, target versions and the requirement rewrites that keep
// every intra-workspace dependency satisfiable. It never touches manifests.
package planner

import (
	"container/heap"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"cascade/internal/domain"
	"cascade/internal/graph"
	"cascade/internal/version"
)

var ErrVersionConflict = errors.New("version conflict")

// ConflictError names the edge whose requirement cannot follow its target.
type ConflictError struct {
	Edge   domain.DependencyEdge
	Target string
	Err    error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: %s -> %s (%s) requires %q, which cannot follow %s to %s: %v",
		ErrVersionConflict, e.Edge.From, e.Edge.To, e.Edge.Kind, e.Edge.Requirement, e.Edge.To, e.Target, e.Err)
}

func (e *ConflictError) Unwrap() []error { return []error{ErrVersionConflict, e.Err} }

type Planner struct {
	Policy    BumpPolicy
	PinPolicy version.PinPolicy
	DryRun    bool
	Logger    *zap.Logger
}

func (p Planner) logger() *zap.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return zap.NewNop()
}

// Plan computes the release plan for g.
func (p Planner) Plan(g *graph.Graph) (domain.ReleasePlan, error) {
	policy := p.Policy
	if policy == nil {
		policy = NoBump{}
	}
	if r, ok := policy.(interface{ Requested() []string }); ok {
		for _, name := range r.Requested() {
			if _, known := g.Index(name); !known {
				return domain.ReleasePlan{}, fmt.Errorf("%w: bump requested for unknown package %s", graph.ErrInvalidWorkspace, name)
			}
		}
	}
	log := p.logger().With(zap.Bool("dry_run", p.DryRun))

	targets := make([]string, g.Len())
	for i := 0; i < g.Len(); i++ {
		pkg := g.Package(i)
		kind, err := policy.Decide(pkg)
		if err != nil {
			return domain.ReleasePlan{}, fmt.Errorf("bump policy for %s: %w", pkg.Name, err)
		}
		if kind != version.BumpNone && !pkg.Publishable() {
			// Dependents would be rewritten to a version no run ever publishes.
			return domain.ReleasePlan{}, fmt.Errorf("%w: %s bump requested for %s, which is never published",
				graph.ErrInvalidWorkspace, kind, pkg.Name)
		}
		target, err := version.Bump(pkg.Version, kind)
		if err != nil {
			return domain.ReleasePlan{}, fmt.Errorf("bump %s: %w", pkg.Name, err)
		}
		targets[i] = target
		if target != pkg.Version {
			log.Debug("version bump", zap.String("package", pkg.Name), zap.String("kind", string(kind)),
				zap.String("from", pkg.Version), zap.String("to", target))
		}
	}

	rewrites := make([][]domain.Rewrite, g.Len())
	for _, e := range g.Edges() {
		target := targets[e.To]
		if target == g.Package(e.To).Version {
			continue
		}
		ok, err := version.Matches(e.Dep.Requirement, target)
		if err != nil {
			return domain.ReleasePlan{}, &ConflictError{Edge: e.Dep, Target: target, Err: err}
		}
		if ok {
			continue
		}
		next, err := version.Rewrite(e.Dep.Requirement, target, p.PinPolicy)
		if err != nil {
			return domain.ReleasePlan{}, &ConflictError{Edge: e.Dep, Target: target, Err: err}
		}
		log.Debug("requirement rewrite", zap.String("from", e.Dep.From), zap.String("to", e.Dep.To),
			zap.String("kind", string(e.Dep.Kind)), zap.String("old", e.Dep.Requirement), zap.String("new", next))
		rewrites[e.From] = append(rewrites[e.From], domain.Rewrite{Edge: e.Dep, New: next})
	}

	plan := domain.ReleasePlan{}
	for _, i := range Order(g) {
		pkg := g.Package(i)
		plan.Entries = append(plan.Entries, domain.PlanEntry{
			Package:       pkg,
			TargetVersion: targets[i],
			Bumped:        targets[i] != pkg.Version,
			Rewrites:      rewrites[i],
		})
	}
	plan.Fingerprint = Fingerprint(plan)
	log.Info("release planned", zap.Int("packages", len(plan.Entries)),
		zap.Int("rewrites", len(plan.Rewrites())), zap.String("fingerprint", plan.Fingerprint))
	return plan, nil
}

type nameHeap []int

func (h nameHeap) Len() int           { return len(h) }
func (h nameHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h nameHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *nameHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *nameHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Order returns package indices so every dependency precedes its dependents.
// Among ready packages the lowest name goes first; indices are in name order,
// so a min-heap on index gives exactly that.
func Order(g *graph.Graph) []int {
	pending := make([]int, g.Len())
	ready := &nameHeap{}
	for i := 0; i < g.Len(); i++ {
		pending[i] = len(g.Dependencies(i))
		if pending[i] == 0 {
			heap.Push(ready, i)
		}
	}
	out := make([]int, 0, g.Len())
	for ready.Len() > 0 {
		n := heap.Pop(ready).(int)
		out = append(out, n)
		for _, m := range g.Dependents(n) {
			pending[m]--
			if pending[m] == 0 {
				heap.Push(ready, m)
			}
		}
	}
	return out
}

// Fingerprint hashes order, target versions, publish eligibility and
// rewrites of a plan.
func Fingerprint(plan domain.ReleasePlan) string {
	var b strings.Builder
	for _, e := range plan.Entries {
		fmt.Fprintf(&b, "%s@%s->%s skip=%t private=%t\n",
			e.Package.Name, e.Package.Version, e.TargetVersion, e.Package.Skip, e.Package.Private)
		for _, r := range e.Rewrites {
			fmt.Fprintf(&b, "  %s %s %q->%q\n", r.Edge.To, r.Edge.Kind, r.Edge.Requirement, r.New)
		}
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
