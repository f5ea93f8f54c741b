package planner

import (
	"fmt"
	"sort"
	"strings"

	"cascade/internal/domain"
	"cascade/internal/version"
)

// BumpPolicy decides how far each package's version moves in a release.
type BumpPolicy interface {
	Decide(pkg domain.Package) (version.BumpKind, error)
}

// PolicyFunc adapts a function to BumpPolicy.
type PolicyFunc func(pkg domain.Package) (version.BumpKind, error)

func (f PolicyFunc) Decide(pkg domain.Package) (version.BumpKind, error) { return f(pkg) }

// NoBump keeps every version.
type NoBump struct{}

func (NoBump) Decide(domain.Package) (version.BumpKind, error) { return version.BumpNone, nil }

// Explicit bumps the packages named in Overrides; every other publishable
// package gets Default, which is BumpNone unless set. Skipped and private
// packages never receive Default.
type Explicit struct {
	Overrides map[string]version.BumpKind
	Default   version.BumpKind
}

func (e Explicit) Decide(pkg domain.Package) (version.BumpKind, error) {
	if k, ok := e.Overrides[pkg.Name]; ok {
		return k, nil
	}
	if e.Default == "" || !pkg.Publishable() {
		return version.BumpNone, nil
	}
	return e.Default, nil
}

// Requested lists the package names the policy refers to explicitly.
func (e Explicit) Requested() []string {
	names := make([]string, 0, len(e.Overrides))
	for n := range e.Overrides {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ParseOverrides reads name=kind pairs as given on the command line.
func ParseOverrides(pairs []string) (map[string]version.BumpKind, error) {
	out := make(map[string]version.BumpKind, len(pairs))
	for _, pair := range pairs {
		name, kind, ok := strings.Cut(pair, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid bump %q; want name=kind", pair)
		}
		k, err := version.ParseBumpKind(kind)
		if err != nil {
			return nil, fmt.Errorf("bump for %s: %w", name, err)
		}
		out[name] = k
	}
	return out, nil
}
