// Package mutator applies a release plan to the workspace manifests.
package mutator

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"cascade/internal/domain"
)

var ErrManifestWrite = errors.New("manifest write failure")

// Store is the part of the manifest store the mutator writes through.
type Store interface {
	WriteVersion(pkg domain.Package, version string) error
	WriteRequirement(edge domain.DependencyEdge, req string) error
}

// Write is one manifest edit.
type Write struct {
	Package string `json:"package"`
	Field   string `json:"field"`
	Value   string `json:"value"`
}

func (w Write) String() string {
	return fmt.Sprintf("%s %s=%s", w.Package, w.Field, w.Value)
}

// WriteError reports which writes landed before the failing one.
type WriteError struct {
	Applied []Write
	Failed  Write
	Err     error
}

func (e *WriteError) Error() string {
	applied := make([]string, 0, len(e.Applied))
	for _, w := range e.Applied {
		applied = append(applied, w.String())
	}
	return fmt.Sprintf("%s: %s: %v (already applied: [%s])", ErrManifestWrite, e.Failed, e.Err, strings.Join(applied, ", "))
}

func (e *WriteError) Unwrap() []error { return []error{ErrManifestWrite, e.Err} }

type Result struct {
	DryRun bool    `json:"dry_run"`
	Writes []Write `json:"writes"`
}

type Mutator struct {
	Store  Store
	DryRun bool
	Logger *zap.Logger
}

// Writes lists the edits a plan implies: versions first, then requirements.
func Writes(plan domain.ReleasePlan) []Write {
	var out []Write
	for _, e := range plan.Entries {
		if e.Bumped {
			out = append(out, Write{Package: e.Package.Name, Field: "version", Value: e.TargetVersion})
		}
	}
	for _, e := range plan.Entries {
		for _, r := range e.Rewrites {
			out = append(out, Write{
				Package: r.Edge.From,
				Field:   fmt.Sprintf("%s.%s", sectionName(r.Edge.Kind), r.Edge.To),
				Value:   r.New,
			})
		}
	}
	return out
}

// Apply writes every edit of plan, stopping at the first failure. In dry-run
// nothing is written and the intended edits are returned.
func (m Mutator) Apply(plan domain.ReleasePlan) (Result, error) {
	log := m.Logger
	if log == nil {
		log = zap.NewNop()
	}
	res := Result{DryRun: m.DryRun}
	if m.DryRun {
		res.Writes = Writes(plan)
		log.Info("manifests unchanged (dry run)", zap.Int("writes", len(res.Writes)))
		return res, nil
	}
	if m.Store == nil {
		return res, errors.New("mutator has no manifest store")
	}
	for _, e := range plan.Entries {
		if !e.Bumped {
			continue
		}
		w := Write{Package: e.Package.Name, Field: "version", Value: e.TargetVersion}
		if err := m.Store.WriteVersion(e.Package, e.TargetVersion); err != nil {
			return res, &WriteError{Applied: res.Writes, Failed: w, Err: err}
		}
		log.Debug("version written", zap.String("package", w.Package), zap.String("version", w.Value))
		res.Writes = append(res.Writes, w)
	}
	for _, e := range plan.Entries {
		for _, r := range e.Rewrites {
			w := Write{Package: r.Edge.From, Field: fmt.Sprintf("%s.%s", sectionName(r.Edge.Kind), r.Edge.To), Value: r.New}
			if err := m.Store.WriteRequirement(r.Edge, r.New); err != nil {
				return res, &WriteError{Applied: res.Writes, Failed: w, Err: err}
			}
			log.Debug("requirement written", zap.String("package", w.Package), zap.String("field", w.Field), zap.String("value", w.Value))
			res.Writes = append(res.Writes, w)
		}
	}
	log.Info("manifests updated", zap.Int("writes", len(res.Writes)))
	return res, nil
}

func sectionName(kind domain.DepKind) string {
	switch kind {
	case domain.DepBuild:
		return "build-dependencies"
	case domain.DepDev:
		return "dev-dependencies"
	default:
		return "dependencies"
	}
}
