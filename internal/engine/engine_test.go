package engine_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"cascade/internal/app"
	"cascade/internal/config"
	"cascade/internal/domain"
	"cascade/internal/engine"
	"cascade/internal/graph"
	"cascade/internal/manifest"
	"cascade/internal/planner"
	"cascade/internal/registry"
	"cascade/internal/version"
)

type testEnv struct {
	Engine   engine.Engine
	Registry *registry.Simulated
	Root     string
	Ctx      context.Context
}

func writeManifest(t *testing.T, root, dir, body string) {
	t.Helper()
	full := filepath.Join(root, dir)
	if err := os.MkdirAll(full, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(full, manifest.FileName), []byte(body), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
}

func readManifest(t *testing.T, root, dir string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, dir, manifest.FileName))
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	return string(data)
}

// newTestEnv builds the chain a -> b -> c where a pins b exactly.
func newTestEnv(t *testing.T, pin string) testEnv {
	t.Helper()
	root := t.TempDir()
	writeManifest(t, root, "packages/a", "name: a\nversion: 1.0.0\ndependencies:\n  b: \"=1.0.0\"\n")
	writeManifest(t, root, "packages/b", "name: b\nversion: 1.0.0\ndependencies:\n  c: ^1.0.0\n")
	writeManifest(t, root, "packages/c", "name: c\nversion: 1.0.0\n")

	cfg := config.Default()
	cfg.Release.PinPolicy = pin
	cfg.Workspace.Members = []string{"packages/*"}
	a := app.New(root, cfg, nil)
	sim := registry.NewSimulated()
	eng := engine.New(a, sim)
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	eng.Sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	hist, conn, err := a.OpenHistory(context.Background())
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	eng.History = &hist
	return testEnv{Engine: eng, Registry: sim, Root: root, Ctx: context.Background()}
}

func bumpB() planner.BumpPolicy {
	return planner.Explicit{Overrides: map[string]version.BumpKind{"b": version.BumpMinor}}
}

func TestReleaseRewritesAndPublishes(t *testing.T) {
	env := newTestEnv(t, "rewrite")
	res, err := env.Engine.Release(env.Ctx, engine.ReleaseOptions{
		PlanOptions: engine.PlanOptions{Policy: bumpB()},
		Retry:       env.Engine.RetryOptions(false),
	})
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	order := make([]string, 0, len(res.Report.Packages))
	for _, p := range res.Report.Packages {
		order = append(order, p.Name)
	}
	if strings.Join(order, ",") != "c,b,a" {
		t.Fatalf("unexpected order %v", order)
	}
	if !strings.Contains(readManifest(t, env.Root, "packages/b"), "version: 1.1.0") {
		t.Fatalf("b version not bumped:\n%s", readManifest(t, env.Root, "packages/b"))
	}
	if !strings.Contains(readManifest(t, env.Root, "packages/a"), `b: "=1.1.0"`) {
		t.Fatalf("a pin not rewritten:\n%s", readManifest(t, env.Root, "packages/a"))
	}
	if !res.Recorded {
		t.Fatalf("run not recorded")
	}
	stored, err := env.Engine.History.GetRun(env.Ctx, res.Report.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if stored.Outcome != domain.RunSucceeded || stored.PlanFingerprint != res.Plan.Fingerprint {
		t.Fatalf("unexpected stored run %+v", stored)
	}
	if _, publishes := env.Registry.Calls(); publishes != 3 {
		t.Fatalf("expected 3 publishes, got %d", publishes)
	}
}

func TestExactPinRejectedLeavesWorkspaceUntouched(t *testing.T) {
	env := newTestEnv(t, "reject")
	before := readManifest(t, env.Root, "packages/b")
	_, err := env.Engine.Release(env.Ctx, engine.ReleaseOptions{
		PlanOptions: engine.PlanOptions{Policy: bumpB()},
		Retry:       env.Engine.RetryOptions(false),
	})
	if !errors.Is(err, planner.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
	if readManifest(t, env.Root, "packages/b") != before {
		t.Fatalf("manifest changed after a planning failure")
	}
	if _, publishes := env.Registry.Calls(); publishes != 0 {
		t.Fatalf("nothing may be published after a planning failure")
	}
}

func TestDryRunWritesNothing(t *testing.T) {
	env := newTestEnv(t, "rewrite")
	before := readManifest(t, env.Root, "packages/a")
	res, err := env.Engine.Release(env.Ctx, engine.ReleaseOptions{
		PlanOptions: engine.PlanOptions{Policy: bumpB(), DryRun: true},
		Retry:       env.Engine.RetryOptions(true),
	})
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if !res.Writes.DryRun || len(res.Writes.Writes) != 2 {
		t.Fatalf("expected two intended writes, got %+v", res.Writes)
	}
	if readManifest(t, env.Root, "packages/a") != before {
		t.Fatalf("dry run changed a manifest")
	}
	if e, p := env.Registry.Calls(); e != 0 || p != 0 {
		t.Fatalf("dry run reached the registry: exists=%d publish=%d", e, p)
	}
	if !res.Report.DryRun {
		t.Fatalf("report not marked dry run")
	}
}

func TestCycleFailsPlanning(t *testing.T) {
	env := newTestEnv(t, "reject")
	writeManifest(t, env.Root, "packages/c", "name: c\nversion: 1.0.0\ndependencies:\n  a: ^1.0.0\n")
	_, _, err := env.Engine.Plan(env.Ctx, engine.PlanOptions{})
	var cycle *graph.CycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("expected cycle error, got %v", err)
	}
	if strings.Join(cycle.Cycle, ",") != "a,b,c" {
		t.Fatalf("unexpected cycle %v", cycle.Cycle)
	}
}

func TestUnknownSkipIsRejected(t *testing.T) {
	env := newTestEnv(t, "reject")
	if _, _, err := env.Engine.Plan(env.Ctx, engine.PlanOptions{Skip: []string{"nope"}}); !errors.Is(err, graph.ErrInvalidWorkspace) {
		t.Fatalf("expected invalid workspace, got %v", err)
	}
}
