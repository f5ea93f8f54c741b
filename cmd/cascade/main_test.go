package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"cascade/internal/config"
	"cascade/internal/graph"
	"cascade/internal/manifest"
	"cascade/internal/mutator"
	"cascade/internal/orchestrator"
	"cascade/internal/planner"
)

func TestExitCode(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"ok", nil, exitOK},
		{"cycle", &graph.CycleError{Cycle: []string{"a", "b"}}, exitPlanning},
		{"conflict", &planner.ConflictError{Err: errors.New("pinned")}, exitPlanning},
		{"invalid workspace", fmt.Errorf("%w: dup", graph.ErrInvalidWorkspace), exitPlanning},
		{"unknown bump target", fmt.Errorf("%w: bump requested for unknown package ghost", graph.ErrInvalidWorkspace), exitPlanning},
		{"manifest write", &mutator.WriteError{Err: errors.New("disk full")}, exitManifestWrite},
		{"publish", &orchestrator.PublishError{Package: "a", Err: errors.New("rejected")}, exitPublish},
		{"aborted", fmt.Errorf("%w: %w", orchestrator.ErrAborted, errors.New("interrupt")), exitPublish},
		{"other", errors.New("boom"), exitFailure},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := exitCode(tc.err); got != tc.want {
				t.Fatalf("exitCode(%v) = %d, want %d", tc.err, got, tc.want)
			}
		})
	}
}

var registerOnce sync.Once

func run(t *testing.T, args ...string) error {
	t.Helper()
	registerOnce.Do(func() {
		addPersistentFlags()
		registerCommands()
	})
	rootCmd.SetArgs(args)
	return rootCmd.ExecuteContext(context.Background())
}

func writeWorkspace(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	files := map[string]string{
		config.FileName:                      "workspace:\n  members:\n    - packages/*\n",
		"packages/app/" + manifest.FileName:  "name: app\nversion: 1.0.0\ndependencies:\n  core: \"^1.0.0\"\n",
		"packages/core/" + manifest.FileName: "name: core\nversion: 1.0.0\n",
	}
	for rel, body := range files {
		path := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	return root
}

func TestPlanningWritesNothing(t *testing.T) {
	root := writeWorkspace(t)
	if err := run(t, "validate", "--workspace", root, "--log-level", "error"); err != nil {
		t.Fatalf("validate without a registry: %v", err)
	}
	err := run(t, "plan", "--workspace", root, "--log-level", "error", "--bump", "ghost=minor")
	if got := exitCode(err); got != exitPlanning {
		t.Fatalf("unknown bump target: exit %d (%v), want %d", got, err, exitPlanning)
	}
	if _, err := os.Stat(filepath.Join(root, ".cascade")); !os.IsNotExist(err) {
		t.Fatalf("planning must not create .cascade: %v", err)
	}
}
