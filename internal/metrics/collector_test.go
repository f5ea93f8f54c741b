package metrics_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"cascade/internal/domain"
	"cascade/internal/metrics"
)

func TestCollectorTextfile(t *testing.T) {
	c := metrics.NewCollector()
	c.Attempt(domain.PhasePublish, domain.OutcomeTransient)
	c.Attempt(domain.PhasePublish, domain.OutcomeSuccess)
	c.Backoff(domain.PhaseVerify, 2*time.Second)
	c.PackageDone(domain.StatePublished)
	c.RunDone(domain.RunReport{Outcome: domain.RunSucceeded, DryRun: true})

	path := filepath.Join(t.TempDir(), "cascade.prom")
	if err := c.WriteTextfile(path); err != nil {
		t.Fatalf("write textfile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	out := string(data)
	for _, want := range []string{
		`cascade_registry_attempts_total{outcome="transient_failure",phase="publish"} 1`,
		`cascade_packages_total{state="published"} 1`,
		`cascade_runs_total{dry_run="true",outcome="succeeded"} 1`,
		`cascade_backoff_seconds_count{phase="verify"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
}
