// Package orchestrator publishes a release plan one package at a time.
//
// Each package runs Pending -> Publishing -> Verifying -> Published. A package
// only starts once the previous one is Published, Skipped or
// AlreadyPublished; the first failure halts the rest of the plan. Nothing
// already published is ever rolled back.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"cascade/internal/domain"
	"cascade/internal/registry"
)

var (
	ErrPublishFailed = errors.New("publish failed")
	ErrAborted       = errors.New("release aborted")
)

// PublishError is returned by Run when a package ends Failed.
type PublishError struct {
	Package string
	Err     error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrPublishFailed, e.Package, e.Err)
}

func (e *PublishError) Unwrap() []error { return []error{ErrPublishFailed, e.Err} }

type Options struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	DryRun      bool
}

func DefaultOptions() Options {
	return Options{MaxAttempts: 5, BaseDelay: 2 * time.Second, Multiplier: 2}
}

// Metrics receives attempt and outcome counts.
type Metrics interface {
	Attempt(phase domain.AttemptPhase, outcome domain.AttemptOutcome)
	Backoff(phase domain.AttemptPhase, d time.Duration)
	PackageDone(state domain.PackageState)
}

type Orchestrator struct {
	Registry registry.Client
	Options  Options
	Logger   *zap.Logger
	Metrics  Metrics
	Now      func() time.Time
	Sleep    func(ctx context.Context, d time.Duration) error
	NewID    func() string

	// Simulated answers every registry call in dry-run mode.
	Simulated *registry.Simulated
}

func New(client registry.Client, opts Options, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		Registry: client,
		Options:  opts,
		Logger:   logger,
		Now:      time.Now,
		Sleep:    sleepContext,
		NewID:    uuid.NewString,
	}
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func (o *Orchestrator) logger() *zap.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return zap.NewNop()
}

func (o *Orchestrator) maxAttempts() int {
	if o.Options.MaxAttempts < 1 {
		return 1
	}
	return o.Options.MaxAttempts
}

// Backoff returns base × multiplier^(n−1) for the n-th wait, saturating at
// the largest representable duration.
func Backoff(base time.Duration, multiplier float64, n int) time.Duration {
	if n < 1 {
		n = 1
	}
	if multiplier < 1 {
		multiplier = 1
	}
	d := float64(base) * math.Pow(multiplier, float64(n-1))
	if d >= math.MaxInt64 || math.IsNaN(d) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

func (o *Orchestrator) delay(n int) time.Duration {
	return Backoff(o.Options.BaseDelay, o.Options.Multiplier, n)
}

func (o *Orchestrator) wait(ctx context.Context, phase domain.AttemptPhase, d time.Duration) error {
	if o.Metrics != nil {
		o.Metrics.Backoff(phase, d)
	}
	if o.Options.DryRun {
		return ctx.Err()
	}
	sleep := o.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	return sleep(ctx, d)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (o *Orchestrator) client() (registry.Client, error) {
	if o.Options.DryRun {
		if o.Simulated == nil {
			o.Simulated = registry.NewSimulated()
		}
		return o.Simulated, nil
	}
	if o.Registry == nil {
		return nil, errors.New("no registry client configured")
	}
	return o.Registry, nil
}

// Run drives plan through the registry in order and returns the run report.
// The error is nil only when every package ended Published, Skipped or
// AlreadyPublished.
func (o *Orchestrator) Run(ctx context.Context, plan domain.ReleasePlan) (domain.RunReport, error) {
	newID := o.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	report := domain.RunReport{
		ID:              newID(),
		StartedAt:       o.now().UTC().Format(time.RFC3339),
		DryRun:          o.Options.DryRun,
		PlanFingerprint: plan.Fingerprint,
		Outcome:         domain.RunSucceeded,
	}
	for _, e := range plan.Entries {
		report.Packages = append(report.Packages, domain.PackageResult{
			Name:          e.Package.Name,
			TargetVersion: e.TargetVersion,
			State:         domain.StatePending,
		})
	}
	log := o.logger().With(zap.String("run_id", report.ID), zap.Bool("dry_run", o.Options.DryRun))

	client, err := o.client()
	if err != nil {
		return report, err
	}

	var runErr error
	for i, entry := range plan.Entries {
		res := &report.Packages[i]
		if runErr != nil {
			_ = transition(res, domain.StateNotAttempted)
			continue
		}
		if err := ctx.Err(); err != nil {
			_ = transition(res, domain.StateNotAttempted)
			report.Outcome = domain.RunAborted
			runErr = fmt.Errorf("%w: %w", ErrAborted, err)
			continue
		}
		err := o.release(ctx, client, entry, res, log.With(zap.String("package", res.Name), zap.String("version", res.TargetVersion)))
		if o.Metrics != nil {
			o.Metrics.PackageDone(res.State)
		}
		switch {
		case err == nil:
		case res.State == domain.StateAborted:
			report.Outcome = domain.RunAborted
			runErr = fmt.Errorf("%w: %w", ErrAborted, err)
		default:
			report.Outcome = domain.RunFailed
			res.Error = err.Error()
			runErr = &PublishError{Package: res.Name, Err: err}
		}
	}
	report.FinishedAt = o.now().UTC().Format(time.RFC3339)
	log.Info("release run finished", zap.String("outcome", string(report.Outcome)))
	return report, runErr
}

// release runs one package to a terminal state.
func (o *Orchestrator) release(ctx context.Context, client registry.Client, entry domain.PlanEntry, res *domain.PackageResult, log *zap.Logger) error {
	if !entry.Package.Publishable() {
		log.Info("package skipped", zap.Bool("private", entry.Package.Private))
		return transition(res, domain.StateSkipped)
	}
	// In-flight registry calls are never interrupted; cancellation is
	// observed between attempts only.
	callCtx := context.WithoutCancel(ctx)

	visible, err := o.probe(ctx, callCtx, client, res, log)
	if err != nil {
		return err
	}
	if visible {
		log.Info("version already on registry")
		return transition(res, domain.StateAlreadyPublished)
	}

	req := registry.PublishRequest{Name: res.Name, Version: res.TargetVersion, Dir: entry.Package.Dir}
	max := o.maxAttempts()
	for attempt := 1; ; attempt++ {
		var waited time.Duration
		if attempt > 1 {
			waited = o.delay(attempt - 1)
			if err := o.wait(ctx, domain.PhasePublish, waited); err != nil {
				_ = transition(res, domain.StateAborted)
				return err
			}
			// A failed submission may still have landed; publishing it again
			// would be rejected as a duplicate.
			if landed := o.recheck(callCtx, client, res, attempt, log); landed {
				log.Info("earlier submission landed", zap.Int("attempt", attempt-1))
				for _, s := range []domain.PackageState{domain.StatePublishing, domain.StateVerifying, domain.StatePublished} {
					if err := transition(res, s); err != nil {
						return err
					}
				}
				return nil
			}
		}
		if err := transition(res, domain.StatePublishing); err != nil {
			return err
		}
		err := client.Publish(callCtx, req)
		res.Attempts = attempt
		o.record(res, domain.PhasePublish, attempt, waited, err, true)
		if err == nil {
			log.Info("package submitted", zap.Int("attempt", attempt))
			break
		}
		if !registry.IsTransient(err) {
			log.Error("publish rejected", zap.Int("attempt", attempt), zap.Error(err))
			_ = transition(res, domain.StateFailed)
			return err
		}
		if attempt >= max {
			log.Error("publish attempts exhausted", zap.Int("attempts", attempt), zap.Error(err))
			_ = transition(res, domain.StateFailed)
			return fmt.Errorf("gave up after %d attempts: %w", attempt, err)
		}
		log.Warn("publish failed, retrying", zap.Int("attempt", attempt), zap.Error(err))
		if err := transition(res, domain.StatePending); err != nil {
			return err
		}
	}

	if err := transition(res, domain.StateVerifying); err != nil {
		return err
	}
	var lastErr error
	for poll := 1; poll <= max; poll++ {
		waited := o.delay(poll)
		if err := o.wait(ctx, domain.PhaseVerify, waited); err != nil {
			_ = transition(res, domain.StateAborted)
			return err
		}
		ok, err := client.Exists(callCtx, res.Name, res.TargetVersion)
		res.Polls = poll
		o.record(res, domain.PhaseVerify, poll, waited, err, ok)
		if err != nil && !registry.IsTransient(err) {
			log.Error("verification failed", zap.Int("poll", poll), zap.Error(err))
			_ = transition(res, domain.StateFailed)
			return err
		}
		if ok {
			log.Info("package visible", zap.Int("poll", poll))
			return transition(res, domain.StatePublished)
		}
		lastErr = err
		log.Debug("package not visible yet", zap.Int("poll", poll), zap.Error(err))
	}
	_ = transition(res, domain.StateFailed)
	if lastErr != nil {
		return fmt.Errorf("not visible after %d polls: %w", max, lastErr)
	}
	return fmt.Errorf("not visible after %d polls", max)
}

// probe asks whether the target version is already on the registry.
func (o *Orchestrator) probe(ctx, callCtx context.Context, client registry.Client, res *domain.PackageResult, log *zap.Logger) (bool, error) {
	max := o.maxAttempts()
	for attempt := 1; ; attempt++ {
		var waited time.Duration
		if attempt > 1 {
			waited = o.delay(attempt - 1)
			if err := o.wait(ctx, domain.PhaseProbe, waited); err != nil {
				_ = transition(res, domain.StateAborted)
				return false, err
			}
		}
		ok, err := client.Exists(callCtx, res.Name, res.TargetVersion)
		o.record(res, domain.PhaseProbe, attempt, waited, err, true)
		if err == nil {
			return ok, nil
		}
		if !registry.IsTransient(err) || attempt >= max {
			log.Error("registry probe failed", zap.Int("attempt", attempt), zap.Error(err))
			_ = transition(res, domain.StateFailed)
			return false, err
		}
		log.Warn("registry probe failed, retrying", zap.Int("attempt", attempt), zap.Error(err))
	}
}

// recheck reports whether the target version became visible after a failed
// submission. Errors count as not visible; the next publish attempt decides.
func (o *Orchestrator) recheck(callCtx context.Context, client registry.Client, res *domain.PackageResult, attempt int, log *zap.Logger) bool {
	ok, err := client.Exists(callCtx, res.Name, res.TargetVersion)
	o.record(res, domain.PhaseProbe, attempt, 0, err, ok)
	if err != nil {
		log.Debug("recheck before retry failed", zap.Int("attempt", attempt), zap.Error(err))
		return false
	}
	return ok
}

func (o *Orchestrator) record(res *domain.PackageResult, phase domain.AttemptPhase, index int, waited time.Duration, err error, visible bool) {
	outcome := domain.OutcomeSuccess
	switch {
	case err != nil && registry.IsTransient(err):
		outcome = domain.OutcomeTransient
	case err != nil:
		outcome = domain.OutcomePermanent
	case !visible:
		outcome = domain.OutcomeNotVisible
	}
	a := domain.PublishAttempt{
		Package: res.Name,
		Phase:   phase,
		Index:   index,
		Outcome: outcome,
		DelayMS: waited.Milliseconds(),
		TS:      o.now().UTC().Format(time.RFC3339Nano),
	}
	if err != nil {
		a.Error = err.Error()
	}
	res.History = append(res.History, a)
	if o.Metrics != nil {
		o.Metrics.Attempt(phase, outcome)
	}
}
