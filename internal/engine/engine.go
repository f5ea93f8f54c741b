// Package engine runs the release pipeline: plan, rewrite manifests, publish,
// record history.
package engine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"cascade/internal/app"
	"cascade/internal/domain"
	"cascade/internal/graph"
	"cascade/internal/manifest"
	"cascade/internal/metrics"
	"cascade/internal/mutator"
	"cascade/internal/orchestrator"
	"cascade/internal/planner"
	"cascade/internal/registry"
	"cascade/internal/repo"
	"cascade/internal/version"
)

type Engine struct {
	App      *app.Context
	Store    *manifest.Store
	Registry registry.Client
	// History and Metrics are optional.
	History *repo.Repo
	Metrics *metrics.Collector
	Now     func() time.Time
	Sleep   func(ctx context.Context, d time.Duration) error
}

func New(a *app.Context, client registry.Client) Engine {
	return Engine{
		App:      a,
		Store:    a.Manifests(),
		Registry: client,
		Now:      time.Now,
	}
}

func (e Engine) logger() *zap.Logger {
	if e.App != nil && e.App.Logger != nil {
		return e.App.Logger
	}
	return zap.NewNop()
}

// PlanOptions select the bump policy and packages to leave out.
type PlanOptions struct {
	Policy    planner.BumpPolicy
	PinPolicy version.PinPolicy
	Skip      []string
	DryRun    bool
}

// Plan loads the workspace and computes its release plan. Nothing is written.
func (e Engine) Plan(ctx context.Context, opts PlanOptions) (*graph.Graph, domain.ReleasePlan, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.ReleasePlan{}, err
	}
	g, err := e.App.Graph(e.Store, opts.Skip)
	if err != nil {
		return nil, domain.ReleasePlan{}, err
	}
	pin := opts.PinPolicy
	if pin == "" {
		if pin, err = version.ParsePinPolicy(e.App.Config.Release.PinPolicy); err != nil {
			return nil, domain.ReleasePlan{}, err
		}
	}
	p := planner.Planner{Policy: opts.Policy, PinPolicy: pin, DryRun: opts.DryRun, Logger: e.logger()}
	plan, err := p.Plan(g)
	if err != nil {
		return g, domain.ReleasePlan{}, err
	}
	return g, plan, nil
}

type ReleaseOptions struct {
	PlanOptions
	Retry orchestrator.Options
}

type ReleaseResult struct {
	Plan     domain.ReleasePlan `json:"plan"`
	Writes   mutator.Result     `json:"writes"`
	Report   domain.RunReport   `json:"report"`
	Recorded bool               `json:"recorded"`
}

// RetryOptions returns the orchestrator options from config.
func (e Engine) RetryOptions(dryRun bool) orchestrator.Options {
	cfg := e.App.Config
	return orchestrator.Options{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		Multiplier:  cfg.Retry.Multiplier,
		DryRun:      dryRun,
	}
}

// Release plans, rewrites manifests and publishes in order. The run report is
// recorded in the history store even when publishing fails.
func (e Engine) Release(ctx context.Context, opts ReleaseOptions) (ReleaseResult, error) {
	var res ReleaseResult
	log := e.logger()
	opts.Retry.DryRun = opts.DryRun

	_, plan, err := e.Plan(ctx, opts.PlanOptions)
	if err != nil {
		return res, err
	}
	res.Plan = plan
	log.Info("release planned", zap.Int("packages", len(plan.Entries)), zap.Int("rewrites", len(plan.Rewrites())), zap.String("fingerprint", plan.Fingerprint))

	m := mutator.Mutator{Store: e.Store, DryRun: opts.DryRun, Logger: log}
	res.Writes, err = m.Apply(plan)
	if err != nil {
		return res, err
	}

	o := orchestrator.New(e.Registry, opts.Retry, log)
	if e.Now != nil {
		o.Now = e.Now
	}
	if e.Sleep != nil {
		o.Sleep = e.Sleep
	}
	if e.Metrics != nil {
		o.Metrics = e.Metrics
	}
	report, runErr := o.Run(ctx, plan)
	res.Report = report
	if e.Metrics != nil {
		e.Metrics.RunDone(report)
	}
	if e.History != nil {
		// The report is stored even if the run was cancelled.
		if err := e.History.SaveReport(context.WithoutCancel(ctx), report); err != nil {
			log.Error("record run history", zap.String("run_id", report.ID), zap.Error(err))
			return res, errors.Join(runErr, err)
		}
		res.Recorded = true
	}
	return res, runErr
}
