package domain

// DepKind is the requirement kind of a dependency edge.
type DepKind string

const (
	DepNormal DepKind = "normal"
	DepBuild  DepKind = "build"
	DepDev    DepKind = "dev"
)

// DepKinds lists requirement kinds in manifest order.
var DepKinds = []DepKind{DepNormal, DepBuild, DepDev}

type Package struct {
	Name          string           `json:"name"`
	Version       string           `json:"version"`
	Dir           string           `json:"dir"`
	ManifestPath  string           `json:"manifest_path"`
	Private       bool             `json:"private,omitempty"`
	Skip          bool             `json:"skip,omitempty"`
	Description   string           `json:"description,omitempty"`
	Documentation string           `json:"documentation,omitempty"`
	License       string           `json:"license,omitempty"`
	Dependencies  []DependencyEdge `json:"dependencies,omitempty"`
}

// Publishable reports whether the package may ever enter publishing.
func (p Package) Publishable() bool {
	return !p.Private && !p.Skip
}

type DependencyEdge struct {
	From        string  `json:"from"`
	To          string  `json:"to"`
	Kind        DepKind `json:"kind"`
	Requirement string  `json:"requirement"`
}

type Rewrite struct {
	Edge DependencyEdge `json:"edge"`
	New  string         `json:"new_requirement"`
}

type PlanEntry struct {
	Package       Package   `json:"package"`
	TargetVersion string    `json:"target_version"`
	Bumped        bool      `json:"bumped"`
	Rewrites      []Rewrite `json:"rewrites,omitempty"`
}

type ReleasePlan struct {
	Entries     []PlanEntry `json:"entries"`
	Fingerprint string      `json:"fingerprint"`
}

// Rewrites returns every rewrite of the plan in entry order.
func (p ReleasePlan) Rewrites() []Rewrite {
	var out []Rewrite
	for _, e := range p.Entries {
		out = append(out, e.Rewrites...)
	}
	return out
}

type PackageState string

const (
	StatePending          PackageState = "pending"
	StatePublishing       PackageState = "publishing"
	StateVerifying        PackageState = "verifying"
	StatePublished        PackageState = "published"
	StateFailed           PackageState = "failed"
	StateSkipped          PackageState = "skipped"
	StateAlreadyPublished PackageState = "already_published"
	StateAborted          PackageState = "aborted"
	StateNotAttempted     PackageState = "not_attempted"
)

// Unblocks reports whether a package in state s lets the next plan entry start.
func (s PackageState) Unblocks() bool {
	switch s {
	case StatePublished, StateSkipped, StateAlreadyPublished:
		return true
	default:
		return false
	}
}

type AttemptPhase string

const (
	PhaseProbe   AttemptPhase = "probe"
	PhasePublish AttemptPhase = "publish"
	PhaseVerify  AttemptPhase = "verify"
)

type AttemptOutcome string

const (
	OutcomeSuccess   AttemptOutcome = "success"
	OutcomeTransient AttemptOutcome = "transient_failure"
	OutcomePermanent AttemptOutcome = "permanent_failure"
	// OutcomeNotVisible is a verification poll that completed but did not see the version yet.
	OutcomeNotVisible AttemptOutcome = "not_visible"
)

type PublishAttempt struct {
	Package string         `json:"package"`
	Phase   AttemptPhase   `json:"phase"`
	Index   int            `json:"index"`
	Outcome AttemptOutcome `json:"outcome"`
	DelayMS int64          `json:"delay_ms"`
	Error   string         `json:"error,omitempty"`
	TS      string         `json:"ts" format:"date-time"`
}

type PackageResult struct {
	Name          string           `json:"name"`
	TargetVersion string           `json:"target_version"`
	State         PackageState     `json:"state"`
	Attempts      int              `json:"attempts"`
	Polls         int              `json:"polls"`
	Error         string           `json:"error,omitempty"`
	History       []PublishAttempt `json:"history,omitempty"`
}

type RunOutcome string

const (
	RunSucceeded RunOutcome = "succeeded"
	RunFailed    RunOutcome = "failed"
	RunAborted   RunOutcome = "aborted"
)

type RunReport struct {
	ID              string          `json:"id"`
	StartedAt       string          `json:"started_at" format:"date-time"`
	FinishedAt      string          `json:"finished_at" format:"date-time"`
	DryRun          bool            `json:"dry_run"`
	Outcome         RunOutcome      `json:"outcome"`
	PlanFingerprint string          `json:"plan_fingerprint"`
	Packages        []PackageResult `json:"packages"`
}

// Result returns the result for a package name.
func (r RunReport) Result(name string) (PackageResult, bool) {
	for _, p := range r.Packages {
		if p.Name == name {
			return p, true
		}
	}
	return PackageResult{}, false
}

type RunSummary struct {
	ID              string     `json:"id"`
	StartedAt       string     `json:"started_at" format:"date-time"`
	FinishedAt      string     `json:"finished_at" format:"date-time"`
	DryRun          bool       `json:"dry_run"`
	Outcome         RunOutcome `json:"outcome"`
	PlanFingerprint string     `json:"plan_fingerprint"`
	Packages        int        `json:"packages"`
}

type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Type    string `json:"type"`
	RunID   string `json:"run_id,omitempty"`
	Package string `json:"package,omitempty"`
	Payload string `json:"payload_json"`
}
