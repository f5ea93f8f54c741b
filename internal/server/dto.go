package server

import (
	"encoding/json"

	"cascade/internal/domain"
)

type RewriteResponse struct {
	Package    string `json:"package"`
	Dependency string `json:"dependency"`
	Kind       string `json:"kind" enum:"normal,build,dev"`
	From       string `json:"from"`
	To         string `json:"to"`
}

type PlanEntryResponse struct {
	Name           string            `json:"name"`
	CurrentVersion string            `json:"current_version"`
	TargetVersion  string            `json:"target_version"`
	Bumped         bool              `json:"bumped"`
	Publishable    bool              `json:"publishable"`
	Rewrites       []RewriteResponse `json:"rewrites"`
}

type PlanResponse struct {
	Fingerprint string              `json:"fingerprint"`
	Entries     []PlanEntryResponse `json:"entries"`
}

// NewPlanResponse flattens a release plan for JSON output.
func NewPlanResponse(plan domain.ReleasePlan) PlanResponse {
	resp := PlanResponse{Fingerprint: plan.Fingerprint, Entries: []PlanEntryResponse{}}
	for _, e := range plan.Entries {
		entry := PlanEntryResponse{
			Name:           e.Package.Name,
			CurrentVersion: e.Package.Version,
			TargetVersion:  e.TargetVersion,
			Bumped:         e.Bumped,
			Publishable:    e.Package.Publishable(),
			Rewrites:       []RewriteResponse{},
		}
		for _, r := range e.Rewrites {
			entry.Rewrites = append(entry.Rewrites, RewriteResponse{
				Package:    r.Edge.From,
				Dependency: r.Edge.To,
				Kind:       string(r.Edge.Kind),
				From:       r.Edge.Requirement,
				To:         r.New,
			})
		}
		resp.Entries = append(resp.Entries, entry)
	}
	return resp
}

type paginatedRuns struct {
	Items      []domain.RunSummary `json:"items"`
	NextCursor string              `json:"next_cursor,omitempty"`
}

type EventResponse struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts" format:"date-time"`
	Type       string          `json:"type"`
	RunID      string          `json:"run_id,omitempty"`
	Package    string          `json:"package,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func eventResponse(evt domain.Event) EventResponse {
	resp := EventResponse{
		ID:      evt.ID,
		TS:      evt.TS,
		Type:    evt.Type,
		RunID:   evt.RunID,
		Package: evt.Package,
		Payload: json.RawMessage("{}"),
	}
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			resp.Payload = json.RawMessage(evt.Payload)
		} else {
			resp.PayloadRaw = evt.Payload
		}
	}
	return resp
}

type eventList struct {
	Items []EventResponse `json:"items"`
}
