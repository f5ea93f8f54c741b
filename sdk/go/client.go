package cascadesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal cascade HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// RunSummary is one entry of the run listing.
type RunSummary struct {
	ID              string `json:"id"`
	StartedAt       string `json:"started_at"`
	FinishedAt      string `json:"finished_at"`
	DryRun          bool   `json:"dry_run"`
	Outcome         string `json:"outcome"`
	PlanFingerprint string `json:"plan_fingerprint"`
	Packages        int    `json:"packages"`
}

type Attempt struct {
	Phase   string `json:"phase"`
	Index   int    `json:"index"`
	Outcome string `json:"outcome"`
	DelayMS int64  `json:"delay_ms"`
	Error   string `json:"error,omitempty"`
	TS      string `json:"ts"`
}

type PackageResult struct {
	Name          string    `json:"name"`
	TargetVersion string    `json:"target_version"`
	State         string    `json:"state"`
	Attempts      int       `json:"attempts"`
	Polls         int       `json:"polls"`
	Error         string    `json:"error,omitempty"`
	History       []Attempt `json:"history,omitempty"`
}

// Run is a full run report (partial).
type Run struct {
	ID              string          `json:"id"`
	StartedAt       string          `json:"started_at"`
	FinishedAt      string          `json:"finished_at"`
	DryRun          bool            `json:"dry_run"`
	Outcome         string          `json:"outcome"`
	PlanFingerprint string          `json:"plan_fingerprint"`
	Packages        []PackageResult `json:"packages"`
}

// Event represents a run journal entry.
type Event struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts"`
	Type    string         `json:"type"`
	RunID   string         `json:"run_id"`
	Package string         `json:"package"`
	Payload map[string]any `json:"payload"`
}

type Rewrite struct {
	Package    string `json:"package"`
	Dependency string `json:"dependency"`
	Kind       string `json:"kind"`
	From       string `json:"from"`
	To         string `json:"to"`
}

type PlanEntry struct {
	Name           string    `json:"name"`
	CurrentVersion string    `json:"current_version"`
	TargetVersion  string    `json:"target_version"`
	Bumped         bool      `json:"bumped"`
	Publishable    bool      `json:"publishable"`
	Rewrites       []Rewrite `json:"rewrites"`
}

type Plan struct {
	Fingerprint string      `json:"fingerprint"`
	Entries     []PlanEntry `json:"entries"`
}

// PlanQuery selects bumps for a plan preview. Bumps maps package names to
// none|patch|minor|major.
type PlanQuery struct {
	Bumps     map[string]string
	BumpAll   string
	PinPolicy string
	Skip      []string
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

// PaginatedRuns wraps list responses with cursors.
type PaginatedRuns struct {
	Items      []RunSummary `json:"items"`
	NextCursor string       `json:"next_cursor"`
}

// Health reports whether the server answers.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, c.apiPath("health"), nil, nil)
}

// Runs returns recent runs, newest first.
func (c *Client) Runs(ctx context.Context, limit int) ([]RunSummary, error) {
	page, err := c.RunsPage(ctx, limit, "")
	return page.Items, err
}

// RunsPage returns a paginated run listing.
func (c *Client) RunsPage(ctx context.Context, limit int, cursor string) (PaginatedRuns, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedRuns
	err := c.do(ctx, http.MethodGet, withQuery(c.apiPath("runs"), q), nil, &resp)
	return resp, err
}

// Run fetches one run; a unique id prefix is accepted.
func (c *Client) Run(ctx context.Context, id string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodGet, c.apiPath("runs/"+url.PathEscape(id)), nil, &resp)
	return resp, err
}

// RunEvents returns a run's journal, newest first. evtType may be empty.
func (c *Client) RunEvents(ctx context.Context, id, evtType string, limit int) ([]Event, error) {
	q := url.Values{}
	if evtType != "" {
		q.Set("type", evtType)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery(c.apiPath("runs/"+url.PathEscape(id)+"/events"), q), nil, &resp)
	return resp.Items, err
}

// Plan previews the release plan of the served workspace.
func (c *Client) Plan(ctx context.Context, pq PlanQuery) (Plan, error) {
	q := url.Values{}
	for name, kind := range pq.Bumps {
		q.Add("bump", name+"="+kind)
	}
	if pq.BumpAll != "" {
		q.Set("bump_all", pq.BumpAll)
	}
	if pq.PinPolicy != "" {
		q.Set("pin_policy", pq.PinPolicy)
	}
	for _, s := range pq.Skip {
		q.Add("skip", s)
	}
	var resp Plan
	err := c.do(ctx, http.MethodGet, withQuery(c.apiPath("plan"), q), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) apiPath(p string) string {
	base := strings.Trim(c.BasePath, "/")
	if base == "" {
		return strings.TrimLeft(p, "/")
	}
	return base + "/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}
