// Package repo stores release run history in SQLite.
package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"cascade/internal/domain"
	"cascade/internal/events"
)

type Repo struct {
	DB     *sql.DB
	Events events.Writer
}

var ErrNotFound = errors.New("not found")

// SaveReport persists a run report, its package results, every attempt and
// the lifecycle events in one transaction.
func (r Repo) SaveReport(ctx context.Context, rep domain.RunReport) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT INTO runs(id,started_at,finished_at,dry_run,outcome,plan_fingerprint) VALUES (?,?,?,?,?,?)`,
		rep.ID, rep.StartedAt, rep.FinishedAt, boolToInt(rep.DryRun), string(rep.Outcome), rep.PlanFingerprint); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	if err := r.Events.Append(ctx, tx, events.RunStarted, rep.ID, "", events.EventPayload{
		"dry_run": rep.DryRun, "plan_fingerprint": rep.PlanFingerprint, "packages": len(rep.Packages),
	}); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	for i, p := range rep.Packages {
		if _, err := tx.ExecContext(ctx, `INSERT INTO package_results(run_id,position,name,target_version,state,attempts,polls,error) VALUES (?,?,?,?,?,?,?,?)`,
			rep.ID, i, p.Name, p.TargetVersion, string(p.State), p.Attempts, p.Polls, nullable(p.Error)); err != nil {
			return fmt.Errorf("insert package result %s: %w", p.Name, err)
		}
		for _, a := range p.History {
			if _, err := tx.ExecContext(ctx, `INSERT INTO attempts(run_id,package,phase,idx,outcome,delay_ms,error,ts) VALUES (?,?,?,?,?,?,?,?)`,
				rep.ID, p.Name, string(a.Phase), a.Index, string(a.Outcome), a.DelayMS, nullable(a.Error), a.TS); err != nil {
				return fmt.Errorf("insert attempt %s: %w", p.Name, err)
			}
		}
		payload := events.EventPayload{"state": p.State, "target_version": p.TargetVersion, "attempts": p.Attempts}
		if p.Error != "" {
			payload["error"] = p.Error
		}
		if err := r.Events.Append(ctx, tx, events.PackageState, rep.ID, p.Name, payload); err != nil {
			return fmt.Errorf("append event: %w", err)
		}
	}
	if err := r.Events.Append(ctx, tx, events.RunFinished, rep.ID, "", events.EventPayload{"outcome": rep.Outcome}); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return tx.Commit()
}

func (r Repo) ListRuns(ctx context.Context, limit int) ([]domain.RunSummary, error) {
	return r.ListRunsWithCursor(ctx, limit, "", "")
}

// ListRunsWithCursor lists runs newest first, starting after the given cursor.
func (r Repo) ListRunsWithCursor(ctx context.Context, limit int, cursorStartedAt, cursorID string) ([]domain.RunSummary, error) {
	clauses := []string{"1=1"}
	var args []any
	if cursorStartedAt != "" && cursorID != "" {
		clauses = append(clauses, "(r.started_at < ? OR (r.started_at = ? AND r.id < ?))")
		args = append(args, cursorStartedAt, cursorStartedAt, cursorID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := `SELECT r.id,r.started_at,r.finished_at,r.dry_run,r.outcome,r.plan_fingerprint,
		(SELECT COUNT(*) FROM package_results p WHERE p.run_id=r.id)
		FROM runs r ` + where + ` ORDER BY r.started_at DESC, r.id DESC`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RunSummary
	for rows.Next() {
		var s domain.RunSummary
		var dry int
		var outcome string
		if err := rows.Scan(&s.ID, &s.StartedAt, &s.FinishedAt, &dry, &outcome, &s.PlanFingerprint, &s.Packages); err != nil {
			return nil, err
		}
		s.DryRun = dry != 0
		s.Outcome = domain.RunOutcome(outcome)
		res = append(res, s)
	}
	return res, rows.Err()
}

// GetRun loads a full run report. A unique id prefix is accepted.
func (r Repo) GetRun(ctx context.Context, id string) (domain.RunReport, error) {
	var rep domain.RunReport
	id, err := r.resolveRunID(ctx, id)
	if err != nil {
		return rep, err
	}
	var dry int
	var outcome string
	err = r.DB.QueryRowContext(ctx, `SELECT id,started_at,finished_at,dry_run,outcome,plan_fingerprint FROM runs WHERE id=?`, id).
		Scan(&rep.ID, &rep.StartedAt, &rep.FinishedAt, &dry, &outcome, &rep.PlanFingerprint)
	if err == sql.ErrNoRows {
		return rep, ErrNotFound
	}
	if err != nil {
		return rep, err
	}
	rep.DryRun = dry != 0
	rep.Outcome = domain.RunOutcome(outcome)

	rows, err := r.DB.QueryContext(ctx, `SELECT name,target_version,state,attempts,polls,COALESCE(error,'') FROM package_results WHERE run_id=? ORDER BY position`, id)
	if err != nil {
		return rep, err
	}
	for rows.Next() {
		var p domain.PackageResult
		var state string
		if err := rows.Scan(&p.Name, &p.TargetVersion, &state, &p.Attempts, &p.Polls, &p.Error); err != nil {
			rows.Close()
			return rep, err
		}
		p.State = domain.PackageState(state)
		rep.Packages = append(rep.Packages, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return rep, err
	}

	history, err := r.attempts(ctx, id)
	if err != nil {
		return rep, err
	}
	for i := range rep.Packages {
		rep.Packages[i].History = history[rep.Packages[i].Name]
	}
	return rep, nil
}

func (r Repo) attempts(ctx context.Context, runID string) (map[string][]domain.PublishAttempt, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT package,phase,idx,outcome,delay_ms,COALESCE(error,''),ts FROM attempts WHERE run_id=? ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string][]domain.PublishAttempt{}
	for rows.Next() {
		var a domain.PublishAttempt
		var phase, outcome string
		if err := rows.Scan(&a.Package, &phase, &a.Index, &outcome, &a.DelayMS, &a.Error, &a.TS); err != nil {
			return nil, err
		}
		a.Phase = domain.AttemptPhase(phase)
		a.Outcome = domain.AttemptOutcome(outcome)
		res[a.Package] = append(res[a.Package], a)
	}
	return res, rows.Err()
}

func (r Repo) resolveRunID(ctx context.Context, id string) (string, error) {
	if id == "" {
		return "", ErrNotFound
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM runs WHERE id=? OR id LIKE ? ORDER BY id LIMIT 2`, id, escapeLike(id)+"%")
	if err != nil {
		return "", err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return "", err
		}
		if v == id {
			return v, nil
		}
		ids = append(ids, v)
	}
	switch len(ids) {
	case 0:
		return "", ErrNotFound
	case 1:
		return ids[0], nil
	default:
		return "", fmt.Errorf("run id prefix %q is ambiguous", id)
	}
}

// LatestEvents returns the newest events first, optionally filtered by run and type.
func (r Repo) LatestEvents(ctx context.Context, limit int, runID, evtType string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if runID != "" {
		clauses = append(clauses, "run_id=?")
		args = append(args, runID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(run_id,''),COALESCE(package,''),payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.RunID, &e.Package, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`%`, ``, `_`, ``)
	return r.Replace(s)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,COALESCE(run_id,''),COALESCE(package,''),payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.RunID, &e.Package, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID, 0 when there is none.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}
