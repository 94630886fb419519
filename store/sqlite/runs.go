package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/drojas/agentd"
)

// CreateRun persists a new draft run. The full plan document is stored
// as JSON alongside the lifecycle columns so a run can always be
// re-rendered and resumed from the row alone.
func (s *Store) CreateRun(ctx context.Context, chatID, planID, goal string, plan *agentd.PlanRun) (*agentd.PlanRunState, error) {
	planJSON, err := json.Marshal(plan)
	if err != nil {
		return nil, fmt.Errorf("marshal plan: %w", err)
	}

	now := agentd.NowMS()
	run := &agentd.PlanRunState{
		RunID:     agentd.NewID(),
		ChatID:    chatID,
		PlanID:    planID,
		Goal:      goal,
		Status:    agentd.RunDraft,
		CreatedTS: now,
		UpdatedTS: now,
		Plan:      plan,
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO plan_runs (run_id, chat_id, plan_id, goal, status, created_ts, updated_ts, plan_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, chatID, planID, goal, run.Status, now, now, string(planJSON))
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}

	s.logger.Debug("sqlite: run created", "run_id", run.RunID, "chat_id", chatID)
	return run, nil
}

// GetRun returns the run or nil when it does not exist.
func (s *Store) GetRun(ctx context.Context, runID string) (*agentd.PlanRunState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, chat_id, plan_id, goal, status, created_ts, updated_ts,
		       current_step_path, last_event, plan_json, error
		FROM plan_runs WHERE run_id = ?`, runID)
	return scanRun(row)
}

func scanRun(row *sql.Row) (*agentd.PlanRunState, error) {
	var r agentd.PlanRunState
	var stepPath, lastEvent, planJSON, runErr sql.NullString
	err := row.Scan(&r.RunID, &r.ChatID, &r.PlanID, &r.Goal, &r.Status,
		&r.CreatedTS, &r.UpdatedTS, &stepPath, &lastEvent, &planJSON, &runErr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	r.CurrentStepPath = emptyIfNull(stepPath)
	r.LastEvent = emptyIfNull(lastEvent)
	r.Error = emptyIfNull(runErr)
	if planJSON.Valid && planJSON.String != "" {
		var plan agentd.PlanRun
		if err := json.Unmarshal([]byte(planJSON.String), &plan); err != nil {
			return nil, fmt.Errorf("unmarshal plan: %w", err)
		}
		r.Plan = &plan
	}
	return &r, nil
}

// LatestRunID returns the most recently updated run of the given status
// for a chat, or "" when none exists.
func (s *Store) LatestRunID(ctx context.Context, chatID, status string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id FROM plan_runs
		WHERE chat_id = ? AND status = ?
		ORDER BY updated_ts DESC LIMIT 1`, chatID, status).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("latest run: %w", err)
	}
	return id, nil
}

// ListRuns returns every run, most recently updated first.
func (s *Store) ListRuns(ctx context.Context) ([]*agentd.PlanRunState, error) {
	return s.queryRuns(ctx, `
		SELECT run_id, chat_id, plan_id, goal, status, created_ts, updated_ts,
		       current_step_path, last_event, plan_json, error
		FROM plan_runs ORDER BY updated_ts DESC`)
}

// ListRunsByChat returns up to limit runs of one chat, most recently
// updated first. limit <= 0 means no limit.
func (s *Store) ListRunsByChat(ctx context.Context, chatID string, limit int) ([]*agentd.PlanRunState, error) {
	q := `
		SELECT run_id, chat_id, plan_id, goal, status, created_ts, updated_ts,
		       current_step_path, last_event, plan_json, error
		FROM plan_runs WHERE chat_id = ? ORDER BY updated_ts DESC`
	if limit > 0 {
		return s.queryRuns(ctx, q+` LIMIT ?`, chatID, limit)
	}
	return s.queryRuns(ctx, q, chatID)
}

func (s *Store) queryRuns(ctx context.Context, q string, args ...any) ([]*agentd.PlanRunState, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []*agentd.PlanRunState
	for rows.Next() {
		var r agentd.PlanRunState
		var stepPath, lastEvent, planJSON, runErr sql.NullString
		if err := rows.Scan(&r.RunID, &r.ChatID, &r.PlanID, &r.Goal, &r.Status,
			&r.CreatedTS, &r.UpdatedTS, &stepPath, &lastEvent, &planJSON, &runErr); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.CurrentStepPath = emptyIfNull(stepPath)
		r.LastEvent = emptyIfNull(lastEvent)
		r.Error = emptyIfNull(runErr)
		if planJSON.Valid && planJSON.String != "" {
			var plan agentd.PlanRun
			if err := json.Unmarshal([]byte(planJSON.String), &plan); err != nil {
				return nil, fmt.Errorf("unmarshal plan: %w", err)
			}
			r.Plan = &plan
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// UpdateRun applies a partial update. Nil fields are left untouched;
// updated_ts always advances.
func (s *Store) UpdateRun(ctx context.Context, runID string, u agentd.RunUpdate) error {
	sets := []string{"updated_ts = ?"}
	args := []any{agentd.NowMS()}

	if u.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *u.Status)
	}
	if u.CurrentStepPath != nil {
		sets = append(sets, "current_step_path = ?")
		args = append(args, nullIfEmpty(*u.CurrentStepPath))
	}
	if u.LastEvent != nil {
		sets = append(sets, "last_event = ?")
		args = append(args, nullIfEmpty(*u.LastEvent))
	}
	if u.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, nullIfEmpty(*u.Error))
	}
	if u.Plan != nil {
		planJSON, err := json.Marshal(u.Plan)
		if err != nil {
			return fmt.Errorf("marshal plan: %w", err)
		}
		sets = append(sets, "plan_json = ?")
		args = append(args, string(planJSON))
	}

	args = append(args, runID)
	res, err := s.db.ExecContext(ctx,
		`UPDATE plan_runs SET `+strings.Join(sets, ", ")+` WHERE run_id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("update run: run %s not found", runID)
	}
	return nil
}

// TryMarkQueued atomically moves a run from draft to queued. Returns
// true only for the single caller whose UPDATE flips the status; every
// other concurrent confirmation sees false with a nil error.
func (s *Store) TryMarkQueued(ctx context.Context, runID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE plan_runs SET status = ?, last_event = 'confirm_accepted', updated_ts = ?
		WHERE run_id = ? AND status = ?`,
		agentd.RunQueued, agentd.NowMS(), runID, agentd.RunDraft)
	if err != nil {
		return false, fmt.Errorf("mark queued: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark queued: %w", err)
	}
	won := n == 1
	s.logger.Debug("sqlite: mark queued", "run_id", runID, "won", won)
	return won, nil
}

// GetState returns the chat's run pointers. A missing row reads as the
// zero state: every field unset.
func (s *Store) GetState(ctx context.Context, chatID string) (agentd.ChatState, error) {
	var st agentd.ChatState
	var pending, active, lastID, lastStatus sql.NullString
	var lastTS sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT pending_run_id, active_run_id, last_run_id, last_run_status, last_run_ts
		FROM chat_state WHERE chat_id = ?`, chatID).
		Scan(&pending, &active, &lastID, &lastStatus, &lastTS)
	if errors.Is(err, sql.ErrNoRows) {
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("get chat state: %w", err)
	}
	st.PendingRunID = emptyIfNull(pending)
	st.ActiveRunID = emptyIfNull(active)
	st.LastRunID = emptyIfNull(lastID)
	st.LastRunStatus = emptyIfNull(lastStatus)
	if lastTS.Valid {
		st.LastRunTS = lastTS.Int64
	}
	return st, nil
}

// SetState applies a partial update to the chat's run pointers,
// creating the row on first touch. Nil fields are untouched; a pointer
// to the zero value clears the field to NULL.
func (s *Store) SetState(ctx context.Context, chatID string, u agentd.ChatStateUpdate) error {
	cols := []string{"chat_id", "updated_ts"}
	vals := []any{chatID, agentd.NowMS()}
	updates := []string{"updated_ts = excluded.updated_ts"}

	set := func(col string, v any) {
		cols = append(cols, col)
		vals = append(vals, v)
		updates = append(updates, col+" = excluded."+col)
	}
	if u.PendingRunID != nil {
		set("pending_run_id", nullIfEmpty(*u.PendingRunID))
	}
	if u.ActiveRunID != nil {
		set("active_run_id", nullIfEmpty(*u.ActiveRunID))
	}
	if u.LastRunID != nil {
		set("last_run_id", nullIfEmpty(*u.LastRunID))
	}
	if u.LastRunStatus != nil {
		set("last_run_status", nullIfEmpty(*u.LastRunStatus))
	}
	if u.LastRunTS != nil {
		var v any
		if *u.LastRunTS != 0 {
			v = *u.LastRunTS
		}
		set("last_run_ts", v)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	q := `INSERT INTO chat_state (` + strings.Join(cols, ", ") + `)
		VALUES (` + placeholders + `)
		ON CONFLICT(chat_id) DO UPDATE SET ` + strings.Join(updates, ", ")

	if _, err := s.db.ExecContext(ctx, q, vals...); err != nil {
		return fmt.Errorf("set chat state: %w", err)
	}
	return nil
}
