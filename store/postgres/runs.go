package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/drojas/agentd"
)

// CreateRun persists a new draft run with its full plan document.
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

	_, err = s.pool.Exec(ctx, `
		INSERT INTO plan_runs (run_id, chat_id, plan_id, goal, status, created_ts, updated_ts, plan_json)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		run.RunID, chatID, planID, goal, run.Status, now, now, string(planJSON))
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

const runColumns = `run_id, chat_id, plan_id, goal, status, created_ts, updated_ts,
	current_step_path, last_event, plan_json, error`

// GetRun returns the run or nil when it does not exist.
func (s *Store) GetRun(ctx context.Context, runID string) (*agentd.PlanRunState, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+runColumns+` FROM plan_runs WHERE run_id = $1`, runID)
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanRun(rows)
}

func scanRun(rows pgx.Rows) (*agentd.PlanRunState, error) {
	var r agentd.PlanRunState
	var stepPath, lastEvent, planJSON, runErr *string
	if err := rows.Scan(&r.RunID, &r.ChatID, &r.PlanID, &r.Goal, &r.Status,
		&r.CreatedTS, &r.UpdatedTS, &stepPath, &lastEvent, &planJSON, &runErr); err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	r.CurrentStepPath = deref(stepPath)
	r.LastEvent = deref(lastEvent)
	r.Error = deref(runErr)
	if planJSON != nil && *planJSON != "" {
		var plan agentd.PlanRun
		if err := json.Unmarshal([]byte(*planJSON), &plan); err != nil {
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
	err := s.pool.QueryRow(ctx, `
		SELECT run_id FROM plan_runs
		WHERE chat_id = $1 AND status = $2
		ORDER BY updated_ts DESC LIMIT 1`, chatID, status).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("latest run: %w", err)
	}
	return id, nil
}

// ListRuns returns every run, most recently updated first.
func (s *Store) ListRuns(ctx context.Context) ([]*agentd.PlanRunState, error) {
	return s.queryRuns(ctx,
		`SELECT `+runColumns+` FROM plan_runs ORDER BY updated_ts DESC`)
}

// ListRunsByChat returns up to limit runs of one chat, most recently
// updated first. limit <= 0 means no limit.
func (s *Store) ListRunsByChat(ctx context.Context, chatID string, limit int) ([]*agentd.PlanRunState, error) {
	q := `SELECT ` + runColumns + ` FROM plan_runs WHERE chat_id = $1 ORDER BY updated_ts DESC`
	if limit > 0 {
		return s.queryRuns(ctx, q+` LIMIT $2`, chatID, limit)
	}
	return s.queryRuns(ctx, q, chatID)
}

func (s *Store) queryRuns(ctx context.Context, q string, args ...any) ([]*agentd.PlanRunState, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []*agentd.PlanRunState
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpdateRun applies a partial update. Nil fields are left untouched;
// updated_ts always advances.
func (s *Store) UpdateRun(ctx context.Context, runID string, u agentd.RunUpdate) error {
	sets := []string{"updated_ts = $1"}
	args := []any{agentd.NowMS()}

	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if u.Status != nil {
		add("status", *u.Status)
	}
	if u.CurrentStepPath != nil {
		add("current_step_path", nullIfEmpty(*u.CurrentStepPath))
	}
	if u.LastEvent != nil {
		add("last_event", nullIfEmpty(*u.LastEvent))
	}
	if u.Error != nil {
		add("error", nullIfEmpty(*u.Error))
	}
	if u.Plan != nil {
		planJSON, err := json.Marshal(u.Plan)
		if err != nil {
			return fmt.Errorf("marshal plan: %w", err)
		}
		add("plan_json", string(planJSON))
	}

	args = append(args, runID)
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE plan_runs SET %s WHERE run_id = $%d`, strings.Join(sets, ", "), len(args)),
		args...)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update run: run %s not found", runID)
	}
	return nil
}

// TryMarkQueued atomically moves a run from draft to queued. Single
// winner under concurrency; losers get false with a nil error.
func (s *Store) TryMarkQueued(ctx context.Context, runID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE plan_runs SET status = $1, last_event = 'confirm_accepted', updated_ts = $2
		WHERE run_id = $3 AND status = $4`,
		agentd.RunQueued, agentd.NowMS(), runID, agentd.RunDraft)
	if err != nil {
		return false, fmt.Errorf("mark queued: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetState returns the chat's run pointers; a missing row reads as the
// zero state.
func (s *Store) GetState(ctx context.Context, chatID string) (agentd.ChatState, error) {
	var st agentd.ChatState
	var pending, active, lastID, lastStatus *string
	var lastTS *int64
	err := s.pool.QueryRow(ctx, `
		SELECT pending_run_id, active_run_id, last_run_id, last_run_status, last_run_ts
		FROM chat_state WHERE chat_id = $1`, chatID).
		Scan(&pending, &active, &lastID, &lastStatus, &lastTS)
	if errors.Is(err, pgx.ErrNoRows) {
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("get chat state: %w", err)
	}
	st.PendingRunID = deref(pending)
	st.ActiveRunID = deref(active)
	st.LastRunID = deref(lastID)
	st.LastRunStatus = deref(lastStatus)
	if lastTS != nil {
		st.LastRunTS = *lastTS
	}
	return st, nil
}

// SetState applies a partial update to the chat's run pointers,
// creating the row on first touch.
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

	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	q := `INSERT INTO chat_state (` + strings.Join(cols, ", ") + `)
		VALUES (` + strings.Join(placeholders, ", ") + `)
		ON CONFLICT(chat_id) DO UPDATE SET ` + strings.Join(updates, ", ")

	if _, err := s.pool.Exec(ctx, q, vals...); err != nil {
		return fmt.Errorf("set chat state: %w", err)
	}
	return nil
}
