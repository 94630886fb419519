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

// CreateTool persists a registered tool server. The caller supplies the
// ID and timestamps are assigned here.
func (s *Store) CreateTool(ctx context.Context, t *agentd.ToolServer) error {
	if t.ID == "" {
		t.ID = agentd.NewID()
	}
	endpoints, err := json.Marshal(t.Endpoints)
	if err != nil {
		return fmt.Errorf("marshal endpoints: %w", err)
	}
	now := agentd.NowMS()
	t.CreatedTS = now
	t.UpdatedTS = now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tools (id, name, base_url, docs_url, openapi_url, is_active, endpoints, created_ts, updated_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.BaseURL, nullIfEmpty(t.DocsURL), nullIfEmpty(t.OpenAPIURL),
		boolToInt(t.IsActive), string(endpoints), now, now)
	if err != nil {
		return fmt.Errorf("insert tool: %w", err)
	}
	s.logger.Debug("sqlite: tool created", "tool_id", t.ID, "base_url", t.BaseURL)
	return nil
}

// GetTool returns the tool or nil when it does not exist.
func (s *Store) GetTool(ctx context.Context, id string) (*agentd.ToolServer, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, base_url, docs_url, openapi_url, is_active, endpoints, created_ts, updated_ts
		FROM tools WHERE id = ?`, id)
	return scanTool(row.Scan)
}

// FindToolByBaseURL returns the tool registered at baseURL or nil.
// base_url is the registry's dedup key.
func (s *Store) FindToolByBaseURL(ctx context.Context, baseURL string) (*agentd.ToolServer, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, base_url, docs_url, openapi_url, is_active, endpoints, created_ts, updated_ts
		FROM tools WHERE base_url = ?`, baseURL)
	return scanTool(row.Scan)
}

func scanTool(scan func(...any) error) (*agentd.ToolServer, error) {
	var t agentd.ToolServer
	var docsURL, openapiURL sql.NullString
	var active int
	var endpoints string
	err := scan(&t.ID, &t.Name, &t.BaseURL, &docsURL, &openapiURL, &active,
		&endpoints, &t.CreatedTS, &t.UpdatedTS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan tool: %w", err)
	}
	t.DocsURL = emptyIfNull(docsURL)
	t.OpenAPIURL = emptyIfNull(openapiURL)
	t.IsActive = active != 0
	if err := json.Unmarshal([]byte(endpoints), &t.Endpoints); err != nil {
		return nil, fmt.Errorf("unmarshal endpoints: %w", err)
	}
	return &t, nil
}

// ListTools returns all registered tools, newest first.
func (s *Store) ListTools(ctx context.Context) ([]*agentd.ToolServer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, base_url, docs_url, openapi_url, is_active, endpoints, created_ts, updated_ts
		FROM tools ORDER BY created_ts DESC`)
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	defer rows.Close()

	var out []*agentd.ToolServer
	for rows.Next() {
		t, err := scanTool(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateTool applies the non-nil fields and bumps updated_ts.
func (s *Store) UpdateTool(ctx context.Context, id string, name, baseURL, docsURL *string) error {
	sets := []string{"updated_ts = ?"}
	args := []any{agentd.NowMS()}
	if name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *name)
	}
	if baseURL != nil {
		sets = append(sets, "base_url = ?")
		args = append(args, *baseURL)
	}
	if docsURL != nil {
		sets = append(sets, "docs_url = ?")
		args = append(args, nullIfEmpty(*docsURL))
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		`UPDATE tools SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update tool: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update tool: tool %s not found", id)
	}
	return nil
}

// DeleteTool removes a tool registration. Projects referencing the id
// keep the reference; lookups resolve to nil and the invoker rejects
// the call.
func (s *Store) DeleteTool(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tools WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete tool: %w", err)
	}
	return nil
}

// SetToolActive flips the active flag.
func (s *Store) SetToolActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tools SET is_active = ?, updated_ts = ? WHERE id = ?`,
		boolToInt(active), agentd.NowMS(), id)
	if err != nil {
		return fmt.Errorf("set tool active: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("set tool active: tool %s not found", id)
	}
	return nil
}

// SaveDiscovery replaces a tool's endpoint set with a fresh discovery
// result.
func (s *Store) SaveDiscovery(ctx context.Context, id, openapiURL string, endpoints []agentd.Endpoint) error {
	if endpoints == nil {
		endpoints = []agentd.Endpoint{}
	}
	b, err := json.Marshal(endpoints)
	if err != nil {
		return fmt.Errorf("marshal endpoints: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tools SET openapi_url = ?, endpoints = ?, updated_ts = ?
		WHERE id = ?`,
		nullIfEmpty(openapiURL), string(b), agentd.NowMS(), id)
	if err != nil {
		return fmt.Errorf("save discovery: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("save discovery: tool %s not found", id)
	}
	s.logger.Debug("sqlite: discovery saved", "tool_id", id, "endpoints", len(endpoints))
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
