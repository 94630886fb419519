package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/drojas/agentd"
)

// CreateTool persists a registered tool server.
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

	_, err = s.pool.Exec(ctx, `
		INSERT INTO tools (id, name, base_url, docs_url, openapi_url, is_active, endpoints, created_ts, updated_ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		t.ID, t.Name, t.BaseURL, nullIfEmpty(t.DocsURL), nullIfEmpty(t.OpenAPIURL),
		t.IsActive, string(endpoints), now, now)
	if err != nil {
		return fmt.Errorf("insert tool: %w", err)
	}
	return nil
}

const toolColumns = `id, name, base_url, docs_url, openapi_url, is_active, endpoints, created_ts, updated_ts`

// GetTool returns the tool or nil when it does not exist.
func (s *Store) GetTool(ctx context.Context, id string) (*agentd.ToolServer, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+toolColumns+` FROM tools WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get tool: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanTool(rows)
}

// FindToolByBaseURL returns the tool registered at baseURL or nil.
func (s *Store) FindToolByBaseURL(ctx context.Context, baseURL string) (*agentd.ToolServer, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+toolColumns+` FROM tools WHERE base_url = $1`, baseURL)
	if err != nil {
		return nil, fmt.Errorf("find tool: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanTool(rows)
}

func scanTool(rows pgx.Rows) (*agentd.ToolServer, error) {
	var t agentd.ToolServer
	var docsURL, openapiURL *string
	var endpoints []byte
	if err := rows.Scan(&t.ID, &t.Name, &t.BaseURL, &docsURL, &openapiURL,
		&t.IsActive, &endpoints, &t.CreatedTS, &t.UpdatedTS); err != nil {
		return nil, fmt.Errorf("scan tool: %w", err)
	}
	t.DocsURL = deref(docsURL)
	t.OpenAPIURL = deref(openapiURL)
	if err := json.Unmarshal(endpoints, &t.Endpoints); err != nil {
		return nil, fmt.Errorf("unmarshal endpoints: %w", err)
	}
	return &t, nil
}

// ListTools returns all registered tools, newest first.
func (s *Store) ListTools(ctx context.Context) ([]*agentd.ToolServer, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+toolColumns+` FROM tools ORDER BY created_ts DESC`)
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	defer rows.Close()

	var out []*agentd.ToolServer
	for rows.Next() {
		t, err := scanTool(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateTool applies the non-nil fields and bumps updated_ts.
func (s *Store) UpdateTool(ctx context.Context, id string, name, baseURL, docsURL *string) error {
	sets := []string{"updated_ts = $1"}
	args := []any{agentd.NowMS()}

	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if name != nil {
		add("name", *name)
	}
	if baseURL != nil {
		add("base_url", *baseURL)
	}
	if docsURL != nil {
		add("docs_url", nullIfEmpty(*docsURL))
	}
	args = append(args, id)
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE tools SET %s WHERE id = $%d`, strings.Join(sets, ", "), len(args)),
		args...)
	if err != nil {
		return fmt.Errorf("update tool: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update tool: tool %s not found", id)
	}
	return nil
}

// DeleteTool removes a tool registration.
func (s *Store) DeleteTool(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM tools WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete tool: %w", err)
	}
	return nil
}

// SetToolActive flips the active flag.
func (s *Store) SetToolActive(ctx context.Context, id string, active bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tools SET is_active = $1, updated_ts = $2 WHERE id = $3`,
		active, agentd.NowMS(), id)
	if err != nil {
		return fmt.Errorf("set tool active: %w", err)
	}
	if tag.RowsAffected() == 0 {
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
	tag, err := s.pool.Exec(ctx, `
		UPDATE tools SET openapi_url = $1, endpoints = $2, updated_ts = $3
		WHERE id = $4`,
		nullIfEmpty(openapiURL), string(b), agentd.NowMS(), id)
	if err != nil {
		return fmt.Errorf("save discovery: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("save discovery: tool %s not found", id)
	}
	return nil
}
