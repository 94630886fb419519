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

const newChatTitle = "New chat"

// CreateProject persists a new project and returns it.
func (s *Store) CreateProject(ctx context.Context, name, contextText string, toolIDs []string) (*agentd.Project, error) {
	if toolIDs == nil {
		toolIDs = []string{}
	}
	ids, err := json.Marshal(toolIDs)
	if err != nil {
		return nil, fmt.Errorf("marshal tool_ids: %w", err)
	}

	now := agentd.NowMS()
	p := &agentd.Project{
		ID:        agentd.NewID(),
		Name:      name,
		Context:   contextText,
		ToolIDs:   toolIDs,
		CreatedTS: now,
		UpdatedTS: now,
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, context, tool_ids, created_ts, updated_ts)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, name, contextText, string(ids), now, now)
	if err != nil {
		return nil, fmt.Errorf("insert project: %w", err)
	}
	s.logger.Debug("sqlite: project created", "project_id", p.ID, "name", name)
	return p, nil
}

// GetProject returns the project or nil when it does not exist.
func (s *Store) GetProject(ctx context.Context, id string) (*agentd.Project, error) {
	var p agentd.Project
	var toolIDs string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, context, tool_ids, created_ts, updated_ts
		FROM projects WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &p.Context, &toolIDs, &p.CreatedTS, &p.UpdatedTS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	if err := json.Unmarshal([]byte(toolIDs), &p.ToolIDs); err != nil {
		return nil, fmt.Errorf("unmarshal tool_ids: %w", err)
	}
	return &p, nil
}

// ListProjects returns all projects, newest first.
func (s *Store) ListProjects(ctx context.Context) ([]*agentd.Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, context, tool_ids, created_ts, updated_ts
		FROM projects ORDER BY created_ts DESC`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var out []*agentd.Project
	for rows.Next() {
		var p agentd.Project
		var toolIDs string
		if err := rows.Scan(&p.ID, &p.Name, &p.Context, &toolIDs, &p.CreatedTS, &p.UpdatedTS); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		if err := json.Unmarshal([]byte(toolIDs), &p.ToolIDs); err != nil {
			return nil, fmt.Errorf("unmarshal tool_ids: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// UpdateProject applies the non-nil fields and bumps updated_ts. A nil
// toolIDs slice leaves the tool set untouched.
func (s *Store) UpdateProject(ctx context.Context, id string, name, contextText *string, toolIDs []string) error {
	sets := []string{"updated_ts = ?"}
	args := []any{agentd.NowMS()}
	if name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *name)
	}
	if contextText != nil {
		sets = append(sets, "context = ?")
		args = append(args, *contextText)
	}
	if toolIDs != nil {
		b, err := json.Marshal(toolIDs)
		if err != nil {
			return fmt.Errorf("marshal tool_ids: %w", err)
		}
		sets = append(sets, "tool_ids = ?")
		args = append(args, string(b))
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update project: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update project: project %s not found", id)
	}
	return nil
}

// DeleteProject removes a project and everything hanging off it.
func (s *Store) DeleteProject(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	statements := []string{
		`DELETE FROM messages WHERE chat_id IN (SELECT id FROM chats WHERE project_id = ?)`,
		`DELETE FROM chat_state WHERE chat_id IN (SELECT id FROM chats WHERE project_id = ?)`,
		`DELETE FROM plan_runs WHERE chat_id IN (SELECT id FROM chats WHERE project_id = ?)`,
		`DELETE FROM chats WHERE project_id = ?`,
		`DELETE FROM projects WHERE id = ?`,
	}
	for _, q := range statements {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return fmt.Errorf("delete project: %w", err)
		}
	}
	return tx.Commit()
}

// CreateChat opens a new chat in a project. An empty title gets the
// placeholder that PreviewTitle later replaces.
func (s *Store) CreateChat(ctx context.Context, projectID, title string) (*agentd.Chat, error) {
	if strings.TrimSpace(title) == "" {
		title = newChatTitle
	}
	now := agentd.NowMS()
	c := &agentd.Chat{
		ID:        agentd.NewID(),
		ProjectID: projectID,
		Title:     title,
		CreatedTS: now,
		UpdatedTS: now,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chats (id, project_id, title, created_ts, updated_ts)
		VALUES (?, ?, ?, ?, ?)`,
		c.ID, projectID, c.Title, now, now)
	if err != nil {
		return nil, fmt.Errorf("insert chat: %w", err)
	}
	return c, nil
}

// GetChat returns the chat or nil when it does not exist.
func (s *Store) GetChat(ctx context.Context, id string) (*agentd.Chat, error) {
	var c agentd.Chat
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, title, created_ts, updated_ts
		FROM chats WHERE id = ?`, id).
		Scan(&c.ID, &c.ProjectID, &c.Title, &c.CreatedTS, &c.UpdatedTS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get chat: %w", err)
	}
	return &c, nil
}

// ListChats returns a project's chats, newest first.
func (s *Store) ListChats(ctx context.Context, projectID string) ([]*agentd.Chat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, title, created_ts, updated_ts
		FROM chats WHERE project_id = ? ORDER BY created_ts DESC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	var out []*agentd.Chat
	for rows.Next() {
		var c agentd.Chat
		if err := rows.Scan(&c.ID, &c.ProjectID, &c.Title, &c.CreatedTS, &c.UpdatedTS); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// RenameChat sets the chat title explicitly.
func (s *Store) RenameChat(ctx context.Context, id, title string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE chats SET title = ?, updated_ts = ? WHERE id = ?`,
		title, agentd.NowMS(), id)
	if err != nil {
		return fmt.Errorf("rename chat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("rename chat: chat %s not found", id)
	}
	return nil
}

// DeleteChat removes a chat with its messages, state and runs.
func (s *Store) DeleteChat(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM messages WHERE chat_id = ?`,
		`DELETE FROM chat_state WHERE chat_id = ?`,
		`DELETE FROM plan_runs WHERE chat_id = ?`,
		`DELETE FROM chats WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return fmt.Errorf("delete chat: %w", err)
		}
	}
	return tx.Commit()
}

// AddMessage appends one message to a chat's transcript.
func (s *Store) AddMessage(ctx context.Context, chatID, role, content string) error {
	now := agentd.NowMS()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, chat_id, role, content, ts)
		VALUES (?, ?, ?, ?, ?)`,
		agentd.NewID(), chatID, role, content, now)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE chats SET updated_ts = ? WHERE id = ?`, now, chatID); err != nil {
		return fmt.Errorf("touch chat: %w", err)
	}
	return nil
}

// GetMessages returns the chat transcript in insertion order.
func (s *Store) GetMessages(ctx context.Context, chatID string) ([]agentd.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, role, content, ts
		FROM messages WHERE chat_id = ? ORDER BY ts, id`, chatID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []agentd.Message
	for rows.Next() {
		var m agentd.Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Role, &m.Content, &m.TS); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// PreviewTitle renames a chat still carrying the placeholder title
// after the first line of its earliest user message, truncated to 40
// runes. Idempotent; a no-op for renamed chats.
func (s *Store) PreviewTitle(ctx context.Context, chatID string) error {
	var content string
	err := s.db.QueryRowContext(ctx, `
		SELECT content FROM messages
		WHERE chat_id = ? AND role = 'user'
		ORDER BY ts, id LIMIT 1`, chatID).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("preview title: %w", err)
	}

	line := strings.TrimSpace(content)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	if line == "" {
		return nil
	}
	if r := []rune(line); len(r) > 40 {
		line = string(r[:40])
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE chats SET title = ?, updated_ts = ?
		WHERE id = ? AND title = ?`,
		line, agentd.NowMS(), chatID, newChatTitle)
	if err != nil {
		return fmt.Errorf("preview title: %w", err)
	}
	return nil
}
