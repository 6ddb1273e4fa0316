// Package storage 会话注册与 Agent 会话的存储操作
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"nanoclaw/internal/model"
)

const groupColumns = `conversation_key, name, folder, is_main, agent_backend, model, timeout_minutes, created_at`

// UpsertGroup 注册或更新会话
func (s *Store) UpsertGroup(ctx context.Context, g *model.RegisteredGroup) error {
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now()
	}
	if g.AgentBackend == "" {
		g.AgentBackend = model.AgentBackendClaude
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO registered_groups (`+groupColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (conversation_key) DO UPDATE SET
			name = excluded.name,
			folder = excluded.folder,
			is_main = excluded.is_main,
			agent_backend = excluded.agent_backend,
			model = excluded.model,
			timeout_minutes = excluded.timeout_minutes`,
		g.ConversationKey, g.Name, g.Folder, g.IsMain, g.AgentBackend,
		g.Model, g.TimeoutMinutes, g.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert group: %w", err)
	}
	return nil
}

// GetGroup 按会话标识获取注册信息，不存在时返回 (nil, nil)
func (s *Store) GetGroup(ctx context.Context, conversationKey string) (*model.RegisteredGroup, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+groupColumns+` FROM registered_groups WHERE conversation_key = ?`, conversationKey)
	g, err := scanGroup(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return g, err
}

// GetGroupByFolder 按目录名获取注册信息（授权检查用），不存在时返回 (nil, nil)
func (s *Store) GetGroupByFolder(ctx context.Context, folder string) (*model.RegisteredGroup, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+groupColumns+` FROM registered_groups WHERE folder = ?`, folder)
	g, err := scanGroup(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return g, err
}

// ListGroups 列出全部已注册会话
func (s *Store) ListGroups(ctx context.Context) ([]*model.RegisteredGroup, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+groupColumns+` FROM registered_groups ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []*model.RegisteredGroup
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// GetSession 获取 (会话, 后端) 的持久化 Session ID，不存在时返回空串
func (s *Store) GetSession(ctx context.Context, conversationKey string, backend model.AgentBackendType) (string, error) {
	var sessionID string
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id FROM agent_sessions WHERE conversation_key = ? AND backend = ?`,
		conversationKey, backend).Scan(&sessionID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return sessionID, nil
}

// SetSession 写回容器返回的 NewSessionID
func (s *Store) SetSession(ctx context.Context, conversationKey string, backend model.AgentBackendType, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_sessions (conversation_key, backend, session_id, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (conversation_key, backend) DO UPDATE SET
			session_id = excluded.session_id,
			updated_at = excluded.updated_at`,
		conversationKey, backend, sessionID, time.Now())
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

func scanGroup(scanner interface {
	Scan(dest ...interface{}) error
}) (*model.RegisteredGroup, error) {
	g := &model.RegisteredGroup{}
	err := scanner.Scan(&g.ConversationKey, &g.Name, &g.Folder, &g.IsMain,
		&g.AgentBackend, &g.Model, &g.TimeoutMinutes, &g.CreatedAt)
	if err != nil {
		return nil, err
	}
	return g, nil
}
