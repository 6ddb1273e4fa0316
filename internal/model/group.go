// Package model 定义核心数据模型
//
// group.go 包含会话注册相关的数据模型：
//   - RegisteredGroup：已注册会话（队列的串行执行单元）
//   - AgentSession：按 (会话, Agent 后端) 持久化的会话状态
package model

import "time"

// ============================================================================
// RegisteredGroup - 已注册会话
// ============================================================================

// RegisteredGroup 已注册会话
//
// ConversationKey 是进程生命周期内稳定的会话标识（聊天/群的 JID），
// 也是队列串行化的单位，从不合并或拆分。
//
// 主会话（IsMain=true）拥有特权：
//   - 容器内可读写整个宿主项目根目录
//   - 可以代表任意已注册会话发起 IPC 动作
//   - register_group / request_restart / rebuild_container 仅主会话可用
type RegisteredGroup struct {
	// ConversationKey 会话唯一标识（chat JID）
	ConversationKey string `json:"conversation_key" db:"conversation_key"`

	// Name 会话展示名称
	Name string `json:"name" db:"name"`

	// Folder 会话工作目录名（IPC 信箱和挂载均以此为命名空间）
	Folder string `json:"folder" db:"folder"`

	// IsMain 是否主会话
	IsMain bool `json:"is_main" db:"is_main"`

	// AgentBackend 该会话使用的 Agent 后端（claude/codex）
	AgentBackend AgentBackendType `json:"agent_backend" db:"agent_backend"`

	// Model 模型覆盖（为空时使用后端默认模型）
	Model string `json:"model,omitempty" db:"model"`

	// TimeoutMinutes 容器超时覆盖（0 表示使用全局默认 30 分钟）
	TimeoutMinutes int `json:"timeout_minutes,omitempty" db:"timeout_minutes"`

	// CreatedAt 注册时间
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// ============================================================================
// AgentSession - Agent 会话状态
// ============================================================================

// AgentSession Agent 会话状态
//
// 按 (ConversationKey, Backend) 持久化，保证同一会话目录下不同后端
// 的 Session 互不串扰。容器返回 NewSessionID 时由调用方写回。
type AgentSession struct {
	// ConversationKey 所属会话
	ConversationKey string `json:"conversation_key" db:"conversation_key"`

	// Backend Agent 后端
	Backend AgentBackendType `json:"backend" db:"backend"`

	// SessionID 后端侧的会话标识
	SessionID string `json:"session_id" db:"session_id"`

	// UpdatedAt 最近更新时间
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
