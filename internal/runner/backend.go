// Package runner Container Runner：沙箱容器的构建、监督与输出解析
//
// backend.go 定义 Agent 后端的适配层。
//
// 每种 Agent SDK（Claude、Codex）实现一个 Backend，负责给出沙箱内
// Agent 进程的启动命令与默认模型。Runner 只依赖 §进程边界协议
// （stdin JSON 输入 / stdout 哨兵输出），从不触及后端内部。
package runner

import (
	"fmt"

	"nanoclaw/internal/model"
)

// Backend Agent 后端适配接口
//
// Backend 是无状态的，所有状态通过参数传递。
type Backend interface {
	// Name 返回后端标识（claude/codex）
	Name() model.AgentBackendType

	// Command 返回沙箱内 Agent 进程的启动命令
	Command() []string

	// DefaultModel 返回未覆盖时使用的模型
	DefaultModel() string
}

// Registry Backend 注册表
type Registry struct {
	backends map[model.AgentBackendType]Backend
}

// NewRegistry 创建注册表并登记内置后端
func NewRegistry() *Registry {
	r := &Registry{backends: make(map[model.AgentBackendType]Backend)}
	r.Register(claudeBackend{})
	r.Register(codexBackend{})
	return r
}

// Register 注册 Backend
func (r *Registry) Register(b Backend) {
	r.backends[b.Name()] = b
}

// Get 查找 Backend
func (r *Registry) Get(name model.AgentBackendType) (Backend, error) {
	b, ok := r.backends[name]
	if !ok {
		return nil, fmt.Errorf("unknown agent backend: %s", name)
	}
	return b, nil
}

// claudeBackend Claude SDK 后端
type claudeBackend struct{}

func (claudeBackend) Name() model.AgentBackendType { return model.AgentBackendClaude }
func (claudeBackend) Command() []string            { return []string{"node", "/app/agent/claude.js"} }
func (claudeBackend) DefaultModel() string         { return "claude-sonnet-4-5" }

// codexBackend Codex SDK 后端
type codexBackend struct{}

func (codexBackend) Name() model.AgentBackendType { return model.AgentBackendCodex }
func (codexBackend) Command() []string            { return []string{"node", "/app/agent/codex.js"} }
func (codexBackend) DefaultModel() string         { return "gpt-5-codex" }
