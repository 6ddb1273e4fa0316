// Package model 定义核心数据模型
//
// invocation.go 包含容器调用的进程边界协议：
//   - ContainerInvocationInput：stdin 上的单个 JSON 对象
//   - ContainerInvocationOutput：stdout 哨兵行之间的单个 JSON 对象
//   - AgentBackendType：Agent 后端枚举
//
// 字段名即线上协议（camelCase），沙箱内 Agent 进程按此解析，
// 改动属于破坏性协议变更。
package model

// ============================================================================
// AgentBackendType - Agent 后端枚举
// ============================================================================

// AgentBackendType Agent 后端类型
type AgentBackendType string

const (
	AgentBackendClaude AgentBackendType = "claude"
	AgentBackendCodex  AgentBackendType = "codex"
)

// Valid 判断是否已知后端
func (b AgentBackendType) Valid() bool {
	return b == AgentBackendClaude || b == AgentBackendCodex
}

// ============================================================================
// ContainerInvocationInput - 容器调用输入
// ============================================================================

// ContainerInvocationInput 容器调用输入
//
// 构造后不可变，按值传入 Container Runner，序列化为单个 JSON
// 对象写入沙箱进程的 stdin 后关闭。
type ContainerInvocationInput struct {
	// Prompt 本次调用的提示词
	Prompt string `json:"prompt"`

	// ResumeSessionID 续接的会话标识（isolated 任务为空）
	ResumeSessionID string `json:"resumeSessionId,omitempty"`

	// ConversationFolder 会话工作目录名
	ConversationFolder string `json:"conversationFolder"`

	// ConversationKey 会话标识
	ConversationKey string `json:"conversationKey"`

	// IsMain 是否主会话（决定挂载范围）
	IsMain bool `json:"isMain"`

	// IsScheduledTask 是否定时任务触发
	IsScheduledTask bool `json:"isScheduledTask"`

	// AgentBackend Agent 后端
	AgentBackend AgentBackendType `json:"agentBackend"`

	// Model 模型覆盖（为空时使用后端默认）
	Model string `json:"model,omitempty"`

	// Streaming 是否流式多轮模式（保持 stdin 打开，沙箱轮询 input/ 信箱）
	Streaming bool `json:"streaming,omitempty"`
}

// ============================================================================
// ContainerInvocationOutput - 容器调用输出
// ============================================================================

// InvocationStatus 容器调用结果状态
type InvocationStatus string

const (
	InvocationSuccess InvocationStatus = "success"
	InvocationError   InvocationStatus = "error"
)

// ContainerInvocationOutput 容器调用输出
//
// 退出码 0 且哨兵负载可解析是唯一的成功路径；其余一律为 error。
// NewSessionID 存在时由调用方按 (ConversationKey, AgentBackend) 持久化。
type ContainerInvocationOutput struct {
	// Status 结果状态
	Status InvocationStatus `json:"status"`

	// Result Agent 的结构化回复
	Result string `json:"result,omitempty"`

	// NewSessionID 本次调用产生的会话标识
	NewSessionID string `json:"newSessionId,omitempty"`

	// Error 错误信息（Status=error 时）
	Error string `json:"error,omitempty"`
}
