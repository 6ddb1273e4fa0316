// Package model 定义核心数据模型
//
// mailbox.go 包含文件信箱 IPC 协议的消息定义。
//
// 信箱布局（每个会话目录，位于宿主侧 IPC 根目录下）：
//
//	<ipc-root>/<folder>/
//	  messages/*.json        出站：message / file
//	  tasks/*.json           出站：schedule_task / pause_task / ...
//	  input/*.json           入站（流式）：{prompt}
//	  input/_close           入站哨兵：触发活容器优雅关闭
//	  current_tasks.json     宿主→沙箱：可见定时任务快照
//	  available_groups.json  宿主→沙箱：可发现会话快照（仅主会话非空）
//
// 所有写入均为原子写（<name>.json.tmp + rename）。字段名即线上协议
// （camelCase），与沙箱内 Agent 约定一致。
package model

// ============================================================================
// OutboundKind - 出站消息类型枚举
// ============================================================================

// OutboundKind 出站信箱消息类型（封闭集合）
type OutboundKind string

const (
	// OutboundMessage 发送文本消息
	OutboundMessage OutboundKind = "message"

	// OutboundFile 发送文件
	OutboundFile OutboundKind = "file"

	// OutboundScheduleTask 创建定时任务
	OutboundScheduleTask OutboundKind = "schedule_task"

	// OutboundPauseTask 暂停定时任务
	OutboundPauseTask OutboundKind = "pause_task"

	// OutboundResumeTask 恢复定时任务
	OutboundResumeTask OutboundKind = "resume_task"

	// OutboundCancelTask 取消定时任务（硬删除）
	OutboundCancelTask OutboundKind = "cancel_task"

	// OutboundRegisterGroup 注册新会话（仅主会话）
	OutboundRegisterGroup OutboundKind = "register_group"

	// OutboundRequestRestart 请求宿主进程重启（仅主会话）
	OutboundRequestRestart OutboundKind = "request_restart"

	// OutboundRebuildContainer 请求重建容器镜像（仅主会话）
	OutboundRebuildContainer OutboundKind = "rebuild_container"
)

// ============================================================================
// OutboundItem - 出站信箱消息
// ============================================================================

// OutboundItem 出站信箱消息（messages/ 与 tasks/ 下的 JSON 文件）
//
// 按 Type 取用对应字段，未用字段为零值。宿主对每条消息做授权检查：
// 主会话可作用于任意已注册会话；非主会话只能作用于自身。
type OutboundItem struct {
	// Type 消息类型
	Type OutboundKind `json:"type"`

	// ChatJID 目标会话（message/file；为空时默认本会话）
	ChatJID string `json:"chatJid,omitempty"`

	// Text 消息文本（message）
	Text string `json:"text,omitempty"`

	// FilePath 容器内文件路径（file）
	FilePath string `json:"filePath,omitempty"`

	// Broadcast 是否广播到全部已注册会话（message，仅主会话）
	Broadcast bool `json:"broadcast,omitempty"`

	// Timestamp 消息写入时间（RFC3339）
	Timestamp string `json:"timestamp,omitempty"`

	// === schedule_task 字段 ===

	// Prompt 任务提示词
	Prompt string `json:"prompt,omitempty"`

	// ScheduleKind 调度类型（cron/interval/once）
	ScheduleKind ScheduleKind `json:"scheduleKind,omitempty"`

	// ScheduleValue 调度参数
	ScheduleValue string `json:"scheduleValue,omitempty"`

	// ContextMode 上下文模式（group/isolated，默认 group）
	ContextMode ContextMode `json:"contextMode,omitempty"`

	// TargetJID 任务目标会话（为空时默认本会话）
	TargetJID string `json:"targetJid,omitempty"`

	// === pause/resume/cancel_task 字段 ===

	// TaskID 目标任务
	TaskID string `json:"taskId,omitempty"`

	// === register_group 字段 ===

	// GroupName 新会话名称
	GroupName string `json:"groupName,omitempty"`

	// Folder 新会话目录名
	Folder string `json:"folder,omitempty"`
}

// ============================================================================
// InboundPrompt - 入站信箱消息（流式追问）
// ============================================================================

// InboundPrompt 写入活容器 input/ 目录的追问
type InboundPrompt struct {
	// Prompt 追问文本
	Prompt string `json:"prompt"`
}

// ============================================================================
// 宿主→沙箱 快照
// ============================================================================

// TaskSnapshot current_tasks.json 中的单条任务
//
// 非主会话只能看到自己的任务，主会话可见全部。
type TaskSnapshot struct {
	ID              string       `json:"id"`
	ConversationKey string       `json:"conversationKey"`
	Prompt          string       `json:"prompt"`
	ScheduleKind    ScheduleKind `json:"scheduleKind"`
	ScheduleValue   string       `json:"scheduleValue"`
	ContextMode     ContextMode  `json:"contextMode"`
	Status          TaskStatus   `json:"status"`
	NextRun         string       `json:"nextRun,omitempty"`
}

// GroupSnapshot available_groups.json 中的单个会话
type GroupSnapshot struct {
	ConversationKey string `json:"conversationKey"`
	Name            string `json:"name"`
	Folder          string `json:"folder"`
	IsMain          bool   `json:"isMain"`
}
