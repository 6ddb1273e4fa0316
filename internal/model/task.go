// Package model 定义核心数据模型
//
// task.go 包含定时任务相关的数据模型定义：
//   - ScheduledTask：定时任务（cron / interval / once）
//   - TaskRunLog：任务执行记录（append-only）
//   - ScheduleKind / ContextMode / TaskStatus：枚举
package model

import (
	"time"
)

// ============================================================================
// ScheduleKind - 调度类型枚举
// ============================================================================

// ScheduleKind 调度类型
type ScheduleKind string

const (
	// ScheduleCron cron 表达式调度（如 "*/5 * * * *"）
	ScheduleCron ScheduleKind = "cron"

	// ScheduleInterval 固定间隔调度（ScheduleValue 为毫秒数）
	ScheduleInterval ScheduleKind = "interval"

	// ScheduleOnce 一次性调度（ScheduleValue 为本地时间戳）
	ScheduleOnce ScheduleKind = "once"
)

// ============================================================================
// ContextMode - 上下文模式枚举
// ============================================================================

// ContextMode 定时任务的上下文模式
//
//   - group：复用会话当前的 Agent Session（与实时聊天连续）
//   - isolated：全新上下文，不携带 Session（上下文需内嵌在 Prompt 中）
type ContextMode string

const (
	ContextModeGroup    ContextMode = "group"
	ContextModeIsolated ContextMode = "isolated"
)

// ============================================================================
// TaskStatus - 任务状态枚举
// ============================================================================

// TaskStatus 定时任务状态
//
//   - active：调度器正常触发
//   - paused：跳过触发，但保留 NextRun
//   - completed：once 任务执行后的终态
//
// 取消的任务直接硬删除（连同执行记录），没有 cancelled 状态。
type TaskStatus string

const (
	TaskStatusActive    TaskStatus = "active"
	TaskStatusPaused    TaskStatus = "paused"
	TaskStatusCompleted TaskStatus = "completed"
)

// ============================================================================
// ScheduledTask - 定时任务
// ============================================================================

// ScheduledTask 定时任务定义
//
// 生命周期：
//   - 通过 IPC schedule_task 创建
//   - 每次执行后重算 NextRun（cron/interval 续期；once 置空并 completed）
//   - paused 任务被调度器跳过但保留 NextRun
//   - cancel_task 硬删除任务及其全部 TaskRunLog
type ScheduledTask struct {
	// ID 任务唯一标识
	ID string `json:"id" db:"id"`

	// ConversationKey 目标会话（串行执行单元）
	ConversationKey string `json:"conversation_key" db:"conversation_key"`

	// Prompt 触发时发给 Agent 的提示词
	Prompt string `json:"prompt" db:"prompt"`

	// ScheduleKind 调度类型
	ScheduleKind ScheduleKind `json:"schedule_kind" db:"schedule_kind"`

	// ScheduleValue 调度参数
	// cron: cron 表达式 | interval: 毫秒数 | once: 本地时间戳
	ScheduleValue string `json:"schedule_value" db:"schedule_value"`

	// ContextMode 上下文模式
	ContextMode ContextMode `json:"context_mode" db:"context_mode"`

	// Status 任务状态
	Status TaskStatus `json:"status" db:"status"`

	// NextRun 下次触发时间（completed/解析失败时为空）
	NextRun *time.Time `json:"next_run,omitempty" db:"next_run"`

	// LastRun 上次触发时间
	LastRun *time.Time `json:"last_run,omitempty" db:"last_run"`

	// LastResultSummary 上次执行结果摘要
	LastResultSummary string `json:"last_result_summary,omitempty" db:"last_result_summary"`

	// CreatedAt 创建时间
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// IsDue 判断任务在 now 是否到期
//
// 注意：NextRun 是过去时间的 once 任务同样视为到期（宽容语义，
// 在下个轮询周期立即触发，而不是在创建时拒绝）。
func (t *ScheduledTask) IsDue(now time.Time) bool {
	return t.Status == TaskStatusActive && t.NextRun != nil && !t.NextRun.After(now)
}

// ============================================================================
// TaskRunLog - 任务执行记录
// ============================================================================

// RunStatus 单次执行结果
type RunStatus string

const (
	RunStatusSuccess RunStatus = "success"
	RunStatusError   RunStatus = "error"
)

// TaskRunLog 单次执行记录
//
// append-only：只插入，从不更新。任务被取消时随任务一起删除。
type TaskRunLog struct {
	// ID 记录唯一标识
	ID string `json:"id" db:"id"`

	// TaskID 所属任务
	TaskID string `json:"task_id" db:"task_id"`

	// RunAt 触发时间
	RunAt time.Time `json:"run_at" db:"run_at"`

	// DurationMs 执行耗时（毫秒）
	DurationMs int64 `json:"duration_ms" db:"duration_ms"`

	// Status 执行结果
	Status RunStatus `json:"status" db:"status"`

	// ResultSummary 结果摘要（成功时）
	ResultSummary string `json:"result_summary,omitempty" db:"result_summary"`

	// Error 错误信息（失败时）
	Error string `json:"error,omitempty" db:"error"`
}
