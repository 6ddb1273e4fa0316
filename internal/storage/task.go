// Package storage 定时任务与执行记录的存储操作
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"nanoclaw/internal/model"
)

// CreateTask 创建定时任务，返回生成的任务 ID
func (s *Store) CreateTask(ctx context.Context, task *model.ScheduledTask) (string, error) {
	if task.ID == "" {
		task.ID = generateID("task")
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	if task.Status == "" {
		task.Status = model.TaskStatusActive
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_tasks
			(id, conversation_key, prompt, schedule_kind, schedule_value,
			 context_mode, status, next_run, last_run, last_result_summary, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.ConversationKey, task.Prompt, task.ScheduleKind, task.ScheduleValue,
		task.ContextMode, task.Status, nullTime(task.NextRun), nullTime(task.LastRun),
		task.LastResultSummary, task.CreatedAt.UTC())
	if err != nil {
		return "", fmt.Errorf("insert scheduled task: %w", err)
	}
	return task.ID, nil
}

const taskColumns = `id, conversation_key, prompt, schedule_kind, schedule_value,
	context_mode, status, next_run, last_run, last_result_summary, created_at`

// GetTask 获取定时任务，不存在时返回 (nil, nil)
func (s *Store) GetTask(ctx context.Context, id string) (*model.ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM scheduled_tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return task, err
}

// ListDueTasks 列出到期的 active 任务（next_run <= now）
//
// next_run 以文本形式比较，参数必须与入库值同在 UTC，
// 否则带不同时区偏移的字典序不再等于时间序。
func (s *Store) ListDueTasks(ctx context.Context, now time.Time) ([]*model.ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM scheduled_tasks
		 WHERE status = ? AND next_run IS NOT NULL AND next_run <= ?
		 ORDER BY next_run`, model.TaskStatusActive, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListTasks 列出全部任务（conversationKey 为空时不过滤）
func (s *Store) ListTasks(ctx context.Context, conversationKey string) ([]*model.ScheduledTask, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if conversationKey != "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+taskColumns+` FROM scheduled_tasks WHERE conversation_key = ? ORDER BY created_at`,
			conversationKey)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+taskColumns+` FROM scheduled_tasks ORDER BY created_at`)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

// UpdateTaskAfterRun 执行后更新任务：NextRun 重算结果、LastRun、摘要与状态
func (s *Store) UpdateTaskAfterRun(ctx context.Context, id string, nextRun *time.Time, lastRun time.Time, summary string, status model.TaskStatus) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_tasks
		SET next_run = ?, last_run = ?, last_result_summary = ?, status = ?
		WHERE id = ?`,
		nullTime(nextRun), lastRun.UTC(), summary, status, id)
	if err != nil {
		return fmt.Errorf("update task after run: %w", err)
	}
	return nil
}

// SetTaskStatus 设置任务状态（pause/resume）
//
// paused 保留 next_run，恢复后按原计划触发。
func (s *Store) SetTaskStatus(ctx context.Context, id string, status model.TaskStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_tasks SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("set task status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task not found: %s", id)
	}
	return nil
}

// DeleteTask 硬删除任务及其全部执行记录（cancel_task）
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM task_run_logs WHERE task_id = ?`, id); err != nil {
		return fmt.Errorf("delete run logs: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return tx.Commit()
}

// AppendRunLog 追加一条执行记录（append-only，从不更新）
func (s *Store) AppendRunLog(ctx context.Context, entry *model.TaskRunLog) error {
	if entry.ID == "" {
		entry.ID = generateID("run")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_run_logs (id, task_id, run_at, duration_ms, status, result_summary, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.TaskID, entry.RunAt.UTC(), entry.DurationMs, entry.Status,
		entry.ResultSummary, entry.Error)
	if err != nil {
		return fmt.Errorf("insert run log: %w", err)
	}
	return nil
}

// ListRunLogs 列出某任务的执行记录（按触发时间）
func (s *Store) ListRunLogs(ctx context.Context, taskID string) ([]*model.TaskRunLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, run_at, duration_ms, status, result_summary, error
		FROM task_run_logs WHERE task_id = ? ORDER BY run_at`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*model.TaskRunLog
	for rows.Next() {
		entry := &model.TaskRunLog{}
		if err := rows.Scan(&entry.ID, &entry.TaskID, &entry.RunAt, &entry.DurationMs,
			&entry.Status, &entry.ResultSummary, &entry.Error); err != nil {
			return nil, err
		}
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

// scanTask 辅助函数：从数据库行扫描 ScheduledTask
func scanTask(scanner interface {
	Scan(dest ...interface{}) error
}) (*model.ScheduledTask, error) {
	task := &model.ScheduledTask{}
	var nextRun, lastRun sql.NullTime
	err := scanner.Scan(
		&task.ID, &task.ConversationKey, &task.Prompt, &task.ScheduleKind, &task.ScheduleValue,
		&task.ContextMode, &task.Status, &nextRun, &lastRun,
		&task.LastResultSummary, &task.CreatedAt)
	if err != nil {
		return nil, err
	}
	if nextRun.Valid {
		t := nextRun.Time
		task.NextRun = &t
	}
	if lastRun.Valid {
		t := lastRun.Time
		task.LastRun = &t
	}
	return task, nil
}

func collectTasks(rows *sql.Rows) ([]*model.ScheduledTask, error) {
	var tasks []*model.ScheduledTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// nullTime 将 *time.Time 转换为可入库的值
//
// 统一归一到 UTC：cron 求值产生带配置时区偏移的时间，原样入库
// 会让 next_run 的文本比较失真
func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}
