// Package ipc 宿主→沙箱快照写入
package ipc

import (
	"context"
	"path/filepath"
	"time"

	"nanoclaw/internal/mailbox"
	"nanoclaw/internal/model"
)

// WriteSnapshots 刷新全部会话的 current_tasks.json / available_groups.json
//
// 可见性：非主会话只能看到自己的任务，available_groups 为空；
// 主会话可见全部任务与全部会话。原子写，沙箱侧任何时刻读到的
// 都是完整文件。
func (w *Watcher) WriteSnapshots(ctx context.Context) error {
	groups, err := w.store.ListGroups(ctx)
	if err != nil {
		return err
	}
	tasks, err := w.store.ListTasks(ctx, "")
	if err != nil {
		return err
	}

	allGroups := make([]model.GroupSnapshot, 0, len(groups))
	for _, g := range groups {
		allGroups = append(allGroups, model.GroupSnapshot{
			ConversationKey: g.ConversationKey,
			Name:            g.Name,
			Folder:          g.Folder,
			IsMain:          g.IsMain,
		})
	}

	for _, g := range groups {
		dir := filepath.Join(w.paths.IPCRoot, g.Folder)
		if err := mailbox.EnsureLayout(dir); err != nil {
			return err
		}

		visible := make([]model.TaskSnapshot, 0)
		for _, t := range tasks {
			if !g.IsMain && t.ConversationKey != g.ConversationKey {
				continue
			}
			visible = append(visible, taskSnapshot(t))
		}
		if err := mailbox.WriteJSON(filepath.Join(dir, mailbox.FileCurrentTasks), visible); err != nil {
			return err
		}

		discoverable := []model.GroupSnapshot{}
		if g.IsMain {
			discoverable = allGroups
		}
		if err := mailbox.WriteJSON(filepath.Join(dir, mailbox.FileAvailableGroups), discoverable); err != nil {
			return err
		}
	}
	return nil
}

func taskSnapshot(t *model.ScheduledTask) model.TaskSnapshot {
	snap := model.TaskSnapshot{
		ID:              t.ID,
		ConversationKey: t.ConversationKey,
		Prompt:          t.Prompt,
		ScheduleKind:    t.ScheduleKind,
		ScheduleValue:   t.ScheduleValue,
		ContextMode:     t.ContextMode,
		Status:          t.Status,
	}
	if t.NextRun != nil {
		snap.NextRun = t.NextRun.Format(time.RFC3339)
	}
	return snap
}
