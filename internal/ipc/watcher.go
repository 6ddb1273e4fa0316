// Package ipc IPC Watcher：出站信箱的轮询消费
//
// 宿主侧唯一的控制面入口：每个轮询周期扫描所有已注册会话的
// messages/ 与 tasks/ 目录，对每个文件执行 解析 → 授权 → 应用 → 删除。
// 失败的消息移入 errors/ 归档，从不静默丢弃、从不重复应用。
package ipc

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"

	"nanoclaw/internal/config"
	"nanoclaw/internal/mailbox"
	"nanoclaw/internal/metrics"
	"nanoclaw/internal/model"
	"nanoclaw/internal/scheduler"
	"nanoclaw/internal/storage"
)

// 容器内的会话工作目录挂载点，file 消息的路径以此为前缀
const containerGroupDir = "/workspace/group"

// ChannelSender 聊天通道发送方
//
// 出站消息最终的投递通道（具体聊天协议在引擎之外实现）。
type ChannelSender interface {
	SendMessage(ctx context.Context, chatJID, text string) error
	SendFile(ctx context.Context, chatJID, hostPath string) error
}

// Watcher IPC 出站信箱轮询器
type Watcher struct {
	cfg     config.IPCConfig
	paths   config.PathsConfig
	store   *storage.Store
	sender  ChannelSender
	loc     *time.Location
	metrics *metrics.Metrics

	// OnRestart / OnRebuild 主会话控制动作的回调（由 main 注入）
	OnRestart func()
	OnRebuild func()

	stopCh chan struct{}
	doneCh chan struct{}
}

// New 创建 Watcher
//
// loc 是调度参数求值时区，与 Task Scheduler 共用同一实例，
// 保证 schedule_task 在创建边界与触发时看到同一套 cron 语义。
func New(cfg config.IPCConfig, paths config.PathsConfig, store *storage.Store, sender ChannelSender, loc *time.Location, m *metrics.Metrics) *Watcher {
	return &Watcher{
		cfg:     cfg,
		paths:   paths,
		store:   store,
		sender:  sender,
		loc:     loc,
		metrics: m,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start 启动轮询循环
func (w *Watcher) Start(ctx context.Context) {
	go func() {
		defer close(w.doneCh)

		ticker := time.NewTicker(w.cfg.PollInterval)
		defer ticker.Stop()

		log.Printf("[ipc.started] poll_interval=%s root=%s", w.cfg.PollInterval, w.paths.IPCRoot)
		for {
			select {
			case <-ticker.C:
				w.pollOnce(ctx)
			case <-w.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop 停止轮询循环
func (w *Watcher) Stop() {
	close(w.stopCh)
	<-w.doneCh
	log.Printf("[ipc.stopped]")
}

// pollOnce 单个轮询周期：扫描全部会话信箱
func (w *Watcher) pollOnce(ctx context.Context) {
	groups, err := w.store.ListGroups(ctx)
	if err != nil {
		log.Printf("[ipc.poll.failed] error=%v", err)
		return
	}

	applied := false
	for _, g := range groups {
		dir := filepath.Join(w.paths.IPCRoot, g.Folder)
		for _, sub := range []string{mailbox.DirMessages, mailbox.DirTasks} {
			files, err := mailbox.List(filepath.Join(dir, sub))
			if err != nil {
				log.Printf("[ipc.scan.failed] folder=%s dir=%s error=%v", g.Folder, sub, err)
				continue
			}
			for _, path := range files {
				if w.processFile(ctx, g, path) {
					applied = true
				}
			}
		}
	}

	// 快照只在有变更时刷新，避免每秒重写
	if applied {
		if err := w.WriteSnapshots(ctx); err != nil {
			log.Printf("[ipc.snapshot.failed] error=%v", err)
		}
	}
}

// processFile 处理一个出站消息文件，返回是否成功应用
//
// 解析/授权/应用失败都移入 errors/ 并记录，文件永不重复处理。
func (w *Watcher) processFile(ctx context.Context, actor *model.RegisteredGroup, path string) bool {
	item := &model.OutboundItem{}
	if err := mailbox.ReadJSON(path, item); err != nil {
		log.Printf("[ipc.unparseable] folder=%s path=%s error=%v", actor.Folder, filepath.Base(path), err)
		w.reject(path, "unparseable")
		return false
	}

	targetKey := w.targetKey(actor, item)
	if err := authorize(actor, item, targetKey); err != nil {
		log.Printf("[ipc.unauthorized] folder=%s type=%s target=%s error=%v", actor.Folder, item.Type, targetKey, err)
		w.reject(path, string(item.Type))
		return false
	}

	if err := w.apply(ctx, actor, item, targetKey); err != nil {
		log.Printf("[ipc.apply.failed] folder=%s type=%s error=%v", actor.Folder, item.Type, err)
		w.reject(path, string(item.Type))
		return false
	}

	if err := mailbox.Consume(path); err != nil {
		log.Printf("[ipc.consume.failed] path=%s error=%v", path, err)
	}
	if w.metrics != nil {
		w.metrics.MailboxItemsTotal.WithLabelValues(string(item.Type), "ok").Inc()
	}
	log.Printf("[ipc.applied] folder=%s type=%s target=%s", actor.Folder, item.Type, targetKey)
	return true
}

// reject 归档一个失败的消息
func (w *Watcher) reject(path, kind string) {
	if err := mailbox.MoveToErrors(path, filepath.Join(w.paths.IPCRoot, mailbox.DirErrors)); err != nil {
		log.Printf("[ipc.archive.failed] path=%s error=%v", path, err)
	}
	if w.metrics != nil {
		w.metrics.MailboxItemsTotal.WithLabelValues(kind, "rejected").Inc()
	}
}

// targetKey 解析消息作用的会话 key（空目标默认 actor 自身）
func (w *Watcher) targetKey(actor *model.RegisteredGroup, item *model.OutboundItem) string {
	switch item.Type {
	case model.OutboundMessage, model.OutboundFile:
		if item.ChatJID != "" {
			return item.ChatJID
		}
	case model.OutboundScheduleTask:
		if item.TargetJID != "" {
			return item.TargetJID
		}
	}
	return actor.ConversationKey
}

// apply 应用一条已通过授权的消息
func (w *Watcher) apply(ctx context.Context, actor *model.RegisteredGroup, item *model.OutboundItem, targetKey string) error {
	switch item.Type {
	case model.OutboundMessage:
		return w.applyMessage(ctx, item, targetKey)
	case model.OutboundFile:
		return w.applyFile(ctx, actor, item, targetKey)
	case model.OutboundScheduleTask:
		return w.applyScheduleTask(ctx, item, targetKey)
	case model.OutboundPauseTask:
		return w.applyTaskStatus(ctx, actor, item.TaskID, model.TaskStatusPaused)
	case model.OutboundResumeTask:
		return w.applyTaskStatus(ctx, actor, item.TaskID, model.TaskStatusActive)
	case model.OutboundCancelTask:
		return w.applyCancelTask(ctx, actor, item.TaskID)
	case model.OutboundRegisterGroup:
		return w.applyRegisterGroup(ctx, item)
	case model.OutboundRequestRestart:
		if w.OnRestart == nil {
			return fmt.Errorf("restart is not supported in this deployment")
		}
		w.OnRestart()
		return nil
	case model.OutboundRebuildContainer:
		if w.OnRebuild == nil {
			return fmt.Errorf("container rebuild is not supported in this deployment")
		}
		w.OnRebuild()
		return nil
	default:
		return fmt.Errorf("unknown outbound type %q", item.Type)
	}
}

func (w *Watcher) applyMessage(ctx context.Context, item *model.OutboundItem, targetKey string) error {
	if item.Text == "" {
		return fmt.Errorf("message text is empty")
	}

	if item.Broadcast {
		groups, err := w.store.ListGroups(ctx)
		if err != nil {
			return err
		}
		for _, g := range groups {
			if err := w.sender.SendMessage(ctx, g.ConversationKey, item.Text); err != nil {
				log.Printf("[ipc.broadcast.partial] target=%s error=%v", g.ConversationKey, err)
			}
		}
		return nil
	}
	return w.sender.SendMessage(ctx, targetKey, item.Text)
}

func (w *Watcher) applyFile(ctx context.Context, actor *model.RegisteredGroup, item *model.OutboundItem, targetKey string) error {
	hostPath, err := w.translatePath(actor, item.FilePath)
	if err != nil {
		return err
	}
	return w.sender.SendFile(ctx, targetKey, hostPath)
}

// translatePath 将容器内文件路径翻译为宿主路径
//
// 只接受会话自己工作目录挂载点下的路径；翻译后做一次
// 规范化校验，杜绝 .. 逃逸到其他会话的目录。
func (w *Watcher) translatePath(actor *model.RegisteredGroup, containerPath string) (string, error) {
	rel, ok := strings.CutPrefix(containerPath, containerGroupDir+"/")
	if !ok {
		return "", fmt.Errorf("file path %q is outside the conversation workspace", containerPath)
	}

	base := filepath.Join(w.paths.GroupsDir, actor.Folder)
	hostPath := filepath.Join(base, filepath.FromSlash(rel))
	if hostPath != base && !strings.HasPrefix(hostPath, base+string(filepath.Separator)) {
		return "", fmt.Errorf("file path %q escapes the conversation workspace", containerPath)
	}
	return hostPath, nil
}

func (w *Watcher) applyScheduleTask(ctx context.Context, item *model.OutboundItem, targetKey string) error {
	if item.Prompt == "" {
		return fmt.Errorf("task prompt is empty")
	}
	if target, err := w.store.GetGroup(ctx, targetKey); err != nil {
		return err
	} else if target == nil {
		return fmt.Errorf("target conversation %s is not registered", targetKey)
	}

	contextMode := item.ContextMode
	if contextMode == "" {
		contextMode = model.ContextModeGroup
	}
	if contextMode != model.ContextModeGroup && contextMode != model.ContextModeIsolated {
		return fmt.Errorf("unknown context mode %q", contextMode)
	}

	// 调度参数在创建边界同步校验，坏表达式从不入库
	next, err := scheduler.FirstRun(item.ScheduleKind, item.ScheduleValue, time.Now(), w.loc)
	if err != nil {
		return err
	}

	task := &model.ScheduledTask{
		ConversationKey: targetKey,
		Prompt:          item.Prompt,
		ScheduleKind:    item.ScheduleKind,
		ScheduleValue:   item.ScheduleValue,
		ContextMode:     contextMode,
		Status:          model.TaskStatusActive,
		NextRun:         next,
	}
	id, err := w.store.CreateTask(ctx, task)
	if err != nil {
		return err
	}
	log.Printf("[ipc.task.created] task_id=%s key=%s kind=%s next_run=%s",
		id, targetKey, item.ScheduleKind, next.Format(time.RFC3339))
	return nil
}

// applyTaskStatus pause/resume：目标任务必须在 actor 权限范围内
func (w *Watcher) applyTaskStatus(ctx context.Context, actor *model.RegisteredGroup, taskID string, status model.TaskStatus) error {
	task, err := w.loadOwnedTask(ctx, actor, taskID)
	if err != nil {
		return err
	}
	return w.store.SetTaskStatus(ctx, task.ID, status)
}

func (w *Watcher) applyCancelTask(ctx context.Context, actor *model.RegisteredGroup, taskID string) error {
	task, err := w.loadOwnedTask(ctx, actor, taskID)
	if err != nil {
		return err
	}
	return w.store.DeleteTask(ctx, task.ID)
}

// loadOwnedTask 加载任务并检查归属（主会话不限）
func (w *Watcher) loadOwnedTask(ctx context.Context, actor *model.RegisteredGroup, taskID string) (*model.ScheduledTask, error) {
	if taskID == "" {
		return nil, fmt.Errorf("task id is empty")
	}
	task, err := w.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, fmt.Errorf("task not found: %s", taskID)
	}
	if !actor.IsMain && task.ConversationKey != actor.ConversationKey {
		return nil, fmt.Errorf("conversation %s may not act on task %s", actor.ConversationKey, taskID)
	}
	return task, nil
}

// applyRegisterGroup 注册新会话并初始化其信箱目录
func (w *Watcher) applyRegisterGroup(ctx context.Context, item *model.OutboundItem) error {
	if item.ChatJID == "" || item.Folder == "" {
		return fmt.Errorf("register_group requires chatJid and folder")
	}
	if strings.ContainsAny(item.Folder, "/\\") || strings.HasPrefix(item.Folder, ".") {
		return fmt.Errorf("invalid folder name %q", item.Folder)
	}

	g := &model.RegisteredGroup{
		ConversationKey: item.ChatJID,
		Name:            item.GroupName,
		Folder:          item.Folder,
	}
	if err := w.store.UpsertGroup(ctx, g); err != nil {
		return err
	}
	return mailbox.EnsureLayout(filepath.Join(w.paths.IPCRoot, item.Folder))
}
