// Package scheduler Task Scheduler：定时任务的轮询触发与执行
//
// 每个轮询周期从存储取到期任务，逐个注入 Group Queue 的对应会话队列，
// 借队列获得与实时消息相同的串行与准入语义。in-flight 集合保证同一
// 任务在上一次触发仍在排队/执行时不会被重复注入。
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"nanoclaw/internal/config"
	"nanoclaw/internal/metrics"
	"nanoclaw/internal/model"
	"nanoclaw/internal/queue"
	"nanoclaw/internal/runner"
	"nanoclaw/internal/storage"
)

// TaskQueue 调度器对 Group Queue 的依赖面
type TaskQueue interface {
	EnqueueTask(key, taskID string, fn queue.ExecuteFunc, settle func())
	SignalClose(key string)
}

// ContainerInvoker 调度器对 Container Runner 的依赖面
type ContainerInvoker interface {
	InvokeStreaming(ctx context.Context, input model.ContainerInvocationInput, timeout time.Duration, onOutput runner.OutputFunc) *model.ContainerInvocationOutput
}

// Scheduler 定时任务调度器
type Scheduler struct {
	cfg     config.SchedulerConfig
	store   *storage.Store
	queue   TaskQueue
	invoker ContainerInvoker
	loc     *time.Location
	metrics *metrics.Metrics

	// OnTaskMutated 任务表因执行续期发生变更后回调（Start 前设置），
	// 用于刷新沙箱侧的任务快照
	OnTaskMutated func()

	mu       sync.Mutex
	inflight map[string]struct{}

	stopCh chan struct{}
	doneCh chan struct{}
}

// New 创建调度器
//
// 时区解析失败回退到宿主本地时区（只影响 cron 求值）。
func New(cfg config.SchedulerConfig, store *storage.Store, q TaskQueue, invoker ContainerInvoker, m *metrics.Metrics) *Scheduler {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		log.Printf("[scheduler.timezone.invalid] timezone=%s error=%v", cfg.Timezone, err)
		loc = time.Local
	}
	return &Scheduler{
		cfg:      cfg,
		store:    store,
		queue:    q,
		invoker:  invoker,
		loc:      loc,
		metrics:  m,
		inflight: make(map[string]struct{}),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Location 返回 cron 求值时区（任务创建边界共用）
func (s *Scheduler) Location() *time.Location {
	return s.loc
}

// Start 启动轮询循环
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		defer close(s.doneCh)

		ticker := time.NewTicker(s.cfg.PollInterval)
		defer ticker.Stop()

		log.Printf("[scheduler.started] poll_interval=%s timezone=%s", s.cfg.PollInterval, s.loc)
		for {
			select {
			case <-ticker.C:
				s.poll(ctx)
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop 停止轮询循环（不打断已入队的任务执行）
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.doneCh
	log.Printf("[scheduler.stopped]")
}

// poll 单个轮询周期：取到期任务并注入队列
func (s *Scheduler) poll(ctx context.Context) {
	if s.metrics != nil {
		s.metrics.SchedulerPollsTotal.Inc()
	}

	due, err := s.store.ListDueTasks(ctx, time.Now())
	if err != nil {
		log.Printf("[scheduler.poll.failed] error=%v", err)
		return
	}

	for _, task := range due {
		s.dispatch(task)
	}
}

// dispatch 将一个到期任务注入其会话队列
//
// in-flight 去重：上一次触发尚未完成（排队中、执行中、失败重试的
// 退避期间）时跳过本次，下个轮询周期再看。任务 ID 直到队列 settle
// 该单元（成功或重试耗尽）才离开 in-flight 集合，退避窗口内的轮询
// 不会重复注入。注入时只携带任务 ID，执行回调在真正运行时重新
// 读库——排队期间的 pause/cancel 以执行时刻的状态为准。
func (s *Scheduler) dispatch(task *model.ScheduledTask) {
	s.mu.Lock()
	if _, running := s.inflight[task.ID]; running {
		s.mu.Unlock()
		return
	}
	s.inflight[task.ID] = struct{}{}
	s.mu.Unlock()

	id := task.ID
	log.Printf("[scheduler.task.due] task_id=%s key=%s kind=%s", id, task.ConversationKey, task.ScheduleKind)
	s.queue.EnqueueTask(task.ConversationKey, id, func(ctx context.Context) error {
		return s.runTask(ctx, id)
	}, func() {
		s.mu.Lock()
		delete(s.inflight, id)
		s.mu.Unlock()
	})
}

// runTask 执行一次定时任务（在 drain 循环中调用）
//
// 返回非 nil 即交给队列按退避重试；配置性错误（任务消失、会话
// 未注册）返回 nil，记录错误 run log 后照常续期，不做无谓重试。
func (s *Scheduler) runTask(ctx context.Context, taskID string) error {
	start := time.Now()

	// 排队期间任务可能已被 pause/cancel，以执行时刻的库内状态为准
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("reload task %s: %w", taskID, err)
	}
	if task == nil || task.Status != model.TaskStatusActive {
		log.Printf("[scheduler.task.skipped] task_id=%s reason=inactive", taskID)
		return nil
	}

	group, err := s.store.GetGroup(ctx, task.ConversationKey)
	if err != nil {
		return fmt.Errorf("load group %s: %w", task.ConversationKey, err)
	}
	if group == nil {
		// 配置错误而非瞬态故障，不重试
		s.recordRun(ctx, task, start, model.RunStatusError, "", fmt.Sprintf("conversation %s is not registered", task.ConversationKey))
		s.finishRun(ctx, task, start, "conversation not registered")
		return nil
	}

	// group 模式复用会话的持久 Session，isolated 全新上下文
	var resume string
	if task.ContextMode == model.ContextModeGroup {
		resume, err = s.store.GetSession(ctx, task.ConversationKey, group.AgentBackend)
		if err != nil {
			return fmt.Errorf("load session: %w", err)
		}
	}

	input := model.ContainerInvocationInput{
		Prompt:             task.Prompt,
		ResumeSessionID:    resume,
		ConversationFolder: group.Folder,
		ConversationKey:    group.ConversationKey,
		IsMain:             group.IsMain,
		IsScheduledTask:    true,
		AgentBackend:       group.AgentBackend,
		Model:              group.Model,
	}

	var timeout time.Duration
	if group.TimeoutMinutes > 0 {
		timeout = time.Duration(group.TimeoutMinutes) * time.Minute
	}

	// 空闲计时器：容器持续产出时不断重置，静默超过 IdleTimeout
	// 就写关闭哨兵让流式容器优雅收尾
	idle := time.AfterFunc(s.cfg.IdleTimeout, func() {
		log.Printf("[scheduler.task.idle] task_id=%s key=%s", task.ID, task.ConversationKey)
		s.queue.SignalClose(task.ConversationKey)
	})
	defer idle.Stop()

	out := s.invoker.InvokeStreaming(ctx, input, timeout, func(o *model.ContainerInvocationOutput) {
		idle.Reset(s.cfg.IdleTimeout)
	})

	if out.NewSessionID != "" {
		if err := s.store.SetSession(ctx, task.ConversationKey, group.AgentBackend, out.NewSessionID); err != nil {
			log.Printf("[scheduler.session.save_failed] task_id=%s error=%v", task.ID, err)
		}
	}

	if out.Status == model.InvocationError {
		s.recordRun(ctx, task, start, model.RunStatusError, "", out.Error)
		s.finishRun(ctx, task, start, out.Error)
		return fmt.Errorf("task %s execution failed: %s", task.ID, out.Error)
	}

	s.recordRun(ctx, task, start, model.RunStatusSuccess, out.Result, "")
	s.finishRun(ctx, task, start, out.Result)
	return nil
}

// recordRun 追加一条执行记录（任何结局都落一条）
func (s *Scheduler) recordRun(ctx context.Context, task *model.ScheduledTask, start time.Time, status model.RunStatus, summary, errMsg string) {
	entry := &model.TaskRunLog{
		TaskID:        task.ID,
		RunAt:         start,
		DurationMs:    time.Since(start).Milliseconds(),
		Status:        status,
		ResultSummary: truncateSummary(summary),
		Error:         errMsg,
	}
	if err := s.store.AppendRunLog(ctx, entry); err != nil {
		log.Printf("[scheduler.runlog.failed] task_id=%s error=%v", task.ID, err)
	}
	if s.metrics != nil {
		s.metrics.TaskRunsTotal.WithLabelValues(string(status)).Inc()
	}
}

// finishRun 执行后续期：成功失败都重算 NextRun，once 转 completed
func (s *Scheduler) finishRun(ctx context.Context, task *model.ScheduledTask, start time.Time, summary string) {
	next, status := Reschedule(task, time.Now(), s.loc)
	if err := s.store.UpdateTaskAfterRun(ctx, task.ID, next, start, truncateSummary(summary), status); err != nil {
		log.Printf("[scheduler.reschedule.failed] task_id=%s error=%v", task.ID, err)
		return
	}
	if s.OnTaskMutated != nil {
		s.OnTaskMutated()
	}
	if next != nil {
		log.Printf("[scheduler.task.rescheduled] task_id=%s next_run=%s", task.ID, next.Format(time.RFC3339))
	} else {
		log.Printf("[scheduler.task.finished] task_id=%s status=%s", task.ID, status)
	}
}

// truncateSummary 限制摘要长度，避免超长结果撑爆任务表
func truncateSummary(s string) string {
	const max = 500
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
