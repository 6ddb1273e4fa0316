// Package queue Group Queue：按会话串行 + 全局并发准入
//
// 每个会话 key 同一时刻至多一个 drain 循环在执行（active 即互斥标志），
// 全局同时运行的容器数不超过 MaxConcurrent，超出的 key 按 FIFO 排队等待准入。
//
// 重试退避对任务回调与消息回调共用一个 per-key 计数器（5s 起步、指数翻倍、
// 上限 5 次）。两类回调在同一 key 上互相放大退避是已知的历史耦合，
// 刻意保留，见 DESIGN.md。
package queue

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"nanoclaw/internal/config"
	"nanoclaw/internal/mailbox"
	"nanoclaw/internal/metrics"
	"nanoclaw/internal/model"
)

// ExecuteFunc 一个排队执行单元（定时任务或消息批次）
type ExecuteFunc func(ctx context.Context) error

// MessageCheckFunc 消息处理回调：扫描并处理某会话的未读消息
type MessageCheckFunc func(ctx context.Context, conversationKey string) error

// RelayCheckFunc 追问转发回调：尝试把某会话的新消息直接转发进
// 它的活流式容器。返回 true 表示已处理（转发成功或并无新消息），
// 返回 false 表示需要回退到常规的消息扫描入队。
type RelayCheckFunc func(ctx context.Context, conversationKey string) bool

// FolderResolver 将会话 key 解析为信箱目录名
type FolderResolver func(conversationKey string) (string, bool)

// RunningContainer 活容器引用，RelayPrompt/SignalClose 的目标
type RunningContainer struct {
	Process   *os.Process
	Name      string
	Folder    string
	Streaming bool
}

// pendingTask 排队中的任务执行单元
type pendingTask struct {
	taskID string
	fn     ExecuteFunc
	settle func()
}

// groupState 单个会话 key 的队列状态（惰性创建，进程生命周期内常驻）
type groupState struct {
	active              bool
	pendingMessageCheck bool
	pendingTasks        []pendingTask
	running             *RunningContainer
	retryCount          int
}

// GroupQueue 按会话串行的工作队列
//
// 全部共享状态只在持有 mu 时变更；执行回调在锁外进行。
type GroupQueue struct {
	cfg            config.QueueConfig
	ipcRoot        string
	onMessageCheck MessageCheckFunc
	onRelay        RelayCheckFunc
	resolveFolder  FolderResolver
	metrics        *metrics.Metrics

	mu           sync.Mutex
	groups       map[string]*groupState
	activeCount  int
	waiting      []string
	shuttingDown bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New 创建 Group Queue
//
// onMessageCheck 在 drain 循环中被调用，处理该会话积压的入站消息；
// onRelay 在入队时被调用，有流式活容器时把新消息直接转发进去
// （可为 nil，此时全部走常规入队）；resolveFolder 用于 drain 启动时
// 的入站信箱清理。
func New(cfg config.QueueConfig, ipcRoot string, onMessageCheck MessageCheckFunc, onRelay RelayCheckFunc, resolveFolder FolderResolver, m *metrics.Metrics) *GroupQueue {
	ctx, cancel := context.WithCancel(context.Background())
	return &GroupQueue{
		cfg:            cfg,
		ipcRoot:        ipcRoot,
		onMessageCheck: onMessageCheck,
		onRelay:        onRelay,
		resolveFolder:  resolveFolder,
		metrics:        m,
		groups:         make(map[string]*groupState),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// state 获取（或惰性创建）某 key 的状态，须持有 mu
func (q *GroupQueue) state(key string) *groupState {
	st, ok := q.groups[key]
	if !ok {
		st = &groupState{}
		q.groups[key] = st
	}
	return st
}

// EnqueueMessageCheck 标记某会话有新入站消息待扫描
//
// 幂等：已 active 或已标记时只置位。key 空闲时触发准入。
// 该 key 有流式活容器时先尝试 onRelay 直接转发——此时 drain 正阻塞在
// 容器调用里，置位标志只能等容器退出后再起新调用，追问会被白白延迟。
func (q *GroupQueue) EnqueueMessageCheck(key string) {
	q.mu.Lock()
	st := q.state(key)

	if q.onRelay != nil && st.active && st.running != nil && st.running.Streaming {
		q.mu.Unlock()
		if q.onRelay(q.ctx, key) {
			return
		}
		// 容器恰好退出或转发失败：回退到常规入队
		q.mu.Lock()
		st = q.state(key)
	}

	st.pendingMessageCheck = true
	q.maybeStartLocked(key, st)
	q.mu.Unlock()
}

// EnqueueTask 追加一个任务执行单元（FIFO）
//
// 若该 key 当前有流式活容器，主动写关闭哨兵让它尽快让位——
// 定时任务优先于维持会话连接。
//
// settle 在队列彻底放手该单元时恰好调用一次（成功弹出或重试耗尽
// 放弃），失败重试的退避期间不会触发；可为 nil。
func (q *GroupQueue) EnqueueTask(key, taskID string, fn ExecuteFunc, settle func()) {
	q.mu.Lock()
	defer q.mu.Unlock()

	st := q.state(key)
	st.pendingTasks = append(st.pendingTasks, pendingTask{taskID: taskID, fn: fn, settle: settle})
	log.Printf("[queue.task.enqueued] key=%s task_id=%s depth=%d", key, taskID, len(st.pendingTasks))

	if st.active && st.running != nil && st.running.Streaming {
		q.signalCloseLocked(key, st)
	}
	q.maybeStartLocked(key, st)
}

// RelayPrompt 向活容器转发追问
//
// 有活容器时原子写入其 input/ 信箱并返回 true；否则返回 false，
// 调用方应回退到发起一次全新调用。
func (q *GroupQueue) RelayPrompt(key, text string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	st, ok := q.groups[key]
	if !ok || st.running == nil {
		return false
	}

	inputDir := filepath.Join(q.ipcRoot, st.running.Folder, mailbox.DirInput)
	if _, err := mailbox.Deposit(inputDir, model.InboundPrompt{Prompt: text}); err != nil {
		log.Printf("[queue.relay.failed] key=%s error=%v", key, err)
		return false
	}
	log.Printf("[queue.relay.delivered] key=%s container=%s", key, st.running.Name)
	return true
}

// SignalClose 写关闭哨兵，触发活容器的优雅多轮退出
func (q *GroupQueue) SignalClose(key string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if st, ok := q.groups[key]; ok {
		q.signalCloseLocked(key, st)
	}
}

func (q *GroupQueue) signalCloseLocked(key string, st *groupState) {
	if st.running == nil {
		return
	}
	dir := filepath.Join(q.ipcRoot, st.running.Folder)
	if err := mailbox.WriteCloseSentinel(dir); err != nil {
		log.Printf("[queue.close.failed] key=%s error=%v", key, err)
		return
	}
	log.Printf("[queue.close.signalled] key=%s container=%s", key, st.running.Name)
}

// RegisterRunningContainer 容器进程起动后由 Runner 登记，
// 使 RelayPrompt/SignalClose 有目标可用
func (q *GroupQueue) RegisterRunningContainer(key string, proc *os.Process, containerName, folder string, streaming bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	st := q.state(key)
	st.running = &RunningContainer{
		Process:   proc,
		Name:      containerName,
		Folder:    folder,
		Streaming: streaming,
	}
	log.Printf("[queue.container.registered] key=%s container=%s streaming=%v", key, containerName, streaming)
}

// UnregisterRunningContainer 容器进程退出后由 Runner 清除登记
func (q *GroupQueue) UnregisterRunningContainer(key string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if st, ok := q.groups[key]; ok {
		st.running = nil
	}
}

// Running 返回某 key 的活容器引用（无则为 nil）
func (q *GroupQueue) Running(key string) *RunningContainer {
	q.mu.Lock()
	defer q.mu.Unlock()

	if st, ok := q.groups[key]; ok {
		return st.running
	}
	return nil
}

// maybeStartLocked 准入判定，须持有 mu
//
// 空闲且有待处理工作的 key：容量未满立即起 drain；
// 已满则 FIFO 排队（不重复入队），容量释放时再启动。
func (q *GroupQueue) maybeStartLocked(key string, st *groupState) {
	if q.shuttingDown || st.active || !hasWork(st) {
		return
	}

	if q.activeCount < q.cfg.MaxConcurrent {
		q.startDrainLocked(key, st)
		return
	}

	for _, w := range q.waiting {
		if w == key {
			return
		}
	}
	q.waiting = append(q.waiting, key)
	if q.metrics != nil {
		q.metrics.KeysWaiting.Set(float64(len(q.waiting)))
	}
	log.Printf("[queue.admission.wait] key=%s position=%d", key, len(q.waiting))
}

func (q *GroupQueue) startDrainLocked(key string, st *groupState) {
	st.active = true
	q.activeCount++
	if q.metrics != nil {
		q.metrics.ContainersActive.Set(float64(q.activeCount))
	}
	q.wg.Add(1)
	go q.drain(key)
}

func hasWork(st *groupState) bool {
	return len(st.pendingTasks) > 0 || st.pendingMessageCheck
}

// drain 单个 key 的排空循环，运行到无工作为止
//
// 不变式：同一 key 同时只有一个 drain 在跑（active 标志保证）。
func (q *GroupQueue) drain(key string) {
	defer q.wg.Done()

	log.Printf("[queue.drain.start] key=%s", key)

	// 防御性清理：清掉上一个容器实例遗留的入站信箱文件
	if folder, ok := q.resolveFolder(key); ok {
		if err := mailbox.ClearInput(filepath.Join(q.ipcRoot, folder)); err != nil {
			log.Printf("[queue.drain.clear_input.failed] key=%s error=%v", key, err)
		}
	}

	for q.drainOne(key) {
	}

	q.finishDrain(key)
}

// drainOne 取出队首单元执行一次，返回是否还应继续循环
func (q *GroupQueue) drainOne(key string) bool {
	q.mu.Lock()
	st := q.state(key)

	if q.shuttingDown {
		q.mu.Unlock()
		return false
	}

	var (
		fn     ExecuteFunc
		unit   string
		taskID string
		isTask bool
	)
	switch {
	case len(st.pendingTasks) > 0:
		// 失败重试期间单元保留在队首，成功或放弃后才弹出
		fn = st.pendingTasks[0].fn
		taskID = st.pendingTasks[0].taskID
		unit, isTask = "task", true
	case st.pendingMessageCheck:
		// 选中即清标志：执行期间到达的新消息重新置位，触发下一轮扫描
		st.pendingMessageCheck = false
		fn = func(ctx context.Context) error {
			return q.onMessageCheck(ctx, key)
		}
		unit = "messages"
	default:
		q.mu.Unlock()
		return false
	}
	q.mu.Unlock()

	err := fn(q.ctx)

	q.mu.Lock()
	if err == nil {
		st.retryCount = 0
		var settle func()
		if isTask {
			settle = q.popTaskLocked(st)
		}
		q.mu.Unlock()
		if settle != nil {
			settle()
		}
		return true
	}

	st.retryCount++
	retry := st.retryCount
	if q.metrics != nil {
		q.metrics.QueueRetriesTotal.Inc()
	}

	if retry > q.cfg.MaxRetries {
		// 放弃该单元：最后的错误只记日志，持久化的失败记录
		// 由调用方自己负责（如调度器的 run log）
		log.Printf("[queue.retry.exhausted] key=%s unit=%s task_id=%s error=%v", key, unit, taskID, err)
		st.retryCount = 0
		var settle func()
		if isTask {
			settle = q.popTaskLocked(st)
		}
		q.mu.Unlock()
		if settle != nil {
			settle()
		}
		return true
	}
	if !isTask {
		// 失败的消息扫描重新置位，退避后重试
		st.pendingMessageCheck = true
	}
	q.mu.Unlock()

	delay := q.cfg.BaseRetry << (retry - 1)
	log.Printf("[queue.retry.backoff] key=%s unit=%s attempt=%d delay=%s error=%v", key, unit, retry, delay, err)
	select {
	case <-time.After(delay):
	case <-q.ctx.Done():
	}
	return true
}

// popTaskLocked 弹出刚完成（或放弃）的队首任务并返回其 settle
// 回调（调用方在锁外执行），须持有 mu
func (q *GroupQueue) popTaskLocked(st *groupState) func() {
	if len(st.pendingTasks) == 0 {
		return nil
	}
	settle := st.pendingTasks[0].settle
	st.pendingTasks = st.pendingTasks[1:]
	return settle
}

// finishDrain 标记 key 空闲、释放准入并启动等待中的 key
func (q *GroupQueue) finishDrain(key string) {
	q.mu.Lock()
	st := q.state(key)
	st.active = false
	st.running = nil
	q.activeCount--
	if q.metrics != nil {
		q.metrics.ContainersActive.Set(float64(q.activeCount))
	}
	log.Printf("[queue.drain.done] key=%s active=%d waiting=%d", key, q.activeCount, len(q.waiting))

	// 准入释放：按 FIFO 取仍有待处理工作的 key
	if !q.shuttingDown {
		i := 0
		for ; i < len(q.waiting) && q.activeCount < q.cfg.MaxConcurrent; i++ {
			wst := q.state(q.waiting[i])
			if wst.active || !hasWork(wst) {
				continue
			}
			q.startDrainLocked(q.waiting[i], wst)
		}
		q.waiting = append([]string(nil), q.waiting[i:]...)
		if q.metrics != nil {
			q.metrics.KeysWaiting.Set(float64(len(q.waiting)))
		}
	}
	q.mu.Unlock()
}

// ActiveCount 当前活跃 drain 数（仅用于测试与指标）
func (q *GroupQueue) ActiveCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.activeCount
}

// Shutdown 优雅关闭
//
// 拒绝新准入，向全部活容器写关闭哨兵，等待 activeCount 归零，
// 超时仍有容器时记警告并强制取消执行上下文。
func (q *GroupQueue) Shutdown(timeout time.Duration) {
	q.mu.Lock()
	q.shuttingDown = true
	for key, st := range q.groups {
		if st.active {
			q.signalCloseLocked(key, st)
		}
	}
	q.mu.Unlock()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		q.mu.Lock()
		n := q.activeCount
		q.mu.Unlock()
		if n == 0 {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	q.mu.Lock()
	remaining := q.activeCount
	q.mu.Unlock()
	if remaining > 0 {
		log.Printf("[queue.shutdown.timeout] remaining=%d", remaining)
	}

	q.cancel()
	q.wg.Wait()
	log.Printf("[queue.shutdown.done] remaining=%d", remaining)
}
