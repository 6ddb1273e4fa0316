// Package scheduler 调度器测试
//
// 使用 :memory: 存储 + 假队列/假 Runner，覆盖任务执行的完整闭环：
// 执行记录、续期、会话持久化、in-flight 去重、失活跳过。
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nanoclaw/internal/config"
	"nanoclaw/internal/model"
	"nanoclaw/internal/queue"
	"nanoclaw/internal/runner"
	"nanoclaw/internal/storage"
)

// fakeQueue 记录入队但不自动执行（测试手动驱动回调）
type fakeQueue struct {
	mu     sync.Mutex
	tasks  []queuedTask
	closed []string
}

type queuedTask struct {
	key    string
	taskID string
	fn     queue.ExecuteFunc
	settle func()
}

func (q *fakeQueue) EnqueueTask(key, taskID string, fn queue.ExecuteFunc, settle func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, queuedTask{key: key, taskID: taskID, fn: fn, settle: settle})
}

func (q *fakeQueue) SignalClose(key string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = append(q.closed, key)
}

func (q *fakeQueue) pending() []queuedTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]queuedTask(nil), q.tasks...)
}

// fakeInvoker 返回预置输出并记录输入
type fakeInvoker struct {
	mu     sync.Mutex
	inputs []model.ContainerInvocationInput
	out    *model.ContainerInvocationOutput
}

func (f *fakeInvoker) InvokeStreaming(ctx context.Context, input model.ContainerInvocationInput, timeout time.Duration, onOutput runner.OutputFunc) *model.ContainerInvocationOutput {
	f.mu.Lock()
	f.inputs = append(f.inputs, input)
	f.mu.Unlock()
	if onOutput != nil {
		onOutput(f.out)
	}
	return f.out
}

func testScheduler(t *testing.T, out *model.ContainerInvocationOutput) (*Scheduler, *storage.Store, *fakeQueue, *fakeInvoker) {
	t.Helper()
	store, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	q := &fakeQueue{}
	inv := &fakeInvoker{out: out}
	s := New(config.SchedulerConfig{
		PollInterval: time.Minute,
		Timezone:     "UTC",
		IdleTimeout:  time.Minute,
	}, store, q, inv, nil)
	return s, store, q, inv
}

func seedGroup(t *testing.T, store *storage.Store) {
	t.Helper()
	require.NoError(t, store.UpsertGroup(context.Background(), &model.RegisteredGroup{
		ConversationKey: "chat-1",
		Name:            "研发群",
		Folder:          "dev-team",
		AgentBackend:    model.AgentBackendClaude,
	}))
}

func seedTask(t *testing.T, store *storage.Store, kind model.ScheduleKind, value string, mode model.ContextMode) string {
	t.Helper()
	past := time.Now().Add(-time.Minute)
	id, err := store.CreateTask(context.Background(), &model.ScheduledTask{
		ConversationKey: "chat-1",
		Prompt:          "每日总结",
		ScheduleKind:    kind,
		ScheduleValue:   value,
		ContextMode:     mode,
		NextRun:         &past,
	})
	require.NoError(t, err)
	return id
}

// TestRunTask_Success 验证成功执行的完整闭环
func TestRunTask_Success(t *testing.T) {
	s, store, _, inv := testScheduler(t, &model.ContainerInvocationOutput{
		Status:       model.InvocationSuccess,
		Result:       "总结完成",
		NewSessionID: "sess-new",
	})
	ctx := context.Background()

	seedGroup(t, store)
	require.NoError(t, store.SetSession(ctx, "chat-1", model.AgentBackendClaude, "sess-old"))
	id := seedTask(t, store, model.ScheduleInterval, "60000", model.ContextModeGroup)

	require.NoError(t, s.runTask(ctx, id))

	// 调用输入：续接会话、任务标记、目录解析
	require.Len(t, inv.inputs, 1)
	in := inv.inputs[0]
	assert.Equal(t, "sess-old", in.ResumeSessionID)
	assert.Equal(t, "dev-team", in.ConversationFolder)
	assert.True(t, in.IsScheduledTask)
	assert.Equal(t, model.AgentBackendClaude, in.AgentBackend)

	// 会话写回
	sess, err := store.GetSession(ctx, "chat-1", model.AgentBackendClaude)
	require.NoError(t, err)
	assert.Equal(t, "sess-new", sess)

	// 执行记录
	logs, err := store.ListRunLogs(ctx, id)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, model.RunStatusSuccess, logs[0].Status)
	assert.Equal(t, "总结完成", logs[0].ResultSummary)

	// 续期
	task, err := store.GetTask(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, task.NextRun)
	assert.True(t, task.NextRun.After(time.Now()))
	require.NotNil(t, task.LastRun)
	assert.Equal(t, model.TaskStatusActive, task.Status)
}

// TestRunTask_IsolatedNoResume 验证 isolated 模式不携带会话
func TestRunTask_IsolatedNoResume(t *testing.T) {
	s, store, _, inv := testScheduler(t, &model.ContainerInvocationOutput{Status: model.InvocationSuccess})
	ctx := context.Background()

	seedGroup(t, store)
	require.NoError(t, store.SetSession(ctx, "chat-1", model.AgentBackendClaude, "sess-old"))
	id := seedTask(t, store, model.ScheduleOnce, "2020-01-01T00:00:00", model.ContextModeIsolated)

	require.NoError(t, s.runTask(ctx, id))

	require.Len(t, inv.inputs, 1)
	assert.Empty(t, inv.inputs[0].ResumeSessionID)

	// once 执行后完结
	task, err := store.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusCompleted, task.Status)
	assert.Nil(t, task.NextRun)
}

// TestRunTask_ExecutionError 验证失败：记录错误、仍续期、错误上抛交队列重试
func TestRunTask_ExecutionError(t *testing.T) {
	s, store, _, _ := testScheduler(t, &model.ContainerInvocationOutput{
		Status: model.InvocationError,
		Error:  "container exited with error",
	})
	ctx := context.Background()

	seedGroup(t, store)
	id := seedTask(t, store, model.ScheduleInterval, "60000", model.ContextModeGroup)

	err := s.runTask(ctx, id)
	require.Error(t, err)

	logs, err2 := store.ListRunLogs(ctx, id)
	require.NoError(t, err2)
	require.Len(t, logs, 1)
	assert.Equal(t, model.RunStatusError, logs[0].Status)
	assert.Contains(t, logs[0].Error, "container exited")

	// 一次坏执行不丢周期：next_run 照常续期
	task, err2 := store.GetTask(ctx, id)
	require.NoError(t, err2)
	require.NotNil(t, task.NextRun)
	assert.True(t, task.NextRun.After(time.Now()))
}

// TestRunTask_UnregisteredGroup 验证会话未注册：配置错误不重试，但落错误记录
func TestRunTask_UnregisteredGroup(t *testing.T) {
	s, store, _, inv := testScheduler(t, &model.ContainerInvocationOutput{Status: model.InvocationSuccess})
	ctx := context.Background()

	id := seedTask(t, store, model.ScheduleInterval, "60000", model.ContextModeGroup)

	// 返回 nil：不进入队列退避
	require.NoError(t, s.runTask(ctx, id))
	assert.Empty(t, inv.inputs)

	logs, err := store.ListRunLogs(ctx, id)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, model.RunStatusError, logs[0].Status)
}

// TestRunTask_InactiveSkipped 验证排队期间被暂停/取消的任务不执行
func TestRunTask_InactiveSkipped(t *testing.T) {
	s, store, _, inv := testScheduler(t, &model.ContainerInvocationOutput{Status: model.InvocationSuccess})
	ctx := context.Background()

	seedGroup(t, store)
	id := seedTask(t, store, model.ScheduleInterval, "60000", model.ContextModeGroup)
	require.NoError(t, store.SetTaskStatus(ctx, id, model.TaskStatusPaused))

	require.NoError(t, s.runTask(ctx, id))
	assert.Empty(t, inv.inputs)

	// 任务消失（已取消）同样静默跳过
	require.NoError(t, store.DeleteTask(ctx, id))
	require.NoError(t, s.runTask(ctx, id))
	assert.Empty(t, inv.inputs)
}

// TestDispatch_InflightDedup 验证同一任务在途时不重复注入
func TestDispatch_InflightDedup(t *testing.T) {
	s, store, q, _ := testScheduler(t, &model.ContainerInvocationOutput{Status: model.InvocationSuccess})

	seedGroup(t, store)
	id := seedTask(t, store, model.ScheduleInterval, "60000", model.ContextModeGroup)

	task, err := store.GetTask(context.Background(), id)
	require.NoError(t, err)

	s.dispatch(task)
	s.dispatch(task)
	assert.Len(t, q.pending(), 1)

	// 队列 settle 该单元后可再次注入
	head := q.pending()[0]
	require.NoError(t, head.fn(context.Background()))
	head.settle()
	s.dispatch(task)
	assert.Len(t, q.pending(), 2)
}

// TestDispatch_InflightHeldDuringRetry 验证失败重试的退避期间不重复注入
//
// 队列在单元失败后保留它在队首按退避重试，settle 要到成功或重试
// 耗尽才触发；这段窗口里轮询再次看到到期任务必须跳过。
func TestDispatch_InflightHeldDuringRetry(t *testing.T) {
	s, store, q, _ := testScheduler(t, &model.ContainerInvocationOutput{
		Status: model.InvocationError,
		Error:  "container exited with error",
	})
	ctx := context.Background()

	seedGroup(t, store)
	id := seedTask(t, store, model.ScheduleInterval, "60000", model.ContextModeGroup)

	task, err := store.GetTask(ctx, id)
	require.NoError(t, err)

	s.dispatch(task)
	head := q.pending()[0]
	require.Error(t, head.fn(ctx))

	// 执行失败但单元尚未 settle：不重复注入
	s.dispatch(task)
	assert.Len(t, q.pending(), 1)

	head.settle()
	s.dispatch(task)
	assert.Len(t, q.pending(), 2)
}

// TestRunTask_SnapshotHook 验证执行续期后触发任务快照刷新回调
func TestRunTask_SnapshotHook(t *testing.T) {
	s, store, _, _ := testScheduler(t, &model.ContainerInvocationOutput{Status: model.InvocationSuccess})
	ctx := context.Background()

	seedGroup(t, store)
	id := seedTask(t, store, model.ScheduleInterval, "60000", model.ContextModeGroup)

	var mutated int32
	s.OnTaskMutated = func() { atomic.AddInt32(&mutated, 1) }

	require.NoError(t, s.runTask(ctx, id))
	assert.Equal(t, int32(1), atomic.LoadInt32(&mutated))
}

// TestPoll_EnqueuesDueTasks 验证轮询只注入到期任务
func TestPoll_EnqueuesDueTasks(t *testing.T) {
	s, store, q, _ := testScheduler(t, &model.ContainerInvocationOutput{Status: model.InvocationSuccess})
	ctx := context.Background()

	seedGroup(t, store)
	dueID := seedTask(t, store, model.ScheduleInterval, "60000", model.ContextModeGroup)

	future := time.Now().Add(time.Hour)
	_, err := store.CreateTask(ctx, &model.ScheduledTask{
		ConversationKey: "chat-1", Prompt: "later",
		ScheduleKind: model.ScheduleInterval, ScheduleValue: "60000",
		ContextMode: model.ContextModeGroup, NextRun: &future,
	})
	require.NoError(t, err)

	s.poll(ctx)

	pending := q.pending()
	require.Len(t, pending, 1)
	assert.Equal(t, dueID, pending[0].taskID)
	assert.Equal(t, "chat-1", pending[0].key)
}
