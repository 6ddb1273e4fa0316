// Package engine 入站消息管线测试
package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nanoclaw/internal/config"
	"nanoclaw/internal/model"
	"nanoclaw/internal/runner"
	"nanoclaw/internal/storage"
)

// fakeSource 内存消息源
type fakeSource struct {
	mu      sync.Mutex
	pending []model.ChatMessage
	ackedTo time.Time
}

func (f *fakeSource) Pending(ctx context.Context, key string) ([]model.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.ChatMessage(nil), f.pending...), nil
}

func (f *fakeSource) Ack(ctx context.Context, key string, upTo time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ackedTo = upTo
	f.pending = nil
	return nil
}

// fakeRelayQueue 可控的转发结果
type fakeRelayQueue struct {
	relayOK bool
	relayed []string
}

func (q *fakeRelayQueue) RelayPrompt(key, text string) bool {
	if q.relayOK {
		q.relayed = append(q.relayed, text)
	}
	return q.relayOK
}

func (q *fakeRelayQueue) SignalClose(key string) {}

type fakeInvoker struct {
	inputs []model.ContainerInvocationInput
	out    *model.ContainerInvocationOutput
}

func (f *fakeInvoker) InvokeStreaming(ctx context.Context, input model.ContainerInvocationInput, timeout time.Duration, onOutput runner.OutputFunc) *model.ContainerInvocationOutput {
	f.inputs = append(f.inputs, input)
	return f.out
}

func testEngine(t *testing.T, src *fakeSource, q *fakeRelayQueue, inv *fakeInvoker) (*Engine, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.UpsertGroup(context.Background(), &model.RegisteredGroup{
		ConversationKey: "chat-1", Name: "研发群", Folder: "dev-team",
		AgentBackend: model.AgentBackendClaude,
	}))

	e := New(config.SchedulerConfig{IdleTimeout: time.Minute}, store, src, q, inv)
	return e, store
}

func at(h int) time.Time {
	return time.Date(2026, 8, 24, h, 0, 0, 0, time.UTC)
}

// TestHandleMessageCheck_Invoke 验证无活容器时发起新调用并确认消息
func TestHandleMessageCheck_Invoke(t *testing.T) {
	src := &fakeSource{pending: []model.ChatMessage{
		{ChatJID: "chat-1", Sender: "张三", Text: "帮我看看 CI", Timestamp: at(10)},
		{ChatJID: "chat-1", Sender: "李四", Text: "+1", Timestamp: at(11)},
	}}
	q := &fakeRelayQueue{}
	inv := &fakeInvoker{out: &model.ContainerInvocationOutput{
		Status: model.InvocationSuccess, NewSessionID: "sess-1",
	}}
	e, store := testEngine(t, src, q, inv)
	ctx := context.Background()

	require.NoError(t, e.HandleMessageCheck(ctx, "chat-1"))

	require.Len(t, inv.inputs, 1)
	in := inv.inputs[0]
	assert.Equal(t, "[张三]: 帮我看看 CI\n[李四]: +1", in.Prompt)
	assert.Equal(t, "dev-team", in.ConversationFolder)
	assert.False(t, in.IsScheduledTask)

	// 消息确认到最后一条
	assert.Equal(t, at(11), src.ackedTo)

	// 会话写回
	sess, err := store.GetSession(ctx, "chat-1", model.AgentBackendClaude)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", sess)
}

// TestHandleMessageCheck_Relay 验证有活容器时走转发、不起新调用
func TestHandleMessageCheck_Relay(t *testing.T) {
	src := &fakeSource{pending: []model.ChatMessage{
		{ChatJID: "chat-1", Sender: "张三", Text: "继续", Timestamp: at(10)},
	}}
	q := &fakeRelayQueue{relayOK: true}
	inv := &fakeInvoker{out: &model.ContainerInvocationOutput{Status: model.InvocationSuccess}}
	e, _ := testEngine(t, src, q, inv)

	require.NoError(t, e.HandleMessageCheck(context.Background(), "chat-1"))

	assert.Empty(t, inv.inputs)
	require.Len(t, q.relayed, 1)
	assert.Equal(t, "[张三]: 继续", q.relayed[0])
	assert.Equal(t, at(10), src.ackedTo)
}

// TestHandleMessageCheck_NoPending 验证无未读消息时为空操作
func TestHandleMessageCheck_NoPending(t *testing.T) {
	src := &fakeSource{}
	inv := &fakeInvoker{out: &model.ContainerInvocationOutput{Status: model.InvocationSuccess}}
	e, _ := testEngine(t, src, &fakeRelayQueue{}, inv)

	require.NoError(t, e.HandleMessageCheck(context.Background(), "chat-1"))
	assert.Empty(t, inv.inputs)
}

// TestHandleMessageCheck_Unregistered 验证未注册会话被忽略而非重试
func TestHandleMessageCheck_Unregistered(t *testing.T) {
	src := &fakeSource{pending: []model.ChatMessage{
		{ChatJID: "chat-x", Sender: "路人", Text: "hi", Timestamp: at(10)},
	}}
	inv := &fakeInvoker{out: &model.ContainerInvocationOutput{Status: model.InvocationSuccess}}
	e, _ := testEngine(t, src, &fakeRelayQueue{}, inv)

	require.NoError(t, e.HandleMessageCheck(context.Background(), "chat-x"))
	assert.Empty(t, inv.inputs)
}

// TestHandleMessageCheck_InvocationError 验证调用失败时不确认消息（重试重取同批）
func TestHandleMessageCheck_InvocationError(t *testing.T) {
	src := &fakeSource{pending: []model.ChatMessage{
		{ChatJID: "chat-1", Sender: "张三", Text: "出错吧", Timestamp: at(10)},
	}}
	inv := &fakeInvoker{out: &model.ContainerInvocationOutput{
		Status: model.InvocationError, Error: "boom",
	}}
	e, _ := testEngine(t, src, &fakeRelayQueue{}, inv)

	err := e.HandleMessageCheck(context.Background(), "chat-1")
	require.Error(t, err)

	// 未确认：下次重试仍能取到
	pending, _ := src.Pending(context.Background(), "chat-1")
	assert.Len(t, pending, 1)
	assert.True(t, src.ackedTo.IsZero())

	// 交付水位已回退：重试携带同一批消息
	inv.out = &model.ContainerInvocationOutput{Status: model.InvocationSuccess}
	require.NoError(t, e.HandleMessageCheck(context.Background(), "chat-1"))
	require.Len(t, inv.inputs, 2)
	assert.Equal(t, inv.inputs[0].Prompt, inv.inputs[1].Prompt)
	assert.Equal(t, at(10), src.ackedTo)
}

// TestTryRelay_MidStreamDelivery 验证流式执行期间的新消息直接转发、不重复交付
func TestTryRelay_MidStreamDelivery(t *testing.T) {
	src := &fakeSource{pending: []model.ChatMessage{
		{ChatJID: "chat-1", Sender: "张三", Text: "帮我看看 CI", Timestamp: at(10)},
	}}
	q := &fakeRelayQueue{relayOK: true}
	inv := &fakeInvoker{out: &model.ContainerInvocationOutput{Status: model.InvocationSuccess}}
	e, _ := testEngine(t, src, q, inv)
	ctx := context.Background()

	require.True(t, e.TryRelay(ctx, "chat-1"))
	require.Len(t, q.relayed, 1)
	assert.Equal(t, "[张三]: 帮我看看 CI", q.relayed[0])

	// 新到一条：只转发水位之上的部分
	src.mu.Lock()
	src.pending = append(src.pending, model.ChatMessage{
		ChatJID: "chat-1", Sender: "李四", Text: "+1", Timestamp: at(11),
	})
	src.mu.Unlock()

	require.True(t, e.TryRelay(ctx, "chat-1"))
	require.Len(t, q.relayed, 2)
	assert.Equal(t, "[李四]: +1", q.relayed[1])

	// 没有水位之上的新消息：视为已处理，不再转发
	require.True(t, e.TryRelay(ctx, "chat-1"))
	assert.Len(t, q.relayed, 2)

	// 转发只推水位不 Ack
	assert.True(t, src.ackedTo.IsZero())
}

// TestTryRelay_NoLiveContainer 验证活容器已退出时回退常规入队路径
func TestTryRelay_NoLiveContainer(t *testing.T) {
	src := &fakeSource{pending: []model.ChatMessage{
		{ChatJID: "chat-1", Sender: "张三", Text: "还在吗", Timestamp: at(10)},
	}}
	q := &fakeRelayQueue{relayOK: false}
	inv := &fakeInvoker{out: &model.ContainerInvocationOutput{Status: model.InvocationSuccess}}
	e, _ := testEngine(t, src, q, inv)

	assert.False(t, e.TryRelay(context.Background(), "chat-1"))
	assert.Empty(t, q.relayed)
}
