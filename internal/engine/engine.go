// Package engine 入站消息管线
//
// 把聊天通道的新消息翻译成一次容器调用：Group Queue 的消息回调在
// drain 循环中调用 HandleMessageCheck，本包负责取未读消息、拼装
// 提示词、优先转发给活容器（RelayPrompt），否则发起一次新的流式调用。
package engine

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"nanoclaw/internal/config"
	"nanoclaw/internal/model"
	"nanoclaw/internal/runner"
	"nanoclaw/internal/storage"
)

// MessageSource 聊天通道的未读消息来源
//
// 具体通道协议（WhatsApp、Telegram 等）在引擎之外实现。
// Pending 返回某会话自上次确认以来的未读消息（按时间升序）；
// Ack 确认处理到指定时间点，之前的消息不再返回。
type MessageSource interface {
	Pending(ctx context.Context, conversationKey string) ([]model.ChatMessage, error)
	Ack(ctx context.Context, conversationKey string, upTo time.Time) error
}

// PromptQueue 引擎对 Group Queue 的依赖面
type PromptQueue interface {
	RelayPrompt(key, text string) bool
	SignalClose(key string)
}

// ContainerInvoker 引擎对 Container Runner 的依赖面
type ContainerInvoker interface {
	InvokeStreaming(ctx context.Context, input model.ContainerInvocationInput, timeout time.Duration, onOutput runner.OutputFunc) *model.ContainerInvocationOutput
}

// Engine 入站消息处理引擎
//
// delivered 是内存中的交付水位：消息一旦转发进活容器、或进入一次
// 新调用的提示词，即视为已交付，不再出现在后续批次里。水位高于
// 来源侧的 Ack 水位——Ack 仍只在调用成功后推进，调用失败时回退
// 水位让重试重取同一批（宁可重复交付，不丢消息）。
type Engine struct {
	cfg     config.SchedulerConfig
	store   *storage.Store
	source  MessageSource
	queue   PromptQueue
	invoker ContainerInvoker

	mu        sync.Mutex
	delivered map[string]time.Time
}

// New 创建引擎
//
// cfg 复用调度器配置段（共用同一个流式空闲计时器时长）。
func New(cfg config.SchedulerConfig, store *storage.Store, source MessageSource, q PromptQueue, invoker ContainerInvoker) *Engine {
	return &Engine{
		cfg:       cfg,
		store:     store,
		source:    source,
		queue:     q,
		invoker:   invoker,
		delivered: make(map[string]time.Time),
	}
}

// HandleMessageCheck 处理一个会话的未读消息批次
//
// 由 Group Queue 的 drain 循环调用。返回非 nil 即交给队列退避重试，
// 未读消息此时尚未 Ack，重试会重新取到同一批。
func (e *Engine) HandleMessageCheck(ctx context.Context, conversationKey string) error {
	group, err := e.store.GetGroup(ctx, conversationKey)
	if err != nil {
		return fmt.Errorf("load group %s: %w", conversationKey, err)
	}
	if group == nil {
		// 未注册会话的消息直接忽略（注册走主会话的 register_group）
		log.Printf("[engine.messages.skipped] key=%s reason=unregistered", conversationKey)
		return nil
	}

	msgs, err := e.pendingUndelivered(ctx, conversationKey)
	if err != nil {
		return fmt.Errorf("fetch pending messages: %w", err)
	}
	if len(msgs) == 0 {
		return nil
	}
	prompt := formatPrompt(msgs)
	latest := msgs[len(msgs)-1].Timestamp

	// 有活容器时直接转发，省一次容器冷启动
	if e.queue.RelayPrompt(conversationKey, prompt) {
		e.markDelivered(conversationKey, latest)
		return e.source.Ack(ctx, conversationKey, e.deliveredMark(conversationKey))
	}

	resume, err := e.store.GetSession(ctx, conversationKey, group.AgentBackend)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}

	input := model.ContainerInvocationInput{
		Prompt:             prompt,
		ResumeSessionID:    resume,
		ConversationFolder: group.Folder,
		ConversationKey:    group.ConversationKey,
		IsMain:             group.IsMain,
		AgentBackend:       group.AgentBackend,
		Model:              group.Model,
	}

	var timeout time.Duration
	if group.TimeoutMinutes > 0 {
		timeout = time.Duration(group.TimeoutMinutes) * time.Minute
	}

	// 调用期间到达的追问由 TryRelay 直接转发进这个容器，
	// 先推水位避免同一批被重复带上
	prev := e.deliveredMark(conversationKey)
	e.markDelivered(conversationKey, latest)

	// 空闲计时器：容器静默超过 IdleTimeout 即写关闭哨兵
	idle := time.AfterFunc(e.cfg.IdleTimeout, func() {
		log.Printf("[engine.idle] key=%s", conversationKey)
		e.queue.SignalClose(conversationKey)
	})
	defer idle.Stop()

	out := e.invoker.InvokeStreaming(ctx, input, timeout, func(o *model.ContainerInvocationOutput) {
		idle.Reset(e.cfg.IdleTimeout)
	})

	if out.NewSessionID != "" {
		if err := e.store.SetSession(ctx, conversationKey, group.AgentBackend, out.NewSessionID); err != nil {
			log.Printf("[engine.session.save_failed] key=%s error=%v", conversationKey, err)
		}
	}
	if out.Status == model.InvocationError {
		e.resetDelivered(conversationKey, prev)
		return fmt.Errorf("message invocation failed: %s", out.Error)
	}
	return e.source.Ack(ctx, conversationKey, e.deliveredMark(conversationKey))
}

// TryRelay 尝试把某会话的新消息直接转发进它的活流式容器
//
// 由 Group Queue 在入队时调用：转发成功或并无新消息时返回 true，
// 无需再排消息扫描；活容器已退出或转发失败返回 false，回退到常规
// 入队路径。转发的消息只推交付水位不 Ack——Ack 跟着拥有该容器的
// 调用一起在成功后推进。
func (e *Engine) TryRelay(ctx context.Context, conversationKey string) bool {
	msgs, err := e.pendingUndelivered(ctx, conversationKey)
	if err != nil {
		log.Printf("[engine.relay.fetch_failed] key=%s error=%v", conversationKey, err)
		return false
	}
	if len(msgs) == 0 {
		return true
	}
	if !e.queue.RelayPrompt(conversationKey, formatPrompt(msgs)) {
		return false
	}
	e.markDelivered(conversationKey, msgs[len(msgs)-1].Timestamp)
	return true
}

// pendingUndelivered 取未读消息并滤掉交付水位以下的部分
func (e *Engine) pendingUndelivered(ctx context.Context, key string) ([]model.ChatMessage, error) {
	msgs, err := e.source.Pending(ctx, key)
	if err != nil {
		return nil, err
	}
	mark := e.deliveredMark(key)
	if mark.IsZero() {
		return msgs, nil
	}
	var fresh []model.ChatMessage
	for _, m := range msgs {
		if m.Timestamp.After(mark) {
			fresh = append(fresh, m)
		}
	}
	return fresh, nil
}

func (e *Engine) deliveredMark(key string) time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.delivered[key]
}

// markDelivered 推进交付水位（只前进，不后退）
func (e *Engine) markDelivered(key string, t time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t.After(e.delivered[key]) {
		e.delivered[key] = t
	}
}

// resetDelivered 调用失败后回退水位，让重试重取同一批
func (e *Engine) resetDelivered(key string, prev time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.delivered[key] = prev
}

// formatPrompt 将一批消息拼成单个提示词（每行 [发送者]: 文本）
func formatPrompt(msgs []model.ChatMessage) string {
	var b strings.Builder
	for i, m := range msgs {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "[%s]: %s", m.Sender, m.Text)
	}
	return b.String()
}
