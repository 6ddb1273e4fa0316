// Package runner 输出捕获与哨兵协议解析
package runner

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"nanoclaw/internal/model"
)

// 哨兵行：stdout 中两行之间的文本是结构化输出负载。
// 行内容是固定协议，沙箱内 Agent 按字面值输出。
const (
	OutputStart = "---NANOCLAW_OUTPUT_START---"
	OutputEnd   = "---NANOCLAW_OUTPUT_END---"
)

// cappedBuffer 有上限的输出缓冲
//
// 到达上限后丢弃后续字节并置截断标记——失控或恶意的 Agent 进程
// 无法通过刷输出耗尽宿主内存。
type cappedBuffer struct {
	mu        sync.Mutex
	buf       strings.Builder
	cap       int64
	truncated bool
}

func newCappedBuffer(capBytes int64) *cappedBuffer {
	return &cappedBuffer{cap: capBytes}
}

// Write 实现 io.Writer，超出上限的字节被丢弃
func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	remain := b.cap - int64(b.buf.Len())
	if remain <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if int64(len(p)) > remain {
		b.buf.Write(p[:remain])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *cappedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}

// ParseOutput 从 stdout 全文提取结构化输出
//
// 取最后一对哨兵行之间的文本解析为 JSON；哨兵缺失时（旧版或不完整的
// Agent）回退到最后一个非空行。解析失败返回错误，从不 panic。
func ParseOutput(stdout string) (*model.ContainerInvocationOutput, error) {
	payload, ok := extractSentinelPayload(stdout)
	if !ok {
		payload = lastNonEmptyLine(stdout)
		if payload == "" {
			return nil, fmt.Errorf("no output payload found")
		}
	}

	out := &model.ContainerInvocationOutput{}
	if err := json.Unmarshal([]byte(payload), out); err != nil {
		return nil, fmt.Errorf("parse output payload: %w", err)
	}
	return out, nil
}

// extractSentinelPayload 取最后一对哨兵之间的文本
func extractSentinelPayload(stdout string) (string, bool) {
	start := strings.LastIndex(stdout, OutputStart)
	if start < 0 {
		return "", false
	}
	rest := stdout[start+len(OutputStart):]
	end := strings.Index(rest, OutputEnd)
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:end]), true
}

func lastNonEmptyLine(s string) string {
	lines := strings.Split(s, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}

// tail 返回文本的末尾片段（错误信息嵌入用）
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
