// Package runner 调用审计日志
package runner

import (
	"log"
	"os"
	"time"

	"nanoclaw/internal/mailbox"
	"nanoclaw/internal/model"
)

// auditRecord 单次调用的审计记录
type auditRecord struct {
	Timestamp       time.Time `json:"timestamp"`
	Container       string    `json:"container,omitempty"`
	ConversationKey string    `json:"conversation_key"`
	Backend         string    `json:"backend"`
	DurationMs      int64     `json:"duration_ms"`
	ExitCode        int       `json:"exit_code"`
	StdoutTruncated bool      `json:"stdout_truncated,omitempty"`
	StderrTruncated bool      `json:"stderr_truncated,omitempty"`
	Status          string    `json:"status"`
	Error           string    `json:"error,omitempty"`

	// 仅 verbose 或出错时填充，避免默认把会话内容泄漏进日志
	Input  *model.ContainerInvocationInput `json:"input,omitempty"`
	Mounts []string                        `json:"mounts,omitempty"`
	Stdout string                          `json:"stdout,omitempty"`
	Stderr string                          `json:"stderr,omitempty"`
}

// writeAudit 写一条审计记录
//
// 完整输入/挂载/输出只在 verbose 开启或本次出错时落盘。
// 审计失败只记日志，不影响调用结果。
func (r *Runner) writeAudit(rec auditRecord, input model.ContainerInvocationInput, mounts []Mount, stdout, stderr string) {
	if r.paths.AuditDir == "" {
		return
	}

	if r.cfg.Verbose || rec.Status == string(model.InvocationError) {
		rec.Input = &input
		for _, m := range mounts {
			rec.Mounts = append(rec.Mounts, m.String())
		}
		rec.Stdout = stdout
		rec.Stderr = stderr
	}

	if err := os.MkdirAll(r.paths.AuditDir, 0o755); err != nil {
		log.Printf("[runner.audit.failed] container=%s error=%v", rec.Container, err)
		return
	}
	if _, err := mailbox.Deposit(r.paths.AuditDir, rec); err != nil {
		log.Printf("[runner.audit.failed] container=%s error=%v", rec.Container, err)
	}
}
