// Package runner 容器调用的执行与监督
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/exec"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/containerd/errdefs"
	"github.com/moby/moby/client"

	"nanoclaw/internal/config"
	"nanoclaw/internal/metrics"
	"nanoclaw/internal/model"
)

// ContainerRegistry 活容器登记方（由 Group Queue 实现）
type ContainerRegistry interface {
	RegisterRunningContainer(key string, proc *os.Process, containerName, folder string, streaming bool)
	UnregisterRunningContainer(key string)
}

// OutputFunc 流式模式下每产出一个结构化输出调用一次
type OutputFunc func(out *model.ContainerInvocationOutput)

// Runner Container Runner
//
// 将 ContainerInvocationInput 翻译为一次沙箱子进程执行：
// 文件系统隔离（挂载集）、输出上限、超时强制、结构化结果提取。
// 子进程经 docker CLI 启动并附着（stdin/stdout/stderr 管道）；
// 按名停止/强杀走 Docker API。
type Runner struct {
	cfg      config.RunnerConfig
	paths    config.PathsConfig
	backends *Registry
	docker   *client.Client
	registry ContainerRegistry
	metrics  *metrics.Metrics
}

// New 创建 Runner
//
// 沙箱运行时不可用属于不可恢复的启动错误，由调用方决定终止进程。
func New(cfg config.RunnerConfig, paths config.PathsConfig, registry ContainerRegistry, m *metrics.Metrics) (*Runner, error) {
	cli, err := client.New(client.FromEnv)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Runner{
		cfg:      cfg,
		paths:    paths,
		backends: NewRegistry(),
		docker:   cli,
		registry: registry,
		metrics:  m,
	}, nil
}

// Close 关闭 Docker 客户端
func (r *Runner) Close() error {
	return r.docker.Close()
}

// Ping 检查 Docker 连接
func (r *Runner) Ping(ctx context.Context) error {
	_, err := r.docker.Ping(ctx, client.PingOptions{})
	return err
}

// Invoke 单次调用：写入 stdin 后关闭，等待进程退出并解析结果
//
// 错误以结果值表达（Status=error），从不跨进程边界抛出。
// timeout 为 0 时使用全局默认。
func (r *Runner) Invoke(ctx context.Context, input model.ContainerInvocationInput, timeout time.Duration) *model.ContainerInvocationOutput {
	input.Streaming = false
	return r.run(ctx, input, timeout, nil)
}

// InvokeStreaming 流式多轮调用
//
// 保持 stdin 打开，沙箱进程自行轮询 input/ 信箱获取追问与关闭哨兵，
// 每产出一个哨兵包就回调 onOutput（便于即时转发出站消息）。
// 返回最后一个结构化输出。
func (r *Runner) InvokeStreaming(ctx context.Context, input model.ContainerInvocationInput, timeout time.Duration, onOutput OutputFunc) *model.ContainerInvocationOutput {
	input.Streaming = true
	return r.run(ctx, input, timeout, onOutput)
}

func (r *Runner) run(ctx context.Context, input model.ContainerInvocationInput, timeout time.Duration, onOutput OutputFunc) *model.ContainerInvocationOutput {
	start := time.Now()
	if timeout <= 0 {
		timeout = r.cfg.Timeout
	}

	backend, err := r.backends.Get(input.AgentBackend)
	if err != nil {
		return r.errResult(input, nil, start, err.Error())
	}

	envDir, err := WriteFilteredEnv(r.paths.EnvFile, r.cfg.SecretAllowlist, input, backend.DefaultModel())
	if err != nil {
		return r.errResult(input, nil, start, fmt.Sprintf("prepare env: %v", err))
	}
	defer os.RemoveAll(envDir)

	mounts, err := BuildMounts(r.paths, input, envDir)
	if err != nil {
		return r.errResult(input, nil, start, fmt.Sprintf("build mounts: %v", err))
	}

	// 唯一容器名：时间 + 清洗后的会话目录，避免冲突并支持按名 stop/kill
	name := containerName(input.ConversationFolder)

	args := []string{"run", "--rm", "-i", "--name", name}
	for _, m := range mounts {
		args = append(args, "-v", m.String())
	}
	args = append(args, "-w", targetGroup, r.cfg.Image)
	args = append(args, backend.Command()...)

	cmd := exec.Command("docker", args...)

	stdoutBuf := newCappedBuffer(r.cfg.OutputCap)
	stderrBuf := newCappedBuffer(r.cfg.OutputCap)
	cmd.Stderr = stderrBuf

	var streamDone chan struct{}
	if onOutput == nil {
		cmd.Stdout = stdoutBuf
	} else {
		stdout, perr := cmd.StdoutPipe()
		if perr != nil {
			return r.errResult(input, nil, start, fmt.Sprintf("stdout pipe: %v", perr))
		}
		streamDone = make(chan struct{})
		go func() {
			defer close(streamDone)
			streamBlocks(stdout, stdoutBuf, onOutput)
		}()
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return r.errResult(input, nil, start, fmt.Sprintf("stdin pipe: %v", err))
	}

	log.Printf("[runner.spawn] container=%s key=%s backend=%s streaming=%v timeout=%s",
		name, input.ConversationKey, input.AgentBackend, input.Streaming, timeout)

	if err := cmd.Start(); err != nil {
		return r.errResult(input, nil, start, fmt.Sprintf("spawn container: %v", err))
	}

	if r.registry != nil {
		r.registry.RegisterRunningContainer(input.ConversationKey, cmd.Process, name, input.ConversationFolder, input.Streaming)
		defer r.registry.UnregisterRunningContainer(input.ConversationKey)
	}

	// 序列化输入写入 stdin；单次模式随即关闭，
	// 流式模式保持打开（追问走 input/ 信箱，不走 stdin）
	payload, _ := json.Marshal(input)
	stdin.Write(payload)
	stdin.Write([]byte("\n"))
	if !input.Streaming {
		stdin.Close()
	}

	var timedOut, cancelled atomic.Bool
	waitDone := make(chan struct{})

	timer := time.AfterFunc(timeout, func() {
		timedOut.Store(true)
		r.stopContainer(name, cmd, waitDone)
	})
	defer timer.Stop()

	go func() {
		select {
		case <-ctx.Done():
			cancelled.Store(true)
			r.stopContainer(name, cmd, waitDone)
		case <-waitDone:
		}
	}()

	waitErr := cmd.Wait()
	close(waitDone)
	if streamDone != nil {
		<-streamDone
	}
	if input.Streaming {
		stdin.Close()
	}
	duration := time.Since(start)

	if r.metrics != nil {
		if stdoutBuf.Truncated() {
			r.metrics.OutputTruncations.WithLabelValues("stdout").Inc()
		}
		if stderrBuf.Truncated() {
			r.metrics.OutputTruncations.WithLabelValues("stderr").Inc()
		}
	}

	// 超时永远是错误结果，不把部分输出当成功返回
	var out *model.ContainerInvocationOutput
	switch {
	case timedOut.Load():
		out = errOutput(fmt.Sprintf("invocation timed out after %s", timeout))
	case cancelled.Load():
		out = errOutput("invocation cancelled")
	case waitErr != nil:
		out = errOutput(fmt.Sprintf("container exited with error: %v, stderr: %s", waitErr, tail(stderrBuf.String(), 2000)))
	default:
		parsed, perr := ParseOutput(stdoutBuf.String())
		if perr != nil {
			out = errOutput(fmt.Sprintf("parse container output: %v", perr))
		} else {
			out = parsed
		}
	}

	r.writeAudit(auditRecord{
		Timestamp:       start,
		Container:       name,
		ConversationKey: input.ConversationKey,
		Backend:         string(input.AgentBackend),
		DurationMs:      duration.Milliseconds(),
		ExitCode:        exitCode(waitErr),
		StdoutTruncated: stdoutBuf.Truncated(),
		StderrTruncated: stderrBuf.Truncated(),
		Status:          string(out.Status),
		Error:           out.Error,
	}, input, mounts, stdoutBuf.String(), stderrBuf.String())

	if r.metrics != nil {
		r.metrics.RecordInvocation(string(input.AgentBackend), string(out.Status), duration)
	}
	log.Printf("[runner.done] container=%s status=%s duration_ms=%d exit_code=%d",
		name, out.Status, duration.Milliseconds(), exitCode(waitErr))
	return out
}

// stopContainer 先按名优雅停止，宽限期后仍未退出则强杀进程
func (r *Runner) stopContainer(name string, cmd *exec.Cmd, waitDone <-chan struct{}) {
	sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if _, err := r.docker.ContainerStop(sctx, name, client.ContainerStopOptions{}); err != nil {
		if !errdefs.IsNotFound(err) {
			log.Printf("[runner.stop.failed] container=%s error=%v", name, err)
		}
	}

	select {
	case <-waitDone:
		return
	case <-time.After(20 * time.Second):
	}

	log.Printf("[runner.kill] container=%s", name)
	if _, err := r.docker.ContainerRemove(sctx, name, client.ContainerRemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
		log.Printf("[runner.remove.failed] container=%s error=%v", name, err)
	}
	if cmd.Process != nil {
		cmd.Process.Kill()
	}
}

func (r *Runner) errResult(input model.ContainerInvocationInput, mounts []Mount, start time.Time, msg string) *model.ContainerInvocationOutput {
	out := errOutput(msg)
	r.writeAudit(auditRecord{
		Timestamp:       start,
		ConversationKey: input.ConversationKey,
		Backend:         string(input.AgentBackend),
		DurationMs:      time.Since(start).Milliseconds(),
		ExitCode:        -1,
		Status:          string(out.Status),
		Error:           msg,
	}, input, mounts, "", "")
	if r.metrics != nil {
		r.metrics.RecordInvocation(string(input.AgentBackend), string(out.Status), time.Since(start))
	}
	log.Printf("[runner.failed] key=%s error=%s", input.ConversationKey, msg)
	return out
}

func errOutput(msg string) *model.ContainerInvocationOutput {
	return &model.ContainerInvocationOutput{
		Status: model.InvocationError,
		Error:  msg,
	}
}

func exitCode(waitErr error) int {
	if waitErr == nil {
		return 0
	}
	if ee, ok := waitErr.(*exec.ExitError); ok {
		return ee.ExitCode()
	}
	return -1
}

var nameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

// containerName 生成唯一容器名：nanoclaw_<会话目录>_<纳秒时间戳>
func containerName(folder string) string {
	return fmt.Sprintf("nanoclaw_%s_%d", nameSanitizer.ReplaceAllString(folder, "_"), time.Now().UnixNano())
}
