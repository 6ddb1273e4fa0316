// Package main Mock Agent - 模拟沙箱内的 Agent 进程
//
// 实现与宿主约定的完整协议：从 stdin 读 ContainerInvocationInput，
// 输出哨兵包裹的 ContainerInvocationOutput；流式模式下轮询
// /workspace/ipc/input/ 的追问文件并响应 _close 哨兵。
// 用于开发环境镜像和端到端测试。
//
// 通过 prompt 内容触发故障模式：
//
//	FAIL  以 error 状态返回
//	CRASH 非零退出且不输出哨兵
//	HANG  挂起不退出（测试超时强制终止）
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"nanoclaw/internal/model"
)

const (
	outputStart = "---NANOCLAW_OUTPUT_START---"
	outputEnd   = "---NANOCLAW_OUTPUT_END---"

	ipcDir        = "/workspace/ipc"
	inputDir      = "input"
	closeSentinel = "_close"
)

func main() {
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		fmt.Fprintf(os.Stderr, "mock-agent: read stdin: %v\n", err)
		os.Exit(1)
	}

	input := model.ContainerInvocationInput{}
	if err := json.Unmarshal([]byte(line), &input); err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: parse input: %v\n", err)
		os.Exit(1)
	}

	switch {
	case strings.Contains(input.Prompt, "HANG"):
		select {}
	case strings.Contains(input.Prompt, "CRASH"):
		fmt.Fprintln(os.Stderr, "mock-agent: simulated crash")
		os.Exit(2)
	case strings.Contains(input.Prompt, "FAIL"):
		emit(model.ContainerInvocationOutput{
			Status: model.InvocationError,
			Error:  "simulated agent failure",
		})
		return
	}

	sessionID := input.ResumeSessionID
	if sessionID == "" {
		sessionID = fmt.Sprintf("mock-session-%d", time.Now().UnixNano())
	}

	emit(model.ContainerInvocationOutput{
		Status:       model.InvocationSuccess,
		Result:       echoResult(input.Prompt),
		NewSessionID: sessionID,
	})

	if !input.Streaming {
		return
	}

	// 流式模式：轮询追问，观察到 _close 即退出
	in := filepath.Join(ipcDir, inputDir)
	for {
		if _, err := os.Stat(filepath.Join(in, closeSentinel)); err == nil {
			return
		}

		entries, err := os.ReadDir(in)
		if err != nil {
			time.Sleep(500 * time.Millisecond)
			continue
		}
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, "_") {
				continue
			}
			path := filepath.Join(in, name)
			data, err := os.ReadFile(path)
			os.Remove(path)
			if err != nil {
				continue
			}
			followup := model.InboundPrompt{}
			if err := json.Unmarshal(data, &followup); err != nil {
				continue
			}
			emit(model.ContainerInvocationOutput{
				Status:       model.InvocationSuccess,
				Result:       echoResult(followup.Prompt),
				NewSessionID: sessionID,
			})
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func echoResult(prompt string) string {
	return fmt.Sprintf("mock reply to: %s", firstLine(prompt))
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func emit(out model.ContainerInvocationOutput) {
	b, _ := json.Marshal(out)
	fmt.Println(outputStart)
	fmt.Println(string(b))
	fmt.Println(outputEnd)
}
