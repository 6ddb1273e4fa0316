// Package mailbox 文件信箱 IPC 原语
//
// 提供宿主与沙箱之间唯一的控制面通道：基于目录的原子写文件队列。
// 写入一律先写 <name>.tmp 再 rename，读方只会看到完整文件。
// 本包不含业务逻辑，只有文件系统原语。
package mailbox

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// 信箱目录布局（相对于 <ipc-root>/<folder>/）
const (
	DirMessages = "messages" // 出站：message / file
	DirTasks    = "tasks"    // 出站：任务与控制类动作
	DirInput    = "input"    // 入站（流式）：追问 prompt
	DirErrors   = "errors"   // 解析/授权失败的消息归档（IPC 根目录下共享）

	// CloseSentinel input/ 下的关闭哨兵，存在即触发活容器优雅关闭
	CloseSentinel = "_close"

	// FileCurrentTasks 宿主→沙箱的定时任务快照
	FileCurrentTasks = "current_tasks.json"

	// FileAvailableGroups 宿主→沙箱的可发现会话快照
	FileAvailableGroups = "available_groups.json"
)

// EnsureLayout 创建会话信箱目录结构
func EnsureLayout(conversationDir string) error {
	for _, sub := range []string{DirMessages, DirTasks, DirInput} {
		if err := os.MkdirAll(filepath.Join(conversationDir, sub), 0o755); err != nil {
			return fmt.Errorf("create mailbox dir %s: %w", sub, err)
		}
	}
	return nil
}

// WriteAtomic 原子写文件：先写 path.tmp，再 rename 到 path
func WriteAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// WriteJSON 原子写 JSON 文件
func WriteJSON(path string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal mailbox payload: %w", err)
	}
	return WriteAtomic(path, data)
}

// Deposit 向信箱目录投递一条 JSON 消息，文件名保证目录内字典序即投递序
func Deposit(dir string, v interface{}) (string, error) {
	b := make([]byte, 4)
	rand.Read(b)
	name := fmt.Sprintf("%d-%s.json", time.Now().UnixNano(), hex.EncodeToString(b))
	path := filepath.Join(dir, name)
	if err := WriteJSON(path, v); err != nil {
		return "", err
	}
	return path, nil
}

// List 列出目录下全部 .json 消息文件（字典序，即投递序）
//
// 跳过 .tmp 中间文件和下划线开头的哨兵/快照文件。目录不存在时返回空。
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read mailbox dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, "_") {
			continue
		}
		files = append(files, filepath.Join(dir, name))
	}
	sort.Strings(files)
	return files, nil
}

// ReadJSON 读取并解析一条消息
func ReadJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read mailbox file: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse mailbox file: %w", err)
	}
	return nil
}

// Consume 删除一条已处理的消息（恰好一次消费的删除侧）
func Consume(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("consume mailbox file: %w", err)
	}
	return nil
}

// MoveToErrors 将解析或授权失败的消息移入错误目录
//
// 失败消息从不静默丢弃，也从不重复处理。文件名加时间戳前缀避免冲突。
func MoveToErrors(path, errorsDir string) error {
	if err := os.MkdirAll(errorsDir, 0o755); err != nil {
		return fmt.Errorf("create errors dir: %w", err)
	}
	dest := filepath.Join(errorsDir, fmt.Sprintf("%d-%s", time.Now().UnixNano(), filepath.Base(path)))
	if err := os.Rename(path, dest); err != nil {
		return fmt.Errorf("move to errors dir: %w", err)
	}
	return nil
}

// WriteCloseSentinel 写入关闭哨兵，活容器的读循环观察到后优雅退出
func WriteCloseSentinel(conversationDir string) error {
	inputDir := filepath.Join(conversationDir, DirInput)
	if err := os.MkdirAll(inputDir, 0o755); err != nil {
		return fmt.Errorf("create input dir: %w", err)
	}
	return WriteAtomic(filepath.Join(inputDir, CloseSentinel), []byte("close"))
}

// HasCloseSentinel 判断关闭哨兵是否存在（沙箱侧轮询用）
func HasCloseSentinel(conversationDir string) bool {
	_, err := os.Stat(filepath.Join(conversationDir, DirInput, CloseSentinel))
	return err == nil
}

// ClearInput 清空入站信箱（新容器启动前的防御性清理）
//
// 删除上一个容器实例遗留的追问文件和关闭哨兵。
func ClearInput(conversationDir string) error {
	inputDir := filepath.Join(conversationDir, DirInput)
	entries, err := os.ReadDir(inputDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read input dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		os.Remove(filepath.Join(inputDir, e.Name()))
	}
	return nil
}
