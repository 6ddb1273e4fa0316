// Package runner 挂载集构建
//
// 每次调用按固定优先级构建挂载集：
//  1. 主会话：宿主项目根读写 + 会话目录读写；
//     非主会话：仅会话目录读写（+ 共享只读记忆目录，如存在）
//  2. 按 (会话, 后端) 隔离的 Session 状态目录读写
//  3. 会话专属 IPC 信箱目录读写（唯一控制面通道）
//  4. 白名单过滤后的凭据文件目录只读
//  5. 会话自带的额外挂载，逐条对照项目树之外的白名单校验
package runner

import (
	"fmt"
	"os"
	"path/filepath"

	"nanoclaw/internal/config"
	"nanoclaw/internal/model"

	"gopkg.in/yaml.v3"
)

// 容器内的固定挂载点
const (
	targetProject = "/workspace/project"
	targetGroup   = "/workspace/group"
	targetMemory  = "/workspace/global"
	targetSession = "/workspace/session"
	targetIPC     = "/workspace/ipc"
	targetEnv     = "/workspace/env"
)

// Mount 单条挂载
type Mount struct {
	Source   string `yaml:"source"`
	Target   string `yaml:"target"`
	ReadOnly bool   `yaml:"read_only"`
}

// String 返回 docker -v 形式
func (m Mount) String() string {
	s := m.Source + ":" + m.Target
	if m.ReadOnly {
		s += ":ro"
	}
	return s
}

// mountAllowlist 项目树之外的白名单文件结构
//
// 该文件自身永远不可被挂入沙箱：会话即使能改写仓库内配置，
// 也改不了白名单。
type mountAllowlist struct {
	Allowed []Mount `yaml:"allowed"`
}

// groupMountConfig 会话目录内的额外挂载请求（mounts.yaml）
type groupMountConfig struct {
	Mounts []Mount `yaml:"mounts"`
}

// BuildMounts 构建一次调用的完整挂载集
//
// envDir 是本次调用的过滤凭据目录（由 WriteFilteredEnv 产生）。
func BuildMounts(paths config.PathsConfig, input model.ContainerInvocationInput, envDir string) ([]Mount, error) {
	groupDir := filepath.Join(paths.GroupsDir, input.ConversationFolder)
	var mounts []Mount

	// 1. 项目根 / 会话目录
	if input.IsMain {
		root, err := filepath.Abs(paths.ProjectRoot)
		if err != nil {
			return nil, fmt.Errorf("resolve project root: %w", err)
		}
		mounts = append(mounts, Mount{Source: root, Target: targetProject})
	}
	mounts = append(mounts, Mount{Source: groupDir, Target: targetGroup})
	if !input.IsMain && paths.GlobalMemoryDir != "" {
		if _, err := os.Stat(paths.GlobalMemoryDir); err == nil {
			mounts = append(mounts, Mount{Source: paths.GlobalMemoryDir, Target: targetMemory, ReadOnly: true})
		}
	}

	// 2. Session 状态目录：按 (会话, 后端) 隔离，
	//    避免共用会话目录的不同后端互相泄漏 Session 文件
	sessionDir := filepath.Join(paths.SessionsDir, input.ConversationFolder, string(input.AgentBackend))
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	mounts = append(mounts, Mount{Source: sessionDir, Target: targetSession})

	// 3. IPC 信箱：会话之间互不可见
	ipcDir := filepath.Join(paths.IPCRoot, input.ConversationFolder)
	mounts = append(mounts, Mount{Source: ipcDir, Target: targetIPC})

	// 4. 过滤后的凭据目录，只读
	mounts = append(mounts, Mount{Source: envDir, Target: targetEnv, ReadOnly: true})

	// 5. 会话自带的额外挂载，逐条对白名单校验
	extra, err := loadGroupMounts(groupDir)
	if err != nil {
		return nil, err
	}
	if len(extra) > 0 {
		allowed, err := loadAllowlist(paths.MountAllowlist)
		if err != nil {
			return nil, err
		}
		for _, m := range extra {
			if !mountAllowed(m, allowed) {
				return nil, fmt.Errorf("mount not in allowlist: %s", m.Source)
			}
			mounts = append(mounts, m)
		}
	}

	return mounts, nil
}

// loadGroupMounts 读取会话目录内的 mounts.yaml（可缺省）
func loadGroupMounts(groupDir string) ([]Mount, error) {
	data, err := os.ReadFile(filepath.Join(groupDir, "mounts.yaml"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read group mounts: %w", err)
	}
	var cfg groupMountConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse group mounts: %w", err)
	}
	return cfg.Mounts, nil
}

// loadAllowlist 读取额外挂载白名单
//
// 白名单路径未配置时视为空名单：任何额外挂载都被拒绝。
func loadAllowlist(path string) ([]Mount, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read mount allowlist: %w", err)
	}
	var list mountAllowlist
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("parse mount allowlist: %w", err)
	}
	return list.Allowed, nil
}

// mountAllowed 校验请求的挂载是否被白名单覆盖
//
// source 必须精确匹配白名单条目；白名单标记只读的条目
// 不允许请求成读写。
func mountAllowed(m Mount, allowed []Mount) bool {
	src := filepath.Clean(m.Source)
	for _, a := range allowed {
		if filepath.Clean(a.Source) != src {
			continue
		}
		if a.ReadOnly && !m.ReadOnly {
			return false
		}
		return true
	}
	return false
}
