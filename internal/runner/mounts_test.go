// Package runner 挂载集构建测试
package runner

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nanoclaw/internal/config"
	"nanoclaw/internal/model"
)

func testPaths(t *testing.T) config.PathsConfig {
	t.Helper()
	root := t.TempDir()
	p := config.PathsConfig{
		ProjectRoot:     filepath.Join(root, "project"),
		GroupsDir:       filepath.Join(root, "groups"),
		IPCRoot:         filepath.Join(root, "ipc"),
		SessionsDir:     filepath.Join(root, "sessions"),
		GlobalMemoryDir: filepath.Join(root, "global-memory"),
	}
	require.NoError(t, os.MkdirAll(p.ProjectRoot, 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(p.GroupsDir, "dev-team"), 0o755))
	return p
}

func targetsOf(mounts []Mount) map[string]Mount {
	byTarget := make(map[string]Mount, len(mounts))
	for _, m := range mounts {
		byTarget[m.Target] = m
	}
	return byTarget
}

// TestBuildMounts_Main 验证主会话挂载集：项目根读写 + 无共享记忆
func TestBuildMounts_Main(t *testing.T) {
	paths := testPaths(t)
	require.NoError(t, os.MkdirAll(paths.GlobalMemoryDir, 0o755))
	envDir := t.TempDir()

	mounts, err := BuildMounts(paths, model.ContainerInvocationInput{
		ConversationFolder: "dev-team",
		IsMain:             true,
		AgentBackend:       model.AgentBackendClaude,
	}, envDir)
	require.NoError(t, err)

	byTarget := targetsOf(mounts)

	project, ok := byTarget[targetProject]
	require.True(t, ok)
	assert.False(t, project.ReadOnly)

	group, ok := byTarget[targetGroup]
	require.True(t, ok)
	assert.False(t, group.ReadOnly)
	assert.Equal(t, filepath.Join(paths.GroupsDir, "dev-team"), group.Source)

	// 主会话不挂共享记忆
	_, ok = byTarget[targetMemory]
	assert.False(t, ok)

	session, ok := byTarget[targetSession]
	require.True(t, ok)
	assert.Equal(t, filepath.Join(paths.SessionsDir, "dev-team", "claude"), session.Source)

	ipc, ok := byTarget[targetIPC]
	require.True(t, ok)
	assert.Equal(t, filepath.Join(paths.IPCRoot, "dev-team"), ipc.Source)

	env, ok := byTarget[targetEnv]
	require.True(t, ok)
	assert.True(t, env.ReadOnly)
	assert.Equal(t, envDir, env.Source)
}

// TestBuildMounts_NonMain 验证非主会话：无项目根、共享记忆只读
func TestBuildMounts_NonMain(t *testing.T) {
	paths := testPaths(t)
	require.NoError(t, os.MkdirAll(paths.GlobalMemoryDir, 0o755))

	mounts, err := BuildMounts(paths, model.ContainerInvocationInput{
		ConversationFolder: "dev-team",
		AgentBackend:       model.AgentBackendCodex,
	}, t.TempDir())
	require.NoError(t, err)

	byTarget := targetsOf(mounts)

	_, ok := byTarget[targetProject]
	assert.False(t, ok)

	memory, ok := byTarget[targetMemory]
	require.True(t, ok)
	assert.True(t, memory.ReadOnly)

	// Session 目录按后端隔离
	session := byTarget[targetSession]
	assert.Equal(t, filepath.Join(paths.SessionsDir, "dev-team", "codex"), session.Source)
}

// TestBuildMounts_MemoryDirMissing 验证共享记忆目录不存在时跳过
func TestBuildMounts_MemoryDirMissing(t *testing.T) {
	paths := testPaths(t)

	mounts, err := BuildMounts(paths, model.ContainerInvocationInput{
		ConversationFolder: "dev-team",
		AgentBackend:       model.AgentBackendClaude,
	}, t.TempDir())
	require.NoError(t, err)

	_, ok := targetsOf(mounts)[targetMemory]
	assert.False(t, ok)
}

// TestBuildMounts_ExtraDeniedWithoutAllowlist 验证无白名单时额外挂载一律拒绝
func TestBuildMounts_ExtraDeniedWithoutAllowlist(t *testing.T) {
	paths := testPaths(t)
	groupDir := filepath.Join(paths.GroupsDir, "dev-team")
	require.NoError(t, os.WriteFile(filepath.Join(groupDir, "mounts.yaml"), []byte(`
mounts:
  - source: /opt/shared-docs
    target: /workspace/docs
    read_only: true
`), 0o644))

	_, err := BuildMounts(paths, model.ContainerInvocationInput{
		ConversationFolder: "dev-team",
		AgentBackend:       model.AgentBackendClaude,
	}, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not in allowlist")
}

// TestBuildMounts_ExtraAllowlisted 验证白名单覆盖的额外挂载被接受
func TestBuildMounts_ExtraAllowlisted(t *testing.T) {
	paths := testPaths(t)
	groupDir := filepath.Join(paths.GroupsDir, "dev-team")
	require.NoError(t, os.WriteFile(filepath.Join(groupDir, "mounts.yaml"), []byte(`
mounts:
  - source: /opt/shared-docs
    target: /workspace/docs
    read_only: true
`), 0o644))

	allowlist := filepath.Join(t.TempDir(), "allowlist.yaml")
	require.NoError(t, os.WriteFile(allowlist, []byte(`
allowed:
  - source: /opt/shared-docs
    read_only: true
`), 0o644))
	paths.MountAllowlist = allowlist

	mounts, err := BuildMounts(paths, model.ContainerInvocationInput{
		ConversationFolder: "dev-team",
		AgentBackend:       model.AgentBackendClaude,
	}, t.TempDir())
	require.NoError(t, err)

	extra, ok := targetsOf(mounts)["/workspace/docs"]
	require.True(t, ok)
	assert.True(t, extra.ReadOnly)
}

// TestMountAllowed_ReadOnlyEscalation 验证只读白名单条目拒绝读写请求
func TestMountAllowed_ReadOnlyEscalation(t *testing.T) {
	allowed := []Mount{{Source: "/opt/shared-docs", ReadOnly: true}}

	assert.True(t, mountAllowed(Mount{Source: "/opt/shared-docs", ReadOnly: true}, allowed))
	assert.False(t, mountAllowed(Mount{Source: "/opt/shared-docs", ReadOnly: false}, allowed))
	assert.False(t, mountAllowed(Mount{Source: "/opt/other", ReadOnly: true}, allowed))

	// 路径清洗后精确匹配
	assert.True(t, mountAllowed(Mount{Source: "/opt/shared-docs/", ReadOnly: true}, allowed))
	assert.False(t, mountAllowed(Mount{Source: "/opt/shared-docs/../secrets", ReadOnly: true}, allowed))
}

// TestMount_String 验证 docker -v 形式
func TestMount_String(t *testing.T) {
	assert.Equal(t, "/a:/b", Mount{Source: "/a", Target: "/b"}.String())
	assert.Equal(t, "/a:/b:ro", Mount{Source: "/a", Target: "/b", ReadOnly: true}.String())
}
