// Package runner 凭据过滤测试
package runner

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/joho/godotenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nanoclaw/internal/model"
)

// TestWriteFilteredEnv 验证白名单过滤与模型注入
func TestWriteFilteredEnv(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envFile, []byte(
		"ANTHROPIC_API_KEY=sk-ant-test\n"+
			"DB_PASSWORD=super-secret\n"+
			"OPENAI_API_KEY=sk-oai-test\n"), 0o644))

	dir, err := WriteFilteredEnv(envFile, []string{"ANTHROPIC_API_KEY"}, model.ContainerInvocationInput{
		AgentBackend: model.AgentBackendClaude,
		Model:        "claude-opus-4",
	}, "claude-sonnet-4-5")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	got, err := godotenv.Read(filepath.Join(dir, ".env"))
	require.NoError(t, err)

	assert.Equal(t, "sk-ant-test", got["ANTHROPIC_API_KEY"])
	assert.Equal(t, "claude-opus-4", got["NANOCLAW_MODEL"])
	assert.Equal(t, "claude", got["NANOCLAW_AGENT_BACKEND"])

	// 白名单之外的凭据按构造排除
	_, leaked := got["DB_PASSWORD"]
	assert.False(t, leaked)
	_, leaked = got["OPENAI_API_KEY"]
	assert.False(t, leaked)
}

// TestWriteFilteredEnv_DefaultModel 验证未覆盖时使用后端默认模型
func TestWriteFilteredEnv_DefaultModel(t *testing.T) {
	dir, err := WriteFilteredEnv("", nil, model.ContainerInvocationInput{
		AgentBackend: model.AgentBackendCodex,
	}, "gpt-5-codex")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	got, err := godotenv.Read(filepath.Join(dir, ".env"))
	require.NoError(t, err)
	assert.Equal(t, "gpt-5-codex", got["NANOCLAW_MODEL"])
	assert.Equal(t, "codex", got["NANOCLAW_AGENT_BACKEND"])
}

// TestWriteFilteredEnv_HostEnvFallback 验证 .env 缺项时回退宿主环境变量
func TestWriteFilteredEnv_HostEnvFallback(t *testing.T) {
	t.Setenv("NANOCLAW_TEST_TOKEN", "from-host-env")

	dir, err := WriteFilteredEnv("", []string{"NANOCLAW_TEST_TOKEN", "NANOCLAW_TEST_ABSENT"}, model.ContainerInvocationInput{
		AgentBackend: model.AgentBackendClaude,
	}, "claude-sonnet-4-5")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	got, err := godotenv.Read(filepath.Join(dir, ".env"))
	require.NoError(t, err)
	assert.Equal(t, "from-host-env", got["NANOCLAW_TEST_TOKEN"])
	_, ok := got["NANOCLAW_TEST_ABSENT"]
	assert.False(t, ok)
}

// TestRegistry 验证后端注册表
func TestRegistry(t *testing.T) {
	r := NewRegistry()

	claude, err := r.Get(model.AgentBackendClaude)
	require.NoError(t, err)
	assert.Equal(t, model.AgentBackendClaude, claude.Name())
	assert.NotEmpty(t, claude.Command())
	assert.NotEmpty(t, claude.DefaultModel())

	codex, err := r.Get(model.AgentBackendCodex)
	require.NoError(t, err)
	assert.Equal(t, model.AgentBackendCodex, codex.Name())

	_, err = r.Get("gemini")
	assert.Error(t, err)
}
