// Package runner 凭据过滤
package runner

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"nanoclaw/internal/model"
)

// WriteFilteredEnv 生成本次调用的过滤凭据目录
//
// 只把白名单内的变量名从宿主 .env 复制进沙箱可见的 env 文件，
// 其余一律按构造排除——而不是事后剔除。模型等覆盖值注入到该文件
// 而非作为裸环境变量传递，绕开宿主/容器环境变量透传的已知问题。
//
// 返回的目录以只读方式挂入容器（mounts.go 第 4 步），用后由调用方清理。
func WriteFilteredEnv(envFile string, allowlist []string, input model.ContainerInvocationInput, defaultModel string) (string, error) {
	host := map[string]string{}
	if envFile != "" {
		if parsed, err := godotenv.Read(envFile); err == nil {
			host = parsed
		}
	}

	filtered := make(map[string]string)
	for _, key := range allowlist {
		if v, ok := host[key]; ok {
			filtered[key] = v
		} else if v := os.Getenv(key); v != "" {
			filtered[key] = v
		}
	}

	mdl := input.Model
	if mdl == "" {
		mdl = defaultModel
	}
	filtered["NANOCLAW_MODEL"] = mdl
	filtered["NANOCLAW_AGENT_BACKEND"] = string(input.AgentBackend)

	dir, err := os.MkdirTemp("", "nanoclaw-env-")
	if err != nil {
		return "", fmt.Errorf("create env dir: %w", err)
	}
	if err := godotenv.Write(filtered, filepath.Join(dir, ".env")); err != nil {
		os.RemoveAll(dir)
		return "", fmt.Errorf("write filtered env: %w", err)
	}
	return dir, nil
}
