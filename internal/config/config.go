// Package config 统一配置管理
//
// 配置加载策略：
//  1. 从 .env 加载敏感信息（凭据）和 APP_ENV
//  2. 根据 APP_ENV 加载对应的 configs/{env}.yaml 配置文件
//  3. 环境变量可覆盖关键路径配置
//
// 使用方式：
//   - 开发环境: APP_ENV=dev (默认)
//   - 测试环境: APP_ENV=test
//   - 生产环境: APP_ENV=prod
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment 环境类型
type Environment string

const (
	EnvProduction  Environment = "prod"
	EnvTest        Environment = "test"
	EnvDevelopment Environment = "dev"
)

// YAMLConfig YAML 配置文件结构
type YAMLConfig struct {
	Paths     PathsConfig     `yaml:"paths"`
	Queue     QueueConfig     `yaml:"queue"`
	Runner    RunnerConfig    `yaml:"runner"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	IPC       IPCConfig       `yaml:"ipc"`
	Admin     AdminConfig     `yaml:"admin"`
}

// PathsConfig 宿主路径配置
type PathsConfig struct {
	// ProjectRoot 宿主项目根目录（仅主会话可读写挂载）
	ProjectRoot string `yaml:"project_root"`

	// GroupsDir 各会话工作目录的根目录
	GroupsDir string `yaml:"groups_dir"`

	// IPCRoot 信箱根目录
	IPCRoot string `yaml:"ipc_root"`

	// SessionsDir 按 (会话, 后端) 隔离的 Agent 会话状态根目录
	SessionsDir string `yaml:"sessions_dir"`

	// GlobalMemoryDir 共享只读记忆目录（可选，非主会话只读挂载）
	GlobalMemoryDir string `yaml:"global_memory_dir"`

	// StorePath SQLite 数据库文件
	StorePath string `yaml:"store_path"`

	// EnvFile 宿主凭据文件（按白名单过滤后注入沙箱）
	EnvFile string `yaml:"env_file"`

	// MountAllowlist 额外挂载白名单文件（必须位于项目树之外）
	MountAllowlist string `yaml:"mount_allowlist"`

	// AuditDir 容器调用审计日志目录
	AuditDir string `yaml:"audit_dir"`
}

// QueueConfig Group Queue 配置
type QueueConfig struct {
	// MaxConcurrent 全局并发容器上限
	MaxConcurrent int `yaml:"max_concurrent"`

	// MaxRetries 单 key 的最大重试次数
	MaxRetries int `yaml:"max_retries"`

	// BaseRetry 指数退避基数（5s, 10s, 20s, ...）
	BaseRetry time.Duration `yaml:"base_retry"`

	// ShutdownWait 优雅关闭等待时长
	ShutdownWait time.Duration `yaml:"shutdown_wait"`
}

// RunnerConfig Container Runner 配置
type RunnerConfig struct {
	// Image 沙箱容器镜像
	Image string `yaml:"image"`

	// Timeout 单次调用超时（会话可覆盖）
	Timeout time.Duration `yaml:"timeout"`

	// OutputCap stdout/stderr 各自的捕获上限（字节）
	OutputCap int64 `yaml:"output_cap"`

	// SecretAllowlist 注入沙箱的凭据变量名白名单
	SecretAllowlist []string `yaml:"secret_allowlist"`

	// Verbose 审计日志是否包含完整输入/挂载/输出
	Verbose bool `yaml:"verbose"`
}

// SchedulerConfig Task Scheduler 配置
type SchedulerConfig struct {
	// PollInterval 到期检查轮询间隔
	PollInterval time.Duration `yaml:"poll_interval"`

	// Timezone cron 表达式求值时区（IANA 名称）
	Timezone string `yaml:"timezone"`

	// IdleTimeout 流式任务的空闲计时器
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// IPCConfig IPC Watcher 配置
type IPCConfig struct {
	// PollInterval 出站信箱轮询间隔
	PollInterval time.Duration `yaml:"poll_interval"`
}

// AdminConfig 管理端口配置（/health + /metrics）
type AdminConfig struct {
	Port string `yaml:"port"`
}

// Config 应用配置（最终使用的配置）
type Config struct {
	Env       Environment
	Paths     PathsConfig
	Queue     QueueConfig
	Runner    RunnerConfig
	Scheduler SchedulerConfig
	IPC       IPCConfig
	Admin     AdminConfig
}

var configPaths = []string{
	"configs",
	"../configs",
	"../../configs",
	"../../../configs",
}

var envPaths = []string{
	".env",
	"../.env",
	"../../.env",
	"../../../.env",
}

// Load 加载配置
// 1. 加载 .env（凭据 + APP_ENV）
// 2. 根据 APP_ENV 加载 configs/{env}.yaml
// 3. 构建最终配置
func Load() *Config {
	for _, p := range envPaths {
		if err := godotenv.Load(p); err == nil {
			break
		}
	}

	env := parseEnv(getEnv("APP_ENV", "dev"))
	yamlCfg := loadYAMLConfig(env)

	cfg := &Config{
		Env:       env,
		Paths:     yamlCfg.Paths,
		Queue:     yamlCfg.Queue,
		Runner:    yamlCfg.Runner,
		Scheduler: yamlCfg.Scheduler,
		IPC:       yamlCfg.IPC,
		Admin:     yamlCfg.Admin,
	}

	// 环境变量覆盖关键路径（部署时免改 YAML）
	if v := os.Getenv("NANOCLAW_DATA_DIR"); v != "" {
		cfg.Paths.applyDataDir(v)
	}
	if v := os.Getenv("NANOCLAW_IMAGE"); v != "" {
		cfg.Runner.Image = v
	}

	cfg.validate()
	return cfg
}

// loadYAMLConfig 加载 YAML 配置文件
// 加载顺序：默认值 → common.yaml → {env}.yaml
func loadYAMLConfig(env Environment) *YAMLConfig {
	cfg := &YAMLConfig{
		Paths: PathsConfig{
			ProjectRoot:     ".",
			GroupsDir:       "data/groups",
			IPCRoot:         "data/ipc",
			SessionsDir:     "data/sessions",
			GlobalMemoryDir: "data/global-memory",
			StorePath:       "data/nanoclaw.db",
			EnvFile:         ".env",
			MountAllowlist:  "",
			AuditDir:        "data/audit",
		},
		Queue: QueueConfig{
			MaxConcurrent: 3,
			MaxRetries:    5,
			BaseRetry:     5 * time.Second,
			ShutdownWait:  30 * time.Second,
		},
		Runner: RunnerConfig{
			Image:     "nanoclaw-agent:latest",
			Timeout:   30 * time.Minute,
			OutputCap: 10 * 1024 * 1024,
			SecretAllowlist: []string{
				"ANTHROPIC_API_KEY",
				"OPENAI_API_KEY",
			},
		},
		Scheduler: SchedulerConfig{
			PollInterval: 60 * time.Second,
			Timezone:     "Local",
			IdleTimeout:  3 * time.Minute,
		},
		IPC: IPCConfig{
			PollInterval: 1 * time.Second,
		},
		Admin: AdminConfig{Port: "8090"},
	}

	for _, base := range configPaths {
		path := filepath.Join(base, "common.yaml")
		if data, err := os.ReadFile(path); err == nil {
			yaml.Unmarshal(data, cfg)
			break
		}
	}

	filename := fmt.Sprintf("%s.yaml", env)
	for _, base := range configPaths {
		path := filepath.Join(base, filename)
		if data, err := os.ReadFile(path); err == nil {
			yaml.Unmarshal(data, cfg)
			break
		}
	}

	return cfg
}

// applyDataDir 将全部数据路径重定位到指定根目录
func (p *PathsConfig) applyDataDir(root string) {
	p.GroupsDir = filepath.Join(root, "groups")
	p.IPCRoot = filepath.Join(root, "ipc")
	p.SessionsDir = filepath.Join(root, "sessions")
	p.GlobalMemoryDir = filepath.Join(root, "global-memory")
	p.StorePath = filepath.Join(root, "nanoclaw.db")
	p.AuditDir = filepath.Join(root, "audit")
}

func parseEnv(env string) Environment {
	switch strings.ToLower(env) {
	case "test":
		return EnvTest
	case "prod", "production":
		return EnvProduction
	default:
		return EnvDevelopment
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// IsTest 是否为测试环境
func (c *Config) IsTest() bool {
	return c.Env == EnvTest
}

// String 返回配置摘要
func (c *Config) String() string {
	return fmt.Sprintf("Config{Env: %s, Store: %s, MaxConcurrent: %d, Image: %s}",
		c.Env, c.Paths.StorePath, c.Queue.MaxConcurrent, c.Runner.Image)
}

// validate 验证并填充默认值
func (c *Config) validate() {
	if c.Queue.MaxConcurrent <= 0 {
		c.Queue.MaxConcurrent = 3
	}
	if c.Queue.MaxRetries <= 0 {
		c.Queue.MaxRetries = 5
	}
	if c.Queue.BaseRetry <= 0 {
		c.Queue.BaseRetry = 5 * time.Second
	}
	if c.Queue.ShutdownWait <= 0 {
		c.Queue.ShutdownWait = 30 * time.Second
	}
	if c.Runner.Timeout <= 0 {
		c.Runner.Timeout = 30 * time.Minute
	}
	if c.Runner.OutputCap <= 0 {
		c.Runner.OutputCap = 10 * 1024 * 1024
	}
	if c.Runner.Image == "" {
		c.Runner.Image = "nanoclaw-agent:latest"
	}
	if c.Scheduler.PollInterval <= 0 {
		c.Scheduler.PollInterval = 60 * time.Second
	}
	if c.Scheduler.Timezone == "" {
		c.Scheduler.Timezone = "Local"
	}
	if c.Scheduler.IdleTimeout <= 0 {
		c.Scheduler.IdleTimeout = 3 * time.Minute
	}
	if c.IPC.PollInterval <= 0 {
		c.IPC.PollInterval = 1 * time.Second
	}
	if c.Admin.Port == "" {
		c.Admin.Port = "8090"
	}
}
