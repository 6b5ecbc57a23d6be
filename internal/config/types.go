// Package config 统一配置管理
//
// types.go 定义 YAML 配置文件结构。
// 时长字段统一用秒/毫秒整数表达，加载时转换为 time.Duration。
package config

import (
	"time"

	"agenthost/internal/shared/objstore"
)

// YAMLConfig YAML 配置文件结构
type YAMLConfig struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	ObjStore     objstore.Config    `yaml:"objstore"`
	Analytics    AnalyticsConfig    `yaml:"analytics"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Stream       StreamConfig       `yaml:"stream"`
	Agents       []AgentConfig      `yaml:"agents"`
	Providers    ProvidersConfig    `yaml:"providers"`
}

// ServerConfig HTTP 服务配置
type ServerConfig struct {
	Port string `yaml:"port"`
}

// DatabaseConfig 数据库配置
//
// Driver 为 postgres 或 sqlite；URL 为空时由 .env 的 DATABASE_URL 提供。
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	URL    string `yaml:"url"`
}

// RedisConfig Redis 配置（事件镜像；enabled=false 时不连接）
type RedisConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	DB      int    `yaml:"db"`
}

// AnalyticsConfig 分析事件旁路配置（MongoDB）
type AnalyticsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	URI        string `yaml:"uri"`
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
}

// OrchestratorConfig 编排器配置
type OrchestratorConfig struct {
	// PortRangeLow / PortRangeHigh Agent 端口分配范围
	PortRangeLow  int `yaml:"port_range_low"`
	PortRangeHigh int `yaml:"port_range_high"`

	// BuildPath Agent 可执行文件目录
	BuildPath string `yaml:"build_path"`

	// LogDir 子进程日志目录
	LogDir string `yaml:"log_dir"`

	// KillPortProcess 端口冲突时是否杀掉占用进程
	KillPortProcess bool `yaml:"kill_port_process"`

	// HealthGateTimeoutMS 健康门超时（默认 10000）
	HealthGateTimeoutMS int `yaml:"health_gate_timeout_ms"`

	// HealthPollIntervalMS 健康门轮询间隔（默认 200）
	HealthPollIntervalMS int `yaml:"health_poll_interval_ms"`

	// GracefulTimeoutMS 优雅终止等待（默认 5000）
	GracefulTimeoutMS int `yaml:"graceful_timeout_ms"`

	// ReconcileIntervalS 对账周期（默认 30）
	ReconcileIntervalS int `yaml:"reconcile_interval_s"`

	// EventRingSize 事件总线环容量（默认 100）
	EventRingSize int `yaml:"event_ring_size"`
}

// HealthGateTimeout 健康门超时
func (c OrchestratorConfig) HealthGateTimeout() time.Duration {
	return msOrDefault(c.HealthGateTimeoutMS, 10_000)
}

// HealthPollInterval 健康门轮询间隔
func (c OrchestratorConfig) HealthPollInterval() time.Duration {
	return msOrDefault(c.HealthPollIntervalMS, 200)
}

// GracefulTimeout 优雅终止等待
func (c OrchestratorConfig) GracefulTimeout() time.Duration {
	return msOrDefault(c.GracefulTimeoutMS, 5_000)
}

// ReconcileInterval 对账周期
func (c OrchestratorConfig) ReconcileInterval() time.Duration {
	if c.ReconcileIntervalS <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.ReconcileIntervalS) * time.Second
}

// StreamConfig 事件流配置
type StreamConfig struct {
	// HeartbeatIntervalS SSE 保活间隔（默认 15）
	HeartbeatIntervalS int `yaml:"heartbeat_interval_s"`
}

// HeartbeatInterval SSE 保活间隔
func (c StreamConfig) HeartbeatInterval() time.Duration {
	if c.HeartbeatIntervalS <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.HeartbeatIntervalS) * time.Second
}

// AgentConfig 单个 Agent 的配置
type AgentConfig struct {
	// Name Agent 名称（即二进制名）
	Name string `yaml:"name"`

	// Enabled 期望状态；对账循环向期望状态收敛
	Enabled bool `yaml:"enabled"`

	// Provider 使用的 AI 提供商（anthropic / openai / gemini）
	Provider string `yaml:"provider"`

	// Model 模型名（为空时取提供商默认）
	Model string `yaml:"model"`

	// MaxOutputTokens 输出 token 预算
	MaxOutputTokens int `yaml:"max_output_tokens"`

	// MaxToolRounds 工具轮上限（默认 8）
	MaxToolRounds int `yaml:"max_tool_rounds"`

	// ToolTimeoutS 单次工具调用超时（默认 120）
	ToolTimeoutS int `yaml:"tool_timeout_s"`

	// MCPServers 该 Agent 可见的 MCP 服务器
	MCPServers []MCPServerConfig `yaml:"mcp_servers"`
}

// ToolTimeout 单次工具调用超时
func (c AgentConfig) ToolTimeout() time.Duration {
	if c.ToolTimeoutS <= 0 {
		return 120 * time.Second
	}
	return time.Duration(c.ToolTimeoutS) * time.Second
}

// ToolRoundLimit 工具轮上限
func (c AgentConfig) ToolRoundLimit() int {
	if c.MaxToolRounds <= 0 {
		return 8
	}
	return c.MaxToolRounds
}

// MCPServerConfig MCP 服务器配置（stdio 传输）
type MCPServerConfig struct {
	// ID 服务器标识（工具名解析用）
	ID string `yaml:"id"`

	// Command 启动命令
	Command string `yaml:"command"`

	// Args 命令参数
	Args []string `yaml:"args"`

	// Env 额外环境变量
	Env map[string]string `yaml:"env"`
}

// ProvidersConfig 各提供商配置
type ProvidersConfig struct {
	Anthropic ProviderConfig `yaml:"anthropic"`
	OpenAI    ProviderConfig `yaml:"openai"`
	Gemini    ProviderConfig `yaml:"gemini"`
}

// ProviderConfig 单个提供商配置
//
// APIKey 不写在 YAML：从 .env 注入（ANTHROPIC_API_KEY 等）。
type ProviderConfig struct {
	BaseURL      string `yaml:"base_url"`
	DefaultModel string `yaml:"default_model"`

	// RequestTimeoutS 请求超时（默认 600）
	RequestTimeoutS int `yaml:"request_timeout_s"`
}

// RequestTimeout 请求超时
func (c ProviderConfig) RequestTimeout() time.Duration {
	if c.RequestTimeoutS <= 0 {
		return 600 * time.Second
	}
	return time.Duration(c.RequestTimeoutS) * time.Second
}

// msOrDefault 毫秒整数转 Duration
func msOrDefault(ms, def int) time.Duration {
	if ms <= 0 {
		ms = def
	}
	return time.Duration(ms) * time.Millisecond
}
