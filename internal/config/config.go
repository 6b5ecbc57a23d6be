// Package config 统一配置管理
//
// 配置加载策略：
//  1. 从 .env 加载敏感信息（密钥、数据库 URL）和 APP_ENV
//  2. 根据 APP_ENV 加载对应的 configs/{env}.yaml 配置文件
//  3. 环境变量可覆盖 YAML 配置
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

// Config 进程级配置（显式初始化一次，构造时注入各子系统）
type Config struct {
	Env  Environment
	YAML YAMLConfig

	// Secrets 从 .env / 环境读取的敏感信息
	JWTSecret       string
	DatabaseURL     string
	AnthropicAPIKey string
	OpenAIAPIKey    string
	GeminiAPIKey    string
	GitHubToken     string
}

// Load 加载配置
//
// configDir 为 configs/ 目录；为空时用 "./configs"。
func Load(configDir string) (*Config, error) {
	// .env 不存在不报错（生产环境直接用进程环境变量）
	_ = godotenv.Load()

	env := Environment(os.Getenv("APP_ENV"))
	switch env {
	case EnvProduction, EnvTest, EnvDevelopment:
	case "":
		env = EnvDevelopment
	default:
		return nil, fmt.Errorf("unknown APP_ENV: %q", env)
	}

	if configDir == "" {
		configDir = "configs"
	}
	path := filepath.Join(configDir, string(env)+".yaml")

	cfg := &Config{Env: env}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		// 配置文件缺失时允许纯环境变量启动
	} else if err := yaml.Unmarshal(data, &cfg.YAML); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides 环境变量覆盖 YAML 配置
func (c *Config) applyEnvOverrides() {
	c.JWTSecret = os.Getenv("JWT_SECRET")
	c.DatabaseURL = os.Getenv("DATABASE_URL")
	c.AnthropicAPIKey = os.Getenv("ANTHROPIC_API_KEY")
	c.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	c.GeminiAPIKey = os.Getenv("GEMINI_API_KEY")
	c.GitHubToken = os.Getenv("GITHUB_TOKEN")

	if v := os.Getenv("SERVER_PORT"); v != "" {
		c.YAML.Server.Port = v
	}
	if v := os.Getenv("DB_DRIVER"); v != "" {
		c.YAML.Database.Driver = v
	}
	if c.DatabaseURL == "" {
		c.DatabaseURL = c.YAML.Database.URL
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.YAML.Redis.Addr = v
		c.YAML.Redis.Enabled = true
	}
}

// Validate 校验配置（启动期致命）
func (c *Config) Validate() error {
	o := c.YAML.Orchestrator
	if o.PortRangeLow != 0 || o.PortRangeHigh != 0 {
		if o.PortRangeLow <= 0 || o.PortRangeHigh < o.PortRangeLow {
			return fmt.Errorf("invalid orchestrator port range [%d, %d]", o.PortRangeLow, o.PortRangeHigh)
		}
	}
	seen := make(map[string]bool, len(c.YAML.Agents))
	for _, agent := range c.YAML.Agents {
		if agent.Name == "" {
			return fmt.Errorf("agent with empty name in config")
		}
		if seen[agent.Name] {
			return fmt.Errorf("duplicate agent name: %s", agent.Name)
		}
		seen[agent.Name] = true
		for _, srv := range agent.MCPServers {
			if srv.ID == "" || srv.Command == "" {
				return fmt.Errorf("agent %s: mcp server requires id and command", agent.Name)
			}
		}
	}
	return nil
}

// Agent 按名称查找 Agent 配置
func (c *Config) Agent(name string) (AgentConfig, bool) {
	for _, a := range c.YAML.Agents {
		if a.Name == name {
			return a, true
		}
	}
	return AgentConfig{}, false
}

// ProviderAPIKey 按提供商名取密钥
func (c *Config) ProviderAPIKey(provider string) string {
	switch provider {
	case "anthropic":
		return c.AnthropicAPIKey
	case "openai":
		return c.OpenAIAPIKey
	case "gemini":
		return c.GeminiAPIKey
	}
	return ""
}
