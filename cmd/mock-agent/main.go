// Package main Mock Agent - 无外部依赖的脚本化 Agent
//
// 用于本地开发与端到端联调：内存 SQLite + 进程内事件总线 +
// 脚本化提供商 + 内置 clock 工具服务器。对外表面与真实 Agent
// 完全一致（A2A JSON-RPC + SSE/WS 事件流 + /health）。
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agenthost/internal/agent/provider"
	"agenthost/internal/agent/runner"
	"agenthost/internal/agent/toolreg"
	"agenthost/internal/api"
	"agenthost/internal/config"
	"agenthost/internal/shared/eventbus"
	"agenthost/internal/shared/model"
	sqlitedriver "agenthost/internal/shared/storage/driver/sqlite"
	"agenthost/internal/shared/storage/repository"
	"agenthost/pkg/logging"
)

// scriptRepeats 预灌脚本对数；每个请求消耗一对（工具轮 + 合成轮）
const scriptRepeats = 64

func main() {
	name := os.Getenv("AGENT_NAME")
	if name == "" {
		name = "mock"
	}
	port := os.Getenv("AGENT_PORT")
	if port == "" {
		port = "18080"
	}

	logger := logging.Default("mock-agent").WithAgent(name)
	if err := run(name, port, logger); err != nil {
		logger.WithError(err).Error("mock agent failed")
		os.Exit(1)
	}
}

func run(name, port string, logger *logging.Logger) error {
	db, err := sqlitedriver.Open(":memory:")
	if err != nil {
		return err
	}
	dialect := sqlitedriver.NewDialect()
	if err := dialect.AutoMigrate(db); err != nil {
		return err
	}
	store := repository.NewStore(db, dialect)
	defer store.Close()

	bus := eventbus.NewMemoryBus(eventbus.DefaultRingSize)
	defer bus.Close()

	agent := config.AgentConfig{
		Name:       name,
		Enabled:    true,
		Provider:   "scripted",
		MCPServers: []config.MCPServerConfig{{ID: "clock", Command: "builtin"}},
	}
	cfg := &config.Config{
		Env:       config.EnvDevelopment,
		JWTSecret: os.Getenv("JWT_SECRET"),
	}
	cfg.YAML.Agents = []config.AgentConfig{agent}

	registry := toolreg.NewRegistry([]toolreg.ToolServer{&clockServer{}}, logging.Default("toolreg"))
	r := runner.New(agent, scriptedProvider(), registry, store, bus, nil, nil, logger)

	h := api.NewHandler(cfg, store, bus, map[string]*runner.Runner{name: r})
	srv := &http.Server{
		Addr:        ":" + port,
		Handler:     h.Router(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()

	logger.Info("mock agent listening", "port", port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// scriptedProvider 预灌重复脚本：每个请求一次 clock 调用 + 一段合成应答
func scriptedProvider() *provider.Scripted {
	steps := make([]provider.ScriptedStep, 0, scriptRepeats*2)
	for i := 0; i < scriptRepeats; i++ {
		steps = append(steps,
			provider.ScriptedStep{ToolCalls: []model.ToolCall{{
				ID:        fmt.Sprintf("call-%d", i),
				Name:      "now",
				Arguments: json.RawMessage(`{}`),
			}}},
			provider.ScriptedStep{Content: "I checked the clock; see the tool result for the current time."},
		)
	}
	return provider.NewScripted("scripted", provider.Capabilities{}, steps...)
}

// clockServer 内置工具服务器：单个 now 工具
type clockServer struct{}

func (c *clockServer) ServerID() string { return "clock" }

func (c *clockServer) ListTools(ctx context.Context) ([]model.ToolDeclaration, error) {
	return []model.ToolDeclaration{{
		Name:        "now",
		Description: "Return the current time in RFC 3339 form",
		InputSchema: map[string]interface{}{"type": "object", "properties": map[string]interface{}{}},
	}}, nil
}

func (c *clockServer) CallTool(ctx context.Context, name string, arguments json.RawMessage) (*model.ToolResult, error) {
	if name != "now" {
		return nil, model.ErrNotFound("unknown tool " + name)
	}
	now := time.Now().Format(time.RFC3339)
	return &model.ToolResult{
		ToolName:          "now",
		Content:           []model.ToolResultContent{{Type: "text", Text: now}},
		StructuredContent: json.RawMessage(fmt.Sprintf(`{"now":%q}`, now)),
	}, nil
}
