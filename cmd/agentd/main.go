// Package main Agent 进程入口
//
// 由编排器 spawn：AGENT_NAME / AGENT_PORT 从环境读取，密钥与
// DATABASE_URL 随父进程环境注入。启动顺序：
//
//	配置 → 数据库 → 事件总线（+可选 Redis 镜像 / 分析旁路）
//	→ 提供商 → MCP 服务器 → 工具注册表 → Runner → HTTP
package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"agenthost/internal/agent/mcp"
	"agenthost/internal/agent/provider"
	"agenthost/internal/agent/runner"
	"agenthost/internal/agent/toolreg"
	"agenthost/internal/analytics"
	"agenthost/internal/api"
	"agenthost/internal/config"
	"agenthost/internal/shared/eventbus"
	redismirror "agenthost/internal/shared/eventbus/redis"
	"agenthost/internal/shared/objstore"
	"agenthost/internal/shared/storage/dbutil"
	postgresdriver "agenthost/internal/shared/storage/driver/postgres"
	sqlitedriver "agenthost/internal/shared/storage/driver/sqlite"
	"agenthost/internal/shared/storage/repository"
	"agenthost/pkg/logging"
)

func main() {
	name := os.Getenv("AGENT_NAME")
	port := os.Getenv("AGENT_PORT")
	if name == "" || port == "" {
		fmt.Fprintln(os.Stderr, "AGENT_NAME and AGENT_PORT are required")
		os.Exit(2)
	}

	cfg, err := config.Load(os.Getenv("CONFIG_DIR"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}
	agent, ok := cfg.Agent(name)
	if !ok {
		fmt.Fprintf(os.Stderr, "agent %s not found in config\n", name)
		os.Exit(2)
	}

	logger := logging.Default("agentd").WithAgent(name)

	if err := run(cfg, agent, port, logger); err != nil {
		logger.WithError(err).Error("agentd failed")
		os.Exit(1)
	}
}

func run(cfg *config.Config, agent config.AgentConfig, port string, logger *logging.Logger) error {
	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	ringSize := cfg.YAML.Orchestrator.EventRingSize
	if ringSize <= 0 {
		ringSize = eventbus.DefaultRingSize
	}
	bus := eventbus.NewMemoryBus(ringSize)
	defer bus.Close()

	if cfg.YAML.Redis.Enabled {
		client := goredis.NewClient(&goredis.Options{
			Addr: cfg.YAML.Redis.Addr,
			DB:   cfg.YAML.Redis.DB,
		})
		if err := client.Ping(context.Background()).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		mirror := redismirror.NewMirror(client, bus)
		defer mirror.Close()
		defer client.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink, err := analytics.NewSink(cfg.YAML.Analytics, logging.Default("analytics"))
	if err != nil {
		return fmt.Errorf("failed to connect to analytics store: %w", err)
	}
	if sink != nil {
		defer sink.Close()
	}
	go sink.Run(ctx, bus)

	prov, err := buildProvider(cfg, agent)
	if err != nil {
		return err
	}

	// MCP 服务器：逐个拉起子进程并完成握手
	servers := make([]toolreg.ToolServer, 0, len(agent.MCPServers))
	for _, sc := range agent.MCPServers {
		proc := mcp.NewServerProcess(sc.Command, sc.Args, sc.Env, logging.Default("mcp."+sc.ID))
		client := mcp.NewClient(sc.ID, proc, logging.Default("mcp."+sc.ID))
		if err := client.Start(ctx); err != nil {
			return fmt.Errorf("failed to start mcp server %s: %w", sc.ID, err)
		}
		defer client.Stop()
		servers = append(servers, client)
		logger.Info("mcp server ready", "server", sc.ID)
	}
	registry := toolreg.NewRegistry(servers, logging.Default("toolreg"))

	// 对象存储（可选；未配置时大文件保持内联）
	var blobs *objstore.Client
	if cfg.YAML.ObjStore.Endpoint != "" {
		blobs, err = objstore.NewClient(cfg.YAML.ObjStore)
		if err != nil {
			return fmt.Errorf("failed to connect to object store: %w", err)
		}
	}

	metrics := runner.NewMetrics("agenthost")
	r := runner.New(agent, prov, registry, store, bus, blobs, metrics, logger)

	h := api.NewHandler(cfg, store, bus, map[string]*runner.Runner{agent.Name: r})
	srv := &http.Server{
		Addr:        ":" + port,
		Handler:     h.Router(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("agent listening", "port", port, "provider", prov.Name())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case <-sigCh:
	}

	logger.Info("shutting down")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

// buildProvider 按配置构造 AI 提供商
func buildProvider(cfg *config.Config, agent config.AgentConfig) (provider.Provider, error) {
	key := cfg.ProviderAPIKey(agent.Provider)
	switch agent.Provider {
	case "anthropic":
		pc := cfg.YAML.Providers.Anthropic
		return provider.NewAnthropic(key, pc.BaseURL, defaultModel(agent, pc)), nil
	case "openai":
		pc := cfg.YAML.Providers.OpenAI
		return provider.NewOpenAI(key, pc.BaseURL, defaultModel(agent, pc)), nil
	case "gemini":
		pc := cfg.YAML.Providers.Gemini
		return provider.NewGemini(key, pc.BaseURL, defaultModel(agent, pc), pc.RequestTimeout()), nil
	default:
		return nil, fmt.Errorf("unknown provider %q for agent %s", agent.Provider, agent.Name)
	}
}

// defaultModel Agent 指定模型优先，否则取提供商默认
func defaultModel(agent config.AgentConfig, pc config.ProviderConfig) string {
	if agent.Model != "" {
		return agent.Model
	}
	return pc.DefaultModel
}

// openStore 按配置打开数据库并迁移 Schema
func openStore(cfg *config.Config) (*repository.Store, error) {
	var (
		db      *sql.DB
		dialect dbutil.Dialect
		err     error
	)
	switch cfg.YAML.Database.Driver {
	case "sqlite":
		dsn := cfg.DatabaseURL
		if dsn == "" {
			dsn = "agenthost.db"
		}
		db, err = sqlitedriver.Open(dsn)
		dialect = sqlitedriver.NewDialect()
	default:
		db, err = postgresdriver.Open(cfg.DatabaseURL)
		dialect = postgresdriver.NewDialect()
	}
	if err != nil {
		return nil, err
	}
	if err := dialect.AutoMigrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return repository.NewStore(db, dialect), nil
}
