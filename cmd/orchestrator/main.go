// Package main 编排器入口
//
// 子命令：
//   - serve              常驻模式：对账循环 + /health + /metrics
//   - start <agent>      启动单个 Agent（分配端口 → spawn → 健康门）
//   - stop <agent>       优雅停止单个 Agent
//   - restart <agent>    先停后起
//   - status <agent>     打印活跃记录与健康探测结论
//
// 退出码：0 成功；2 配置/参数错误；3 健康门超时；4 端口冲突（未带
// --kill-port-process）；1 其他失败。
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/containerd/errdefs"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"

	"agenthost/internal/analytics"
	"agenthost/internal/config"
	"agenthost/internal/orchestrator"
	"agenthost/internal/shared/eventbus"
	redismirror "agenthost/internal/shared/eventbus/redis"
	"agenthost/internal/shared/model"
	"agenthost/internal/shared/storage"
	"agenthost/internal/shared/storage/dbutil"
	postgresdriver "agenthost/internal/shared/storage/driver/postgres"
	sqlitedriver "agenthost/internal/shared/storage/driver/sqlite"
	"agenthost/internal/shared/storage/repository"
	"agenthost/pkg/logging"
)

const (
	exitOK         = 0
	exitFailure    = 1
	exitUsage      = 2
	exitHealthGate = 3
	exitPortInUse  = 4
)

func main() {
	configDir := flag.String("config", "", "configs/ 目录（默认 ./configs）")
	killPort := flag.Bool("kill-port-process", false, "端口冲突时杀掉占用进程")
	flag.Parse()

	args := flag.Args()
	cmd := "serve"
	if len(args) > 0 {
		cmd = args[0]
	}

	cfg, err := config.Load(*configDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(exitUsage)
	}
	if *killPort {
		cfg.YAML.Orchestrator.KillPortProcess = true
	}

	logger := logging.Default("orchestrator")

	switch cmd {
	case "serve":
		os.Exit(serve(cfg, logger))
	case "start", "stop", "restart", "status":
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "usage: orchestrator %s <agent>\n", cmd)
			os.Exit(exitUsage)
		}
		os.Exit(oneShot(cfg, logger, cmd, args[1]))
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		os.Exit(exitUsage)
	}
}

// serve 常驻模式
func serve(cfg *config.Config, logger *logging.Logger) int {
	store, err := openStore(cfg)
	if err != nil {
		logger.WithError(err).Error("failed to open store")
		return exitFailure
	}
	defer store.Close()

	ringSize := cfg.YAML.Orchestrator.EventRingSize
	if ringSize <= 0 {
		ringSize = eventbus.DefaultRingSize
	}
	bus := eventbus.NewMemoryBus(ringSize)
	defer bus.Close()

	// Redis Streams 镜像（可选）
	if cfg.YAML.Redis.Enabled {
		client := goredis.NewClient(&goredis.Options{
			Addr: cfg.YAML.Redis.Addr,
			DB:   cfg.YAML.Redis.DB,
		})
		if err := client.Ping(context.Background()).Err(); err != nil {
			logger.WithError(err).Error("failed to connect to redis")
			return exitFailure
		}
		mirror := redismirror.NewMirror(client, bus)
		defer mirror.Close()
		defer client.Close()
		logger.Info("redis event mirror enabled", "addr", cfg.YAML.Redis.Addr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 分析事件旁路（可选）
	sink, err := analytics.NewSink(cfg.YAML.Analytics, logging.Default("analytics"))
	if err != nil {
		logger.WithError(err).Error("failed to connect to analytics store")
		return exitFailure
	}
	if sink != nil {
		defer sink.Close()
	}
	go sink.Run(ctx, bus)

	metrics := orchestrator.NewMetrics("agenthost")
	orch := orchestrator.New(cfg, store, bus, orchestrator.NewProcSupervisor(logger), metrics, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.Handle("GET /metrics", promhttp.Handler())

	port := cfg.YAML.Server.Port
	if port == "" {
		port = "8080"
	}
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("control server listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("control server failed")
			cancel()
		}
	}()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logger.Info("shutting down")
		cancel()
	}()

	// Run 阻塞到 ctx 取消，随后优雅停止全部 Agent
	if err := orch.Run(ctx); err != nil && err != context.Canceled {
		logger.WithError(err).Error("orchestrator run failed")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	return exitOK
}

// oneShot 单次生命周期操作
func oneShot(cfg *config.Config, logger *logging.Logger, cmd, name string) int {
	store, err := openStore(cfg)
	if err != nil {
		logger.WithError(err).Error("failed to open store")
		return exitFailure
	}
	defer store.Close()

	bus := eventbus.NewMemoryBus(eventbus.DefaultRingSize)
	defer bus.Close()
	orch := orchestrator.New(cfg, store, bus, orchestrator.NewProcSupervisor(logger), nil, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	switch cmd {
	case "start":
		err = orch.Enable(ctx, name)
	case "stop":
		err = orch.Disable(ctx, name)
	case "restart":
		err = orch.Restart(ctx, name)
	case "status":
		return status(ctx, orch, store, name)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s %s: %v\n", cmd, name, err)
		return exitCodeFor(err)
	}
	fmt.Printf("%s %s: ok\n", cmd, name)
	return exitOK
}

// status 打印活跃记录与健康结论
func status(ctx context.Context, orch *orchestrator.Orchestrator, store storage.ServiceStore, name string) int {
	health, err := orch.HealthCheck(ctx, name)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status %s: %v\n", name, err)
		return exitCodeFor(err)
	}
	out := map[string]interface{}{"name": name, "health": health}
	if rec, err := store.FindActive(ctx, model.ServiceTypeAgent, name); err == nil {
		out["record"] = rec
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(out)
	return exitOK
}

// exitCodeFor 错误种类到退出码
func exitCodeFor(err error) int {
	switch {
	case errdefs.IsDeadlineExceeded(err):
		return exitHealthGate
	case errdefs.IsConflict(err):
		return exitPortInUse
	case errdefs.IsInvalidArgument(err), errdefs.IsNotFound(err):
		return exitUsage
	default:
		return exitFailure
	}
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
