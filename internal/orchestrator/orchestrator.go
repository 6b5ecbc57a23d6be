package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"agenthost/internal/config"
	"agenthost/internal/shared/eventbus"
	"agenthost/internal/shared/model"
	"agenthost/internal/shared/storage"
	"agenthost/pkg/logging"
)

// systemContextID 编排器事件挂载的上下文
const systemContextID = "system"

// HealthStatus 健康检查结论
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthFailed   HealthStatus = "failed"
)

// Health 健康检查结果
type Health struct {
	Status HealthStatus `json:"status"`
	Reason string       `json:"reason,omitempty"`
}

// HealthProbe HTTP 存活探测；2xx 返回 true
type HealthProbe func(ctx context.Context, port int) bool

// Orchestrator Agent 生命周期编排器
//
// 生命周期：
//
//	Run → PhaseStarted → 首轮对账（逐 Agent 启动/停止）
//	    → AgentReconciliationComplete → PhaseCompleted
//	    → 周期对账（默认 30s）
//	ctx 取消 → 停止对账循环 → 优雅停止全部 Agent
type Orchestrator struct {
	cfg        *config.Config
	store      storage.ServiceStore
	bus        eventbus.Bus
	supervisor Supervisor
	alloc      *PortAllocator
	probe      HealthProbe
	metrics    *Metrics
	logger     *logging.Logger

	mu      sync.Mutex
	desired map[string]bool // Agent 名 → 期望启用；初值取配置
}

// New 创建编排器
//
// metrics 可为 nil（测试场景）。
func New(cfg *config.Config, store storage.ServiceStore, bus eventbus.Bus, sup Supervisor, metrics *Metrics, logger *logging.Logger) *Orchestrator {
	o := &Orchestrator{
		cfg:        cfg,
		store:      store,
		bus:        bus,
		supervisor: sup,
		alloc:      NewPortAllocator(store, sup, cfg.YAML.Orchestrator.PortRangeLow, cfg.YAML.Orchestrator.PortRangeHigh),
		probe:      defaultHealthProbe,
		metrics:    metrics,
		logger:     logger,
		desired:    make(map[string]bool),
	}
	for _, a := range cfg.YAML.Agents {
		o.desired[a.Name] = a.Enabled
	}
	return o
}

// SetHealthProbe 替换健康探测（测试注入）
func (o *Orchestrator) SetHealthProbe(probe HealthProbe) {
	o.probe = probe
}

// SubscribeEvents 订阅编排器事件
func (o *Orchestrator) SubscribeEvents() eventbus.Subscription {
	return o.bus.Subscribe(eventbus.ContextFilter(systemContextID))
}

// Enable 标记期望启用并立即启动
func (o *Orchestrator) Enable(ctx context.Context, name string) error {
	if _, ok := o.cfg.Agent(name); !ok {
		return model.ErrNotFound("unknown agent " + name)
	}
	o.setDesired(name, true)
	return o.Start(ctx, name)
}

// Disable 标记期望停用并优雅停止；未运行时为无害空操作
func (o *Orchestrator) Disable(ctx context.Context, name string) error {
	if _, ok := o.cfg.Agent(name); !ok {
		return model.ErrNotFound("unknown agent " + name)
	}
	o.setDesired(name, false)
	return o.stop(ctx, name)
}

// Restart 先停后起
func (o *Orchestrator) Restart(ctx context.Context, name string) error {
	if err := o.Disable(ctx, name); err != nil {
		return err
	}
	return o.Enable(ctx, name)
}

// Start 启动单个 Agent：分配端口 → spawn → 健康门
func (o *Orchestrator) Start(ctx context.Context, name string) error {
	agent, ok := o.cfg.Agent(name)
	if !ok {
		return model.ErrNotFound("unknown agent " + name)
	}

	// 已在运行：幂等返回
	if rec, err := o.store.FindActive(ctx, model.ServiceTypeAgent, name); err == nil &&
		rec.State == model.ServiceStateRunning && rec.PID != nil && o.supervisor.Alive(*rec.PID) {
		return nil
	}

	o.emit(model.EventAgentStarting, map[string]interface{}{"name": name})
	startedAt := time.Now()

	port, err := o.choosePort(ctx, name)
	if err != nil {
		return o.failStart(ctx, name, "", err)
	}

	rec, err := o.store.UpsertStarting(ctx, model.ServiceTypeAgent, name, port)
	if err != nil {
		return o.failStart(ctx, name, "", err)
	}

	spec := o.spawnSpec(agent, port)
	pid, err := o.supervisor.Spawn(spec)
	if err != nil {
		_ = o.store.MarkFailed(ctx, rec.ID, err.Error())
		return o.failStart(ctx, name, rec.ID, err)
	}

	if err := o.waitHealthy(ctx, pid, port); err != nil {
		_ = o.supervisor.KillProcess(pid)
		_ = o.store.MarkFailed(ctx, rec.ID, err.Error())
		return o.failStart(ctx, name, rec.ID, err)
	}

	if err := o.store.MarkRunning(ctx, rec.ID, pid, port); err != nil {
		return o.failStart(ctx, name, rec.ID, err)
	}

	if o.metrics != nil {
		o.metrics.RecordStart(name, "success", time.Since(startedAt))
	}
	o.logger.AgentLog("started", name, "pid", pid, "port", port)
	o.emit(model.EventAgentStarted, map[string]interface{}{"name": name, "pid": pid, "port": port})
	return nil
}

// HealthCheck 对运行中 Agent 做存活 + HTTP 探测
//
// 探测通过时顺带刷新 last_heartbeat_at。
func (o *Orchestrator) HealthCheck(ctx context.Context, name string) (Health, error) {
	if _, ok := o.cfg.Agent(name); !ok {
		return Health{}, model.ErrNotFound("unknown agent " + name)
	}
	rec, err := o.store.FindActive(ctx, model.ServiceTypeAgent, name)
	if err != nil {
		if storage.IsNotFound(err) {
			return Health{Status: HealthFailed, Reason: "not running"}, nil
		}
		return Health{}, err
	}
	if rec.State != model.ServiceStateRunning || rec.PID == nil || rec.Port == nil {
		return Health{Status: HealthFailed, Reason: "not running"}, nil
	}
	if !o.supervisor.Alive(*rec.PID) {
		return Health{Status: HealthFailed, Reason: fmt.Sprintf("process %d not found", *rec.PID)}, nil
	}
	if !o.probe(ctx, *rec.Port) {
		return Health{Status: HealthDegraded, Reason: "liveness endpoint not responding"}, nil
	}
	_ = o.store.TouchHeartbeat(ctx, rec.ID)
	return Health{Status: HealthHealthy}, nil
}

// Reconcile 将实际状态向期望状态收敛
//
// 单个 Agent 的失败只记日志，循环总是走完；结束时发出
// AgentReconciliationComplete{running, total}。
func (o *Orchestrator) Reconcile(ctx context.Context) error {
	started := time.Now()
	errs := 0

	if _, err := o.store.CleanupOrphaned(ctx, o.supervisor.Alive); err != nil {
		o.logger.WithError(err).Warn("orphan cleanup failed")
	}

	running := 0
	total := len(o.cfg.YAML.Agents)
	for _, agent := range o.cfg.YAML.Agents {
		desired := o.isDesired(agent.Name)
		rec, err := o.store.FindActive(ctx, model.ServiceTypeAgent, agent.Name)
		active := err == nil && rec.State == model.ServiceStateRunning &&
			rec.PID != nil && o.supervisor.Alive(*rec.PID)

		switch {
		case desired && !active:
			if err := o.Start(ctx, agent.Name); err != nil {
				o.logger.WithError(err).Error("reconcile: agent start failed", "agent", agent.Name)
				errs++
				continue
			}
			running++
		case !desired && active:
			if err := o.stop(ctx, agent.Name); err != nil {
				o.logger.WithError(err).Error("reconcile: agent stop failed", "agent", agent.Name)
				errs++
			}
		case active:
			running++
		}
	}

	if o.metrics != nil {
		o.metrics.RecordReconcile(time.Since(started), errs)
	}
	o.emit(model.EventAgentReconciliationComplete, map[string]interface{}{
		"running": running,
		"total":   total,
	})
	return nil
}

// Run 启动协议 + 周期对账；ctx 取消后停止全部 Agent
func (o *Orchestrator) Run(ctx context.Context) error {
	o.emit(model.EventPhaseStarted, map[string]interface{}{"phase": "agents"})
	if err := o.Reconcile(ctx); err != nil {
		return err
	}
	o.emit(model.EventPhaseCompleted, map[string]interface{}{"phase": "agents"})

	ticker := time.NewTicker(o.cfg.YAML.Orchestrator.ReconcileInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.shutdown()
			return ctx.Err()
		case <-ticker.C:
			_ = o.Reconcile(ctx)
		}
	}
}

// shutdown 优雅停止全部 Agent（不改期望状态，重启后恢复）
func (o *Orchestrator) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, agent := range o.cfg.YAML.Agents {
		if err := o.stop(ctx, agent.Name); err != nil {
			o.logger.WithError(err).Warn("shutdown: agent stop failed", "agent", agent.Name)
		}
	}
}

// stop 优雅停止；无活跃记录时视为已停止
func (o *Orchestrator) stop(ctx context.Context, name string) error {
	rec, err := o.store.FindActive(ctx, model.ServiceTypeAgent, name)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil
		}
		return err
	}
	if rec.PID != nil && o.supervisor.Alive(*rec.PID) {
		if err := o.supervisor.TerminateGracefully(*rec.PID, o.cfg.YAML.Orchestrator.GracefulTimeout()); err != nil {
			return err
		}
	}
	if err := o.store.MarkStopped(ctx, rec.ID); err != nil {
		return err
	}
	if o.metrics != nil {
		o.metrics.RecordStop()
	}
	o.logger.AgentLog("stopped", name)
	o.emit(model.EventAgentStopped, map[string]interface{}{"name": name})
	return nil
}

// choosePort 选定启动端口
//
// 优先复用上次分配的端口；被外部进程占用时按策略处理冲突
// （kill_port_process=true 杀占用者，否则报错），再退回范围分配。
func (o *Orchestrator) choosePort(ctx context.Context, name string) (int, error) {
	if rec, err := o.store.FindActive(ctx, model.ServiceTypeAgent, name); err == nil && rec.Port != nil {
		port := *rec.Port
		pid := o.supervisor.CheckPort(port)
		if pid == nil {
			return port, nil
		}
		o.emit(model.EventPortConflict, map[string]interface{}{"port": port, "pid": *pid})
		if !o.cfg.YAML.Orchestrator.KillPortProcess {
			if o.metrics != nil {
				o.metrics.RecordPortConflict("unresolved")
			}
			return 0, model.ErrConflict(fmt.Sprintf("port %d occupied by pid %d", port, *pid))
		}
		if err := o.supervisor.KillProcess(*pid); err != nil {
			if o.metrics != nil {
				o.metrics.RecordPortConflict("kill_failed")
			}
			return 0, fmt.Errorf("port %d occupied by pid %d, kill failed: %w", port, *pid, err)
		}
		if o.metrics != nil {
			o.metrics.RecordPortConflict("killed")
		}
		o.emit(model.EventPortConflictResolved, map[string]interface{}{"port": port})
		return port, nil
	}
	return o.alloc.Allocate(ctx, model.ServiceTypeAgent)
}

// spawnSpec 组装子进程启动参数
//
// 环境 = 父进程环境 + Agent 标识/端口 + 数据库与密钥。
func (o *Orchestrator) spawnSpec(agent config.AgentConfig, port int) SpawnSpec {
	oc := o.cfg.YAML.Orchestrator
	env := append(os.Environ(),
		"AGENT_NAME="+agent.Name,
		"AGENT_PORT="+strconv.Itoa(port),
	)
	for _, kv := range [][2]string{
		{"JWT_SECRET", o.cfg.JWTSecret},
		{"DATABASE_URL", o.cfg.DatabaseURL},
		{"GEMINI_API_KEY", o.cfg.GeminiAPIKey},
		{"ANTHROPIC_API_KEY", o.cfg.AnthropicAPIKey},
		{"OPENAI_API_KEY", o.cfg.OpenAIAPIKey},
		{"GITHUB_TOKEN", o.cfg.GitHubToken},
	} {
		if kv[1] != "" {
			env = append(env, kv[0]+"="+kv[1])
		}
	}
	return SpawnSpec{
		Binary:  filepath.Join(oc.BuildPath, agent.Name),
		Env:     env,
		LogFile: filepath.Join(oc.LogDir, agent.Name+".log"),
	}
}

// waitHealthy 健康门：PID 存活且 /health 返回 2xx
func (o *Orchestrator) waitHealthy(ctx context.Context, pid, port int) error {
	oc := o.cfg.YAML.Orchestrator
	deadline := time.Now().Add(oc.HealthGateTimeout())
	ticker := time.NewTicker(oc.HealthPollInterval())
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		if !o.supervisor.Alive(pid) {
			return model.ErrInternal(fmt.Sprintf("process %d exited before becoming healthy", pid))
		}
		if o.probe(ctx, port) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return model.ErrTimeout(fmt.Sprintf("health gate timeout after %s", oc.HealthGateTimeout()))
}

func (o *Orchestrator) failStart(ctx context.Context, name, recID string, err error) error {
	if o.metrics != nil {
		o.metrics.RecordStart(name, "failed", 0)
	}
	o.logger.WithError(err).Error("agent start failed", "agent", name)
	o.emit(model.EventAgentFailed, map[string]interface{}{"name": name, "error": err.Error()})
	return err
}

func (o *Orchestrator) emit(typ model.EventType, payload map[string]interface{}) {
	o.bus.Publish(model.NewContextEvent(systemContextID, "", typ, payload))
}

func (o *Orchestrator) setDesired(name string, v bool) {
	o.mu.Lock()
	o.desired[name] = v
	o.mu.Unlock()
}

func (o *Orchestrator) isDesired(name string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.desired[name]
}

// defaultHealthProbe GET /health，2xx 视为存活
func defaultHealthProbe(ctx context.Context, port int) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("http://127.0.0.1:%d/health", port), nil)
	if err != nil {
		return false
	}
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
