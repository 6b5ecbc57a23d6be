package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agenthost/internal/config"
	"agenthost/internal/shared/eventbus"
	"agenthost/internal/shared/model"
	"agenthost/internal/shared/storage"
	sqlitedriver "agenthost/internal/shared/storage/driver/sqlite"
	"agenthost/internal/shared/storage/repository"
	"agenthost/pkg/logging"
)

// fakeSupervisor 可编程的进程监督假实现
type fakeSupervisor struct {
	mu       sync.Mutex
	nextPID  int
	alive    map[int]bool
	ports    map[int]int // 端口 → 外部占用 PID
	spawned  []SpawnSpec
	killed   []int
	termed   []int
	spawnErr error
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{
		nextPID: 1000,
		alive:   make(map[int]bool),
		ports:   make(map[int]int),
	}
}

func (f *fakeSupervisor) Spawn(spec SpawnSpec) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.spawnErr != nil {
		return 0, f.spawnErr
	}
	f.nextPID++
	f.alive[f.nextPID] = true
	f.spawned = append(f.spawned, spec)
	return f.nextPID, nil
}

func (f *fakeSupervisor) Alive(pid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[pid]
}

func (f *fakeSupervisor) TerminateGracefully(pid int, grace time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.termed = append(f.termed, pid)
	delete(f.alive, pid)
	return nil
}

func (f *fakeSupervisor) KillProcess(pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, pid)
	delete(f.alive, pid)
	for port, holder := range f.ports {
		if holder == pid {
			delete(f.ports, port)
		}
	}
	return nil
}

func (f *fakeSupervisor) CheckPort(port int) *int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if protectedPorts[port] {
		return nil
	}
	if pid, ok := f.ports[port]; ok {
		return &pid
	}
	return nil
}

func (f *fakeSupervisor) KillByPattern(pattern string) error {
	return nil
}

func newTestOrchestrator(t *testing.T, agents []config.AgentConfig, killPort bool) (*Orchestrator, *fakeSupervisor, storage.ServiceStore, eventbus.Bus) {
	t.Helper()
	db, err := sqlitedriver.Open(":memory:")
	require.NoError(t, err)
	dialect := sqlitedriver.NewDialect()
	require.NoError(t, dialect.AutoMigrate(db))
	store := repository.NewStore(db, dialect)
	t.Cleanup(func() { store.Close() })

	cfg := &config.Config{
		YAML: config.YAMLConfig{
			Orchestrator: config.OrchestratorConfig{
				PortRangeLow:         42010,
				PortRangeHigh:        42020,
				BuildPath:            t.TempDir(),
				LogDir:               t.TempDir(),
				KillPortProcess:      killPort,
				HealthGateTimeoutMS:  500,
				HealthPollIntervalMS: 10,
				GracefulTimeoutMS:    50,
			},
			Agents: agents,
		},
	}

	bus := eventbus.NewMemoryBus(eventbus.DefaultRingSize)
	t.Cleanup(bus.Close)
	sup := newFakeSupervisor()
	o := New(cfg, store, bus, sup, nil, logging.Default("orchestrator-test"))
	o.SetHealthProbe(func(ctx context.Context, port int) bool { return true })
	return o, sup, store, bus
}

// collectEvents 收集事件直到看见 until 类型或超时
func collectEvents(t *testing.T, sub eventbus.Subscription, until model.EventType) []*model.ContextEvent {
	t.Helper()
	var events []*model.ContextEvent
	deadline := time.After(2 * time.Second)
	for {
		select {
		case env, ok := <-sub.C():
			if !ok {
				return events
			}
			events = append(events, env.Event)
			if env.Event.Type == until {
				return events
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s, got %d events", until, len(events))
		}
	}
}

func eventTypes(events []*model.ContextEvent) []model.EventType {
	types := make([]model.EventType, len(events))
	for i, e := range events {
		types[i] = e.Type
	}
	return types
}

func TestStartHappyPath(t *testing.T) {
	agents := []config.AgentConfig{{Name: "weather", Enabled: true}}
	o, sup, store, _ := newTestOrchestrator(t, agents, false)
	sub := o.SubscribeEvents()
	defer sub.Close()

	ctx := context.Background()
	require.NoError(t, o.Start(ctx, "weather"))

	rec, err := store.FindActive(ctx, model.ServiceTypeAgent, "weather")
	require.NoError(t, err)
	assert.Equal(t, model.ServiceStateRunning, rec.State)
	require.NotNil(t, rec.PID)
	require.NotNil(t, rec.Port)
	assert.True(t, sup.Alive(*rec.PID))
	assert.Equal(t, 42010, *rec.Port)

	events := collectEvents(t, sub, model.EventAgentStarted)
	assert.Equal(t,
		[]model.EventType{model.EventAgentStarting, model.EventAgentStarted},
		eventTypes(events))

	// 子进程环境携带 Agent 标识与端口
	require.Len(t, sup.spawned, 1)
	assert.Contains(t, sup.spawned[0].Env, "AGENT_NAME=weather")
	assert.Contains(t, sup.spawned[0].Env, "AGENT_PORT=42010")
}

func TestStartIdempotentWhenRunning(t *testing.T) {
	agents := []config.AgentConfig{{Name: "weather", Enabled: true}}
	o, sup, _, _ := newTestOrchestrator(t, agents, false)

	ctx := context.Background()
	require.NoError(t, o.Start(ctx, "weather"))
	require.NoError(t, o.Start(ctx, "weather"))
	assert.Len(t, sup.spawned, 1)
}

func TestStartUnknownAgent(t *testing.T) {
	o, _, _, _ := newTestOrchestrator(t, nil, false)
	err := o.Start(context.Background(), "ghost")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestStartHealthGateTimeout(t *testing.T) {
	agents := []config.AgentConfig{{Name: "weather", Enabled: true}}
	o, sup, store, _ := newTestOrchestrator(t, agents, false)
	o.SetHealthProbe(func(ctx context.Context, port int) bool { return false })
	sub := o.SubscribeEvents()
	defer sub.Close()

	ctx := context.Background()
	err := o.Start(ctx, "weather")
	require.Error(t, err)
	assert.True(t, errdefs.IsDeadlineExceeded(err))

	// 健康门失败后进程被回收，记录降级为 failed
	assert.NotEmpty(t, sup.killed)
	_, err = store.FindActive(ctx, model.ServiceTypeAgent, "weather")
	assert.True(t, storage.IsNotFound(err))

	events := collectEvents(t, sub, model.EventAgentFailed)
	assert.Equal(t, model.EventAgentFailed, events[len(events)-1].Type)
}

func TestPortConflictKillPolicy(t *testing.T) {
	agents := []config.AgentConfig{{Name: "weather", Enabled: true}}
	o, sup, store, _ := newTestOrchestrator(t, agents, true)
	sub := o.SubscribeEvents()
	defer sub.Close()

	ctx := context.Background()
	// 上次分配的端口被外部进程 4242 占据
	_, err := store.UpsertStarting(ctx, model.ServiceTypeAgent, "weather", 42011)
	require.NoError(t, err)
	sup.ports[42011] = 4242

	require.NoError(t, o.Start(ctx, "weather"))

	events := collectEvents(t, sub, model.EventAgentStarted)
	assert.Equal(t,
		[]model.EventType{
			model.EventAgentStarting,
			model.EventPortConflict,
			model.EventPortConflictResolved,
			model.EventAgentStarted,
		},
		eventTypes(events))
	assert.Contains(t, sup.killed, 4242)

	rec, err := store.FindActive(ctx, model.ServiceTypeAgent, "weather")
	require.NoError(t, err)
	assert.Equal(t, 42011, *rec.Port)
}

func TestPortConflictWithoutKillPolicy(t *testing.T) {
	agents := []config.AgentConfig{{Name: "weather", Enabled: true}}
	o, sup, store, _ := newTestOrchestrator(t, agents, false)

	ctx := context.Background()
	_, err := store.UpsertStarting(ctx, model.ServiceTypeAgent, "weather", 42011)
	require.NoError(t, err)
	sup.ports[42011] = 4242

	err = o.Start(ctx, "weather")
	assert.ErrorIs(t, err, errdefs.ErrConflict)
	assert.Empty(t, sup.killed)
}

func TestDisableIsIdempotent(t *testing.T) {
	agents := []config.AgentConfig{{Name: "weather", Enabled: false}}
	o, _, _, _ := newTestOrchestrator(t, agents, false)
	assert.NoError(t, o.Disable(context.Background(), "weather"))
}

func TestDisableStopsGracefully(t *testing.T) {
	agents := []config.AgentConfig{{Name: "weather", Enabled: true}}
	o, sup, store, _ := newTestOrchestrator(t, agents, false)
	sub := o.SubscribeEvents()
	defer sub.Close()

	ctx := context.Background()
	require.NoError(t, o.Start(ctx, "weather"))
	rec, err := store.FindActive(ctx, model.ServiceTypeAgent, "weather")
	require.NoError(t, err)
	pid := *rec.PID

	require.NoError(t, o.Disable(ctx, "weather"))
	assert.Contains(t, sup.termed, pid)

	// 活跃记录消失，已按 stopped 归档
	_, err = store.FindActive(ctx, model.ServiceTypeAgent, "weather")
	assert.True(t, storage.IsNotFound(err))

	events := collectEvents(t, sub, model.EventAgentStopped)
	assert.Equal(t, model.EventAgentStopped, events[len(events)-1].Type)
}

func TestReconcileAlignsDesiredState(t *testing.T) {
	agents := []config.AgentConfig{
		{Name: "weather", Enabled: true},
		{Name: "research", Enabled: false},
	}
	o, sup, store, _ := newTestOrchestrator(t, agents, false)
	sub := o.SubscribeEvents()
	defer sub.Close()

	ctx := context.Background()
	require.NoError(t, o.Reconcile(ctx))

	rec, err := store.FindActive(ctx, model.ServiceTypeAgent, "weather")
	require.NoError(t, err)
	assert.Equal(t, model.ServiceStateRunning, rec.State)
	_, err = store.FindActive(ctx, model.ServiceTypeAgent, "research")
	assert.True(t, storage.IsNotFound(err))
	assert.Len(t, sup.spawned, 1)

	events := collectEvents(t, sub, model.EventAgentReconciliationComplete)
	last := events[len(events)-1]
	assert.Equal(t, 1, last.Payload["running"])
	assert.Equal(t, 2, last.Payload["total"])
}

func TestReconcileRestartsDeadAgent(t *testing.T) {
	agents := []config.AgentConfig{{Name: "weather", Enabled: true}}
	o, sup, store, _ := newTestOrchestrator(t, agents, false)

	ctx := context.Background()
	require.NoError(t, o.Start(ctx, "weather"))
	rec, err := store.FindActive(ctx, model.ServiceTypeAgent, "weather")
	require.NoError(t, err)

	// 模拟进程崩溃
	sup.mu.Lock()
	delete(sup.alive, *rec.PID)
	sup.mu.Unlock()

	require.NoError(t, o.Reconcile(ctx))

	rec2, err := store.FindActive(ctx, model.ServiceTypeAgent, "weather")
	require.NoError(t, err)
	assert.Equal(t, model.ServiceStateRunning, rec2.State)
	assert.NotEqual(t, *rec.PID, *rec2.PID)
	assert.Len(t, sup.spawned, 2)
}

func TestReconcileSurvivesPerAgentFailure(t *testing.T) {
	agents := []config.AgentConfig{
		{Name: "weather", Enabled: true},
		{Name: "research", Enabled: true},
	}
	o, sup, store, _ := newTestOrchestrator(t, agents, false)

	ctx := context.Background()
	// weather 的端口被占且不允许杀占用进程：它失败，research 照常启动
	_, err := store.UpsertStarting(ctx, model.ServiceTypeAgent, "weather", 42011)
	require.NoError(t, err)
	sup.ports[42011] = 4242

	require.NoError(t, o.Reconcile(ctx))

	_, err = store.FindActive(ctx, model.ServiceTypeAgent, "research")
	assert.NoError(t, err)
}

func TestHealthCheck(t *testing.T) {
	agents := []config.AgentConfig{{Name: "weather", Enabled: true}}
	o, sup, store, _ := newTestOrchestrator(t, agents, false)

	ctx := context.Background()
	h, err := o.HealthCheck(ctx, "weather")
	require.NoError(t, err)
	assert.Equal(t, HealthFailed, h.Status)

	require.NoError(t, o.Start(ctx, "weather"))
	h, err = o.HealthCheck(ctx, "weather")
	require.NoError(t, err)
	assert.Equal(t, HealthHealthy, h.Status)

	// 通过的健康检查刷新了心跳
	rec, err := store.FindActive(ctx, model.ServiceTypeAgent, "weather")
	require.NoError(t, err)
	assert.NotNil(t, rec.LastHeartbeatAt)

	// HTTP 探测失败但进程仍在 → 降级
	o.SetHealthProbe(func(ctx context.Context, port int) bool { return false })
	h, err = o.HealthCheck(ctx, "weather")
	require.NoError(t, err)
	assert.Equal(t, HealthDegraded, h.Status)

	// 进程消失 → 失败
	sup.mu.Lock()
	delete(sup.alive, *rec.PID)
	sup.mu.Unlock()
	h, err = o.HealthCheck(ctx, "weather")
	require.NoError(t, err)
	assert.Equal(t, HealthFailed, h.Status)
}

func TestAllocatorSkipsProtectedAndOccupied(t *testing.T) {
	agents := []config.AgentConfig{{Name: "weather", Enabled: true}}
	o, sup, _, _ := newTestOrchestrator(t, agents, false)

	// 受保护端口即便空闲也要跳过
	alloc := NewPortAllocator(o.store, sup, 5432, 5432)
	_, err := alloc.Allocate(context.Background(), model.ServiceTypeAgent)
	assert.ErrorIs(t, err, ErrNoFreePort)

	// 外部占用的端口跳过，取下一个
	sup.ports[42010] = 4242
	port, err := o.alloc.Allocate(context.Background(), model.ServiceTypeAgent)
	require.NoError(t, err)
	assert.Equal(t, 42011, port)
}

func TestRunEmitsStartupProtocol(t *testing.T) {
	agents := []config.AgentConfig{{Name: "weather", Enabled: true}}
	o, _, _, _ := newTestOrchestrator(t, agents, false)
	sub := o.SubscribeEvents()
	defer sub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	events := collectEvents(t, sub, model.EventPhaseCompleted)
	types := eventTypes(events)
	assert.Equal(t, model.EventPhaseStarted, types[0])
	assert.Contains(t, types, model.EventAgentStarted)
	assert.Contains(t, types, model.EventAgentReconciliationComplete)
	assert.Equal(t, model.EventPhaseCompleted, types[len(types)-1])

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}
