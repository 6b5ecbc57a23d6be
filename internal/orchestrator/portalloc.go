package orchestrator

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/containerd/errdefs"

	"agenthost/internal/shared/model"
	"agenthost/internal/shared/storage"
)

// ErrNoFreePort 端口范围内无可用端口
var ErrNoFreePort = fmt.Errorf("no free port in range: %w", errdefs.ErrConflict)

// PortAllocator 端口分配器
//
// 分配是建议性的：取范围内最小的既不被活跃 ServiceRecord 占有、
// 也不被外部进程监听的端口。调用方随后写 ServiceRecord 并以实际
// bind 成功为准；数据库 (type, port, active) 唯一约束串行化并发
// 分配，失败方重试下一个空闲端口。
type PortAllocator struct {
	store      storage.ServiceStore
	supervisor Supervisor
	low, high  int
}

// NewPortAllocator 创建端口分配器
func NewPortAllocator(store storage.ServiceStore, sup Supervisor, low, high int) *PortAllocator {
	return &PortAllocator{store: store, supervisor: sup, low: low, high: high}
}

// Allocate 分配最小空闲端口
func (a *PortAllocator) Allocate(ctx context.Context, typ model.ServiceType) (int, error) {
	owned, err := a.store.ListActivePorts(ctx, typ)
	if err != nil {
		return 0, err
	}
	taken := make(map[int]bool, len(owned))
	for _, p := range owned {
		taken[p] = true
	}

	for port := a.low; port <= a.high; port++ {
		if protectedPorts[port] || taken[port] {
			continue
		}
		if pid := a.supervisor.CheckPort(port); pid != nil {
			continue
		}
		if !bindable(port) {
			continue
		}
		return port, nil
	}
	return 0, ErrNoFreePort
}

// bindable 尝试瞬时 bind 确认端口真正空闲
func bindable(port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
