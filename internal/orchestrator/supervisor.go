// Package orchestrator Agent 进程编排
//
// 目录结构：
//   - supervisor.go:   进程监督（spawn / 信号 / 端口探测）
//   - portalloc.go:    端口分配器
//   - orchestrator.go: 生命周期编排与对账循环
//   - metrics.go:      Prometheus 指标
package orchestrator

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"agenthost/pkg/logging"
)

// 受保护端口与进程名：任何触碰它们的操作一律空操作/拒绝
var (
	protectedPorts  = map[int]bool{5432: true, 6432: true}
	protectedTokens = []string{"postgres", "pgbouncer", "psql"}
)

// maxLogSize 单个子进程日志上限，超过后轮转为 .log.old
const maxLogSize = 10 * 1024 * 1024

// forceKillWindow 强杀后确认进程消失的等待上限
const forceKillWindow = 5 * time.Second

// SpawnSpec 子进程启动参数
type SpawnSpec struct {
	Binary  string   // 可执行文件绝对路径
	Args    []string // 命令行参数
	Env     []string // 完整环境（含父进程环境）
	LogFile string   // stderr 重定向目标；stdout/stdin 均接 /dev/null
}

// Supervisor 进程监督接口
//
// 测试中以假实现替换，编排逻辑不直接触碰 OS。
type Supervisor interface {
	// Spawn 启动子进程并返回 PID；二进制缺失、不可执行或
	// 启动即退出时返回错误
	Spawn(spec SpawnSpec) (int, error)

	// Alive 进程是否存在
	Alive(pid int) bool

	// TerminateGracefully 先礼后兵：SIGTERM → 每 100ms 轮询至
	// grace 上限 → SIGKILL → 再轮询 5s；最终仍存活返回错误
	TerminateGracefully(pid int, grace time.Duration) error

	// KillProcess 直接强杀
	KillProcess(pid int) error

	// CheckPort 返回占用该 TCP 端口的 PID；空闲返回 nil。
	// 受保护端口无论占用与否一律返回 nil。
	CheckPort(port int) *int

	// KillByPattern 按命令行模式杀进程；模式含受保护进程名时拒绝
	KillByPattern(pattern string) error
}

// ProcSupervisor 基于 os/exec 与信号的默认实现
type ProcSupervisor struct {
	logger *logging.Logger
}

// NewProcSupervisor 创建进程监督器
func NewProcSupervisor(logger *logging.Logger) *ProcSupervisor {
	return &ProcSupervisor{logger: logger}
}

// Spawn 启动子进程
//
// 启动后等待一个短暂验证窗口，子进程在窗口内退出视为启动失败。
func (s *ProcSupervisor) Spawn(spec SpawnSpec) (int, error) {
	info, err := os.Stat(spec.Binary)
	if err != nil {
		return 0, fmt.Errorf("spawn failed: binary not found: %s", spec.Binary)
	}
	if info.Mode()&0o111 == 0 {
		return 0, fmt.Errorf("spawn failed: binary not executable: %s", spec.Binary)
	}

	if err := rotateLog(spec.LogFile); err != nil {
		return 0, fmt.Errorf("spawn failed: log rotation: %w", err)
	}
	logFile, err := os.OpenFile(spec.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("spawn failed: open log: %w", err)
	}

	cmd := exec.Command(spec.Binary, spec.Args...)
	cmd.Env = spec.Env
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = logFile
	// 独立进程组：编排器退出不连带杀掉 Agent
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return 0, fmt.Errorf("spawn failed: %w", err)
	}
	pid := cmd.Process.Pid

	// 回收 zombie；子进程预期常驻，Wait 在后台挂着即可
	go func() {
		_ = cmd.Wait()
		logFile.Close()
	}()

	// 验证窗口：立即崩溃的进程不算启动成功
	time.Sleep(100 * time.Millisecond)
	if !s.Alive(pid) {
		return 0, fmt.Errorf("spawn failed: process %d exited immediately", pid)
	}
	return pid, nil
}

// Alive 信号 0 探测进程存在性
func (s *ProcSupervisor) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	// EPERM 表示进程存在但不属于我们
	return err == nil || err == syscall.EPERM
}

// TerminateGracefully 优雅终止
func (s *ProcSupervisor) TerminateGracefully(pid int, grace time.Duration) error {
	if !s.Alive(pid) {
		return nil
	}
	_ = syscall.Kill(pid, syscall.SIGTERM)
	if waitGone(s.Alive, pid, grace) {
		return nil
	}

	s.logger.Warn("graceful termination timed out, forcing kill", "pid", pid)
	_ = syscall.Kill(pid, syscall.SIGKILL)
	if waitGone(s.Alive, pid, forceKillWindow) {
		return nil
	}
	return fmt.Errorf("termination failed: process %d survived SIGKILL", pid)
}

// KillProcess 直接 SIGKILL
func (s *ProcSupervisor) KillProcess(pid int) error {
	if !s.Alive(pid) {
		return nil
	}
	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil {
		return fmt.Errorf("kill %d: %w", pid, err)
	}
	if !waitGone(s.Alive, pid, forceKillWindow) {
		return fmt.Errorf("termination failed: process %d survived SIGKILL", pid)
	}
	return nil
}

// CheckPort 查询端口占用进程
func (s *ProcSupervisor) CheckPort(port int) *int {
	if protectedPorts[port] {
		return nil
	}
	// lsof -t 只输出 PID，一行一个
	out, err := exec.Command("lsof", "-t", "-iTCP:"+strconv.Itoa(port), "-sTCP:LISTEN").Output()
	if err != nil {
		// lsof 无匹配时以非零退出，视为空闲
		return nil
	}
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		pid, err := strconv.Atoi(strings.TrimSpace(line))
		if err == nil && pid > 0 {
			return &pid
		}
	}
	return nil
}

// KillByPattern 按命令行模式杀进程
func (s *ProcSupervisor) KillByPattern(pattern string) error {
	lower := strings.ToLower(pattern)
	for _, token := range protectedTokens {
		if strings.Contains(lower, token) {
			return fmt.Errorf("refusing to kill protected process pattern: %s", pattern)
		}
	}
	if err := exec.Command("pkill", "-f", pattern).Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			// 无匹配进程
			return nil
		}
		return fmt.Errorf("pkill -f %q: %w", pattern, err)
	}
	return nil
}

// rotateLog 超过上限时把旧日志挪到 .log.old
func rotateLog(path string) error {
	if path == "" {
		return fmt.Errorf("empty log file path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Size() < maxLogSize {
		return nil
	}
	return os.Rename(path, path+".old")
}

// waitGone 每 100ms 轮询进程消失，超时返回 false
func waitGone(alive func(int) bool, pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !alive(pid) {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return !alive(pid)
}
