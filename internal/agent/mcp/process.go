package mcp

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"agenthost/pkg/logging"
)

// ServerProcess MCP 服务器子进程
//
// stdio 传输：请求写 stdin，一行一个 JSON-RPC 消息；响应从
// stdout 逐行读取；stderr 打到日志。
type ServerProcess struct {
	command string
	args    []string
	env     []string
	logger  *logging.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	running bool
	done    chan error
}

// NewServerProcess 创建子进程管理器
//
// extraEnv 叠加在父进程环境之上。
func NewServerProcess(command string, args []string, extraEnv map[string]string, logger *logging.Logger) *ServerProcess {
	env := os.Environ()
	for k, v := range extraEnv {
		env = append(env, k+"="+v)
	}
	return &ServerProcess{command: command, args: args, env: env, logger: logger}
}

// Start 启动子进程并接好管道
func (p *ServerProcess) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return fmt.Errorf("mcp server process already running")
	}

	resolved, err := exec.LookPath(p.command)
	if err != nil {
		return fmt.Errorf("mcp server command not found: %w", err)
	}

	cmd := exec.Command(resolved, p.args...)
	cmd.Env = p.env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start mcp server: %w", err)
	}

	p.cmd = cmd
	p.stdin = stdin
	p.stdout = stdout
	p.running = true
	p.done = make(chan error, 1)

	p.logger.Info("mcp server started", "command", p.command, "pid", cmd.Process.Pid)

	go p.drainStderr(stderr)
	go func() { p.done <- cmd.Wait() }()
	return nil
}

// Stop 先关 stdin 等子进程自然退出，超时后强杀
func (p *ServerProcess) Stop(timeout time.Duration) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	stdin, cmd, done := p.stdin, p.cmd, p.done
	p.mu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		p.logger.Warn("mcp server did not exit, killing", "command", p.command)
		if cmd != nil && cmd.Process != nil {
			if err := cmd.Process.Kill(); err != nil {
				return fmt.Errorf("kill mcp server: %w", err)
			}
		}
		return nil
	}
}

// Running 子进程是否在运行
func (p *ServerProcess) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Write 向 stdin 写一条完整消息
func (p *ServerProcess) Write(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running || p.stdin == nil {
		return fmt.Errorf("mcp server process not running")
	}
	if _, err := p.stdin.Write(data); err != nil {
		return fmt.Errorf("write to mcp server: %w", err)
	}
	return nil
}

// Stdout 响应读取端
func (p *ServerProcess) Stdout() io.Reader {
	return p.stdout
}

func (p *ServerProcess) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		p.logger.Debug("mcp server stderr", "command", p.command, "line", scanner.Text())
	}
}
