package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"agenthost/internal/shared/model"
	"agenthost/pkg/logging"
)

// ProtocolVersion MCP 协议版本
const ProtocolVersion = "2024-11-05"

// defaultCallTimeout 未携带 deadline 的请求的兜底超时
const defaultCallTimeout = 30 * time.Second

// Transport 客户端底层传输；测试中以管道假实现替换
type Transport interface {
	Start() error
	Stop(timeout time.Duration) error
	Write(data []byte) error
	Stdout() io.Reader
}

// Client 一个 MCP 服务器的 stdio 客户端
type Client struct {
	serverID  string
	transport Transport
	idGen     idGenerator
	logger    *logging.Logger

	mu          sync.RWMutex
	pending     map[string]chan *Response
	initialized bool
	serverName  string
}

// toolCallResult tools/call 的 wire 结构
type toolCallResult struct {
	Content           []model.ToolResultContent `json:"content"`
	StructuredContent json.RawMessage           `json:"structuredContent,omitempty"`
	IsError           bool                      `json:"isError,omitempty"`
}

// toolListResult tools/list 的 wire 结构
type toolListResult struct {
	Tools []struct {
		Name         string                 `json:"name"`
		Description  string                 `json:"description"`
		InputSchema  map[string]interface{} `json:"inputSchema"`
		OutputSchema map[string]interface{} `json:"outputSchema,omitempty"`
	} `json:"tools"`
}

// NewClient 创建客户端；serverID 即配置中的服务器标识
func NewClient(serverID string, transport Transport, logger *logging.Logger) *Client {
	return &Client{
		serverID:  serverID,
		transport: transport,
		logger:    logger,
		pending:   make(map[string]chan *Response),
	}
}

// ServerID 服务器标识
func (c *Client) ServerID() string { return c.serverID }

// Start 启动传输并完成 initialize 握手
func (c *Client) Start(ctx context.Context) error {
	if err := c.transport.Start(); err != nil {
		return err
	}
	go c.readLoop()

	result, err := c.call(ctx, "initialize", map[string]interface{}{
		"protocolVersion": ProtocolVersion,
		"clientInfo":      map[string]string{"name": "agenthost", "version": "1.0.0"},
		"capabilities":    map[string]interface{}{},
	})
	if err != nil {
		_ = c.transport.Stop(5 * time.Second)
		return fmt.Errorf("initialize handshake with %s: %w", c.serverID, err)
	}

	var init struct {
		ProtocolVersion string `json:"protocolVersion"`
		ServerInfo      struct {
			Name string `json:"name"`
		} `json:"serverInfo"`
	}
	if err := json.Unmarshal(result, &init); err != nil {
		_ = c.transport.Stop(5 * time.Second)
		return fmt.Errorf("parse initialize result from %s: %w", c.serverID, err)
	}
	if init.ProtocolVersion != ProtocolVersion {
		c.logger.Warn("mcp protocol version mismatch",
			"server", c.serverID, "client", ProtocolVersion, "server_version", init.ProtocolVersion)
	}

	c.mu.Lock()
	c.initialized = true
	c.serverName = init.ServerInfo.Name
	c.mu.Unlock()

	if err := c.notify("notifications/initialized", nil); err != nil {
		c.logger.Warn("initialized notification failed", "server", c.serverID)
	}
	return nil
}

// Stop 关闭客户端与子进程
func (c *Client) Stop() error {
	return c.transport.Stop(5 * time.Second)
}

// ListTools 发现服务器工具声明
func (c *Client) ListTools(ctx context.Context) ([]model.ToolDeclaration, error) {
	if !c.IsInitialized() {
		return nil, fmt.Errorf("mcp client %s not initialized", c.serverID)
	}

	result, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("tools/list on %s: %w", c.serverID, err)
	}

	var decoded toolListResult
	if err := json.Unmarshal(result, &decoded); err != nil {
		return nil, fmt.Errorf("parse tools/list from %s: %w", c.serverID, err)
	}

	decls := make([]model.ToolDeclaration, 0, len(decoded.Tools))
	for _, t := range decoded.Tools {
		decls = append(decls, model.ToolDeclaration{
			Name:         t.Name,
			Description:  t.Description,
			InputSchema:  t.InputSchema,
			OutputSchema: t.OutputSchema,
			MCPServer:    c.serverID,
		})
	}
	return decls, nil
}

// CallTool 执行工具；超时/取消经 ctx 透传
func (c *Client) CallTool(ctx context.Context, name string, arguments json.RawMessage) (*model.ToolResult, error) {
	if !c.IsInitialized() {
		return nil, fmt.Errorf("mcp client %s not initialized", c.serverID)
	}

	var args map[string]interface{}
	if len(arguments) > 0 {
		if err := json.Unmarshal(arguments, &args); err != nil {
			return nil, model.ErrInvalid(fmt.Sprintf("tool %s arguments are not a json object", name))
		}
	}

	result, err := c.call(ctx, "tools/call", map[string]interface{}{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return nil, fmt.Errorf("tools/call %s on %s: %w", name, c.serverID, err)
	}

	var decoded toolCallResult
	if err := json.Unmarshal(result, &decoded); err != nil {
		return nil, fmt.Errorf("parse tools/call result from %s: %w", c.serverID, err)
	}
	return &model.ToolResult{
		ToolName:          name,
		Content:           decoded.Content,
		StructuredContent: decoded.StructuredContent,
		IsError:           decoded.IsError,
	}, nil
}

// IsInitialized 握手是否已完成
func (c *Client) IsInitialized() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.initialized
}

func (c *Client) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id := c.idGen.next()
	data, err := json.Marshal(NewRequest(id, method, params))
	if err != nil {
		return nil, err
	}
	data = append(data, '\n')

	respChan := make(chan *Response, 1)
	c.mu.Lock()
	c.pending[id] = respChan
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.transport.Write(data); err != nil {
		return nil, err
	}

	timeout := time.NewTimer(defaultCallTimeout)
	defer timeout.Stop()

	select {
	case resp := <-respChan:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timeout.C:
		return nil, model.ErrTimeout(fmt.Sprintf("mcp %s %s timed out", c.serverID, method))
	}
}

func (c *Client) notify(method string, params interface{}) error {
	data, err := json.Marshal(NewNotification(method, params))
	if err != nil {
		return err
	}
	return c.transport.Write(append(data, '\n'))
}

// readLoop 逐行读响应并路由到等待的调用方
func (c *Client) readLoop() {
	scanner := bufio.NewScanner(c.transport.Stdout())
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		resp, err := DecodeResponse(scanner.Bytes())
		if err != nil {
			c.logger.Warn("undecodable line from mcp server", "server", c.serverID)
			continue
		}

		id := fmt.Sprintf("%v", resp.ID)
		c.mu.RLock()
		ch, ok := c.pending[id]
		c.mu.RUnlock()
		if !ok {
			// 服务器主动通知等无主消息，直接忽略
			continue
		}
		select {
		case ch <- resp:
		default:
		}
	}
	if err := scanner.Err(); err != nil {
		c.logger.WithError(err).Warn("mcp read loop terminated", "server", c.serverID)
	}
}
