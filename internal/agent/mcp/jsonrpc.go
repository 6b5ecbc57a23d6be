// Package mcp MCP 客户端（stdio 传输）
//
// 目录结构：
//   - jsonrpc.go: JSON-RPC 2.0 wire 结构
//   - process.go: MCP 服务器子进程管理
//   - client.go:  initialize 握手、tools/list、tools/call
package mcp

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
)

// Version JSON-RPC 协议版本
const Version = "2.0"

// 标准 JSON-RPC 错误码
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeServerError    = -32000
)

// Request JSON-RPC 2.0 请求
type Request struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id,omitempty"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// Response JSON-RPC 2.0 响应
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError JSON-RPC 2.0 错误对象
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Notification JSON-RPC 2.0 通知（无 ID，不期待响应）
type Notification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// NewRequest 构造请求
func NewRequest(id interface{}, method string, params interface{}) *Request {
	return &Request{JSONRPC: Version, ID: id, Method: method, Params: params}
}

// NewNotification 构造通知
func NewNotification(method string, params interface{}) *Notification {
	return &Notification{JSONRPC: Version, Method: method, Params: params}
}

// DecodeResponse 解析并校验一行响应
func DecodeResponse(data []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, &RPCError{Code: CodeParseError, Message: "invalid json", Data: err.Error()}
	}
	if resp.JSONRPC != Version {
		return nil, &RPCError{Code: CodeInvalidRequest, Message: "unexpected jsonrpc version " + resp.JSONRPC}
	}
	return &resp, nil
}

// idGenerator 单调递增的请求 ID
type idGenerator struct {
	counter atomic.Int64
}

func (g *idGenerator) next() string {
	return fmt.Sprintf("%d", g.counter.Add(1))
}
