// Package model 定义核心数据模型
//
// tool.go 包含工具调用相关的瞬态对象定义：
//   - ToolDeclaration：从 MCP 服务器发现的工具声明
//   - ToolCall：AI 提供商产生的一次工具调用请求
//   - ToolResult：工具执行结果信封
//
// 这些对象仅在单轮执行内存活，不落库；
// 成功的结构化结果经指纹去重后提升为 Artifact。
package model

import (
	"encoding/json"
)

// ============================================================================
// ToolDeclaration - 工具声明
// ============================================================================

// ToolDeclaration 工具声明
//
// 声明必须带非空描述和输入 schema；缺失 schema 是硬配置错误。
type ToolDeclaration struct {
	// Name 工具名称
	Name string `json:"name"`

	// Description 工具描述（必填）
	Description string `json:"description"`

	// InputSchema 输入参数 JSON Schema（必填）
	InputSchema map[string]interface{} `json:"input_schema"`

	// OutputSchema 输出 JSON Schema（可为空）
	OutputSchema map[string]interface{} `json:"output_schema,omitempty"`

	// MCPServer 来源 MCP 服务器标识
	MCPServer string `json:"mcp_server"`
}

// ============================================================================
// ToolCall / ToolResult - 单轮瞬态对象
// ============================================================================

// ToolCall AI 提供商产生的一次工具调用请求
type ToolCall struct {
	// ID 提供商分配的调用标识
	ID string `json:"id"`

	// Name 工具名称（可能是 auto-split 后的虚拟名）
	Name string `json:"name"`

	// Arguments 调用参数（JSON 对象）
	Arguments json.RawMessage `json:"arguments"`

	// MCPServer 解析出的目标 MCP 服务器
	MCPServer string `json:"mcp_server,omitempty"`
}

// ToolResultContent 工具结果的内容块
type ToolResultContent struct {
	// Type 内容类型（text / image / resource）
	Type string `json:"type"`

	// Text 文本内容
	Text string `json:"text,omitempty"`

	// Data base64 数据（image 等）
	Data string `json:"data,omitempty"`

	// MimeType MIME 类型
	MimeType string `json:"mimeType,omitempty"`
}

// ToolResult 工具执行结果信封
//
// IsError=true 的结果只进入执行步骤日志，不产生 Artifact。
type ToolResult struct {
	// CallID 对应的调用标识
	CallID string `json:"call_id"`

	// ToolName 工具名称
	ToolName string `json:"tool_name"`

	// Content 内容块列表
	Content []ToolResultContent `json:"content"`

	// StructuredContent 结构化内容（可为空）
	StructuredContent json.RawMessage `json:"structured_content,omitempty"`

	// IsError 是否执行失败
	IsError bool `json:"is_error"`
}

// TextContent 拼接全部文本内容块
func (r *ToolResult) TextContent() string {
	var out string
	for _, c := range r.Content {
		if c.Type == "text" {
			out += c.Text
		}
	}
	return out
}
