// Package provider AI 提供商抽象
//
// 目录结构：
//   - provider.go: 能力面、统一参数与 Provider 接口
//   - registry.go: 按名字注册/查找提供商
//   - anthropic.go: Anthropic Messages API 适配器（官方 SDK）
//   - openai.go:    OpenAI Chat Completions 适配器（官方 SDK）
//   - gemini.go:    Gemini 风格 HTTP 适配器（system 合并进首个 user 轮）
//   - scripted.go:  脚本化假提供商（测试注入）
//
// 能力是上报的数据而非编译期特化：调用方先查 Capabilities，
// 对不支持的操作各适配器统一返回 Unsupported 错误。
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"agenthost/internal/shared/model"
)

// Role 会话消息角色
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message 提供商无关的会话消息
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`

	// ToolCalls assistant 轮携带的工具调用
	ToolCalls []model.ToolCall `json:"tool_calls,omitempty"`

	// ToolResults tool 轮携带的执行结果
	ToolResults []model.ToolResult `json:"tool_results,omitempty"`
}

// GenerationParams 一次生成请求的统一参数
type GenerationParams struct {
	Messages        []Message `json:"messages"`
	Model           string    `json:"model"`
	MaxOutputTokens int       `json:"max_output_tokens"`

	// 采样参数；nil 表示用提供商默认值
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
}

// Response 一次生成的结果
type Response struct {
	Content   string           `json:"content"`
	ToolCalls []model.ToolCall `json:"tool_calls,omitempty"`
}

// Capabilities 提供商能力面
type Capabilities struct {
	JSONMode         bool `json:"json_mode"`
	StructuredOutput bool `json:"structured_output"`
	Streaming        bool `json:"streaming"`
	GoogleSearch     bool `json:"google_search"`
}

// Pricing 每千 token 价格（美元）
type Pricing struct {
	InputCostPer1K  float64 `json:"input_cost_per_1k"`
	OutputCostPer1K float64 `json:"output_cost_per_1k"`
}

// Provider AI 提供商统一接口
//
// 阻塞操作全部携带 context；取消令牌透传到底层 HTTP 请求。
type Provider interface {
	Name() string
	DefaultModel() string
	SupportsModel(model string) bool
	Capabilities() Capabilities
	Pricing(model string) Pricing

	// Generate 纯文本生成
	Generate(ctx context.Context, params GenerationParams) (string, error)

	// GenerateWithTools 携带工具声明生成；返回文本与待执行的工具调用
	GenerateWithTools(ctx context.Context, params GenerationParams, tools []model.ToolDeclaration) (*Response, error)

	// GenerateWithToolResults 把工具执行结果交回提供商做综合
	GenerateWithToolResults(ctx context.Context, params GenerationParams, calls []model.ToolCall, results []model.ToolResult) (string, error)

	// GenerateStructured 按 JSON mode 生成；能力缺失返回 Unsupported
	GenerateStructured(ctx context.Context, params GenerationParams, schema map[string]interface{}) (json.RawMessage, error)

	// GenerateWithGoogleSearch 搜索增强生成；能力缺失返回 Unsupported
	GenerateWithGoogleSearch(ctx context.Context, params GenerationParams) (string, error)

	// GenerateStream 流式文本生成；Streaming 能力缺失返回 Unsupported
	GenerateStream(ctx context.Context, params GenerationParams) (<-chan string, error)
}

// Unsupported 构造能力缺失错误
func Unsupported(provider, capability string) error {
	return model.ErrUnsupported(fmt.Sprintf("provider %s does not support %s", provider, capability))
}

// ProviderError 构造提供商上游错误
func ProviderError(provider string, err error) error {
	return fmt.Errorf("provider %s: %w", provider, err)
}

// HTTPError HTTP 层上游错误（状态码 + 响应体）
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("upstream http %d: %s", e.Status, e.Body)
}

// fallbackToolResults 默认的 generate_with_tool_results 实现：
// 把工具结果拼成一个合成 user 轮，退化为普通 Generate。
func fallbackToolResults(ctx context.Context, p Provider, params GenerationParams, calls []model.ToolCall, results []model.ToolResult) (string, error) {
	params.Messages = append(params.Messages, Message{
		Role:    RoleUser,
		Content: SummariseToolResults(calls, results),
	})
	return p.Generate(ctx, params)
}

// SummariseToolResults 把一轮工具执行结果格式化为可读文本
func SummariseToolResults(calls []model.ToolCall, results []model.ToolResult) string {
	byID := make(map[string]*model.ToolResult, len(results))
	for i := range results {
		byID[results[i].CallID] = &results[i]
	}

	var b strings.Builder
	b.WriteString("Tool execution results:\n")
	for _, call := range calls {
		res := byID[call.ID]
		fmt.Fprintf(&b, "- %s: ", call.Name)
		switch {
		case res == nil:
			b.WriteString("no result")
		case res.IsError:
			fmt.Fprintf(&b, "error: %s", res.TextContent())
		case len(res.StructuredContent) > 0:
			b.WriteString(string(res.StructuredContent))
		default:
			b.WriteString(res.TextContent())
		}
		b.WriteString("\n")
	}
	return b.String()
}

// MergeSystemIntoUser Gemini 风格消息预处理：把所有 system 文本
// 合并进首个 user 轮之前的内容
func MergeSystemIntoUser(messages []Message) []Message {
	var system []string
	for _, m := range messages {
		if m.Role == RoleSystem && m.Content != "" {
			system = append(system, m.Content)
		}
	}
	if len(system) == 0 {
		return messages
	}

	prefix := strings.Join(system, "\n\n")
	merged := make([]Message, 0, len(messages))
	injected := false
	for _, m := range messages {
		if m.Role == RoleSystem {
			continue
		}
		if !injected && m.Role == RoleUser {
			m.Content = prefix + "\n\n" + m.Content
			injected = true
		}
		merged = append(merged, m)
	}
	if !injected {
		// 没有 user 轮：system 文本单独成轮
		merged = append([]Message{{Role: RoleUser, Content: prefix}}, merged...)
	}
	return merged
}
