package provider

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"

	"agenthost/internal/shared/model"
)

// anthropicPricing 每千 token 价格表
var anthropicPricing = map[string]Pricing{
	"claude-sonnet-4-20250514":   {InputCostPer1K: 0.003, OutputCostPer1K: 0.015},
	"claude-3-7-sonnet-20250219": {InputCostPer1K: 0.003, OutputCostPer1K: 0.015},
	"claude-3-5-haiku-20241022":  {InputCostPer1K: 0.0008, OutputCostPer1K: 0.004},
	"claude-opus-4-20250514":     {InputCostPer1K: 0.015, OutputCostPer1K: 0.075},
}

const anthropicDefaultModel = "claude-sonnet-4-20250514"

// Anthropic 基于官方 SDK 的 Messages API 适配器
type Anthropic struct {
	client       anthropic.Client
	defaultModel string
}

// NewAnthropic 创建 Anthropic 适配器
func NewAnthropic(apiKey, baseURL, defaultModel string) *Anthropic {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if defaultModel == "" {
		defaultModel = anthropicDefaultModel
	}
	return &Anthropic{
		client:       anthropic.NewClient(opts...),
		defaultModel: defaultModel,
	}
}

func (a *Anthropic) Name() string         { return "anthropic" }
func (a *Anthropic) DefaultModel() string { return a.defaultModel }

func (a *Anthropic) SupportsModel(m string) bool {
	return strings.HasPrefix(m, "claude-")
}

func (a *Anthropic) Capabilities() Capabilities {
	return Capabilities{Streaming: true}
}

func (a *Anthropic) Pricing(m string) Pricing {
	if p, ok := anthropicPricing[m]; ok {
		return p
	}
	return anthropicPricing[anthropicDefaultModel]
}

// Generate 纯文本生成
func (a *Anthropic) Generate(ctx context.Context, params GenerationParams) (string, error) {
	resp, err := a.client.Messages.New(ctx, a.buildParams(params, nil))
	if err != nil {
		return "", ProviderError(a.Name(), err)
	}
	return textOfBlocks(resp.Content), nil
}

// GenerateWithTools 携带工具声明生成
func (a *Anthropic) GenerateWithTools(ctx context.Context, params GenerationParams, tools []model.ToolDeclaration) (*Response, error) {
	resp, err := a.client.Messages.New(ctx, a.buildParams(params, tools))
	if err != nil {
		return nil, ProviderError(a.Name(), err)
	}

	out := &Response{Content: textOfBlocks(resp.Content)}
	for _, block := range resp.Content {
		if block.Type != "tool_use" {
			continue
		}
		tu := block.AsToolUse()
		args, _ := json.Marshal(tu.Input)
		id := tu.ID
		if id == "" {
			id = uuid.NewString()
		}
		out.ToolCalls = append(out.ToolCalls, model.ToolCall{
			ID:        id,
			Name:      tu.Name,
			Arguments: args,
		})
	}
	return out, nil
}

// GenerateWithToolResults 把工具结果以 tool_result 块交回提供商
func (a *Anthropic) GenerateWithToolResults(ctx context.Context, params GenerationParams, calls []model.ToolCall, results []model.ToolResult) (string, error) {
	params.Messages = append(params.Messages,
		Message{Role: RoleAssistant, ToolCalls: calls},
		Message{Role: RoleTool, ToolResults: results},
	)
	return a.Generate(ctx, params)
}

func (a *Anthropic) GenerateStructured(ctx context.Context, params GenerationParams, schema map[string]interface{}) (json.RawMessage, error) {
	return nil, Unsupported(a.Name(), "structured output")
}

func (a *Anthropic) GenerateWithGoogleSearch(ctx context.Context, params GenerationParams) (string, error) {
	return "", Unsupported(a.Name(), "google search")
}

// GenerateStream 流式文本生成
func (a *Anthropic) GenerateStream(ctx context.Context, params GenerationParams) (<-chan string, error) {
	stream := a.client.Messages.NewStreaming(ctx, a.buildParams(params, nil))
	out := make(chan string, 32)
	go func() {
		defer close(out)
		for stream.Next() {
			event := stream.Current()
			switch variant := event.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				if delta, ok := variant.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" {
					select {
					case out <- delta.Text:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out, nil
}

// buildParams 组装 Messages API 请求
func (a *Anthropic) buildParams(params GenerationParams, tools []model.ToolDeclaration) anthropic.MessageNewParams {
	modelName := params.Model
	if modelName == "" {
		modelName = a.defaultModel
	}
	maxTokens := int64(params.MaxOutputTokens)
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	req := anthropic.MessageNewParams{
		Model:     anthropic.Model(modelName),
		MaxTokens: maxTokens,
		Messages:  a.buildMessages(params.Messages),
	}
	if params.Temperature != nil {
		req.Temperature = anthropic.Float(*params.Temperature)
	}
	if params.TopP != nil {
		req.TopP = anthropic.Float(*params.TopP)
	}

	// system 轮单独走 System 字段
	for _, m := range params.Messages {
		if m.Role == RoleSystem && m.Content != "" {
			req.System = append(req.System, anthropic.TextBlockParam{Text: m.Content})
		}
	}

	for _, tool := range tools {
		schema := anthropic.ToolInputSchemaParam{}
		if props, ok := tool.InputSchema["properties"]; ok {
			schema.Properties = props
		}
		if req2, ok := tool.InputSchema["required"].([]interface{}); ok {
			for _, r := range req2 {
				if s, ok := r.(string); ok {
					schema.Required = append(schema.Required, s)
				}
			}
		} else if reqStr, ok := tool.InputSchema["required"].([]string); ok {
			schema.Required = reqStr
		}
		req.Tools = append(req.Tools, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        tool.Name,
				Description: anthropic.String(tool.Description),
				InputSchema: schema,
			},
		})
	}
	return req
}

// buildMessages 统一消息转 Anthropic 消息序列
//
// tool 轮按协议要求以 user 角色携带 tool_result 块。
func (a *Anthropic) buildMessages(messages []Message) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			continue
		case RoleUser:
			if m.Content != "" {
				out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
			}
		case RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, call := range m.ToolCalls {
				var input interface{}
				if len(call.Arguments) > 0 {
					_ = json.Unmarshal(call.Arguments, &input)
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(call.ID, input, call.Name))
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}
		case RoleTool:
			var blocks []anthropic.ContentBlockParamUnion
			for _, res := range m.ToolResults {
				text := res.TextContent()
				if text == "" && len(res.StructuredContent) > 0 {
					text = string(res.StructuredContent)
				}
				blocks = append(blocks, anthropic.NewToolResultBlock(res.CallID, text, res.IsError))
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewUserMessage(blocks...))
			}
		}
	}
	return out
}

// textOfBlocks 抽取响应中全部 text 块
func textOfBlocks(blocks []anthropic.ContentBlockUnion) string {
	var b strings.Builder
	for _, block := range blocks {
		if block.Type == "text" {
			b.WriteString(block.AsText().Text)
		}
	}
	return b.String()
}
