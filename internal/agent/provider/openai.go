package provider

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"agenthost/internal/shared/model"
)

// openaiPricing 每千 token 价格表
var openaiPricing = map[string]Pricing{
	"gpt-4o":      {InputCostPer1K: 0.0025, OutputCostPer1K: 0.01},
	"gpt-4o-mini": {InputCostPer1K: 0.00015, OutputCostPer1K: 0.0006},
	"gpt-4.1":     {InputCostPer1K: 0.002, OutputCostPer1K: 0.008},
	"o3-mini":     {InputCostPer1K: 0.0011, OutputCostPer1K: 0.0044},
}

const openaiDefaultModel = "gpt-4o-mini"

// OpenAI 基于官方 SDK 的 Chat Completions 适配器
type OpenAI struct {
	client       openai.Client
	defaultModel string
}

// NewOpenAI 创建 OpenAI 适配器
func NewOpenAI(apiKey, baseURL, defaultModel string) *OpenAI {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if defaultModel == "" {
		defaultModel = openaiDefaultModel
	}
	return &OpenAI{
		client:       openai.NewClient(opts...),
		defaultModel: defaultModel,
	}
}

func (o *OpenAI) Name() string         { return "openai" }
func (o *OpenAI) DefaultModel() string { return o.defaultModel }

func (o *OpenAI) SupportsModel(m string) bool {
	return strings.HasPrefix(m, "gpt-") || strings.HasPrefix(m, "o1") || strings.HasPrefix(m, "o3")
}

func (o *OpenAI) Capabilities() Capabilities {
	return Capabilities{JSONMode: true, StructuredOutput: true, Streaming: true}
}

func (o *OpenAI) Pricing(m string) Pricing {
	if p, ok := openaiPricing[m]; ok {
		return p
	}
	return openaiPricing[openaiDefaultModel]
}

// Generate 纯文本生成
func (o *OpenAI) Generate(ctx context.Context, params GenerationParams) (string, error) {
	resp, err := o.client.Chat.Completions.New(ctx, o.buildParams(params, nil))
	if err != nil {
		return "", ProviderError(o.Name(), err)
	}
	if len(resp.Choices) == 0 {
		return "", ProviderError(o.Name(), errNoChoices)
	}
	return resp.Choices[0].Message.Content, nil
}

// GenerateWithTools 携带工具声明生成
func (o *OpenAI) GenerateWithTools(ctx context.Context, params GenerationParams, tools []model.ToolDeclaration) (*Response, error) {
	resp, err := o.client.Chat.Completions.New(ctx, o.buildParams(params, tools))
	if err != nil {
		return nil, ProviderError(o.Name(), err)
	}
	if len(resp.Choices) == 0 {
		return nil, ProviderError(o.Name(), errNoChoices)
	}

	msg := resp.Choices[0].Message
	out := &Response{Content: msg.Content}
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, model.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	return out, nil
}

// GenerateWithToolResults 以 tool 角色消息交回工具结果
func (o *OpenAI) GenerateWithToolResults(ctx context.Context, params GenerationParams, calls []model.ToolCall, results []model.ToolResult) (string, error) {
	params.Messages = append(params.Messages,
		Message{Role: RoleAssistant, ToolCalls: calls},
		Message{Role: RoleTool, ToolResults: results},
	)
	return o.Generate(ctx, params)
}

// GenerateStructured JSON mode 生成
func (o *OpenAI) GenerateStructured(ctx context.Context, params GenerationParams, schema map[string]interface{}) (json.RawMessage, error) {
	req := o.buildParams(params, nil)
	req.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
		OfJSONObject: &openai.ResponseFormatJSONObjectParam{},
	}
	resp, err := o.client.Chat.Completions.New(ctx, req)
	if err != nil {
		return nil, ProviderError(o.Name(), err)
	}
	if len(resp.Choices) == 0 {
		return nil, ProviderError(o.Name(), errNoChoices)
	}
	return json.RawMessage(resp.Choices[0].Message.Content), nil
}

func (o *OpenAI) GenerateWithGoogleSearch(ctx context.Context, params GenerationParams) (string, error) {
	return "", Unsupported(o.Name(), "google search")
}

// GenerateStream 流式文本生成
func (o *OpenAI) GenerateStream(ctx context.Context, params GenerationParams) (<-chan string, error) {
	stream := o.client.Chat.Completions.NewStreaming(ctx, o.buildParams(params, nil))
	out := make(chan string, 32)
	go func() {
		defer close(out)
		for stream.Next() {
			chunk := stream.Current()
			for _, choice := range chunk.Choices {
				if choice.Delta.Content == "" {
					continue
				}
				select {
				case out <- choice.Delta.Content:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// buildParams 组装 Chat Completions 请求
func (o *OpenAI) buildParams(params GenerationParams, tools []model.ToolDeclaration) openai.ChatCompletionNewParams {
	modelName := params.Model
	if modelName == "" {
		modelName = o.defaultModel
	}

	req := openai.ChatCompletionNewParams{
		Model:    modelName,
		Messages: o.buildMessages(params.Messages),
	}
	if params.MaxOutputTokens > 0 {
		req.MaxCompletionTokens = openai.Int(int64(params.MaxOutputTokens))
	}
	if params.Temperature != nil {
		req.Temperature = openai.Float(*params.Temperature)
	}
	if params.TopP != nil {
		req.TopP = openai.Float(*params.TopP)
	}

	for _, tool := range tools {
		req.Tools = append(req.Tools, openai.ChatCompletionToolParam{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        tool.Name,
				Description: openai.String(tool.Description),
				Parameters:  openai.FunctionParameters(tool.InputSchema),
			},
		})
	}
	return req
}

// buildMessages 统一消息转 OpenAI 消息序列
func (o *OpenAI) buildMessages(messages []Message) []openai.ChatCompletionMessageParamUnion {
	var out []openai.ChatCompletionMessageParamUnion
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case RoleUser:
			out = append(out, openai.UserMessage(m.Content))
		case RoleAssistant:
			if len(m.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(m.Content))
				continue
			}
			var calls []openai.ChatCompletionMessageToolCallParam
			for _, call := range m.ToolCalls {
				calls = append(calls, openai.ChatCompletionMessageToolCallParam{
					ID:   call.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      call.Name,
						Arguments: string(call.Arguments),
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{
				OfAssistant: &openai.ChatCompletionAssistantMessageParam{
					Role:      "assistant",
					ToolCalls: calls,
				},
			})
		case RoleTool:
			for _, res := range m.ToolResults {
				text := res.TextContent()
				if text == "" && len(res.StructuredContent) > 0 {
					text = string(res.StructuredContent)
				}
				out = append(out, openai.ToolMessage(text, res.CallID))
			}
		}
	}
	return out
}

var errNoChoices = &HTTPError{Status: 502, Body: "no choices returned"}
