package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"agenthost/internal/shared/model"
)

// geminiPricing 每千 token 价格表
var geminiPricing = map[string]Pricing{
	"gemini-2.0-flash": {InputCostPer1K: 0.0001, OutputCostPer1K: 0.0004},
	"gemini-2.5-flash": {InputCostPer1K: 0.0003, OutputCostPer1K: 0.0025},
	"gemini-2.5-pro":   {InputCostPer1K: 0.00125, OutputCostPer1K: 0.01},
	"gemini-1.5-pro":   {InputCostPer1K: 0.00125, OutputCostPer1K: 0.005},
}

const (
	geminiDefaultModel   = "gemini-2.0-flash"
	geminiDefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
)

// Gemini 手写 HTTP 适配器
//
// 该 API 没有独立 system 角色：system 文本在发送前合并进首个
// user 轮（MergeSystemIntoUser）。角色映射 user→user、assistant→model。
type Gemini struct {
	httpClient   *http.Client
	baseURL      string
	apiKey       string
	defaultModel string
}

// NewGemini 创建 Gemini 适配器
func NewGemini(apiKey, baseURL, defaultModel string, requestTimeout time.Duration) *Gemini {
	if baseURL == "" {
		baseURL = geminiDefaultBaseURL
	}
	if defaultModel == "" {
		defaultModel = geminiDefaultModel
	}
	if requestTimeout <= 0 {
		requestTimeout = 600 * time.Second
	}
	return &Gemini{
		httpClient:   &http.Client{Timeout: requestTimeout},
		baseURL:      strings.TrimRight(baseURL, "/"),
		apiKey:       apiKey,
		defaultModel: defaultModel,
	}
}

func (g *Gemini) Name() string         { return "gemini" }
func (g *Gemini) DefaultModel() string { return g.defaultModel }

func (g *Gemini) SupportsModel(m string) bool {
	return strings.HasPrefix(m, "gemini-")
}

func (g *Gemini) Capabilities() Capabilities {
	return Capabilities{JSONMode: true, GoogleSearch: true}
}

func (g *Gemini) Pricing(m string) Pricing {
	if p, ok := geminiPricing[m]; ok {
		return p
	}
	return geminiPricing[geminiDefaultModel]
}

// ==================== 请求/响应 wire 结构 ====================

type geminiPart struct {
	Text             string                  `json:"text,omitempty"`
	FunctionCall     *geminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResponse `json:"functionResponse,omitempty"`
}

type geminiFunctionCall struct {
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args,omitempty"`
}

type geminiFunctionResponse struct {
	Name     string                 `json:"name"`
	Response map[string]interface{} `json:"response"`
}

type geminiContent struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFunctionDecl   `json:"functionDeclarations,omitempty"`
	GoogleSearch         map[string]interface{} `json:"googleSearch,omitempty"`
}

type geminiFunctionDecl struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens  int      `json:"maxOutputTokens,omitempty"`
	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"topP,omitempty"`
	ResponseMimeType string   `json:"responseMimeType,omitempty"`
}

type geminiRequest struct {
	Contents         []geminiContent         `json:"contents"`
	Tools            []geminiTool            `json:"tools,omitempty"`
	GenerationConfig *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
}

// ==================== 操作实现 ====================

// Generate 纯文本生成
func (g *Gemini) Generate(ctx context.Context, params GenerationParams) (string, error) {
	resp, err := g.invoke(ctx, params, nil)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// GenerateWithTools 携带工具声明生成
func (g *Gemini) GenerateWithTools(ctx context.Context, params GenerationParams, tools []model.ToolDeclaration) (*Response, error) {
	decls := make([]geminiFunctionDecl, 0, len(tools))
	for _, t := range tools {
		decls = append(decls, geminiFunctionDecl{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.InputSchema,
		})
	}
	return g.invoke(ctx, params, []geminiTool{{FunctionDeclarations: decls}})
}

// GenerateWithToolResults 以 functionResponse 部件交回工具结果
func (g *Gemini) GenerateWithToolResults(ctx context.Context, params GenerationParams, calls []model.ToolCall, results []model.ToolResult) (string, error) {
	params.Messages = append(params.Messages,
		Message{Role: RoleAssistant, ToolCalls: calls},
		Message{Role: RoleTool, ToolResults: results},
	)
	return g.Generate(ctx, params)
}

// GenerateStructured JSON mode 生成
func (g *Gemini) GenerateStructured(ctx context.Context, params GenerationParams, schema map[string]interface{}) (json.RawMessage, error) {
	resp, err := g.request(ctx, params, nil, &geminiGenerationConfig{
		MaxOutputTokens:  params.MaxOutputTokens,
		Temperature:      params.Temperature,
		TopP:             params.TopP,
		ResponseMimeType: "application/json",
	})
	if err != nil {
		return nil, err
	}
	return json.RawMessage(resp.Content), nil
}

// GenerateWithGoogleSearch 搜索增强生成
func (g *Gemini) GenerateWithGoogleSearch(ctx context.Context, params GenerationParams) (string, error) {
	resp, err := g.invoke(ctx, params, []geminiTool{{GoogleSearch: map[string]interface{}{}}})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// GenerateStream 未实现流式传输
func (g *Gemini) GenerateStream(ctx context.Context, params GenerationParams) (<-chan string, error) {
	return nil, Unsupported(g.Name(), "streaming")
}

func (g *Gemini) invoke(ctx context.Context, params GenerationParams, tools []geminiTool) (*Response, error) {
	return g.request(ctx, params, tools, &geminiGenerationConfig{
		MaxOutputTokens: params.MaxOutputTokens,
		Temperature:     params.Temperature,
		TopP:            params.TopP,
	})
}

func (g *Gemini) request(ctx context.Context, params GenerationParams, tools []geminiTool, genCfg *geminiGenerationConfig) (*Response, error) {
	modelName := params.Model
	if modelName == "" {
		modelName = g.defaultModel
	}

	body := geminiRequest{
		Contents:         g.buildContents(params.Messages),
		Tools:            tools,
		GenerationConfig: genCfg,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, ProviderError(g.Name(), err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", g.baseURL, modelName, g.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, ProviderError(g.Name(), err)
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, ProviderError(g.Name(), err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, ProviderError(g.Name(), err)
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, ProviderError(g.Name(), &HTTPError{Status: httpResp.StatusCode, Body: string(raw)})
	}

	var decoded geminiResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, ProviderError(g.Name(), err)
	}
	if len(decoded.Candidates) == 0 {
		return nil, ProviderError(g.Name(), &HTTPError{Status: httpResp.StatusCode, Body: "no candidates returned"})
	}

	out := &Response{}
	var text strings.Builder
	for _, part := range decoded.Candidates[0].Content.Parts {
		if part.Text != "" {
			text.WriteString(part.Text)
		}
		if part.FunctionCall != nil {
			args, _ := json.Marshal(part.FunctionCall.Args)
			out.ToolCalls = append(out.ToolCalls, model.ToolCall{
				ID:        uuid.NewString(),
				Name:      part.FunctionCall.Name,
				Arguments: args,
			})
		}
	}
	out.Content = text.String()
	return out, nil
}

// buildContents 统一消息转 Gemini contents；先做 system 合并
func (g *Gemini) buildContents(messages []Message) []geminiContent {
	merged := MergeSystemIntoUser(messages)
	var out []geminiContent
	for _, m := range merged {
		switch m.Role {
		case RoleUser:
			out = append(out, geminiContent{Role: "user", Parts: []geminiPart{{Text: m.Content}}})
		case RoleAssistant:
			var parts []geminiPart
			if m.Content != "" {
				parts = append(parts, geminiPart{Text: m.Content})
			}
			for _, call := range m.ToolCalls {
				var args map[string]interface{}
				_ = json.Unmarshal(call.Arguments, &args)
				parts = append(parts, geminiPart{FunctionCall: &geminiFunctionCall{Name: call.Name, Args: args}})
			}
			if len(parts) > 0 {
				out = append(out, geminiContent{Role: "model", Parts: parts})
			}
		case RoleTool:
			var parts []geminiPart
			for _, res := range m.ToolResults {
				response := map[string]interface{}{}
				if len(res.StructuredContent) > 0 {
					_ = json.Unmarshal(res.StructuredContent, &response)
				}
				if len(response) == 0 {
					response = map[string]interface{}{"output": res.TextContent()}
				}
				if res.IsError {
					response["error"] = true
				}
				parts = append(parts, geminiPart{FunctionResponse: &geminiFunctionResponse{
					Name:     res.ToolName,
					Response: response,
				}})
			}
			if len(parts) > 0 {
				out = append(out, geminiContent{Role: "user", Parts: parts})
			}
		}
	}
	return out
}
