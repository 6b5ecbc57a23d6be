package provider

import (
	"context"
	"encoding/json"
	"sync"

	"agenthost/internal/shared/model"
)

// ScriptedStep 脚本化提供商的一步应答
type ScriptedStep struct {
	Content   string
	ToolCalls []model.ToolCall
	Err       error
}

// ScriptedCall 一次被记录的调用
type ScriptedCall struct {
	Method string
	Params GenerationParams
}

// Scripted 按预设脚本应答的假提供商
//
// 每次生成操作按序弹出一步；脚本耗尽后返回空内容。
// 所有调用连同方法名被记录，供测试断言会话构造是否正确。
// GenerateWithToolResults 走默认回退路径（合成 user 轮 + Generate），
// 顺带覆盖该回退逻辑。
type Scripted struct {
	name string
	caps Capabilities

	mu    sync.Mutex
	steps []ScriptedStep

	// Calls 已记录的调用序列
	Calls []ScriptedCall
}

// NewScripted 创建脚本化提供商
func NewScripted(name string, caps Capabilities, steps ...ScriptedStep) *Scripted {
	return &Scripted{name: name, caps: caps, steps: steps}
}

func (s *Scripted) Name() string               { return s.name }
func (s *Scripted) DefaultModel() string       { return "scripted-model" }
func (s *Scripted) SupportsModel(string) bool  { return true }
func (s *Scripted) Capabilities() Capabilities { return s.caps }
func (s *Scripted) Pricing(string) Pricing     { return Pricing{} }

func (s *Scripted) pop(method string, params GenerationParams) ScriptedStep {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls = append(s.Calls, ScriptedCall{Method: method, Params: params})
	if len(s.steps) == 0 {
		return ScriptedStep{}
	}
	step := s.steps[0]
	s.steps = s.steps[1:]
	return step
}

func (s *Scripted) Generate(ctx context.Context, params GenerationParams) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	step := s.pop("generate", params)
	return step.Content, step.Err
}

func (s *Scripted) GenerateWithTools(ctx context.Context, params GenerationParams, tools []model.ToolDeclaration) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	step := s.pop("generate_with_tools", params)
	if step.Err != nil {
		return nil, step.Err
	}
	return &Response{Content: step.Content, ToolCalls: step.ToolCalls}, nil
}

func (s *Scripted) GenerateWithToolResults(ctx context.Context, params GenerationParams, calls []model.ToolCall, results []model.ToolResult) (string, error) {
	return fallbackToolResults(ctx, s, params, calls, results)
}

func (s *Scripted) GenerateStructured(ctx context.Context, params GenerationParams, schema map[string]interface{}) (json.RawMessage, error) {
	if !s.caps.JSONMode && !s.caps.StructuredOutput {
		return nil, Unsupported(s.name, "structured output")
	}
	step := s.pop("generate_structured", params)
	if step.Err != nil {
		return nil, step.Err
	}
	return json.RawMessage(step.Content), nil
}

func (s *Scripted) GenerateWithGoogleSearch(ctx context.Context, params GenerationParams) (string, error) {
	if !s.caps.GoogleSearch {
		return "", Unsupported(s.name, "google search")
	}
	step := s.pop("generate_with_google_search", params)
	return step.Content, step.Err
}

func (s *Scripted) GenerateStream(ctx context.Context, params GenerationParams) (<-chan string, error) {
	if !s.caps.Streaming {
		return nil, Unsupported(s.name, "streaming")
	}
	step := s.pop("generate_stream", params)
	if step.Err != nil {
		return nil, step.Err
	}

	out := make(chan string, 8)
	go func() {
		defer close(out)
		// 把整段内容按小块发出，模拟流式分片
		const chunk = 8
		for i := 0; i < len(step.Content); i += chunk {
			end := i + chunk
			if end > len(step.Content) {
				end = len(step.Content)
			}
			select {
			case out <- step.Content[i:end]:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
