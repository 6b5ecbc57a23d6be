// Package executor 工具轮循环与响应综合
//
// 目录结构：
//   - executor.go:    工具轮循环、执行步骤落库、产物物化、策略分类
//   - synthesizer.go: 工具结果的自然语言综合与确定性兜底文本
//
// 执行语义：
//   - 单个工具失败绝不终止任务，只记一条 failed 步骤，其余结果照常
//   - 提供商失败终止任务
//   - 轮数超限以 ToolRoundLimit 终止任务
//   - is_error=true 的结果永远不产生 Artifact
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/google/uuid"

	"agenthost/internal/agent/provider"
	"agenthost/internal/agent/toolreg"
	"agenthost/internal/shared/model"
	"agenthost/internal/shared/storage"
	"agenthost/pkg/logging"
)

// ErrToolRoundLimit 工具轮次超限
var ErrToolRoundLimit = fmt.Errorf("tool round limit exceeded: %w", errdefs.ErrResourceExhausted)

// Strategy 终局响应策略
type Strategy string

const (
	// StrategyContentProvided 提供商给出了非空文本
	StrategyContentProvided Strategy = "content_provided"

	// StrategyArtifactsProvided 没有文本但有非错误的结构化结果
	StrategyArtifactsProvided Strategy = "artifacts_provided"

	// StrategyToolsOnly 既无文本也无结构化结果，交给综合器
	StrategyToolsOnly Strategy = "tools_only"
)

// ToolInvoker 工具调用路由；由 toolreg.Registry 实现
type ToolInvoker interface {
	Resolve(name string) (toolreg.Resolution, bool)
	Invoke(ctx context.Context, call model.ToolCall) (*model.ToolResult, error)
}

// Emitter 执行过程事件回调；nil 表示不发事件
type Emitter func(typ model.EventType, payload map[string]interface{})

// MetricsRecorder 工具调用观测回调；nil 表示不采集
type MetricsRecorder interface {
	RecordToolCall(tool string, duration time.Duration, isError bool)
}

// Request 一次执行请求
type Request struct {
	Task     *model.Task
	Provider provider.Provider
	Params   provider.GenerationParams
	Tools    []model.ToolDeclaration

	// RoundLimit 工具轮上限；<=0 时取 8
	RoundLimit int

	// ToolTimeout 单次工具调用超时；<=0 时取 120s
	ToolTimeout time.Duration

	// Emit 步骤/工具事件回调
	Emit Emitter

	// Metrics 工具调用观测
	Metrics MetricsRecorder
}

// Result 一次执行的终局
type Result struct {
	Strategy Strategy
	Content  string

	// Calls / Results 全部已执行的调用与结果（轮内有序）
	Calls   []model.ToolCall
	Results []model.ToolResult

	// Params 折叠了工具轮历史的参数，供综合器续用
	Params provider.GenerationParams

	Rounds int
}

// Executor 工具轮循环
type Executor struct {
	store  storage.TaskStore
	tools  ToolInvoker
	logger *logging.Logger
}

// New 创建执行器
func New(store storage.TaskStore, tools ToolInvoker, logger *logging.Logger) *Executor {
	if logger == nil {
		logger = logging.Default("executor")
	}
	return &Executor{store: store, tools: tools, logger: logger}
}

// Run 执行工具轮循环直到没有新的工具调用或轮数超限
//
// 每轮：generate_with_tools → 逐个执行调用 → generate_with_tool_results
// 综合。综合文本非空即为终局；为空时把本轮对话折叠进历史再试一轮，
// 由提供商决定是继续调工具还是沉默（沉默时按已有结果分类）。
func (e *Executor) Run(ctx context.Context, req Request) (*Result, error) {
	limit := req.RoundLimit
	if limit <= 0 {
		limit = 8
	}
	params := req.Params
	logger := e.logger.WithTaskID(req.Task.ID)

	result := &Result{}
	for round := 0; ; round++ {
		resp, err := req.Provider.GenerateWithTools(ctx, params, req.Tools)
		if err != nil {
			return nil, err
		}
		if len(resp.ToolCalls) == 0 {
			result.Content = resp.Content
			break
		}
		if round >= limit {
			logger.Warn("tool round limit exceeded", "limit", limit)
			return nil, ErrToolRoundLimit
		}
		result.Rounds++

		results := e.runCalls(ctx, req, resp.ToolCalls)
		result.Calls = append(result.Calls, resp.ToolCalls...)
		result.Results = append(result.Results, results...)

		text, err := req.Provider.GenerateWithToolResults(ctx, params, resp.ToolCalls, results)
		if err != nil {
			return nil, err
		}

		params.Messages = append(params.Messages,
			provider.Message{Role: provider.RoleAssistant, Content: resp.Content, ToolCalls: resp.ToolCalls},
			provider.Message{Role: provider.RoleTool, ToolResults: results},
		)
		if strings.TrimSpace(text) != "" {
			result.Content = text
			break
		}
	}

	result.Params = params
	result.Strategy = Classify(result.Content, result.Results)
	return result, nil
}

// Classify 按文本与结构化结果归类终局策略
func Classify(content string, results []model.ToolResult) Strategy {
	if strings.TrimSpace(content) != "" {
		return StrategyContentProvided
	}
	for _, r := range results {
		if !r.IsError && len(r.StructuredContent) > 0 {
			return StrategyArtifactsProvided
		}
	}
	return StrategyToolsOnly
}

// runCalls 按序执行一轮工具调用
//
// 每个调用独立落一条 tool_execution 步骤；失败不短路。
func (e *Executor) runCalls(ctx context.Context, req Request, calls []model.ToolCall) []model.ToolResult {
	timeout := req.ToolTimeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	results := make([]model.ToolResult, 0, len(calls))
	for _, call := range calls {
		results = append(results, *e.runCall(ctx, req, call, timeout))
	}
	return results
}

func (e *Executor) runCall(ctx context.Context, req Request, call model.ToolCall, timeout time.Duration) *model.ToolResult {
	task := req.Task
	logger := e.logger.WithTaskID(task.ID)

	server := call.MCPServer
	if res, ok := e.tools.Resolve(call.Name); ok {
		server = res.Server
	}

	content, _ := json.Marshal(model.ToolExecutionContent{
		ToolName:  call.Name,
		MCPServer: server,
		Arguments: call.Arguments,
	})
	step := &model.ExecutionStep{
		TaskID:    task.ID,
		Type:      model.StepTypeToolExecution,
		Status:    model.StepStatusInProgress,
		Title:     call.Name,
		Content:   content,
		StartedAt: time.Now().UTC(),
	}
	index, err := e.store.AppendStep(ctx, step)
	if err != nil {
		logger.WithError(err).Error("failed to persist execution step", "tool", call.Name)
	}

	e.emit(req, model.EventStepStarted, map[string]interface{}{
		"step_index": index,
		"step_type":  string(model.StepTypeToolExecution),
		"title":      call.Name,
	})
	e.emit(req, model.EventToolCallStart, map[string]interface{}{
		"tool_call_id": call.ID,
		"tool_name":    call.Name,
	})
	if len(call.Arguments) > 0 {
		e.emit(req, model.EventToolCallArgs, map[string]interface{}{
			"tool_call_id": call.ID,
			"delta":        string(call.Arguments),
		})
	}

	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	result, invokeErr := e.tools.Invoke(callCtx, call)
	cancel()
	duration := time.Since(start)
	logger.ToolCallLog(call.Name, server, duration, invokeErr)
	if req.Metrics != nil {
		req.Metrics.RecordToolCall(call.Name, duration, invokeErr != nil || (result != nil && result.IsError))
	}

	if invokeErr != nil {
		result = &model.ToolResult{
			CallID:   call.ID,
			ToolName: call.Name,
			Content:  []model.ToolResultContent{{Type: "text", Text: invokeErr.Error()}},
			IsError:  true,
		}
	}
	result.CallID = call.ID

	status := model.StepStatusCompleted
	errMsg := ""
	if result.IsError {
		status = model.StepStatusFailed
		errMsg = result.TextContent()
	}
	if err := e.store.UpdateStepStatus(ctx, task.ID, index, status, duration.Milliseconds(), errMsg); err != nil {
		logger.WithError(err).Error("failed to finalize execution step", "tool", call.Name)
	}

	e.emit(req, model.EventToolCallResult, map[string]interface{}{
		"tool_call_id": call.ID,
		"tool_name":    call.Name,
		"content":      result.TextContent(),
		"is_error":     result.IsError,
	})
	e.emit(req, model.EventToolCallEnd, map[string]interface{}{
		"tool_call_id": call.ID,
	})
	e.emit(req, model.EventStepFinished, map[string]interface{}{
		"step_index": index,
		"step_type":  string(model.StepTypeToolExecution),
		"status":     string(status),
	})

	if !result.IsError && len(result.StructuredContent) > 0 {
		e.materialize(ctx, req, call, result)
	}
	return result
}

// materialize 把非错误的结构化结果提升为 Artifact
//
// 指纹相同的产物幂等复用，不重复发事件。
func (e *Executor) materialize(ctx context.Context, req Request, call model.ToolCall, result *model.ToolResult) {
	artifact := &model.Artifact{
		ID:          uuid.NewString(),
		TaskID:      req.Task.ID,
		ContextID:   req.Task.ContextID,
		Type:        model.ArtifactTypeData,
		ToolName:    call.Name,
		Fingerprint: model.Fingerprint(result.StructuredContent),
		Content:     result.StructuredContent,
		CreatedAt:   time.Now().UTC(),
	}
	created, err := e.store.UpsertArtifact(ctx, artifact)
	if err != nil {
		e.logger.WithTaskID(req.Task.ID).WithError(err).Error("failed to persist artifact", "tool", call.Name)
		return
	}
	if created {
		e.emit(req, model.EventArtifactUpdate, map[string]interface{}{
			"artifact_id": artifact.ID,
			"type":        string(artifact.Type),
			"tool_name":   call.Name,
		})
	}
}

func (e *Executor) emit(req Request, typ model.EventType, payload map[string]interface{}) {
	if req.Emit != nil {
		req.Emit(typ, payload)
	}
}
