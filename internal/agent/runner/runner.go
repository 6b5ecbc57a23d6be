// Package runner 任务运行器
//
// 目录结构：
//   - runner.go:  单次请求的完整生命周期（落库、执行、事件发射、取消）
//   - metrics.go: Prometheus 指标
//
// 生命周期：
//
//	persist(submitted) → run_started → working → 工具轮循环
//	  → 文本流式发射 → completed / failed / canceled → run_finished / run_error
//
// 取消是协作式的：取消令牌透传到提供商与工具调用的 HTTP 层，
// 终局落库用不可取消的 context 保证写入完成。
package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"agenthost/internal/agent/executor"
	"agenthost/internal/agent/provider"
	"agenthost/internal/config"
	"agenthost/internal/shared/eventbus"
	"agenthost/internal/shared/model"
	"agenthost/internal/shared/objstore"
	"agenthost/internal/shared/storage"
	"agenthost/pkg/logging"
)

// streamChunkSize 流式文本分片大小（字节，按 rune 边界切）
const streamChunkSize = 64

// artifactsNotice ArtifactsProvided 策略下的终局文本
const artifactsNotice = "Task completed; results are attached as artifacts."

// ToolSource 工具发现与调用路由；由 toolreg.Registry 实现
type ToolSource interface {
	executor.ToolInvoker
	ToolsFor(ctx context.Context, provider string, serverIDs []string) ([]model.ToolDeclaration, error)
}

// Request 一次入站任务请求
type Request struct {
	// TaskID 指定任务标识；为空时生成
	TaskID string

	// ContextID 会话分组；为空时生成（新会话）
	ContextID string

	// Message 用户消息（必填，至少一个 Part）
	Message *model.Message

	// UserID / SessionID 来自 JWT claims，可为空
	UserID    string
	SessionID string

	// TraceID 全链路追踪标识；为空时生成
	TraceID string
}

// Runner 驱动单个 Agent 的任务执行
type Runner struct {
	agent    config.AgentConfig
	provider provider.Provider
	tools    ToolSource
	exec     *executor.Executor
	store    storage.TaskStore
	bus      eventbus.Bus
	blobs    *objstore.Client
	metrics  *Metrics
	logger   *logging.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New 创建任务运行器
//
// blobs 与 metrics 可为 nil（分别关闭大文件转存与指标采集）。
func New(agent config.AgentConfig, p provider.Provider, tools ToolSource, store storage.TaskStore, bus eventbus.Bus, blobs *objstore.Client, metrics *Metrics, logger *logging.Logger) *Runner {
	if logger == nil {
		logger = logging.Default("runner").WithAgent(agent.Name)
	}
	return &Runner{
		agent:    agent,
		provider: p,
		tools:    tools,
		exec:     executor.New(store, tools, logger),
		store:    store,
		bus:      bus,
		blobs:    blobs,
		metrics:  metrics,
		logger:   logger,
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Run 执行一次任务请求直到终局
//
// 任务落库之后的一切失败都体现在任务终态上，Run 返回终局任务
// 与 nil；只有落库之前的校验/存储失败才返回错误。
func (r *Runner) Run(ctx context.Context, req Request) (*model.Task, error) {
	if req.Message == nil || len(req.Message.Parts) == 0 {
		return nil, model.ErrInvalid("request message with at least one part is required")
	}

	task := &model.Task{
		ID:        req.TaskID,
		ContextID: req.ContextID,
		AgentName: r.agent.Name,
		UserID:    req.UserID,
		SessionID: req.SessionID,
		TraceID:   req.TraceID,
		State:     model.TaskStateSubmitted,
		CreatedAt: time.Now().UTC(),
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.ContextID == "" {
		task.ContextID = uuid.NewString()
	}
	if task.TraceID == "" {
		task.TraceID = uuid.NewString()
	}
	if err := r.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancels[task.ID] = cancel
	r.mu.Unlock()
	defer func() {
		cancel()
		r.mu.Lock()
		delete(r.cancels, task.ID)
		r.mu.Unlock()
	}()

	r.publish(task, model.EventRunStarted, map[string]interface{}{
		"context_id": task.ContextID,
		"task_id":    task.ID,
	})

	// 终局写入不能被取消打断
	persistCtx := context.WithoutCancel(ctx)

	if err := r.execute(runCtx, persistCtx, task, req); err != nil {
		r.fail(persistCtx, task, err)
	}

	final, err := r.store.GetTask(persistCtx, task.ID)
	if err != nil {
		return task, err
	}
	r.metrics.RecordTask(r.agent.Name, final.State, time.Since(task.CreatedAt))
	return final, nil
}

// Cancel 请求取消执行中的任务；未在执行返回 false
func (r *Runner) Cancel(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cancel, ok := r.cancels[taskID]
	if ok {
		cancel()
	}
	return ok
}

// execute 任务主体；返回的错误由调用方归入终态
func (r *Runner) execute(ctx, persistCtx context.Context, task *model.Task, req Request) error {
	logger := r.logger.WithTaskID(task.ID)

	msg := req.Message
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.TaskID = task.ID
	msg.ContextID = task.ContextID
	msg.Role = model.MessageRoleUser
	r.offloadParts(ctx, task, msg)
	if err := r.store.AppendMessage(ctx, msg); err != nil {
		return err
	}

	stepIndex, err := r.store.AppendStep(ctx, &model.ExecutionStep{
		TaskID:    task.ID,
		Type:      model.StepTypeUnderstanding,
		Status:    model.StepStatusInProgress,
		Title:     "Understanding request",
		StartedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	r.publish(task, model.EventStepStarted, map[string]interface{}{
		"step_index": stepIndex,
		"step_type":  string(model.StepTypeUnderstanding),
	})

	if err := r.store.UpdateTaskState(ctx, task.ID, model.TaskStateWorking); err != nil {
		return err
	}
	r.publish(task, model.EventTaskStatusUpdate, map[string]interface{}{
		"state": string(model.TaskStateWorking),
	})

	tools, err := r.discoverTools(ctx)
	if err != nil {
		return err
	}

	if err := r.store.UpdateStepStatus(ctx, task.ID, stepIndex, model.StepStatusCompleted, 0, ""); err != nil {
		return err
	}
	r.publish(task, model.EventStepFinished, map[string]interface{}{
		"step_index": stepIndex,
		"step_type":  string(model.StepTypeUnderstanding),
		"status":     string(model.StepStatusCompleted),
	})

	params := provider.GenerationParams{
		Messages:        []provider.Message{{Role: provider.RoleUser, Content: messageText(msg)}},
		Model:           r.model(),
		MaxOutputTokens: r.agent.MaxOutputTokens,
	}

	result, err := r.exec.Run(ctx, executor.Request{
		Task:        task,
		Provider:    r.provider,
		Params:      params,
		Tools:       tools,
		RoundLimit:  r.agent.ToolRoundLimit(),
		ToolTimeout: r.agent.ToolTimeout(),
		Metrics:     r.metrics,
		Emit: func(typ model.EventType, payload map[string]interface{}) {
			r.publish(task, typ, payload)
		},
	})
	if err != nil {
		return err
	}

	final := r.finalText(ctx, result, logger)
	r.streamText(task, final)

	if err := r.store.AppendMessage(persistCtx, &model.Message{
		ID:        uuid.NewString(),
		TaskID:    task.ID,
		ContextID: task.ContextID,
		Role:      model.MessageRoleAgent,
		Parts:     []model.Part{model.TextPart(final)},
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		return err
	}

	if err := r.store.CompleteTask(persistCtx, task.ID, model.TaskStateCompleted, "", model.StepStatusCompleted); err != nil {
		return err
	}
	r.publish(task, model.EventTaskStatusUpdate, map[string]interface{}{
		"state": string(model.TaskStateCompleted),
	})
	r.publish(task, model.EventRunFinished, map[string]interface{}{
		"task_id": task.ID,
	})
	logger.Info("task completed", "strategy", string(result.Strategy), "rounds", result.Rounds)
	return nil
}

// fail 把执行错误归入终态并发射终止事件
func (r *Runner) fail(persistCtx context.Context, task *model.Task, err error) {
	logger := r.logger.WithTaskID(task.ID)

	state := model.TaskStateFailed
	code := ""
	msg := err.Error()
	switch {
	case errors.Is(err, context.Canceled):
		state = model.TaskStateCanceled
		code = "canceled"
		msg = "task canceled"
	case errors.Is(err, executor.ErrToolRoundLimit):
		code = "tool_round_limit"
		msg = "ToolRoundLimit"
	}

	if cerr := r.store.CompleteTask(persistCtx, task.ID, state, msg, model.StepStatusFailed); cerr != nil {
		logger.WithError(cerr).Error("failed to persist terminal task state")
	}
	r.publish(task, model.EventTaskStatusUpdate, map[string]interface{}{
		"state": string(state),
	})
	payload := map[string]interface{}{"message": msg}
	if code != "" {
		payload["code"] = code
	}
	r.publish(task, model.EventRunError, payload)
	logger.WithError(err).Warn("task terminated", "state", string(state))
}

// discoverTools 收集 Agent 可见的全部工具
func (r *Runner) discoverTools(ctx context.Context) ([]model.ToolDeclaration, error) {
	if len(r.agent.MCPServers) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(r.agent.MCPServers))
	for _, s := range r.agent.MCPServers {
		ids = append(ids, s.ID)
	}
	tools, err := r.tools.ToolsFor(ctx, r.provider.Name(), ids)
	if err != nil {
		return nil, fmt.Errorf("tool discovery: %w", err)
	}
	return tools, nil
}

// finalText 按终局策略产出给用户的文本
func (r *Runner) finalText(ctx context.Context, result *executor.Result, logger *logging.Logger) string {
	switch result.Strategy {
	case executor.StrategyContentProvided:
		return result.Content
	case executor.StrategyArtifactsProvided:
		return artifactsNotice
	default:
		synth := executor.Synthesize(ctx, r.provider, result.Params, result.Calls, result.Results)
		if synth.Fallback {
			logger.WithError(synth.Err).Warn("synthesis fell back to summary text", "reason", string(synth.Reason))
		}
		return synth.Text
	}
}

// streamText 发射助手文本
//
// 提供商支持流式时按 start/content.../end 分片发射；
// 否则发一条完整的 content。
func (r *Runner) streamText(task *model.Task, text string) {
	messageID := uuid.NewString()
	if !r.provider.Capabilities().Streaming {
		r.publish(task, model.EventTextMessageContent, map[string]interface{}{
			"message_id": messageID,
			"delta":      text,
		})
		return
	}

	r.publish(task, model.EventTextMessageStart, map[string]interface{}{
		"message_id": messageID,
	})
	for _, chunk := range chunkText(text, streamChunkSize) {
		r.publish(task, model.EventTextMessageContent, map[string]interface{}{
			"message_id": messageID,
			"delta":      chunk,
		})
	}
	r.publish(task, model.EventTextMessageEnd, map[string]interface{}{
		"message_id": messageID,
	})
}

// offloadParts 大文件部分转存对象存储
//
// 转存失败不阻断任务，保留内联字节。
func (r *Runner) offloadParts(ctx context.Context, task *model.Task, msg *model.Message) {
	if r.blobs == nil {
		return
	}
	for i := range msg.Parts {
		part := &msg.Parts[i]
		if part.Kind != model.PartKindFile || len(part.FileBytes) <= objstore.DefaultInlineLimit {
			continue
		}
		key := fmt.Sprintf("%s/%s/%d-%s", task.ContextID, task.ID, i, part.FileName)
		uri, err := r.blobs.Put(ctx, key, part.FileBytes, part.FileMime)
		if err != nil {
			r.logger.WithTaskID(task.ID).WithError(err).Warn("file part offload failed", "file", part.FileName)
			continue
		}
		part.FileURI = uri
		part.FileBytes = nil
	}
}

func (r *Runner) model() string {
	if r.agent.Model != "" {
		return r.agent.Model
	}
	return r.provider.DefaultModel()
}

func (r *Runner) publish(task *model.Task, typ model.EventType, payload map[string]interface{}) {
	r.bus.Publish(model.NewContextEvent(task.ContextID, task.ID, typ, payload))
}

// messageText 拼接消息的全部文本部分
func messageText(msg *model.Message) string {
	var parts []string
	for _, p := range msg.Parts {
		if p.Kind == model.PartKindText && p.Text != "" {
			parts = append(parts, p.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// chunkText 按 rune 边界把文本切成至多 size 字节的片段
func chunkText(text string, size int) []string {
	if text == "" {
		return nil
	}
	var chunks []string
	var b strings.Builder
	for _, r := range text {
		if b.Len()+len(string(r)) > size && b.Len() > 0 {
			chunks = append(chunks, b.String())
			b.Reset()
		}
		b.WriteRune(r)
	}
	if b.Len() > 0 {
		chunks = append(chunks, b.String())
	}
	return chunks
}
