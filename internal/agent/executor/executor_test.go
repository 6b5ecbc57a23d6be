package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agenthost/internal/agent/provider"
	"agenthost/internal/agent/toolreg"
	"agenthost/internal/shared/model"
	sqlitedriver "agenthost/internal/shared/storage/driver/sqlite"
	"agenthost/internal/shared/storage/repository"
)

// fakeInvoker 可编程的工具路由假实现
type fakeInvoker struct {
	results map[string]*model.ToolResult
	errs    map[string]error
	invoked []model.ToolCall
}

func (f *fakeInvoker) Resolve(name string) (toolreg.Resolution, bool) {
	return toolreg.Resolution{Server: "files", Original: name}, true
}

func (f *fakeInvoker) Invoke(ctx context.Context, call model.ToolCall) (*model.ToolResult, error) {
	f.invoked = append(f.invoked, call)
	if err, ok := f.errs[call.Name]; ok {
		return nil, err
	}
	if res, ok := f.results[call.Name]; ok {
		out := *res
		return &out, nil
	}
	return &model.ToolResult{
		ToolName: call.Name,
		Content:  []model.ToolResultContent{{Type: "text", Text: "done"}},
	}, nil
}

type capturedEvent struct {
	typ     model.EventType
	payload map[string]interface{}
}

func newTestExecutor(t *testing.T, invoker ToolInvoker) (*Executor, *repository.Store) {
	t.Helper()
	db, err := sqlitedriver.Open(":memory:")
	require.NoError(t, err)
	dialect := sqlitedriver.NewDialect()
	require.NoError(t, dialect.AutoMigrate(db))
	store := repository.NewStore(db, dialect)
	t.Cleanup(func() { store.Close() })
	return New(store, invoker, nil), store
}

func seedTask(t *testing.T, store *repository.Store) *model.Task {
	t.Helper()
	task := &model.Task{
		ID:        uuid.NewString(),
		ContextID: "ctx-1",
		AgentName: "weather",
		State:     model.TaskStateSubmitted,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.CreateTask(context.Background(), task))
	require.NoError(t, store.UpdateTaskState(context.Background(), task.ID, model.TaskStateWorking))
	return task
}

func weatherCall() model.ToolCall {
	return model.ToolCall{
		ID:        "call-1",
		Name:      "get_weather",
		Arguments: json.RawMessage(`{"city":"Paris"}`),
	}
}

func baseParams() provider.GenerationParams {
	return provider.GenerationParams{
		Messages: []provider.Message{{Role: provider.RoleUser, Content: "weather in Paris?"}},
		Model:    "scripted-model",
	}
}

func TestRunContentProvided(t *testing.T) {
	invoker := &fakeInvoker{results: map[string]*model.ToolResult{
		"get_weather": {
			ToolName:          "get_weather",
			Content:           []model.ToolResultContent{{Type: "text", Text: "12°C"}},
			StructuredContent: json.RawMessage(`{"temp_c":12}`),
		},
	}}
	exec, store := newTestExecutor(t, invoker)
	task := seedTask(t, store)

	p := provider.NewScripted("scripted", provider.Capabilities{},
		provider.ScriptedStep{ToolCalls: []model.ToolCall{weatherCall()}},
		provider.ScriptedStep{Content: "It is sunny in Paris, 12°C."},
	)

	var events []capturedEvent
	result, err := exec.Run(context.Background(), Request{
		Task:     task,
		Provider: p,
		Params:   baseParams(),
		Emit: func(typ model.EventType, payload map[string]interface{}) {
			events = append(events, capturedEvent{typ, payload})
		},
	})
	require.NoError(t, err)

	assert.Equal(t, StrategyContentProvided, result.Strategy)
	assert.Equal(t, "It is sunny in Paris, 12°C.", result.Content)
	assert.Equal(t, 1, result.Rounds)
	require.Len(t, invoker.invoked, 1)
	assert.Equal(t, "get_weather", invoker.invoked[0].Name)

	steps, err := store.ListSteps(context.Background(), task.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, model.StepTypeToolExecution, steps[0].Type)
	assert.Equal(t, model.StepStatusCompleted, steps[0].Status)
	require.NotNil(t, steps[0].DurationMS)

	artifacts, err := store.ListArtifacts(context.Background(), task.ID)
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	assert.JSONEq(t, `{"temp_c":12}`, string(artifacts[0].Content))

	var types []model.EventType
	for _, e := range events {
		types = append(types, e.typ)
	}
	assert.Equal(t, []model.EventType{
		model.EventStepStarted,
		model.EventToolCallStart,
		model.EventToolCallArgs,
		model.EventToolCallResult,
		model.EventToolCallEnd,
		model.EventStepFinished,
		model.EventArtifactUpdate,
	}, types)
}

func TestRunWithoutToolCalls(t *testing.T) {
	exec, store := newTestExecutor(t, &fakeInvoker{})
	task := seedTask(t, store)

	p := provider.NewScripted("scripted", provider.Capabilities{},
		provider.ScriptedStep{Content: "No tools needed."},
	)
	result, err := exec.Run(context.Background(), Request{Task: task, Provider: p, Params: baseParams()})
	require.NoError(t, err)

	assert.Equal(t, StrategyContentProvided, result.Strategy)
	assert.Equal(t, 0, result.Rounds)

	steps, err := store.ListSteps(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Empty(t, steps)
}

func TestRunArtifactsProvided(t *testing.T) {
	invoker := &fakeInvoker{results: map[string]*model.ToolResult{
		"get_weather": {
			ToolName:          "get_weather",
			StructuredContent: json.RawMessage(`{"temp_c":12}`),
		},
	}}
	exec, store := newTestExecutor(t, invoker)
	task := seedTask(t, store)

	// 综合文本为空，下一轮也沉默：按结构化结果分类
	p := provider.NewScripted("scripted", provider.Capabilities{},
		provider.ScriptedStep{ToolCalls: []model.ToolCall{weatherCall()}},
		provider.ScriptedStep{Content: ""},
		provider.ScriptedStep{Content: ""},
	)
	result, err := exec.Run(context.Background(), Request{Task: task, Provider: p, Params: baseParams()})
	require.NoError(t, err)
	assert.Equal(t, StrategyArtifactsProvided, result.Strategy)
	assert.Empty(t, result.Content)
}

func TestRunToolsOnly(t *testing.T) {
	exec, store := newTestExecutor(t, &fakeInvoker{})
	task := seedTask(t, store)

	p := provider.NewScripted("scripted", provider.Capabilities{},
		provider.ScriptedStep{ToolCalls: []model.ToolCall{weatherCall()}},
		provider.ScriptedStep{Content: ""},
		provider.ScriptedStep{Content: ""},
	)
	result, err := exec.Run(context.Background(), Request{Task: task, Provider: p, Params: baseParams()})
	require.NoError(t, err)
	assert.Equal(t, StrategyToolsOnly, result.Strategy)
}

func TestRunToolFailureDoesNotAbort(t *testing.T) {
	invoker := &fakeInvoker{
		errs: map[string]error{"get_weather": fmt.Errorf("connection refused")},
		results: map[string]*model.ToolResult{
			"get_time": {
				ToolName:          "get_time",
				StructuredContent: json.RawMessage(`{"hour":9}`),
			},
		},
	}
	exec, store := newTestExecutor(t, invoker)
	task := seedTask(t, store)

	calls := []model.ToolCall{
		{ID: "call-1", Name: "get_weather", Arguments: json.RawMessage(`{}`)},
		{ID: "call-2", Name: "get_time", Arguments: json.RawMessage(`{}`)},
	}
	p := provider.NewScripted("scripted", provider.Capabilities{},
		provider.ScriptedStep{ToolCalls: calls},
		provider.ScriptedStep{Content: "Partial results delivered."},
	)
	result, err := exec.Run(context.Background(), Request{Task: task, Provider: p, Params: baseParams()})
	require.NoError(t, err)

	require.Len(t, result.Results, 2)
	assert.True(t, result.Results[0].IsError)
	assert.False(t, result.Results[1].IsError)

	steps, err := store.ListSteps(context.Background(), task.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, model.StepStatusFailed, steps[0].Status)
	assert.Equal(t, "connection refused", steps[0].Error)
	assert.Equal(t, model.StepStatusCompleted, steps[1].Status)

	// 失败结果不产生产物
	artifacts, err := store.ListArtifacts(context.Background(), task.ID)
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	assert.Equal(t, "get_time", artifacts[0].ToolName)
}

func TestRunFingerprintDedup(t *testing.T) {
	invoker := &fakeInvoker{results: map[string]*model.ToolResult{
		"get_weather": {
			ToolName:          "get_weather",
			StructuredContent: json.RawMessage(`{"temp_c":12}`),
		},
	}}
	exec, store := newTestExecutor(t, invoker)
	task := seedTask(t, store)

	calls := []model.ToolCall{
		{ID: "call-1", Name: "get_weather", Arguments: json.RawMessage(`{}`)},
		{ID: "call-2", Name: "get_weather", Arguments: json.RawMessage(`{}`)},
	}
	p := provider.NewScripted("scripted", provider.Capabilities{},
		provider.ScriptedStep{ToolCalls: calls},
		provider.ScriptedStep{Content: "done"},
	)
	_, err := exec.Run(context.Background(), Request{Task: task, Provider: p, Params: baseParams()})
	require.NoError(t, err)

	artifacts, err := store.ListArtifacts(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Len(t, artifacts, 1)
}

func TestRunRoundLimit(t *testing.T) {
	exec, store := newTestExecutor(t, &fakeInvoker{})
	task := seedTask(t, store)

	p := provider.NewScripted("scripted", provider.Capabilities{},
		provider.ScriptedStep{ToolCalls: []model.ToolCall{weatherCall()}},
		provider.ScriptedStep{Content: ""},
		provider.ScriptedStep{ToolCalls: []model.ToolCall{weatherCall()}},
		provider.ScriptedStep{Content: ""},
		provider.ScriptedStep{ToolCalls: []model.ToolCall{weatherCall()}},
	)
	_, err := exec.Run(context.Background(), Request{
		Task:       task,
		Provider:   p,
		Params:     baseParams(),
		RoundLimit: 2,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrToolRoundLimit)
	assert.ErrorIs(t, err, errdefs.ErrResourceExhausted)
}

func TestRunProviderFailure(t *testing.T) {
	exec, store := newTestExecutor(t, &fakeInvoker{})
	task := seedTask(t, store)

	p := provider.NewScripted("scripted", provider.Capabilities{},
		provider.ScriptedStep{Err: fmt.Errorf("upstream 500")},
	)
	_, err := exec.Run(context.Background(), Request{Task: task, Provider: p, Params: baseParams()})
	require.EqualError(t, err, "upstream 500")
}

func TestClassify(t *testing.T) {
	structured := []model.ToolResult{{StructuredContent: json.RawMessage(`{"a":1}`)}}
	errored := []model.ToolResult{{StructuredContent: json.RawMessage(`{"a":1}`), IsError: true}}

	assert.Equal(t, StrategyContentProvided, Classify("hello", nil))
	assert.Equal(t, StrategyContentProvided, Classify("hello", structured))
	assert.Equal(t, StrategyArtifactsProvided, Classify("  \n", structured))
	assert.Equal(t, StrategyToolsOnly, Classify("", errored))
	assert.Equal(t, StrategyToolsOnly, Classify("", nil))
}

func TestSynthesizeSuccess(t *testing.T) {
	p := provider.NewScripted("scripted", provider.Capabilities{},
		provider.ScriptedStep{Content: "The weather in Paris is 12°C."},
	)
	out := Synthesize(context.Background(), p, baseParams(),
		[]model.ToolCall{weatherCall()},
		[]model.ToolResult{{CallID: "call-1", ToolName: "get_weather", StructuredContent: json.RawMessage(`{"temp_c":12}`)}})

	assert.False(t, out.Fallback)
	assert.Equal(t, "The weather in Paris is 12°C.", out.Text)

	// 引导轮已追加且携带结果摘要
	require.Len(t, p.Calls, 1)
	guided := p.Calls[0].Params.Messages
	require.Len(t, guided, 2)
	assert.Contains(t, guided[1].Content, "The following tools were just executed:")
	assert.Contains(t, guided[1].Content, `{"temp_c":12}`)
}

func TestSynthesizeEmptyContentFallsBack(t *testing.T) {
	p := provider.NewScripted("scripted", provider.Capabilities{},
		provider.ScriptedStep{Content: "   "},
	)
	out := Synthesize(context.Background(), p, baseParams(),
		[]model.ToolCall{weatherCall()},
		[]model.ToolResult{{CallID: "call-1", ToolName: "get_weather"}})

	assert.True(t, out.Fallback)
	assert.Equal(t, FallbackEmptyContent, out.Reason)
	assert.Contains(t, out.Text, "Tool execution completed:")
}

func TestSynthesizeErrorFallsBack(t *testing.T) {
	p := provider.NewScripted("scripted", provider.Capabilities{},
		provider.ScriptedStep{Err: fmt.Errorf("rate limited")},
	)
	out := Synthesize(context.Background(), p, baseParams(),
		[]model.ToolCall{weatherCall()},
		[]model.ToolResult{{CallID: "call-1", ToolName: "get_weather"}})

	assert.True(t, out.Fallback)
	assert.Equal(t, FallbackSynthesisFailed, out.Reason)
	assert.Contains(t, out.Text, "rate limited")
}
