package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agenthost/internal/agent/provider"
	"agenthost/internal/agent/toolreg"
	"agenthost/internal/config"
	"agenthost/internal/shared/eventbus"
	"agenthost/internal/shared/model"
	sqlitedriver "agenthost/internal/shared/storage/driver/sqlite"
	"agenthost/internal/shared/storage/repository"
)

// fakeTools 可编程的工具来源
type fakeTools struct {
	decls   []model.ToolDeclaration
	results map[string]*model.ToolResult
}

func (f *fakeTools) ToolsFor(ctx context.Context, provider string, serverIDs []string) ([]model.ToolDeclaration, error) {
	return f.decls, nil
}

func (f *fakeTools) Resolve(name string) (toolreg.Resolution, bool) {
	return toolreg.Resolution{Server: "srv", Original: name}, true
}

func (f *fakeTools) Invoke(ctx context.Context, call model.ToolCall) (*model.ToolResult, error) {
	if res, ok := f.results[call.Name]; ok {
		out := *res
		out.CallID = call.ID
		return &out, nil
	}
	return &model.ToolResult{
		CallID:   call.ID,
		ToolName: call.Name,
		Content:  []model.ToolResultContent{{Type: "text", Text: "done"}},
	}, nil
}

func testAgent() config.AgentConfig {
	return config.AgentConfig{
		Name:       "weather",
		Provider:   "scripted",
		MCPServers: []config.MCPServerConfig{{ID: "srv", Command: "mcp-weather"}},
	}
}

func newTestRunner(t *testing.T, p provider.Provider, tools ToolSource) (*Runner, *repository.Store, eventbus.Bus) {
	t.Helper()
	db, err := sqlitedriver.Open(":memory:")
	require.NoError(t, err)
	dialect := sqlitedriver.NewDialect()
	require.NoError(t, dialect.AutoMigrate(db))
	store := repository.NewStore(db, dialect)
	t.Cleanup(func() { store.Close() })

	bus := eventbus.NewMemoryBus(eventbus.DefaultRingSize)
	t.Cleanup(bus.Close)

	return New(testAgent(), p, tools, store, bus, nil, nil, nil), store, bus
}

func userRequest() Request {
	return Request{
		ContextID: "ctx-1",
		Message:   &model.Message{Parts: []model.Part{model.TextPart("weather in Paris?")}},
	}
}

// collectUntilTerminal 收集事件直到 run_finished / run_error
func collectUntilTerminal(t *testing.T, sub eventbus.Subscription) []*model.ContextEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	var events []*model.ContextEvent
	for {
		select {
		case env, ok := <-sub.C():
			if !ok {
				return events
			}
			events = append(events, env.Event)
			if env.Event.IsTerminalForTask() {
				return events
			}
		case <-deadline:
			t.Fatalf("terminal event not observed; got %d events", len(events))
		}
	}
}

func eventTypes(events []*model.ContextEvent) []model.EventType {
	out := make([]model.EventType, 0, len(events))
	for _, e := range events {
		out = append(out, e.Type)
	}
	return out
}

func TestRunHappyPathWithTools(t *testing.T) {
	tools := &fakeTools{
		decls: []model.ToolDeclaration{{
			Name:        "get_weather",
			Description: "Get weather",
			InputSchema: map[string]interface{}{"type": "object"},
			MCPServer:   "srv",
		}},
		results: map[string]*model.ToolResult{
			"get_weather": {
				ToolName:          "get_weather",
				Content:           []model.ToolResultContent{{Type: "text", Text: "12°C"}},
				StructuredContent: json.RawMessage(`{"temp_c":12}`),
			},
		},
	}
	p := provider.NewScripted("scripted", provider.Capabilities{Streaming: true},
		provider.ScriptedStep{ToolCalls: []model.ToolCall{{
			ID: "call-1", Name: "get_weather", Arguments: json.RawMessage(`{"city":"Paris"}`),
		}}},
		provider.ScriptedStep{Content: "It is sunny in Paris, 12°C."},
	)
	r, store, bus := newTestRunner(t, p, tools)

	sub := bus.Subscribe(eventbus.ContextFilter("ctx-1"))
	defer sub.Close()

	task, err := r.Run(context.Background(), userRequest())
	require.NoError(t, err)
	assert.Equal(t, model.TaskStateCompleted, task.State)
	require.NotNil(t, task.CompletedAt)

	msgs, err := store.ListMessages(context.Background(), task.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, model.MessageRoleUser, msgs[0].Role)
	assert.Equal(t, model.MessageRoleAgent, msgs[1].Role)
	assert.Equal(t, "It is sunny in Paris, 12°C.", msgs[1].Parts[0].Text)

	steps, err := store.ListSteps(context.Background(), task.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, model.StepTypeUnderstanding, steps[0].Type)
	assert.Equal(t, model.StepStatusCompleted, steps[0].Status)
	assert.Equal(t, model.StepTypeToolExecution, steps[1].Type)

	artifacts, err := store.ListArtifacts(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Len(t, artifacts, 1)

	events := collectUntilTerminal(t, sub)
	types := eventTypes(events)
	assert.Equal(t, model.EventRunStarted, types[0])
	assert.Equal(t, model.EventRunFinished, types[len(types)-1])
	assert.Contains(t, types, model.EventToolCallStart)
	assert.Contains(t, types, model.EventToolCallResult)
	assert.Contains(t, types, model.EventArtifactUpdate)
	assert.Contains(t, types, model.EventTextMessageStart)
	assert.Contains(t, types, model.EventTextMessageEnd)
}

func TestRunSingleContentWithoutStreaming(t *testing.T) {
	p := provider.NewScripted("scripted", provider.Capabilities{},
		provider.ScriptedStep{Content: "Hello there."},
	)
	r, _, bus := newTestRunner(t, p, &fakeTools{})

	sub := bus.Subscribe(eventbus.ContextFilter("ctx-1"))
	defer sub.Close()

	task, err := r.Run(context.Background(), userRequest())
	require.NoError(t, err)
	assert.Equal(t, model.TaskStateCompleted, task.State)

	events := collectUntilTerminal(t, sub)
	var starts, contents, ends int
	for _, e := range events {
		switch e.Type {
		case model.EventTextMessageStart:
			starts++
		case model.EventTextMessageContent:
			contents++
		case model.EventTextMessageEnd:
			ends++
		}
	}
	assert.Zero(t, starts)
	assert.Zero(t, ends)
	assert.Equal(t, 1, contents)
}

func TestRunSynthesizerPath(t *testing.T) {
	tools := &fakeTools{
		decls: []model.ToolDeclaration{{
			Name:        "ping",
			Description: "Ping",
			InputSchema: map[string]interface{}{"type": "object"},
			MCPServer:   "srv",
		}},
	}
	// 工具轮后提供商两次沉默，综合器兜出最终文本
	p := provider.NewScripted("scripted", provider.Capabilities{},
		provider.ScriptedStep{ToolCalls: []model.ToolCall{{ID: "call-1", Name: "ping"}}},
		provider.ScriptedStep{Content: ""},
		provider.ScriptedStep{Content: ""},
		provider.ScriptedStep{Content: "Here is what I found."},
	)
	r, store, _ := newTestRunner(t, p, tools)

	task, err := r.Run(context.Background(), userRequest())
	require.NoError(t, err)
	assert.Equal(t, model.TaskStateCompleted, task.State)

	msgs, err := store.ListMessages(context.Background(), task.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Here is what I found.", msgs[1].Parts[0].Text)
}

func TestRunProviderFailureFailsTask(t *testing.T) {
	p := provider.NewScripted("scripted", provider.Capabilities{},
		provider.ScriptedStep{Err: fmt.Errorf("upstream 500")},
	)
	r, _, bus := newTestRunner(t, p, &fakeTools{})

	sub := bus.Subscribe(eventbus.ContextFilter("ctx-1"))
	defer sub.Close()

	task, err := r.Run(context.Background(), userRequest())
	require.NoError(t, err)
	assert.Equal(t, model.TaskStateFailed, task.State)
	assert.Equal(t, "upstream 500", task.ErrorMessage)

	events := collectUntilTerminal(t, sub)
	last := events[len(events)-1]
	assert.Equal(t, model.EventRunError, last.Type)
	assert.Equal(t, "upstream 500", last.Payload["message"])
}

func TestRunRoundLimitFailsTask(t *testing.T) {
	call := model.ToolCall{ID: "call-1", Name: "ping"}
	p := provider.NewScripted("scripted", provider.Capabilities{},
		provider.ScriptedStep{ToolCalls: []model.ToolCall{call}},
		provider.ScriptedStep{Content: ""},
		provider.ScriptedStep{ToolCalls: []model.ToolCall{call}},
	)
	r, _, bus := newTestRunner(t, p, &fakeTools{})
	r.agent.MaxToolRounds = 1

	sub := bus.Subscribe(eventbus.ContextFilter("ctx-1"))
	defer sub.Close()

	task, err := r.Run(context.Background(), userRequest())
	require.NoError(t, err)
	assert.Equal(t, model.TaskStateFailed, task.State)
	assert.Equal(t, "ToolRoundLimit", task.ErrorMessage)

	events := collectUntilTerminal(t, sub)
	last := events[len(events)-1]
	assert.Equal(t, model.EventRunError, last.Type)
	assert.Equal(t, "tool_round_limit", last.Payload["code"])
}

// blockingProvider 在 GenerateWithTools 上阻塞直到取消
type blockingProvider struct {
	*provider.Scripted
	started chan struct{}
}

func (b *blockingProvider) GenerateWithTools(ctx context.Context, params provider.GenerationParams, tools []model.ToolDeclaration) (*provider.Response, error) {
	close(b.started)
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRunCancellation(t *testing.T) {
	p := &blockingProvider{
		Scripted: provider.NewScripted("scripted", provider.Capabilities{}),
		started:  make(chan struct{}),
	}
	r, store, bus := newTestRunner(t, p, &fakeTools{})

	sub := bus.Subscribe(eventbus.ContextFilter("ctx-1"))
	defer sub.Close()

	req := userRequest()
	req.TaskID = "task-cancel"

	go func() {
		<-p.started
		r.Cancel("task-cancel")
	}()

	task, err := r.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStateCanceled, task.State)

	events := collectUntilTerminal(t, sub)
	last := events[len(events)-1]
	assert.Equal(t, model.EventRunError, last.Type)
	assert.Equal(t, "canceled", last.Payload["code"])

	// 终态落库后不允许遗留 in_progress 步骤
	steps, err := store.ListSteps(context.Background(), task.ID)
	require.NoError(t, err)
	require.NotEmpty(t, steps)
	for _, s := range steps {
		assert.NotEqual(t, model.StepStatusInProgress, s.Status)
	}
}

func TestRunRejectsEmptyMessage(t *testing.T) {
	p := provider.NewScripted("scripted", provider.Capabilities{})
	r, _, _ := newTestRunner(t, p, &fakeTools{})

	_, err := r.Run(context.Background(), Request{ContextID: "ctx-1"})
	assert.ErrorIs(t, err, errdefs.ErrInvalidArgument)
}

func TestCancelUnknownTask(t *testing.T) {
	p := provider.NewScripted("scripted", provider.Capabilities{})
	r, _, _ := newTestRunner(t, p, &fakeTools{})
	assert.False(t, r.Cancel("ghost"))
}

func TestChunkText(t *testing.T) {
	assert.Nil(t, chunkText("", 8))
	assert.Equal(t, []string{"hello"}, chunkText("hello", 8))

	chunks := chunkText("abcdefghij", 4)
	assert.Equal(t, []string{"abcd", "efgh", "ij"}, chunks)

	// 多字节字符不被拦腰截断
	for _, c := range chunkText("日本語のテキスト", 4) {
		assert.True(t, len(c) <= 4 || len([]rune(c)) == 1)
	}
}
