package provider

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agenthost/internal/shared/model"
)

func TestMergeSystemIntoUser(t *testing.T) {
	messages := []Message{
		{Role: RoleSystem, Content: "You are a helpful assistant."},
		{Role: RoleSystem, Content: "Answer in French."},
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, Content: "bonjour"},
	}
	merged := MergeSystemIntoUser(messages)

	require.Len(t, merged, 2)
	assert.Equal(t, RoleUser, merged[0].Role)
	assert.Equal(t, "You are a helpful assistant.\n\nAnswer in French.\n\nhi", merged[0].Content)
	assert.Equal(t, RoleAssistant, merged[1].Role)

	// 原切片不被修改
	assert.Equal(t, "hi", messages[2].Content)
}

func TestMergeSystemWithoutUserTurn(t *testing.T) {
	merged := MergeSystemIntoUser([]Message{{Role: RoleSystem, Content: "rules"}})
	require.Len(t, merged, 1)
	assert.Equal(t, RoleUser, merged[0].Role)
	assert.Equal(t, "rules", merged[0].Content)
}

func TestMergeSystemNoop(t *testing.T) {
	messages := []Message{{Role: RoleUser, Content: "hi"}}
	assert.Equal(t, messages, MergeSystemIntoUser(messages))
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	reg.Register(NewScripted("scripted", Capabilities{}))

	p, err := reg.Get("scripted")
	require.NoError(t, err)
	assert.Equal(t, "scripted", p.Name())

	_, err = reg.Get("missing")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestScriptedFollowsScript(t *testing.T) {
	calls := []model.ToolCall{{ID: "c1", Name: "weather", Arguments: json.RawMessage(`{"city":"Paris"}`)}}
	s := NewScripted("scripted", Capabilities{},
		ScriptedStep{ToolCalls: calls},
		ScriptedStep{Content: "It's 12°C in Paris."},
	)

	resp, err := s.GenerateWithTools(context.Background(), GenerationParams{}, nil)
	require.NoError(t, err)
	assert.Empty(t, resp.Content)
	assert.Equal(t, calls, resp.ToolCalls)

	text, err := s.Generate(context.Background(), GenerationParams{})
	require.NoError(t, err)
	assert.Equal(t, "It's 12°C in Paris.", text)

	// 脚本耗尽后返回空
	text, err = s.Generate(context.Background(), GenerationParams{})
	require.NoError(t, err)
	assert.Empty(t, text)
}

func TestFallbackToolResultsSynthesisesUserTurn(t *testing.T) {
	s := NewScripted("scripted", Capabilities{}, ScriptedStep{Content: "done"})
	calls := []model.ToolCall{{ID: "c1", Name: "weather"}}
	results := []model.ToolResult{{
		CallID:            "c1",
		ToolName:          "weather",
		StructuredContent: json.RawMessage(`{"temp_c":12}`),
	}}

	text, err := s.GenerateWithToolResults(context.Background(), GenerationParams{
		Messages: []Message{{Role: RoleUser, Content: "weather in Paris?"}},
	}, calls, results)
	require.NoError(t, err)
	assert.Equal(t, "done", text)

	// 回退路径：工具结果被拼成新的 user 轮后走普通 Generate
	require.Len(t, s.Calls, 1)
	assert.Equal(t, "generate", s.Calls[0].Method)
	msgs := s.Calls[0].Params.Messages
	require.Len(t, msgs, 2)
	assert.Equal(t, RoleUser, msgs[1].Role)
	assert.Contains(t, msgs[1].Content, "weather")
	assert.Contains(t, msgs[1].Content, `{"temp_c":12}`)
}

func TestSummariseToolResults(t *testing.T) {
	calls := []model.ToolCall{
		{ID: "c1", Name: "weather"},
		{ID: "c2", Name: "search"},
		{ID: "c3", Name: "broken"},
	}
	results := []model.ToolResult{
		{CallID: "c1", ToolName: "weather", StructuredContent: json.RawMessage(`{"temp_c":12}`)},
		{CallID: "c2", ToolName: "search", IsError: true, Content: []model.ToolResultContent{{Type: "text", Text: "429"}}},
	}

	summary := SummariseToolResults(calls, results)
	assert.Contains(t, summary, `- weather: {"temp_c":12}`)
	assert.Contains(t, summary, "- search: error: 429")
	assert.Contains(t, summary, "- broken: no result")
}

func TestStreamingUnsupported(t *testing.T) {
	s := NewScripted("scripted", Capabilities{})
	_, err := s.GenerateStream(context.Background(), GenerationParams{})
	assert.ErrorIs(t, err, errdefs.ErrNotImplemented)

	g := NewGemini("key", "", "", 0)
	_, err = g.GenerateStream(context.Background(), GenerationParams{})
	assert.ErrorIs(t, err, errdefs.ErrNotImplemented)
}

func TestScriptedStreamChunks(t *testing.T) {
	s := NewScripted("scripted", Capabilities{Streaming: true},
		ScriptedStep{Content: "hello streaming world"})
	ch, err := s.GenerateStream(context.Background(), GenerationParams{})
	require.NoError(t, err)

	var got string
	chunks := 0
	for c := range ch {
		got += c
		chunks++
	}
	assert.Equal(t, "hello streaming world", got)
	assert.Greater(t, chunks, 1)
}

func TestGeminiBuildContents(t *testing.T) {
	g := NewGemini("key", "", "", 0)
	contents := g.buildContents([]Message{
		{Role: RoleSystem, Content: "be brief"},
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, ToolCalls: []model.ToolCall{
			{ID: "c1", Name: "weather", Arguments: json.RawMessage(`{"city":"Paris"}`)},
		}},
		{Role: RoleTool, ToolResults: []model.ToolResult{
			{CallID: "c1", ToolName: "weather", StructuredContent: json.RawMessage(`{"temp_c":12}`)},
		}},
	})

	require.Len(t, contents, 3)
	assert.Equal(t, "user", contents[0].Role)
	assert.Equal(t, "be brief\n\nhi", contents[0].Parts[0].Text)

	assert.Equal(t, "model", contents[1].Role)
	require.NotNil(t, contents[1].Parts[0].FunctionCall)
	assert.Equal(t, "weather", contents[1].Parts[0].FunctionCall.Name)
	assert.Equal(t, "Paris", contents[1].Parts[0].FunctionCall.Args["city"])

	assert.Equal(t, "user", contents[2].Role)
	require.NotNil(t, contents[2].Parts[0].FunctionResponse)
	assert.Equal(t, float64(12), contents[2].Parts[0].FunctionResponse.Response["temp_c"])
}

func TestPricingLookup(t *testing.T) {
	g := NewGemini("key", "", "", 0)
	p := g.Pricing("gemini-2.5-pro")
	assert.Greater(t, p.InputCostPer1K, 0.0)

	// 未知模型回落到默认模型价格
	assert.Equal(t, g.Pricing(geminiDefaultModel), g.Pricing("gemini-unknown"))
}
