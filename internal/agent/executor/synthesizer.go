package executor

import (
	"context"
	"fmt"
	"strings"

	"agenthost/internal/agent/provider"
	"agenthost/internal/shared/model"
)

// FallbackReason 综合失败的原因
type FallbackReason string

const (
	// FallbackEmptyContent 提供商返回了空文本
	FallbackEmptyContent FallbackReason = "empty_content"

	// FallbackSynthesisFailed 综合请求本身失败
	FallbackSynthesisFailed FallbackReason = "synthesis_failed"
)

// Synthesis 综合器产出
type Synthesis struct {
	// Text 给用户的最终文本
	Text string

	// Fallback 是否使用了确定性兜底文本
	Fallback bool

	// Reason 兜底原因（Fallback=true 时有效）
	Reason FallbackReason

	// Err 综合失败的底层错误（Reason=synthesis_failed 时有效）
	Err error
}

// Synthesize 把工具执行结果综合为自然语言回复
//
// 追加一条引导 user 轮再做普通生成；生成失败或返回空文本时
// 退回确定性的结果摘要，任务仍然成功结束。
func Synthesize(ctx context.Context, p provider.Provider, params provider.GenerationParams, calls []model.ToolCall, results []model.ToolResult) Synthesis {
	summary := provider.SummariseToolResults(calls, results)

	guided := params
	guided.Messages = append(append([]provider.Message{}, params.Messages...), provider.Message{
		Role: provider.RoleUser,
		Content: fmt.Sprintf(
			"The following tools were just executed: %s. "+
				"Based on these tool execution results, provide a clear natural-language response to the user's request.",
			summary),
	})

	text, err := p.Generate(ctx, guided)
	if err != nil {
		return Synthesis{
			Text:     FallbackText(calls, results, err),
			Fallback: true,
			Reason:   FallbackSynthesisFailed,
			Err:      err,
		}
	}
	if strings.TrimSpace(text) == "" {
		return Synthesis{
			Text:     FallbackText(calls, results, nil),
			Fallback: true,
			Reason:   FallbackEmptyContent,
		}
	}
	return Synthesis{Text: text}
}

// FallbackText 确定性的、用户可读的结果摘要
func FallbackText(calls []model.ToolCall, results []model.ToolResult, synthErr error) string {
	var b strings.Builder
	b.WriteString("Tool execution completed:\n\n")
	b.WriteString(provider.SummariseToolResults(calls, results))
	if synthErr != nil {
		b.WriteString("\n\nNote: response synthesis failed: ")
		b.WriteString(synthErr.Error())
	}
	return b.String()
}
