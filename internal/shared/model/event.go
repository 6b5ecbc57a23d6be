// Package model 定义核心数据模型
//
// event.go 包含事件流相关的数据模型定义：
//   - ContextEvent：事件流的单元（对外以 SSE/WebSocket 投递）
//   - EventType：事件类型枚举
//
// 事件分类：
//  1. AG-UI 事件：驱动 UI 展示任务进度（run_*/text_message_*/tool_call_*/step_*）
//  2. A2A 事件：粗粒度任务状态/产物更新（Agent 间互操作）
//  3. 系统事件：heartbeat / connected
//  4. 分析事件：旁路埋点，不参与协议状态机
package model

import (
	"time"
)

// ============================================================================
// EventType - 事件类型
// ============================================================================

// EventType 事件类型
type EventType string

const (
	// === AG-UI 生命周期事件 ===

	// EventRunStarted 任务执行开始
	// Payload: {"context_id": "...", "task_id": "..."}
	EventRunStarted EventType = "run_started"

	// EventRunFinished 任务执行成功结束
	EventRunFinished EventType = "run_finished"

	// EventRunError 任务执行失败（终止事件，随后流关闭）
	// Payload: {"message": "...", "code": "..."}
	EventRunError EventType = "run_error"

	// === AG-UI 文本消息事件 ===

	EventTextMessageStart   EventType = "text_message_start"
	EventTextMessageContent EventType = "text_message_content"
	EventTextMessageEnd     EventType = "text_message_end"

	// === AG-UI 工具调用事件 ===

	EventToolCallStart  EventType = "tool_call_start"
	EventToolCallArgs   EventType = "tool_call_args"
	EventToolCallResult EventType = "tool_call_result"
	EventToolCallEnd    EventType = "tool_call_end"

	// === AG-UI 步骤事件 ===

	// EventStepStarted 执行步骤开始
	// Payload: {"step_index": 0, "step_type": "understanding"}
	EventStepStarted  EventType = "step_started"
	EventStepFinished EventType = "step_finished"

	// === AG-UI 状态事件 ===

	EventStateSnapshot    EventType = "state_snapshot"
	EventStateDelta       EventType = "state_delta"
	EventMessagesSnapshot EventType = "messages_snapshot"

	// === A2A 事件 ===

	// EventTaskStatusUpdate 任务状态变更
	// Payload: {"task_id": "...", "state": "working"}
	EventTaskStatusUpdate EventType = "task_status_update"

	// EventArtifactUpdate 产物新增/更新
	EventArtifactUpdate EventType = "artifact_update"

	// === 系统事件 ===

	// EventHeartbeat SSE 保活
	EventHeartbeat EventType = "heartbeat"

	// EventConnected 订阅建立确认
	EventConnected EventType = "connected"

	// === 分析事件（旁路） ===

	// EventAnalytics 埋点事件，不参与协议状态机
	EventAnalytics EventType = "analytics"

	// === 编排器事件 ===

	EventAgentStarting               EventType = "agent_starting"
	EventAgentStarted                EventType = "agent_started"
	EventAgentFailed                 EventType = "agent_failed"
	EventAgentStopped                EventType = "agent_stopped"
	EventPortConflict                EventType = "port_conflict"
	EventPortConflictResolved        EventType = "port_conflict_resolved"
	EventAgentReconciliationComplete EventType = "agent_reconciliation_complete"
	EventPhaseStarted                EventType = "phase_started"
	EventPhaseCompleted              EventType = "phase_completed"
)

// ============================================================================
// ContextEvent - 事件流单元
// ============================================================================

// ContextEvent 事件流的单元
//
// 以 ContextID 寻址（会话分组）；同一任务内的事件
// 按总线观察顺序投递给每个存活订阅者。
type ContextEvent struct {
	// ID 事件唯一标识
	ID string `json:"id"`

	// ContextID 会话分组标识（编排器事件为空）
	ContextID string `json:"context_id,omitempty"`

	// TaskID 所属任务（非任务事件为空）
	TaskID string `json:"task_id,omitempty"`

	// Type 事件类型
	Type EventType `json:"type"`

	// Seq 生产者内单调序号
	Seq int `json:"seq"`

	// Timestamp 事件时间
	Timestamp time.Time `json:"timestamp"`

	// Payload 事件负载
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// NewContextEvent 构造事件
func NewContextEvent(contextID, taskID string, typ EventType, payload map[string]interface{}) *ContextEvent {
	return &ContextEvent{
		ContextID: contextID,
		TaskID:    taskID,
		Type:      typ,
		Timestamp: time.Now(),
		Payload:   payload,
	}
}

// IsTerminalForTask 是否为任务流的终止事件
func (e *ContextEvent) IsTerminalForTask() bool {
	return e.Type == EventRunFinished || e.Type == EventRunError
}
