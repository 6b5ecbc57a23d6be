// Package model 定义核心数据模型
//
// step.go 包含执行步骤相关的数据模型定义：
//   - ExecutionStep：任务推理/动作日志中的一条类型化记录
//   - StepType / StepStatus：枚举
package model

import (
	"encoding/json"
	"time"
)

// ============================================================================
// StepType - 步骤类型
// ============================================================================

// StepType 执行步骤的类型
type StepType string

const (
	// StepTypeUnderstanding 理解请求
	StepTypeUnderstanding StepType = "understanding"

	// StepTypePlanning 规划
	StepTypePlanning StepType = "planning"

	// StepTypeSkillUsage 技能使用
	StepTypeSkillUsage StepType = "skill_usage"

	// StepTypeToolExecution 工具执行
	StepTypeToolExecution StepType = "tool_execution"

	// StepTypeCompletion 收尾
	StepTypeCompletion StepType = "completion"
)

// ============================================================================
// StepStatus - 步骤状态
// ============================================================================

// StepStatus 执行步骤的状态
//
// pending → in_progress → completed / failed
//
// 不变式：非终止任务同时至多一个 in_progress 步骤。
type StepStatus string

const (
	StepStatusPending    StepStatus = "pending"
	StepStatusInProgress StepStatus = "in_progress"
	StepStatusCompleted  StepStatus = "completed"
	StepStatusFailed     StepStatus = "failed"
)

// ============================================================================
// ExecutionStep - 执行步骤
// ============================================================================

// ExecutionStep 任务推理/动作日志中的一条记录
//
// StepIndex 在任务内从 0 起稠密严格递增，
// 落库顺序与事件发射顺序一致。
type ExecutionStep struct {
	// TaskID 所属任务
	TaskID string `json:"task_id" db:"task_id"`

	// StepIndex 任务内序号（从 0 起稠密递增）
	StepIndex int `json:"step_index" db:"step_index"`

	// Type 步骤类型
	Type StepType `json:"type" db:"step_type"`

	// Status 步骤状态
	Status StepStatus `json:"status" db:"status"`

	// Title 步骤标题（可为空）
	Title string `json:"title,omitempty" db:"title"`

	// Content 类型化负载（如工具名、参数摘要）
	Content json.RawMessage `json:"content,omitempty" db:"content"`

	// StartedAt 开始时间
	StartedAt time.Time `json:"started_at" db:"started_at"`

	// DurationMS 耗时（完成/失败时填写）
	DurationMS *int64 `json:"duration_ms,omitempty" db:"duration_ms"`

	// Error 失败原因
	Error string `json:"error,omitempty" db:"error"`
}

// ToolExecutionContent tool_execution 步骤的负载
type ToolExecutionContent struct {
	ToolName  string          `json:"tool_name"`
	MCPServer string          `json:"mcp_server,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}
