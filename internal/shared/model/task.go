// Package model 定义核心数据模型
//
// task.go 包含任务相关的数据模型定义：
//   - Task：一次 Agent 执行实例（含运行时状态）
//   - TaskState：任务状态枚举及状态机校验
//
// 注意：Message/Part 在 message.go，Artifact 在 artifact.go，
// ExecutionStep 在 step.go。Task 独占其子对象，删除时级联。
package model

import (
	"time"
)

// ============================================================================
// TaskState - 任务状态
// ============================================================================

// TaskState 表示任务的执行状态
//
// 状态机（单调推进，不允许回退）：
//
//	submitted → working → completed
//	                ↓   ↘ failed / canceled / rejected
//	        input-required → working
//	         auth-required
//
// 状态说明：
//   - submitted：已落库，尚未开始执行
//   - working：执行中
//   - input-required：等待调用方补充输入（可回到 working）
//   - auth-required：等待外部授权
//   - completed / failed / canceled / rejected：终止状态
type TaskState string

const (
	// TaskStateSubmitted 已提交
	TaskStateSubmitted TaskState = "submitted"

	// TaskStateWorking 执行中
	TaskStateWorking TaskState = "working"

	// TaskStateInputRequired 等待输入
	TaskStateInputRequired TaskState = "input-required"

	// TaskStateAuthRequired 等待授权
	TaskStateAuthRequired TaskState = "auth-required"

	// TaskStateCompleted 已完成
	TaskStateCompleted TaskState = "completed"

	// TaskStateCanceled 已取消
	TaskStateCanceled TaskState = "canceled"

	// TaskStateFailed 已失败
	TaskStateFailed TaskState = "failed"

	// TaskStateRejected 已拒绝
	TaskStateRejected TaskState = "rejected"
)

// IsTerminal 是否为终止状态
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateCanceled, TaskStateFailed, TaskStateRejected:
		return true
	}
	return false
}

// taskTransitions 合法状态迁移表
var taskTransitions = map[TaskState][]TaskState{
	TaskStateSubmitted: {
		TaskStateWorking, TaskStateCanceled, TaskStateRejected, TaskStateFailed,
	},
	TaskStateWorking: {
		TaskStateCompleted, TaskStateFailed, TaskStateCanceled,
		TaskStateInputRequired, TaskStateAuthRequired,
	},
	TaskStateInputRequired: {
		TaskStateWorking, TaskStateCanceled, TaskStateFailed,
	},
	TaskStateAuthRequired: {
		TaskStateWorking, TaskStateCanceled, TaskStateFailed,
	},
}

// CanTransition 判断状态迁移是否合法
//
// 终止状态不允许任何迁移；同状态迁移视为非法。
func (s TaskState) CanTransition(to TaskState) bool {
	for _, next := range taskTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// ============================================================================
// Task - 任务实例
// ============================================================================

// Task 表示一次 Agent 执行
//
// Task 是调用方与 Agent 的一次交互：
//   - 归属于一个 Context（会话分组，即事件流的寻址单元）
//   - 独占其 Messages / Artifacts / ExecutionSteps
//   - completed_at 当且仅当处于终止状态时填写
type Task struct {
	// ID 任务唯一标识
	ID string `json:"id" db:"id"`

	// ContextID 会话分组标识
	ContextID string `json:"context_id" db:"context_id"`

	// AgentName 执行该任务的 Agent
	AgentName string `json:"agent_name" db:"agent_name"`

	// UserID 调用方用户（来自 JWT claims，可为空）
	UserID string `json:"user_id,omitempty" db:"user_id"`

	// SessionID 调用方会话（可为空）
	SessionID string `json:"session_id,omitempty" db:"session_id"`

	// TraceID 全链路追踪标识
	TraceID string `json:"trace_id" db:"trace_id"`

	// State 当前状态
	State TaskState `json:"state" db:"state"`

	// StartedAt 开始执行时间（进入 working 时填写）
	StartedAt *time.Time `json:"started_at,omitempty" db:"started_at"`

	// CompletedAt 终止时间（当且仅当终止状态）
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`

	// ErrorMessage 失败原因
	ErrorMessage string `json:"error_message,omitempty" db:"error_message"`

	// CreatedAt 创建时间
	CreatedAt time.Time `json:"created_at" db:"created_at"`

	// UpdatedAt 更新时间
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Validate 校验任务不变式
func (t *Task) Validate() error {
	if t.ID == "" {
		return ErrInvalid("task id is required")
	}
	if t.ContextID == "" {
		return ErrInvalid("context id is required")
	}
	if t.AgentName == "" {
		return ErrInvalid("agent name is required")
	}
	if t.State.IsTerminal() && t.CompletedAt == nil {
		return ErrInternal("terminal task without completed_at")
	}
	if !t.State.IsTerminal() && t.CompletedAt != nil {
		return ErrInternal("non-terminal task with completed_at")
	}
	return nil
}
