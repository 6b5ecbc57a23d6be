// Package storage 定义持久化存储层抽象接口
//
// 设计原则：依赖倒置 (DIP)
//   - 调用方只依赖接口，不知道具体实现
//   - 具体实现在 repository/ 中，驱动在 driver/postgres、driver/sqlite
//   - 初始化时通过依赖注入传入实现
//
// 接口按消费方拆分为最小能力集：
//   - ServiceStore：编排器消费（受管进程记录）
//   - TaskStore：任务运行器与 A2A 边界消费
//
// PersistentStore 组合接口仅用于装配。
package storage

import (
	"context"

	"agenthost/internal/shared/model"
)

// ============================================================================
// ServiceStore - 受管进程记录
// ============================================================================

// ServiceStore 受管进程记录的存储接口
//
// 所有变更均为单行短事务；List 为快照读。
type ServiceStore interface {
	// UpsertStarting 写入/刷新 (type, name) 的活跃行并置为 starting
	// 同名活跃行存在时复用其 ID；返回落库后的记录。
	UpsertStarting(ctx context.Context, typ model.ServiceType, name string, port int) (*model.ServiceRecord, error)

	// MarkRunning 标记为 running（写入 pid 和 port）
	MarkRunning(ctx context.Context, id string, pid, port int) error

	// MarkStopped 标记为 stopped
	MarkStopped(ctx context.Context, id string) error

	// MarkFailed 标记为 failed 并记录原因
	MarkFailed(ctx context.Context, id string, errMsg string) error

	// TouchHeartbeat 刷新 last_heartbeat_at
	TouchHeartbeat(ctx context.Context, id string) error

	// FindActive 查找 (type, name) 的活跃行，不存在时返回 ErrNotFound
	FindActive(ctx context.Context, typ model.ServiceType, name string) (*model.ServiceRecord, error)

	// ListByType 列出某类型的全部记录（快照）
	ListByType(ctx context.Context, typ model.ServiceType) ([]*model.ServiceRecord, error)

	// ListActivePorts 列出某类型活跃行占用的端口
	ListActivePorts(ctx context.Context, typ model.ServiceType) ([]int, error)

	// CleanupOrphaned 将 PID 已不存在的活跃行降级为 failed
	// alive 为 PID 存活探测回调；返回降级的行数。
	CleanupOrphaned(ctx context.Context, alive func(pid int) bool) (int, error)
}

// ============================================================================
// TaskStore - 任务/消息/产物/步骤
// ============================================================================

// TaskStore 任务聚合的存储接口
//
// Task 独占其子对象；序号分配在事务内完成以保证稠密性。
type TaskStore interface {
	// CreateTask 创建任务（state=submitted）
	CreateTask(ctx context.Context, task *model.Task) error

	// GetTask 获取任务，不存在时返回 ErrNotFound
	GetTask(ctx context.Context, id string) (*model.Task, error)

	// UpdateTaskState 推进任务状态
	// 迁移非法时返回 ErrConflict；进入 working 时填写 started_at。
	UpdateTaskState(ctx context.Context, id string, state model.TaskState) error

	// CompleteTask 原子地完成终止迁移：
	// 任务置为终止状态（填写 completed_at / error_message），
	// 同事务内将仍处于 in_progress 的步骤按 finalStepStatus 收尾。
	CompleteTask(ctx context.Context, id string, state model.TaskState, errMsg string, finalStepStatus model.StepStatus) error

	// DeleteTask 删除任务并级联删除全部子对象（单事务）
	DeleteTask(ctx context.Context, id string) error

	// ListTasksByContext 列出会话下的任务
	ListTasksByContext(ctx context.Context, contextID string) ([]*model.Task, error)

	// AppendMessage 追加消息；事务内分配任务内稠密序号并写入全部 Parts
	AppendMessage(ctx context.Context, msg *model.Message) error

	// ListMessages 按序号升序列出任务消息（含 Parts）
	// limit <= 0 表示不限制；limit > 0 时返回最近的 limit 条。
	ListMessages(ctx context.Context, taskID string, limit int) ([]*model.Message, error)

	// UpsertArtifact 按 (task_id, fingerprint) 幂等写入产物
	// 已存在时返回既有产物且 created=false。
	UpsertArtifact(ctx context.Context, artifact *model.Artifact) (created bool, err error)

	// ListArtifacts 列出任务产物
	ListArtifacts(ctx context.Context, taskID string) ([]*model.Artifact, error)

	// AppendStep 追加执行步骤；事务内分配稠密 step_index，返回分配值
	AppendStep(ctx context.Context, step *model.ExecutionStep) (int, error)

	// UpdateStepStatus 更新步骤状态（完成/失败时填写耗时与错误）
	UpdateStepStatus(ctx context.Context, taskID string, stepIndex int, status model.StepStatus, durationMS int64, errMsg string) error

	// ListSteps 按序号升序列出执行步骤
	ListSteps(ctx context.Context, taskID string) ([]*model.ExecutionStep, error)
}

// ============================================================================
// PersistentStore - 组合接口
// ============================================================================

// PersistentStore 持久化存储组合接口（仅用于装配）
type PersistentStore interface {
	ServiceStore
	TaskStore
	Close() error
}
