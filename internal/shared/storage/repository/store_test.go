// Package repository SQLite 集成测试
//
// 使用 SQLite 内存数据库验证 repository 层所有存储接口的正确性。
// 无需外部数据库依赖，可在任何环境下运行。
package repository

import (
	"context"
	"encoding/json"
	"testing"

	"agenthost/internal/shared/model"
	"agenthost/internal/shared/storage"
	"agenthost/internal/shared/storage/dbutil"
	sqlitedriver "agenthost/internal/shared/storage/driver/sqlite"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStore 创建用于测试的 SQLite 内存数据库 Store
func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sqlitedriver.Open(":memory:")
	require.NoError(t, err)
	dialect := sqlitedriver.NewDialect()
	require.NoError(t, dialect.AutoMigrate(db))
	store := NewStore(db, dialect)
	t.Cleanup(func() { store.Close() })
	return store
}

// newTestTask 创建并落库一个测试任务
func newTestTask(t *testing.T, s *Store, id string) *model.Task {
	t.Helper()
	task := &model.Task{
		ID:        id,
		ContextID: "ctx-1",
		AgentName: "weather",
		TraceID:   "trace-1",
		State:     model.TaskStateSubmitted,
	}
	require.NoError(t, s.CreateTask(context.Background(), task))
	return task
}

// ============================================================================
// Dialect 基础测试
// ============================================================================

func TestDialectRebind(t *testing.T) {
	d := sqlitedriver.NewDialect()
	assert.Equal(t, dbutil.DriverSQLite, d.DriverType())
	assert.Equal(t, "SELECT * FROM t WHERE id = ? AND name = ?",
		d.Rebind("SELECT * FROM t WHERE id = $1 AND name = $2"))
	assert.Equal(t, "datetime('now')", d.CurrentTimestamp())
	assert.Equal(t, "1", d.BooleanLiteral(true))
	assert.False(t, d.SupportsNullsLast())
}

// ============================================================================
// ServiceStore 测试
// ============================================================================

func TestServiceLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec, err := s.UpsertStarting(ctx, model.ServiceTypeAgent, "weather", 9100)
	require.NoError(t, err)
	assert.Equal(t, model.ServiceStateStarting, rec.State)
	require.NotNil(t, rec.Port)
	assert.Equal(t, 9100, *rec.Port)

	require.NoError(t, s.MarkRunning(ctx, rec.ID, 4242, 9100))
	active, err := s.FindActive(ctx, model.ServiceTypeAgent, "weather")
	require.NoError(t, err)
	assert.Equal(t, model.ServiceStateRunning, active.State)
	require.NotNil(t, active.PID)
	assert.Equal(t, 4242, *active.PID)
	assert.NotNil(t, active.LastHeartbeatAt)

	require.NoError(t, s.MarkStopped(ctx, rec.ID))
	_, err = s.FindActive(ctx, model.ServiceTypeAgent, "weather")
	assert.True(t, storage.IsNotFound(err))

	// 历史行保留，审计可见
	all, err := s.ListByType(ctx, model.ServiceTypeAgent)
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Equal(t, model.ServiceStateStopped, all[0].State)
}

func TestServiceUpsertReusesActiveRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.UpsertStarting(ctx, model.ServiceTypeAgent, "weather", 9100)
	require.NoError(t, err)

	// 同名活跃行复用 ID（重启场景）
	second, err := s.UpsertStarting(ctx, model.ServiceTypeAgent, "weather", 9101)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	require.NotNil(t, second.Port)
	assert.Equal(t, 9101, *second.Port)
}

func TestServicePortUniqueness(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertStarting(ctx, model.ServiceTypeAgent, "a", 9100)
	require.NoError(t, err)

	// 不同服务占用同一端口：唯一索引拒绝
	_, err = s.UpsertStarting(ctx, model.ServiceTypeAgent, "b", 9100)
	require.Error(t, err)
	assert.True(t, storage.IsConflict(err))

	ports, err := s.ListActivePorts(ctx, model.ServiceTypeAgent)
	require.NoError(t, err)
	assert.Equal(t, []int{9100}, ports)
}

func TestServiceCleanupOrphaned(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec1, err := s.UpsertStarting(ctx, model.ServiceTypeAgent, "a", 9100)
	require.NoError(t, err)
	require.NoError(t, s.MarkRunning(ctx, rec1.ID, 111, 9100))
	rec2, err := s.UpsertStarting(ctx, model.ServiceTypeAgent, "b", 9101)
	require.NoError(t, err)
	require.NoError(t, s.MarkRunning(ctx, rec2.ID, 222, 9101))

	// 111 已死，222 存活
	cleaned, err := s.CleanupOrphaned(ctx, func(pid int) bool { return pid == 222 })
	require.NoError(t, err)
	assert.Equal(t, 1, cleaned)

	_, err = s.FindActive(ctx, model.ServiceTypeAgent, "a")
	assert.True(t, storage.IsNotFound(err))
	b, err := s.FindActive(ctx, model.ServiceTypeAgent, "b")
	require.NoError(t, err)
	assert.Equal(t, model.ServiceStateRunning, b.State)
}

// ============================================================================
// TaskStore 测试
// ============================================================================

func TestTaskStateMachineEnforced(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := newTestTask(t, s, "task-1")

	require.NoError(t, s.UpdateTaskState(ctx, task.ID, model.TaskStateWorking))
	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStateWorking, got.State)
	assert.NotNil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt)

	// 回退非法
	err = s.UpdateTaskState(ctx, task.ID, model.TaskStateSubmitted)
	assert.True(t, storage.IsConflict(err))

	require.NoError(t, s.CompleteTask(ctx, task.ID, model.TaskStateCompleted, "", model.StepStatusCompleted))
	got, err = s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStateCompleted, got.State)
	assert.NotNil(t, got.CompletedAt)

	// 终止后不可再迁移
	err = s.UpdateTaskState(ctx, task.ID, model.TaskStateWorking)
	assert.True(t, storage.IsConflict(err))
}

func TestCompleteTaskClosesInProgressSteps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := newTestTask(t, s, "task-1")
	require.NoError(t, s.UpdateTaskState(ctx, task.ID, model.TaskStateWorking))

	idx, err := s.AppendStep(ctx, &model.ExecutionStep{
		TaskID: task.ID, Type: model.StepTypeUnderstanding, Status: model.StepStatusInProgress,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, idx)

	require.NoError(t, s.CompleteTask(ctx, task.ID, model.TaskStateFailed, "provider exploded", model.StepStatusFailed))

	steps, err := s.ListSteps(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, model.StepStatusFailed, steps[0].Status)
	assert.Equal(t, "provider exploded", steps[0].Error)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "provider exploded", got.ErrorMessage)
}

func TestMessageSequenceDense(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := newTestTask(t, s, "task-1")

	for i, text := range []string{"hi", "hello", "bye"} {
		msg := &model.Message{
			TaskID:    task.ID,
			ContextID: task.ContextID,
			Role:      model.MessageRoleUser,
			Parts:     []model.Part{model.TextPart(text)},
		}
		require.NoError(t, s.AppendMessage(ctx, msg))
		assert.Equal(t, i, msg.SequenceNumber)
	}

	msgs, err := s.ListMessages(ctx, task.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for i, msg := range msgs {
		assert.Equal(t, i, msg.SequenceNumber)
	}
	assert.Equal(t, "hello", msgs[1].PlainText())

	// historyLength 截断保留最近的
	msgs, err = s.ListMessages(ctx, task.ID, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello", msgs[0].PlainText())
	assert.Equal(t, "bye", msgs[1].PlainText())
}

func TestMessagePartsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := newTestTask(t, s, "task-1")

	msg := &model.Message{
		TaskID:    task.ID,
		ContextID: task.ContextID,
		Role:      model.MessageRoleAgent,
		Parts: []model.Part{
			model.TextPart("result:"),
			model.DataPart(json.RawMessage(`{"temp_c":12}`)),
			model.FilePart("report.pdf", "application/pdf", []byte{0x25, 0x50}),
		},
	}
	require.NoError(t, s.AppendMessage(ctx, msg))

	msgs, err := s.ListMessages(ctx, task.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	parts := msgs[0].Parts
	require.Len(t, parts, 3)
	assert.Equal(t, model.PartKindText, parts[0].Kind)
	assert.Equal(t, "result:", parts[0].Text)
	assert.Equal(t, model.PartKindData, parts[1].Kind)
	assert.JSONEq(t, `{"temp_c":12}`, string(parts[1].Data))
	assert.Equal(t, model.PartKindFile, parts[2].Kind)
	assert.Equal(t, "report.pdf", parts[2].FileName)
	assert.Equal(t, []byte{0x25, 0x50}, parts[2].FileBytes)
}

func TestArtifactFingerprintDedup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := newTestTask(t, s, "task-1")

	a1 := &model.Artifact{
		TaskID: task.ID, ContextID: task.ContextID,
		Type: model.ArtifactTypeData, ToolName: "weather",
		Content: json.RawMessage(`{"temp_c":12}`),
	}
	created, err := s.UpsertArtifact(ctx, a1)
	require.NoError(t, err)
	assert.True(t, created)

	// 相同内容（key 顺序不同）幂等命中
	a2 := &model.Artifact{
		TaskID: task.ID, ContextID: task.ContextID,
		Type: model.ArtifactTypeData, ToolName: "weather",
		Content: json.RawMessage(`{"temp_c": 12}`),
	}
	created, err = s.UpsertArtifact(ctx, a2)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, a1.ID, a2.ID)

	artifacts, err := s.ListArtifacts(ctx, task.ID)
	require.NoError(t, err)
	assert.Len(t, artifacts, 1)
}

func TestStepIndexDense(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := newTestTask(t, s, "task-1")

	for i := 0; i < 3; i++ {
		idx, err := s.AppendStep(ctx, &model.ExecutionStep{
			TaskID: task.ID, Type: model.StepTypeToolExecution, Status: model.StepStatusInProgress,
		})
		require.NoError(t, err)
		assert.Equal(t, i, idx)
		require.NoError(t, s.UpdateStepStatus(ctx, task.ID, idx, model.StepStatusCompleted, 42, ""))
	}

	steps, err := s.ListSteps(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	for i, step := range steps {
		assert.Equal(t, i, step.StepIndex)
		assert.Equal(t, model.StepStatusCompleted, step.Status)
		require.NotNil(t, step.DurationMS)
		assert.Equal(t, int64(42), *step.DurationMS)
	}
}

func TestDeleteTaskCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := newTestTask(t, s, "task-1")

	require.NoError(t, s.AppendMessage(ctx, &model.Message{
		TaskID: task.ID, ContextID: task.ContextID, Role: model.MessageRoleUser,
		Parts: []model.Part{model.TextPart("hi")},
	}))
	_, err := s.UpsertArtifact(ctx, &model.Artifact{
		TaskID: task.ID, ContextID: task.ContextID, Type: model.ArtifactTypeData,
		Content: json.RawMessage(`{"x":1}`),
	})
	require.NoError(t, err)
	_, err = s.AppendStep(ctx, &model.ExecutionStep{
		TaskID: task.ID, Type: model.StepTypeUnderstanding, Status: model.StepStatusCompleted,
	})
	require.NoError(t, err)

	require.NoError(t, s.DeleteTask(ctx, task.ID))

	_, err = s.GetTask(ctx, task.ID)
	assert.True(t, storage.IsNotFound(err))
	msgs, err := s.ListMessages(ctx, task.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	artifacts, err := s.ListArtifacts(ctx, task.ID)
	require.NoError(t, err)
	assert.Empty(t, artifacts)
	steps, err := s.ListSteps(ctx, task.ID)
	require.NoError(t, err)
	assert.Empty(t, steps)
}

func TestListTasksByContext(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	newTestTask(t, s, "task-1")
	newTestTask(t, s, "task-2")

	tasks, err := s.ListTasksByContext(ctx, "ctx-1")
	require.NoError(t, err)
	assert.Len(t, tasks, 2)

	tasks, err = s.ListTasksByContext(ctx, "ctx-other")
	require.NoError(t, err)
	assert.Empty(t, tasks)
}
