package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTaskStateTransitions(t *testing.T) {
	// 合法路径
	assert.True(t, TaskStateSubmitted.CanTransition(TaskStateWorking))
	assert.True(t, TaskStateWorking.CanTransition(TaskStateCompleted))
	assert.True(t, TaskStateWorking.CanTransition(TaskStateFailed))
	assert.True(t, TaskStateWorking.CanTransition(TaskStateCanceled))
	assert.True(t, TaskStateWorking.CanTransition(TaskStateInputRequired))
	assert.True(t, TaskStateInputRequired.CanTransition(TaskStateWorking))
	assert.True(t, TaskStateAuthRequired.CanTransition(TaskStateWorking))

	// 回退与跳跃均非法
	assert.False(t, TaskStateWorking.CanTransition(TaskStateSubmitted))
	assert.False(t, TaskStateCompleted.CanTransition(TaskStateWorking))
	assert.False(t, TaskStateFailed.CanTransition(TaskStateCompleted))
	assert.False(t, TaskStateCanceled.CanTransition(TaskStateSubmitted))
	assert.False(t, TaskStateSubmitted.CanTransition(TaskStateCompleted))

	// 同状态迁移非法
	assert.False(t, TaskStateWorking.CanTransition(TaskStateWorking))
}

func TestTaskStateTerminal(t *testing.T) {
	for _, s := range []TaskState{TaskStateCompleted, TaskStateFailed, TaskStateCanceled, TaskStateRejected} {
		assert.True(t, s.IsTerminal(), string(s))
	}
	for _, s := range []TaskState{TaskStateSubmitted, TaskStateWorking, TaskStateInputRequired, TaskStateAuthRequired} {
		assert.False(t, s.IsTerminal(), string(s))
	}
}

func TestTaskValidate(t *testing.T) {
	now := time.Now()

	task := &Task{ID: "task-1", ContextID: "ctx-1", AgentName: "weather", State: TaskStateSubmitted}
	assert.NoError(t, task.Validate())

	// 终止状态必须带 completed_at
	task.State = TaskStateCompleted
	assert.Error(t, task.Validate())
	task.CompletedAt = &now
	assert.NoError(t, task.Validate())

	// 非终止状态不允许带 completed_at
	task.State = TaskStateWorking
	assert.Error(t, task.Validate())

	// 必填字段
	assert.Error(t, (&Task{ContextID: "ctx", AgentName: "a", State: TaskStateSubmitted}).Validate())
	assert.Error(t, (&Task{ID: "t", AgentName: "a", State: TaskStateSubmitted}).Validate())
	assert.Error(t, (&Task{ID: "t", ContextID: "ctx", State: TaskStateSubmitted}).Validate())
}

func TestMessageValidate(t *testing.T) {
	msg := &Message{
		ID: "msg-1", TaskID: "task-1", Role: MessageRoleUser,
		Parts: []Part{
			{Kind: PartKindText, SequenceNumber: 0, Text: "hi"},
			{Kind: PartKindData, SequenceNumber: 1, Data: []byte(`{}`)},
		},
	}
	assert.NoError(t, msg.Validate())

	// 稠密性被破坏
	msg.Parts[1].SequenceNumber = 3
	assert.Error(t, msg.Validate())

	// 非法角色
	assert.Error(t, (&Message{TaskID: "t", Role: "assistant"}).Validate())
}

func TestMessagePlainText(t *testing.T) {
	msg := &Message{Parts: []Part{
		TextPart("hello "),
		DataPart([]byte(`{"x":1}`)),
		TextPart("world"),
	}}
	assert.Equal(t, "hello world", msg.PlainText())
}
