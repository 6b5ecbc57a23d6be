// Package repository ExecutionStep 相关的存储操作
package repository

import (
	"context"
	"database/sql"
	"time"

	"agenthost/internal/shared/model"
	"agenthost/internal/shared/storage"
)

// AppendStep 追加执行步骤
//
// step_index 在事务内分配（MAX+1），保证任务内稠密严格递增；
// 返回分配到的序号。
func (s *Store) AppendStep(ctx context.Context, step *model.ExecutionStep) (int, error) {
	if step.StartedAt.IsZero() {
		step.StartedAt = time.Now().UTC()
	}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var next int
		query := s.rebind(`SELECT COALESCE(MAX(step_index) + 1, 0) FROM task_execution_steps WHERE task_id = $1`)
		if err := tx.QueryRowContext(ctx, query, step.TaskID).Scan(&next); err != nil {
			return storage.Normalize(err)
		}
		step.StepIndex = next

		var content interface{}
		if step.Content != nil {
			content = string(step.Content)
		}
		query = s.rebind(`INSERT INTO task_execution_steps (task_id, step_index, step_type, status, title, content, started_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`)
		_, err := tx.ExecContext(ctx, query,
			step.TaskID, step.StepIndex, step.Type, step.Status,
			nullStr(step.Title), content, step.StartedAt)
		return storage.Normalize(err)
	})
	if err != nil {
		return 0, err
	}
	return step.StepIndex, nil
}

// UpdateStepStatus 更新步骤状态
//
// 完成/失败时填写耗时与错误；durationMS < 0 表示不更新耗时。
func (s *Store) UpdateStepStatus(ctx context.Context, taskID string, stepIndex int, status model.StepStatus, durationMS int64, errMsg string) error {
	var err error
	if durationMS >= 0 {
		query := s.rebind(`UPDATE task_execution_steps
			SET status = $1, duration_ms = $2, error = $3
			WHERE task_id = $4 AND step_index = $5`)
		_, err = s.db.ExecContext(ctx, query, status, durationMS, nullStr(errMsg), taskID, stepIndex)
	} else {
		query := s.rebind(`UPDATE task_execution_steps
			SET status = $1, error = $2
			WHERE task_id = $3 AND step_index = $4`)
		_, err = s.db.ExecContext(ctx, query, status, nullStr(errMsg), taskID, stepIndex)
	}
	return storage.Normalize(err)
}

// ListSteps 按序号升序列出执行步骤
func (s *Store) ListSteps(ctx context.Context, taskID string) ([]*model.ExecutionStep, error) {
	query := s.rebind(`SELECT task_id, step_index, step_type, status, title, content, started_at, duration_ms, error
		FROM task_execution_steps WHERE task_id = $1 ORDER BY step_index ASC`)
	rows, err := s.db.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, storage.Normalize(err)
	}
	defer rows.Close()

	var steps []*model.ExecutionStep
	for rows.Next() {
		step := &model.ExecutionStep{}
		var title, errMsg *string
		var content *[]byte
		if err := rows.Scan(&step.TaskID, &step.StepIndex, &step.Type, &step.Status,
			&title, &content, &step.StartedAt, &step.DurationMS, &errMsg); err != nil {
			return nil, err
		}
		step.Title = strOrEmpty(title)
		step.Error = strOrEmpty(errMsg)
		step.Content = (&NullableJSON{Data: content}).Value()
		steps = append(steps, step)
	}
	return steps, rows.Err()
}
