// Package repository Task 相关的存储操作
package repository

import (
	"context"
	"database/sql"
	"time"

	"agenthost/internal/shared/model"
	"agenthost/internal/shared/storage"
)

const taskColumns = `id, context_id, agent_name, user_id, session_id, trace_id, state, started_at, completed_at, error_message, created_at, updated_at`

// scanTask 辅助函数
func scanTask(scanner interface {
	Scan(dest ...interface{}) error
}) (*model.Task, error) {
	task := &model.Task{}
	var userID, sessionID, traceID, errMsg *string
	err := scanner.Scan(
		&task.ID, &task.ContextID, &task.AgentName, &userID, &sessionID, &traceID,
		&task.State, &task.StartedAt, &task.CompletedAt, &errMsg,
		&task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return nil, err
	}
	task.UserID = strOrEmpty(userID)
	task.SessionID = strOrEmpty(sessionID)
	task.TraceID = strOrEmpty(traceID)
	task.ErrorMessage = strOrEmpty(errMsg)
	return task, nil
}

// scanTasks 批量扫描
func scanTasks(rows *sql.Rows) ([]*model.Task, error) {
	var tasks []*model.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// CreateTask 创建任务
func (s *Store) CreateTask(ctx context.Context, task *model.Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	task.CreatedAt, task.UpdatedAt = now, now
	query := s.rebind(`INSERT INTO agent_tasks (id, context_id, agent_name, user_id, session_id, trace_id, state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`)
	_, err := s.db.ExecContext(ctx, query,
		task.ID, task.ContextID, task.AgentName,
		nullStr(task.UserID), nullStr(task.SessionID), nullStr(task.TraceID),
		task.State, now, now)
	return storage.Normalize(err)
}

// GetTask 获取任务
func (s *Store) GetTask(ctx context.Context, id string) (*model.Task, error) {
	query := s.rebind(`SELECT ` + taskColumns + ` FROM agent_tasks WHERE id = $1`)
	task, err := scanTask(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, storage.Normalize(err)
	}
	return task, nil
}

// UpdateTaskState 推进任务状态
//
// 迁移合法性在事务内基于当前行校验；非法迁移返回 ErrConflict。
// 进入 working 时填写 started_at；终止迁移走 CompleteTask。
func (s *Store) UpdateTaskState(ctx context.Context, id string, state model.TaskState) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		cur, err := s.lockTaskState(ctx, tx, id)
		if err != nil {
			return err
		}
		if !cur.CanTransition(state) {
			return model.ErrConflict("illegal task transition " + string(cur) + " -> " + string(state))
		}

		now := time.Now().UTC()
		if state == model.TaskStateWorking && cur == model.TaskStateSubmitted {
			query := s.rebind(`UPDATE agent_tasks SET state = $1, started_at = $2, updated_at = $2 WHERE id = $3`)
			_, err = tx.ExecContext(ctx, query, state, now, id)
		} else if state.IsTerminal() {
			query := s.rebind(`UPDATE agent_tasks SET state = $1, completed_at = $2, updated_at = $2 WHERE id = $3`)
			_, err = tx.ExecContext(ctx, query, state, now, id)
		} else {
			query := s.rebind(`UPDATE agent_tasks SET state = $1, updated_at = $2 WHERE id = $3`)
			_, err = tx.ExecContext(ctx, query, state, now, id)
		}
		return storage.Normalize(err)
	})
}

// CompleteTask 原子完成终止迁移
//
// 终止迁移与收尾步骤的状态更新在同一事务内提交，
// 保证"终止任务至多零个 in_progress 步骤"的不变式。
func (s *Store) CompleteTask(ctx context.Context, id string, state model.TaskState, errMsg string, finalStepStatus model.StepStatus) error {
	if !state.IsTerminal() {
		return model.ErrInvalid("CompleteTask requires a terminal state, got " + string(state))
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		cur, err := s.lockTaskState(ctx, tx, id)
		if err != nil {
			return err
		}
		if !cur.CanTransition(state) {
			return model.ErrConflict("illegal task transition " + string(cur) + " -> " + string(state))
		}

		now := time.Now().UTC()
		query := s.rebind(`UPDATE agent_tasks
			SET state = $1, completed_at = $2, error_message = $3, updated_at = $2
			WHERE id = $4`)
		if _, err := tx.ExecContext(ctx, query, state, now, nullStr(errMsg), id); err != nil {
			return storage.Normalize(err)
		}

		// 收尾仍在进行中的步骤
		if finalStepStatus == model.StepStatusCompleted || finalStepStatus == model.StepStatusFailed {
			query = s.rebind(`UPDATE task_execution_steps
				SET status = $1, error = CASE WHEN $1 = 'failed' THEN $2 ELSE error END
				WHERE task_id = $3 AND status = 'in_progress'`)
			if _, err := tx.ExecContext(ctx, query, finalStepStatus, nullStr(errMsg), id); err != nil {
				return storage.Normalize(err)
			}
		}
		return nil
	})
}

// lockTaskState 事务内读取任务当前状态
func (s *Store) lockTaskState(ctx context.Context, tx *sql.Tx, id string) (model.TaskState, error) {
	query := `SELECT state FROM agent_tasks WHERE id = $1`
	if s.dialect.DriverType() == "postgres" {
		query += ` FOR UPDATE`
	}
	var state model.TaskState
	if err := tx.QueryRowContext(ctx, s.rebind(query), id).Scan(&state); err != nil {
		return "", storage.Normalize(err)
	}
	return state, nil
}

// DeleteTask 删除任务并级联删除全部子对象
//
// 外键 ON DELETE CASCADE 不一定在所有部署开启，
// 因此在单事务内显式删除子表。
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, query := range []string{
			`DELETE FROM message_parts WHERE task_id = $1`,
			`DELETE FROM task_messages WHERE task_id = $1`,
			`DELETE FROM task_artifacts WHERE task_id = $1`,
			`DELETE FROM task_execution_steps WHERE task_id = $1`,
			`DELETE FROM agent_tasks WHERE id = $1`,
		} {
			if _, err := tx.ExecContext(ctx, s.rebind(query), id); err != nil {
				return storage.Normalize(err)
			}
		}
		return nil
	})
}

// ListTasksByContext 列出会话下的任务
func (s *Store) ListTasksByContext(ctx context.Context, contextID string) ([]*model.Task, error) {
	query := s.rebind(`SELECT ` + taskColumns + ` FROM agent_tasks
		WHERE context_id = $1 ORDER BY created_at ASC`)
	rows, err := s.db.QueryContext(ctx, query, contextID)
	if err != nil {
		return nil, storage.Normalize(err)
	}
	defer rows.Close()
	return scanTasks(rows)
}
