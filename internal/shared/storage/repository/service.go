// Package repository ServiceRecord 相关的存储操作
package repository

import (
	"context"
	"database/sql"
	"time"

	"agenthost/internal/shared/model"
	"agenthost/internal/shared/storage"
)

const serviceColumns = `id, name, type, pid, port, state, started_at, stopped_at, last_heartbeat_at, error, created_at, updated_at`

// scanService 辅助函数
func scanService(scanner interface {
	Scan(dest ...interface{}) error
}) (*model.ServiceRecord, error) {
	rec := &model.ServiceRecord{}
	var errMsg *string
	err := scanner.Scan(
		&rec.ID, &rec.Name, &rec.Type, &rec.PID, &rec.Port, &rec.State,
		&rec.StartedAt, &rec.StoppedAt, &rec.LastHeartbeatAt, &errMsg,
		&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rec.Error = strOrEmpty(errMsg)
	return rec, nil
}

// scanServices 批量扫描
func scanServices(rows *sql.Rows) ([]*model.ServiceRecord, error) {
	var recs []*model.ServiceRecord
	for rows.Next() {
		rec, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// UpsertStarting 写入/刷新活跃行并置为 starting
//
// 同名活跃行存在时复用其 ID（重启场景）；
// 端口唯一性由部分唯一索引保证，冲突返回 ErrConflict。
func (s *Store) UpsertStarting(ctx context.Context, typ model.ServiceType, name string, port int) (*model.ServiceRecord, error) {
	now := time.Now().UTC()

	existing, err := s.FindActive(ctx, typ, name)
	if err != nil && !storage.IsNotFound(err) {
		return nil, err
	}

	if existing != nil {
		query := s.rebind(`UPDATE agent_services
			SET state = 'starting', port = $1, pid = NULL, error = NULL, started_at = NULL, stopped_at = NULL, updated_at = $2
			WHERE id = $3`)
		if _, err := s.db.ExecContext(ctx, query, port, now, existing.ID); err != nil {
			return nil, storage.Normalize(err)
		}
		return s.findByID(ctx, existing.ID)
	}

	rec := &model.ServiceRecord{
		ID:        GenerateID("svc"),
		Name:      name,
		Type:      typ,
		Port:      &port,
		State:     model.ServiceStateStarting,
		CreatedAt: now,
		UpdatedAt: now,
	}
	query := s.rebind(`INSERT INTO agent_services (id, name, type, port, state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`)
	if _, err := s.db.ExecContext(ctx, query, rec.ID, rec.Name, rec.Type, port, rec.State, now, now); err != nil {
		return nil, storage.Normalize(err)
	}
	return rec, nil
}

// MarkRunning 标记为 running
func (s *Store) MarkRunning(ctx context.Context, id string, pid, port int) error {
	now := time.Now().UTC()
	query := s.rebind(`UPDATE agent_services
		SET state = 'running', pid = $1, port = $2, started_at = $3, last_heartbeat_at = $3, updated_at = $3
		WHERE id = $4`)
	_, err := s.db.ExecContext(ctx, query, pid, port, now, id)
	return storage.Normalize(err)
}

// MarkStopped 标记为 stopped
func (s *Store) MarkStopped(ctx context.Context, id string) error {
	now := time.Now().UTC()
	query := s.rebind(`UPDATE agent_services
		SET state = 'stopped', stopped_at = $1, updated_at = $1
		WHERE id = $2`)
	_, err := s.db.ExecContext(ctx, query, now, id)
	return storage.Normalize(err)
}

// MarkFailed 标记为 failed 并记录原因
func (s *Store) MarkFailed(ctx context.Context, id string, errMsg string) error {
	now := time.Now().UTC()
	query := s.rebind(`UPDATE agent_services
		SET state = 'failed', error = $1, stopped_at = $2, updated_at = $2
		WHERE id = $3`)
	_, err := s.db.ExecContext(ctx, query, errMsg, now, id)
	return storage.Normalize(err)
}

// TouchHeartbeat 刷新 last_heartbeat_at
func (s *Store) TouchHeartbeat(ctx context.Context, id string) error {
	now := time.Now().UTC()
	query := s.rebind(`UPDATE agent_services SET last_heartbeat_at = $1, updated_at = $1 WHERE id = $2`)
	_, err := s.db.ExecContext(ctx, query, now, id)
	return storage.Normalize(err)
}

// FindActive 查找 (type, name) 的活跃行
func (s *Store) FindActive(ctx context.Context, typ model.ServiceType, name string) (*model.ServiceRecord, error) {
	query := s.rebind(`SELECT ` + serviceColumns + ` FROM agent_services
		WHERE type = $1 AND name = $2 AND state IN ('starting', 'running')`)
	rec, err := scanService(s.db.QueryRowContext(ctx, query, typ, name))
	if err != nil {
		return nil, storage.Normalize(err)
	}
	return rec, nil
}

// findByID 按 ID 查找
func (s *Store) findByID(ctx context.Context, id string) (*model.ServiceRecord, error) {
	query := s.rebind(`SELECT ` + serviceColumns + ` FROM agent_services WHERE id = $1`)
	rec, err := scanService(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, storage.Normalize(err)
	}
	return rec, nil
}

// ListByType 列出某类型的全部记录
func (s *Store) ListByType(ctx context.Context, typ model.ServiceType) ([]*model.ServiceRecord, error) {
	query := s.rebind(`SELECT ` + serviceColumns + ` FROM agent_services
		WHERE type = $1 ORDER BY created_at ASC`)
	rows, err := s.db.QueryContext(ctx, query, typ)
	if err != nil {
		return nil, storage.Normalize(err)
	}
	defer rows.Close()
	return scanServices(rows)
}

// ListActivePorts 列出某类型活跃行占用的端口
func (s *Store) ListActivePorts(ctx context.Context, typ model.ServiceType) ([]int, error) {
	query := s.rebind(`SELECT port FROM agent_services
		WHERE type = $1 AND state IN ('starting', 'running') AND port IS NOT NULL`)
	rows, err := s.db.QueryContext(ctx, query, typ)
	if err != nil {
		return nil, storage.Normalize(err)
	}
	defer rows.Close()

	var ports []int
	for rows.Next() {
		var p int
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		ports = append(ports, p)
	}
	return ports, rows.Err()
}

// CleanupOrphaned 将 PID 已不存在的活跃行降级为 failed
func (s *Store) CleanupOrphaned(ctx context.Context, alive func(pid int) bool) (int, error) {
	query := s.rebind(`SELECT ` + serviceColumns + ` FROM agent_services
		WHERE state IN ('starting', 'running') AND pid IS NOT NULL`)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return 0, storage.Normalize(err)
	}
	recs, err := scanServices(rows)
	rows.Close()
	if err != nil {
		return 0, err
	}

	cleaned := 0
	for _, rec := range recs {
		if rec.PID == nil || alive(*rec.PID) {
			continue
		}
		if err := s.MarkFailed(ctx, rec.ID, "process not found during orphan cleanup"); err != nil {
			return cleaned, err
		}
		cleaned++
	}
	return cleaned, nil
}
