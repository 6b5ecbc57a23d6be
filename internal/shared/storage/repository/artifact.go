// Package repository Artifact 相关的存储操作
package repository

import (
	"context"
	"time"

	"agenthost/internal/shared/model"
	"agenthost/internal/shared/storage"
)

const artifactColumns = `id, task_id, context_id, artifact_type, tool_name, skill_name, mcp_execution_id, fingerprint, content, rendering_hints, created_at`

// scanArtifact 辅助函数
func scanArtifact(scanner interface {
	Scan(dest ...interface{}) error
}) (*model.Artifact, error) {
	a := &model.Artifact{}
	var toolName, skillName, mcpExecID *string
	var content, hints *[]byte
	err := scanner.Scan(
		&a.ID, &a.TaskID, &a.ContextID, &a.Type, &toolName, &skillName,
		&mcpExecID, &a.Fingerprint, &content, &hints, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	a.ToolName = strOrEmpty(toolName)
	a.SkillName = strOrEmpty(skillName)
	a.MCPExecutionID = strOrEmpty(mcpExecID)
	a.Content = (&NullableJSON{Data: content}).Value()
	a.RenderingHints = (&NullableJSON{Data: hints}).Value()
	return a, nil
}

// UpsertArtifact 按 (task_id, fingerprint) 幂等写入产物
//
// 指纹未填写时由 Content 计算；
// 已存在相同指纹时返回既有产物（created=false），不重复插入。
func (s *Store) UpsertArtifact(ctx context.Context, artifact *model.Artifact) (bool, error) {
	if artifact.Fingerprint == "" {
		artifact.Fingerprint = model.Fingerprint(artifact.Content)
	}
	if artifact.ID == "" {
		artifact.ID = GenerateID("art")
	}
	artifact.CreatedAt = time.Now().UTC()

	var hints interface{}
	if artifact.RenderingHints != nil {
		hints = string(artifact.RenderingHints)
	}

	query := s.rebind(`INSERT INTO task_artifacts (id, task_id, context_id, artifact_type, tool_name, skill_name, mcp_execution_id, fingerprint, content, rendering_hints, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (task_id, fingerprint) DO NOTHING`)
	res, err := s.db.ExecContext(ctx, query,
		artifact.ID, artifact.TaskID, artifact.ContextID, artifact.Type,
		nullStr(artifact.ToolName), nullStr(artifact.SkillName), nullStr(artifact.MCPExecutionID),
		artifact.Fingerprint, string(artifact.Content), hints, artifact.CreatedAt)
	if err != nil {
		return false, storage.Normalize(err)
	}

	affected, _ := res.RowsAffected()
	if affected == 0 {
		// 指纹命中：回读既有产物，调用方复用其 ID
		existing, err := s.findArtifactByFingerprint(ctx, artifact.TaskID, artifact.Fingerprint)
		if err != nil {
			return false, err
		}
		*artifact = *existing
		return false, nil
	}
	return true, nil
}

// findArtifactByFingerprint 按 (task_id, fingerprint) 查找产物
func (s *Store) findArtifactByFingerprint(ctx context.Context, taskID, fingerprint string) (*model.Artifact, error) {
	query := s.rebind(`SELECT ` + artifactColumns + ` FROM task_artifacts
		WHERE task_id = $1 AND fingerprint = $2`)
	a, err := scanArtifact(s.db.QueryRowContext(ctx, query, taskID, fingerprint))
	if err != nil {
		return nil, storage.Normalize(err)
	}
	return a, nil
}

// ListArtifacts 列出任务产物
func (s *Store) ListArtifacts(ctx context.Context, taskID string) ([]*model.Artifact, error) {
	query := s.rebind(`SELECT ` + artifactColumns + ` FROM task_artifacts
		WHERE task_id = $1 ORDER BY created_at ASC, id ASC`)
	rows, err := s.db.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, storage.Normalize(err)
	}
	defer rows.Close()

	var artifacts []*model.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}
