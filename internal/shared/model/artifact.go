// Package model 定义核心数据模型
//
// artifact.go 包含产物相关的数据模型定义：
//   - Artifact：被提升为一等对象的结构化工具输出
//   - ArtifactType：产物类型枚举
//   - Fingerprint：内容指纹计算（去重用）
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// ============================================================================
// ArtifactType - 产物类型
// ============================================================================

// ArtifactType 产物类型
type ArtifactType string

const (
	ArtifactTypeText     ArtifactType = "text"
	ArtifactTypeData     ArtifactType = "data"
	ArtifactTypeCard     ArtifactType = "card"
	ArtifactTypeChart    ArtifactType = "chart"
	ArtifactTypeTable    ArtifactType = "table"
	ArtifactTypeList     ArtifactType = "list"
	ArtifactTypeCode     ArtifactType = "code"
	ArtifactTypeMarkdown ArtifactType = "markdown"
	ArtifactTypeImage    ArtifactType = "image"
)

// ============================================================================
// Artifact - 产物
// ============================================================================

// Artifact 结构化工具输出提升而成的一等对象
//
// 不变式：
//   - 每个产物恰好属于一个任务，任务删除时级联
//   - 同一任务下相同指纹的产物只落库一次（幂等）
//   - is_error=true 的工具结果永远不会产生产物
type Artifact struct {
	// ID 产物唯一标识
	ID string `json:"id" db:"id"`

	// TaskID 所属任务
	TaskID string `json:"task_id" db:"task_id"`

	// ContextID 会话分组标识
	ContextID string `json:"context_id" db:"context_id"`

	// Type 产物类型
	Type ArtifactType `json:"type" db:"artifact_type"`

	// ToolName 产生该产物的工具（可为空）
	ToolName string `json:"tool_name,omitempty" db:"tool_name"`

	// SkillName 关联技能（可为空）
	SkillName string `json:"skill_name,omitempty" db:"skill_name"`

	// MCPExecutionID 关联的 MCP 执行标识（可为空）
	MCPExecutionID string `json:"mcp_execution_id,omitempty" db:"mcp_execution_id"`

	// Fingerprint 内容指纹（sha256，去重键）
	Fingerprint string `json:"fingerprint" db:"fingerprint"`

	// Content 结构化内容
	Content json.RawMessage `json:"content" db:"content"`

	// RenderingHints 渲染提示（不透明 JSON，可为空）
	RenderingHints json.RawMessage `json:"rendering_hints,omitempty" db:"rendering_hints"`

	// CreatedAt 创建时间
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// ============================================================================
// Fingerprint - 内容指纹
// ============================================================================

// Fingerprint 计算结构化内容的指纹
//
// 对 JSON 做 key 排序规范化后取 sha256，
// 保证语义相同的 payload 得到相同指纹。
func Fingerprint(content json.RawMessage) string {
	canonical := canonicalizeJSON(content)
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// canonicalizeJSON 规范化 JSON 字节
//
// encoding/json 反序列化到 map 再序列化会按 key 排序；
// 解析失败时退回原始字节（指纹仍然确定）。
func canonicalizeJSON(raw json.RawMessage) []byte {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	out, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return out
}
