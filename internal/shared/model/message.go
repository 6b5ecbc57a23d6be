// Package model 定义核心数据模型
//
// message.go 包含消息相关的数据模型定义：
//   - Message：任务历史中的一条有序消息
//   - Part：消息的组成部分（text / file / data）
//   - MessageRole：消息角色枚举
package model

import (
	"encoding/json"
	"time"
)

// ============================================================================
// MessageRole - 消息角色
// ============================================================================

// MessageRole 消息角色
//
// A2A 线上序列化只有 user / agent 两种角色；
// provider 层的 system / tool 角色在 internal/agent/provider 中单独建模。
type MessageRole string

const (
	// MessageRoleUser 调用方消息
	MessageRoleUser MessageRole = "user"

	// MessageRoleAgent Agent 回复消息
	MessageRoleAgent MessageRole = "agent"
)

// Valid 角色是否合法
func (r MessageRole) Valid() bool {
	return r == MessageRoleUser || r == MessageRoleAgent
}

// ============================================================================
// PartKind - 消息部分类型
// ============================================================================

// PartKind 消息部分的类型
type PartKind string

const (
	// PartKindText 纯文本
	PartKindText PartKind = "text"

	// PartKindFile 文件（内联字节或对象存储 URI）
	PartKindFile PartKind = "file"

	// PartKindData 结构化数据
	PartKindData PartKind = "data"
)

// ============================================================================
// Part - 消息部分
// ============================================================================

// Part 消息的一个组成部分
//
// 三种类型互斥，按 Kind 判别：
//   - text：Text 字段有效
//   - file：FileName/FileMime + FileBytes 或 FileURI 有效
//     （超过阈值的文件字节转存对象存储，只保留 FileURI）
//   - data：Data 字段有效（任意 JSON 对象）
//
// SequenceNumber 在所属消息内从 0 起稠密递增。
type Part struct {
	// MessageID 所属消息
	MessageID string `json:"message_id" db:"message_id"`

	// TaskID 所属任务（冗余，便于级联删除）
	TaskID string `json:"task_id" db:"task_id"`

	// Kind 部分类型
	Kind PartKind `json:"kind" db:"part_kind"`

	// SequenceNumber 消息内序号（从 0 起稠密递增）
	SequenceNumber int `json:"sequence_number" db:"sequence_number"`

	// Text 文本内容（kind=text）
	Text string `json:"text,omitempty" db:"text_content"`

	// FileName 文件名（kind=file）
	FileName string `json:"file_name,omitempty" db:"file_name"`

	// FileMime MIME 类型（kind=file）
	FileMime string `json:"file_mime,omitempty" db:"file_mime"`

	// FileBytes 内联文件内容（kind=file，小文件）
	FileBytes []byte `json:"file_bytes,omitempty" db:"file_bytes"`

	// FileURI 对象存储地址（kind=file，大文件转存后）
	FileURI string `json:"file_uri,omitempty" db:"file_uri"`

	// Data 结构化内容（kind=data）
	Data json.RawMessage `json:"data,omitempty" db:"data_content"`
}

// TextPart 构造文本部分
func TextPart(text string) Part {
	return Part{Kind: PartKindText, Text: text}
}

// FilePart 构造文件部分
func FilePart(name, mime string, bytes []byte) Part {
	return Part{Kind: PartKindFile, FileName: name, FileMime: mime, FileBytes: bytes}
}

// DataPart 构造结构化数据部分
func DataPart(data json.RawMessage) Part {
	return Part{Kind: PartKindData, Data: data}
}

// ============================================================================
// Message - 任务消息
// ============================================================================

// Message 任务历史中的一条有序消息
//
// SequenceNumber 在所属任务内从 0 起稠密递增，
// 持久化顺序与事件发射顺序一致。
type Message struct {
	// ID 消息唯一标识
	ID string `json:"id" db:"id"`

	// TaskID 所属任务
	TaskID string `json:"task_id" db:"task_id"`

	// ContextID 会话分组标识（冗余自 Task）
	ContextID string `json:"context_id" db:"context_id"`

	// Role 消息角色
	Role MessageRole `json:"role" db:"role"`

	// SequenceNumber 任务内序号（从 0 起稠密递增）
	SequenceNumber int `json:"sequence_number" db:"sequence_number"`

	// ClientMessageID 调用方自带的消息标识（幂等去重用，可为空）
	ClientMessageID string `json:"client_message_id,omitempty" db:"client_message_id"`

	// Parts 有序的消息部分
	Parts []Part `json:"parts" db:"-"`

	// CreatedAt 创建时间
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Validate 校验消息不变式
func (m *Message) Validate() error {
	if m.TaskID == "" {
		return ErrInvalid("message task_id is required")
	}
	if !m.Role.Valid() {
		return ErrInvalid("invalid message role: " + string(m.Role))
	}
	for i, p := range m.Parts {
		if p.SequenceNumber != i {
			return ErrInternal("message parts are not densely numbered")
		}
	}
	return nil
}

// PlainText 拼接全部文本部分
func (m *Message) PlainText() string {
	var out string
	for _, p := range m.Parts {
		if p.Kind == PartKindText {
			out += p.Text
		}
	}
	return out
}
