// Package model 定义核心数据模型
//
// service.go 包含受管进程相关的数据模型定义：
//   - ServiceRecord：受管 OS 进程的持久化记录
//   - ServiceType：服务类型枚举（agent / mcp）
//   - ServiceState：服务状态枚举
package model

import (
	"time"
)

// ============================================================================
// ServiceType - 服务类型
// ============================================================================

// ServiceType 受管服务的类型
type ServiceType string

const (
	// ServiceTypeAgent 长驻 Agent 进程（暴露 A2A 端点）
	ServiceTypeAgent ServiceType = "agent"

	// ServiceTypeMCP MCP 工具服务器进程
	ServiceTypeMCP ServiceType = "mcp"
)

// ============================================================================
// ServiceState - 服务状态
// ============================================================================

// ServiceState 表示受管进程的状态
//
// 生命周期：
//
//	starting → running → stopped
//	    ↓         ↓
//	  failed    failed
//
// 状态说明：
//   - starting：已创建记录，进程正在拉起，尚未通过健康门
//   - running：健康门通过，pid 和 port 均已落库
//   - stopped：优雅停止
//   - failed：崩溃、健康门超时或被孤儿清理降级
type ServiceState string

const (
	// ServiceStateStarting 启动中
	ServiceStateStarting ServiceState = "starting"

	// ServiceStateRunning 运行中（pid 与 port 必定非空）
	ServiceStateRunning ServiceState = "running"

	// ServiceStateStopped 已停止
	ServiceStateStopped ServiceState = "stopped"

	// ServiceStateFailed 已失败
	ServiceStateFailed ServiceState = "failed"
)

// IsActive 是否为活跃状态（starting / running）
//
// 活跃记录参与端口唯一性约束：同一端口同时至多一条活跃记录。
func (s ServiceState) IsActive() bool {
	return s == ServiceStateStarting || s == ServiceStateRunning
}

// IsTerminal 是否为终止状态
func (s ServiceState) IsTerminal() bool {
	return s == ServiceStateStopped || s == ServiceStateFailed
}

// ============================================================================
// ServiceRecord - 受管进程记录
// ============================================================================

// ServiceRecord 表示一个受管 OS 进程的持久化行
//
// 记录按审计语义保留：停止/失败的历史行不删除，
// 但同一 (type, name) 同时至多一条活跃行。
type ServiceRecord struct {
	// ID 唯一标识
	ID string `json:"id" db:"id"`

	// Name 服务名称（同类型内唯一）
	Name string `json:"name" db:"name"`

	// Type 服务类型
	Type ServiceType `json:"type" db:"type"`

	// PID 进程号（running 状态必定非空）
	PID *int `json:"pid,omitempty" db:"pid"`

	// Port 监听端口（running 状态必定非空）
	Port *int `json:"port,omitempty" db:"port"`

	// State 当前状态
	State ServiceState `json:"state" db:"state"`

	// StartedAt 启动时间
	StartedAt *time.Time `json:"started_at,omitempty" db:"started_at"`

	// StoppedAt 停止时间
	StoppedAt *time.Time `json:"stopped_at,omitempty" db:"stopped_at"`

	// LastHeartbeatAt 最后健康检查通过时间
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty" db:"last_heartbeat_at"`

	// Error 失败原因
	Error string `json:"error,omitempty" db:"error"`

	// CreatedAt 创建时间
	CreatedAt time.Time `json:"created_at" db:"created_at"`

	// UpdatedAt 更新时间
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Validate 校验记录不变式
//
// running 状态要求 pid 和 port 均已设置。
func (r *ServiceRecord) Validate() error {
	if r.Name == "" {
		return ErrInvalid("service name is required")
	}
	if r.Type != ServiceTypeAgent && r.Type != ServiceTypeMCP {
		return ErrInvalid("unknown service type: " + string(r.Type))
	}
	if r.State == ServiceStateRunning && (r.PID == nil || r.Port == nil) {
		return ErrInvalid("running service requires pid and port")
	}
	return nil
}
