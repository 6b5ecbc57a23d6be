// Package model 定义核心数据模型
//
// errors.go 提供基于 errdefs 的错误构造辅助函数。
// 统一的错误类别在 HTTP 边界映射为状态码（见 internal/api）。
package model

import (
	"context"
	"fmt"

	"github.com/containerd/errdefs"
)

// ErrInvalid 构造参数/状态校验错误（映射 400）
func ErrInvalid(msg string) error {
	return fmt.Errorf("%s: %w", msg, errdefs.ErrInvalidArgument)
}

// ErrNotFound 构造实体缺失错误（映射 404）
func ErrNotFound(msg string) error {
	return fmt.Errorf("%s: %w", msg, errdefs.ErrNotFound)
}

// ErrConflict 构造冲突错误（端口/名称冲突、非法状态迁移，映射 409）
func ErrConflict(msg string) error {
	return fmt.Errorf("%s: %w", msg, errdefs.ErrConflict)
}

// ErrUnsupported 构造能力不支持错误
func ErrUnsupported(msg string) error {
	return fmt.Errorf("%s: %w", msg, errdefs.ErrNotImplemented)
}

// ErrTimeout 构造超时错误
func ErrTimeout(msg string) error {
	return fmt.Errorf("%s: %w", msg, context.DeadlineExceeded)
}

// ErrInternal 构造内部不变式违反错误（映射 500）
func ErrInternal(msg string) error {
	return fmt.Errorf("%s: %w", msg, errdefs.ErrInternal)
}
