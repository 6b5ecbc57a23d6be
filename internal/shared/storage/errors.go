// Package storage 定义存储层领域错误
//
// 领域错误基于 errdefs 的统一错误类别，
// 隔离业务层与底层存储引擎的错误类型。
// 各驱动实现负责通过 Normalize 将底层错误转换为领域错误。
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/containerd/errdefs"
)

var (
	// ErrNotFound 实体不存在
	// 替代 sql.ErrNoRows
	ErrNotFound = errdefs.ErrNotFound

	// ErrConflict 唯一键冲突或非法状态迁移
	ErrConflict = errdefs.ErrConflict
)

// IsNotFound 判断是否为实体缺失错误
func IsNotFound(err error) bool {
	return errdefs.IsNotFound(err)
}

// IsConflict 判断是否为冲突错误
func IsConflict(err error) bool {
	return errdefs.IsConflict(err)
}

// Normalize 将底层数据库错误转换为领域错误
//
// 唯一约束冲突的判定跨驱动：pgx 报 "duplicate key"，
// modernc/sqlite 报 "UNIQUE constraint failed"。
func Normalize(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w", ErrNotFound)
	}
	msg := err.Error()
	if strings.Contains(msg, "duplicate key") || strings.Contains(msg, "UNIQUE constraint failed") {
		return fmt.Errorf("%s: %w", msg, ErrConflict)
	}
	return err
}
