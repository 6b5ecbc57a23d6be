// Package sqlite SQLite 数据库驱动
//
// 提供 SQLite 连接管理、方言实现和自动 Schema 迁移。
// 适用于开发、测试和单机部署场景。
package sqlite

import (
	"database/sql"
	"fmt"

	"agenthost/internal/shared/storage/dbutil"

	_ "modernc.org/sqlite"
)

// Dialect SQLite 方言实现
type Dialect struct{}

var _ dbutil.Dialect = (*Dialect)(nil)

func (d *Dialect) DriverType() dbutil.DriverType {
	return dbutil.DriverSQLite
}

func (d *Dialect) Rebind(query string) string {
	return dbutil.StripPgCasts(dbutil.RebindToQuestion(query))
}

func (d *Dialect) CurrentTimestamp() string {
	return "datetime('now')"
}

func (d *Dialect) BooleanLiteral(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func (d *Dialect) UpsertConflict(conflictColumns string, updateExprs []string) string {
	return dbutil.BuildUpsertConflict(conflictColumns, updateExprs)
}

func (d *Dialect) SupportsNullsLast() bool {
	return false
}

func (d *Dialect) NullsLastClause() string {
	return ""
}

func (d *Dialect) AutoMigrate(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

// Open 创建 SQLite 数据库连接
// dsn 示例: "file:agenthost.db?cache=shared&mode=rwc" 或 ":memory:"
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// SQLite 优化设置
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("failed to set pragma %s: %w", p, err)
		}
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping sqlite: %w", err)
	}

	return db, nil
}

// NewDialect 创建 SQLite 方言
func NewDialect() *Dialect {
	return &Dialect{}
}

// schema SQLite 完整建表语句（等价于 PostgreSQL 迁移文件）
const schema = `
-- agent_services：受管进程记录
CREATE TABLE IF NOT EXISTS agent_services (
    id VARCHAR(64) PRIMARY KEY,
    name VARCHAR(200) NOT NULL,
    type VARCHAR(16) NOT NULL,
    pid INTEGER,
    port INTEGER,
    state VARCHAR(16) NOT NULL DEFAULT 'starting',
    started_at DATETIME,
    stopped_at DATETIME,
    last_heartbeat_at DATETIME,
    error TEXT,
    created_at DATETIME NOT NULL DEFAULT (datetime('now')),
    updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

-- 同一 (type, name) 至多一条活跃行
CREATE UNIQUE INDEX IF NOT EXISTS uq_services_active_name
    ON agent_services (type, name)
    WHERE state IN ('starting', 'running');

-- 同一端口至多一条活跃行
CREATE UNIQUE INDEX IF NOT EXISTS uq_services_active_port
    ON agent_services (port)
    WHERE state IN ('starting', 'running') AND port IS NOT NULL;

-- agent_tasks：任务实例
CREATE TABLE IF NOT EXISTS agent_tasks (
    id VARCHAR(64) PRIMARY KEY,
    context_id VARCHAR(64) NOT NULL,
    agent_name VARCHAR(200) NOT NULL,
    user_id VARCHAR(64),
    session_id VARCHAR(64),
    trace_id VARCHAR(64),
    state VARCHAR(32) NOT NULL DEFAULT 'submitted',
    started_at DATETIME,
    completed_at DATETIME,
    error_message TEXT,
    created_at DATETIME NOT NULL DEFAULT (datetime('now')),
    updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_tasks_context ON agent_tasks (context_id);

-- task_messages：任务消息（任务内稠密序号）
CREATE TABLE IF NOT EXISTS task_messages (
    id VARCHAR(64) PRIMARY KEY,
    task_id VARCHAR(64) NOT NULL REFERENCES agent_tasks(id) ON DELETE CASCADE,
    context_id VARCHAR(64) NOT NULL,
    role VARCHAR(16) NOT NULL,
    sequence_number INTEGER NOT NULL,
    client_message_id VARCHAR(64),
    created_at DATETIME NOT NULL DEFAULT (datetime('now')),
    UNIQUE (task_id, sequence_number)
);

-- message_parts：消息部分（消息内稠密序号）
CREATE TABLE IF NOT EXISTS message_parts (
    message_id VARCHAR(64) NOT NULL REFERENCES task_messages(id) ON DELETE CASCADE,
    task_id VARCHAR(64) NOT NULL,
    part_kind VARCHAR(16) NOT NULL,
    sequence_number INTEGER NOT NULL,
    text_content TEXT,
    file_name VARCHAR(255),
    file_mime VARCHAR(128),
    file_bytes BLOB,
    file_uri TEXT,
    data_content TEXT,
    PRIMARY KEY (message_id, sequence_number)
);

-- task_artifacts：产物（任务内指纹唯一）
CREATE TABLE IF NOT EXISTS task_artifacts (
    id VARCHAR(64) PRIMARY KEY,
    task_id VARCHAR(64) NOT NULL REFERENCES agent_tasks(id) ON DELETE CASCADE,
    context_id VARCHAR(64) NOT NULL,
    artifact_type VARCHAR(32) NOT NULL,
    tool_name VARCHAR(200),
    skill_name VARCHAR(200),
    mcp_execution_id VARCHAR(64),
    fingerprint VARCHAR(64) NOT NULL,
    content TEXT NOT NULL,
    rendering_hints TEXT,
    created_at DATETIME NOT NULL DEFAULT (datetime('now')),
    UNIQUE (task_id, fingerprint)
);

-- task_execution_steps：执行步骤日志（任务内稠密递增）
CREATE TABLE IF NOT EXISTS task_execution_steps (
    task_id VARCHAR(64) NOT NULL REFERENCES agent_tasks(id) ON DELETE CASCADE,
    step_index INTEGER NOT NULL,
    step_type VARCHAR(32) NOT NULL,
    status VARCHAR(16) NOT NULL DEFAULT 'pending',
    title VARCHAR(255),
    content TEXT,
    started_at DATETIME NOT NULL,
    duration_ms INTEGER,
    error TEXT,
    PRIMARY KEY (task_id, step_index)
);
`
