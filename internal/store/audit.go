package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/botsentinel/gosentinel/internal/domain"
)

// AuditLog 上报审计库（sqlite）。每次批量上报记一行：成功与否、批大小、错误信息。
type AuditLog struct {
	db *sql.DB
}

// OpenAuditLog 打开审计库并建表
func OpenAuditLog(path string) (*AuditLog, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("创建审计库目录失败: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("打开审计库失败: %w", err)
	}
	// sqlite 单连接，避免并发写锁冲突
	db.SetMaxOpenConns(1)

	const schema = `
CREATE TABLE IF NOT EXISTS flush_audit (
    id         TEXT PRIMARY KEY,
    category   TEXT NOT NULL,
    batch_size INTEGER NOT NULL,
    success    INTEGER NOT NULL,
    error      TEXT,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_flush_audit_category ON flush_audit(category, created_at);`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("初始化审计库失败: %w", err)
	}
	return &AuditLog{db: db}, nil
}

// Close 关闭审计库
func (a *AuditLog) Close() error {
	if a == nil || a.db == nil {
		return nil
	}
	return a.db.Close()
}

// RecordFlush 记录一次批量上报；flushErr 为 nil 表示成功
func (a *AuditLog) RecordFlush(ctx context.Context, category domain.Category, batchSize int, flushErr error) error {
	success := 1
	errText := ""
	if flushErr != nil {
		success = 0
		errText = flushErr.Error()
	}
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO flush_audit (id, category, batch_size, success, error, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), string(category), batchSize, success, errText, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("写入审计记录失败: %w", err)
	}
	return nil
}

// FlushStat 单个分类的上报统计
type FlushStat struct {
	Category  string `json:"category"`
	Total     int64  `json:"total"`
	Succeeded int64  `json:"succeeded"`
}

// Stats 按分类汇总上报次数
func (a *AuditLog) Stats(ctx context.Context) ([]FlushStat, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT category, COUNT(*), COALESCE(SUM(success), 0) FROM flush_audit GROUP BY category ORDER BY category`)
	if err != nil {
		return nil, fmt.Errorf("查询审计统计失败: %w", err)
	}
	defer rows.Close()

	var out []FlushStat
	for rows.Next() {
		var st FlushStat
		if err := rows.Scan(&st.Category, &st.Total, &st.Succeeded); err != nil {
			return nil, fmt.Errorf("读取审计统计失败: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
