package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/sony/gobreaker"

	apperrors "PluginRuntime/internal/errors"
	"PluginRuntime/pkg/plugin"
	"PluginRuntime/pkg/plugin/security"
)

// errDuplicateEntry 是 MySQL 主键冲突的错误号。
const errDuplicateEntry = 1062

// AuditStore 将违规、审计与隔离状态写入 MySQL，实现 security.Sink。
// 所有写入经过熔断器，数据库持续失败时快速返回而不阻塞插件加载。
type AuditStore struct {
	db      *sql.DB
	breaker *gobreaker.CircuitBreaker
}

// NewAuditStore 打开连接池并执行迁移。
func NewAuditStore(ctx context.Context, cfg Config) (*AuditStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorageFailure, err, "打开审计库失败")
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, apperrors.Wrap(apperrors.CodeStorageFailure, err, "审计库迁移失败")
	}
	return newAuditStore(db), nil
}

func newAuditStore(db *sql.DB) *AuditStore {
	return &AuditStore{
		db: db,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "mysql-audit",
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     10 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

// Close 关闭连接池。
func (s *AuditStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// exec 在熔断器保护下执行 fn。
func (s *AuditStore) exec(op string, fn func() error) error {
	_, err := s.breaker.Execute(func() (interface{}, error) { return nil, fn() })
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return apperrors.Wrap(apperrors.CodeUnavailable, err, op)
	default:
		return apperrors.Wrap(apperrors.CodeStorageFailure, err, op)
	}
}

// AppendViolation 写入违规记录，重复 ID 视为已写入。
func (s *AuditStore) AppendViolation(ctx context.Context, v plugin.Violation) error {
	contextJSON, err := marshalMap(v.Context)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInvalidArgument, err, "编码违规上下文失败")
	}
	return s.exec("写入违规记录失败", func() error {
		_, err := s.db.ExecContext(ctx, `INSERT INTO plugin_violations
        (id, plugin_id, type, severity, description, context, blocked, resolved, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			v.ID, v.PluginID, string(v.Type), string(v.Severity), v.Description, contextJSON,
			v.Blocked, v.Resolved, v.Timestamp.UnixMilli(),
		)
		return ignoreDuplicate(err)
	})
}

// AppendAudit 写入审计记录。
func (s *AuditStore) AppendAudit(ctx context.Context, rec security.AuditRecord) error {
	details, err := marshalMap(rec.Details)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInvalidArgument, err, "编码审计详情失败")
	}
	return s.exec("写入审计记录失败", func() error {
		_, err := s.db.ExecContext(ctx, `INSERT INTO plugin_audit
        (id, plugin_id, action, result, details, created_at)
        VALUES (?, ?, ?, ?, ?, ?)`,
			rec.ID, rec.PluginID, rec.Action, rec.Result, details, rec.Timestamp.UnixMilli(),
		)
		return ignoreDuplicate(err)
	})
}

// SaveQuarantine 新增或覆盖插件的隔离状态。
func (s *AuditStore) SaveQuarantine(ctx context.Context, q plugin.QuarantineStatus) error {
	var autoRelease sql.NullInt64
	if q.AutoRelease != nil {
		autoRelease = sql.NullInt64{Int64: q.AutoRelease.UnixMilli(), Valid: true}
	}
	return s.exec("保存隔离状态失败", func() error {
		_, err := s.db.ExecContext(ctx, `INSERT INTO plugin_quarantine
        (plugin_id, reason, review_required, auto_release, created_at)
        VALUES (?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE reason = VALUES(reason), review_required = VALUES(review_required),
        auto_release = VALUES(auto_release), created_at = VALUES(created_at)`,
			q.PluginID, q.Reason, q.ReviewRequired, autoRelease, q.Timestamp.UnixMilli(),
		)
		return err
	})
}

// ClearQuarantine 解除隔离并将该插件的违规标记为已处理。
func (s *AuditStore) ClearQuarantine(ctx context.Context, pluginID string) error {
	return s.exec("解除隔离失败", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM plugin_quarantine WHERE plugin_id = ?`, pluginID); err != nil {
			tx.Rollback()
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE plugin_violations SET resolved = 1 WHERE plugin_id = ?`, pluginID); err != nil {
			tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

// LoadQuarantines 返回全部持久化的隔离状态。
func (s *AuditStore) LoadQuarantines(ctx context.Context) ([]plugin.QuarantineStatus, error) {
	var out []plugin.QuarantineStatus
	err := s.exec("读取隔离状态失败", func() error {
		rows, err := s.db.QueryContext(ctx, `SELECT plugin_id, reason, review_required, auto_release, created_at
        FROM plugin_quarantine ORDER BY created_at`)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			var (
				q           plugin.QuarantineStatus
				autoRelease sql.NullInt64
				created     int64
			)
			if err := rows.Scan(&q.PluginID, &q.Reason, &q.ReviewRequired, &autoRelease, &created); err != nil {
				return fmt.Errorf("解析隔离状态失败: %w", err)
			}
			q.Quarantined = true
			q.Timestamp = time.UnixMilli(created)
			if autoRelease.Valid {
				at := time.UnixMilli(autoRelease.Int64)
				q.AutoRelease = &at
			}
			out = append(out, q)
		}
		return rows.Err()
	})
	return out, err
}

// ListViolations 返回插件最近的违规记录，按时间倒序。
func (s *AuditStore) ListViolations(ctx context.Context, pluginID string, limit int) ([]plugin.Violation, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []plugin.Violation
	err := s.exec("查询违规记录失败", func() error {
		rows, err := s.db.QueryContext(ctx, `SELECT id, plugin_id, type, severity, description, context, blocked, resolved, created_at
        FROM plugin_violations WHERE plugin_id = ? ORDER BY created_at DESC LIMIT ?`, pluginID, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			var (
				v           plugin.Violation
				vType, sev  string
				contextJSON sql.NullString
				created     int64
			)
			if err := rows.Scan(&v.ID, &v.PluginID, &vType, &sev, &v.Description, &contextJSON, &v.Blocked, &v.Resolved, &created); err != nil {
				return fmt.Errorf("解析违规记录失败: %w", err)
			}
			v.Type = plugin.ViolationType(vType)
			v.Severity = plugin.Severity(sev)
			v.Timestamp = time.UnixMilli(created)
			if contextJSON.Valid && contextJSON.String != "" {
				if err := json.Unmarshal([]byte(contextJSON.String), &v.Context); err != nil {
					return fmt.Errorf("解析违规上下文失败: %w", err)
				}
			}
			out = append(out, v)
		}
		return rows.Err()
	})
	return out, err
}

func marshalMap(m map[string]string) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func ignoreDuplicate(err error) error {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) && mysqlErr.Number == errDuplicateEntry {
		return nil
	}
	return err
}

var _ security.Sink = (*AuditStore)(nil)
