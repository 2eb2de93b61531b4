package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"PluginRuntime/internal/auth"
)

// SQLAuthStore 将管理接口的账号保存在 auth_users 表中，角色与权限以逗号分隔存储。
type SQLAuthStore struct {
	db *sql.DB
}

// NewSQLAuthStore 打开连接池并执行迁移。
func NewSQLAuthStore(ctx context.Context, cfg Config) (*SQLAuthStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLAuthStore{db: db}, nil
}

// Close 关闭连接池。
func (s *SQLAuthStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// FindUserByUsername 实现 auth.Store。
func (s *SQLAuthStore) FindUserByUsername(ctx context.Context, username string) (*auth.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, username, password_hash, disabled FROM auth_users WHERE username = ?`, strings.TrimSpace(username))
	var user auth.User
	if err := row.Scan(&user.ID, &user.Username, &user.PasswordHash, &user.Disabled); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("查询用户失败: %w", err)
	}
	return &user, nil
}

// LoadSubject 实现 auth.Store。
func (s *SQLAuthStore) LoadSubject(ctx context.Context, userID int64) (*auth.Subject, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, username, roles, permissions, disabled FROM auth_users WHERE id = ?`, userID)
	var (
		subject      auth.Subject
		roles, perms sql.NullString
	)
	if err := row.Scan(&subject.ID, &subject.Username, &roles, &perms, &subject.Disabled); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("查询用户信息失败: %w", err)
	}
	subject.Roles = splitList(roles.String)
	subject.Permissions = splitList(perms.String)
	return &subject, nil
}

// ApplySeed 实现 auth.SeedWriter，按用户名新增或覆盖账号。
func (s *SQLAuthStore) ApplySeed(ctx context.Context, seed auth.Seed) error {
	username := strings.TrimSpace(seed.Username)
	if username == "" {
		return errors.New("seed username cannot be empty")
	}
	hash, err := auth.HashPassword(seed.Password)
	if err != nil {
		return err
	}
	now := time.Now().Unix()
	_, err = s.db.ExecContext(ctx, `INSERT INTO auth_users (username, password_hash, roles, permissions, disabled, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE password_hash = VALUES(password_hash), roles = VALUES(roles), permissions = VALUES(permissions),
disabled = VALUES(disabled), updated_at = VALUES(updated_at)`,
		username, hash, joinList(seed.Roles), joinList(seed.Permissions), seed.Disabled, now, now)
	if err != nil {
		return fmt.Errorf("保存用户失败: %w", err)
	}
	return nil
}

func joinList(values []string) string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
			out = append(out, v)
		}
	}
	slices.Sort(out)
	return strings.Join(slices.Compact(out), ",")
}

func splitList(raw string) []string {
	var out []string
	for _, v := range strings.Split(raw, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
