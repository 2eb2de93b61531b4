package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// 认证子系统返回的通用错误。
var (
	ErrDisabled           = errors.New("authentication disabled")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUnsupportedGrant   = errors.New("unsupported grant type")
	ErrInvalidToken       = errors.New("invalid token")
	ErrMissingToken       = errors.New("missing bearer token")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrSubjectRevoked     = errors.New("subject is disabled")
)

// 管理接口使用的权限。
const (
	PermPluginsRead   = "plugins:read"
	PermPluginsWrite  = "plugins:write"
	PermSecurityAdmin = "security:admin"
)

// Store 抽象了认证服务使用的用户目录，实现必须并发安全。
type Store interface {
	FindUserByUsername(ctx context.Context, username string) (*User, error)
	LoadSubject(ctx context.Context, userID int64) (*Subject, error)
}

// SeedWriter 由支持写入初始账号的存储实现。
type SeedWriter interface {
	ApplySeed(ctx context.Context, seed Seed) error
}

// User 是持久化的账号记录。
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	Disabled     bool
}

// Subject 描述已认证的调用方，随令牌写入并通过 context 传递给处理器。
type Subject struct {
	ID          int64
	Username    string
	Roles       []string
	Permissions []string
	Disabled    bool

	permissionsSet map[string]struct{}
}

func (s *Subject) normalise() {
	if s == nil || s.permissionsSet != nil {
		return
	}
	s.permissionsSet = make(map[string]struct{}, len(s.Permissions))
	for _, perm := range s.Permissions {
		s.permissionsSet[normalisePermission(perm)] = struct{}{}
	}
}

func normalisePermission(p string) string {
	return strings.ToLower(strings.TrimSpace(p))
}

// HasPermission 判断主体是否拥有指定权限，security:admin 隐含全部权限。
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	s.normalise()
	if _, ok := s.permissionsSet[PermSecurityAdmin]; ok {
		return true
	}
	_, ok := s.permissionsSet[normalisePermission(permission)]
	return ok
}

// Authorize 要求主体拥有全部给定权限。
func (s *Subject) Authorize(perms ...string) error {
	if s == nil {
		return ErrInvalidToken
	}
	if s.Disabled {
		return ErrSubjectRevoked
	}
	for _, perm := range perms {
		if perm != "" && !s.HasPermission(perm) {
			return fmt.Errorf("%w: missing %s", ErrPermissionDenied, perm)
		}
	}
	return nil
}

// Clone 返回副本。
func (s *Subject) Clone() *Subject {
	if s == nil {
		return nil
	}
	clone := &Subject{
		ID:          s.ID,
		Username:    s.Username,
		Roles:       slices.Clone(s.Roles),
		Permissions: slices.Clone(s.Permissions),
		Disabled:    s.Disabled,
	}
	clone.normalise()
	return clone
}

// TokenRequest 是签发令牌接口的请求体。
type TokenRequest struct {
	GrantType    string `json:"grant_type"`
	Username     string `json:"username"`
	Password     string `json:"password"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// TokenPair 包含签发的访问令牌与刷新令牌。
type TokenPair struct {
	AccessToken      string   `json:"access_token"`
	ExpiresIn        int64    `json:"expires_in"`
	RefreshToken     string   `json:"refresh_token,omitempty"`
	RefreshExpiresIn int64    `json:"refresh_expires_in,omitempty"`
	TokenType        string   `json:"token_type"`
	Subject          *Subject `json:"-"`
}

// Config 配置认证服务。
type Config struct {
	Mode  Mode       `json:"mode"`
	JWT   JWTOptions `json:"jwt"`
	Seeds []Seed     `json:"seeds"`
}

// Mode 枚举支持的认证方式。
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeJWT      Mode = "jwt"
)

// JWTOptions 是本地签发 JWT 的参数，TTL 单位为秒。
type JWTOptions struct {
	Secret     string   `json:"secret"`
	Issuer     string   `json:"issuer"`
	Audience   []string `json:"audience"`
	AccessTTL  int64    `json:"access_ttl"`
	RefreshTTL int64    `json:"refresh_ttl"`
}

// Seed 定义启动时写入的账号。
type Seed struct {
	Username    string   `json:"username"`
	Password    string   `json:"password"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	Disabled    bool     `json:"disabled"`
}
