package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"PluginRuntime/pkg/logger"
)

const (
	tokenTypeAccess   = "access"
	tokenTypeRefresh  = "refresh"
	grantTypePassword = "password"
	grantTypeRefresh  = "refresh_token"
)

// Service 负责管理接口的身份认证与授权。
type Service struct {
	mode  Mode
	store Store
	jwt   *jwtManager
	audit *slog.Logger
}

// NewService 构造认证服务，jwt 模式下要求提供 Store 与签名密钥。
func NewService(ctx context.Context, cfg Config, store Store) (*Service, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode))))
	if mode == "" {
		mode = ModeDisabled
	}
	svc := &Service{mode: mode, store: store, audit: logger.Audit()}

	switch mode {
	case ModeDisabled:
		return svc, nil
	case ModeJWT:
		if store == nil {
			return nil, errors.New("jwt mode requires a user store")
		}
		if strings.TrimSpace(cfg.JWT.Secret) == "" {
			return nil, errors.New("jwt secret must be configured")
		}
		if cfg.JWT.AccessTTL <= 0 {
			cfg.JWT.AccessTTL = 3600
		}
		if cfg.JWT.RefreshTTL <= 0 {
			cfg.JWT.RefreshTTL = 86400
		}
		svc.jwt = &jwtManager{
			secret:     []byte(cfg.JWT.Secret),
			issuer:     cfg.JWT.Issuer,
			audience:   cfg.JWT.Audience,
			accessTTL:  time.Duration(cfg.JWT.AccessTTL) * time.Second,
			refreshTTL: time.Duration(cfg.JWT.RefreshTTL) * time.Second,
			now:        time.Now,
		}
	default:
		return nil, fmt.Errorf("unsupported auth mode: %s", cfg.Mode)
	}

	if writer, ok := store.(SeedWriter); ok {
		for _, seed := range cfg.Seeds {
			if err := writer.ApplySeed(ctx, seed); err != nil {
				return nil, fmt.Errorf("apply seed %s: %w", seed.Username, err)
			}
		}
	}
	return svc, nil
}

// Mode 返回当前认证方式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// Authenticate 处理密码或刷新令牌授权并签发新的令牌对。
func (s *Service) Authenticate(ctx context.Context, req TokenRequest) (*TokenPair, error) {
	if s == nil || s.mode == ModeDisabled {
		return nil, ErrDisabled
	}
	var (
		userID int64
		err    error
	)
	switch grant := strings.ToLower(strings.TrimSpace(req.GrantType)); grant {
	case "", grantTypePassword:
		userID, err = s.checkPassword(ctx, req)
	case grantTypeRefresh:
		userID, err = s.checkRefresh(req.RefreshToken)
	default:
		return nil, ErrUnsupportedGrant
	}
	if err != nil {
		return nil, err
	}

	subject, err := s.store.LoadSubject(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load subject: %w", err)
	}
	if subject.Disabled {
		return nil, ErrSubjectRevoked
	}
	pair, err := s.jwt.generate(subject)
	if err != nil {
		return nil, err
	}
	pair.Subject = subject.Clone()
	s.audit.Info("token_issued", "user", subject.Username, "grant", req.GrantType)
	return pair, nil
}

func (s *Service) checkPassword(ctx context.Context, req TokenRequest) (int64, error) {
	user, err := s.store.FindUserByUsername(ctx, strings.TrimSpace(req.Username))
	if err != nil {
		return 0, ErrInvalidCredentials
	}
	if user.Disabled {
		return 0, ErrSubjectRevoked
	}
	if !verifyPassword(user.PasswordHash, req.Password) {
		return 0, ErrInvalidCredentials
	}
	return user.ID, nil
}

func (s *Service) checkRefresh(token string) (int64, error) {
	claims, err := s.jwt.verify(token)
	if err != nil {
		return 0, err
	}
	if claims.TokenType != tokenTypeRefresh {
		return 0, ErrInvalidToken
	}
	return strconv.ParseInt(claims.Subject, 10, 64)
}

// AuthenticateRequest 校验 Authorization 头并返回主体。
func (s *Service) AuthenticateRequest(ctx context.Context, authorization string) (*Subject, error) {
	if s == nil || s.mode == ModeDisabled {
		return nil, ErrDisabled
	}
	scheme, token, ok := strings.Cut(strings.TrimSpace(authorization), " ")
	token = strings.TrimSpace(token)
	if !ok || !strings.EqualFold(scheme, "bearer") || token == "" {
		return nil, ErrMissingToken
	}
	claims, err := s.jwt.verify(token)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != tokenTypeAccess {
		return nil, ErrInvalidToken
	}
	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return nil, ErrInvalidToken
	}
	subject, err := s.store.LoadSubject(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load subject: %w", err)
	}
	if subject.Disabled {
		return nil, ErrSubjectRevoked
	}
	subject.normalise()
	return subject, nil
}

// jwtManager 使用 HS256 签发与校验令牌。
type jwtManager struct {
	secret     []byte
	issuer     string
	audience   []string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

type claims struct {
	jwt.RegisteredClaims
	Username    string   `json:"username,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	TokenType   string   `json:"type"`
}

func (m *jwtManager) generate(subject *Subject) (*TokenPair, error) {
	access, err := m.sign(subject, tokenTypeAccess, m.accessTTL)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}
	refresh, err := m.sign(subject, tokenTypeRefresh, m.refreshTTL)
	if err != nil {
		return nil, fmt.Errorf("sign refresh token: %w", err)
	}
	return &TokenPair{
		AccessToken:      access,
		ExpiresIn:        int64(m.accessTTL.Seconds()),
		RefreshToken:     refresh,
		RefreshExpiresIn: int64(m.refreshTTL.Seconds()),
		TokenType:        "Bearer",
	}, nil
}

func (m *jwtManager) sign(subject *Subject, tokenType string, ttl time.Duration) (string, error) {
	now := m.now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(subject.ID, 10),
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Username:  subject.Username,
		Roles:     subject.Roles,
		TokenType: tokenType,
	}
	if len(m.audience) > 0 {
		c.Audience = jwt.ClaimStrings(m.audience)
	}
	if tokenType == tokenTypeAccess {
		c.Permissions = subject.Permissions
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(m.secret)
}

func (m *jwtManager) verify(token string) (*claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(m.now),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}
	if len(m.audience) > 0 {
		opts = append(opts, jwt.WithAudience(m.audience[0]))
	}
	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(*jwt.Token) (any, error) {
		return m.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	return c, nil
}

// HashPassword 使用 bcrypt 计算密码哈希。
func HashPassword(password string) (string, error) {
	if strings.TrimSpace(password) == "" {
		return "", errors.New("password cannot be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

func verifyPassword(hashed, password string) bool {
	return hashed != "" && bcrypt.CompareHashAndPassword([]byte(hashed), []byte(password)) == nil
}
