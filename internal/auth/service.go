package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	xerrors "superdao-relay/internal/errors"
	"superdao-relay/pkg/logger"
)

// Claims 是运营令牌携带的声明。
type Claims struct {
	Permissions []string `json:"perms"`
	jwt.RegisteredClaims
}

// Service 负责签发与校验运营接口的 JWT。
type Service struct {
	mode   Mode
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
	audit  *slog.Logger
}

// NewService 构造身份认证服务实例。
func NewService(cfg Config) (*Service, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode))))
	if mode == "" {
		mode = ModeDisabled
	}
	svc := &Service{
		mode:   mode,
		issuer: cfg.Issuer,
		ttl:    time.Duration(cfg.TTLSeconds) * time.Second,
		now:    time.Now,
		audit:  logger.Audit(),
	}
	if svc.ttl <= 0 {
		svc.ttl = time.Hour
	}

	switch mode {
	case ModeDisabled:
		return svc, nil
	case ModeJWT:
		if strings.TrimSpace(cfg.Secret) == "" {
			return nil, errors.New("jwt secret must be configured")
		}
		svc.secret = []byte(cfg.Secret)
		return svc, nil
	default:
		return nil, fmt.Errorf("unsupported auth mode: %s", cfg.Mode)
	}
}

// Mode 返回当前身份认证服务的工作模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// Issue 为 subject 签发带权限的令牌。ttl 为 0 时使用默认有效期。
func (s *Service) Issue(subject string, perms []string, ttl time.Duration) (string, time.Time, error) {
	if s == nil || s.mode != ModeJWT {
		return "", time.Time{}, ErrDisabled
	}
	if strings.TrimSpace(subject) == "" {
		return "", time.Time{}, xerrors.New(xerrors.CodeInvalidArgument, "subject 不能为空")
	}
	if ttl <= 0 {
		ttl = s.ttl
	}
	now := s.now()
	expires := now.Add(ttl)
	claims := Claims{
		Permissions: dedupe(perms),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, xerrors.Wrap(xerrors.CodeUnknown, err, "签发令牌失败")
	}
	s.audit.Info("token_issued",
		slog.String("subject", subject),
		slog.Any("permissions", claims.Permissions),
		slog.Time("expires_at", expires),
	)
	return token, expires, nil
}

// Authenticate 校验令牌并返回其主体。
func (s *Service) Authenticate(token string) (*Subject, error) {
	if s == nil || s.mode != ModeJWT {
		return nil, ErrDisabled
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return nil, xerrors.Wrap(xerrors.CodeUnauthenticated, err, ErrInvalidToken.Message())
	}
	subject := &Subject{Username: claims.Subject, Permissions: claims.Permissions}
	subject.normalise()
	return subject, nil
}

// AuthenticateRequest 解析 Authorization 头中的 Bearer 令牌。
func (s *Service) AuthenticateRequest(_ context.Context, authorization string) (*Subject, error) {
	authorization = strings.TrimSpace(authorization)
	if authorization == "" {
		return nil, ErrMissingToken
	}
	scheme, token, ok := strings.Cut(authorization, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return nil, ErrMissingToken
	}
	return s.Authenticate(strings.TrimSpace(token))
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, value := range values {
		value = strings.ToLower(strings.TrimSpace(value))
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		result = append(result, value)
	}
	return result
}
