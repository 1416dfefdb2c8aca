// Package auth authenticates API callers with JWT bearer tokens or HTTP basic
// credentials checked against bcrypt hashes.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrUnauthorized is wrapped by every authentication failure.
var ErrUnauthorized = errors.New("unauthorized")

// Method names the way an identity was established.
type Method string

const (
	MethodNone  Method = "none"
	MethodBasic Method = "basic"
	MethodJWT   Method = "jwt"
)

// Identity is an authenticated caller.
type Identity struct {
	Subject  string   `json:"subject"`
	Username string   `json:"username,omitempty"`
	Roles    []string `json:"roles,omitempty"`
	Method   Method   `json:"method"`
}

// Roles, from least to most privileged. A role implies every role below it.
const (
	RoleViewer   = "viewer"
	RoleOperator = "operator"
	RoleAdmin    = "admin"
)

var roleRank = map[string]int{RoleViewer: 1, RoleOperator: 2, RoleAdmin: 3}

// HasRole reports whether the identity carries role or a role ranked above it.
func (i *Identity) HasRole(role string) bool {
	if i == nil {
		return false
	}
	want, ranked := roleRank[role]
	for _, r := range i.Roles {
		if r == role {
			return true
		}
		if ranked && roleRank[r] >= want {
			return true
		}
	}
	return false
}

// Verifier checks one credential. Errors wrap ErrUnauthorized.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Identity, error)
}

// User is a statically configured basic-auth account.
type User struct {
	Username     string   `mapstructure:"username"`
	PasswordHash string   `mapstructure:"password_hash"`
	Roles        []string `mapstructure:"roles"`
}

// Config configures the auth gate.
type Config struct {
	Enabled   bool          `mapstructure:"enabled"`
	JWTSecret string        `mapstructure:"jwt_secret"`
	Issuer    string        `mapstructure:"issuer"`
	Audience  string        `mapstructure:"audience"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
	Users     []User        `mapstructure:"users"`
}

// Service authenticates requests according to Config.
type Service struct {
	enabled bool
	jwt     *JWTVerifier
	basic   *BasicVerifier
}

var anonymous = &Identity{Subject: "anonymous", Method: MethodNone}

func NewService(cfg Config) (*Service, error) {
	s := &Service{enabled: cfg.Enabled}
	if !cfg.Enabled {
		return s, nil
	}
	if cfg.JWTSecret == "" && len(cfg.Users) == 0 {
		return nil, errors.New("auth enabled but neither jwt_secret nor users configured")
	}
	if cfg.JWTSecret != "" {
		s.jwt = NewJWTVerifier(JWTConfig{
			Secret:   []byte(cfg.JWTSecret),
			Issuer:   cfg.Issuer,
			Audience: cfg.Audience,
			TTL:      cfg.TokenTTL,
		})
	}
	if len(cfg.Users) > 0 {
		b, err := NewBasicVerifier(cfg.Users)
		if err != nil {
			return nil, err
		}
		s.basic = b
	}
	return s, nil
}

// Enabled reports whether requests must carry credentials.
func (s *Service) Enabled() bool { return s != nil && s.enabled }

// JWT returns the token verifier, nil when no secret is configured.
func (s *Service) JWT() *JWTVerifier { return s.jwt }

// Authenticate extracts credentials from r: a bearer token, then basic
// credentials, then a "token" query parameter.
func (s *Service) Authenticate(r *http.Request) (*Identity, error) {
	if !s.Enabled() {
		return anonymous, nil
	}
	ctx := r.Context()
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, value, _ := strings.Cut(h, " ")
		if strings.EqualFold(scheme, "bearer") {
			return s.verifyJWT(ctx, strings.TrimSpace(value))
		}
	}
	if user, pass, ok := r.BasicAuth(); ok {
		if s.basic == nil {
			return nil, fmt.Errorf("%w: basic auth not configured", ErrUnauthorized)
		}
		return s.basic.Check(ctx, user, pass)
	}
	if tok := r.URL.Query().Get("token"); tok != "" {
		return s.verifyJWT(ctx, tok)
	}
	return nil, fmt.Errorf("%w: no credentials", ErrUnauthorized)
}

func (s *Service) verifyJWT(ctx context.Context, tok string) (*Identity, error) {
	if s.jwt == nil {
		return nil, fmt.Errorf("%w: token auth not configured", ErrUnauthorized)
	}
	return s.jwt.Verify(ctx, tok)
}
