// Package auth supplies the bearer credential attached to the realtime handshake.
package auth

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/park285/cheese-club-session/internal/clubapi"
)

// Issuer mints access tokens. *clubapi.Client implements it.
type Issuer interface {
	IssueToken(ctx context.Context, playerID string) (clubapi.Token, error)
}

var ErrNoToken = staticErr("no access token available")

type staticErr string

func (e staticErr) Error() string { return string(e) }

// TokenSource hands out a bearer token, re-issuing it shortly before expiry.
// A static token is used as is until an issuer is configured.
type TokenSource struct {
	issuer   Issuer
	playerID string
	skew     time.Duration
	timeout  time.Duration
	now      func() time.Time
	logger   *zap.Logger

	mu      sync.Mutex
	token   string
	expires time.Time
}

type Option func(*TokenSource)

func WithIssuer(i Issuer, playerID string) Option {
	return func(s *TokenSource) {
		s.issuer = i
		s.playerID = strings.TrimSpace(playerID)
	}
}

func WithSkew(d time.Duration) Option {
	return func(s *TokenSource) { s.skew = d }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *TokenSource) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *TokenSource) {
		if now != nil {
			s.now = now
		}
	}
}

func NewTokenSource(static string, opts ...Option) *TokenSource {
	s := &TokenSource{
		skew:    time.Minute,
		timeout: 5 * time.Second,
		now:     time.Now,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if tok := strings.TrimSpace(static); tok != "" {
		s.token = tok
		s.expires = ExpiryOf(tok)
	}
	return s
}

// ExpiryOf reads the exp claim of a JWT without verifying it. Opaque tokens
// and tokens without exp yield the zero time (never expires).
func ExpiryOf(token string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

// Token returns a usable token, issuing a new one when the current one is
// missing or about to expire.
func (s *TokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != "" && !s.expiringLocked() {
		return s.token, nil
	}
	if s.issuer == nil {
		if s.token != "" {
			// nothing to refresh with; let the server decide
			return s.token, nil
		}
		return "", ErrNoToken
	}
	tok, err := s.issuer.IssueToken(ctx, s.playerID)
	if err != nil {
		if s.token != "" {
			s.logger.Warn("auth_refresh_failed_using_cached", zap.Error(err))
			return s.token, nil
		}
		return "", err
	}
	s.token = tok.AccessToken
	s.expires = tok.ExpiresAt
	if jwtExp := ExpiryOf(tok.AccessToken); !jwtExp.IsZero() && (s.expires.IsZero() || jwtExp.Before(s.expires)) {
		s.expires = jwtExp
	}
	s.logger.Info("auth_token_issued", zap.Time("expires_at", s.expires))
	return s.token, nil
}

func (s *TokenSource) expiringLocked() bool {
	if s.expires.IsZero() {
		return false
	}
	return !s.now().Add(s.skew).Before(s.expires)
}

// Headers is a transport.HeaderProvider: it is called at every dial.
func (s *TokenSource) Headers() map[string]string {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	tok, err := s.Token(ctx)
	if err != nil {
		s.logger.Warn("auth_no_token", zap.Error(err))
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + tok}
}
