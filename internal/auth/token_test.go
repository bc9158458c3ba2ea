package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/park285/cheese-club-session/internal/clubapi"
)

func signed(t *testing.T, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "p1",
		"exp": exp.Unix(),
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return tok
}

type countingIssuer struct {
	calls int
	next  func() (clubapi.Token, error)
}

func (i *countingIssuer) IssueToken(context.Context, string) (clubapi.Token, error) {
	i.calls++
	return i.next()
}

func TestExpiryOf(t *testing.T) {
	exp := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	assert.True(t, ExpiryOf(signed(t, exp)).Equal(exp))
	assert.True(t, ExpiryOf("opaque-token").IsZero())
}

func TestStaticTokenHeader(t *testing.T) {
	s := NewTokenSource("opaque")
	assert.Equal(t, map[string]string{"Authorization": "Bearer opaque"}, s.Headers())
}

func TestNoTokenNoHeaders(t *testing.T) {
	s := NewTokenSource("")
	_, err := s.Token(context.Background())
	assert.ErrorIs(t, err, ErrNoToken)
	assert.Nil(t, s.Headers())
}

func TestRefreshBeforeExpiry(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	fresh := signed(t, now.Add(time.Hour))
	issuer := &countingIssuer{next: func() (clubapi.Token, error) {
		return clubapi.Token{AccessToken: fresh}, nil
	}}
	stale := signed(t, now.Add(30*time.Second))
	s := NewTokenSource(stale, WithIssuer(issuer, "p1"), WithClock(func() time.Time { return now }))

	tok, err := s.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, fresh, tok)
	assert.Equal(t, 1, issuer.calls)

	tok, err = s.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, fresh, tok)
	assert.Equal(t, 1, issuer.calls, "fresh token is cached")
}

func TestRefreshFailureKeepsCachedToken(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	issuer := &countingIssuer{next: func() (clubapi.Token, error) { return clubapi.Token{}, errors.New("down") }}
	stale := signed(t, now.Add(10*time.Second))
	s := NewTokenSource(stale, WithIssuer(issuer, "p1"), WithClock(func() time.Time { return now }))

	tok, err := s.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, stale, tok)
}
