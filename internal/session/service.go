// Package session issues and validates stateless bearer tokens backed
// by a directory for credential checks. No session state is stored
// server side: a token is the session.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"graphdoc/api/internal/directory"
	"graphdoc/api/internal/store"
	"graphdoc/api/internal/token"
)

var (
	// ErrAuthenticationFailed deliberately covers every credential
	// failure, so callers cannot distinguish a wrong password from an
	// unknown user or a directory outage.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrSessionExpired means the session window has run out and the
	// user must present credentials again.
	ErrSessionExpired = errors.New("session expired")
)

// UnauthorizedError carries the machine-readable reason placed in the
// WWW-Authenticate challenge.
type UnauthorizedError struct {
	Reason string
}

func (e *UnauthorizedError) Error() string {
	return "unauthorized: " + e.Reason
}

// Challenge reasons.
const (
	ReasonMissingHeader   = "missing_header"
	ReasonMalformedHeader = "malformed_header"
	ReasonInvalidToken    = "invalid_token"
	ReasonClockSkew       = "clock_unsynchronized"
)

// Session is the identity extracted from a valid token.
type Session struct {
	UID  string
	Role string
	Name string
}

// IdentityProvider checks credentials against an external directory.
type IdentityProvider interface {
	Verify(ctx context.Context, username, password string) (directory.Entry, error)
}

// UserStore records which directory users have ever authenticated.
type UserStore interface {
	UpsertUser(ctx context.Context, uid string) (store.User, error)
}

// Service binds the directory, the user table and the token codec into
// the authentication flows.
type Service struct {
	provider IdentityProvider
	users    UserStore
	codec    *token.Codec
	fields   token.FieldMap
	tokenTTL time.Duration
	window   time.Duration
	now      func() time.Time
}

// NewService validates the claim field map and wires the service.
// tokenTTL bounds a single token; window bounds the whole session,
// measured from first issuance across refreshes.
func NewService(provider IdentityProvider, users UserStore, codec *token.Codec, fields token.FieldMap, tokenTTL, window time.Duration) (*Service, error) {
	if err := fields.Validate(); err != nil {
		return nil, err
	}
	return &Service{
		provider: provider,
		users:    users,
		codec:    codec,
		fields:   fields,
		tokenTTL: tokenTTL,
		window:   window,
		now:      time.Now,
	}, nil
}

// TokenTTL reports how long an issued token stays valid, for the
// expires_in field of token responses.
func (s *Service) TokenTTL() time.Duration {
	return s.tokenTTL
}

// Authenticate verifies credentials against the directory, registers
// the user, and issues a fresh token.
func (s *Service) Authenticate(ctx context.Context, username, password string) (string, Session, error) {
	entry, err := s.provider.Verify(ctx, username, password)
	if err != nil {
		// The cause stays in the log; the caller sees one error.
		log.Printf(`{"level":"warn","msg":"directory verification failed","user":%q,"cause":%q}`, username, err.Error())
		return "", Session{}, ErrAuthenticationFailed
	}

	if _, err := s.users.UpsertUser(ctx, username); err != nil {
		return "", Session{}, fmt.Errorf("register user: %w", err)
	}

	sess := Session{UID: username, Role: "admin", Name: entry.Name}
	issued, err := s.codec.Encrypt(s.claims(sess), s.tokenTTL, time.Time{})
	if err != nil {
		return "", Session{}, fmt.Errorf("issue token: %w", err)
	}
	return issued, sess, nil
}

// Refresh exchanges a structurally valid token for a fresh one without
// re-checking credentials. Expiry of the old token is ignored; only
// the session window, anchored at the original "nbf", limits how long
// refreshing can go on.
func (s *Service) Refresh(ctx context.Context, tokenStr string) (string, Session, error) {
	claims, err := s.codec.Decrypt(tokenStr, false)
	if err != nil {
		return "", Session{}, translateTokenError(err)
	}

	nbf, ok := token.UnixClaim(claims, token.ClaimNotBefore)
	if !ok {
		return "", Session{}, &UnauthorizedError{Reason: ReasonInvalidToken}
	}
	issuedAt := time.Unix(nbf, 0)
	if s.now().After(issuedAt.Add(s.window)) {
		return "", Session{}, ErrSessionExpired
	}

	sess, err := s.sessionFromClaims(claims)
	if err != nil {
		return "", Session{}, err
	}
	if _, err := s.users.UpsertUser(ctx, sess.UID); err != nil {
		return "", Session{}, fmt.Errorf("refresh user: %w", err)
	}

	issued, err := s.codec.Encrypt(s.claims(sess), s.tokenTTL, issuedAt)
	if err != nil {
		return "", Session{}, fmt.Errorf("reissue token: %w", err)
	}
	return issued, sess, nil
}

// Authorize extracts and validates the bearer token of a request.
func (s *Service) Authorize(r *http.Request) (Session, error) {
	tokenStr, err := BearerToken(r)
	if err != nil {
		return Session{}, err
	}
	claims, err := s.codec.Decrypt(tokenStr, true)
	if err != nil {
		return Session{}, translateTokenError(err)
	}
	return s.sessionFromClaims(claims)
}

func (s *Service) claims(sess Session) map[string]any {
	claims := map[string]any{s.fields.Subject: sess.UID}
	if s.fields.Role != "" {
		claims[s.fields.Role] = sess.Role
	}
	if s.fields.Name != "" {
		claims[s.fields.Name] = sess.Name
	}
	return claims
}

func (s *Service) sessionFromClaims(claims map[string]any) (Session, error) {
	uid := token.StringClaim(claims, s.fields.Subject)
	if uid == "" {
		return Session{}, &UnauthorizedError{Reason: ReasonInvalidToken}
	}
	sess := Session{UID: uid}
	if s.fields.Role != "" {
		sess.Role = token.StringClaim(claims, s.fields.Role)
	}
	if s.fields.Name != "" {
		sess.Name = token.StringClaim(claims, s.fields.Name)
	}
	return sess, nil
}

func translateTokenError(err error) error {
	switch {
	case errors.Is(err, token.ErrNotYetValid):
		return &UnauthorizedError{Reason: ReasonClockSkew}
	case errors.Is(err, token.ErrExpiredToken):
		return ErrSessionExpired
	default:
		return &UnauthorizedError{Reason: ReasonInvalidToken}
	}
}

// BearerToken pulls the token out of the Authorization header.
func BearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", &UnauthorizedError{Reason: ReasonMissingHeader}
	}
	scheme, rest, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", &UnauthorizedError{Reason: ReasonMalformedHeader}
	}
	tokenStr := strings.TrimSpace(rest)
	if tokenStr == "" {
		return "", &UnauthorizedError{Reason: ReasonMalformedHeader}
	}
	return tokenStr, nil
}
