/*
Copyright 2024 The Gough Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package userauth implements operator login sessions: password
// verification, opaque bearer session tokens, and their refresh and
// revocation, grounded on the same sized, hex-encoded random token
// lib/auth uses for its own web sessions.
package userauth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/penguintechinc/gough/api/types"
)

var log = logrus.WithField(trace.Component, "userauth")

// SessionTokenBytes is the amount of random entropy in a session
// token, hex-encoded before being handed to a caller.
const SessionTokenBytes = 32

// Backend is the subset of lib/backend.Backend the Authenticator needs.
type Backend interface {
	GetUserByEmail(ctx context.Context, email string) (types.User, error)
	GetUser(ctx context.Context, id string) (types.User, error)
	CreateUserSession(ctx context.Context, s types.UserSession) error
	GetUserSessionByHash(ctx context.Context, tokenHash string) (types.UserSession, error)
	DeleteUserSession(ctx context.Context, tokenHash string) error
}

// Config configures an Authenticator.
type Config struct {
	Backend Backend
	Clock   clockwork.Clock
	// SessionTTL is how long an issued session token remains valid
	// (default 12h).
	SessionTTL time.Duration
}

func (c *Config) CheckAndSetDefaults() error {
	if c.Backend == nil {
		return trace.BadParameter("userauth: Backend is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.SessionTTL == 0 {
		c.SessionTTL = 12 * time.Hour
	}
	return nil
}

// Authenticator verifies operator credentials and manages session tokens.
type Authenticator struct {
	cfg Config
}

// New builds an Authenticator.
func New(cfg Config) (*Authenticator, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Authenticator{cfg: cfg}, nil
}

// InvalidCredentialsError is returned by Login when the email/password
// pair does not check out, or the account is deactivated.
type InvalidCredentialsError struct{}

func (InvalidCredentialsError) Error() string { return "invalid email or password" }

// Session is a minted bearer token and its metadata.
type Session struct {
	Token     string
	UserID    string
	ExpiresAt time.Time
}

func newToken() (plaintext, hash string, err error) {
	buf := make([]byte, SessionTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", trace.Wrap(err, "generating session token")
	}
	plaintext = hex.EncodeToString(buf)
	return plaintext, hashToken(plaintext), nil
}

func hashToken(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// Login verifies email and password against the stored bcrypt hash
// and, on success, mints and persists a new bearer session token.
func (a *Authenticator) Login(ctx context.Context, email, password string) (Session, error) {
	user, err := a.cfg.Backend.GetUserByEmail(ctx, email)
	if err != nil {
		if trace.IsNotFound(err) {
			return Session{}, trace.Wrap(InvalidCredentialsError{})
		}
		return Session{}, trace.Wrap(err)
	}
	if !user.Active {
		return Session{}, trace.Wrap(InvalidCredentialsError{})
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return Session{}, trace.Wrap(InvalidCredentialsError{})
	}
	log.WithField("user_id", user.ID).Info("user logged in")
	return a.issue(ctx, user.ID)
}

func (a *Authenticator) issue(ctx context.Context, userID string) (Session, error) {
	plaintext, hash, err := newToken()
	if err != nil {
		return Session{}, trace.Wrap(err)
	}
	now := a.cfg.Clock.Now()
	expiresAt := now.Add(a.cfg.SessionTTL)
	if err := a.cfg.Backend.CreateUserSession(ctx, types.UserSession{
		TokenHash: hash,
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: expiresAt,
	}); err != nil {
		return Session{}, trace.Wrap(err, "persisting session")
	}
	return Session{Token: plaintext, UserID: userID, ExpiresAt: expiresAt}, nil
}

// Authenticate validates a bearer token presented on an authenticated
// request and returns the user it belongs to. Expired sessions are
// rejected; this package does not delete their rows.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (types.User, error) {
	sess, err := a.cfg.Backend.GetUserSessionByHash(ctx, hashToken(token))
	if err != nil {
		if trace.IsNotFound(err) {
			return types.User{}, trace.AccessDenied("userauth: invalid session")
		}
		return types.User{}, trace.Wrap(err)
	}
	if !a.cfg.Clock.Now().Before(sess.ExpiresAt) {
		return types.User{}, trace.AccessDenied("userauth: session expired")
	}
	user, err := a.cfg.Backend.GetUser(ctx, sess.UserID)
	if err != nil {
		return types.User{}, trace.Wrap(err)
	}
	if !user.Active {
		return types.User{}, trace.AccessDenied("userauth: account deactivated")
	}
	return user, nil
}

// Refresh validates the presented token, revokes it, and mints a
// replacement with a fresh TTL, so a leaked-and-rotated token cannot
// be replayed after the caller refreshes.
func (a *Authenticator) Refresh(ctx context.Context, token string) (Session, error) {
	user, err := a.Authenticate(ctx, token)
	if err != nil {
		return Session{}, trace.Wrap(err)
	}
	if err := a.cfg.Backend.DeleteUserSession(ctx, hashToken(token)); err != nil {
		return Session{}, trace.Wrap(err, "revoking prior session")
	}
	return a.issue(ctx, user.ID)
}

// Logout revokes a session token; it is idempotent since deleting a
// token hash that is already gone is not an error.
func (a *Authenticator) Logout(ctx context.Context, token string) error {
	if err := a.cfg.Backend.DeleteUserSession(ctx, hashToken(token)); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

// HashPassword bcrypt-hashes a plaintext password for storage on a
// types.User row; used by user-creation flows, not by login itself.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", trace.Wrap(err, "hashing password")
	}
	return string(hash), nil
}
