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

// Package agentauth implements agent enrollment and the rotating
// access/refresh JWT pair agents use to authenticate to the control
// plane, grounded on the same go-jose signing shape lib/jwt uses for
// application-access tokens.
package agentauth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	josejwt "gopkg.in/square/go-jose.v2"
	"gopkg.in/square/go-jose.v2/jwt"

	"github.com/penguintechinc/gough/api/types"
	"github.com/penguintechinc/gough/lib/secrets"
)

var log = logrus.WithField(trace.Component, "agentauth")

const signingKeyRef = "agentauth/jwt-signing-key"
const signingKeyBits = 2048

const (
	tokenUseAccess  = "access"
	tokenUseRefresh = "refresh"
)

// Backend is the subset of lib/backend.Backend the Authenticator needs.
type Backend interface {
	GetEnrollmentKeyByHash(ctx context.Context, hash string) (types.EnrollmentKey, error)
	MarkEnrollmentKeyUsed(ctx context.Context, hash, agentID string) error
	CreateAgent(ctx context.Context, a types.AccessAgent) (types.AccessAgent, error)
	GetAgent(ctx context.Context, agentID string) (types.AccessAgent, error)
	UpdateAgent(ctx context.Context, a types.AccessAgent) error
	GetActiveCA(ctx context.Context, caType types.CAType) (types.SSHCAConfig, error)
}

// Config configures an Authenticator.
type Config struct {
	Backend Backend
	Secrets secrets.Store
	Clock   clockwork.Clock

	// Issuer is the JWT "iss" claim value.
	Issuer string
	// AccessTTL is the access token lifetime (default 15m).
	AccessTTL time.Duration
	// RefreshTTL is the refresh token lifetime (default 30d).
	RefreshTTL time.Duration
	// RefreshSlack is how long before access-token expiry an agent
	// should pre-emptively refresh (default 5m, advisory — enforced by
	// the agent, not the server).
	RefreshSlack time.Duration
	// HeartbeatIntervalS is returned to a newly enrolled agent as its
	// configured heartbeat cadence.
	HeartbeatIntervalS int
}

func (c *Config) CheckAndSetDefaults() error {
	if c.Backend == nil {
		return trace.BadParameter("agentauth: Backend is required")
	}
	if c.Secrets == nil {
		return trace.BadParameter("agentauth: Secrets is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Issuer == "" {
		c.Issuer = "gough"
	}
	if c.AccessTTL == 0 {
		c.AccessTTL = 15 * time.Minute
	}
	if c.RefreshTTL == 0 {
		c.RefreshTTL = 30 * 24 * time.Hour
	}
	if c.RefreshSlack == 0 {
		c.RefreshSlack = 5 * time.Minute
	}
	if c.HeartbeatIntervalS == 0 {
		c.HeartbeatIntervalS = 30
	}
	return nil
}

// Authenticator issues and verifies agent JWTs and drives enrollment.
type Authenticator struct {
	cfg Config
}

// New builds an Authenticator. Call Init once (e.g. from server
// startup) before Enroll/Refresh are reachable.
func New(cfg Config) (*Authenticator, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Authenticator{cfg: cfg}, nil
}

// Init generates the JWT signing key if one is not already persisted.
// Idempotent: calling it again after the key exists is a no-op.
func (a *Authenticator) Init(ctx context.Context) error {
	_, err := a.cfg.Secrets.Get(ctx, signingKeyRef)
	if err == nil {
		return nil
	}
	if !trace.IsNotFound(err) {
		return trace.Wrap(err)
	}
	key, err := rsa.GenerateKey(rand.Reader, signingKeyBits)
	if err != nil {
		return trace.Wrap(err, "generating agent JWT signing key")
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := a.cfg.Secrets.Set(ctx, signingKeyRef, pemBytes); err != nil {
		return trace.Wrap(err, "persisting agent JWT signing key")
	}
	log.Info("generated agent JWT signing key")
	return nil
}

func (a *Authenticator) loadSigningKey(ctx context.Context) (*rsa.PrivateKey, error) {
	pemBytes, err := a.cfg.Secrets.Get(ctx, signingKeyRef)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.BadParameter("agentauth: signing key not initialized, call Init first")
		}
		return nil, trace.Wrap(err)
	}
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, trace.BadParameter("agentauth: signing key is not valid PEM")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, trace.Wrap(err, "parsing agent JWT signing key")
	}
	return key, nil
}

// claims is the JWT payload shared by access and refresh tokens.
type claims struct {
	jwt.Claims
	Use     string `json:"use"`
	TokenID string `json:"tid,omitempty"`
}

func agentSubject(agentID string) string { return fmt.Sprintf("agent:%s", agentID) }

func (a *Authenticator) sign(key *rsa.PrivateKey, c claims) (string, error) {
	signer, err := josejwt.NewSigner(josejwt.SigningKey{Algorithm: josejwt.RS256, Key: key}, (&josejwt.SignerOptions{}).WithType("JWT"))
	if err != nil {
		return "", trace.Wrap(err)
	}
	token, err := jwt.Signed(signer).Claims(c).CompactSerialize()
	if err != nil {
		return "", trace.Wrap(err)
	}
	return token, nil
}

// TokenPair is an access/refresh JWT pair.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	// RefreshTokenID is the refresh token's tid claim, stored on the agent
	// row so a later presentation of a stale refresh token is
	// detected as reuse.
	RefreshTokenID string
}

func (a *Authenticator) mintPair(ctx context.Context, agentID string) (TokenPair, error) {
	key, err := a.loadSigningKey(ctx)
	if err != nil {
		return TokenPair{}, trace.Wrap(err)
	}
	now := a.cfg.Clock.Now()
	sub := agentSubject(agentID)

	access, err := a.sign(key, claims{
		Claims: jwt.Claims{
			Subject:   sub,
			Issuer:    a.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-10 * time.Second)),
			Expiry:    jwt.NewNumericDate(now.Add(a.cfg.AccessTTL)),
		},
		Use: tokenUseAccess,
	})
	if err != nil {
		return TokenPair{}, trace.Wrap(err, "signing access token")
	}

	tokenID := uuid.NewString()
	refresh, err := a.sign(key, claims{
		Claims: jwt.Claims{
			Subject:   sub,
			Issuer:    a.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-10 * time.Second)),
			Expiry:    jwt.NewNumericDate(now.Add(a.cfg.RefreshTTL)),
		},
		Use:     tokenUseRefresh,
		TokenID: tokenID,
	})
	if err != nil {
		return TokenPair{}, trace.Wrap(err, "signing refresh token")
	}

	return TokenPair{AccessToken: access, RefreshToken: refresh, RefreshTokenID: tokenID}, nil
}

// EnrollRequest is the body of POST /api/v1/agents/enroll.
type EnrollRequest struct {
	Hostname     string
	IPAddress    string
	SSHPort      int
	AgentVersion string
	Capabilities []string
}

// EnrollResult is returned to a newly enrolled agent.
type EnrollResult struct {
	AgentID            string
	AccessToken        string
	RefreshToken       string
	CAPublicKey        string
	HeartbeatIntervalS int
}

// Enroll implements the five-step enrollment algorithm: look up the
// enrollment key by its hash, create the agent row, mint a token
// pair, mark the key used, and return everything the agent needs to
// start operating.
func (a *Authenticator) Enroll(ctx context.Context, plaintextKey string, req EnrollRequest) (EnrollResult, error) {
	hash := hashEnrollmentKey(plaintextKey)

	ek, err := a.cfg.Backend.GetEnrollmentKeyByHash(ctx, hash)
	if err != nil {
		if trace.IsNotFound(err) {
			return EnrollResult{}, trace.AccessDenied("agentauth: invalid enrollment key")
		}
		return EnrollResult{}, trace.Wrap(err)
	}
	if ek.Used {
		return EnrollResult{}, trace.AlreadyExists("agentauth: enrollment key already used")
	}
	if a.cfg.Clock.Now().After(ek.ExpiresAt) {
		return EnrollResult{}, trace.AccessDenied("agentauth: enrollment key expired")
	}

	sshPort := req.SSHPort
	if sshPort == 0 {
		sshPort = 2222
	}
	agent := types.AccessAgent{
		AgentID:           uuid.NewString(),
		Hostname:          req.Hostname,
		PublicIP:          req.IPAddress,
		SSHPort:           sshPort,
		EnrollmentKeyHash: hash,
		Status:            types.AgentEnrolled,
		Capabilities:      req.Capabilities,
	}
	agent, err = a.cfg.Backend.CreateAgent(ctx, agent)
	if err != nil {
		return EnrollResult{}, trace.Wrap(err, "creating agent row")
	}

	pair, err := a.mintPair(ctx, agent.AgentID)
	if err != nil {
		return EnrollResult{}, trace.Wrap(err)
	}
	agent.JWTRefreshTokenID = pair.RefreshTokenID
	if err := a.cfg.Backend.UpdateAgent(ctx, agent); err != nil {
		return EnrollResult{}, trace.Wrap(err, "recording refresh token id")
	}

	if err := a.cfg.Backend.MarkEnrollmentKeyUsed(ctx, hash, agent.AgentID); err != nil {
		return EnrollResult{}, trace.Wrap(err, "marking enrollment key used")
	}

	caPub, err := a.cfg.Backend.GetActiveCA(ctx, types.CATypeUser)
	if err != nil {
		return EnrollResult{}, trace.Wrap(err, "loading CA public key")
	}

	log.WithFields(logrus.Fields{"agent_id": agent.AgentID, "hostname": req.Hostname}).Info("agent enrolled")

	return EnrollResult{
		AgentID:            agent.AgentID,
		AccessToken:        pair.AccessToken,
		RefreshToken:       pair.RefreshToken,
		CAPublicKey:        caPub.PublicKey,
		HeartbeatIntervalS: a.cfg.HeartbeatIntervalS,
	}, nil
}

func hashEnrollmentKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// GenerateEnrollmentKey returns the plaintext (hex-encoded, returned
// to the caller exactly once) and the SHA-256 hash persisted instead
// of the plaintext.
func GenerateEnrollmentKey() (plaintext, hash string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", trace.Wrap(err, "generating enrollment key")
	}
	plaintext = hex.EncodeToString(buf)
	return plaintext, hashEnrollmentKey(plaintext), nil
}

func (a *Authenticator) verify(ctx context.Context, rawToken string, expectUse string) (*claims, error) {
	key, err := a.loadSigningKey(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	tok, err := jwt.ParseSigned(rawToken)
	if err != nil {
		return nil, trace.Wrap(&TokenError{Message: "malformed token"})
	}
	var out claims
	if err := tok.Claims(&key.PublicKey, &out); err != nil {
		return nil, trace.Wrap(&TokenError{Message: "signature verification failed"})
	}
	if err := out.Validate(jwt.Expected{Issuer: a.cfg.Issuer, Time: a.cfg.Clock.Now()}); err != nil {
		return nil, trace.Wrap(&TokenError{Message: "token expired or not yet valid"})
	}
	if out.Use != expectUse {
		return nil, trace.Wrap(&TokenError{Message: fmt.Sprintf("expected a %s token, got %s", expectUse, out.Use)})
	}
	return &out, nil
}

// TokenError distinguishes authentication failures the caller should
// surface as 401.
type TokenError struct{ Message string }

func (e *TokenError) Error() string { return e.Message }

// VerifyAccess validates an access token and returns the agent_id it
// authenticates.
func (a *Authenticator) VerifyAccess(ctx context.Context, rawToken string) (string, error) {
	c, err := a.verify(ctx, rawToken, tokenUseAccess)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return agentIDFromSubject(c.Subject)
}

func agentIDFromSubject(sub string) (string, error) {
	const prefix = "agent:"
	if len(sub) <= len(prefix) || sub[:len(prefix)] != prefix {
		return "", trace.Wrap(&TokenError{Message: "unexpected token subject"})
	}
	return sub[len(prefix):], nil
}

// Refresh validates rawToken as a refresh token, rejects and suspends
// the agent if it has already been rotated past (reuse of a revoked
// refresh token), and otherwise mints and records a fresh token pair.
func (a *Authenticator) Refresh(ctx context.Context, rawToken string) (TokenPair, error) {
	c, err := a.verify(ctx, rawToken, tokenUseRefresh)
	if err != nil {
		return TokenPair{}, trace.Wrap(err)
	}
	agentID, err := agentIDFromSubject(c.Subject)
	if err != nil {
		return TokenPair{}, trace.Wrap(err)
	}

	agent, err := a.cfg.Backend.GetAgent(ctx, agentID)
	if err != nil {
		return TokenPair{}, trace.Wrap(err)
	}

	if agent.JWTRefreshTokenID != c.TokenID {
		agent.Status = types.AgentSuspended
		if uerr := a.cfg.Backend.UpdateAgent(ctx, agent); uerr != nil {
			log.WithError(uerr).WithField("agent_id", agentID).Warn("failed to suspend agent after refresh token reuse")
		}
		log.WithField("agent_id", agentID).Warn("refresh token reuse detected, agent suspended")
		return TokenPair{}, trace.Wrap(&TokenError{Message: "refresh token has already been rotated"})
	}

	pair, err := a.mintPair(ctx, agentID)
	if err != nil {
		return TokenPair{}, trace.Wrap(err)
	}
	agent.JWTRefreshTokenID = pair.RefreshTokenID
	if err := a.cfg.Backend.UpdateAgent(ctx, agent); err != nil {
		return TokenPair{}, trace.Wrap(err, "recording rotated refresh token id")
	}
	return pair, nil
}
