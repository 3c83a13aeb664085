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

// Package heartbeat runs the agent side of the heartbeat/command
// channel: a periodic POST loop that reports status and resource
// usage and pulls down queued commands, plus pre-emptive JWT refresh,
// grounded structurally on lib/renew's ticker-driven renewal loop.
package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/penguintechinc/gough/api/types"
)

var log = logrus.WithField(trace.Component, "agent:heartbeat")

// consecutiveFailureThreshold is how many heartbeat failures in a row
// trigger a critical log line. The agent keeps retrying at the same
// interval afterward; there is no backoff, by design (an operator has
// to intervene, since indefinite backoff would mask a dead agent).
const consecutiveFailureThreshold = 5

// TokenPair is an access/refresh JWT pair together with the access
// token's expiry, as returned by enrollment or a refresh call.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	AccessExpiry time.Time
}

// ResourceUsage is the agent's self-reported resource snapshot.
type ResourceUsage struct {
	CPUPercent     float64
	MemPercent     float64
	MemAvailableMB int
	Connections    int
}

// Snapshot returns the agent's current active session count and
// resource usage at the moment a heartbeat is about to be sent.
type Snapshot func() (activeSessions int, usage ResourceUsage)

// Request is what Transport.Heartbeat sends to the server.
type Request struct {
	AgentID        string
	ActiveSessions int
	Resources      ResourceUsage
	Timestamp      time.Time
}

// Transport is the HTTP-facing dependency the loop drives; a concrete
// implementation lives alongside the API client.
type Transport interface {
	Heartbeat(ctx context.Context, accessToken string, req Request) (Result, error)
	Refresh(ctx context.Context, refreshToken string) (TokenPair, error)
}

// Result is what Transport.Heartbeat returns: the agent's queued
// commands plus the active (and, during a CA rotation's overlap
// window, the most recently deactivated) user CA public keys in
// OpenSSH authorized-key format, piggybacked on the same round trip
// so the reverse-SSH verifier can pick up a rotation without waiting
// for a restart.
type Result struct {
	Commands     []types.Command
	CAPublicKeys []string
}

// CommandHandler executes a command the server returned in a
// heartbeat response.
type CommandHandler func(ctx context.Context, cmd types.Command)

// CAKeyHandler is notified with the CA public keys a heartbeat
// response carried, whenever the server included any.
type CAKeyHandler func(caPublicKeys []string)

// Config configures a Loop.
type Config struct {
	AgentID   string
	Transport Transport
	Clock     clockwork.Clock

	// Interval is the heartbeat cadence (default 30s).
	Interval time.Duration
	// RequestTimeout bounds each individual heartbeat/refresh call
	// (default 10s, deliberately less than Interval so a slow
	// request never lets the backlog of due heartbeats grow).
	RequestTimeout time.Duration
	// RefreshSlack is how long before access-token expiry the loop
	// pre-emptively refreshes (default 5m).
	RefreshSlack time.Duration

	Snapshot  Snapshot
	OnCommand CommandHandler
	OnCAKeys  CAKeyHandler
}

func (c *Config) CheckAndSetDefaults() error {
	if c.AgentID == "" {
		return trace.BadParameter("heartbeat: AgentID is required")
	}
	if c.Transport == nil {
		return trace.BadParameter("heartbeat: Transport is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Interval == 0 {
		c.Interval = 30 * time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.RefreshSlack == 0 {
		c.RefreshSlack = 5 * time.Minute
	}
	if c.Snapshot == nil {
		c.Snapshot = func() (int, ResourceUsage) { return 0, ResourceUsage{} }
	}
	if c.OnCommand == nil {
		c.OnCommand = func(context.Context, types.Command) {}
	}
	if c.OnCAKeys == nil {
		c.OnCAKeys = func([]string) {}
	}
	return nil
}

// Loop drives the periodic heartbeat and pre-emptive token refresh.
type Loop struct {
	cfg Config

	mu     sync.Mutex
	tokens TokenPair

	consecutiveFailures int
}

// New builds a Loop seeded with the token pair obtained at enrollment.
func New(cfg Config, initial TokenPair) (*Loop, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Loop{cfg: cfg, tokens: initial}, nil
}

// Tokens returns the current token pair (for the reverse-SSH server
// or other agent components that also need to authenticate).
func (l *Loop) Tokens() TokenPair {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tokens
}

// Run ticks every Interval until ctx is canceled, pre-emptively
// refreshing the access token and then sending one heartbeat per
// tick.
func (l *Loop) Run(ctx context.Context) {
	ticker := l.cfg.Clock.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	l.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			l.tick(ctx)
		}
	}
}

func (l *Loop) tick(ctx context.Context) {
	reqCtx, cancel := context.WithTimeout(ctx, l.cfg.RequestTimeout)
	defer cancel()

	l.maybeRefresh(reqCtx)

	l.mu.Lock()
	accessToken := l.tokens.AccessToken
	l.mu.Unlock()

	sessions, usage := l.cfg.Snapshot()
	result, err := l.cfg.Transport.Heartbeat(reqCtx, accessToken, Request{
		AgentID:        l.cfg.AgentID,
		ActiveSessions: sessions,
		Resources:      usage,
		Timestamp:      l.cfg.Clock.Now(),
	})
	if err != nil {
		l.consecutiveFailures++
		if l.consecutiveFailures >= consecutiveFailureThreshold {
			log.WithError(err).WithField("consecutive_failures", l.consecutiveFailures).
				Error("heartbeat has failed repeatedly, operator intervention likely required")
		} else {
			log.WithError(err).Warn("heartbeat failed")
		}
		return
	}
	l.consecutiveFailures = 0

	for _, cmd := range result.Commands {
		l.cfg.OnCommand(ctx, cmd)
	}
	if len(result.CAPublicKeys) > 0 {
		l.cfg.OnCAKeys(result.CAPublicKeys)
	}
}

func (l *Loop) maybeRefresh(ctx context.Context) {
	l.mu.Lock()
	expiry := l.tokens.AccessExpiry
	refreshToken := l.tokens.RefreshToken
	l.mu.Unlock()

	if l.cfg.Clock.Now().Add(l.cfg.RefreshSlack).Before(expiry) {
		return
	}
	pair, err := l.cfg.Transport.Refresh(ctx, refreshToken)
	if err != nil {
		log.WithError(err).Warn("pre-emptive token refresh failed, will retry on next heartbeat")
		return
	}
	l.mu.Lock()
	l.tokens = pair
	l.mu.Unlock()
}
