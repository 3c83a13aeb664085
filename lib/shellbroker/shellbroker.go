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

// Package shellbroker implements the Shell Session Broker: it
// evaluates permissions, selects a reachable agent, mints a
// short-lived SSH certificate, and records the resulting session for
// the three termination paths (client disconnect, admin-forced, and
// TTL-expiry reap).
package shellbroker

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/penguintechinc/gough/api/types"
	"github.com/penguintechinc/gough/lib/sshca"
)

var log = logrus.WithField(trace.Component, "shellbroker")

// defaultPrincipals is used when a ResourceAssignment carries none.
var defaultPrincipals = []string{"ubuntu"}

// forcedTerminationTimeout bounds how long an admin termination waits
// for the agent to confirm before the session is marked ended anyway.
const forcedTerminationTimeout = 10 * time.Second

// reapInterval is how often the TTL-expiry reaper sweeps for sessions
// whose certificate has outlived its validity without the agent
// reporting a close.
const reapInterval = time.Minute

// Evaluator is the subset of lib/authz.Evaluator the broker needs.
type Evaluator interface {
	Evaluate(ctx context.Context, userID, resourceType, resourceID string) types.Capabilities
	GrantingTeams(ctx context.Context, userID, resourceType, resourceID string, cap types.Capability) []string
}

// CertSigner is the subset of lib/sshca.Authority the broker needs.
type CertSigner interface {
	Sign(ctx context.Context, req sshca.SignRequest) (*ssh.Certificate, error)
	MaxValiditySec(ctx context.Context) (int, error)
}

// CommandQueue is the subset of lib/heartbeat.Server the broker needs
// to request that an agent terminate a live session.
type CommandQueue interface {
	Enqueue(ctx context.Context, agentID string, cmd types.Command) error
}

// Backend is the subset of lib/backend.Backend the broker needs.
type Backend interface {
	GetTeam(ctx context.Context, id string) (types.Team, error)
	ListAgents(ctx context.Context) ([]types.AccessAgent, error)
	ListResourceAssignments(ctx context.Context, teamIDs []string, resourceType, resourceID string) ([]types.ResourceAssignment, error)

	CreateSession(ctx context.Context, s types.ShellSession) error
	GetSession(ctx context.Context, sessionID string) (types.ShellSession, error)
	EndSession(ctx context.Context, sessionID string, endedAt time.Time) error
	ListLiveSessions(ctx context.Context) ([]types.ShellSession, error)

	EmitAudit(ctx context.Context, ev types.AuditEvent) error
}

// Config configures a Broker.
type Config struct {
	Backend   Backend
	Evaluator Evaluator
	CA        CertSigner
	Commands  CommandQueue
	Clock     clockwork.Clock
}

func (c *Config) CheckAndSetDefaults() error {
	if c.Backend == nil {
		return trace.BadParameter("shellbroker: Backend is required")
	}
	if c.Evaluator == nil {
		return trace.BadParameter("shellbroker: Evaluator is required")
	}
	if c.CA == nil {
		return trace.BadParameter("shellbroker: CA is required")
	}
	if c.Commands == nil {
		return trace.BadParameter("shellbroker: Commands is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Broker implements OpenShell and the three termination paths.
type Broker struct {
	cfg Config
}

// New builds a Broker.
func New(cfg Config) (*Broker, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Broker{cfg: cfg}, nil
}

// OpenShellRequest is the input to OpenShell.
type OpenShellRequest struct {
	UserID       string
	UserEmail    string
	ResourceType string
	ResourceID   string
	SessionType  types.SessionType
	PublicKey    ssh.PublicKey
	ClientIP     string
}

// OpenShellResult is returned to the caller on success.
type OpenShellResult struct {
	SessionID   string
	AgentHost   string
	AgentPort   int
	Certificate *ssh.Certificate
	ExpiresAt   time.Time
}

// OpenShell implements the 8-step algorithm: evaluate permissions,
// select an agent, clamp validity, resolve principals, sign, record,
// audit, and return.
func (b *Broker) OpenShell(ctx context.Context, req OpenShellRequest) (OpenShellResult, error) {
	caps := b.cfg.Evaluator.Evaluate(ctx, req.UserID, req.ResourceType, req.ResourceID)
	if !caps.IsGlobalAdmin {
		if _, ok := caps.Caps[types.CapShell]; !ok {
			return OpenShellResult{}, trace.AccessDenied("shellbroker: user %q lacks shell capability on %s/%s", req.UserID, req.ResourceType, req.ResourceID)
		}
	}

	agent, err := b.selectAgent(ctx)
	if err != nil {
		return OpenShellResult{}, trace.Wrap(err)
	}

	// The team used for principal and validity resolution must be one
	// that actually granted shell on this resource, never a team the
	// caller merely names: a client-supplied team_id would let a user
	// with shell via one team borrow a different team's broader
	// shell_principals on the same resource.
	teamID := b.grantingTeam(ctx, req.UserID, req.ResourceType, req.ResourceID)

	var principals []string
	validitySec := 0
	if teamID != "" {
		team, err := b.cfg.Backend.GetTeam(ctx, teamID)
		if err != nil {
			return OpenShellResult{}, trace.Wrap(err, "loading team %q", teamID)
		}
		validitySec = team.DefaultShellValiditySec
		principals = b.resolvePrincipals(ctx, teamID, req.ResourceType, req.ResourceID)
	} else {
		principals = defaultPrincipals
	}
	if validitySec > 0 {
		maxValiditySec, err := b.cfg.CA.MaxValiditySec(ctx)
		if err != nil {
			return OpenShellResult{}, trace.Wrap(err, "loading CA validity ceiling")
		}
		if maxValiditySec > 0 && validitySec > maxValiditySec {
			validitySec = maxValiditySec
		}
	}

	sessionID := uuid.NewString()
	keyID := fmt.Sprintf("%s@%s-%d", req.UserEmail, req.ResourceID, b.cfg.Clock.Now().Unix())

	cert, err := b.cfg.CA.Sign(ctx, sshca.SignRequest{
		PublicKey:   req.PublicKey,
		KeyID:       keyID,
		Principals:  principals,
		ValiditySec: validitySec,
	})
	if err != nil {
		return OpenShellResult{}, trace.Wrap(err, "signing shell certificate")
	}

	now := b.cfg.Clock.Now()
	session := types.ShellSession{
		SessionID:      sessionID,
		UserID:         req.UserID,
		TeamID:         teamID,
		ResourceType:   req.ResourceType,
		ResourceID:     req.ResourceID,
		AgentID:        agent.AgentID,
		SessionType:    req.SessionType,
		StartedAt:      now,
		ClientIP:       req.ClientIP,
		MaxValiditySec: validitySec,
	}
	if err := b.cfg.Backend.CreateSession(ctx, session); err != nil {
		return OpenShellResult{}, trace.Wrap(err, "recording shell session")
	}

	if err := b.cfg.Backend.EmitAudit(ctx, types.AuditEvent{
		Timestamp:    now,
		Actor:        req.UserID,
		Action:       "shell.open",
		ResourceType: req.ResourceType,
		ResourceID:   req.ResourceID,
		Outcome:      "success",
		Details:      map[string]any{"session_id": sessionID, "agent_id": agent.AgentID, "principals": principals},
	}); err != nil {
		log.WithError(err).Warn("failed to emit shell.open audit event")
	}

	expiresAt := time.Unix(int64(cert.ValidBefore), 0)
	return OpenShellResult{
		SessionID:   sessionID,
		AgentHost:   agent.PublicIP,
		AgentPort:   agent.SSHPort,
		Certificate: cert,
		ExpiresAt:   expiresAt,
	}, nil
}

// grantingTeam picks the team whose membership and resource
// assignment actually granted shell capability, per
// authz.Evaluator.GrantingTeams. A global admin, or a member with
// shell via more than one team, has no single canonical grantor; the
// former falls back to the resource's default principals and the CA's
// own default validity, the latter deterministically picks the
// lowest team ID so repeated calls are stable.
func (b *Broker) grantingTeam(ctx context.Context, userID, resourceType, resourceID string) string {
	teams := b.cfg.Evaluator.GrantingTeams(ctx, userID, resourceType, resourceID, types.CapShell)
	if len(teams) == 0 {
		return ""
	}
	return teams[0]
}

// selectAgent picks the least-loaded active agent with ssh capability.
func (b *Broker) selectAgent(ctx context.Context) (types.AccessAgent, error) {
	agents, err := b.cfg.Backend.ListAgents(ctx)
	if err != nil {
		return types.AccessAgent{}, trace.Wrap(err, "listing agents")
	}
	var candidates []types.AccessAgent
	for _, a := range agents {
		if a.Status == types.AgentActive && a.HasCapability("ssh") {
			candidates = append(candidates, a)
		}
	}
	if len(candidates) == 0 {
		return types.AccessAgent{}, trace.NotFound("shellbroker: no active ssh-capable agent is available")
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ActiveSessions < candidates[j].ActiveSessions })
	return candidates[0], nil
}

// ResolvePrincipals exposes resolvePrincipals to callers outside the
// package that need the same resolution without going through
// OpenShell, namely the websocket bridge re-signing a short-lived
// certificate for an already-authorized session.
func (b *Broker) ResolvePrincipals(ctx context.Context, teamID, resourceType, resourceID string) []string {
	return b.resolvePrincipals(ctx, teamID, resourceType, resourceID)
}

// resolvePrincipals returns the Unix accounts the caller may assume on
// the target resource, defaulting to {ubuntu} when the assignment
// carries none.
func (b *Broker) resolvePrincipals(ctx context.Context, teamID, resourceType, resourceID string) []string {
	assignments, err := b.cfg.Backend.ListResourceAssignments(ctx, []string{teamID}, resourceType, resourceID)
	if err != nil {
		log.WithError(err).Warn("failed to load resource assignment for principal resolution, using default")
		return defaultPrincipals
	}
	for _, a := range assignments {
		if len(a.ShellPrincipals) > 0 {
			return a.ShellPrincipals
		}
	}
	return defaultPrincipals
}

// TerminateSession implements admin-forced termination: it enqueues a
// terminate_session command for the owning agent and marks the
// session ended once forcedTerminationTimeout has elapsed, or returns
// early if ctx is cancelled first.
func (b *Broker) TerminateSession(ctx context.Context, sessionID string) error {
	session, err := b.cfg.Backend.GetSession(ctx, sessionID)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := b.cfg.Commands.Enqueue(ctx, session.AgentID, types.Command{
		Type:   types.CommandTerminateSession,
		Params: map[string]string{"session_id": sessionID},
	}); err != nil {
		return trace.Wrap(err, "enqueuing terminate_session command")
	}

	timer := b.cfg.Clock.NewTimer(forcedTerminationTimeout)
	defer timer.Stop()
	select {
	case <-timer.Chan():
	case <-ctx.Done():
	}
	return trace.Wrap(b.endSessionIfLive(ctx, sessionID, "admin_terminated"))
}

// ReportDisconnect implements client-disconnect termination: the
// agent's heartbeat reports a session that is no longer active.
func (b *Broker) ReportDisconnect(ctx context.Context, sessionID string) error {
	return trace.Wrap(b.endSessionIfLive(ctx, sessionID, "client_disconnect"))
}

func (b *Broker) endSessionIfLive(ctx context.Context, sessionID, reason string) error {
	session, err := b.cfg.Backend.GetSession(ctx, sessionID)
	if err != nil {
		return trace.Wrap(err)
	}
	if session.EndedAt != nil {
		return nil
	}
	now := b.cfg.Clock.Now()
	if err := b.cfg.Backend.EndSession(ctx, sessionID, now); err != nil {
		return trace.Wrap(err)
	}
	if err := b.cfg.Backend.EmitAudit(ctx, types.AuditEvent{
		Timestamp:    now,
		Action:       "shell.close",
		ResourceType: session.ResourceType,
		ResourceID:   session.ResourceID,
		Outcome:      "success",
		Details:      map[string]any{"session_id": sessionID, "reason": reason},
	}); err != nil {
		log.WithError(err).Warn("failed to emit shell.close audit event")
	}
	return nil
}

// RunReaper sweeps live sessions whose certificate validity has
// elapsed and ends them, covering the TTL-expiry path for sessions
// whose agent never reported a close (e.g. the agent process died).
func (b *Broker) RunReaper(ctx context.Context) {
	ticker := b.cfg.Clock.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if err := b.reapOnce(ctx); err != nil {
				log.WithError(err).Warn("shell session reap pass failed")
			}
		}
	}
}

func (b *Broker) reapOnce(ctx context.Context) error {
	sessions, err := b.cfg.Backend.ListLiveSessions(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	now := b.cfg.Clock.Now()
	for _, s := range sessions {
		deadline := s.StartedAt.Add(time.Duration(s.MaxValiditySec) * time.Second)
		if now.Before(deadline) {
			continue
		}
		if err := b.endSessionIfLive(ctx, s.SessionID, "ttl_expired"); err != nil {
			log.WithError(err).WithField("session_id", s.SessionID).Warn("failed to reap expired session")
		}
	}
	return nil
}
