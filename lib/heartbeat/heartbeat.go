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

// Package heartbeat implements the server side of the agent
// heartbeat and command channel: POST /api/v1/agents/heartbeat
// enforces the monotonic-timestamp invariant and hands back the
// agent's queued commands, and a background sweep demotes agents
// that have gone quiet.
package heartbeat

import (
	"context"
	"math/rand"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/penguintechinc/gough/api/types"
)

var log = logrus.WithField(trace.Component, "heartbeat")

// Backend is the subset of lib/backend.Backend the Server needs.
type Backend interface {
	GetAgent(ctx context.Context, agentID string) (types.AccessAgent, error)
	ListAgents(ctx context.Context) ([]types.AccessAgent, error)
	UpdateAgent(ctx context.Context, a types.AccessAgent) error
	EnqueueCommand(ctx context.Context, agentID string, cmd types.Command) error
	DrainCommands(ctx context.Context, agentID string) ([]types.Command, error)
}

// CAKeyLister supplies the user CA public keys piggybacked on each
// heartbeat response so agents pick up a rotation without restarting.
type CAKeyLister interface {
	UserCAPublicKeys(ctx context.Context) ([]string, error)
}

// Config configures a Server.
type Config struct {
	Backend Backend
	Clock   clockwork.Clock

	// CAKeys, if set, is consulted on every heartbeat to include the
	// current user CA public key set in the response. Optional: a
	// deployment that rotates CAs out of band can leave this nil.
	CAKeys CAKeyLister

	// Interval is the heartbeat cadence agents are configured with
	// (default 30s). Missed-heartbeat thresholds are derived from it.
	Interval time.Duration
}

func (c *Config) CheckAndSetDefaults() error {
	if c.Backend == nil {
		return trace.BadParameter("heartbeat: Backend is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Interval == 0 {
		c.Interval = 30 * time.Second
	}
	return nil
}

// ResourceUsage is the agent's self-reported resource snapshot.
type ResourceUsage struct {
	CPUPercent     float64
	MemPercent     float64
	MemAvailableMB int
	Connections    int
}

// Request is the body of POST /api/v1/agents/heartbeat.
type Request struct {
	AgentID       string
	Status        string
	ActiveSessions int
	Resources     ResourceUsage
	Timestamp     time.Time
}

// Response is returned to the agent.
type Response struct {
	Commands     []types.Command
	CAPublicKeys []string
}

// SuspendedError is returned when a suspended agent attempts to
// heartbeat; callers should surface this as HTTP 403.
type SuspendedError struct{ AgentID string }

func (e *SuspendedError) Error() string {
	return "agent " + e.AgentID + " is suspended"
}

// Server processes heartbeats and sweeps for quiet agents.
type Server struct {
	cfg Config
}

// New builds a Server.
func New(cfg Config) (*Server, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Server{cfg: cfg}, nil
}

// Handle processes one heartbeat. A suspended agent's heartbeat is
// rejected with SuspendedError before any state is touched. An
// out-of-order heartbeat (timestamp not after the stored
// last_heartbeat_at) is silently dropped: the agent row is left
// untouched but the command queue is still drained, so an agent that
// briefly reordered requests does not also miss a pending command.
func (s *Server) Handle(ctx context.Context, req Request) (Response, error) {
	agent, err := s.cfg.Backend.GetAgent(ctx, req.AgentID)
	if err != nil {
		return Response{}, trace.Wrap(err)
	}
	if agent.Status == types.AgentSuspended {
		return Response{}, trace.Wrap(&SuspendedError{AgentID: req.AgentID})
	}

	if !req.Timestamp.After(agent.LastHeartbeatAt) {
		log.WithField("agent_id", req.AgentID).Warn("dropped out-of-order heartbeat")
	} else {
		agent.LastHeartbeatAt = req.Timestamp
		agent.ActiveSessions = req.ActiveSessions
		agent.Status = types.AgentActive
		if err := s.cfg.Backend.UpdateAgent(ctx, agent); err != nil {
			return Response{}, trace.Wrap(err, "recording heartbeat")
		}
	}

	cmds, err := s.cfg.Backend.DrainCommands(ctx, req.AgentID)
	if err != nil {
		return Response{}, trace.Wrap(err, "draining command queue")
	}

	var caKeys []string
	if s.cfg.CAKeys != nil {
		caKeys, err = s.cfg.CAKeys.UserCAPublicKeys(ctx)
		if err != nil {
			log.WithError(err).Warn("failed to load CA public keys for heartbeat response")
		}
	}
	return Response{Commands: cmds, CAPublicKeys: caKeys}, nil
}

// Enqueue queues cmd for delivery on the agent's next heartbeat
// response. Used by the shell broker to request session termination
// and by admin actions to request config reload or shutdown.
func (s *Server) Enqueue(ctx context.Context, agentID string, cmd types.Command) error {
	return trace.Wrap(s.cfg.Backend.EnqueueCommand(ctx, agentID, cmd))
}

// jitteredSweepInterval mirrors the orchestrator's jittered-ticker
// pattern: the sweep runs on roughly every heartbeat interval, jittered
// +/-10% so many agents' sweeps don't all wake at once.
func jitteredSweepInterval(base time.Duration) time.Duration {
	if base <= 0 {
		return base
	}
	spread := float64(base) * 0.1
	offset := (rand.Float64()*2 - 1) * spread
	return base + time.Duration(offset)
}

// RunSweep runs the unreachable/suspended demotion sweep until ctx is
// canceled: agents silent for 3x the heartbeat interval are marked
// unreachable, and agents silent for 1h are suspended.
func (s *Server) RunSweep(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.cfg.Clock.After(jitteredSweepInterval(s.cfg.Interval)):
			if err := s.sweepOnce(ctx); err != nil {
				log.WithError(err).Warn("heartbeat sweep failed")
			}
		}
	}
}

func (s *Server) sweepOnce(ctx context.Context) error {
	agents, err := s.cfg.Backend.ListAgents(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	now := s.cfg.Clock.Now()
	unreachableAfter := 3 * s.cfg.Interval
	suspendedAfter := time.Hour

	for _, agent := range agents {
		if agent.Status == types.AgentSuspended || agent.LastHeartbeatAt.IsZero() {
			continue
		}
		silence := now.Sub(agent.LastHeartbeatAt)
		switch {
		case silence >= suspendedAfter:
			if agent.Status != types.AgentSuspended {
				agent.Status = types.AgentSuspended
				if err := s.cfg.Backend.UpdateAgent(ctx, agent); err != nil {
					log.WithError(err).WithField("agent_id", agent.AgentID).Warn("failed to suspend quiet agent")
					continue
				}
				log.WithField("agent_id", agent.AgentID).Warn("agent suspended after 1h of silence")
			}
		case silence >= unreachableAfter:
			if agent.Status != types.AgentUnreachable {
				agent.Status = types.AgentUnreachable
				if err := s.cfg.Backend.UpdateAgent(ctx, agent); err != nil {
					log.WithError(err).WithField("agent_id", agent.AgentID).Warn("failed to mark agent unreachable")
					continue
				}
				log.WithField("agent_id", agent.AgentID).Warn("agent marked unreachable")
			}
		}
	}
	return nil
}
