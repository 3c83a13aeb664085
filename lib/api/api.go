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

// Package api implements the HTTP API facade: an httprouter.Router
// wrapping every other component behind JSON handlers, modeled on the
// APIServer/withAuth/withRate shape of lib/auth/apiserver.go.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/penguintechinc/gough/api/types"
	"github.com/penguintechinc/gough/lib/agentauth"
	"github.com/penguintechinc/gough/lib/api/ratelimit"
	"github.com/penguintechinc/gough/lib/api/ws"
	"github.com/penguintechinc/gough/lib/authz"
	"github.com/penguintechinc/gough/lib/heartbeat"
	"github.com/penguintechinc/gough/lib/orchestrator"
	"github.com/penguintechinc/gough/lib/shellbroker"
	"github.com/penguintechinc/gough/lib/sshca"
	"github.com/penguintechinc/gough/lib/userauth"
)

var log = logrus.WithField(trace.Component, "api")

// Backend is the subset of lib/backend.Backend the API handlers read
// and write directly, independent of what the wired components use
// internally.
type Backend interface {
	CreateUser(ctx context.Context, u types.User) (types.User, error)
	GetUser(ctx context.Context, id string) (types.User, error)
	ListUsers(ctx context.Context) ([]types.User, error)
	UpdateUser(ctx context.Context, u types.User) error
	GetUserRoles(ctx context.Context, userID string) ([]types.Role, error)
	SetUserRoles(ctx context.Context, userID string, roles []types.Role) error

	CreateTeam(ctx context.Context, t types.Team) (types.Team, error)
	GetTeam(ctx context.Context, id string) (types.Team, error)
	ListTeams(ctx context.Context) ([]types.Team, error)
	DeleteTeam(ctx context.Context, id string) error
	GetTeamMembers(ctx context.Context, teamID string) ([]types.TeamMembership, error)
	UpsertTeamMembership(ctx context.Context, m types.TeamMembership) error
	DeleteTeamMembership(ctx context.Context, teamID, userID string) error
	UpsertResourceAssignment(ctx context.Context, a types.ResourceAssignment) (types.ResourceAssignment, error)

	CreateProvider(ctx context.Context, p types.CloudProvider) (types.CloudProvider, error)
	ListProviders(ctx context.Context) ([]types.CloudProvider, error)

	CreateEnrollmentKey(ctx context.Context, k types.EnrollmentKey) error

	GetSession(ctx context.Context, sessionID string) (types.ShellSession, error)
	GetAgent(ctx context.Context, agentID string) (types.AccessAgent, error)

	EmitAudit(ctx context.Context, ev types.AuditEvent) error
}

// Config wires every already-built component into the HTTP facade.
type Config struct {
	Backend      Backend
	Clock        clockwork.Clock
	UserAuth     *userauth.Authenticator
	AgentAuth    *agentauth.Authenticator
	Heartbeat    *heartbeat.Server
	Orchestrator *orchestrator.Orchestrator
	Evaluator    *authz.Evaluator
	CA           *sshca.Authority
	Broker       *shellbroker.Broker
	WS           *ws.Bridge
	// RateLimiter, if non-nil, gates /api/v1/auth/login by client IP.
	RateLimiter *ratelimit.Limiter
}

func (c *Config) CheckAndSetDefaults() error {
	if c.Backend == nil {
		return trace.BadParameter("api: Backend is required")
	}
	if c.UserAuth == nil || c.AgentAuth == nil || c.Heartbeat == nil || c.Orchestrator == nil ||
		c.Evaluator == nil || c.CA == nil || c.Broker == nil || c.WS == nil {
		return trace.BadParameter("api: all components must be wired")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Server is the HTTP API facade.
type Server struct {
	cfg Config
	httprouter.Router
}

// NewServer builds the routed http.Handler for the control plane API.
func NewServer(cfg Config) (http.Handler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	s := &Server{cfg: cfg}
	s.Router = *httprouter.New()

	s.POST("/api/v1/auth/login", s.withRate(s.handleLogin))
	s.POST("/api/v1/auth/refresh", s.handleRefresh)
	s.POST("/api/v1/auth/logout", s.withUser(s.handleLogout))

	s.GET("/api/v1/users", s.withAdmin(s.handleListUsers))
	s.POST("/api/v1/users", s.withAdmin(s.handleCreateUser))
	s.GET("/api/v1/users/:id", s.withAdmin(s.handleGetUser))

	s.POST("/api/v1/teams", s.withAdmin(s.handleCreateTeam))
	s.GET("/api/v1/teams", s.withUser(s.handleListTeams))
	s.GET("/api/v1/teams/:id", s.withUser(s.handleGetTeam))
	s.DELETE("/api/v1/teams/:id", s.withAdmin(s.handleDeleteTeam))
	s.PUT("/api/v1/teams/:id/members/:user_id", s.withTeamAdmin(s.handleUpsertMembership))
	s.DELETE("/api/v1/teams/:id/members/:user_id", s.withTeamAdmin(s.handleDeleteMembership))
	s.PUT("/api/v1/teams/:id/assignments", s.withTeamAdmin(s.handleUpsertAssignment))

	s.GET("/api/v1/clouds/providers", s.withUser(s.handleListProviders))
	s.POST("/api/v1/clouds/providers", s.withAdmin(s.handleCreateProvider))
	s.GET("/api/v1/clouds/providers/:id/machines", s.withUser(s.handleListMachines))
	s.POST("/api/v1/clouds/providers/:id/machines", s.withUser(s.handleCreateMachine))

	s.POST("/api/v1/clouds/machines/:id/start", s.withUser(s.handleMachineLifecycle(s.cfg.Orchestrator.StartMachine)))
	s.POST("/api/v1/clouds/machines/:id/stop", s.withUser(s.handleMachineLifecycle(s.cfg.Orchestrator.StopMachine)))
	s.POST("/api/v1/clouds/machines/:id/reboot", s.withUser(s.handleMachineLifecycle(s.cfg.Orchestrator.RebootMachine)))
	s.POST("/api/v1/clouds/machines/:id/destroy", s.withUser(s.handleMachineLifecycle(s.cfg.Orchestrator.DestroyMachine)))

	s.POST("/api/v1/ssh-ca/sign", s.withAdmin(s.handleSSHCASign))
	s.POST("/api/v1/ssh-ca/rotate", s.withAdmin(s.handleSSHCARotate))

	s.POST("/api/v1/enrollment-keys", s.withAdmin(s.handleCreateEnrollmentKey))
	s.POST("/api/v1/agents/enroll", s.handleAgentEnroll)
	s.POST("/api/v1/agents/refresh", s.handleAgentRefresh)
	s.POST("/api/v1/agents/heartbeat", s.withAgent(s.handleAgentHeartbeat))

	s.POST("/webhooks/maas", s.handleMaasWebhook)

	s.POST("/api/v1/shell/sessions", s.withUser(s.handleOpenShell))
	s.DELETE("/api/v1/shell/sessions/:id", s.withUser(s.handleTerminateShell))
	s.GET("/ws/shell", s.withUser(s.handleShellWebsocket))

	s.GET("/healthz", s.handleHealthz)
	s.GET("/readyz", s.handleReadyz)
	s.Router.Handler(http.MethodGet, "/metrics", promhttp.Handler())

	return s, nil
}

// requestID returns the client-supplied X-Request-ID or mints one.
func requestID(r *http.Request) string {
	if id := r.Header.Get("X-Request-ID"); id != "" {
		return id
	}
	return uuid.NewString()
}

// envelope wraps every JSON response with bookkeeping fields common
// across the teleport API's responses, minus the RPC-specific bits
// that don't apply to a plain REST facade.
type envelope struct {
	RequestID string `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
	Error     string    `json:"error,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	writeJSON(w, status, envelope{RequestID: requestID(r), Timestamp: s.cfg.Clock.Now(), Data: data})
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := classifyError(err)
	id := requestID(r)
	if status >= 500 {
		log.WithError(err).WithField("request_id", id).Warn("api: internal error")
	}
	writeJSON(w, status, envelope{RequestID: id, Timestamp: s.cfg.Clock.Now(), Error: msg})
}

// classifyError maps a trace-wrapped error to an HTTP status and a
// caller-safe message, never leaking unwrapped internal errors.
func classifyError(err error) (int, string) {
	if tokErr, ok := trace.Unwrap(err).(*agentauth.TokenError); ok {
		return http.StatusUnauthorized, tokErr.Message
	}
	if valErr, ok := trace.Unwrap(err).(*sshca.ValidationError); ok {
		return http.StatusBadRequest, valErr.Message
	}
	switch {
	case err == nil:
		return http.StatusOK, ""
	case trace.IsNotFound(err):
		return http.StatusNotFound, trace.UserMessage(err)
	case trace.IsAlreadyExists(err):
		return http.StatusConflict, trace.UserMessage(err)
	case trace.IsAccessDenied(err):
		return http.StatusForbidden, trace.UserMessage(err)
	case trace.IsBadParameter(err):
		return http.StatusBadRequest, trace.UserMessage(err)
	case trace.IsLimitExceeded(err):
		return http.StatusTooManyRequests, trace.UserMessage(err)
	default:
		return http.StatusInternalServerError, "internal error"
	}
}
