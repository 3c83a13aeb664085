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

package types

import "time"

// User is an operator of the control plane. Deactivated, not deleted,
// to preserve audit integrity.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	Active       bool
	UniqueToken  string
	CreatedAt    time.Time
}

// Role is one of the fixed, seeded global roles.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleMaintainer Role = "maintainer"
	RoleViewer     Role = "viewer"
)

// TeamRole is a user's role within a specific team.
type TeamRole string

const (
	TeamRoleOwner  TeamRole = "owner"
	TeamRoleAdmin  TeamRole = "admin"
	TeamRoleMember TeamRole = "member"
	TeamRoleViewer TeamRole = "viewer"
)

// Team groups users and owns resource assignments.
type Team struct {
	ID          string
	Name        string
	Description string
	CreatedBy   string
	Active      bool
	// DefaultShellValiditySec is the team's requested certificate
	// validity for shell sessions; the broker clamps it against the
	// signing CA's MaxValiditySec.
	DefaultShellValiditySec int
}

// TeamMembership binds a user to a team with a team-scoped role.
type TeamMembership struct {
	UserID string
	TeamID string
	Role   TeamRole
}

// ResourceAssignment grants a team a set of permissions over a
// (resource_type, resource_id) tuple, plus the Unix account names the
// grant's members may assume for shell access.
type ResourceAssignment struct {
	ID              string
	TeamID          string
	ResourceType    string
	ResourceID      string
	Permissions     map[string]struct{}
	ShellPrincipals []string
}

// HasPermission reports whether the assignment grants the named permission.
func (r ResourceAssignment) HasPermission(p string) bool {
	_, ok := r.Permissions[p]
	return ok
}

// Capability is an atomic grant emitted by the Permission Evaluator.
type Capability string

const (
	CapRead  Capability = "read"
	CapWrite Capability = "write"
	CapShell Capability = "shell"
	CapAdmin Capability = "admin"
)

// Capabilities is the result of evaluating a user's access to a resource.
type Capabilities struct {
	Caps          map[Capability]struct{}
	IsGlobalAdmin bool
}

// Has reports whether the capability set contains c.
func (c Capabilities) Has(cap Capability) bool {
	if c.Caps == nil {
		return false
	}
	_, ok := c.Caps[cap]
	return ok
}

// NewCapabilities builds a Capabilities set from the given capabilities.
func NewCapabilities(caps ...Capability) Capabilities {
	m := make(map[Capability]struct{}, len(caps))
	for _, c := range caps {
		m[c] = struct{}{}
	}
	return Capabilities{Caps: m}
}

// Union returns the union of two capability sets.
func (c Capabilities) Union(other Capabilities) Capabilities {
	m := make(map[Capability]struct{}, len(c.Caps)+len(other.Caps))
	for k := range c.Caps {
		m[k] = struct{}{}
	}
	for k := range other.Caps {
		m[k] = struct{}{}
	}
	return Capabilities{Caps: m, IsGlobalAdmin: c.IsGlobalAdmin || other.IsGlobalAdmin}
}

// Intersect returns the intersection of two capability sets.
func (c Capabilities) Intersect(other Capabilities) Capabilities {
	m := make(map[Capability]struct{})
	for k := range c.Caps {
		if _, ok := other.Caps[k]; ok {
			m[k] = struct{}{}
		}
	}
	return Capabilities{Caps: m}
}

// AgentStatus is the lifecycle state of an AccessAgent.
type AgentStatus string

const (
	AgentPending     AgentStatus = "pending"
	AgentEnrolled    AgentStatus = "enrolled"
	AgentActive      AgentStatus = "active"
	AgentUnreachable AgentStatus = "unreachable"
	AgentSuspended   AgentStatus = "suspended"
)

// AccessAgent is a reverse-connected host running the access agent.
type AccessAgent struct {
	AgentID           string
	Hostname          string
	PublicIP          string
	SSHPort           int
	EnrollmentKeyHash string
	JWTRefreshTokenID string
	LastHeartbeatAt   time.Time
	Status            AgentStatus
	Capabilities      []string
	ActiveSessions    int
}

// HasCapability reports whether the agent advertises cap among its
// enrollment-time capabilities (e.g. "ssh").
func (a AccessAgent) HasCapability(cap string) bool {
	for _, c := range a.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// EnrollmentKey is a single-use bootstrap secret for agent enrollment.
type EnrollmentKey struct {
	KeyHash     string
	CreatedBy   string
	ExpiresAt   time.Time
	Used        bool
	UsedByAgent string
}

// CAType distinguishes user-facing from host certificate authorities.
type CAType string

const (
	CATypeUser CAType = "user"
	CATypeHost CAType = "host"
)

// SSHCAConfig is a signing authority: its public key and signing
// parameters are relational; the private key lives in the Secrets Store.
type SSHCAConfig struct {
	Name               string
	Type               CAType
	PublicKey          string
	PrivateKeyRef      string
	DefaultValiditySec int
	MaxValiditySec     int
	AllowedPrincipals  []string
	Active             bool
	Serial             uint64
}

// SessionType distinguishes the shell-session flavors the broker mints
// certificates for.
type SessionType string

const (
	SessionSSH      SessionType = "ssh"
	SessionKubectl  SessionType = "kubectl"
	SessionDocker   SessionType = "docker"
	SessionCloudCLI SessionType = "cloud_cli"
)

// ShellSession records one broker-issued shell grant.
type ShellSession struct {
	SessionID     string
	UserID        string
	TeamID        string
	ResourceType  string
	ResourceID    string
	AgentID       string
	SessionType   SessionType
	StartedAt     time.Time
	EndedAt       *time.Time
	ClientIP      string
	RecordingRef  string
	MaxValiditySec int
}

// AuditEvent is an append-only record of a control-plane action.
type AuditEvent struct {
	Timestamp    time.Time
	Actor        string
	Action       string
	ResourceType string
	ResourceID   string
	Outcome      string
	Details      map[string]any
	RequestID    string
}

// UserSession is an issued bearer session token for a logged-in user.
// Only TokenHash is persisted; the plaintext is returned to the
// caller exactly once, at login or refresh time.
type UserSession struct {
	TokenHash string
	UserID    string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// WebhookEvent is a dedup/debug log entry for an inbound provider webhook.
type WebhookEvent struct {
	Source     string
	EventType  string
	ResourceID string
	Payload    []byte
	ReceivedAt time.Time
	Processed  bool
}

// Command is a unit of work the server queues for an agent to execute
// on its next heartbeat response.
type Command struct {
	Type   string
	Params map[string]string
}

const (
	CommandReloadConfig     = "reload_config"
	CommandTerminateSession = "terminate_session"
	CommandShutdown         = "shutdown"
)
