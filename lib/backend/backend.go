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

// Package backend defines the Relational Store contract (component B):
// users, roles, teams, assignments, providers, machines, agents,
// sessions, and audit events. Concrete implementations live in
// lib/backend/memory (tests, single-process dev) and
// lib/backend/postgres (production).
package backend

import (
	"context"
	"time"

	"github.com/gravitational/trace"

	"github.com/penguintechinc/gough/api/types"
)

// Backend is the full relational contract the rest of the system is
// built against. Callers depend on this interface, never a concrete
// implementation, so the in-memory backend can stand in for tests.
type Backend interface {
	UserStore
	TeamStore
	ProviderStore
	MachineStore
	AgentStore
	SSHCAStore
	SessionStore
	UserSessionStore
	AuditStore
	WebhookStore
	SecretBlobStore

	// Close releases any held resources (connection pools, etc).
	Close() error
}

// UserStore persists users and their global role grants.
type UserStore interface {
	CreateUser(ctx context.Context, u types.User) (types.User, error)
	GetUserByEmail(ctx context.Context, email string) (types.User, error)
	GetUser(ctx context.Context, id string) (types.User, error)
	ListUsers(ctx context.Context) ([]types.User, error)
	UpdateUser(ctx context.Context, u types.User) error
	GetUserRoles(ctx context.Context, userID string) ([]types.Role, error)
	SetUserRoles(ctx context.Context, userID string, roles []types.Role) error
}

// TeamStore persists teams, memberships, and resource assignments.
type TeamStore interface {
	CreateTeam(ctx context.Context, t types.Team) (types.Team, error)
	GetTeam(ctx context.Context, id string) (types.Team, error)
	ListTeams(ctx context.Context) ([]types.Team, error)
	DeleteTeam(ctx context.Context, id string) error

	GetTeamMemberships(ctx context.Context, userID string) ([]types.TeamMembership, error)
	GetTeamMembers(ctx context.Context, teamID string) ([]types.TeamMembership, error)
	UpsertTeamMembership(ctx context.Context, m types.TeamMembership) error
	DeleteTeamMembership(ctx context.Context, teamID, userID string) error

	ListResourceAssignments(ctx context.Context, teamIDs []string, resourceType, resourceID string) ([]types.ResourceAssignment, error)
	UpsertResourceAssignment(ctx context.Context, a types.ResourceAssignment) (types.ResourceAssignment, error)
}

// ProviderStore persists the cloud provider registry rows.
type ProviderStore interface {
	CreateProvider(ctx context.Context, p types.CloudProvider) (types.CloudProvider, error)
	GetProvider(ctx context.Context, id string) (types.CloudProvider, error)
	ListProviders(ctx context.Context) ([]types.CloudProvider, error)
	ListActiveProviders(ctx context.Context) ([]types.CloudProvider, error)
	UpdateProviderSyncTime(ctx context.Context, id string, at time.Time) error
}

// MachineStore persists the Machine cache. (provider_id, external_id)
// is the natural key: exactly one row per pair.
type MachineStore interface {
	UpsertMachine(ctx context.Context, m types.Machine) (types.Machine, error)
	GetMachine(ctx context.Context, providerID, externalID string) (types.Machine, error)
	ListMachinesByProvider(ctx context.Context, providerID string) ([]types.Machine, error)
	// MarkTerminatedIfMissing sets state=TERMINATED for every machine of
	// providerID whose external ID is not in present, guarded so a
	// concurrent webhook update newer than the sweep is never clobbered.
	MarkTerminatedIfMissing(ctx context.Context, providerID string, present map[string]struct{}, now time.Time) error
	// UpdateMachineIfNewer applies mutable fields only if the incoming
	// updatedAt is not older than the stored row's updated_at.
	UpdateMachineIfNewer(ctx context.Context, m types.Machine) (bool, error)
}

// AgentStore persists access agents and enrollment keys.
type AgentStore interface {
	CreateEnrollmentKey(ctx context.Context, k types.EnrollmentKey) error
	GetEnrollmentKeyByHash(ctx context.Context, hash string) (types.EnrollmentKey, error)
	MarkEnrollmentKeyUsed(ctx context.Context, hash, agentID string) error

	CreateAgent(ctx context.Context, a types.AccessAgent) (types.AccessAgent, error)
	GetAgent(ctx context.Context, agentID string) (types.AccessAgent, error)
	ListAgents(ctx context.Context) ([]types.AccessAgent, error)
	UpdateAgent(ctx context.Context, a types.AccessAgent) error

	EnqueueCommand(ctx context.Context, agentID string, cmd types.Command) error
	DrainCommands(ctx context.Context, agentID string) ([]types.Command, error)
}

// SSHCAStore persists CA configuration rows, including the durable
// serial counter.
type SSHCAStore interface {
	CreateCA(ctx context.Context, ca types.SSHCAConfig) error
	GetActiveCA(ctx context.Context, caType types.CAType) (types.SSHCAConfig, error)
	GetCA(ctx context.Context, name string) (types.SSHCAConfig, error)
	ListCAs(ctx context.Context, caType types.CAType) ([]types.SSHCAConfig, error)
	DeactivateCA(ctx context.Context, name string) error
	// NextSerial atomically increments and returns the CA's serial
	// counter; the increment must be durable before it returns.
	NextSerial(ctx context.Context, caName string) (uint64, error)
}

// SessionStore persists ShellSession rows.
type SessionStore interface {
	CreateSession(ctx context.Context, s types.ShellSession) error
	GetSession(ctx context.Context, sessionID string) (types.ShellSession, error)
	EndSession(ctx context.Context, sessionID string, endedAt time.Time) error
	ListLiveSessions(ctx context.Context) ([]types.ShellSession, error)
	ListLiveSessionsForAgent(ctx context.Context, agentID string) ([]types.ShellSession, error)
}

// UserSessionStore persists bearer session tokens issued at login.
type UserSessionStore interface {
	CreateUserSession(ctx context.Context, s types.UserSession) error
	GetUserSessionByHash(ctx context.Context, tokenHash string) (types.UserSession, error)
	DeleteUserSession(ctx context.Context, tokenHash string) error
}

// AuditStore appends audit events.
type AuditStore interface {
	EmitAudit(ctx context.Context, ev types.AuditEvent) error
}

// WebhookStore records inbound webhooks for dedup.
type WebhookStore interface {
	// RecordWebhook inserts a WebhookEvent; returns (false, nil) without
	// error if an identical (source, event_type, resource_id, received_at)
	// row already exists, so callers can swallow duplicates silently.
	RecordWebhook(ctx context.Context, ev types.WebhookEvent) (inserted bool, err error)
}

// SecretBlobStore persists opaque ciphertext blobs keyed by string,
// backing the lib/secrets/encrypteddb Secrets Store implementation.
type SecretBlobStore interface {
	GetSecretBlob(ctx context.Context, key string) ([]byte, error)
	SetSecretBlob(ctx context.Context, key string, value []byte) error
	DeleteSecretBlob(ctx context.Context, key string) error
	ListSecretBlobs(ctx context.Context, prefix string) ([]string, error)
}

// ErrNotFound is returned by lookups that find nothing; callers should
// prefer trace.IsNotFound over comparing against this value directly.
var ErrNotFound = trace.NotFound("not found")
