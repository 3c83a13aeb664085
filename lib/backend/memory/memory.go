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

// Package memory is an in-process implementation of lib/backend.Backend,
// used by tests and single-process development deployments.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/penguintechinc/gough/api/types"
	"github.com/penguintechinc/gough/lib/backend"
)

// Backend is a mutex-guarded, map-based Backend implementation.
type Backend struct {
	mu sync.Mutex

	clock clockwork.Clock

	users       map[string]types.User // by id
	usersByMail map[string]string     // email -> id
	userRoles   map[string][]types.Role

	teams       map[string]types.Team
	memberships map[string]map[string]types.TeamMembership // teamID -> userID -> membership
	assignments map[string]types.ResourceAssignment         // id -> assignment

	providers map[string]types.CloudProvider

	machines map[string]types.Machine // key: providerID+"/"+externalID

	agents          map[string]types.AccessAgent
	enrollmentKeys  map[string]types.EnrollmentKey // hash -> key
	commandQueues   map[string][]types.Command

	cas map[string]types.SSHCAConfig // name -> config

	sessions map[string]types.ShellSession

	userSessions map[string]types.UserSession // tokenHash -> session

	audit    []types.AuditEvent
	webhooks map[string]types.WebhookEvent

	secrets map[string][]byte

	seq int
}

// New returns an empty in-memory backend.
func New(clock clockwork.Clock) *Backend {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Backend{
		clock:          clock,
		users:          make(map[string]types.User),
		usersByMail:    make(map[string]string),
		userRoles:      make(map[string][]types.Role),
		teams:          make(map[string]types.Team),
		memberships:    make(map[string]map[string]types.TeamMembership),
		assignments:    make(map[string]types.ResourceAssignment),
		providers:      make(map[string]types.CloudProvider),
		machines:       make(map[string]types.Machine),
		agents:         make(map[string]types.AccessAgent),
		enrollmentKeys: make(map[string]types.EnrollmentKey),
		commandQueues:  make(map[string][]types.Command),
		cas:            make(map[string]types.SSHCAConfig),
		sessions:       make(map[string]types.ShellSession),
		userSessions:   make(map[string]types.UserSession),
		webhooks:       make(map[string]types.WebhookEvent),
		secrets:        make(map[string][]byte),
	}
}

func (b *Backend) nextID(prefix string) string {
	b.seq++
	return fmt.Sprintf("%s-%d", prefix, b.seq)
}

func machineKey(providerID, externalID string) string {
	return providerID + "/" + externalID
}

// Close is a no-op for the in-memory backend.
func (b *Backend) Close() error { return nil }

// --- UserStore ---

func (b *Backend) CreateUser(ctx context.Context, u types.User) (types.User, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	email := strings.ToLower(u.Email)
	if _, ok := b.usersByMail[email]; ok {
		return types.User{}, trace.AlreadyExists("user %q already exists", u.Email)
	}
	if u.ID == "" {
		u.ID = b.nextID("user")
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = b.clock.Now()
	}
	b.users[u.ID] = u
	b.usersByMail[email] = u.ID
	return u, nil
}

func (b *Backend) GetUserByEmail(ctx context.Context, email string) (types.User, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.usersByMail[strings.ToLower(email)]
	if !ok {
		return types.User{}, trace.NotFound("user %q not found", email)
	}
	return b.users[id], nil
}

func (b *Backend) GetUser(ctx context.Context, id string) (types.User, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	u, ok := b.users[id]
	if !ok {
		return types.User{}, trace.NotFound("user %q not found", id)
	}
	return u, nil
}

func (b *Backend) ListUsers(ctx context.Context) ([]types.User, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]types.User, 0, len(b.users))
	for _, u := range b.users {
		out = append(out, u)
	}
	return out, nil
}

func (b *Backend) UpdateUser(ctx context.Context, u types.User) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.users[u.ID]; !ok {
		return trace.NotFound("user %q not found", u.ID)
	}
	b.users[u.ID] = u
	return nil
}

func (b *Backend) GetUserRoles(ctx context.Context, userID string) ([]types.Role, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]types.Role{}, b.userRoles[userID]...), nil
}

func (b *Backend) SetUserRoles(ctx context.Context, userID string, roles []types.Role) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.userRoles[userID] = append([]types.Role{}, roles...)
	return nil
}

// --- TeamStore ---

func (b *Backend) CreateTeam(ctx context.Context, t types.Team) (types.Team, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t.ID == "" {
		t.ID = b.nextID("team")
	}
	t.Active = true
	if t.DefaultShellValiditySec == 0 {
		t.DefaultShellValiditySec = 3600
	}
	b.teams[t.ID] = t
	b.memberships[t.ID] = make(map[string]types.TeamMembership)
	return t, nil
}

func (b *Backend) GetTeam(ctx context.Context, id string) (types.Team, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.teams[id]
	if !ok {
		return types.Team{}, trace.NotFound("team %q not found", id)
	}
	return t, nil
}

func (b *Backend) ListTeams(ctx context.Context) ([]types.Team, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]types.Team, 0, len(b.teams))
	for _, t := range b.teams {
		out = append(out, t)
	}
	return out, nil
}

func (b *Backend) DeleteTeam(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.teams[id]; !ok {
		return trace.NotFound("team %q not found", id)
	}
	delete(b.teams, id)
	delete(b.memberships, id)
	return nil
}

func (b *Backend) GetTeamMemberships(ctx context.Context, userID string) ([]types.TeamMembership, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []types.TeamMembership
	for _, members := range b.memberships {
		if m, ok := members[userID]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func (b *Backend) GetTeamMembers(ctx context.Context, teamID string) ([]types.TeamMembership, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	members, ok := b.memberships[teamID]
	if !ok {
		return nil, nil
	}
	out := make([]types.TeamMembership, 0, len(members))
	for _, m := range members {
		out = append(out, m)
	}
	return out, nil
}

func (b *Backend) UpsertTeamMembership(ctx context.Context, m types.TeamMembership) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.teams[m.TeamID]; !ok {
		return trace.NotFound("team %q not found", m.TeamID)
	}
	if b.memberships[m.TeamID] == nil {
		b.memberships[m.TeamID] = make(map[string]types.TeamMembership)
	}
	b.memberships[m.TeamID][m.UserID] = m
	return nil
}

func (b *Backend) DeleteTeamMembership(ctx context.Context, teamID, userID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	members := b.memberships[teamID]
	if members == nil {
		return trace.NotFound("membership not found")
	}
	existing, ok := members[userID]
	if !ok {
		return trace.NotFound("membership not found")
	}
	if existing.Role == types.TeamRoleOwner {
		owners := 0
		for _, m := range members {
			if m.Role == types.TeamRoleOwner {
				owners++
			}
		}
		if owners <= 1 {
			return trace.BadParameter("team %q must retain at least one owner", teamID)
		}
	}
	delete(members, userID)
	return nil
}

func (b *Backend) ListResourceAssignments(ctx context.Context, teamIDs []string, resourceType, resourceID string) ([]types.ResourceAssignment, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	want := make(map[string]struct{}, len(teamIDs))
	for _, id := range teamIDs {
		want[id] = struct{}{}
	}
	var out []types.ResourceAssignment
	for _, a := range b.assignments {
		if _, ok := want[a.TeamID]; !ok {
			continue
		}
		if a.ResourceType != resourceType || a.ResourceID != resourceID {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (b *Backend) UpsertResourceAssignment(ctx context.Context, a types.ResourceAssignment) (types.ResourceAssignment, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if a.ID == "" {
		a.ID = b.nextID("assignment")
	}
	b.assignments[a.ID] = a
	return a, nil
}

// --- ProviderStore ---

func (b *Backend) CreateProvider(ctx context.Context, p types.CloudProvider) (types.CloudProvider, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p.ID == "" {
		p.ID = b.nextID("provider")
	}
	b.providers[p.ID] = p
	return p, nil
}

func (b *Backend) GetProvider(ctx context.Context, id string) (types.CloudProvider, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.providers[id]
	if !ok {
		return types.CloudProvider{}, trace.NotFound("provider %q not found", id)
	}
	return p, nil
}

func (b *Backend) ListProviders(ctx context.Context) ([]types.CloudProvider, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]types.CloudProvider, 0, len(b.providers))
	for _, p := range b.providers {
		out = append(out, p)
	}
	return out, nil
}

func (b *Backend) ListActiveProviders(ctx context.Context) ([]types.CloudProvider, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []types.CloudProvider
	for _, p := range b.providers {
		if p.Active {
			out = append(out, p)
		}
	}
	return out, nil
}

func (b *Backend) UpdateProviderSyncTime(ctx context.Context, id string, at time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.providers[id]
	if !ok {
		return trace.NotFound("provider %q not found", id)
	}
	p.LastSyncAt = at
	b.providers[id] = p
	return nil
}

// --- MachineStore ---

func (b *Backend) UpsertMachine(ctx context.Context, m types.Machine) (types.Machine, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := machineKey(m.ProviderID, m.ExternalID)
	if existing, ok := b.machines[key]; ok {
		m.CreatedAt = existing.CreatedAt
	} else if m.CreatedAt.IsZero() {
		m.CreatedAt = b.clock.Now()
	}
	if m.ID == "" {
		m.ID = b.nextID("machine")
	}
	m.UpdatedAt = b.clock.Now()
	b.machines[key] = m
	return m, nil
}

func (b *Backend) GetMachine(ctx context.Context, providerID, externalID string) (types.Machine, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.machines[machineKey(providerID, externalID)]
	if !ok {
		return types.Machine{}, trace.NotFound("machine %q not found", externalID)
	}
	return m, nil
}

func (b *Backend) ListMachinesByProvider(ctx context.Context, providerID string) ([]types.Machine, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []types.Machine
	prefix := providerID + "/"
	for k, m := range b.machines {
		if strings.HasPrefix(k, prefix) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (b *Backend) MarkTerminatedIfMissing(ctx context.Context, providerID string, present map[string]struct{}, now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	prefix := providerID + "/"
	for k, m := range b.machines {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if _, ok := present[m.ExternalID]; ok {
			continue
		}
		if m.State == types.StateTerminated {
			continue
		}
		if m.UpdatedAt.After(now) {
			continue
		}
		m.State = types.StateTerminated
		m.UpdatedAt = now
		b.machines[k] = m
	}
	return nil
}

func (b *Backend) UpdateMachineIfNewer(ctx context.Context, m types.Machine) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := machineKey(m.ProviderID, m.ExternalID)
	existing, ok := b.machines[key]
	if ok && !m.UpdatedAt.After(existing.UpdatedAt) {
		return false, nil
	}
	if ok {
		m.CreatedAt = existing.CreatedAt
		m.ID = existing.ID
	} else if m.ID == "" {
		m.ID = b.nextID("machine")
	}
	b.machines[key] = m
	return true, nil
}

// --- AgentStore ---

func (b *Backend) CreateEnrollmentKey(ctx context.Context, k types.EnrollmentKey) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.enrollmentKeys[k.KeyHash]; ok {
		return trace.AlreadyExists("enrollment key already exists")
	}
	b.enrollmentKeys[k.KeyHash] = k
	return nil
}

func (b *Backend) GetEnrollmentKeyByHash(ctx context.Context, hash string) (types.EnrollmentKey, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	k, ok := b.enrollmentKeys[hash]
	if !ok {
		return types.EnrollmentKey{}, trace.NotFound("enrollment key not found")
	}
	return k, nil
}

func (b *Backend) MarkEnrollmentKeyUsed(ctx context.Context, hash, agentID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	k, ok := b.enrollmentKeys[hash]
	if !ok {
		return trace.NotFound("enrollment key not found")
	}
	k.Used = true
	k.UsedByAgent = agentID
	b.enrollmentKeys[hash] = k
	return nil
}

func (b *Backend) CreateAgent(ctx context.Context, a types.AccessAgent) (types.AccessAgent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.agents[a.AgentID]; ok {
		return types.AccessAgent{}, trace.AlreadyExists("agent %q already exists", a.AgentID)
	}
	b.agents[a.AgentID] = a
	return a, nil
}

func (b *Backend) GetAgent(ctx context.Context, agentID string) (types.AccessAgent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.agents[agentID]
	if !ok {
		return types.AccessAgent{}, trace.NotFound("agent %q not found", agentID)
	}
	return a, nil
}

func (b *Backend) ListAgents(ctx context.Context) ([]types.AccessAgent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]types.AccessAgent, 0, len(b.agents))
	for _, a := range b.agents {
		out = append(out, a)
	}
	return out, nil
}

func (b *Backend) UpdateAgent(ctx context.Context, a types.AccessAgent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.agents[a.AgentID]; !ok {
		return trace.NotFound("agent %q not found", a.AgentID)
	}
	b.agents[a.AgentID] = a
	return nil
}

func (b *Backend) EnqueueCommand(ctx context.Context, agentID string, cmd types.Command) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.commandQueues[agentID] = append(b.commandQueues[agentID], cmd)
	return nil
}

func (b *Backend) DrainCommands(ctx context.Context, agentID string) ([]types.Command, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cmds := b.commandQueues[agentID]
	delete(b.commandQueues, agentID)
	return cmds, nil
}

// --- SSHCAStore ---

func (b *Backend) CreateCA(ctx context.Context, ca types.SSHCAConfig) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.cas[ca.Name]; ok {
		return trace.AlreadyExists("CA %q already exists", ca.Name)
	}
	b.cas[ca.Name] = ca
	return nil
}

func (b *Backend) GetActiveCA(ctx context.Context, caType types.CAType) (types.SSHCAConfig, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ca := range b.cas {
		if ca.Type == caType && ca.Active {
			return ca, nil
		}
	}
	return types.SSHCAConfig{}, trace.NotFound("no active %s CA", caType)
}

func (b *Backend) GetCA(ctx context.Context, name string) (types.SSHCAConfig, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ca, ok := b.cas[name]
	if !ok {
		return types.SSHCAConfig{}, trace.NotFound("CA %q not found", name)
	}
	return ca, nil
}

func (b *Backend) ListCAs(ctx context.Context, caType types.CAType) ([]types.SSHCAConfig, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []types.SSHCAConfig
	for _, ca := range b.cas {
		if ca.Type == caType {
			out = append(out, ca)
		}
	}
	return out, nil
}

func (b *Backend) DeactivateCA(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	ca, ok := b.cas[name]
	if !ok {
		return trace.NotFound("CA %q not found", name)
	}
	ca.Active = false
	b.cas[name] = ca
	return nil
}

func (b *Backend) NextSerial(ctx context.Context, caName string) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ca, ok := b.cas[caName]
	if !ok {
		return 0, trace.NotFound("CA %q not found", caName)
	}
	ca.Serial++
	b.cas[caName] = ca
	return ca.Serial, nil
}

// --- SessionStore ---

func (b *Backend) CreateSession(ctx context.Context, s types.ShellSession) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.sessions[s.SessionID]; ok {
		return trace.AlreadyExists("session %q already exists", s.SessionID)
	}
	b.sessions[s.SessionID] = s
	return nil
}

func (b *Backend) GetSession(ctx context.Context, sessionID string) (types.ShellSession, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[sessionID]
	if !ok {
		return types.ShellSession{}, trace.NotFound("session %q not found", sessionID)
	}
	return s, nil
}

func (b *Backend) EndSession(ctx context.Context, sessionID string, endedAt time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[sessionID]
	if !ok {
		return trace.NotFound("session %q not found", sessionID)
	}
	if s.EndedAt != nil {
		return nil
	}
	s.EndedAt = &endedAt
	b.sessions[sessionID] = s
	return nil
}

func (b *Backend) ListLiveSessions(ctx context.Context) ([]types.ShellSession, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []types.ShellSession
	for _, s := range b.sessions {
		if s.EndedAt == nil {
			out = append(out, s)
		}
	}
	return out, nil
}

func (b *Backend) ListLiveSessionsForAgent(ctx context.Context, agentID string) ([]types.ShellSession, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []types.ShellSession
	for _, s := range b.sessions {
		if s.EndedAt == nil && s.AgentID == agentID {
			out = append(out, s)
		}
	}
	return out, nil
}

// --- UserSessionStore ---

func (b *Backend) CreateUserSession(ctx context.Context, s types.UserSession) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.userSessions[s.TokenHash] = s
	return nil
}

func (b *Backend) GetUserSessionByHash(ctx context.Context, tokenHash string) (types.UserSession, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.userSessions[tokenHash]
	if !ok {
		return types.UserSession{}, trace.NotFound("session not found")
	}
	return s, nil
}

func (b *Backend) DeleteUserSession(ctx context.Context, tokenHash string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.userSessions, tokenHash)
	return nil
}

// --- AuditStore ---

func (b *Backend) EmitAudit(ctx context.Context, ev types.AuditEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.audit = append(b.audit, ev)
	return nil
}

// Audit returns a snapshot of recorded audit events; test helper only.
func (b *Backend) Audit() []types.AuditEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]types.AuditEvent{}, b.audit...)
}

// --- WebhookStore ---

func (b *Backend) RecordWebhook(ctx context.Context, ev types.WebhookEvent) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := fmt.Sprintf("%s/%s/%s/%d", ev.Source, ev.EventType, ev.ResourceID, ev.ReceivedAt.UnixNano())
	if _, ok := b.webhooks[key]; ok {
		return false, nil
	}
	b.webhooks[key] = ev
	return true, nil
}

// --- SecretBlobStore ---

func (b *Backend) GetSecretBlob(ctx context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.secrets[key]
	if !ok {
		return nil, trace.NotFound("secret %q not found", key)
	}
	return append([]byte{}, v...), nil
}

func (b *Backend) SetSecretBlob(ctx context.Context, key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.secrets[key] = append([]byte{}, value...)
	return nil
}

func (b *Backend) DeleteSecretBlob(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.secrets, key)
	return nil
}

func (b *Backend) ListSecretBlobs(ctx context.Context, prefix string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for k := range b.secrets {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

var _ backend.Backend = (*Backend)(nil)
