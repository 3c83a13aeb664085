/*
Copyright 2024 The Gough Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package shellbroker

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/penguintechinc/gough/api/types"
	"github.com/penguintechinc/gough/lib/backend/memory"
	"github.com/penguintechinc/gough/lib/sshca"
)

type fakeEvaluator struct {
	caps          types.Capabilities
	grantingTeams []string
}

func (f *fakeEvaluator) Evaluate(ctx context.Context, userID, resourceType, resourceID string) types.Capabilities {
	return f.caps
}

func (f *fakeEvaluator) GrantingTeams(ctx context.Context, userID, resourceType, resourceID string, cap types.Capability) []string {
	return f.grantingTeams
}

type fakeSigner struct {
	lastReq                 sshca.SignRequest
	validAfter, validBefore uint64
	maxValiditySec          int
}

func (f *fakeSigner) Sign(ctx context.Context, req sshca.SignRequest) (*ssh.Certificate, error) {
	f.lastReq = req
	return &ssh.Certificate{
		KeyId:           req.KeyID,
		ValidPrincipals: req.Principals,
		ValidAfter:      f.validAfter,
		ValidBefore:     f.validBefore,
	}, nil
}

func (f *fakeSigner) MaxValiditySec(ctx context.Context) (int, error) {
	return f.maxValiditySec, nil
}

type fakeCommands struct {
	enqueued []types.Command
}

func (f *fakeCommands) Enqueue(ctx context.Context, agentID string, cmd types.Command) error {
	f.enqueued = append(f.enqueued, cmd)
	return nil
}

func setupBroker(t *testing.T, clock clockwork.Clock, caps types.Capabilities, grantingTeams ...string) (*Broker, *memory.Backend, *fakeCommands) {
	t.Helper()
	b := memory.New(clock)
	cmds := &fakeCommands{}
	signer := &fakeSigner{validAfter: uint64(clock.Now().Unix()), validBefore: uint64(clock.Now().Add(time.Hour).Unix())}

	broker, err := New(Config{
		Backend:   b,
		Evaluator: &fakeEvaluator{caps: caps, grantingTeams: grantingTeams},
		CA:        signer,
		Commands:  cmds,
		Clock:     clock,
	})
	require.NoError(t, err)
	return broker, b, cmds
}

func TestOpenShellDeniedWithoutShellCapability(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	broker, _, _ := setupBroker(t, clock, types.Capabilities{})

	_, err := broker.OpenShell(ctx, OpenShellRequest{UserID: "user-1", ResourceType: "machine", ResourceID: "m-1"})
	require.Error(t, err)
}

func TestOpenShellSelectsLeastLoadedAgentAndRecordsSession(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	b := memory.New(clock)
	team, err := b.CreateTeam(ctx, types.Team{Name: "ops"})
	require.NoError(t, err)
	broker := newTestBroker(t, b, clock, types.NewCapabilities(types.CapShell), team.ID)

	_, err = b.CreateAgent(ctx, types.AccessAgent{AgentID: "busy", Status: types.AgentActive, Capabilities: []string{"ssh"}, ActiveSessions: 5, PublicIP: "10.0.0.1", SSHPort: 2222})
	require.NoError(t, err)
	_, err = b.CreateAgent(ctx, types.AccessAgent{AgentID: "idle", Status: types.AgentActive, Capabilities: []string{"ssh"}, ActiveSessions: 1, PublicIP: "10.0.0.2", SSHPort: 2222})
	require.NoError(t, err)

	res, err := broker.OpenShell(ctx, OpenShellRequest{
		UserID:       "user-1",
		UserEmail:    "user@example.com",
		ResourceType: "machine",
		ResourceID:   "m-1",
	})
	require.NoError(t, err)
	require.Equal(t, "10.0.0.2", res.AgentHost)
	require.NotEmpty(t, res.SessionID)

	session, err := b.GetSession(ctx, res.SessionID)
	require.NoError(t, err)
	require.Equal(t, "idle", session.AgentID)
	require.Equal(t, team.ID, session.TeamID)
	require.Nil(t, session.EndedAt)
}

func TestOpenShellFallsBackToDefaultPrincipal(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	broker, b, _ := setupBroker(t, clock, types.NewCapabilities(types.CapShell))

	_, err := b.CreateAgent(ctx, types.AccessAgent{AgentID: "a1", Status: types.AgentActive, Capabilities: []string{"ssh"}})
	require.NoError(t, err)

	// No team granted the caller shell, so OpenShell must still
	// succeed using the default principal and the CA's own validity
	// rather than dereferencing a client-supplied team.
	_, err = broker.OpenShell(ctx, OpenShellRequest{UserID: "user-1", ResourceType: "machine", ResourceID: "m-1"})
	require.NoError(t, err)
}

func TestOpenShellIgnoresNonGrantingTeamMembership(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	b := memory.New(clock)
	cmds := &fakeCommands{}
	signer := &fakeSigner{validAfter: uint64(clock.Now().Unix()), validBefore: uint64(clock.Now().Add(time.Hour).Unix())}

	rootTeam, err := b.CreateTeam(ctx, types.Team{Name: "root-team", DefaultShellValiditySec: 60})
	require.NoError(t, err)
	_, err = b.UpsertResourceAssignment(ctx, types.ResourceAssignment{TeamID: rootTeam.ID, ResourceType: "machine", ResourceID: "m-1", ShellPrincipals: []string{"root"}})
	require.NoError(t, err)
	_, err = b.CreateAgent(ctx, types.AccessAgent{AgentID: "a1", Status: types.AgentActive, Capabilities: []string{"ssh"}})
	require.NoError(t, err)

	// The caller's actual grant came from a different team than
	// rootTeam: GrantingTeams (stubbed here to name no team at all)
	// must be what the broker trusts, never a
	// client-supplied field, so it falls back to defaultPrincipals
	// instead of rootTeam's broader "root" grant.
	broker, err := New(Config{
		Backend:   b,
		Evaluator: &fakeEvaluator{caps: types.NewCapabilities(types.CapShell), grantingTeams: nil},
		CA:        signer,
		Commands:  cmds,
		Clock:     clock,
	})
	require.NoError(t, err)

	res, err := broker.OpenShell(ctx, OpenShellRequest{UserID: "user-1", ResourceType: "machine", ResourceID: "m-1"})
	require.NoError(t, err)
	require.Equal(t, defaultPrincipals, signer.lastReq.Principals)
	require.NotContains(t, signer.lastReq.Principals, "root")
	_ = res
}

func newTestBroker(t *testing.T, b *memory.Backend, clock clockwork.Clock, caps types.Capabilities, grantingTeams ...string) *Broker {
	t.Helper()
	broker, err := New(Config{
		Backend:   b,
		Evaluator: &fakeEvaluator{caps: caps, grantingTeams: grantingTeams},
		CA:        &fakeSigner{validAfter: uint64(clock.Now().Unix()), validBefore: uint64(clock.Now().Add(time.Hour).Unix())},
		Commands:  &fakeCommands{},
		Clock:     clock,
	})
	require.NoError(t, err)
	return broker
}

func TestTerminateSessionEndsAfterForcedTimeout(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	broker, b, cmds := setupBroker(t, clock, types.NewCapabilities(types.CapShell))

	require.NoError(t, b.CreateSession(ctx, types.ShellSession{SessionID: "s1", AgentID: "a1", StartedAt: clock.Now(), MaxValiditySec: 3600}))

	done := make(chan error, 1)
	go func() { done <- broker.TerminateSession(ctx, "s1") }()

	clock.BlockUntil(1)
	clock.Advance(forcedTerminationTimeout)
	require.NoError(t, <-done)

	require.Len(t, cmds.enqueued, 1)
	require.Equal(t, types.CommandTerminateSession, cmds.enqueued[0].Type)

	session, err := b.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, session.EndedAt)
}

func TestReapOnceEndsExpiredSessions(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	broker, b, _ := setupBroker(t, clock, types.Capabilities{})

	require.NoError(t, b.CreateSession(ctx, types.ShellSession{SessionID: "s1", AgentID: "a1", StartedAt: clock.Now(), MaxValiditySec: 60}))

	clock.Advance(2 * time.Minute)
	require.NoError(t, broker.reapOnce(ctx))

	session, err := b.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, session.EndedAt)
}
