/*
Copyright 2024 The Gough Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package authz

import (
	"context"
	"sort"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/penguintechinc/gough/api/types"
	"github.com/penguintechinc/gough/lib/backend/memory"
)

func setup(t *testing.T) (*memory.Backend, context.Context) {
	t.Helper()
	return memory.New(clockwork.NewFakeClock()), context.Background()
}

func TestGlobalAdminShortCircuits(t *testing.T) {
	b, ctx := setup(t)
	u, err := b.CreateUser(ctx, types.User{Email: "admin@example.com"})
	require.NoError(t, err)
	require.NoError(t, b.SetUserRoles(ctx, u.ID, []types.Role{types.RoleAdmin}))

	caps := NewEvaluator(b).Evaluate(ctx, u.ID, "machine", "anything")
	require.True(t, caps.IsGlobalAdmin)
	require.True(t, caps.Has(types.CapAdmin))
	require.True(t, caps.Has(types.CapShell))
}

func TestNoMembershipIsEmpty(t *testing.T) {
	b, ctx := setup(t)
	u, err := b.CreateUser(ctx, types.User{Email: "nobody@example.com"})
	require.NoError(t, err)

	caps := NewEvaluator(b).Evaluate(ctx, u.ID, "machine", "m-1")
	require.False(t, caps.IsGlobalAdmin)
	require.False(t, caps.Has(types.CapRead))
}

func TestMemberCannotExceedSeedEvenWithShellAssignment(t *testing.T) {
	b, ctx := setup(t)
	u, err := b.CreateUser(ctx, types.User{Email: "member@example.com"})
	require.NoError(t, err)
	owner, err := b.CreateUser(ctx, types.User{Email: "owner@example.com"})
	require.NoError(t, err)
	team, err := b.CreateTeam(ctx, types.Team{Name: "infra", CreatedBy: owner.ID})
	require.NoError(t, err)
	require.NoError(t, b.UpsertTeamMembership(ctx, types.TeamMembership{TeamID: team.ID, UserID: u.ID, Role: types.TeamRoleMember}))

	_, err = b.UpsertResourceAssignment(ctx, types.ResourceAssignment{
		TeamID: team.ID, ResourceType: "machine", ResourceID: "m-1",
		Permissions: map[string]struct{}{"read": {}, "shell": {}},
	})
	require.NoError(t, err)

	caps := NewEvaluator(b).Evaluate(ctx, u.ID, "machine", "m-1")
	require.True(t, caps.Has(types.CapRead))
	require.False(t, caps.Has(types.CapShell), "member role ceiling is read-only regardless of assignment")
}

func TestOwnerGetsExplicitShellGrant(t *testing.T) {
	b, ctx := setup(t)
	u, err := b.CreateUser(ctx, types.User{Email: "owner2@example.com"})
	require.NoError(t, err)
	team, err := b.CreateTeam(ctx, types.Team{Name: "infra2", CreatedBy: u.ID})
	require.NoError(t, err)
	require.NoError(t, b.UpsertTeamMembership(ctx, types.TeamMembership{TeamID: team.ID, UserID: u.ID, Role: types.TeamRoleOwner}))

	_, err = b.UpsertResourceAssignment(ctx, types.ResourceAssignment{
		TeamID: team.ID, ResourceType: "machine", ResourceID: "m-2",
		Permissions: map[string]struct{}{"read": {}, "shell": {}},
	})
	require.NoError(t, err)

	caps := NewEvaluator(b).Evaluate(ctx, u.ID, "machine", "m-2")
	require.True(t, caps.Has(types.CapShell))
	require.False(t, caps.Has(types.CapWrite), "assignment did not grant write")
}

func TestGrantingTeamsNamesOnlyTheTeamThatGranted(t *testing.T) {
	b, ctx := setup(t)
	u, err := b.CreateUser(ctx, types.User{Email: "owner4@example.com"})
	require.NoError(t, err)

	granting, err := b.CreateTeam(ctx, types.Team{Name: "granting", CreatedBy: u.ID})
	require.NoError(t, err)
	require.NoError(t, b.UpsertTeamMembership(ctx, types.TeamMembership{TeamID: granting.ID, UserID: u.ID, Role: types.TeamRoleOwner}))
	_, err = b.UpsertResourceAssignment(ctx, types.ResourceAssignment{
		TeamID: granting.ID, ResourceType: "machine", ResourceID: "m-4",
		Permissions: map[string]struct{}{"shell": {}},
	})
	require.NoError(t, err)

	// Member of a second team that also touches this resource, but
	// only with read — must never show up as a shell grantor.
	nonGranting, err := b.CreateTeam(ctx, types.Team{Name: "non-granting", CreatedBy: u.ID})
	require.NoError(t, err)
	require.NoError(t, b.UpsertTeamMembership(ctx, types.TeamMembership{TeamID: nonGranting.ID, UserID: u.ID, Role: types.TeamRoleOwner}))
	_, err = b.UpsertResourceAssignment(ctx, types.ResourceAssignment{
		TeamID: nonGranting.ID, ResourceType: "machine", ResourceID: "m-4",
		Permissions: map[string]struct{}{"read": {}},
	})
	require.NoError(t, err)

	teams := NewEvaluator(b).GrantingTeams(ctx, u.ID, "machine", "m-4", types.CapShell)
	require.Equal(t, []string{granting.ID}, teams)
}

func TestGrantingTeamsEmptyForGlobalAdmin(t *testing.T) {
	b, ctx := setup(t)
	u, err := b.CreateUser(ctx, types.User{Email: "admin2@example.com"})
	require.NoError(t, err)
	require.NoError(t, b.SetUserRoles(ctx, u.ID, []types.Role{types.RoleAdmin}))

	teams := NewEvaluator(b).GrantingTeams(ctx, u.ID, "machine", "anything", types.CapShell)
	require.Empty(t, teams, "a global admin's access isn't attributable to any one team membership")
}

func TestGrantingTeamsSortedWhenMultipleTeamsGrant(t *testing.T) {
	b, ctx := setup(t)
	u, err := b.CreateUser(ctx, types.User{Email: "multi@example.com"})
	require.NoError(t, err)

	var teamIDs []string
	for _, name := range []string{"zzz-team", "aaa-team"} {
		team, err := b.CreateTeam(ctx, types.Team{Name: name, CreatedBy: u.ID})
		require.NoError(t, err)
		require.NoError(t, b.UpsertTeamMembership(ctx, types.TeamMembership{TeamID: team.ID, UserID: u.ID, Role: types.TeamRoleOwner}))
		_, err = b.UpsertResourceAssignment(ctx, types.ResourceAssignment{
			TeamID: team.ID, ResourceType: "machine", ResourceID: "m-5",
			Permissions: map[string]struct{}{"shell": {}},
		})
		require.NoError(t, err)
		teamIDs = append(teamIDs, team.ID)
	}

	teams := NewEvaluator(b).GrantingTeams(ctx, u.ID, "machine", "m-5", types.CapShell)
	require.Len(t, teams, 2)
	sorted := append([]string(nil), teams...)
	sort.Strings(sorted)
	require.Equal(t, sorted, teams, "GrantingTeams must return a deterministically sorted result")
}

func TestNoAssignmentYieldsNoCapabilities(t *testing.T) {
	b, ctx := setup(t)
	u, err := b.CreateUser(ctx, types.User{Email: "owner3@example.com"})
	require.NoError(t, err)
	team, err := b.CreateTeam(ctx, types.Team{Name: "infra3", CreatedBy: u.ID})
	require.NoError(t, err)
	require.NoError(t, b.UpsertTeamMembership(ctx, types.TeamMembership{TeamID: team.ID, UserID: u.ID, Role: types.TeamRoleOwner}))

	caps := NewEvaluator(b).Evaluate(ctx, u.ID, "machine", "m-3")
	require.False(t, caps.Has(types.CapRead), "team-role ceiling alone grants nothing without an explicit assignment")
}
