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

// Package authz implements the Permission Evaluator: team-role and
// resource-assignment evaluation producing a Capabilities set. It
// never consults a live cloud provider and fails closed on any
// datastore error.
package authz

import (
	"context"
	"sort"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/penguintechinc/gough/api/types"
)

var log = logrus.WithField(trace.Component, "authz")

// Backend is the subset of lib/backend.Backend the evaluator reads from.
type Backend interface {
	GetUserRoles(ctx context.Context, userID string) ([]types.Role, error)
	GetTeamMemberships(ctx context.Context, userID string) ([]types.TeamMembership, error)
	ListResourceAssignments(ctx context.Context, teamIDs []string, resourceType, resourceID string) ([]types.ResourceAssignment, error)
}

// Evaluator computes the effective Capabilities a user holds over a
// given resource.
type Evaluator struct {
	backend Backend
}

// NewEvaluator builds an Evaluator against backend.
func NewEvaluator(backend Backend) *Evaluator {
	return &Evaluator{backend: backend}
}

// roleSeed returns the capability ceiling a team-role grants before
// intersecting with explicit resource assignments.
func roleSeed(role types.TeamRole) types.Capabilities {
	switch role {
	case types.TeamRoleOwner, types.TeamRoleAdmin:
		return types.NewCapabilities(types.CapRead, types.CapWrite, types.CapShell, types.CapAdmin)
	case types.TeamRoleMember, types.TeamRoleViewer:
		return types.NewCapabilities(types.CapRead)
	default:
		return types.Capabilities{}
	}
}

// assignmentCaps converts a ResourceAssignment's permission string
// set into Capabilities, ignoring any string that isn't a known
// capability name.
func assignmentCaps(a types.ResourceAssignment) types.Capabilities {
	var caps []types.Capability
	for _, c := range []types.Capability{types.CapRead, types.CapWrite, types.CapShell, types.CapAdmin} {
		if a.HasPermission(string(c)) {
			caps = append(caps, c)
		}
	}
	return types.NewCapabilities(caps...)
}

// Evaluate implements the five-step algorithm:
//  1. global admin short-circuit
//  2. find team memberships
//  3. seed capabilities per team-role
//  4. intersect with explicit resource assignments for that team
//  5. union across all memberships
//
// Any backend error is swallowed and reported as empty Capabilities —
// callers MUST treat empty as forbidden, never as "unknown".
func (e *Evaluator) Evaluate(ctx context.Context, userID, resourceType, resourceID string) types.Capabilities {
	return e.evaluate(ctx, userID, resourceType, resourceID).Capabilities
}

// GrantingTeams returns, sorted, the team IDs among userID's
// memberships whose role and resource assignment together grant cap
// on resourceType/resourceID. Callers that must act within the scope
// of one particular team (e.g. the shell broker picking a principal
// set and certificate validity) use this instead of trusting a
// client-supplied team_id, which a caller with a grant via one team
// could otherwise substitute for a different team ID entirely to pick
// up a broader grant it was never a member of. Empty for a global
// admin, whose access isn't attributable to any one team membership.
func (e *Evaluator) GrantingTeams(ctx context.Context, userID, resourceType, resourceID string, cap types.Capability) []string {
	detail := e.evaluate(ctx, userID, resourceType, resourceID)
	if detail.IsGlobalAdmin {
		return nil
	}
	var teams []string
	for teamID, caps := range detail.byTeam {
		if _, ok := caps.Caps[cap]; ok {
			teams = append(teams, teamID)
		}
	}
	sort.Strings(teams)
	return teams
}

// evaluateResult carries both the union Evaluate returns and, for each
// of the caller's team memberships, that team's own effective
// capabilities, so GrantingTeams can attribute a capability back to
// the team(s) that actually granted it.
type evaluateResult struct {
	types.Capabilities
	byTeam map[string]types.Capabilities
}

func (e *Evaluator) evaluate(ctx context.Context, userID, resourceType, resourceID string) evaluateResult {
	roles, err := e.backend.GetUserRoles(ctx, userID)
	if err != nil {
		log.WithError(err).WithField("user_id", userID).Warn("failed to load user roles, failing closed")
		return evaluateResult{}
	}
	for _, r := range roles {
		if r == types.RoleAdmin {
			return evaluateResult{Capabilities: types.Capabilities{
				IsGlobalAdmin: true,
				Caps: map[types.Capability]struct{}{
					types.CapRead:  {},
					types.CapWrite: {},
					types.CapShell: {},
					types.CapAdmin: {},
				},
			}}
		}
	}

	memberships, err := e.backend.GetTeamMemberships(ctx, userID)
	if err != nil {
		log.WithError(err).WithField("user_id", userID).Warn("failed to load team memberships, failing closed")
		return evaluateResult{}
	}
	if len(memberships) == 0 {
		return evaluateResult{}
	}

	teamIDs := make([]string, 0, len(memberships))
	seedByTeam := make(map[string]types.Capabilities, len(memberships))
	for _, m := range memberships {
		teamIDs = append(teamIDs, m.TeamID)
		seedByTeam[m.TeamID] = roleSeed(m.Role)
	}

	assignments, err := e.backend.ListResourceAssignments(ctx, teamIDs, resourceType, resourceID)
	if err != nil {
		log.WithError(err).WithField("user_id", userID).Warn("failed to load resource assignments, failing closed")
		return evaluateResult{}
	}

	grantedByTeam := make(map[string]types.Capabilities, len(teamIDs))
	for _, a := range assignments {
		grantedByTeam[a.TeamID] = grantedByTeam[a.TeamID].Union(assignmentCaps(a))
	}

	byTeam := make(map[string]types.Capabilities, len(teamIDs))
	var result types.Capabilities
	for _, teamID := range teamIDs {
		effective := seedByTeam[teamID].Intersect(grantedByTeam[teamID])
		byTeam[teamID] = effective
		result = result.Union(effective)
	}
	return evaluateResult{Capabilities: result, byTeam: byTeam}
}
