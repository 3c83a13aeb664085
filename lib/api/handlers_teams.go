/*
Copyright 2024 The Gough Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package api

import (
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/penguintechinc/gough/api/types"
)

type createTeamRequest struct {
	Name                    string `json:"name"`
	Description             string `json:"description"`
	DefaultShellValiditySec int    `json:"default_shell_validity_sec"`
}

type teamResponse struct {
	ID                      string `json:"id"`
	Name                    string `json:"name"`
	Description             string `json:"description"`
	DefaultShellValiditySec int    `json:"default_shell_validity_sec"`
}

func toTeamResponse(t types.Team) teamResponse {
	return teamResponse{ID: t.ID, Name: t.Name, Description: t.Description, DefaultShellValiditySec: t.DefaultShellValiditySec}
}

func (s *Server) handleCreateTeam(w http.ResponseWriter, r *http.Request, p httprouter.Params, user types.User) {
	var req createTeamRequest
	if err := readJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	t, err := s.cfg.Backend.CreateTeam(r.Context(), types.Team{
		Name:                    req.Name,
		Description:             req.Description,
		CreatedBy:               user.ID,
		Active:                  true,
		DefaultShellValiditySec: req.DefaultShellValiditySec,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusCreated, toTeamResponse(t))
}

func (s *Server) handleGetTeam(w http.ResponseWriter, r *http.Request, p httprouter.Params, _ types.User) {
	t, err := s.cfg.Backend.GetTeam(r.Context(), p.ByName("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, toTeamResponse(t))
}

func (s *Server) handleListTeams(w http.ResponseWriter, r *http.Request, p httprouter.Params, _ types.User) {
	teams, err := s.cfg.Backend.ListTeams(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]teamResponse, 0, len(teams))
	for _, t := range teams {
		out = append(out, toTeamResponse(t))
	}
	s.writeJSON(w, r, http.StatusOK, out)
}

func (s *Server) handleDeleteTeam(w http.ResponseWriter, r *http.Request, p httprouter.Params, _ types.User) {
	if err := s.cfg.Backend.DeleteTeam(r.Context(), p.ByName("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusNoContent, nil)
}

type upsertMembershipRequest struct {
	Role string `json:"role"`
}

func (s *Server) handleUpsertMembership(w http.ResponseWriter, r *http.Request, p httprouter.Params, _ types.User) {
	var req upsertMembershipRequest
	if err := readJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	err := s.cfg.Backend.UpsertTeamMembership(r.Context(), types.TeamMembership{
		TeamID: p.ByName("id"),
		UserID: p.ByName("user_id"),
		Role:   types.TeamRole(req.Role),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusNoContent, nil)
}

func (s *Server) handleDeleteMembership(w http.ResponseWriter, r *http.Request, p httprouter.Params, _ types.User) {
	if err := s.cfg.Backend.DeleteTeamMembership(r.Context(), p.ByName("id"), p.ByName("user_id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusNoContent, nil)
}

type upsertAssignmentRequest struct {
	ResourceType    string   `json:"resource_type"`
	ResourceID      string   `json:"resource_id"`
	Permissions     []string `json:"permissions"`
	ShellPrincipals []string `json:"shell_principals"`
}

func (s *Server) handleUpsertAssignment(w http.ResponseWriter, r *http.Request, p httprouter.Params, _ types.User) {
	var req upsertAssignmentRequest
	if err := readJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	perms := make(map[string]struct{}, len(req.Permissions))
	for _, perm := range req.Permissions {
		perms[perm] = struct{}{}
	}
	a, err := s.cfg.Backend.UpsertResourceAssignment(r.Context(), types.ResourceAssignment{
		TeamID:          p.ByName("id"),
		ResourceType:    req.ResourceType,
		ResourceID:      req.ResourceID,
		Permissions:     perms,
		ShellPrincipals: req.ShellPrincipals,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, map[string]string{"id": a.ID})
}
