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
	"github.com/penguintechinc/gough/lib/userauth"
)

type createUserRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type userResponse struct {
	ID     string `json:"id"`
	Email  string `json:"email"`
	Active bool   `json:"active"`
}

func toUserResponse(u types.User) userResponse {
	return userResponse{ID: u.ID, Email: u.Email, Active: u.Active}
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request, p httprouter.Params, _ types.User) {
	var req createUserRequest
	if err := readJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	hash, err := userauth.HashPassword(req.Password)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	u, err := s.cfg.Backend.CreateUser(r.Context(), types.User{Email: req.Email, PasswordHash: hash, Active: true})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusCreated, toUserResponse(u))
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request, p httprouter.Params, _ types.User) {
	u, err := s.cfg.Backend.GetUser(r.Context(), p.ByName("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, toUserResponse(u))
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request, p httprouter.Params, _ types.User) {
	users, err := s.cfg.Backend.ListUsers(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]userResponse, 0, len(users))
	for _, u := range users {
		out = append(out, toUserResponse(u))
	}
	s.writeJSON(w, r, http.StatusOK, out)
}
