/*
Copyright 2024 The Gough Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package api

import (
	"errors"
	"net/http"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/penguintechinc/gough/api/types"
	"github.com/penguintechinc/gough/lib/userauth"
)

// loginError maps userauth's InvalidCredentialsError to a 403 rather
// than letting it fall through classifyError's default 500, since it
// is never a server-side failure.
func loginError(err error) error {
	var invalid userauth.InvalidCredentialsError
	if errors.As(err, &invalid) {
		return trace.AccessDenied("invalid email or password")
	}
	return err
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type sessionResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	var req loginRequest
	if err := readJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	sess, err := s.cfg.UserAuth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		s.writeError(w, r, loginError(err))
		return
	}
	s.writeJSON(w, r, http.StatusOK, sessionResponse{Token: sess.Token, ExpiresAt: sess.ExpiresAt.Format(timeFormat)})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	token, err := bearerToken(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sess, err := s.cfg.UserAuth.Refresh(r.Context(), token)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, sessionResponse{Token: sess.Token, ExpiresAt: sess.ExpiresAt.Format(timeFormat)})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request, p httprouter.Params, user types.User) {
	token, err := bearerToken(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.cfg.UserAuth.Logout(r.Context(), token); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusNoContent, nil)
}

const timeFormat = "2006-01-02T15:04:05Z07:00"
