/*
Copyright 2024 The Gough Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/penguintechinc/gough/api/types"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func readJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return trace.BadParameter("invalid request body: %v", err)
	}
	return nil
}

func bearerToken(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) || len(h) <= len(prefix) {
		return "", trace.AccessDenied("missing bearer token")
	}
	return h[len(prefix):], nil
}

// userHandle is an httprouter.Handle with the authenticated user
// resolved from the caller's session token.
type userHandle func(w http.ResponseWriter, r *http.Request, p httprouter.Params, user types.User)

// withUser requires a valid user session bearer token and passes the
// resolved user to handle.
func (s *Server) withUser(handle userHandle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		token, err := bearerToken(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		user, err := s.cfg.UserAuth.Authenticate(r.Context(), token)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		handle(w, r, p, user)
	}
}

// withAdmin additionally requires the caller to be a global admin.
func (s *Server) withAdmin(handle userHandle) httprouter.Handle {
	return s.withUser(func(w http.ResponseWriter, r *http.Request, p httprouter.Params, user types.User) {
		caps := s.cfg.Evaluator.Evaluate(r.Context(), user.ID, "", "")
		if !caps.IsGlobalAdmin {
			s.writeError(w, r, trace.AccessDenied("admin capability required"))
			return
		}
		handle(w, r, p, user)
	})
}

// withTeamAdmin requires the caller to be a global admin or hold the
// "admin"/"owner" role on the team named by the :id path parameter.
func (s *Server) withTeamAdmin(handle userHandle) httprouter.Handle {
	return s.withUser(func(w http.ResponseWriter, r *http.Request, p httprouter.Params, user types.User) {
		caps := s.cfg.Evaluator.Evaluate(r.Context(), user.ID, "", "")
		if caps.IsGlobalAdmin {
			handle(w, r, p, user)
			return
		}
		teamID := p.ByName("id")
		members, err := s.cfg.Backend.GetTeamMembers(r.Context(), teamID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		for _, m := range members {
			if m.UserID == user.ID && (m.Role == types.TeamRoleOwner || m.Role == types.TeamRoleAdmin) {
				handle(w, r, p, user)
				return
			}
		}
		s.writeError(w, r, trace.AccessDenied("team admin capability required"))
	})
}

// agentHandle is an httprouter.Handle with the authenticated agent ID
// resolved from the caller's access token.
type agentHandle func(w http.ResponseWriter, r *http.Request, p httprouter.Params, agentID string)

// withAgent requires a valid agent access token.
func (s *Server) withAgent(handle agentHandle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		token, err := bearerToken(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		agentID, err := s.cfg.AgentAuth.VerifyAccess(r.Context(), token)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		handle(w, r, p, agentID)
	}
}

// withRate gates a handler through the configured rate limiter, when
// one is wired; it is a pass-through otherwise so tests and small
// deployments aren't forced to stand up Redis.
func (s *Server) withRate(handle httprouter.Handle) httprouter.Handle {
	if s.cfg.RateLimiter == nil {
		return handle
	}
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		ip := clientIP(r)
		allowed, err := s.cfg.RateLimiter.Allow(r.Context(), ip)
		if err != nil {
			log.WithError(err).Warn("api: rate limiter error, failing open")
		} else if !allowed {
			s.writeError(w, r, trace.LimitExceeded("rate limit exceeded"))
			return
		}
		handle(w, r, p)
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.IndexByte(fwd, ','); idx >= 0 {
			return strings.TrimSpace(fwd[:idx])
		}
		return strings.TrimSpace(fwd)
	}
	host := r.RemoteAddr
	if idx := strings.LastIndexByte(host, ':'); idx >= 0 {
		return host[:idx]
	}
	return host
}
