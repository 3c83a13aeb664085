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

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
	"golang.org/x/crypto/ssh"

	"github.com/penguintechinc/gough/api/types"
	"github.com/penguintechinc/gough/lib/shellbroker"
)

type openShellRequest struct {
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`
	SessionType  string `json:"session_type"`
	PublicKey    string `json:"public_key"`
}

type openShellResponse struct {
	SessionID   string `json:"session_id"`
	AgentHost   string `json:"agent_host"`
	AgentPort   int    `json:"agent_port"`
	Certificate string `json:"certificate"`
	ExpiresAt   string `json:"expires_at"`
}

func (s *Server) handleOpenShell(w http.ResponseWriter, r *http.Request, p httprouter.Params, user types.User) {
	var req openShellRequest
	if err := readJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(req.PublicKey))
	if err != nil {
		s.writeError(w, r, trace.BadParameter("invalid public_key: %v", err))
		return
	}
	res, err := s.cfg.Broker.OpenShell(r.Context(), shellbroker.OpenShellRequest{
		UserID:       user.ID,
		UserEmail:    user.Email,
		ResourceType: req.ResourceType,
		ResourceID:   req.ResourceID,
		SessionType:  types.SessionType(req.SessionType),
		PublicKey:    pub,
		ClientIP:     clientIP(r),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusCreated, openShellResponse{
		SessionID:   res.SessionID,
		AgentHost:   res.AgentHost,
		AgentPort:   res.AgentPort,
		Certificate: string(ssh.MarshalAuthorizedKey(res.Certificate)),
		ExpiresAt:   res.ExpiresAt.Format(timeFormat),
	})
}

func (s *Server) handleTerminateShell(w http.ResponseWriter, r *http.Request, p httprouter.Params, _ types.User) {
	if err := s.cfg.Broker.TerminateSession(r.Context(), p.ByName("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusNoContent, nil)
}
