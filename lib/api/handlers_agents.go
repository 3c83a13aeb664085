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
	"time"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/penguintechinc/gough/api/types"
	"github.com/penguintechinc/gough/lib/agentauth"
	"github.com/penguintechinc/gough/lib/heartbeat"
)

type enrollmentKeyRequest struct {
	ExpiresAt string `json:"expires_at"`
}

type enrollmentKeyResponse struct {
	Key       string `json:"key"`
	ExpiresAt string `json:"expires_at"`
}

// handleCreateEnrollmentKey mints a one-time enrollment key: the
// plaintext is returned exactly once here, only its SHA-256 hash is
// ever persisted.
func (s *Server) handleCreateEnrollmentKey(w http.ResponseWriter, r *http.Request, p httprouter.Params, admin types.User) {
	var req enrollmentKeyRequest
	if err := readJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	expiresAt, err := parseTimestamp(req.ExpiresAt, s.cfg.Clock.Now().Add(24*time.Hour))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	plaintext, hash, err := agentauth.GenerateEnrollmentKey()
	if err != nil {
		s.writeError(w, r, trace.Wrap(err))
		return
	}
	if err := s.cfg.Backend.CreateEnrollmentKey(r.Context(), types.EnrollmentKey{
		KeyHash:   hash,
		CreatedBy: admin.ID,
		ExpiresAt: expiresAt,
	}); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusCreated, enrollmentKeyResponse{Key: plaintext, ExpiresAt: expiresAt.Format(timeFormat)})
}

type enrollRequest struct {
	Hostname     string   `json:"hostname"`
	IPAddress    string   `json:"ip_address"`
	SSHPort      int      `json:"ssh_port"`
	AgentVersion string   `json:"agent_version"`
	Capabilities []string `json:"capabilities"`
}

type enrollResponse struct {
	AgentID            string `json:"agent_id"`
	AccessToken        string `json:"access_token"`
	RefreshToken       string `json:"refresh_token"`
	CAPublicKey        string `json:"ca_public_key"`
	HeartbeatIntervalS int    `json:"heartbeat_interval_s"`
}

func (s *Server) handleAgentEnroll(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	key := r.Header.Get("X-Enrollment-Key")
	if key == "" {
		s.writeError(w, r, trace.AccessDenied("missing X-Enrollment-Key header"))
		return
	}
	var req enrollRequest
	if err := readJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.cfg.AgentAuth.Enroll(r.Context(), key, agentauth.EnrollRequest{
		Hostname:     req.Hostname,
		IPAddress:    req.IPAddress,
		SSHPort:      req.SSHPort,
		AgentVersion: req.AgentVersion,
		Capabilities: req.Capabilities,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusCreated, enrollResponse{
		AgentID:            res.AgentID,
		AccessToken:        res.AccessToken,
		RefreshToken:       res.RefreshToken,
		CAPublicKey:        res.CAPublicKey,
		HeartbeatIntervalS: res.HeartbeatIntervalS,
	})
}

type tokenPairResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

func (s *Server) handleAgentRefresh(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	token, err := bearerToken(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	pair, err := s.cfg.AgentAuth.Refresh(r.Context(), token)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, tokenPairResponse{AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken})
}

type heartbeatRequest struct {
	Status         string             `json:"status"`
	ActiveSessions int                `json:"active_sessions"`
	Resources      heartbeatResources `json:"resources"`
	Timestamp      string             `json:"timestamp"`
}

type heartbeatResources struct {
	CPUPercent     float64 `json:"cpu_percent"`
	MemPercent     float64 `json:"mem_percent"`
	MemAvailableMB int     `json:"mem_available_mb"`
	Connections    int     `json:"connections"`
}

type heartbeatResponse struct {
	Commands     []commandResponse `json:"commands"`
	CAPublicKeys []string          `json:"ca_public_keys,omitempty"`
}

type commandResponse struct {
	Type   string            `json:"type"`
	Params map[string]string `json:"params,omitempty"`
}

func (s *Server) handleAgentHeartbeat(w http.ResponseWriter, r *http.Request, p httprouter.Params, agentID string) {
	var req heartbeatRequest
	if err := readJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	ts, err := parseTimestamp(req.Timestamp, s.cfg.Clock.Now())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.cfg.Heartbeat.Handle(r.Context(), heartbeat.Request{
		AgentID:        agentID,
		Status:         req.Status,
		ActiveSessions: req.ActiveSessions,
		Resources: heartbeat.ResourceUsage{
			CPUPercent:     req.Resources.CPUPercent,
			MemPercent:     req.Resources.MemPercent,
			MemAvailableMB: req.Resources.MemAvailableMB,
			Connections:    req.Resources.Connections,
		},
		Timestamp: ts,
	})
	if err != nil {
		var suspended *heartbeat.SuspendedError
		if errors.As(err, &suspended) {
			s.writeError(w, r, trace.AccessDenied("%v", suspended))
			return
		}
		s.writeError(w, r, err)
		return
	}
	out := make([]commandResponse, 0, len(res.Commands))
	for _, c := range res.Commands {
		out = append(out, commandResponse{Type: c.Type, Params: c.Params})
	}
	s.writeJSON(w, r, http.StatusOK, heartbeatResponse{Commands: out, CAPublicKeys: res.CAPublicKeys})
}
