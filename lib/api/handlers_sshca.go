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
	"github.com/penguintechinc/gough/lib/sshca"
)

type signRequest struct {
	PublicKey   string   `json:"public_key"`
	KeyID       string   `json:"key_id"`
	Principals  []string `json:"principals"`
	ValiditySec int      `json:"validity_sec"`
}

type signResponse struct {
	Certificate string `json:"certificate"`
}

// handleSSHCASign is the admin-debug direct-sign endpoint: unlike the
// shell broker, it performs no resource-capability check beyond the
// admin gate already applied by withAdmin.
func (s *Server) handleSSHCASign(w http.ResponseWriter, r *http.Request, p httprouter.Params, _ types.User) {
	var req signRequest
	if err := readJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(req.PublicKey))
	if err != nil {
		s.writeError(w, r, trace.BadParameter("invalid public_key: %v", err))
		return
	}
	cert, err := s.cfg.CA.Sign(r.Context(), sshca.SignRequest{
		PublicKey:   pub,
		KeyID:       req.KeyID,
		Principals:  req.Principals,
		ValiditySec: req.ValiditySec,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, signResponse{Certificate: string(ssh.MarshalAuthorizedKey(cert))})
}

type rotateRequest struct {
	CAType             string   `json:"ca_type"`
	DefaultValiditySec int      `json:"default_validity_sec"`
	MaxValiditySec     int      `json:"max_validity_sec"`
	AllowedPrincipals  []string `json:"allowed_principals"`
}

type rotateResponse struct {
	Name      string `json:"name"`
	PublicKey string `json:"public_key"`
}

// handleSSHCARotate rotates the named CA type, deactivating the
// previous CA rather than deleting it so certificates it already
// signed keep validating through the overlap window. Omitted validity
// and principal fields carry over the CA being replaced, since a
// rotation is ordinarily a key refresh, not a policy change.
func (s *Server) handleSSHCARotate(w http.ResponseWriter, r *http.Request, p httprouter.Params, admin types.User) {
	var req rotateRequest
	if err := readJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	caType := types.CAType(req.CAType)
	if caType == "" {
		caType = types.CATypeUser
	}

	defaultValiditySec, maxValiditySec, allowedPrincipals := req.DefaultValiditySec, req.MaxValiditySec, req.AllowedPrincipals
	if prev, err := s.cfg.CA.ActiveCA(r.Context(), caType); err == nil {
		if defaultValiditySec == 0 {
			defaultValiditySec = prev.DefaultValiditySec
		}
		if maxValiditySec == 0 {
			maxValiditySec = prev.MaxValiditySec
		}
		if allowedPrincipals == nil {
			allowedPrincipals = prev.AllowedPrincipals
		}
	} else if !trace.IsNotFound(err) {
		s.writeError(w, r, err)
		return
	}

	ca, err := s.cfg.CA.Rotate(r.Context(), caType, defaultValiditySec, maxValiditySec, allowedPrincipals)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.cfg.Backend.EmitAudit(r.Context(), types.AuditEvent{
		Timestamp:    s.cfg.Clock.Now(),
		Actor:        admin.ID,
		Action:       "ssh_ca.rotate",
		ResourceType: "ssh_ca",
		ResourceID:   ca.Name,
		Outcome:      "success",
	}); err != nil {
		log.WithError(err).Warn("failed to emit ssh_ca.rotate audit event")
	}
	s.writeJSON(w, r, http.StatusOK, rotateResponse{Name: ca.Name, PublicKey: ca.PublicKey})
}
