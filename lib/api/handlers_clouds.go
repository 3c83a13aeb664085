/*
Copyright 2024 The Gough Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/penguintechinc/gough/api/types"
)

type createProviderRequest struct {
	Name           string `json:"name"`
	Type           string `json:"type"`
	Region         string `json:"region"`
	CredentialsRef string `json:"credentials_ref"`
}

type providerResponse struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Type   string `json:"type"`
	Region string `json:"region"`
	Active bool   `json:"active"`
}

func toProviderResponse(p types.CloudProvider) providerResponse {
	return providerResponse{ID: p.ID, Name: p.Name, Type: string(p.Type), Region: p.Region, Active: p.Active}
}

func (s *Server) handleCreateProvider(w http.ResponseWriter, r *http.Request, p httprouter.Params, _ types.User) {
	var req createProviderRequest
	if err := readJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	provider, err := s.cfg.Backend.CreateProvider(r.Context(), types.CloudProvider{
		Name:           req.Name,
		Type:           types.ProviderType(req.Type),
		Region:         req.Region,
		CredentialsRef: req.CredentialsRef,
		Active:         true,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusCreated, toProviderResponse(provider))
}

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request, p httprouter.Params, _ types.User) {
	providers, err := s.cfg.Backend.ListProviders(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]providerResponse, 0, len(providers))
	for _, prov := range providers {
		out = append(out, toProviderResponse(prov))
	}
	s.writeJSON(w, r, http.StatusOK, out)
}

type machineResponse struct {
	ID         string   `json:"id"`
	ExternalID string   `json:"external_id"`
	ProviderID string   `json:"provider_id"`
	Name       string   `json:"name"`
	State      string   `json:"state"`
	Region     string   `json:"region"`
	PublicIPs  []string `json:"public_ips"`
}

func toMachineResponse(m types.Machine) machineResponse {
	return machineResponse{
		ID:         machineID(m),
		ExternalID: m.ExternalID,
		ProviderID: m.ProviderID,
		Name:       m.Name,
		State:      string(m.State),
		Region:     m.Region,
		PublicIPs:  m.PublicIPs,
	}
}

// machineID encodes the (provider_id, external_id) pair the rest of
// the system keys machines by into the single path segment the
// flat /clouds/machines/{id}/... lifecycle routes expose.
func machineID(m types.Machine) string {
	return m.ProviderID + "," + m.ExternalID
}

// splitMachineID reverses machineID, rejecting any value that wasn't
// produced by it.
func splitMachineID(id string) (providerID, externalID string, ok bool) {
	i := strings.IndexByte(id, ',')
	if i < 0 {
		return "", "", false
	}
	return id[:i], id[i+1:], true
}

func (s *Server) handleListMachines(w http.ResponseWriter, r *http.Request, p httprouter.Params, _ types.User) {
	machines, err := s.cfg.Orchestrator.ListMachines(r.Context(), p.ByName("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]machineResponse, 0, len(machines))
	for _, m := range machines {
		out = append(out, toMachineResponse(m))
	}
	s.writeJSON(w, r, http.StatusOK, out)
}

type createMachineRequest struct {
	Name      string            `json:"name"`
	Image     string            `json:"image"`
	Size      string            `json:"size"`
	Region    string            `json:"region"`
	CloudInit string            `json:"cloud_init"`
	SSHKeys   []string          `json:"ssh_keys"`
	Tags      map[string]string `json:"tags"`
}

func (s *Server) handleCreateMachine(w http.ResponseWriter, r *http.Request, p httprouter.Params, _ types.User) {
	var req createMachineRequest
	if err := readJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	m, err := s.cfg.Orchestrator.CreateMachine(r.Context(), p.ByName("id"), types.MachineSpec{
		Name:      req.Name,
		Image:     req.Image,
		Size:      req.Size,
		Region:    req.Region,
		CloudInit: req.CloudInit,
		SSHKeys:   req.SSHKeys,
		Tags:      req.Tags,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusCreated, toMachineResponse(m))
}

// lifecycleFunc is the shape shared by Orchestrator.{Start,Stop,Reboot,Destroy}Machine.
type lifecycleFunc func(ctx context.Context, providerID, externalID string) error

func (s *Server) handleMachineLifecycle(op lifecycleFunc) userHandle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params, _ types.User) {
		providerID, externalID, ok := splitMachineID(p.ByName("id"))
		if !ok {
			s.writeError(w, r, trace.BadParameter("malformed machine id"))
			return
		}
		if err := op(r.Context(), providerID, externalID); err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, r, http.StatusAccepted, nil)
	}
}
