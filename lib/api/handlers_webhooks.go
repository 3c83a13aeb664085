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
	"io"
	"net/http"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/penguintechinc/gough/api/types"
)

type maasWebhookPayload struct {
	SystemID string `json:"system_id"`
	Event    string `json:"event"`
}

// handleMaasWebhook verifies and ingests an inbound MaaS event. The
// emitting provider is named by the provider_id query parameter: MaaS
// has no notion of a caller-chosen request path, so the webhook URL
// configured in MaaS for a given deployment is
// "/webhooks/maas?provider_id=<id>".
func (s *Server) handleMaasWebhook(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	providerID := r.URL.Query().Get("provider_id")
	if providerID == "" {
		s.writeError(w, r, trace.BadParameter("missing provider_id query parameter"))
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, r, trace.Wrap(err, "reading webhook body"))
		return
	}
	defer r.Body.Close()

	var payload maasWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		s.writeError(w, r, trace.BadParameter("invalid webhook payload: %v", err))
		return
	}

	sig := r.Header.Get("X-Webhook-Signature")
	err = s.cfg.Orchestrator.HandleWebhook(r.Context(), providerID, body, sig, types.WebhookEvent{
		Source:     "maas",
		EventType:  payload.Event,
		ResourceID: payload.SystemID,
		Payload:    body,
		ReceivedAt: s.cfg.Clock.Now(),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusNoContent, nil)
}
