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

// handleShellWebsocket upgrades an already-authenticated request to
// the bidirectional shell stream. Any failure here, including ones
// discovered only once the bridge starts dialing the agent, precedes
// the websocket upgrade and so is still reported as a normal JSON
// error through the usual envelope.
func (s *Server) handleShellWebsocket(w http.ResponseWriter, r *http.Request, p httprouter.Params, user types.User) {
	if err := s.cfg.WS.Serve(r.Context(), w, r, user); err != nil {
		s.writeError(w, r, err)
		return
	}
}
