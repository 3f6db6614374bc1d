// Copyright 2025 Lucia Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/a2aproject/a2a-go/a2aclient/agentcard"
	"github.com/go-chi/chi/v5"

	"github.com/lucia-home/lucia/pkg/agent"
)

type registerAgentRequest struct {
	// AgentURI is the base URL of a remote A2A agent.
	AgentURI string `json:"agentUri"`
	// ID optionally pins the registry id; defaults to a slug of the
	// remote card name.
	ID string `json:"id,omitempty"`
}

// handleListAgents returns the registry membership in registration
// order.
func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	cards := s.registry.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"agents": cards,
		"total":  len(cards),
	})
}

// handleRegisterAgent fetches the remote card and registers it.
func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AgentURI == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "agentUri is required"})
		return
	}
	s.registerRemote(w, r, req.AgentURI, req.ID)
}

// handleUpsertAgent registers or refreshes a remote agent under a
// caller-chosen id.
func (s *Server) handleUpsertAgent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentId")

	var req registerAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AgentURI == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "agentUri is required"})
		return
	}
	s.registerRemote(w, r, req.AgentURI, agentID)
}

func (s *Server) registerRemote(w http.ResponseWriter, r *http.Request, uri, id string) {
	source := strings.TrimSuffix(uri, "/") + "/.well-known/agent.json"
	remote, err := agentcard.DefaultResolver.Resolve(r.Context(), source)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{
			"error": "failed to fetch agent card: " + err.Error(),
		})
		return
	}

	card := agent.CardFromA2A(remote, id)
	if card.URL == "" {
		card.URL = uri
	}
	if err := s.registry.Register(card, nil, nil); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, card)
}

// handleUnregisterAgent removes an agent. Removing an unknown id is
// idempotent.
func (s *Server) handleUnregisterAgent(w http.ResponseWriter, r *http.Request) {
	s.registry.Unregister(chi.URLParam(r, "agentId"))
	w.WriteHeader(http.StatusNoContent)
}
