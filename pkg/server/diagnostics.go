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
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/lucia-home/lucia/pkg/orchestrator"
	"github.com/lucia-home/lucia/pkg/task"
)

func (s *Server) handleDiagnosticsHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"version":     s.version,
		"agents":      len(s.registry.List()),
		"subscribers": s.hub.SubscriberCount(),
	})
}

func (s *Server) handleRoutingLog(w http.ResponseWriter, r *http.Request) {
	entries := s.orch.RoutingLog()
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"total":   len(entries),
	})
}

// handleGetTaskRecord returns the raw persisted record for a task id.
func (s *Server) handleGetTaskRecord(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskId")

	rec, err := s.orch.Store().Load(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "task not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"taskId":    rec.TaskID,
		"etag":      rec.ETag,
		"expiresAt": rec.ExpiresAt,
		"payload":   json.RawMessage(rec.Payload),
	})
}

// handleRehydrateTask loads and decodes the persisted context, proving
// the record would survive an orchestrator resume.
func (s *Server) handleRehydrateTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskId")

	rec, err := s.orch.Store().Load(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "task not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	octx, err := orchestrator.UnmarshalContext(rec.Payload)
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error": "stored context is unreadable: " + err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"taskId":    taskID,
		"sessionId": octx.SessionID,
		"turns":     len(octx.History),
		"resumed":   octx.Resumed,
		"context":   octx,
	})
}
