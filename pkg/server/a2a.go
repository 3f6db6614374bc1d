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
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/lucia-home/lucia/pkg/orchestrator"
)

// JSON-RPC 2.0 envelope.
type jsonrpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type jsonrpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// JSON-RPC and A2A error codes.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
	codeServerError    = -32000

	codeTaskNotFound         = -32001
	codeTaskNotCancelable    = -32002
	codeUnsupportedOperation = -32004
)

// Inbound message/send payload.
type sendParams struct {
	Message *inboundMessage `json:"message"`
}

type inboundMessage struct {
	Kind      string         `json:"kind"`
	Role      string         `json:"role"`
	Parts     []inboundPart  `json:"parts"`
	MessageID string         `json:"messageId"`
	ContextID string         `json:"contextId"`
	TaskID    string         `json:"taskId,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type inboundPart struct {
	Kind string `json:"kind"`
	Text string `json:"text"`
}

type outboundMessage struct {
	Kind      string         `json:"kind"`
	Role      string         `json:"role"`
	Parts     []inboundPart  `json:"parts"`
	MessageID string         `json:"messageId"`
	ContextID string         `json:"contextId,omitempty"`
	Metadata  map[string]any `json:"metadata"`
}

// handleA2A is the orchestrator's JSON-RPC endpoint. The envelope is
// validated strictly before any workflow runs.
func (s *Server) handleA2A(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentId")

	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.sendRPCError(w, nil, codeParseError, "Failed to read request body")
		return
	}
	defer r.Body.Close()

	var req jsonrpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.sendRPCError(w, nil, codeParseError, "Parse error")
		return
	}

	if req.JSONRPC != "2.0" || req.Method == "" {
		s.sendRPCError(w, req.ID, codeInvalidRequest, "Invalid Request")
		return
	}

	if agentID != OrchestratorAgentID && !s.registry.Snapshot().Has(agentID) {
		s.sendRPCError(w, req.ID, codeMethodNotFound, "Unknown agent: "+agentID)
		return
	}

	switch req.Method {
	case "message/send":
		s.handleMessageSend(w, r, req)
	case "message/stream":
		s.sendRPCError(w, req.ID, codeUnsupportedOperation, "message/stream is not supported")
	case "tasks/get":
		s.sendRPCError(w, req.ID, codeTaskNotFound, "Task not found")
	case "tasks/cancel":
		s.sendRPCError(w, req.ID, codeTaskNotCancelable, "Task cannot be canceled")
	default:
		s.sendRPCError(w, req.ID, codeMethodNotFound, "Method not found: "+req.Method)
	}
}

func (s *Server) handleMessageSend(w http.ResponseWriter, r *http.Request, req jsonrpcRequest) {
	var params sendParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Message == nil {
		s.rejectValidation(w, req.ID, codeInvalidParams, "Invalid params: message is required")
		return
	}

	msg := params.Message
	if msg.Parts == nil {
		s.rejectValidation(w, req.ID, codeInvalidRequest, "Invalid Request: message.parts is required")
		return
	}

	var text strings.Builder
	for _, part := range msg.Parts {
		if part.Kind == "text" && part.Text != "" {
			if text.Len() > 0 {
				text.WriteString("\n")
			}
			text.WriteString(part.Text)
		}
	}
	if strings.TrimSpace(text.String()) == "" {
		s.rejectValidation(w, req.ID, codeInvalidParams, "Invalid params: at least one non-empty text part is required")
		return
	}

	explicitSession := ""
	if v, ok := msg.Metadata["sessionId"].(string); ok {
		explicitSession = v
	}

	result, err := s.orch.ProcessRequest(r.Context(), orchestrator.Request{
		UserText:  text.String(),
		TaskID:    msg.TaskID,
		SessionID: explicitSession,
		ContextID: msg.ContextID,
		MessageID: msg.MessageID,
	})
	if err != nil {
		if r.Context().Err() != nil {
			// Client went away; nothing sensible to write.
			return
		}
		var orchErr *orchestrator.OrchestrationError
		if errors.As(err, &orchErr) {
			s.sendRPCErrorData(w, req.ID, codeServerError, orchErr.Message, map[string]any{"code": orchErr.Code})
			return
		}
		s.sendRPCError(w, req.ID, codeInternalError, "Internal error")
		return
	}

	reply := outboundMessage{
		Kind:      "message",
		Role:      "assistant",
		Parts:     []inboundPart{{Kind: "text", Text: result.Text}},
		MessageID: uuid.NewString(),
		ContextID: msg.ContextID,
		Metadata: map[string]any{
			"agents_used":       result.AgentsUsed,
			"execution_time_ms": result.ExecutionTimeMs,
			"task_state":        result.TaskState,
			"needs_input":       result.NeedsInput,
		},
	}
	writeJSON(w, http.StatusOK, jsonrpcResponse{JSONRPC: "2.0", ID: req.ID, Result: reply})
}

// rejectValidation logs the rejection and sends the error. Validation
// failures never start a workflow or emit activity events.
func (s *Server) rejectValidation(w http.ResponseWriter, id any, code int, message string) {
	slog.Warn("Request rejected", "code", code, "reason", message)
	s.sendRPCError(w, id, code, message)
}

func (s *Server) sendRPCError(w http.ResponseWriter, id any, code int, message string) {
	s.sendRPCErrorData(w, id, code, message, nil)
}

func (s *Server) sendRPCErrorData(w http.ResponseWriter, id any, code int, message string, data any) {
	writeJSON(w, http.StatusOK, jsonrpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &rpcError{Code: code, Message: message, Data: data},
	})
}
