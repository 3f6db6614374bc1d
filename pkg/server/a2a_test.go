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
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func postRPC(t *testing.T, handler http.Handler, path string, body []byte) jsonrpcResponse {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, "JSON-RPC errors ride a 200")

	var resp jsonrpcResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

const orchestratorPath = "/a2a/" + OrchestratorAgentID + "/v1"

func TestHandleA2A_EnvelopeValidation(t *testing.T) {
	s := newTestServer(t, &scriptedLLM{replies: []string{routeJSON("lights", 0.9)}}, &stubAgent{id: "lights"})
	handler := s.routes()

	tests := []struct {
		name     string
		body     []byte
		wantCode int
	}{
		{"body is not json", []byte("{nope"), -32700},
		{"missing jsonrpc version", []byte(`{"id":1,"method":"message/send","params":{}}`), -32600},
		{"wrong jsonrpc version", []byte(`{"jsonrpc":"1.0","id":1,"method":"message/send","params":{}}`), -32600},
		{"missing method", []byte(`{"jsonrpc":"2.0","id":1,"params":{}}`), -32600},
		{"unknown method", rpcBody(t, "tasks/resubscribe", nil), -32601},
		{"stream reserved", rpcBody(t, "message/stream", sendParamsFor("hi", "m1", "", "")), -32004},
		{"tasks get reserved", rpcBody(t, "tasks/get", map[string]any{"id": "task-1"}), -32001},
		{"tasks cancel reserved", rpcBody(t, "tasks/cancel", map[string]any{"id": "task-1"}), -32002},
		{"missing message", rpcBody(t, "message/send", map[string]any{}), -32602},
		{"missing parts", rpcBody(t, "message/send", map[string]any{"message": map[string]any{"kind": "message", "role": "user"}}), -32600},
		{"empty parts", rpcBody(t, "message/send", map[string]any{"message": map[string]any{"parts": []any{}}}), -32602},
		{"no text part", rpcBody(t, "message/send", map[string]any{"message": map[string]any{"parts": []any{map[string]any{"kind": "data"}}}}), -32602},
		{"whitespace only", rpcBody(t, "message/send", sendParamsFor("   ", "m1", "", "")), -32602},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postRPC(t, handler, orchestratorPath, tt.body)
			require.NotNil(t, resp.Error, "expected an error response")
			assert.Equal(t, tt.wantCode, resp.Error.Code)
			assert.Nil(t, resp.Result)
		})
	}
}

func TestHandleA2A_UnknownAgent(t *testing.T) {
	s := newTestServer(t, &scriptedLLM{}, &stubAgent{id: "lights"})
	resp := postRPC(t, s.routes(), "/a2a/vacuum/v1", rpcBody(t, "message/send", sendParamsFor("hi", "m1", "", "")))

	require.NotNil(t, resp.Error)
	assert.Equal(t, -32601, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "Unknown agent: vacuum")
}

func TestHandleA2A_MessageSend(t *testing.T) {
	s := newTestServer(t, &scriptedLLM{replies: []string{routeJSON("lights", 0.9)}}, &stubAgent{id: "lights"})
	resp := postRPC(t, s.routes(), orchestratorPath,
		rpcBody(t, "message/send", sendParamsFor("turn on the lights", "m1", "ctx-1", "")))

	require.Nil(t, resp.Error)
	result, err := json.Marshal(resp.Result)
	require.NoError(t, err)

	var msg struct {
		Kind      string `json:"kind"`
		Role      string `json:"role"`
		MessageID string `json:"messageId"`
		ContextID string `json:"contextId"`
		Parts     []struct {
			Kind string `json:"kind"`
			Text string `json:"text"`
		} `json:"parts"`
		Metadata map[string]any `json:"metadata"`
	}
	require.NoError(t, json.Unmarshal(result, &msg))

	assert.Equal(t, "message", msg.Kind)
	assert.Equal(t, "assistant", msg.Role)
	assert.NotEmpty(t, msg.MessageID)
	assert.Equal(t, "ctx-1", msg.ContextID)
	require.Len(t, msg.Parts, 1)
	assert.Equal(t, "lights: turn on the lights", msg.Parts[0].Text)

	assert.Equal(t, "fresh", msg.Metadata["task_state"])
	assert.Equal(t, []any{"lights"}, msg.Metadata["agents_used"])
	assert.Contains(t, msg.Metadata, "execution_time_ms")
}

func TestHandleA2A_RegisteredAgentPathAccepted(t *testing.T) {
	s := newTestServer(t, &scriptedLLM{replies: []string{routeJSON("lights", 0.9)}}, &stubAgent{id: "lights"})
	resp := postRPC(t, s.routes(), "/a2a/lights/v1",
		rpcBody(t, "message/send", sendParamsFor("hello", "m1", "", "")))
	assert.Nil(t, resp.Error)
}

func TestHandleA2A_TaskStateAcrossTurns(t *testing.T) {
	s := newTestServer(t, &scriptedLLM{replies: []string{routeJSON("lights", 0.9)}}, &stubAgent{id: "lights"})
	handler := s.routes()

	state := func(messageID string) string {
		resp := postRPC(t, handler, orchestratorPath,
			rpcBody(t, "message/send", sendParamsFor("next step", messageID, "ctx-1", "task-9")))
		require.Nil(t, resp.Error)
		data, _ := json.Marshal(resp.Result)
		var msg struct {
			Metadata map[string]any `json:"metadata"`
		}
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg.Metadata["task_state"].(string)
	}

	assert.Equal(t, "fresh", state("m1"))
	assert.Equal(t, "resumed", state("m2"))
	assert.Equal(t, "completed", state("m3"))
}

func TestHandleA2A_OrchestrationErrorMapped(t *testing.T) {
	s := newTestServer(t, &scriptedLLM{err: errors.New("model down")}, &stubAgent{id: "lights"})
	resp := postRPC(t, s.routes(), orchestratorPath,
		rpcBody(t, "message/send", sendParamsFor("hi", "m1", "", "")))

	require.NotNil(t, resp.Error)
	assert.Equal(t, -32000, resp.Error.Code)
	assert.NotEmpty(t, resp.Error.Message)

	data, ok := resp.Error.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ROUTER_FAILURE", data["code"])
}

func TestAgentCardEndpoint(t *testing.T) {
	s := newTestServer(t, &scriptedLLM{}, &stubAgent{id: "lights"})
	handler := s.routes()

	for _, path := range []string{"/.well-known/agent.json", "/.well-known/agent-card.json"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code == http.StatusNotFound {
			// Only the canonical path is mandatory; the alias depends on
			// the a2a library's constant.
			continue
		}
		require.Equal(t, http.StatusOK, rec.Code, path)
		var card struct {
			Name            string `json:"name"`
			ProtocolVersion string `json:"protocolVersion"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &card))
		assert.Equal(t, "Lucia Orchestrator", card.Name)
	}
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t, &scriptedLLM{}, &stubAgent{id: "lights"})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t, &scriptedLLM{}, &stubAgent{id: "lights"})
	req := httptest.NewRequest(http.MethodOptions, orchestratorPath, nil)
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
