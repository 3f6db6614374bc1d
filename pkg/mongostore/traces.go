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

package mongostore

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lucia-home/lucia/pkg/observability"
)

const (
	tracesCollection  = "activity_traces"
	traceBatchSize    = 32
	traceFlushPeriod  = 2 * time.Second
	traceWriteTimeout = 5 * time.Second
)

// TraceWriter drains the live-activity hub into Mongo in the
// background. Writes are batched and best-effort; a slow or absent
// Mongo never backpressures the pipeline because the hub subscription
// already drops oldest events when the buffer fills.
type TraceWriter struct {
	client *Client
	cancel func()
	done   sync.WaitGroup
}

type traceDocument struct {
	Type         string    `bson:"type"`
	AgentName    string    `bson:"agent_name,omitempty"`
	ToolName     string    `bson:"tool_name,omitempty"`
	State        string    `bson:"state,omitempty"`
	IsRemote     bool      `bson:"is_remote,omitempty"`
	Confidence   *float64  `bson:"confidence,omitempty"`
	DurationMs   *int64    `bson:"duration_ms,omitempty"`
	ErrorMessage string    `bson:"error_message,omitempty"`
	Timestamp    time.Time `bson:"timestamp"`
}

// StartTraceWriter subscribes to the hub and begins draining events.
func StartTraceWriter(client *Client, hub *observability.Hub) *TraceWriter {
	events, cancel := hub.Subscribe()
	w := &TraceWriter{client: client, cancel: cancel}
	w.done.Add(1)
	go w.run(events)
	return w
}

func (w *TraceWriter) run(events <-chan observability.LiveEvent) {
	defer w.done.Done()

	batch := make([]any, 0, traceBatchSize)
	ticker := time.NewTicker(traceFlushPeriod)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				w.flush(batch)
				return
			}
			batch = append(batch, fromLiveEvent(event))
			if len(batch) >= traceBatchSize {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

func (w *TraceWriter) flush(batch []any) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), traceWriteTimeout)
	defer cancel()

	coll := w.client.mongo.Database(w.client.tracesDB).Collection(tracesCollection)
	if _, err := coll.InsertMany(ctx, batch); err != nil {
		slog.Debug("Trace batch write failed", "count", len(batch), "error", err)
	}
}

// Close unsubscribes from the hub and flushes any buffered events.
func (w *TraceWriter) Close() {
	w.cancel()
	w.done.Wait()
}

func fromLiveEvent(event observability.LiveEvent) traceDocument {
	return traceDocument{
		Type:         string(event.Type),
		AgentName:    event.AgentName,
		ToolName:     event.ToolName,
		State:        event.State,
		IsRemote:     event.IsRemote,
		Confidence:   event.Confidence,
		DurationMs:   event.DurationMs,
		ErrorMessage: event.ErrorMessage,
		Timestamp:    event.Timestamp,
	}
}
