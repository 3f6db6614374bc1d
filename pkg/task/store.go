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

// Package task persists orchestration context between turns of a
// long-running workflow.
package task

import (
	"context"
	"fmt"
	"time"
)

// Record is the stored form of an orchestration context.
type Record struct {
	TaskID    string    `json:"task_id"`
	Payload   []byte    `json:"payload"`
	ExpiresAt time.Time `json:"expires_at"`
	ETag      string    `json:"etag"`
}

// StoreError is a typed persistence failure.
type StoreError struct {
	Code    string
	Message string
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

var (
	// ErrNotFound indicates no record exists for the task id.
	ErrNotFound = &StoreError{Code: "TASK_NOT_FOUND", Message: "no record for task id"}

	// ErrETagMismatch indicates a concurrent writer updated the record
	// since it was loaded. Callers reload, reapply, and retry once.
	ErrETagMismatch = &StoreError{Code: "ETAG_MISMATCH", Message: "record changed since load"}
)

// Store holds task records keyed by task id. Writers pass the etag they
// loaded; a save with a stale etag fails with ErrETagMismatch. An empty
// expected etag asserts the record does not exist yet.
type Store interface {
	Load(ctx context.Context, taskID string) (*Record, error)
	Save(ctx context.Context, taskID string, payload []byte, expectedETag string) (newETag string, err error)
	Delete(ctx context.Context, taskID string) error
}
