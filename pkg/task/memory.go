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

package task

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore implements Store with the same etag semantics as the
// Redis store. Used by tests and single-node deployments without Redis.
type InMemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
	ttl     time.Duration
}

var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore builds an empty store. ttl <= 0 uses the default 24h.
func NewInMemoryStore(ttl time.Duration) *InMemoryStore {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &InMemoryStore{
		records: make(map[string]*Record),
		ttl:     ttl,
	}
}

func (s *InMemoryStore) Load(ctx context.Context, taskID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	if time.Now().After(rec.ExpiresAt) {
		delete(s.records, taskID)
		return nil, ErrNotFound
	}

	out := *rec
	out.Payload = append([]byte(nil), rec.Payload...)
	return &out, nil
}

func (s *InMemoryStore) Save(ctx context.Context, taskID string, payload []byte, expectedETag string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := ""
	if rec, ok := s.records[taskID]; ok && time.Now().Before(rec.ExpiresAt) {
		current = rec.ETag
	}
	if current != expectedETag {
		return "", ErrETagMismatch
	}

	newETag := uuid.NewString()
	s.records[taskID] = &Record{
		TaskID:    taskID,
		Payload:   append([]byte(nil), payload...),
		ExpiresAt: time.Now().UTC().Add(s.ttl),
		ETag:      newETag,
	}
	return newETag, nil
}

func (s *InMemoryStore) Delete(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, taskID)
	return nil
}
