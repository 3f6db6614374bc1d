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

package agent

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// RegistryError is a typed registry failure.
type RegistryError struct {
	Code    string
	Message string
}

func (e *RegistryError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ErrUnknownAgent is returned when no card matches the requested id.
var ErrUnknownAgent = &RegistryError{Code: "UNKNOWN_AGENT", Message: "no agent registered under that id"}

// ResolutionObserver is notified which source ("local" or "a2a") served
// an invoker resolution.
type ResolutionObserver func(agentID, source string)

type registration struct {
	card    Card
	local   LocalAgent
	factory SessionFactory
	ordinal int
}

// Registry is the single source of truth for which agents exist.
// Writers are serialized; readers take immutable snapshots.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]*registration
	nextOrd  int
	timeout  time.Duration
	observer ResolutionObserver
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithResolutionObserver installs the resolution event callback.
func WithResolutionObserver(obs ResolutionObserver) RegistryOption {
	return func(r *Registry) { r.observer = obs }
}

// WithRemoteTimeout sets the per-call timeout handed to remote invokers.
func WithRemoteTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) { r.timeout = d }
}

// NewRegistry builds an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		entries: make(map[string]*registration),
		timeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds or replaces a card. A nil local agent registers a
// remote-only card; re-registering an id keeps its ordinal so List
// order stays stable.
func (r *Registry) Register(card Card, local LocalAgent, factory SessionFactory) error {
	if card.ID == "" {
		return &RegistryError{Code: "INVALID_CARD", Message: "card id is required"}
	}
	if local == nil && card.URL == "" {
		return &RegistryError{Code: "INVALID_CARD", Message: "remote card requires a url"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ordinal := r.nextOrd
	if prev, ok := r.entries[card.ID]; ok {
		ordinal = prev.ordinal
	} else {
		r.nextOrd++
	}
	r.entries[card.ID] = &registration{card: card, local: local, factory: factory, ordinal: ordinal}
	slog.Info("Agent registered", "agent", card.ID, "remote", local == nil)
	return nil
}

// Unregister removes a card. Unknown ids are a no-op.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; ok {
		delete(r.entries, id)
		slog.Info("Agent unregistered", "agent", id)
	}
}

// Get returns the most recently registered card for id.
func (r *Registry) Get(id string) (Card, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if reg, ok := r.entries[id]; ok {
		return reg.card, true
	}
	return Card{}, false
}

// List returns all cards in registration order.
func (r *Registry) List() []Card {
	return r.Snapshot().List()
}

// FindByCapability returns cards carrying the tag, in registration order.
func (r *Registry) FindByCapability(tag string) []Card {
	var out []Card
	for _, card := range r.List() {
		if card.HasCapability(tag) {
			out = append(out, card)
		}
	}
	return out
}

// ResolveInvoker resolves against the current membership. Requests
// should prefer resolving through a Snapshot taken at request start.
func (r *Registry) ResolveInvoker(id string) (Invoker, error) {
	return r.Snapshot().ResolveInvoker(id)
}

// Snapshot captures current membership for the duration of one request.
// Registry changes after the snapshot do not affect it.
func (r *Registry) Snapshot() *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := &Snapshot{
		regs:     make(map[string]registration, len(r.entries)),
		timeout:  r.timeout,
		observer: r.observer,
	}
	for id, reg := range r.entries {
		snap.regs[id] = *reg
	}
	return snap
}

// Snapshot is an immutable view of registry membership.
type Snapshot struct {
	regs     map[string]registration
	timeout  time.Duration
	observer ResolutionObserver
}

// Has reports whether the id resolves in this snapshot.
func (s *Snapshot) Has(id string) bool {
	_, ok := s.regs[id]
	return ok
}

// Get returns the card for id.
func (s *Snapshot) Get(id string) (Card, bool) {
	if reg, ok := s.regs[id]; ok {
		return reg.card, true
	}
	return Card{}, false
}

// List returns the snapshot's cards in registration order.
func (s *Snapshot) List() []Card {
	out := make([]Card, 0, len(s.regs))
	ordered := make([]registration, 0, len(s.regs))
	for _, reg := range s.regs {
		ordered = append(ordered, reg)
	}
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0 && ordered[j-1].ordinal > ordered[j].ordinal; j-- {
			ordered[j-1], ordered[j] = ordered[j], ordered[j-1]
		}
	}
	for _, reg := range ordered {
		out = append(out, reg.card)
	}
	return out
}

// ResolveInvoker prefers the local implementation when one was
// registered; otherwise it builds a remote invoker bound to the card
// URL. Every resolution reports its source to the observer.
func (s *Snapshot) ResolveInvoker(id string) (Invoker, error) {
	reg, ok := s.regs[id]
	if !ok {
		return nil, ErrUnknownAgent
	}

	if reg.local != nil {
		s.observe(id, "local")
		return &localInvoker{agent: reg.local, factory: reg.factory, id: id}, nil
	}

	s.observe(id, "a2a")
	return newRemoteInvoker(reg.card, s.timeout), nil
}

func (s *Snapshot) observe(id, source string) {
	if s.observer != nil {
		s.observer(id, source)
	}
	slog.Debug("Resolved agent invoker", "agent", id, "source", source)
}
