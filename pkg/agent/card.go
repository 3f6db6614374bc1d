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

// Package agent defines agent cards, the registry, and the invokers the
// orchestration pipeline dispatches to.
package agent

import (
	"strings"

	"github.com/a2aproject/a2a-go/a2a"
)

// Card is the immutable description of an agent known to the registry.
type Card struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	URL          string   `json:"url,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Version      string   `json:"version,omitempty"`
}

// HasCapability reports whether the card carries the given tag.
func (c Card) HasCapability(tag string) bool {
	for _, t := range c.Capabilities {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// ToA2A renders the card in A2A canonical form.
func (c Card) ToA2A() *a2a.AgentCard {
	skill := a2a.AgentSkill{
		ID:          c.ID,
		Name:        c.Name,
		Description: c.Description,
		Tags:        c.Capabilities,
	}
	return &a2a.AgentCard{
		Name:               c.Name,
		Description:        c.Description,
		URL:                c.URL,
		Version:            c.Version,
		ProtocolVersion:    "1.0",
		PreferredTransport: a2a.TransportProtocolJSONRPC,
		DefaultInputModes:  []string{"text/plain"},
		DefaultOutputModes: []string{"text/plain"},
		Capabilities:       a2a.AgentCapabilities{},
		Skills:             []a2a.AgentSkill{skill},
	}
}

// CardFromA2A converts a fetched remote card. The registry id defaults
// to a slug of the card name when the caller passes none.
func CardFromA2A(remote *a2a.AgentCard, id string) Card {
	if id == "" {
		id = strings.ToLower(strings.ReplaceAll(strings.TrimSpace(remote.Name), " ", "-"))
	}
	var tags []string
	for _, skill := range remote.Skills {
		tags = append(tags, skill.Tags...)
	}
	return Card{
		ID:           id,
		Name:         remote.Name,
		Description:  remote.Description,
		URL:          remote.URL,
		Capabilities: tags,
		Version:      remote.Version,
	}
}
