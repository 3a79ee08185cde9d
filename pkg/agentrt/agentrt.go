// Copyright 2025 Tom Barlow
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

// Package agentrt defines the boundary between the orchestration core and
// whatever actually runs an activity's prompt. No LLM call, prompt
// templating, or tool execution lives here — callers supply a Resolver;
// this package only ships a StaticResolver for tests and examples.
package agentrt

import (
	"context"
	"fmt"

	"github.com/tombee/waypoint/pkg/envelope"
)

// Resolver locates the local agent implementation for an activity by its
// agent_name (the same string used as the transport topic).
type Resolver interface {
	Resolve(agentName string) (Handle, error)
}

// Handle runs one activity. prompt is the opaque string carried on the
// ActivitySpec; deps is the rehydrated, workflow-context-injected
// dependency object built by the worker loop.
type Handle interface {
	Run(ctx context.Context, prompt string, deps any) (Result, error)
}

// Result is what an activity hands back to the worker loop.
type Result struct {
	// Output is recorded into the envelope payload under the activity's
	// agent_name.
	Output any

	// AddedActivities are steps the activity wants inserted after itself,
	// drawn from the envelope's activity registry. The worker enforces
	// the itinerary-edit limit; this field only expresses intent.
	AddedActivities []envelope.ActivitySpec
}

// HandleFunc adapts a plain function to Handle.
type HandleFunc func(ctx context.Context, prompt string, deps any) (Result, error)

// Run implements Handle.
func (f HandleFunc) Run(ctx context.Context, prompt string, deps any) (Result, error) {
	return f(ctx, prompt, deps)
}

// ErrAgentNotFound is returned by a Resolver when agentName has no
// registered Handle.
type ErrAgentNotFound struct {
	AgentName string
}

func (e *ErrAgentNotFound) Error() string {
	return fmt.Sprintf("agentrt: no agent registered for %q", e.AgentName)
}

// StaticResolver resolves agent names from a fixed map, built up front.
// It never reloads or discovers agents at runtime — that belongs to
// whatever production resolver a caller wires in its place.
type StaticResolver struct {
	handles map[string]Handle
}

// NewStaticResolver builds a StaticResolver with no registered agents.
func NewStaticResolver() *StaticResolver {
	return &StaticResolver{handles: make(map[string]Handle)}
}

// Register associates agentName with a Handle, overwriting any prior
// registration under the same name.
func (r *StaticResolver) Register(agentName string, h Handle) {
	r.handles[agentName] = h
}

// Resolve implements Resolver.
func (r *StaticResolver) Resolve(agentName string) (Handle, error) {
	h, ok := r.handles[agentName]
	if !ok {
		return nil, &ErrAgentNotFound{AgentName: agentName}
	}
	return h, nil
}

var _ Resolver = (*StaticResolver)(nil)
