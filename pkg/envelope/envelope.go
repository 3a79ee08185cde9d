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

package envelope

import (
	"context"
	"time"
)

// SpecVersion is the wire format version stamped on every envelope.
const SpecVersion = "1.0"

// DefaultItineraryEditLimit is the per-workflow cap on itinerary-edit
// insertions applied when a dispatcher does not set one explicitly.
const DefaultItineraryEditLimit = 3

// Publisher publishes a fully-formed envelope to a transport topic.
// ForwardToNextStep depends on this narrow interface rather than the full
// transport.Transport surface so it can be tested with a recording fake.
type Publisher interface {
	Publish(ctx context.Context, topic string, env *Envelope) error
}

// WorkflowCompleter marks a workflow instance terminal. Satisfied by
// repository.Repository; kept narrow here to avoid an import cycle between
// envelope and repository.
type WorkflowCompleter interface {
	MarkWorkflowCompleted(ctx context.Context, correlationID string, status string) error
}

// Envelope carries a routing slip through the system. It is the on-wire
// message published to, and consumed from, the transport.
type Envelope struct {
	MessageID     string `json:"message_id"`
	CorrelationID string `json:"correlation_id"`
	TraceID       string `json:"trace_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`

	// OBOToken is an opaque delegation credential, propagated but never
	// validated by the core. Signature is reserved for a future integrity
	// layer and is never populated here.
	OBOToken  string `json:"obo_token,omitempty"`
	Signature string `json:"signature,omitempty"`

	RoutingSlip *RoutingSlip `json:"routing_slip"`

	// Payload starts as the workflow variables given at dispatch; each
	// completed activity's output is then recorded under its agent_name.
	Payload map[string]any `json:"payload"`

	SpecVersion string `json:"spec_version"`

	// ActivityRegistry holds activities that are registered but not
	// initially in the itinerary: the allow-list a running worker may
	// insert from via the itinerary-edit protocol. Read-only after dispatch.
	ActivityRegistry map[string]ActivitySpec `json:"activity_registry"`

	// ItineraryEditLimit is the per-workflow insertion budget that applied
	// when this envelope was dispatched. Carried on the envelope itself so
	// a later change to global configuration never retroactively changes
	// an in-flight workflow's budget.
	ItineraryEditLimit int `json:"itinerary_edit_limit"`
}

// RecordOutput sets Payload[agentName] = output. The caller is responsible
// for only calling this once agentName has actually completed.
func (e *Envelope) RecordOutput(agentName string, output any) {
	if e.Payload == nil {
		e.Payload = make(map[string]any)
	}
	e.Payload[agentName] = output
}

// ForwardToNextStep advances the envelope past its current head and either
// publishes it to the next step's topic, or — if the itinerary is now
// empty — tells the repository the workflow is complete.
//
// Failure semantics: a Publish failure after MarkComplete leaves the
// in-memory slip advanced with no downstream delivery. The caller (the
// worker) must propagate the error and leave its own inbound delivery
// un-acked; the transport will redeliver it, and a retried worker safely
// recomputes and republishes because MarkComplete on an already-advanced
// slip is a no-op and step persistence is idempotent.
func (e *Envelope) ForwardToNextStep(ctx context.Context, pub Publisher, repo WorkflowCompleter) error {
	current, ok := e.RoutingSlip.NextStep()
	if !ok {
		return nil
	}

	e.RoutingSlip.MarkComplete(current)

	next, ok := e.RoutingSlip.NextStep()
	if !ok {
		return repo.MarkWorkflowCompleted(ctx, e.CorrelationID, "completed")
	}

	return pub.Publish(ctx, next.AgentName, e)
}
