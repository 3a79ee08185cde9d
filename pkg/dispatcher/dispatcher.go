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

// Package dispatcher builds itineraries and launches workflows: it mints
// a correlation id, creates the workflow's repository row, and publishes
// the first envelope to the first step's topic.
package dispatcher

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/waypoint/pkg/envelope"
	"github.com/tombee/waypoint/pkg/metrics"
	"github.com/tombee/waypoint/pkg/repository"
	"github.com/tombee/waypoint/pkg/transport"
	waypointerr "github.com/tombee/waypoint/pkg/waypointerr"
)

// Dispatcher accumulates an itinerary and an insertion catalog, then
// dispatches workflows built from them. State lives on the Dispatcher
// value itself, never on an agent.
type Dispatcher struct {
	transport          transport.Transport
	repository         repository.Repository
	itineraryEditLimit int

	itinerary        []envelope.ActivitySpec
	activityRegistry map[string]envelope.ActivitySpec
}

// New constructs a Dispatcher. itineraryEditLimit is stamped onto every
// envelope this Dispatcher dispatches, per-workflow and immune to later
// changes to the caller's own configuration.
func New(tr transport.Transport, repo repository.Repository, itineraryEditLimit int) *Dispatcher {
	return &Dispatcher{
		transport:          tr,
		repository:         repo,
		itineraryEditLimit: itineraryEditLimit,
		activityRegistry:   make(map[string]envelope.ActivitySpec),
	}
}

// AddActivity appends an activity to the itinerary that will run when
// this Dispatcher's workflow is dispatched. It also registers the
// activity under its agent name, making it visible to the itinerary-edit
// protocol even though it is already scheduled to run.
func (d *Dispatcher) AddActivity(agentName, prompt string, deps *envelope.SerializedDeps) {
	spec := envelope.ActivitySpec{AgentName: agentName, Prompt: prompt, Deps: deps}
	d.itinerary = append(d.itinerary, spec)
	d.activityRegistry[agentName] = spec
}

// RegisterActivity adds an activity to the insertion catalog without
// scheduling it to run. A worker may later insert it via the
// itinerary-edit protocol, but it never runs unless some step does so.
func (d *Dispatcher) RegisterActivity(agentName, prompt string, deps *envelope.SerializedDeps) {
	d.activityRegistry[agentName] = envelope.ActivitySpec{AgentName: agentName, Prompt: prompt, Deps: deps}
}

// DispatchWorkflow mints a correlation id, builds the initial envelope
// from the accumulated itinerary and registry, persists the workflow
// row, and publishes to the first step's topic. It is an error to
// dispatch with an empty itinerary.
func (d *Dispatcher) DispatchWorkflow(ctx context.Context, variables map[string]any, oboToken string) (string, error) {
	if len(d.itinerary) == 0 {
		return "", waypointerr.New(waypointerr.KindInvalidConfiguration, "dispatch: itinerary is empty")
	}

	correlationID := uuid.NewString()
	slip := envelope.NewRoutingSlip(append([]envelope.ActivitySpec(nil), d.itinerary...))

	env := &envelope.Envelope{
		MessageID:          uuid.NewString(),
		CorrelationID:      correlationID,
		TraceID:            correlationID,
		OBOToken:           oboToken,
		RoutingSlip:        slip,
		Payload:            variables,
		SpecVersion:        envelope.SpecVersion,
		ActivityRegistry:   copyRegistry(d.activityRegistry),
		ItineraryEditLimit: d.itineraryEditLimit,
	}
	env.Timestamp = time.Now().UTC()

	if err := d.repository.CreateWorkflow(ctx, correlationID, slip, variables); err != nil {
		return "", waypointerr.Wrap(waypointerr.KindRepositoryFailure, "dispatch: create workflow", err)
	}

	firstTopic := d.itinerary[0].AgentName
	if err := d.transport.Publish(ctx, firstTopic, env); err != nil {
		return "", waypointerr.Wrap(waypointerr.KindTransientTransport, "dispatch: publish first step", err)
	}

	metrics.RecordWorkflow(string(repository.WorkflowInProgress))
	return correlationID, nil
}

func copyRegistry(reg map[string]envelope.ActivitySpec) map[string]envelope.ActivitySpec {
	cp := make(map[string]envelope.ActivitySpec, len(reg))
	for k, v := range reg {
		cp[k] = v
	}
	return cp
}
