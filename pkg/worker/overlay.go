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

package worker

import "github.com/tombee/waypoint/pkg/envelope"

// PreviousOutput names the step that ran immediately before the current
// one and carries its recorded output forward.
type PreviousOutput struct {
	AgentName string `json:"agent_name"`
	Output    any    `json:"output"`
}

// WorkflowContextSetter is implemented by a dependency type that wants the
// worker-injected previous-step output and activity registry. A
// dependency type that does not implement it is left untouched by the
// overlay step.
type WorkflowContextSetter interface {
	SetWorkflowContext(previous PreviousOutput, activityRegistry map[string]envelope.ActivitySpec)
}

// WorkflowDeps is the default workflow-dependency object constructed when
// an activity declares no deps of its own.
type WorkflowDeps struct {
	PreviousOutput   PreviousOutput                    `json:"previous_output"`
	ActivityRegistry map[string]envelope.ActivitySpec `json:"activity_registry"`
}

// SetWorkflowContext implements WorkflowContextSetter.
func (d *WorkflowDeps) SetWorkflowContext(previous PreviousOutput, activityRegistry map[string]envelope.ActivitySpec) {
	d.PreviousOutput = previous
	d.ActivityRegistry = activityRegistry
}

var _ WorkflowContextSetter = (*WorkflowDeps)(nil)

// buildOverlay injects the previous step's output and the envelope's
// activity registry into deps. If deps is nil, a fresh WorkflowDeps is
// constructed. If deps implements WorkflowContextSetter, it is mutated in
// place. Otherwise deps is an unrelated type and is returned unchanged.
func buildOverlay(deps any, slip *envelope.RoutingSlip, payload map[string]any, activityRegistry map[string]envelope.ActivitySpec) any {
	previous := PreviousOutput{}
	if prevStep, ok := slip.PreviousStep(); ok {
		previous = PreviousOutput{AgentName: prevStep.AgentName, Output: payload[prevStep.AgentName]}
	}

	if deps == nil {
		return &WorkflowDeps{PreviousOutput: previous, ActivityRegistry: activityRegistry}
	}

	if setter, ok := deps.(WorkflowContextSetter); ok {
		setter.SetWorkflowContext(previous, activityRegistry)
		return deps
	}

	return deps
}
