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

// Package envelope holds the wire data model carried between workers: the
// routing slip, its activities, and the envelope that transports both a
// slip and the workflow's accumulated output across a message transport.
package envelope

import "reflect"

// SerializedDeps is the transport form of a step's input object: a
// structured value plus enough type information for the receiving process
// to reconstruct it. A nil Data means "no deps".
type SerializedDeps struct {
	Data   any    `json:"data"`
	Type   string `json:"type"`
	Module string `json:"module"`
}

// IsEmpty reports whether these deps carry no payload.
func (d *SerializedDeps) IsEmpty() bool {
	return d == nil || d.Data == nil
}

// ActivitySpec is one step in a workflow: a logical worker (agent_name), a
// prompt for that worker, optional serialized dependencies, and a reserved
// arguments map. ActivitySpec is immutable once placed on an envelope
// except through the itinerary-edit protocol (see RoutingSlip.InsertActivities).
type ActivitySpec struct {
	AgentName string          `json:"agent_name"`
	Prompt    string          `json:"prompt"`
	Deps      *SerializedDeps `json:"deps"`
	// Arguments is reserved free-form storage. The core never reads it;
	// it is carried on the wire for forward compatibility only.
	Arguments map[string]any `json:"arguments"`
}

// Equal compares two activities by value, used by RoutingSlip.MarkComplete
// to recognize "the step I am currently holding."
func (a ActivitySpec) Equal(other ActivitySpec) bool {
	if a.AgentName != other.AgentName || a.Prompt != other.Prompt {
		return false
	}
	return reflect.DeepEqual(a.Deps, other.Deps) && reflect.DeepEqual(a.Arguments, other.Arguments)
}

// WithPrompt returns a copy of the activity with its prompt overridden.
// Used by the itinerary-edit protocol, which lets a worker override the
// prompt of a registered activity when inserting it.
func (a ActivitySpec) WithPrompt(prompt string) ActivitySpec {
	a.Prompt = prompt
	return a
}
