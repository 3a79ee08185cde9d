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

// Package repository defines the durable mirror of workflow instances and
// per-step execution history. Implementations must make MarkStepStarted
// and repeated terminal MarkStepCompleted calls idempotent on
// (correlation_id, step_name, run_id): this is what makes at-least-once
// transport redelivery safe (see pkg/worker).
package repository

import (
	"context"
	"time"

	"github.com/tombee/waypoint/pkg/envelope"
)

// WorkflowStatus is the lifecycle state of a WorkflowInstance.
type WorkflowStatus string

const (
	WorkflowInProgress WorkflowStatus = "in_progress"
	WorkflowCompleted  WorkflowStatus = "completed"
	WorkflowFailed     WorkflowStatus = "failed"
)

// StepStatus is the lifecycle state of a StepRecord.
type StepStatus string

const (
	StepStarted   StepStatus = "started"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// WorkflowInstance is the persisted record of one workflow.
type WorkflowInstance struct {
	CorrelationID string               `json:"correlation_id"`
	RoutingSlip   *envelope.RoutingSlip `json:"routing_slip"`
	Payload       map[string]any       `json:"payload"`
	Status        WorkflowStatus       `json:"status"`
	Steps         []StepRecord         `json:"steps"`
}

// StepRecord is the persisted history of one activity execution. The
// triple (CorrelationID, StepName, RunID) is unique; duplicate starts for
// the same triple are ignored by MarkStepStarted.
type StepRecord struct {
	CorrelationID string         `json:"correlation_id"`
	StepName      string         `json:"step_name"`
	RunID         int            `json:"run_id"`
	StartedAt     time.Time      `json:"started_at"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	Status        StepStatus     `json:"status"`
	Output        map[string]any `json:"output,omitempty"`
}

// Repository is the durable mirror of workflow instances and step history.
type Repository interface {
	CreateWorkflow(ctx context.Context, correlationID string, slip *envelope.RoutingSlip, payload map[string]any) error
	UpdateRoutingSlip(ctx context.Context, correlationID string, slip *envelope.RoutingSlip) error
	UpdatePayload(ctx context.Context, correlationID string, payload map[string]any) error

	// MarkStepStarted is idempotent: if (correlationID, stepName, runID)
	// already has a record, this is a no-op.
	MarkStepStarted(ctx context.Context, correlationID, stepName string, runID int) error

	// MarkStepCompleted updates the matching open step. A repeated call
	// with the same terminal status re-asserts that state rather than
	// erroring.
	MarkStepCompleted(ctx context.Context, correlationID, stepName string, runID int, status StepStatus, output map[string]any) error

	MarkWorkflowCompleted(ctx context.Context, correlationID string, status string) error

	GetWorkflow(ctx context.Context, correlationID string) (*WorkflowInstance, error)
	ListWorkflows(ctx context.Context) ([]*WorkflowInstance, error)
}

// ErrNotFound is returned by GetWorkflow when correlationID is unknown.
type ErrNotFound struct {
	CorrelationID string
}

func (e *ErrNotFound) Error() string {
	return "repository: workflow not found: " + e.CorrelationID
}
