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

// Package memory is an in-process repository.Repository backed by
// per-workflow maps, modeled on the teacher's in-memory job queue: a
// single mutex guards all state, which is the right trade-off for a
// repository whose writers are already serialized per workflow (the
// dispatcher creates it, and afterward only the worker currently holding
// the envelope mutates it).
package memory

import (
	"context"
	"time"

	"github.com/tombee/waypoint/pkg/envelope"
	"github.com/tombee/waypoint/pkg/repository"
)

// Repository is an in-memory repository.Repository.
type Repository struct {
	mu        chan struct{} // binary semaphore; see lock/unlock below
	workflows map[string]*repository.WorkflowInstance
	stepIndex map[stepKey]int // index into the matching workflow's Steps slice
}

type stepKey struct {
	correlationID string
	stepName      string
	runID         int
}

// New returns an empty in-memory repository.
func New() *Repository {
	r := &Repository{
		mu:        make(chan struct{}, 1),
		workflows: make(map[string]*repository.WorkflowInstance),
		stepIndex: make(map[stepKey]int),
	}
	r.mu <- struct{}{}
	return r
}

func (r *Repository) lock()   { <-r.mu }
func (r *Repository) unlock() { r.mu <- struct{}{} }

func cloneSlip(slip *envelope.RoutingSlip) *envelope.RoutingSlip {
	if slip == nil {
		return nil
	}
	cp := *slip
	cp.Itinerary = append([]envelope.ActivitySpec(nil), slip.Itinerary...)
	cp.Executed = append([]envelope.ActivitySpec(nil), slip.Executed...)
	cp.Compensations = append([]envelope.ActivitySpec(nil), slip.Compensations...)
	return &cp
}

func clonePayload(payload map[string]any) map[string]any {
	cp := make(map[string]any, len(payload))
	for k, v := range payload {
		cp[k] = v
	}
	return cp
}

// CreateWorkflow creates a new in_progress workflow row.
func (r *Repository) CreateWorkflow(ctx context.Context, correlationID string, slip *envelope.RoutingSlip, payload map[string]any) error {
	r.lock()
	defer r.unlock()

	r.workflows[correlationID] = &repository.WorkflowInstance{
		CorrelationID: correlationID,
		RoutingSlip:   cloneSlip(slip),
		Payload:       clonePayload(payload),
		Status:        repository.WorkflowInProgress,
	}
	return nil
}

// UpdateRoutingSlip overwrites the stored slip snapshot.
func (r *Repository) UpdateRoutingSlip(ctx context.Context, correlationID string, slip *envelope.RoutingSlip) error {
	r.lock()
	defer r.unlock()

	wf, ok := r.workflows[correlationID]
	if !ok {
		return &repository.ErrNotFound{CorrelationID: correlationID}
	}
	wf.RoutingSlip = cloneSlip(slip)
	return nil
}

// UpdatePayload overwrites the stored payload.
func (r *Repository) UpdatePayload(ctx context.Context, correlationID string, payload map[string]any) error {
	r.lock()
	defer r.unlock()

	wf, ok := r.workflows[correlationID]
	if !ok {
		return &repository.ErrNotFound{CorrelationID: correlationID}
	}
	wf.Payload = clonePayload(payload)
	return nil
}

// MarkStepStarted is idempotent on (correlationID, stepName, runID).
func (r *Repository) MarkStepStarted(ctx context.Context, correlationID, stepName string, runID int) error {
	r.lock()
	defer r.unlock()

	wf, ok := r.workflows[correlationID]
	if !ok {
		return &repository.ErrNotFound{CorrelationID: correlationID}
	}

	key := stepKey{correlationID: correlationID, stepName: stepName, runID: runID}
	if _, exists := r.stepIndex[key]; exists {
		return nil
	}

	wf.Steps = append(wf.Steps, repository.StepRecord{
		CorrelationID: correlationID,
		StepName:      stepName,
		RunID:         runID,
		StartedAt:     time.Now().UTC(),
		Status:        repository.StepStarted,
	})
	r.stepIndex[key] = len(wf.Steps) - 1
	return nil
}

// MarkStepCompleted updates the matching step in place. Re-asserting the
// same terminal status is a no-op on the stored completion time.
func (r *Repository) MarkStepCompleted(ctx context.Context, correlationID, stepName string, runID int, status repository.StepStatus, output map[string]any) error {
	r.lock()
	defer r.unlock()

	wf, ok := r.workflows[correlationID]
	if !ok {
		return &repository.ErrNotFound{CorrelationID: correlationID}
	}

	key := stepKey{correlationID: correlationID, stepName: stepName, runID: runID}
	idx, exists := r.stepIndex[key]
	if !exists {
		return nil
	}

	step := &wf.Steps[idx]
	if step.Status != repository.StepStarted && step.Status == status {
		return nil
	}

	step.Status = status
	step.Output = output
	if step.CompletedAt == nil {
		now := time.Now().UTC()
		step.CompletedAt = &now
	}
	return nil
}

// MarkWorkflowCompleted sets the terminal status.
func (r *Repository) MarkWorkflowCompleted(ctx context.Context, correlationID string, status string) error {
	r.lock()
	defer r.unlock()

	wf, ok := r.workflows[correlationID]
	if !ok {
		return &repository.ErrNotFound{CorrelationID: correlationID}
	}
	wf.Status = repository.WorkflowStatus(status)
	return nil
}

// GetWorkflow returns a deep copy of the stored workflow instance.
func (r *Repository) GetWorkflow(ctx context.Context, correlationID string) (*repository.WorkflowInstance, error) {
	r.lock()
	defer r.unlock()

	wf, ok := r.workflows[correlationID]
	if !ok {
		return nil, &repository.ErrNotFound{CorrelationID: correlationID}
	}
	return cloneWorkflow(wf), nil
}

// ListWorkflows returns deep copies of every stored workflow instance.
func (r *Repository) ListWorkflows(ctx context.Context) ([]*repository.WorkflowInstance, error) {
	r.lock()
	defer r.unlock()

	out := make([]*repository.WorkflowInstance, 0, len(r.workflows))
	for _, wf := range r.workflows {
		out = append(out, cloneWorkflow(wf))
	}
	return out, nil
}

func cloneWorkflow(wf *repository.WorkflowInstance) *repository.WorkflowInstance {
	cp := *wf
	cp.RoutingSlip = cloneSlip(wf.RoutingSlip)
	cp.Payload = clonePayload(wf.Payload)
	cp.Steps = append([]repository.StepRecord(nil), wf.Steps...)
	return &cp
}

var _ repository.Repository = (*Repository)(nil)
