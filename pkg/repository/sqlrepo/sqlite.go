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

// Package sqlrepo provides durable repository.Repository implementations
// on top of database/sql, for single-node (SQLite) and distributed
// (Postgres) deployments of the same orchestration core.
package sqlrepo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tombee/waypoint/pkg/envelope"
	"github.com/tombee/waypoint/pkg/repository"
)

// SQLiteConfig contains SQLite connection configuration.
type SQLiteConfig struct {
	// Path is the database file path, or ":memory:" for an ephemeral store.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// SQLiteRepository is a SQLite-backed repository.Repository.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLite opens (and migrates) a SQLite-backed repository.
func NewSQLite(cfg SQLiteConfig) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite serializes writes; one connection keeps us from fighting
	// ourselves over the write lock.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	r := &SQLiteRepository{db: db}
	if err := r.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure pragmas: %w", err)
	}
	if err := r.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return r, nil
}

func (r *SQLiteRepository) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, pragma := range pragmas {
		if _, err := r.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}
	return nil
}

func (r *SQLiteRepository) migrate(ctx context.Context) error {
	for _, tmpl := range migrationTemplates {
		stmt := fmt.Sprintf(tmpl, "TEXT")
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database connection.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

// CreateWorkflow creates a new in_progress workflow row.
func (r *SQLiteRepository) CreateWorkflow(ctx context.Context, correlationID string, slip *envelope.RoutingSlip, payload map[string]any) error {
	slipJSON, err := json.Marshal(slip)
	if err != nil {
		return fmt.Errorf("marshal routing slip: %w", err)
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO workflows (correlation_id, routing_slip, payload, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, correlationID, string(slipJSON), string(payloadJSON), string(repository.WorkflowInProgress), now, now)
	if err != nil {
		return fmt.Errorf("create workflow: %w", err)
	}
	return nil
}

// UpdateRoutingSlip overwrites the stored slip snapshot.
func (r *SQLiteRepository) UpdateRoutingSlip(ctx context.Context, correlationID string, slip *envelope.RoutingSlip) error {
	slipJSON, err := json.Marshal(slip)
	if err != nil {
		return fmt.Errorf("marshal routing slip: %w", err)
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE workflows SET routing_slip = ?, updated_at = ? WHERE correlation_id = ?`,
		string(slipJSON), time.Now().UTC().Format(time.RFC3339), correlationID)
	if err != nil {
		return fmt.Errorf("update routing slip: %w", err)
	}
	return requireRowsAffected(result, correlationID)
}

// UpdatePayload overwrites the stored payload.
func (r *SQLiteRepository) UpdatePayload(ctx context.Context, correlationID string, payload map[string]any) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE workflows SET payload = ?, updated_at = ? WHERE correlation_id = ?`,
		string(payloadJSON), time.Now().UTC().Format(time.RFC3339), correlationID)
	if err != nil {
		return fmt.Errorf("update payload: %w", err)
	}
	return requireRowsAffected(result, correlationID)
}

// MarkStepStarted is idempotent on (correlationID, stepName, runID).
func (r *SQLiteRepository) MarkStepStarted(ctx context.Context, correlationID, stepName string, runID int) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO step_history (correlation_id, step_name, run_id, started_at, status)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (correlation_id, step_name, run_id) DO NOTHING
	`, correlationID, stepName, runID, time.Now().UTC().Format(time.RFC3339), string(repository.StepStarted))
	if err != nil {
		return fmt.Errorf("mark step started: %w", err)
	}
	return nil
}

// MarkStepCompleted updates the matching step in place, idempotently.
func (r *SQLiteRepository) MarkStepCompleted(ctx context.Context, correlationID, stepName string, runID int, status repository.StepStatus, output map[string]any) error {
	outputJSON, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		UPDATE step_history
		SET status = ?, output = ?, completed_at = COALESCE(completed_at, ?)
		WHERE correlation_id = ? AND step_name = ? AND run_id = ?
	`, string(status), string(outputJSON), time.Now().UTC().Format(time.RFC3339), correlationID, stepName, runID)
	if err != nil {
		return fmt.Errorf("mark step completed: %w", err)
	}
	return nil
}

// MarkWorkflowCompleted sets the terminal status.
func (r *SQLiteRepository) MarkWorkflowCompleted(ctx context.Context, correlationID string, status string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE workflows SET status = ?, updated_at = ? WHERE correlation_id = ?`,
		status, time.Now().UTC().Format(time.RFC3339), correlationID)
	if err != nil {
		return fmt.Errorf("mark workflow completed: %w", err)
	}
	return requireRowsAffected(result, correlationID)
}

// GetWorkflow retrieves a workflow and its step history.
func (r *SQLiteRepository) GetWorkflow(ctx context.Context, correlationID string) (*repository.WorkflowInstance, error) {
	var slipJSON, payloadJSON, status string
	err := r.db.QueryRowContext(ctx,
		`SELECT routing_slip, payload, status FROM workflows WHERE correlation_id = ?`,
		correlationID,
	).Scan(&slipJSON, &payloadJSON, &status)
	if err == sql.ErrNoRows {
		return nil, &repository.ErrNotFound{CorrelationID: correlationID}
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}

	wf := &repository.WorkflowInstance{CorrelationID: correlationID, Status: repository.WorkflowStatus(status)}
	if err := json.Unmarshal([]byte(slipJSON), &wf.RoutingSlip); err != nil {
		return nil, fmt.Errorf("unmarshal routing slip: %w", err)
	}
	if payloadJSON != "" {
		if err := json.Unmarshal([]byte(payloadJSON), &wf.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
	}

	steps, err := r.listSteps(ctx, correlationID)
	if err != nil {
		return nil, err
	}
	wf.Steps = steps
	return wf, nil
}

func (r *SQLiteRepository) listSteps(ctx context.Context, correlationID string) ([]repository.StepRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT step_name, run_id, started_at, completed_at, status, output
		FROM step_history WHERE correlation_id = ? ORDER BY started_at ASC
	`, correlationID)
	if err != nil {
		return nil, fmt.Errorf("list step history: %w", err)
	}
	defer rows.Close()

	var steps []repository.StepRecord
	for rows.Next() {
		step, err := scanStepRow(rows.Scan, correlationID)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// ListWorkflows returns every stored workflow, without step history
// (callers that need step detail should call GetWorkflow per id).
func (r *SQLiteRepository) ListWorkflows(ctx context.Context) ([]*repository.WorkflowInstance, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT correlation_id, routing_slip, payload, status FROM workflows`)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var out []*repository.WorkflowInstance
	for rows.Next() {
		var correlationID, slipJSON, payloadJSON, status string
		if err := rows.Scan(&correlationID, &slipJSON, &payloadJSON, &status); err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		wf := &repository.WorkflowInstance{CorrelationID: correlationID, Status: repository.WorkflowStatus(status)}
		if err := json.Unmarshal([]byte(slipJSON), &wf.RoutingSlip); err != nil {
			return nil, fmt.Errorf("unmarshal routing slip: %w", err)
		}
		if payloadJSON != "" {
			if err := json.Unmarshal([]byte(payloadJSON), &wf.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal payload: %w", err)
			}
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

func requireRowsAffected(result sql.Result, correlationID string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return &repository.ErrNotFound{CorrelationID: correlationID}
	}
	return nil
}

type rowScanner func(dest ...any) error

func scanStepRow(scan rowScanner, correlationID string) (repository.StepRecord, error) {
	var stepName, startedAt, status string
	var completedAt, outputJSON sql.NullString
	var runID int

	if err := scan(&stepName, &runID, &startedAt, &completedAt, &status, &outputJSON); err != nil {
		return repository.StepRecord{}, fmt.Errorf("scan step history: %w", err)
	}

	step := repository.StepRecord{
		CorrelationID: correlationID,
		StepName:      stepName,
		RunID:         runID,
		Status:        repository.StepStatus(status),
	}
	if t, err := time.Parse(time.RFC3339, startedAt); err == nil {
		step.StartedAt = t
	}
	if completedAt.Valid {
		if t, err := time.Parse(time.RFC3339, completedAt.String); err == nil {
			step.CompletedAt = &t
		}
	}
	if outputJSON.Valid && outputJSON.String != "" {
		if err := json.Unmarshal([]byte(outputJSON.String), &step.Output); err != nil {
			return repository.StepRecord{}, fmt.Errorf("unmarshal step output: %w", err)
		}
	}
	return step, nil
}

var _ repository.Repository = (*SQLiteRepository)(nil)
