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

package sqlrepo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/tombee/waypoint/pkg/envelope"
	"github.com/tombee/waypoint/pkg/repository"
)

// PostgresConfig contains PostgreSQL connection configuration, for
// distributed deployments where multiple dispatcher/worker processes
// share one durable store.
type PostgresConfig struct {
	// ConnectionString is a postgres:// URL.
	ConnectionString string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// PostgresRepository is a Postgres-backed repository.Repository.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgres opens (and migrates) a Postgres-backed repository.
func NewPostgres(cfg PostgresConfig) (*PostgresRepository, error) {
	db, err := sql.Open("pgx", cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	r := &PostgresRepository{db: db}
	if err := r.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return r, nil
}

func (r *PostgresRepository) migrate(ctx context.Context) error {
	for _, tmpl := range migrationTemplates {
		stmt := fmt.Sprintf(tmpl, "JSONB")
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Close closes the underlying connection pool.
func (r *PostgresRepository) Close() error {
	return r.db.Close()
}

// CreateWorkflow creates a new in_progress workflow row.
func (r *PostgresRepository) CreateWorkflow(ctx context.Context, correlationID string, slip *envelope.RoutingSlip, payload map[string]any) error {
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
		VALUES ($1, $2, $3, $4, $5, $6)
	`, correlationID, string(slipJSON), string(payloadJSON), string(repository.WorkflowInProgress), now, now)
	if err != nil {
		return fmt.Errorf("create workflow: %w", err)
	}
	return nil
}

// UpdateRoutingSlip overwrites the stored slip snapshot.
func (r *PostgresRepository) UpdateRoutingSlip(ctx context.Context, correlationID string, slip *envelope.RoutingSlip) error {
	slipJSON, err := json.Marshal(slip)
	if err != nil {
		return fmt.Errorf("marshal routing slip: %w", err)
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE workflows SET routing_slip = $1, updated_at = $2 WHERE correlation_id = $3`,
		string(slipJSON), time.Now().UTC().Format(time.RFC3339), correlationID)
	if err != nil {
		return fmt.Errorf("update routing slip: %w", err)
	}
	return requireRowsAffected(result, correlationID)
}

// UpdatePayload overwrites the stored payload.
func (r *PostgresRepository) UpdatePayload(ctx context.Context, correlationID string, payload map[string]any) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE workflows SET payload = $1, updated_at = $2 WHERE correlation_id = $3`,
		string(payloadJSON), time.Now().UTC().Format(time.RFC3339), correlationID)
	if err != nil {
		return fmt.Errorf("update payload: %w", err)
	}
	return requireRowsAffected(result, correlationID)
}

// MarkStepStarted is idempotent on (correlationID, stepName, runID).
func (r *PostgresRepository) MarkStepStarted(ctx context.Context, correlationID, stepName string, runID int) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO step_history (correlation_id, step_name, run_id, started_at, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (correlation_id, step_name, run_id) DO NOTHING
	`, correlationID, stepName, runID, time.Now().UTC().Format(time.RFC3339), string(repository.StepStarted))
	if err != nil {
		return fmt.Errorf("mark step started: %w", err)
	}
	return nil
}

// MarkStepCompleted updates the matching step in place, idempotently.
func (r *PostgresRepository) MarkStepCompleted(ctx context.Context, correlationID, stepName string, runID int, status repository.StepStatus, output map[string]any) error {
	outputJSON, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		UPDATE step_history
		SET status = $1, output = $2, completed_at = COALESCE(completed_at, $3)
		WHERE correlation_id = $4 AND step_name = $5 AND run_id = $6
	`, string(status), string(outputJSON), time.Now().UTC().Format(time.RFC3339), correlationID, stepName, runID)
	if err != nil {
		return fmt.Errorf("mark step completed: %w", err)
	}
	return nil
}

// MarkWorkflowCompleted sets the terminal status.
func (r *PostgresRepository) MarkWorkflowCompleted(ctx context.Context, correlationID string, status string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE workflows SET status = $1, updated_at = $2 WHERE correlation_id = $3`,
		status, time.Now().UTC().Format(time.RFC3339), correlationID)
	if err != nil {
		return fmt.Errorf("mark workflow completed: %w", err)
	}
	return requireRowsAffected(result, correlationID)
}

// GetWorkflow retrieves a workflow and its step history.
func (r *PostgresRepository) GetWorkflow(ctx context.Context, correlationID string) (*repository.WorkflowInstance, error) {
	var slipJSON, payloadJSON, status string
	err := r.db.QueryRowContext(ctx,
		`SELECT routing_slip, payload, status FROM workflows WHERE correlation_id = $1`,
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

func (r *PostgresRepository) listSteps(ctx context.Context, correlationID string) ([]repository.StepRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT step_name, run_id, started_at, completed_at, status, output
		FROM step_history WHERE correlation_id = $1 ORDER BY started_at ASC
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

// ListWorkflows returns every stored workflow, without step history.
func (r *PostgresRepository) ListWorkflows(ctx context.Context) ([]*repository.WorkflowInstance, error) {
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

var _ repository.Repository = (*PostgresRepository)(nil)
