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

// migrationTemplates holds the table definitions shared by both SQL backends. The
// dialect supplies the JSON column type (TEXT for SQLite, JSONB for
// Postgres) via %s; everything else is identical SQL.
var migrationTemplates = []string{
	`CREATE TABLE IF NOT EXISTS workflows (
		correlation_id TEXT PRIMARY KEY,
		routing_slip %[1]s NOT NULL,
		payload %[1]s,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_workflows_status ON workflows(status)`,
	`CREATE TABLE IF NOT EXISTS step_history (
		correlation_id TEXT NOT NULL,
		step_name TEXT NOT NULL,
		run_id INTEGER NOT NULL,
		started_at TEXT NOT NULL,
		completed_at TEXT,
		status TEXT NOT NULL,
		output %[1]s,
		PRIMARY KEY (correlation_id, step_name, run_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_step_history_correlation_id ON step_history(correlation_id)`,
}
