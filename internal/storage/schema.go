// Package storage provides persistence for accounts, credit transactions,
// jobs, versions, workflows and workflow executions using database/sql.
// SQLite is the default backend; Postgres is supported through lib/pq.
package storage

import "fmt"

// Schema definitions for the imageflow database. The %s verb is replaced with
// the dialect's auto-incrementing primary key definition.
const (
	// SchemaV1 creates the ledger, registry and version tables
	SchemaV1 = `
CREATE TABLE IF NOT EXISTS accounts (
	id TEXT PRIMARY KEY,
	credits BIGINT NOT NULL DEFAULT 0 CHECK (credits >= 0),
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS credit_transactions (
	id %s,
	account_id TEXT NOT NULL REFERENCES accounts(id),
	delta BIGINT NOT NULL,
	resulting_balance BIGINT NOT NULL,
	description TEXT NOT NULL,
	metadata_json TEXT NOT NULL DEFAULT '',
	created_at BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_credit_transactions_account ON credit_transactions(account_id, id);

CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	operation_name TEXT NOT NULL,
	status TEXT NOT NULL,
	input_ref TEXT NOT NULL,
	output_ref TEXT NOT NULL DEFAULT '',
	parameters_json TEXT NOT NULL DEFAULT '',
	credits_cost BIGINT NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	version_seq INTEGER NOT NULL DEFAULT 0,
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL,
	completed_at BIGINT
);

CREATE INDEX IF NOT EXISTS idx_jobs_owner ON jobs(owner_id);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_updated_at ON jobs(updated_at);

CREATE TABLE IF NOT EXISTS job_versions (
	job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	version INTEGER NOT NULL,
	output_ref TEXT NOT NULL,
	parameters_json TEXT NOT NULL DEFAULT '',
	note TEXT NOT NULL DEFAULT '',
	created_at BIGINT NOT NULL,
	PRIMARY KEY (job_id, version)
);

CREATE TABLE IF NOT EXISTS workflows (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	steps_json TEXT NOT NULL,
	total_credits BIGINT NOT NULL,
	usage_count BIGINT NOT NULL DEFAULT 0,
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_workflows_owner ON workflows(owner_id);

CREATE TABLE IF NOT EXISTS workflow_executions (
	id TEXT PRIMARY KEY,
	workflow_id TEXT NOT NULL DEFAULT '',
	owner_id TEXT NOT NULL,
	job_id TEXT NOT NULL,
	status TEXT NOT NULL,
	current_step_index INTEGER NOT NULL DEFAULT 0,
	steps_json TEXT NOT NULL,
	input_ref TEXT NOT NULL,
	output_ref TEXT NOT NULL DEFAULT '',
	total_credits BIGINT NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL,
	completed_at BIGINT
);

CREATE INDEX IF NOT EXISTS idx_executions_owner ON workflow_executions(owner_id);
CREATE INDEX IF NOT EXISTS idx_executions_workflow_status ON workflow_executions(workflow_id, status);

CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER PRIMARY KEY,
	applied_at BIGINT NOT NULL
);
`
)

// Migration is one versioned schema change
type Migration struct {
	Version int
	SQL     string
}

// Migrations returns all available migrations for a driver
func Migrations(driver string) []Migration {
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if driver == DriverPostgres {
		serial = "BIGSERIAL PRIMARY KEY"
	}

	return []Migration{
		{
			Version: 1,
			SQL:     fmt.Sprintf(SchemaV1, serial),
		},
	}
}
