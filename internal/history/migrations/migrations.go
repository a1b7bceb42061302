// Package migrations defines the history schema as dialect-templated
// SQL and applies it with golang-migrate. Each migration is written
// once; syntax that differs between sqlite and postgres is left as a
// template placeholder filled in per driver at migration time.
package migrations

// DialectTemplate supplies the per-driver values substituted into
// migration SQL.
type DialectTemplate struct {
	BigIntegerPrimaryKey string
}

// MigrationSet is an ordered schema history.
type MigrationSet []MigrationData

// MigrationData is one schema step: forward and reverse SQL under a
// sequence number and name.
type MigrationData struct {
	SequenceNumber int64
	Name           string
	UpSQL          string
	DownSQL        string
}

// HistoryMigrations is the set of migrations that create the reporting
// schema: workflows, builds, and the build_workflows link table.
// Timestamps are Unix seconds (UTC) stored as integers.
var HistoryMigrations = MigrationSet{
	{
		SequenceNumber: 1,
		Name:           "create_workflows",
		UpSQL: `CREATE TABLE IF NOT EXISTS workflows
				(
					workflow_id {{.BigIntegerPrimaryKey}},
					workflow_uuid text NOT NULL,
					workflow_repo_url text NOT NULL,
					workflow_commit_sha text NOT NULL,
					workflow_branch text NOT NULL,
					workflow_attribute_path text NOT NULL,
					workflow_status text NOT NULL,
					workflow_error text,
					workflow_created_at bigint NOT NULL,
					workflow_updated_at bigint NOT NULL
				);
				CREATE UNIQUE INDEX IF NOT EXISTS workflows_uuid_unique_index ON workflows(workflow_uuid);
				CREATE INDEX IF NOT EXISTS workflows_created_at_index ON workflows(workflow_created_at DESC);`,
		DownSQL: `DROP INDEX workflows_created_at_index;
				  DROP INDEX workflows_uuid_unique_index;
				  DROP TABLE workflows;`,
	},
	{
		SequenceNumber: 2,
		Name:           "create_builds",
		UpSQL: `CREATE TABLE IF NOT EXISTS builds
				(
					build_drv_path text NOT NULL PRIMARY KEY,
					build_name text NOT NULL,
					build_system text NOT NULL,
					build_status text NOT NULL,
					build_error text,
					build_started_at bigint NOT NULL,
					build_finished_at bigint
				);
				CREATE INDEX IF NOT EXISTS builds_started_at_index ON builds(build_started_at DESC);`,
		DownSQL: `DROP INDEX builds_started_at_index;
				  DROP TABLE builds;`,
	},
	{
		SequenceNumber: 3,
		Name:           "create_build_workflows",
		UpSQL: `CREATE TABLE IF NOT EXISTS build_workflows
				(
					build_drv_path text NOT NULL,
					workflow_id bigint NOT NULL,
					PRIMARY KEY (build_drv_path, workflow_id)
				);
				CREATE INDEX IF NOT EXISTS build_workflows_workflow_id_index ON build_workflows(workflow_id);`,
		DownSQL: `DROP INDEX build_workflows_workflow_id_index;
				  DROP TABLE build_workflows;`,
	},
}
