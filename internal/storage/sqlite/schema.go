package sqlite

import "github.com/epicollect5/e5deploy/internal/storage/migrations"

var schemaMigrations = []migrations.Migration{
	{
		Version:     1,
		Description: "deployments",
		Up: `
			CREATE TABLE IF NOT EXISTS deployments (
			    id TEXT PRIMARY KEY,
			    recipe TEXT NOT NULL,
			    host TEXT NOT NULL DEFAULT '',
			    deploy_path TEXT NOT NULL DEFAULT '',
			    user TEXT NOT NULL DEFAULT '',
			    status TEXT NOT NULL DEFAULT 'running' CHECK(status IN ('running', 'succeeded', 'failed', 'aborted')),
			    error TEXT NOT NULL DEFAULT '',
			    started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			    finished_at DATETIME
			);
			CREATE INDEX IF NOT EXISTS idx_deployments_started_at ON deployments(started_at);
			CREATE INDEX IF NOT EXISTS idx_deployments_status ON deployments(status);
		`,
		Down: `DROP TABLE IF EXISTS deployments;`,
	},
	{
		Version:     2,
		Description: "task runs",
		Up: `
			CREATE TABLE IF NOT EXISTS task_runs (
			    id INTEGER PRIMARY KEY AUTOINCREMENT,
			    deployment_id TEXT NOT NULL,
			    task TEXT NOT NULL,
			    position INTEGER NOT NULL,
			    status TEXT NOT NULL CHECK(status IN ('succeeded', 'failed', 'aborted')),
			    started_at DATETIME NOT NULL,
			    duration_ms INTEGER NOT NULL DEFAULT 0,
			    error TEXT NOT NULL DEFAULT '',
			    FOREIGN KEY (deployment_id) REFERENCES deployments(id) ON DELETE CASCADE
			);
			CREATE INDEX IF NOT EXISTS idx_task_runs_deployment ON task_runs(deployment_id);
		`,
		Down: `DROP TABLE IF EXISTS task_runs;`,
	},
}
