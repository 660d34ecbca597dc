package migrations

import (
	"strings"
	"testing"
)

func TestPipelineRunMigrationContainsTableAndIndexes(t *testing.T) {
	body, err := embeddedFS.ReadFile("sql/000001_pipeline_run.up.sql")
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}

	sql := string(body)
	requiredSnippets := []string{
		"CREATE TABLE pipeline_run",
		"run_id TEXT PRIMARY KEY",
		"rows_written BIGINT",
		"files_written INTEGER",
		"bytes_written BIGINT",
		"finished_at TIMESTAMPTZ",
		"CREATE INDEX idx_pipeline_run_started_at_desc",
		"CREATE INDEX idx_pipeline_run_job_status",
	}
	for _, snippet := range requiredSnippets {
		if !strings.Contains(sql, snippet) {
			t.Fatalf("migration missing required snippet: %s", snippet)
		}
	}
}

func TestEmbeddedMigrationsLoad(t *testing.T) {
	items, err := loadMigrations(embeddedFS)
	if err != nil {
		t.Fatalf("loadMigrations() error = %v", err)
	}
	if len(items) == 0 || items[0].Version != 1 {
		t.Fatalf("items = %+v", items)
	}
	if !strings.Contains(items[0].DownSQL, "DROP TABLE IF EXISTS pipeline_run") {
		t.Fatalf("down SQL = %q", items[0].DownSQL)
	}
}
