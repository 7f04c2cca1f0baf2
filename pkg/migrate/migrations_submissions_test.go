package migrate_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/voicenotehq/voicenote-backend/pkg/migrate"
)

func TestSubmissionsMigrationContainsConstraints(t *testing.T) {
	matches, err := filepath.Glob(filepath.Join("migrations", "*_create_submissions.sql"))
	if err != nil {
		t.Fatalf("glob migrations: %v", err)
	}
	if len(matches) == 0 {
		t.Fatalf("no submissions migration file found")
	}

	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("read migration file: %v", err)
	}
	content := string(data)

	checks := []string{
		"CREATE TABLE IF NOT EXISTS submissions",
		"CONSTRAINT submissions_source_key_unique UNIQUE (source_key)",
		"CHECK (retry_count >= 0)",
		"idx_submissions_job_reference",
		"DROP TABLE IF EXISTS submissions",
	}

	for _, sub := range checks {
		if !strings.Contains(content, sub) {
			t.Errorf("missing expected statement %q", sub)
		}
	}
}

func TestMigrationsDirValidates(t *testing.T) {
	if err := migrate.ValidateDir("migrations"); err != nil {
		t.Fatalf("ValidateDir: %v", err)
	}
}
