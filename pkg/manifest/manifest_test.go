package manifest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const validYAML = `
version: "1.0"
defaults:
  type: shell
  params:
    timeout: 30
jobs:
  - id: job-a
    params:
      command: ["echo", "a"]
  - id: job-b
    type: sleep
    params:
      duration: 5s
      timeout: 60
`

func TestLoadYAMLWithDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batch.yaml")
	if err := os.WriteFile(path, []byte(validYAML), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	m, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(m.Jobs) != 2 {
		t.Fatalf("jobs = %d, want 2", len(m.Jobs))
	}

	a := m.Jobs[0]
	if a.Type != "shell" {
		t.Fatalf("job-a type = %q, want shell from defaults", a.Type)
	}
	if a.Params["timeout"] != 30 {
		t.Fatalf("job-a timeout = %v, want 30 from default params", a.Params["timeout"])
	}

	b := m.Jobs[1]
	if b.Type != "sleep" {
		t.Fatalf("job-b type = %q, want explicit sleep", b.Type)
	}
	if b.Params["timeout"] != 60 {
		t.Fatalf("job-b timeout = %v, want entry value to win over default", b.Params["timeout"])
	}
}

func TestLoadJSON(t *testing.T) {
	data := `{"version":"1.0","jobs":[{"id":"j1","type":"sleep","params":{"duration":"1s"}}]}`
	m, err := LoadFromBytes([]byte(data), "batch.json")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if m.Jobs[0].Type != "sleep" {
		t.Fatalf("type = %q, want sleep", m.Jobs[0].Type)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	data := `
version: "1.0"
jobss:
  - id: j1
`
	if _, err := LoadFromBytes([]byte(data), "batch.yaml"); err == nil {
		t.Fatal("expected error for unknown top-level field")
	}
}

func TestLoadRejectsMissingVersion(t *testing.T) {
	data := `
jobs:
  - id: j1
    type: shell
`
	_, err := LoadFromBytes([]byte(data), "batch.yaml")
	if err == nil || !strings.Contains(err.Error(), "validation failed") {
		t.Fatalf("error = %v, want validation failure", err)
	}
}

func TestLoadRejectsEmptyJobs(t *testing.T) {
	data := `
version: "1.0"
jobs: []
`
	if _, err := LoadFromBytes([]byte(data), "batch.yaml"); err == nil {
		t.Fatal("expected error for empty job list")
	}
}

func TestLoadRejectsDuplicateIDs(t *testing.T) {
	data := `
version: "1.0"
jobs:
  - id: same
    type: shell
  - id: same
    type: sleep
`
	_, err := LoadFromBytes([]byte(data), "batch.yaml")
	if err == nil || !strings.Contains(err.Error(), "duplicate job id") {
		t.Fatalf("error = %v, want duplicate id rejection", err)
	}
}

func TestLoadRejectsUntypedJobWithoutDefault(t *testing.T) {
	data := `
version: "1.0"
jobs:
  - id: j1
`
	_, err := LoadFromBytes([]byte(data), "batch.yaml")
	if err == nil || !strings.Contains(err.Error(), "no type") {
		t.Fatalf("error = %v, want missing type rejection", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("error = %v, want not found", err)
	}
}

func TestLoadEmptyFile(t *testing.T) {
	if _, err := LoadFromBytes([]byte("  \n"), "batch.yaml"); err == nil {
		t.Fatal("expected error for empty manifest")
	}
}
