package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// testConfig writes a sqlite-backed config into dir and returns its path.
func testConfig(t *testing.T, dir string) string {
	t.Helper()
	cfgPath := filepath.Join(dir, "sparkyard.yaml")
	cfg := `
db:
  driver: sqlite
  database: "` + filepath.Join(dir, "sparkyard.db") + `"
queues:
  - name: default
    total_slots: 20
workspaces:
  - id: ws-analytics
    queue: default
    max_sessions: 3
`
	if err := os.WriteFile(cfgPath, []byte(cfg), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return cfgPath
}

func TestDBCmd_Help(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"db", "--help"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("db --help failed: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "Database management") {
		t.Errorf("expected help to mention 'Database management', got: %s", out)
	}
	if !strings.Contains(out, "init") {
		t.Errorf("expected help to list 'init' subcommand, got: %s", out)
	}
}

func TestDBInitCmd_Help(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"db", "init", "--help"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("db init --help failed: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "--config") {
		t.Errorf("expected help to mention '--config' flag, got: %s", out)
	}
	if !strings.Contains(out, "sparkyard.yaml") {
		t.Errorf("expected default config path 'sparkyard.yaml', got: %s", out)
	}
}

func TestDBInitCmd_MissingConfig(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"db", "init", "--config", "/nonexistent/sparkyard.yaml"})

	err := cmd.Execute()
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
	if !strings.Contains(err.Error(), "load config") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "load config")
	}
}

func TestDBInitCmd_InvalidConfig(t *testing.T) {
	// Missing required fields: no queues, no db driver.
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "sparkyard.yaml")
	if err := os.WriteFile(cfgPath, []byte("invalid: true\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"db", "init", "--config", cfgPath})

	err := cmd.Execute()
	if err == nil {
		t.Fatal("expected error for invalid config")
	}
	if !strings.Contains(err.Error(), "load config") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "load config")
	}
}

func TestDBInitCmd_SQLite(t *testing.T) {
	cfgPath := testConfig(t, t.TempDir())

	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"db", "init", "--config", cfgPath})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("db init failed: %v", err)
	}

	out := buf.String()
	for _, want := range []string{"Migrated 7 tables", "Seeded 1 queues", "Seeded 1 workspaces"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected output to contain %q, got: %s", want, out)
		}
	}
}

func TestNewDBCmd(t *testing.T) {
	cmd := newDBCmd()
	if cmd.Use != "db" {
		t.Errorf("Use = %q, want %q", cmd.Use, "db")
	}
	if !cmd.HasSubCommands() {
		t.Error("db command should have subcommands")
	}
}

func TestNewDBInitCmd(t *testing.T) {
	cmd := newDBInitCmd()
	if cmd.Use != "init" {
		t.Errorf("Use = %q, want %q", cmd.Use, "init")
	}
	flag := cmd.Flags().Lookup("config")
	if flag == nil {
		t.Fatal("expected --config flag")
	}
	if flag.DefValue != "sparkyard.yaml" {
		t.Errorf("--config default = %q, want %q", flag.DefValue, "sparkyard.yaml")
	}
	if flag.Shorthand != "c" {
		t.Errorf("--config shorthand = %q, want %q", flag.Shorthand, "c")
	}
}

func TestDBResetCmd_RequiresForce(t *testing.T) {
	cfgPath := testConfig(t, t.TempDir())

	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"db", "reset", "--config", cfgPath})

	err := cmd.Execute()
	if err == nil {
		t.Fatal("expected error without --force")
	}
	if !strings.Contains(err.Error(), "--force") {
		t.Errorf("error = %q, want to mention --force", err.Error())
	}
}

func TestDBResetCmd_SQLiteUnsupported(t *testing.T) {
	cfgPath := testConfig(t, t.TempDir())

	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"db", "reset", "--force", "--config", cfgPath})

	err := cmd.Execute()
	if err == nil {
		t.Fatal("expected error for sqlite reset")
	}
	if !strings.Contains(err.Error(), "mysql") {
		t.Errorf("error = %q, want to mention the mysql driver", err.Error())
	}
}

func TestNewDBResetCmd(t *testing.T) {
	cmd := newDBResetCmd()
	if cmd.Use != "reset" {
		t.Errorf("Use = %q, want %q", cmd.Use, "reset")
	}

	tests := []struct {
		name, defValue, shorthand string
	}{
		{"config", "sparkyard.yaml", "c"},
		{"force", "false", ""},
	}
	for _, tt := range tests {
		flag := cmd.Flags().Lookup(tt.name)
		if flag == nil {
			t.Fatalf("expected --%s flag", tt.name)
		}
		if flag.DefValue != tt.defValue {
			t.Errorf("--%s default = %q, want %q", tt.name, flag.DefValue, tt.defValue)
		}
		if flag.Shorthand != tt.shorthand {
			t.Errorf("--%s shorthand = %q, want %q", tt.name, flag.Shorthand, tt.shorthand)
		}
	}
}
