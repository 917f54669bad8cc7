package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validYAML = `
db:
  driver: sqlite
  database: ":memory:"
gateway:
  port: 9090
registry:
  heartbeat_interval: 5s
  degraded_after: 2
session:
  idle_window: 1m
  bind_wait: 10s
scaling:
  pressure_threshold: 8
queues:
  - name: default
    total_slots: 20
  - name: etl
    total_slots: 50
workspaces:
  - id: ws-analytics
    queue: default
    max_sessions: 3
  - id: ws-etl
    queue: etl
`

func TestParse_Valid(t *testing.T) {
	cfg, err := Parse([]byte(validYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.DB.Driver != "sqlite" {
		t.Errorf("DB.Driver = %q, want sqlite", cfg.DB.Driver)
	}
	if cfg.Gateway.Port != 9090 {
		t.Errorf("Gateway.Port = %d, want 9090", cfg.Gateway.Port)
	}
	if cfg.Registry.HeartbeatInterval != 5*time.Second {
		t.Errorf("HeartbeatInterval = %s, want 5s", cfg.Registry.HeartbeatInterval)
	}
	if cfg.Session.BindWait != 10*time.Second {
		t.Errorf("BindWait = %s, want 10s", cfg.Session.BindWait)
	}
	if cfg.Scaling.PressureThreshold != 8 {
		t.Errorf("PressureThreshold = %v, want 8", cfg.Scaling.PressureThreshold)
	}
	if len(cfg.Queues) != 2 || cfg.Queues[1].TotalSlots != 50 {
		t.Errorf("Queues = %+v", cfg.Queues)
	}
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(validYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Registry.UnreachableAfter != 3 {
		t.Errorf("UnreachableAfter = %d, want default 3", cfg.Registry.UnreachableAfter)
	}
	if cfg.Registry.RemovalGrace != 5*time.Minute {
		t.Errorf("RemovalGrace = %s, want default 5m", cfg.Registry.RemovalGrace)
	}
	if cfg.Session.MaxBindAttempts != 3 {
		t.Errorf("MaxBindAttempts = %d, want default 3", cfg.Session.MaxBindAttempts)
	}
	if cfg.Session.AdmitWait != time.Minute {
		t.Errorf("AdmitWait = %s, want default 1m", cfg.Session.AdmitWait)
	}
	if cfg.Dispatch.CallTimeout != 15*time.Second {
		t.Errorf("CallTimeout = %s, want default 15s", cfg.Dispatch.CallTimeout)
	}
	if cfg.Reconcile.Interval != 30*time.Second {
		t.Errorf("Reconcile.Interval = %s, want default 30s", cfg.Reconcile.Interval)
	}
	if cfg.Reconcile.DeepSweepCron != "0 3 * * *" {
		t.Errorf("DeepSweepCron = %q, want default", cfg.Reconcile.DeepSweepCron)
	}
	// Workspace without max_sessions picks up the default.
	if cfg.Workspaces[1].MaxSessions != 5 {
		t.Errorf("Workspaces[1].MaxSessions = %d, want default 5", cfg.Workspaces[1].MaxSessions)
	}
}

func TestParse_InvalidDriver(t *testing.T) {
	yaml := strings.Replace(validYAML, "driver: sqlite", "driver: postgres", 1)
	_, err := Parse([]byte(yaml))
	if err == nil {
		t.Fatal("expected error for unsupported driver")
	}
	if !strings.Contains(err.Error(), "db.driver") {
		t.Errorf("error = %v, want mention of db.driver", err)
	}
}

func TestParse_NoQueues(t *testing.T) {
	_, err := Parse([]byte("db:\n  driver: sqlite\n"))
	if err == nil {
		t.Fatal("expected error when no queues are configured")
	}
}

func TestParse_WorkspaceUnknownQueue(t *testing.T) {
	yaml := strings.Replace(validYAML, "queue: etl", "queue: missing", 1)
	_, err := Parse([]byte(yaml))
	if err == nil {
		t.Fatal("expected error for workspace referencing an unknown queue")
	}
	if !strings.Contains(err.Error(), "missing") {
		t.Errorf("error = %v, want mention of the unknown queue", err)
	}
}

func TestParse_QueueWithoutSlots(t *testing.T) {
	yaml := strings.Replace(validYAML, "total_slots: 20", "total_slots: 0", 1)
	_, err := Parse([]byte(yaml))
	if err == nil {
		t.Fatal("expected error for zero-slot queue")
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sparkyard.yaml")
	if err := os.WriteFile(path, []byte(validYAML), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Port != 9090 {
		t.Errorf("Gateway.Port = %d, want 9090", cfg.Gateway.Port)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/sparkyard.yaml")
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestParse_Garbage(t *testing.T) {
	_, err := Parse([]byte("{not yaml: ["))
	if err == nil {
		t.Fatal("expected parse error")
	}
}
