// Package config provides YAML-based configuration loading for Sparkyard.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Sparkyard configuration, loaded from sparkyard.yaml.
type Config struct {
	DB         DBConfig          `yaml:"db"`
	Gateway    GatewayConfig     `yaml:"gateway"`
	Registry   RegistryConfig    `yaml:"registry"`
	Session    SessionConfig     `yaml:"session"`
	Dispatch   DispatchConfig    `yaml:"dispatch"`
	Scaling    ScalingConfig     `yaml:"scaling"`
	Reconcile  ReconcileConfig   `yaml:"reconcile"`
	Queues     []QueueConfig     `yaml:"queues"`
	Workspaces []WorkspaceConfig `yaml:"workspaces"`
}

// DBConfig holds connection settings for the MySQL server. Driver may be set
// to "sqlite" for local single-node use, in which case Database is the file
// path (":memory:" for ephemeral).
type DBConfig struct {
	Driver   string `yaml:"driver"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
}

// GatewayConfig holds HTTP surface settings.
type GatewayConfig struct {
	Port int `yaml:"port"`
}

// RegistryConfig tunes engine health tracking.
type RegistryConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	DegradedAfter     int           `yaml:"degraded_after"`    // consecutive misses before degraded
	UnreachableAfter  int           `yaml:"unreachable_after"` // further misses before unreachable
	RemovalGrace      time.Duration `yaml:"removal_grace"`     // unreachable time before removal
}

// SessionConfig tunes the session state machine.
type SessionConfig struct {
	IdleWindow      time.Duration `yaml:"idle_window"`       // active -> idle after no dispatch
	IdleClose       time.Duration `yaml:"idle_close"`        // idle -> closing after
	AdmitWait       time.Duration `yaml:"admit_wait"`        // cap on wait-mode admission
	BindWait        time.Duration `yaml:"bind_wait"`         // bounded wait for an engine
	MaxBindAttempts int           `yaml:"max_bind_attempts"` // bounded retry before terminal failed
	BackoffBase     time.Duration `yaml:"backoff_base"`
	BackoffMax      time.Duration `yaml:"backoff_max"`
}

// DispatchConfig tunes the job dispatcher.
type DispatchConfig struct {
	MaxSubmitAttempts int           `yaml:"max_submit_attempts"`
	CallTimeout       time.Duration `yaml:"call_timeout"`   // per downstream call
	CancelTimeout     time.Duration `yaml:"cancel_timeout"` // cooperative cancel wait
	Retention         time.Duration `yaml:"retention"`      // terminal job reap window
}

// ScalingConfig tunes the elastic scaling coordinator.
type ScalingConfig struct {
	PressureThreshold float64       `yaml:"pressure_threshold"` // rejected+queued per minute
	UtilizationFloor  float64       `yaml:"utilization_floor"`  // fraction of used slots
	SustainWindow     time.Duration `yaml:"sustain_window"`     // threshold must hold this long
	IntentTTL         time.Duration `yaml:"intent_ttl"`         // pending intent expiry
	PenaltyBump       float64       `yaml:"penalty_bump"`       // threshold bump on reject/expire
	PenaltyDuration   time.Duration `yaml:"penalty_duration"`
}

// ReconcileConfig tunes the reconciliation loop.
type ReconcileConfig struct {
	Interval      time.Duration `yaml:"interval"`
	DriftMisses   int           `yaml:"drift_misses"`    // running-job mismatches before failure
	DeepSweepCron string        `yaml:"deep_sweep_cron"` // 5-field cron for the reap sweep
}

// QueueConfig seeds a Queue row.
type QueueConfig struct {
	Name       string `yaml:"name"`
	TotalSlots int    `yaml:"total_slots"`
}

// WorkspaceConfig seeds a Workspace row.
type WorkspaceConfig struct {
	ID          string `yaml:"id"`
	Queue       string `yaml:"queue"`
	MaxSessions int    `yaml:"max_sessions"`
	MaxCPU      int    `yaml:"max_cpu"`
	MaxMemoryMB int    `yaml:"max_memory_mb"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.DB.Driver == "" {
		c.DB.Driver = "mysql"
	}
	if c.DB.Host == "" {
		c.DB.Host = "127.0.0.1"
	}
	if c.DB.Port == 0 {
		c.DB.Port = 3306
	}
	if c.DB.Database == "" {
		c.DB.Database = "sparkyard"
	}
	if c.Gateway.Port == 0 {
		c.Gateway.Port = 8080
	}
	if c.Registry.HeartbeatInterval == 0 {
		c.Registry.HeartbeatInterval = 10 * time.Second
	}
	if c.Registry.DegradedAfter == 0 {
		c.Registry.DegradedAfter = 3
	}
	if c.Registry.UnreachableAfter == 0 {
		c.Registry.UnreachableAfter = 3
	}
	if c.Registry.RemovalGrace == 0 {
		c.Registry.RemovalGrace = 5 * time.Minute
	}
	if c.Session.IdleWindow == 0 {
		c.Session.IdleWindow = 10 * time.Minute
	}
	if c.Session.IdleClose == 0 {
		c.Session.IdleClose = 30 * time.Minute
	}
	if c.Session.AdmitWait == 0 {
		c.Session.AdmitWait = time.Minute
	}
	if c.Session.BindWait == 0 {
		c.Session.BindWait = 30 * time.Second
	}
	if c.Session.MaxBindAttempts == 0 {
		c.Session.MaxBindAttempts = 3
	}
	if c.Session.BackoffBase == 0 {
		c.Session.BackoffBase = 500 * time.Millisecond
	}
	if c.Session.BackoffMax == 0 {
		c.Session.BackoffMax = 10 * time.Second
	}
	if c.Dispatch.MaxSubmitAttempts == 0 {
		c.Dispatch.MaxSubmitAttempts = 3
	}
	if c.Dispatch.CallTimeout == 0 {
		c.Dispatch.CallTimeout = 15 * time.Second
	}
	if c.Dispatch.CancelTimeout == 0 {
		c.Dispatch.CancelTimeout = 10 * time.Second
	}
	if c.Dispatch.Retention == 0 {
		c.Dispatch.Retention = 24 * time.Hour
	}
	if c.Scaling.PressureThreshold == 0 {
		c.Scaling.PressureThreshold = 5
	}
	if c.Scaling.UtilizationFloor == 0 {
		c.Scaling.UtilizationFloor = 0.2
	}
	if c.Scaling.SustainWindow == 0 {
		c.Scaling.SustainWindow = 2 * time.Minute
	}
	if c.Scaling.IntentTTL == 0 {
		c.Scaling.IntentTTL = 10 * time.Minute
	}
	if c.Scaling.PenaltyBump == 0 {
		c.Scaling.PenaltyBump = 2
	}
	if c.Scaling.PenaltyDuration == 0 {
		c.Scaling.PenaltyDuration = 15 * time.Minute
	}
	if c.Reconcile.Interval == 0 {
		c.Reconcile.Interval = 30 * time.Second
	}
	if c.Reconcile.DriftMisses == 0 {
		c.Reconcile.DriftMisses = 3
	}
	if c.Reconcile.DeepSweepCron == "" {
		c.Reconcile.DeepSweepCron = "0 3 * * *"
	}
	for i := range c.Workspaces {
		if c.Workspaces[i].MaxSessions == 0 {
			c.Workspaces[i].MaxSessions = 5
		}
		if c.Workspaces[i].MaxCPU == 0 {
			c.Workspaces[i].MaxCPU = 8
		}
		if c.Workspaces[i].MaxMemoryMB == 0 {
			c.Workspaces[i].MaxMemoryMB = 16384
		}
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.DB.Driver != "mysql" && c.DB.Driver != "sqlite" {
		errs = append(errs, fmt.Sprintf("db.driver %q is not mysql or sqlite", c.DB.Driver))
	}
	if len(c.Queues) == 0 {
		errs = append(errs, "at least one queue is required")
	}
	queues := make(map[string]bool, len(c.Queues))
	for i, q := range c.Queues {
		if q.Name == "" {
			errs = append(errs, fmt.Sprintf("queues[%d].name is required", i))
		}
		if q.TotalSlots <= 0 {
			errs = append(errs, fmt.Sprintf("queues[%d].total_slots must be positive", i))
		}
		queues[q.Name] = true
	}
	for i, w := range c.Workspaces {
		if w.ID == "" {
			errs = append(errs, fmt.Sprintf("workspaces[%d].id is required", i))
		}
		if w.Queue == "" {
			errs = append(errs, fmt.Sprintf("workspaces[%d].queue is required", i))
		} else if !queues[w.Queue] {
			errs = append(errs, fmt.Sprintf("workspaces[%d].queue %q is not a configured queue", i, w.Queue))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
