package main

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/zulandar/sparkyard/internal/config"
	"github.com/zulandar/sparkyard/internal/db"
	"github.com/zulandar/sparkyard/internal/dispatch"
	"github.com/zulandar/sparkyard/internal/engineapi"
	"github.com/zulandar/sparkyard/internal/queue"
	"github.com/zulandar/sparkyard/internal/registry"
	"github.com/zulandar/sparkyard/internal/scaling"
	"github.com/zulandar/sparkyard/internal/session"
)

// defaultConfigPath is where sy looks for configuration unless --config says
// otherwise.
const defaultConfigPath = "sparkyard.yaml"

// openFromConfig loads configuration and opens the database.
func openFromConfig(configPath string) (*config.Config, *gorm.DB, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	gormDB, err := db.Open(cfg.DB)
	if err != nil {
		return nil, nil, err
	}
	return cfg, gormDB, nil
}

// core bundles the orchestration components the CLI commands operate on.
// Commands talk to the same database the gateway serves, so a CLI action is
// equivalent to the corresponding API call minus the HTTP hop.
type core struct {
	cfg        *config.Config
	db         *gorm.DB
	registry   *registry.Registry
	queues     *queue.Manager
	sessions   *session.Sessions
	dispatcher *dispatch.Dispatcher
	scaling    *scaling.Coordinator
}

func openCore(configPath string) (*core, error) {
	cfg, gormDB, err := openFromConfig(configPath)
	if err != nil {
		return nil, err
	}

	engines := engineapi.NewHTTPClient(cfg.Dispatch.CallTimeout)
	reg := registry.New(gormDB, cfg.Registry)
	queues := queue.NewManager(gormDB)
	sessions := session.New(gormDB, reg, queues, engines, cfg.Session)

	return &core{
		cfg:        cfg,
		db:         gormDB,
		registry:   reg,
		queues:     queues,
		sessions:   sessions,
		dispatcher: dispatch.New(gormDB, sessions, reg, engines, cfg.Dispatch),
		scaling:    scaling.New(gormDB, reg, cfg.Scaling, nil),
	}, nil
}

// truncate shortens a string to maxLen, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
