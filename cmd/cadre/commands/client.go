package commands

import (
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/cadre-dev/cadre/internal/config"
	"github.com/cadre-dev/cadre/internal/orchestrator"
	"github.com/cadre-dev/cadre/internal/printer"
	"github.com/cadre-dev/cadre/pkg/board"
)

// loadConfig resolves the CLI's configuration: CADRE_CONFIG file if set,
// defaults otherwise, with REDIS_URL / CADRE_NAMESPACE env overrides.
func loadConfig() (*config.CadreConfig, error) {
	if path := os.Getenv("CADRE_CONFIG"); path != "" {
		return config.Load(path)
	}
	return config.Default(), nil
}

// connect opens a board client per the resolved configuration.
func connect() (*board.Client, *config.CadreConfig, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, printer.ErrorWithContext(
			"Invalid Redis URL",
			fmt.Sprintf("Could not parse the configured Redis URL: %v", err),
			map[string]string{"redis_url": cfg.RedisURL},
			[]string{"Set REDIS_URL to something like redis://localhost:6379"},
		)
	}

	client, err := board.NewClient(redisOpts, cfg.Namespace)
	if err != nil {
		return nil, nil, err
	}
	return client, cfg, nil
}

// connectEngine opens a board client plus an in-process orchestrator engine
// for the gate and lifecycle commands. Engine operations are library calls
// on the shared board; the per-job advance lock serializes them with the
// running server.
func connectEngine() (*board.Client, *orchestrator.Engine, error) {
	client, cfg, err := connect()
	if err != nil {
		return nil, nil, err
	}
	return client, orchestrator.NewEngine(client, cfg, nil, "cadre-cli"), nil
}
