// cadre-worker hosts a pool of role workers against one Redis board. The
// built-in deterministic planning handlers cover every workflow role; the
// roles section of cadre.yml selects which queues this worker claims from.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/cadre-dev/cadre/internal/config"
	"github.com/cadre-dev/cadre/internal/metrics"
	"github.com/cadre-dev/cadre/internal/orchestrator"
	"github.com/cadre-dev/cadre/internal/planning"
	"github.com/cadre-dev/cadre/internal/worker"
	"github.com/cadre-dev/cadre/pkg/board"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Default()
	if path := os.Getenv("CADRE_CONFIG"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	// Without an explicit roles section the worker serves every role.
	if len(cfg.Roles) == 0 {
		for _, role := range orchestrator.Roles() {
			cfg.Roles = append(cfg.Roles, config.RoleConfig{Name: role, Concurrency: 1})
		}
	}

	workerID := os.Getenv("CADRE_WORKER_ID")
	if workerID == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "cadre-worker"
		}
		workerID = fmt.Sprintf("%s-%.8s", hostname, uuid.New().String())
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("invalid redis URL: %w", err)
	}
	client, err := board.NewClient(redisOpts, cfg.Namespace)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := client.Ping(ctx); err != nil {
		return fmt.Errorf("redis not accessible: %w", err)
	}

	registry := worker.NewRegistry()
	if err := planning.RegisterAll(registry); err != nil {
		return err
	}

	fmt.Printf("cadre-worker '%s' starting with %d roles (namespace '%s')\n",
		workerID, len(cfg.Roles), cfg.Namespace)

	usage := metrics.NewUsage()
	client.SetStatsHooks(usage.EventAppended, usage.SubscriberDropped)

	pool := worker.NewPool(client, cfg, registry, usage, workerID)
	return pool.Run(ctx)
}
