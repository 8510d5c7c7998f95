// cadred is the cadre server: orchestrator engine, dispatcher sweeper, and
// the HTTP API, all over one Redis board.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cadre-dev/cadre/internal/api"
	"github.com/cadre-dev/cadre/internal/config"
	"github.com/cadre-dev/cadre/internal/dispatcher"
	"github.com/cadre-dev/cadre/internal/metrics"
	"github.com/cadre-dev/cadre/internal/orchestrator"
	"github.com/cadre-dev/cadre/pkg/board"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load configuration: cadre.yml if present, defaults otherwise.
	// REDIS_URL and CADRE_NAMESPACE env vars win either way.
	cfg := config.Default()
	if path := os.Getenv("CADRE_CONFIG"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	instanceName, err := os.Hostname()
	if err != nil || instanceName == "" {
		instanceName = "cadred"
	}

	// 2. Connect to the board and verify Redis is reachable.
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

	fmt.Printf("cadred starting for instance '%s' (namespace '%s')\n", instanceName, cfg.Namespace)

	// 3. Wire the components around one shared usage accumulator.
	usage := metrics.NewUsage()
	client.SetStatsHooks(usage.EventAppended, usage.SubscriberDropped)
	engine := orchestrator.NewEngine(client, cfg, usage, instanceName)
	sweeper := dispatcher.NewSweeper(client, cfg, usage, orchestrator.Roles(), instanceName)
	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: api.NewServer(client, engine, cfg, usage).Router(),
	}

	errCh := make(chan error, 3)
	go func() { errCh <- engine.Run(ctx) }()
	go func() { errCh <- sweeper.Run(ctx) }()
	go func() {
		fmt.Printf("HTTP API listening on %s\n", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	// 4. Run until a signal or a fatal component error.
	select {
	case <-ctx.Done():
		fmt.Println("Shutting down...")
	case err := <-errCh:
		if err != nil {
			stop()
			shutdownHTTP(server)
			return err
		}
	}

	shutdownHTTP(server)
	return nil
}

func shutdownHTTP(server *http.Server) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "HTTP shutdown: %v\n", err)
	}
}
