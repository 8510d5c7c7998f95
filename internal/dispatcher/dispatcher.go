// Package dispatcher runs the queue maintenance loop: recovering expired
// leases, promoting retry-delayed tasks back into their role queues, and
// reporting queue depth for backpressure observability.
package dispatcher

import (
	"context"
	"encoding/json"
	"log"
	"strconv"
	"time"

	"github.com/cadre-dev/cadre/internal/config"
	"github.com/cadre-dev/cadre/internal/metrics"
	"github.com/cadre-dev/cadre/pkg/board"
)

// sweepBatch bounds how many leases/delayed entries one pass touches.
const sweepBatch = 100

// Sweeper is the periodic recovery loop. Any number of sweeper instances can
// run against one board: the underlying scripts pop atomically, so each
// expired lease is handled exactly once.
type Sweeper struct {
	client       *board.Client
	cfg          *config.CadreConfig
	usage        *metrics.Usage
	instanceName string

	// Roles whose queue depth is reported each pass.
	roles []string

	interval time.Duration
}

// NewSweeper creates a dispatcher sweeper reporting depth for the given roles.
func NewSweeper(client *board.Client, cfg *config.CadreConfig, usage *metrics.Usage, roles []string, instanceName string) *Sweeper {
	if usage == nil {
		usage = metrics.NewUsage()
	}
	return &Sweeper{
		client:       client,
		cfg:          cfg,
		usage:        usage,
		instanceName: instanceName,
		roles:        roles,
		interval:     time.Second,
	}
}

// Run sweeps until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	log.Printf("[Dispatcher] Sweeper starting for instance '%s'", s.instanceName)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[Dispatcher] Sweeper shutting down...")
			return nil
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				log.Printf("[Dispatcher] Sweep error: %v", err)
			}
		}
	}
}

// Sweep runs one maintenance pass. Exposed for tests and in-process callers.
func (s *Sweeper) Sweep(ctx context.Context) error {
	if err := s.recoverExpired(ctx); err != nil {
		return err
	}
	if err := s.promoteDelayed(ctx); err != nil {
		return err
	}
	s.reportDepth(ctx)
	return nil
}

// recoverExpired returns crash-lost tasks to their queues, or fails them
// terminally when the attempt budget is spent. Terminal failures are surfaced
// as task_failed events so the orchestrator's failure path picks them up.
func (s *Sweeper) recoverExpired(ctx context.Context) error {
	recoveries, err := s.client.RequeueExpired(ctx, sweepBatch)
	if err != nil {
		return err
	}

	for _, rec := range recoveries {
		task, err := s.client.GetTask(ctx, rec.TaskID)
		if err != nil {
			if board.IsNotFound(err) {
				continue
			}
			return err
		}

		if rec.Failed {
			metrics.LeasesRecovered.WithLabelValues("failed").Inc()
			s.appendEvent(ctx, task, board.EventTaskFailed, map[string]string{
				"error":      task.Error,
				"will_retry": "false",
			})
			s.logEvent("lease_expired_terminal", map[string]interface{}{
				"task_id": rec.TaskID, "role": rec.Role,
			})
			continue
		}

		metrics.LeasesRecovered.WithLabelValues("requeued").Inc()
		s.appendEvent(ctx, task, board.EventTaskQueued, map[string]string{
			"role":    rec.Role,
			"reason":  "lease_expired",
			"attempt": strconv.Itoa(task.Attempt),
		})
		s.logEvent("lease_expired_requeued", map[string]interface{}{
			"task_id": rec.TaskID, "role": rec.Role, "attempt": task.Attempt,
		})
	}
	return nil
}

// promoteDelayed moves tasks whose retry backoff has elapsed back into their
// role queues.
func (s *Sweeper) promoteDelayed(ctx context.Context) error {
	promotions, err := s.client.PromoteDelayed(ctx, sweepBatch)
	if err != nil {
		return err
	}

	for _, promo := range promotions {
		task, err := s.client.GetTask(ctx, promo.TaskID)
		if err != nil {
			if board.IsNotFound(err) {
				continue
			}
			return err
		}
		s.appendEvent(ctx, task, board.EventTaskQueued, map[string]string{
			"role":    promo.Role,
			"reason":  "retry_backoff_elapsed",
			"attempt": strconv.Itoa(task.Attempt),
		})
	}
	return nil
}

// reportDepth publishes per-role queue depth gauges and usage tallies.
func (s *Sweeper) reportDepth(ctx context.Context) {
	for _, role := range s.roles {
		depth, err := s.client.QueueDepth(ctx, role)
		if err != nil {
			continue
		}
		s.usage.SetQueueDepth(role, depth)
	}
}

func (s *Sweeper) appendEvent(ctx context.Context, task *board.Task, kind board.EventKind, payload map[string]string) {
	if _, err := s.client.AppendEvent(ctx, &board.Event{
		JobID:   task.JobID,
		TaskID:  task.ID,
		Kind:    kind,
		Payload: payload,
	}); err != nil && ctx.Err() == nil {
		log.Printf("[Dispatcher] failed to append %s event for task %s: %v", kind, task.ID, err)
	}
}

// logEvent logs a structured event in JSON format.
func (s *Sweeper) logEvent(eventType string, data map[string]interface{}) {
	data["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	data["level"] = "info"
	data["component"] = "dispatcher"
	data["event_type"] = eventType
	data["instance"] = s.instanceName

	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Printf("[Dispatcher] Failed to marshal log event: %v", err)
		return
	}

	log.Println(string(jsonData))
}

