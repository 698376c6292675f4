// Command worker runs a durable workflow worker backed by Redis.
//
// Workers sharing the same DURABLE_NAMESPACE and REDIS_URL form a pool:
// executions, timers, and schedules live in Redis, execute/resume messages
// travel through a Pulse stream consumer group, and completion notifications
// fan out over Pulse-backed channels. Any worker can pick up any execution.
//
// # Configuration
//
// Environment variables:
//
//	REDIS_URL          - Redis connection URL (default: "localhost:6379")
//	REDIS_PASSWORD     - Redis password (optional)
//	DURABLE_NAMESPACE  - Tenant namespace for all keys and streams (default: "default")
//	POLL_INTERVAL      - Timer scan cadence (default: "1s")
//	WORKER_ID          - Stable worker identity for timer claims (default: random)
//
// # Example
//
//	REDIS_URL=localhost:6379 go run ./cmd/worker
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	buspulse "goa.design/durable/features/bus/pulse"
	queuepulse "goa.design/durable/features/queue/pulse"
	storeredis "goa.design/durable/features/store/redis"
	"goa.design/durable/runtime"
	"goa.design/durable/telemetry"
)

func main() {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if err := run(ctx); err != nil {
		log.Fatal(ctx, err)
	}
}

func run(ctx context.Context) error {
	redisURL := envOr("REDIS_URL", "localhost:6379")
	namespace := envOr("DURABLE_NAMESPACE", "default")
	pollInterval := envDurationOr("POLL_INTERVAL", time.Second)
	workerID := os.Getenv("WORKER_ID")

	rdb := goredis.NewClient(&goredis.Options{
		Addr:     redisURL,
		Password: os.Getenv("REDIS_PASSWORD"),
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}

	logger := telemetry.NewClueLogger()
	store, err := storeredis.New(storeredis.Options{Redis: rdb, Namespace: namespace})
	if err != nil {
		return fmt.Errorf("create store: %w", err)
	}
	queue, err := queuepulse.New(queuepulse.Options{Redis: rdb, Namespace: namespace, Logger: logger})
	if err != nil {
		return fmt.Errorf("create queue: %w", err)
	}
	bus, err := buspulse.New(buspulse.Options{Redis: rdb, Namespace: namespace, Logger: logger})
	if err != nil {
		return fmt.Errorf("create bus: %w", err)
	}

	svc, err := runtime.New(runtime.Options{
		Store:        store,
		Queue:        queue,
		Bus:          bus,
		Logger:       logger,
		WorkerID:     workerID,
		PollInterval: pollInterval,
	})
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}

	registerTasks(svc)

	// Re-enqueue executions orphaned by a previous crash before taking on
	// new work.
	if err := svc.Recover(ctx); err != nil {
		return fmt.Errorf("recover executions: %w", err)
	}
	if err := svc.StartPolling(ctx); err != nil {
		return fmt.Errorf("start polling: %w", err)
	}
	defer svc.StopPolling()

	log.Infof(ctx, "worker running (namespace=%s redis=%s)", namespace, redisURL)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Infof(ctx, "shutting down")
	return nil
}

// registerTasks is the extension point: register workflow tasks here.
func registerTasks(svc *runtime.Service) {
	_ = svc
}

// envOr returns the environment variable value or a default.
func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envDurationOr returns the environment variable as duration or a default.
func envDurationOr(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
