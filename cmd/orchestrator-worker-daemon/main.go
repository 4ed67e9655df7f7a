// Command orchestrator-worker-daemon continuously polls every running
// workflow and advances one task per workflow per pass, until it receives
// SIGTERM or SIGINT.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ai-effect-eu/orchestrator-go/internal/config"
	"github.com/ai-effect-eu/orchestrator-go/internal/control"
	"github.com/ai-effect-eu/orchestrator-go/internal/emit"
	"github.com/ai-effect-eu/orchestrator-go/internal/engine"
	"github.com/ai-effect-eu/orchestrator-go/internal/metrics"
	"github.com/ai-effect-eu/orchestrator-go/internal/queue"
	"github.com/ai-effect-eu/orchestrator-go/internal/store"
	"github.com/ai-effect-eu/orchestrator-go/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "orchestrator-worker-daemon:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	emitter := emit.NewLogEmitter(os.Stdout, false)
	emitter.Emit(emit.Event{Msg: "daemon_connecting", Meta: map[string]interface{}{"redis_url": cfg.RedisURL}})

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parse REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	emitter.Emit(emit.Event{Msg: "redis_connected"})

	st := store.NewRedisStore(rdb)
	q := queue.NewRedisQueue(rdb)
	m := metrics.New(nil)
	e := engine.New(st, q, emitter, m)
	client := control.New(30 * time.Second)

	d := worker.NewDaemon(e, st, client, cfg.WorkerPollInterval, emitter, m)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		emitter.Emit(emit.Event{Msg: "daemon_signal_received", Meta: map[string]interface{}{"signal": sig.String()}})
		d.Stop()
	}()

	return d.Run(context.Background())
}
