// Command orchestrator-api serves the REST admission API: submit workflows,
// inspect their status, and delete them.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ai-effect-eu/orchestrator-go/internal/api"
	"github.com/ai-effect-eu/orchestrator-go/internal/config"
	"github.com/ai-effect-eu/orchestrator-go/internal/emit"
	"github.com/ai-effect-eu/orchestrator-go/internal/engine"
	"github.com/ai-effect-eu/orchestrator-go/internal/metrics"
	"github.com/ai-effect-eu/orchestrator-go/internal/queue"
	"github.com/ai-effect-eu/orchestrator-go/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "orchestrator-api:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	emitter := emit.NewLogEmitter(os.Stdout, false)
	emitter.Emit(emit.Event{Msg: "api_starting", Meta: map[string]interface{}{
		"log_level": cfg.LogLevel, "store_backend": cfg.StoreBackend,
	}})

	st, q, err := buildBackend(cfg, emitter)
	if err != nil {
		return err
	}
	m := metrics.New(nil)
	e := engine.New(st, q, emitter, m)

	srv := api.New(e, st, q, emitter)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	emitter.Emit(emit.Event{Msg: "api_listening", Meta: map[string]interface{}{"addr": addr}})

	return http.ListenAndServe(addr, srv.Router(nil))
}

// buildBackend constructs the Store/Queue pair for cfg.StoreBackend. Redis
// backs both the store and the queue (the production default); the SQL
// backends have no distributed queue counterpart, so they pair with an
// in-process MemQueue, matching a single-process deployment that trades
// Redis for a local database file.
func buildBackend(cfg *config.Config, emitter emit.Emitter) (store.Store, queue.Queue, error) {
	switch cfg.StoreBackend {
	case "redis", "":
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			return nil, nil, fmt.Errorf("connect to redis: %w", err)
		}
		emitter.Emit(emit.Event{Msg: "redis_connected"})

		return store.NewRedisStore(rdb), queue.NewRedisQueue(rdb), nil

	case "sqlite":
		st, err := store.NewSQLiteStore(cfg.SQLDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return st, queue.NewMemQueue(), nil

	case "mysql":
		st, err := store.NewMySQLStore(cfg.SQLDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open mysql store: %w", err)
		}
		return st, queue.NewMemQueue(), nil

	default:
		return nil, nil, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
	}
}
