// Command orchestrator-worker processes tasks for a single workflow until
// it completes, then exits. Mirrors the original single-workflow worker CLI.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
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

// cliArgs is the parsed shape of orchestrator-worker's command line.
type cliArgs struct {
	WorkflowID   string
	Timeout      time.Duration
	PollInterval time.Duration
	LogLevel     string
}

// parseArgs parses orchestrator-worker's flags and positional workflow_id
// argument: "[--timeout N] [--poll-interval F] [--log-level L] workflow_id".
// Flags must come before workflow_id; parsing stops at the first
// positional argument.
func parseArgs(args []string) (cliArgs, error) {
	fs := flag.NewFlagSet("orchestrator-worker", flag.ContinueOnError)
	timeout := fs.Int("timeout", 0, "timeout in seconds for waiting on tasks (0 = blocking)")
	pollInterval := fs.Float64("poll-interval", 5.0, "poll interval in seconds for async tasks")
	logLevel := fs.String("log-level", "", "log level (debug, info, warning, error)")
	if err := fs.Parse(args); err != nil {
		return cliArgs{}, err
	}
	if fs.NArg() != 1 {
		return cliArgs{}, fmt.Errorf("usage: orchestrator-worker [flags] <workflow_id>")
	}
	return cliArgs{
		WorkflowID:   fs.Arg(0),
		Timeout:      time.Duration(*timeout) * time.Second,
		PollInterval: time.Duration(*pollInterval * float64(time.Second)),
		LogLevel:     *logLevel,
	}, nil
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "orchestrator-worker:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	parsed, err := parseArgs(args)
	if err != nil {
		return err
	}
	workflowID := parsed.WorkflowID

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if parsed.LogLevel != "" {
		cfg.LogLevel = parsed.LogLevel
	}

	emitter := emit.NewLogEmitter(os.Stdout, false)
	emitter.Emit(emit.Event{WorkflowID: workflowID, Msg: "worker_starting", Meta: map[string]interface{}{"log_level": cfg.LogLevel}})

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

	st := store.NewRedisStore(rdb)
	q := queue.NewRedisQueue(rdb)
	m := metrics.New(nil)
	e := engine.New(st, q, emitter, m)

	endpoints, err := st.GetEndpoints(context.Background(), workflowID)
	if err != nil {
		return fmt.Errorf("load endpoints for %s: %w", workflowID, err)
	}
	if len(endpoints) == 0 {
		return fmt.Errorf("no endpoints found for workflow %s", workflowID)
	}

	client := control.New(30 * time.Second)
	w, err := worker.New(e, client, endpoints, parsed.PollInterval, emitter, m)
	if err != nil {
		return fmt.Errorf("construct worker: %w", err)
	}

	ctx := context.Background()
	if err := w.Run(ctx, workflowID, parsed.Timeout); err != nil {
		return fmt.Errorf("run worker for %s: %w", workflowID, err)
	}

	emitter.Emit(emit.Event{WorkflowID: workflowID, Msg: "worker_finished"})
	return nil
}
