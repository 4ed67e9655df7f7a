package worker

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ai-effect-eu/orchestrator-go/internal/control"
	"github.com/ai-effect-eu/orchestrator-go/internal/emit"
	"github.com/ai-effect-eu/orchestrator-go/internal/engine"
	"github.com/ai-effect-eu/orchestrator-go/internal/metrics"
	"github.com/ai-effect-eu/orchestrator-go/internal/store"
)

// Daemon polls every running workflow and advances one task per workflow
// per pass, sleeping pollInterval only when a full pass finds no work.
// Unlike Worker, which is scoped to a single workflow, Daemon discovers
// workflows from the store and constructs a Worker per pass using that
// workflow's persisted endpoints.
type Daemon struct {
	engine       *engine.Engine
	store        store.Store
	client       *control.Client
	pollInterval time.Duration
	emitter      emit.Emitter
	metrics      *metrics.Metrics

	running atomic.Bool
}

// NewDaemon constructs a Daemon. emitter/m may be nil.
func NewDaemon(e *engine.Engine, st store.Store, client *control.Client, pollInterval time.Duration, emitter emit.Emitter, m *metrics.Metrics) *Daemon {
	if emitter == nil {
		emitter = emit.NullEmitter{}
	}
	d := &Daemon{
		engine: e, store: st, client: client,
		pollInterval: pollInterval, emitter: emitter, metrics: m,
	}
	d.running.Store(true)
	return d
}

// ProcessWorkflow advances one task for workflowID, loading its persisted
// endpoints first. It returns false without error if the workflow has no
// endpoints recorded yet (nothing to dispatch to) or its queue was empty.
func (d *Daemon) ProcessWorkflow(ctx context.Context, workflowID string) (bool, error) {
	endpoints, err := d.store.GetEndpoints(ctx, workflowID)
	if err != nil {
		return false, err
	}
	if len(endpoints) == 0 {
		d.emitter.Emit(emit.Event{WorkflowID: workflowID, Msg: "daemon_no_endpoints"})
		return false, nil
	}

	w, err := New(d.engine, d.client, endpoints, defaultWorkerPollInterval, d.emitter, d.metrics)
	if err != nil {
		return false, err
	}
	return w.ProcessTask(ctx, workflowID, daemonClaimTimeout)
}

// daemonClaimTimeout bounds each pass's claim so an empty queue returns
// instead of blocking; a zero timeout would block until a task is queued.
const daemonClaimTimeout = 100 * time.Millisecond

// defaultWorkerPollInterval is the async-task poll cadence used by the
// short-lived Worker a Daemon pass constructs; the daemon's own pass
// cadence is governed separately by Daemon.pollInterval.
const defaultWorkerPollInterval = 5 * time.Second

// Run is the daemon's main loop: scan running workflows, process one task
// each, sleep pollInterval only if a full pass found no work. It returns
// when ctx is cancelled or Stop is called.
func (d *Daemon) Run(ctx context.Context) error {
	d.emitter.Emit(emit.Event{Msg: "daemon_started"})

	for d.running.Load() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		workflows, err := d.store.ListRunningWorkflows(ctx)
		if err != nil {
			d.emitter.Emit(emit.Event{Msg: "daemon_loop_error", Meta: map[string]interface{}{"error": err.Error()}})
			d.sleep(ctx)
			continue
		}

		processedAny := false
		for _, workflowID := range workflows {
			if !d.running.Load() {
				break
			}
			processed, err := d.ProcessWorkflow(ctx, workflowID)
			if err != nil {
				d.emitter.Emit(emit.Event{
					WorkflowID: workflowID, Msg: "daemon_workflow_error",
					Meta: map[string]interface{}{"error": err.Error()},
				})
				continue
			}
			if processed {
				processedAny = true
			}
		}

		if d.metrics != nil {
			outcome := "idle"
			if processedAny {
				outcome = "work_found"
			}
			d.metrics.IncPollIteration(outcome)
		}

		if !processedAny {
			d.sleep(ctx)
		}
	}

	d.emitter.Emit(emit.Event{Msg: "daemon_stopped"})
	return nil
}

func (d *Daemon) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(d.pollInterval):
	}
}

// Stop signals the daemon's run loop to exit after its current pass.
func (d *Daemon) Stop() {
	d.running.Store(false)
}
