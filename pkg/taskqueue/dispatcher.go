// Package taskqueue drains the PostgreSQL task queue and dispatches
// stage executions to the worker's HTTP executor endpoint. Tasks carry
// the request envelope as payload; the executor's response status
// decides whether a task is done, rescheduled, or dead-lettered.
package taskqueue

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/aurelia-health/scribeflow/pkg/bus"
	"github.com/aurelia-health/scribeflow/pkg/httpx"
	"github.com/aurelia-health/scribeflow/pkg/pipeline"
	"github.com/aurelia-health/scribeflow/pkg/state"
)

// TaskNameHeader carries the deterministic task name on dispatch calls.
const TaskNameHeader = "X-Task-Name"

// TaskAttemptHeader carries the attempt number, starting at 1.
const TaskAttemptHeader = "X-Task-Attempt"

// Enqueuer turns stage request envelopes into queue tasks. The task
// name is deterministic per (stage, run), so redelivered requests
// collapse into the existing task.
type Enqueuer struct {
	tasks       *state.TaskStore
	maxAttempts int
}

// NewEnqueuer creates an Enqueuer. maxAttempts bounds how many times a
// task is dispatched before it is dead-lettered.
func NewEnqueuer(tasks *state.TaskStore, maxAttempts int) *Enqueuer {
	return &Enqueuer{tasks: tasks, maxAttempts: maxAttempts}
}

// Enqueue stores the request envelope as a task. Returns whether a new
// task was created; false means a task for this stage and run already
// exists and the request was absorbed.
func (e *Enqueuer) Enqueue(ctx context.Context, env pipeline.Envelope) (bool, error) {
	payload, err := env.Encode()
	if err != nil {
		return false, fmt.Errorf("encoding task payload: %w", err)
	}
	name := pipeline.TaskName(env.Step, env.RunID)
	created, err := e.tasks.Enqueue(ctx, name, env.Step, env.RunID, payload, e.maxAttempts)
	if err != nil {
		return false, err
	}
	if !created {
		slog.Info("Task already queued, absorbing duplicate request",
			"task", name, "run_id", env.RunID)
	}
	return created, nil
}

// Config wires a Dispatcher.
type Config struct {
	PodID string
	Stage pipeline.Stage
	Tasks *state.TaskStore

	// TargetURL is the executor endpoint tasks are POSTed to.
	TargetURL string

	// Tokens mints the bearer token for dispatch calls; Audience is
	// the audience claim the executor endpoint verifies.
	Tokens   bus.TokenSource
	Audience string

	Workers      int
	PollInterval time.Duration
	PollJitter   time.Duration

	// BackoffBase and BackoffCap bound the reschedule delay after a
	// retryable dispatch failure.
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// StaleAfter is how long a running task may hold its lock before
	// the recovery sweep returns it to the queue. Keep it above the
	// stage timeout or in-flight work gets double-dispatched.
	StaleAfter time.Duration

	Client *http.Client
}

// Dispatcher is a pool of polling workers for one stage's task queue.
type Dispatcher struct {
	cfg      Config
	client   *http.Client
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewDispatcher creates a Dispatcher with defaults filled in.
func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 2 * time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 15 * time.Minute
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	return &Dispatcher{cfg: cfg, client: client, stopCh: make(chan struct{})}
}

// Start spawns the polling workers and the stale-lock recovery sweep.
func (d *Dispatcher) Start(ctx context.Context) {
	slog.Info("Starting task dispatcher",
		"stage", d.cfg.Stage, "pod_id", d.cfg.PodID, "workers", d.cfg.Workers)

	for i := 0; i < d.cfg.Workers; i++ {
		workerID := fmt.Sprintf("%s-dispatch-%d", d.cfg.PodID, i)
		d.wg.Add(1)
		go d.run(ctx, workerID)
	}

	d.wg.Add(1)
	go d.runRecovery(ctx)
}

// Stop signals the workers to stop and waits for in-flight dispatches
// to finish.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.wg.Wait()
	slog.Info("Task dispatcher stopped", "stage", d.cfg.Stage)
}

func (d *Dispatcher) run(ctx context.Context, workerID string) {
	defer d.wg.Done()

	log := slog.With("worker_id", workerID, "stage", d.cfg.Stage)
	log.Info("Dispatch worker started")

	for {
		select {
		case <-d.stopCh:
			log.Info("Dispatch worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, dispatch worker shutting down")
			return
		default:
			task, err := d.cfg.Tasks.ClaimNext(ctx, d.cfg.Stage, workerID)
			if err != nil {
				log.Error("Claim failed", "error", err)
				d.sleep(time.Second)
				continue
			}
			if task == nil {
				d.sleep(d.pollInterval())
				continue
			}
			if err := d.dispatch(ctx, task); err != nil {
				log.Error("Dispatch bookkeeping failed", "task", task.Name, "error", err)
			}
		}
	}
}

// dispatch POSTs the task payload to the executor endpoint and settles
// the task from the response status.
func (d *Dispatcher) dispatch(ctx context.Context, task *state.Task) error {
	log := slog.With("task", task.Name, "run_id", task.RunID,
		"attempt", task.Attempts, "max_attempts", task.MaxAttempts)

	err := d.post(ctx, task)
	if err == nil {
		log.Info("Task dispatched")
		return d.cfg.Tasks.MarkDone(ctx, task.ID)
	}

	if pipeline.IsPermanent(err) {
		log.Warn("Task failed permanently, dead-lettering", "error", err)
		return d.cfg.Tasks.DeadLetter(ctx, task.ID, err.Error())
	}
	if task.Attempts >= task.MaxAttempts {
		log.Warn("Task out of attempts, dead-lettering", "error", err)
		return d.cfg.Tasks.DeadLetter(ctx, task.ID, err.Error())
	}

	delay := d.backoff(task.Attempts)
	log.Info("Task failed, rescheduling", "delay", delay, "error", err)
	return d.cfg.Tasks.Reschedule(ctx, task.ID, delay, err.Error())
}

func (d *Dispatcher) post(ctx context.Context, task *state.Task) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.TargetURL,
		bytes.NewReader(task.Payload))
	if err != nil {
		return pipeline.Permanent("building dispatch request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(TaskNameHeader, task.Name)
	req.Header.Set(TaskAttemptHeader, fmt.Sprintf("%d", task.Attempts))
	if env, err := pipeline.DecodeEnvelope(task.Payload); err == nil {
		req.Header.Set(httpx.CorrelationHeader, env.CorrelationID)
	}
	if d.cfg.Tokens != nil {
		token, err := d.cfg.Tokens.Token(d.cfg.Audience)
		if err != nil {
			return fmt.Errorf("minting dispatch token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return pipeline.Retryable("dispatching task: %v", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()
	return pipeline.ClassifyHTTPStatus(resp.StatusCode, "task dispatch")
}

// runRecovery periodically returns tasks with stale locks to the queue.
func (d *Dispatcher) runRecovery(ctx context.Context) {
	defer d.wg.Done()

	interval := d.cfg.StaleAfter / 2
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := d.cfg.Tasks.RecoverStale(ctx, d.cfg.StaleAfter)
			if err != nil {
				slog.Error("Stale task recovery failed", "stage", d.cfg.Stage, "error", err)
				continue
			}
			if n > 0 {
				slog.Warn("Recovered stale tasks", "stage", d.cfg.Stage, "count", n)
			}
		}
	}
}

// backoff returns the full-jitter delay before retry attempt+1.
func (d *Dispatcher) backoff(attempt int) time.Duration {
	ceiling := min(d.cfg.BackoffCap, d.cfg.BackoffBase<<uint(attempt-1))
	if ceiling <= 0 {
		ceiling = d.cfg.BackoffBase
	}
	return time.Duration(rand.Int64N(int64(ceiling)) + 1)
}

// pollInterval returns the poll duration with jitter.
func (d *Dispatcher) pollInterval() time.Duration {
	base := d.cfg.PollInterval
	jitter := d.cfg.PollJitter
	if jitter <= 0 {
		return base
	}
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

func (d *Dispatcher) sleep(duration time.Duration) {
	select {
	case <-d.stopCh:
	case <-time.After(duration):
	}
}
