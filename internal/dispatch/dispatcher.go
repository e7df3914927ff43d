// Package dispatch maps segment runs for an ensemble over a bounded worker
// pool. Results are aligned with the input order and a failure stays
// confined to its slot.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"wexplore/internal/logging"
	"wexplore/internal/model"
	"wexplore/internal/runner"
	"wexplore/internal/telemetry"
)

var ErrSegmentFailed = errors.New("segment failed")

type Task struct {
	Index   int
	State   model.State
	Segment runner.Segment
}

type Result struct {
	Index    int
	State    model.State
	WorkerID int
	Attempts int
	Err      error
}

// SlotError reports a slot whose retries are exhausted or whose failure is
// unrecoverable.
type SlotError struct {
	Index    int
	Attempts int
	Err      error
}

func (e *SlotError) Error() string {
	return fmt.Sprintf("walker %d failed after %d attempt(s): %v", e.Index, e.Attempts, e.Err)
}

func (e *SlotError) Unwrap() []error { return []error{ErrSegmentFailed, e.Err} }

type Config struct {
	Workers int
	Runner  runner.SegmentRunner
	Metrics *telemetry.Metrics
	Logger  *slog.Logger
}

type Dispatcher struct {
	workers int
	runner  runner.SegmentRunner
	metrics *telemetry.Metrics
	logger  *slog.Logger
}

func New(cfg Config) (*Dispatcher, error) {
	if cfg.Runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New("dispatch")
	}
	return &Dispatcher{
		workers: cfg.Workers,
		runner:  cfg.Runner,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
	}, nil
}

func (d *Dispatcher) Workers() int { return d.workers }

// Map runs every task once and blocks until all slots have a result. Slots
// that never started because ctx was cancelled carry ctx.Err().
func (d *Dispatcher) Map(ctx context.Context, tasks []Task) []Result {
	return d.mapRound(ctx, tasks, 0)
}

func (d *Dispatcher) mapRound(ctx context.Context, tasks []Task, workerOffset int) []Result {
	results := make([]Result, len(tasks))
	if len(tasks) == 0 {
		return results
	}
	started := make([]bool, len(tasks))

	type job struct {
		slot int
		task Task
	}
	jobs := make(chan job)

	workerCount := d.workers
	if workerCount > len(tasks) {
		workerCount = len(tasks)
	}

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workerCount; w++ {
		workerID := (w + workerOffset) % d.workers
		g.Go(func() error {
			for j := range jobs {
				seg := j.task.Segment
				seg.WorkerID = workerID
				state, err := d.runOne(gctx, j.task.State, seg)
				if err != nil {
					d.metrics.SegmentFailed(workerID)
				}
				results[j.slot] = Result{
					Index:    j.task.Index,
					State:    state,
					WorkerID: workerID,
					Attempts: 1,
					Err:      err,
				}
			}
			return nil
		})
	}

feed:
	for i, task := range tasks {
		select {
		case <-ctx.Done():
			break feed
		case jobs <- job{slot: i, task: task}:
			started[i] = true
		}
	}
	close(jobs)
	_ = g.Wait()

	for i := range results {
		if !started[i] {
			results[i] = Result{Index: tasks[i].Index, Err: ctx.Err()}
		}
	}
	return results
}

func (d *Dispatcher) runOne(ctx context.Context, state model.State, seg runner.Segment) (out model.State, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = model.State{}
			err = fmt.Errorf("runner %s panicked: %v", d.runner.Name(), r)
		}
	}()
	if err := ctx.Err(); err != nil {
		return model.State{}, err
	}
	return d.runner.RunSegment(ctx, state.Clone(), seg)
}

// Propagate maps tasks and re-dispatches only the failed slots until they
// succeed or the retry budget is spent. Retries rotate worker assignment so
// a slot tends to land on another worker.
func (d *Dispatcher) Propagate(ctx context.Context, tasks []Task, policy RetryPolicy) ([]Result, error) {
	policy = normalizeRetryPolicy(policy)
	results := d.Map(ctx, tasks)

	for round := 1; ; round++ {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		pending := make([]int, 0)
		for i, res := range results {
			if res.Err == nil {
				continue
			}
			if runner.IsUnrecoverable(res.Err) || round > policy.Budget {
				return results, &SlotError{Index: res.Index, Attempts: res.Attempts, Err: res.Err}
			}
			pending = append(pending, i)
		}
		if len(pending) == 0 {
			return results, nil
		}

		d.logger.Info("retrying failed segments", "slots", len(pending), "round", round)
		d.metrics.SegmentRetried(len(pending))
		if err := sleepContext(ctx, policy.backoff(round)); err != nil {
			return results, err
		}

		retry := make([]Task, len(pending))
		for i, slot := range pending {
			retry[i] = tasks[slot]
		}
		retried := d.mapRound(ctx, retry, round)
		for i, slot := range pending {
			attempts := results[slot].Attempts + 1
			results[slot] = retried[i]
			results[slot].Attempts = attempts
		}
	}
}
