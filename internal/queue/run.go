package queue

import (
	"context"
	mathrand "math/rand/v2"
	"time"

	"github.com/andgineer/news-recap/internal/models"
)

// DefaultPollInterval and DefaultPollJitter control the idle-poll sleep
// between RunOnce calls in RunLoop.
const (
	DefaultPollInterval = 5 * time.Second
	DefaultPollJitter   = 2 * time.Second
)

// LoopOptions configures RunLoop.
type LoopOptions struct {
	MaxTasks     int // 0 means unbounded: run until ctx is done
	PollInterval time.Duration
	PollJitter   time.Duration
}

func (o LoopOptions) withDefaults() LoopOptions {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.PollJitter < 0 {
		o.PollJitter = 0
	}
	return o
}

// RunLoop repeatedly calls RunOnce until MaxTasks have been processed (if
// bounded) or ctx is cancelled, sleeping a jittered poll interval between
// idle polls.
func (w *Worker) RunLoop(ctx context.Context, opts LoopOptions) RunSummary {
	opts = opts.withDefaults()
	var summary RunSummary

	for {
		if ctx.Err() != nil {
			return summary
		}
		if opts.MaxTasks > 0 && summary.Processed >= opts.MaxTasks {
			return summary
		}

		outcome, err := w.RunOnce(ctx)
		if err != nil {
			summary.Failed++
			summary.Processed++
			if !sleepOrDone(ctx, pollInterval(opts)) {
				return summary
			}
			continue
		}

		if outcome.Idle {
			summary.IdlePolls++
			if !sleepOrDone(ctx, pollInterval(opts)) {
				return summary
			}
			continue
		}

		summary.Processed++
		switch outcome.Result {
		case "succeeded":
			summary.Succeeded++
		case "retried":
			summary.Retried++
		case "timeout":
			summary.Timeouts++
		default:
			summary.Failed++
		}
	}
}

// RunUntilDone drives RunOnce until taskID reaches a terminal status,
// used by the recap coordinator to run a single enqueued step to
// completion on its own goroutine. The coordinator is both enqueuer
// and worker for its own steps, so no separate worker process needs to
// be running.
func (w *Worker) RunUntilDone(ctx context.Context, taskID string, opts LoopOptions) (models.LlmTask, error) {
	opts = opts.withDefaults()
	for {
		task, err := w.repo.GetTask(ctx, taskID)
		if err != nil {
			return models.LlmTask{}, err
		}
		if isTerminalTaskStatus(task.Status) {
			return task, nil
		}
		if ctx.Err() != nil {
			return task, ctx.Err()
		}

		outcome, err := w.RunOnce(ctx)
		if err != nil {
			return models.LlmTask{}, err
		}
		if outcome.Idle {
			if !sleepOrDone(ctx, pollInterval(opts)) {
				return models.LlmTask{}, ctx.Err()
			}
		}
	}
}

func isTerminalTaskStatus(s models.TaskStatus) bool {
	switch s {
	case models.TaskStatusSucceeded, models.TaskStatusFailed, models.TaskStatusTimeout, models.TaskStatusCanceled:
		return true
	default:
		return false
	}
}

// sleepOrDone waits for d or until ctx is cancelled, reporting whether the
// loop should continue (true) or stop (false).
func sleepOrDone(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// pollInterval returns opts.PollInterval with jitter applied, drawn
// uniformly from [base-jitter, base+jitter].
func pollInterval(opts LoopOptions) time.Duration {
	if opts.PollJitter == 0 {
		return opts.PollInterval
	}
	offset := time.Duration(mathrand.Int64N(int64(2 * opts.PollJitter)))
	return opts.PollInterval - opts.PollJitter + offset
}
