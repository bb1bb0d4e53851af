// Package retry runs units of work under a bounded attempts budget.
//
// The engine knows nothing about what a task does. It hands each attempt
// the attempt number and the previous attempt's error, stops at the first
// success, and reports exhaustion with a TaskFailedError carrying every
// attempt's error in order.
package retry

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/quasar/pkg/metrics"
)

// Task is a unit of work that may fail transiently
type Task interface {
	// Name identifies the task in errors and logs
	Name() string
	// Attempts is the budget; zero means the task is never invoked
	Attempts() int
	// Perform runs one attempt. attempt starts at 1 and previous is the
	// error of the preceding attempt, nil on the first one.
	Perform(ctx context.Context, attempt int, previous error) error
}

// Delayer is implemented by tasks that pick their own pause between
// attempts. A nil DelayFunc falls back to the engine's.
type Delayer interface {
	Delay() DelayFunc
}

// TaskFailedError reports an exhausted attempts budget
type TaskFailedError struct {
	Task   string
	Errors []error
}

// Error implements the error interface
func (e *TaskFailedError) Error() string {
	if len(e.Errors) == 0 {
		return fmt.Sprintf("task %s failed: no attempts allowed", e.Task)
	}
	return fmt.Sprintf("task %s failed after %d attempt(s): %v", e.Task, len(e.Errors), e.Last())
}

// Last returns the most recent attempt error
func (e *TaskFailedError) Last() error {
	if len(e.Errors) == 0 {
		return nil
	}
	return e.Errors[len(e.Errors)-1]
}

// Unwrap exposes the most recent attempt error as the primary cause
func (e *TaskFailedError) Unwrap() error {
	return e.Last()
}

// InterruptedError reports that ctx was cancelled before the budget was
// used up. The attempts made so far are kept.
type InterruptedError struct {
	Task   string
	Errors []error
	Cause  error
}

// Error implements the error interface
func (e *InterruptedError) Error() string {
	return fmt.Sprintf("task %s interrupted after %d attempt(s): %v", e.Task, len(e.Errors), e.Cause)
}

// Unwrap returns the context error
func (e *InterruptedError) Unwrap() error {
	return e.Cause
}

// Option configures an Engine
type Option func(*Engine)

// WithDelay pauses between attempts according to fn
func WithDelay(fn DelayFunc) Option {
	return func(e *Engine) {
		e.delay = fn
	}
}

// WithLogger sets the engine logger
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// Engine executes tasks
type Engine struct {
	delay  DelayFunc
	logger *zap.Logger
}

// NewEngine creates an engine; without options it retries immediately
func NewEngine(opts ...Option) *Engine {
	e := &Engine{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run invokes task until one attempt succeeds or the budget is spent.
//
// An attempt that has started runs to completion even if ctx is cancelled
// meanwhile: it receives a context that keeps ctx's values but not its
// cancellation. Cancellation is observed between attempts, where Run stops
// with an *InterruptedError.
func (e *Engine) Run(ctx context.Context, task Task) error {
	name := task.Name()
	budget := task.Attempts()
	logger := e.logger.With(zap.String("task", name))
	delay := e.delay
	if d, ok := task.(Delayer); ok && d.Delay() != nil {
		delay = d.Delay()
	}

	errs := make([]error, 0, max(budget, 0))
	var previous error

	for attempt := 1; attempt <= budget; attempt++ {
		if attempt > 1 {
			if err := wait(ctx, delay, attempt); err != nil {
				return &InterruptedError{Task: name, Errors: errs, Cause: err}
			}
		}
		if err := ctx.Err(); err != nil {
			return &InterruptedError{Task: name, Errors: errs, Cause: err}
		}

		start := time.Now()
		err := task.Perform(context.WithoutCancel(ctx), attempt, previous)
		if err == nil {
			metrics.TaskAttempts.WithLabelValues("success").Inc()
			logger.Debug("attempt succeeded",
				zap.Int("attempt", attempt),
				zap.Duration("duration", time.Since(start)))
			return nil
		}

		metrics.TaskAttempts.WithLabelValues("failure").Inc()
		logger.Warn("attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("attempts", budget),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))

		errs = append(errs, err)
		previous = err
	}

	return &TaskFailedError{Task: name, Errors: errs}
}

func wait(ctx context.Context, fn DelayFunc, attempt int) error {
	if fn == nil {
		return nil
	}
	delay := fn(attempt)
	if delay <= 0 {
		return nil
	}

	// Wait with context cancellation
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
