// Package workpool runs independent tasks on a fixed number of workers.
//
// Workers pull task indices from a shared queue. Cancelling the run context stops dispatch
// of new tasks, but tasks already handed to a worker keep running on a context detached from
// that cancellation and bounded only by TaskTimeout, so their outcome is always recorded. A
// task that overruns TaskTimeout+StuckGrace is abandoned and its worker moves on.
package workpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
)

const defaultStuckGrace = 5 * time.Second

type Config struct {
	Name        string
	Logger      *slog.Logger
	Clock       clockwork.Clock
	Workers     int
	TaskTimeout time.Duration
	StuckGrace  time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Workers < 0 {
		return errors.New("workers must not be negative")
	}
	if cfg.Workers == 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	if cfg.TaskTimeout < 0 {
		return errors.New("task timeout must not be negative")
	}
	if cfg.StuckGrace <= 0 {
		cfg.StuckGrace = defaultStuckGrace
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Name == "" {
		cfg.Name = "workpool"
	}
	return nil
}

// Outcome is the result slot for one task. Dispatched is false for tasks that never reached
// a worker because the run was cancelled first.
type Outcome[R any] struct {
	Value      R
	Dispatched bool
	Abandoned  bool
	Panic      error
}

// Run executes fn for every task and returns outcomes in task order.
func Run[T, R any](ctx context.Context, cfg Config, tasks []T, fn func(ctx context.Context, task T) R) ([]Outcome[R], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	outcomes := make([]Outcome[R], len(tasks))
	if len(tasks) == 0 {
		return outcomes, nil
	}

	workers := min(cfg.Workers, len(tasks))
	queue := make(chan int)

	var g errgroup.Group
	for range workers {
		g.Go(func() error {
			for i := range queue {
				outcomes[i] = runOne(ctx, cfg, tasks[i], fn)
			}
			return nil
		})
	}

	dispatched := 0
dispatch:
	for i := range tasks {
		if ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
			break dispatch
		case queue <- i:
			dispatched++
		}
	}
	close(queue)
	_ = g.Wait()

	if dispatched < len(tasks) {
		cfg.Logger.Warn(cfg.Name+": dispatch stopped early", "dispatched", dispatched, "total", len(tasks))
	}
	return outcomes, nil
}

type taskResult[R any] struct {
	value    R
	panicErr error
}

func runOne[T, R any](ctx context.Context, cfg Config, task T, fn func(context.Context, T) R) Outcome[R] {
	taskCtx := context.WithoutCancel(ctx)
	cancel := context.CancelFunc(func() {})
	if cfg.TaskTimeout > 0 {
		taskCtx, cancel = context.WithTimeout(taskCtx, cfg.TaskTimeout)
	}
	defer cancel()

	done := make(chan taskResult[R], 1)
	go func() {
		var res taskResult[R]
		defer func() {
			if r := recover(); r != nil {
				res.panicErr = fmt.Errorf("task panicked: %v", r)
			}
			done <- res
		}()
		res.value = fn(taskCtx, task)
	}()

	if cfg.TaskTimeout <= 0 {
		res := <-done
		return Outcome[R]{Value: res.value, Dispatched: true, Panic: res.panicErr}
	}

	select {
	case res := <-done:
		if res.panicErr != nil {
			cfg.Logger.Error(cfg.Name+": task panicked", "error", res.panicErr)
		}
		return Outcome[R]{Value: res.value, Dispatched: true, Panic: res.panicErr}
	case <-cfg.Clock.After(cfg.TaskTimeout + cfg.StuckGrace):
		cfg.Logger.Error(cfg.Name+": abandoning stuck task", "timeout", cfg.TaskTimeout, "grace", cfg.StuckGrace)
		return Outcome[R]{Dispatched: true, Abandoned: true}
	}
}
