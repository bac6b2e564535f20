package pipeline

import (
	"context"
	"time"

	"github.com/harunnryd/holorelay/pkg/runner"
)

// Runner ties the orchestrator's drain to the process lifecycle.
type Runner struct {
	orch *Orchestrator
	lc   *runner.LifecycleRunner
}

func NewRunner(orch *Orchestrator, hooks runner.Hooks, timeout time.Duration) *Runner {
	drainer := DrainerFunc(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), drainBudget(timeout))
		defer cancel()
		return orch.Drain(ctx)
	})
	return &Runner{orch: orch, lc: runner.NewLifecycleRunner(drainer, hooks, timeout)}
}

func (r *Runner) Run(ctx context.Context) error { return r.lc.Run(ctx) }
func (r *Runner) Stop() error                   { return r.lc.Stop() }
func (r *Runner) State() runner.State           { return r.lc.State() }

type DrainerFunc func() error

func (r DrainerFunc) Drain() error { return r() }

func NewDrainRunner(drainer runner.Drainer, hooks runner.Hooks, timeout time.Duration) *Runner {
	return &Runner{lc: runner.NewLifecycleRunner(drainer, hooks, timeout)}
}

func drainBudget(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return 10 * time.Second
	}
	return timeout
}
