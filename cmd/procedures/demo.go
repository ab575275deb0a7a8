package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/aristath/procedures/internal/orchestrator"
	"github.com/aristath/procedures/internal/process"
	"github.com/aristath/procedures/internal/scheduler"
)

// pause sleeps for d or until ctx is done.
func pause(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// buildDemo assembles a sample release pipeline:
//
//	prepare -> fetch (group of retried downloads) -> migrate-a, migrate-b (exclusive on "database")
//	        -> report (external command) -> deploy (conditional) ; heartbeat runs alongside
func buildDemo(r *orchestrator.Runner) []*scheduler.Task {
	prepare := scheduler.NewBlockTask("prepare", func(ctx context.Context) error {
		return pause(ctx, 300*time.Millisecond)
	})

	fetch := scheduler.NewGroup("fetch")
	for _, mirror := range []string{"eu", "us", "ap"} {
		download := r.Retry("download-"+mirror, "mirrors", func(ctx context.Context, attempt int) error {
			if err := pause(ctx, 200*time.Millisecond); err != nil {
				return err
			}
			// The ap mirror needs a second attempt
			if mirror == "ap" && attempt == 1 {
				return fmt.Errorf("mirror %s: connection reset", mirror)
			}
			return nil
		})
		fetch.AddChildren(download.Task)
	}
	fetch.AddDependency(prepare)

	var migrations []*scheduler.Task
	for _, name := range []string{"migrate-a", "migrate-b"} {
		m := scheduler.NewBlockTask(name, func(ctx context.Context) error {
			return pause(ctx, 400*time.Millisecond)
		})
		m.AddCondition(scheduler.MutuallyExclusive("database"))
		m.AddDependency(fetch.Task)
		migrations = append(migrations, m)
	}

	report := r.Command("report", process.Spec{
		Path: "sh",
		Args: []string{"-c", "echo building report; sleep 0.2; echo $(date); echo done"},
	})
	report.AddDependency(migrations...)

	deploy := scheduler.NewBlockTask("deploy", func(ctx context.Context) error {
		return pause(ctx, 200*time.Millisecond)
	})
	deploy.AddDependency(report.Task)
	deploy.AddCondition(scheduler.NoFailedDependencies())
	deploy.AddCondition(scheduler.Negated(scheduler.BlockCondition("dry-run", func(context.Context, *scheduler.Task) error {
		if os.Getenv("PROCEDURES_DRY_RUN") == "" {
			return errors.New("not a dry run")
		}
		return nil
	})))

	heartbeat := orchestrator.NewRepeatTask("heartbeat", 3, 500*time.Millisecond, func(i int) *scheduler.Task {
		return scheduler.NewBlockTask(fmt.Sprintf("heartbeat-%d", i), func(context.Context) error {
			return nil
		})
	})

	tasks := []*scheduler.Task{prepare, fetch.Task}
	tasks = append(tasks, migrations...)
	return append(tasks, report.Task, deploy, heartbeat.Task)
}
