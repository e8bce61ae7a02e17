package scheduler

import (
	"context"
	"errors"
	"log"

	"github.com/opqbot/opqbot/internal/config"
	"github.com/opqbot/opqbot/internal/executor"
)

// RegisterConfigured registers the static jobs declared in the config
// file. Each firing enqueues the job's action; a full queue is logged
// and the firing is skipped.
func RegisterConfigured(s *Scheduler, jobs []config.JobConfig, actions *executor.Executor) error {
	for _, j := range jobs {
		j := j
		task := func(ctx context.Context) {
			err := actions.Enqueue(executor.ActionRequest{
				Action: j.Action,
				Params: j.Params,
			})
			if errors.Is(err, executor.ErrQueueFull) {
				log.Printf("scheduler: job %q skipped, action queue full", j.Name)
				return
			}
			if err != nil {
				log.Printf("scheduler: job %q enqueue: %v", j.Name, err)
			}
		}
		var err error
		if j.Cron != "" {
			err = s.Cron(j.Name, j.Cron, task)
		} else {
			err = s.Every(j.Name, j.Every, task)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
