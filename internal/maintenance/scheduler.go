package maintenance

import (
	"context"
	"time"

	"github.com/lingua-speech/scheduler/internal/logging"
)

// Scheduler runs a fixed set of Tasks, sleeping until the next one comes
// due rather than polling, the same shape as the teacher's
// Scheduler.Start loop generalized from "enqueue a stream entry" to
// "call Task.Run directly in-process".
type Scheduler struct {
	tasks   []*Task
	log     *logging.Logger
	running bool
}

func NewScheduler(tasks ...*Task) *Scheduler {
	return &Scheduler{tasks: tasks, log: logging.New("maintenance")}
}

// Start blocks until ctx is canceled, running each task as its schedule
// comes due.
func (s *Scheduler) Start(ctx context.Context) {
	if len(s.tasks) == 0 {
		s.log.Warn("no maintenance tasks configured")
		return
	}
	s.running = true
	s.log.Info("starting maintenance scheduler", "tasks", len(s.tasks))

	var upcoming []*Task
	for s.running {
		now := time.Now()

		for _, task := range upcoming {
			s.runTask(task)
			task.MarkRun(now)
		}

		minDelay := 24 * time.Hour
		upcoming = nil
		for _, task := range s.tasks {
			delay := task.NextRun(now).Sub(now)
			if delay < minDelay {
				minDelay = delay
				upcoming = []*Task{task}
			} else if delay == minDelay {
				upcoming = append(upcoming, task)
			}
		}

		select {
		case <-time.After(minDelay):
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) runTask(task *Task) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("maintenance task panicked", "task", task.Name, "panic", r)
		}
	}()
	s.log.Debug("running maintenance task", "task", task.Name)
	task.Run()
}

// Stop ends the loop at its next wake-up.
func (s *Scheduler) Stop() {
	s.running = false
}
