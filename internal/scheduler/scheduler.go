// Package scheduler runs recurring maintenance jobs on cron-style schedules.
package scheduler

import (
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
}

func New(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:   cron.New(),
		logger: logger,
	}
}

// Add registers job under the given cron spec ("@every 5m" and standard
// five-field expressions are accepted). A panicking job is logged and does
// not take the scheduler down.
func (s *Scheduler) Add(spec, name string, job func()) error {
	_, err := s.cron.AddFunc(spec, func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("scheduled job panicked", "job", name, "panic", r)
			}
		}()
		job()
	})
	if err != nil {
		return fmt.Errorf("schedule %s (%q): %w", name, spec, err)
	}
	return nil
}

// Start launches the scheduler in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
