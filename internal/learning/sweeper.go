package learning

import (
	"context"
	"fmt"

	"github.com/robfig/cron"

	"github.com/casafex/planvista-backend/internal/platform/logger"
)

// DefaultSweepSchedule runs the decay sweep nightly at 03:00.
const DefaultSweepSchedule = "0 0 3 * * *"

// Sweeper schedules the nightly decay sweep.
type Sweeper struct {
	c       *cron.Cron
	learner *Learner
	log     *logger.Logger
}

func NewSweeper(learner *Learner, baseLog *logger.Logger) *Sweeper {
	return &Sweeper{
		c:       cron.New(),
		learner: learner,
		log:     baseLog.With("component", "DecaySweeper"),
	}
}

// Start registers the sweep at the given cron schedule (seconds-granular
// spec; empty means DefaultSweepSchedule) and starts the scheduler.
func (s *Sweeper) Start(schedule string) error {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	err := s.c.AddFunc(schedule, func() {
		touched, err := s.learner.Sweep(context.Background())
		if err != nil {
			s.log.Error("Decay sweep failed", "error", err)
			return
		}
		s.log.Info("Decay sweep complete", "rules_touched", touched)
	})
	if err != nil {
		return fmt.Errorf("register decay sweep: %w", err)
	}
	s.c.Start()
	return nil
}

func (s *Sweeper) Stop() {
	s.c.Stop()
}
