package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"memograph/internal/services"

	"github.com/go-co-op/gocron/v2"
	"github.com/robfig/cron/v3"
)

// BackfillJob runs the embedding backfill on a cron schedule so pending
// memories converge to zero without anyone pressing the admin button.
type BackfillJob struct {
	coordinator *services.BackfillCoordinator
	scheduler   gocron.Scheduler
	expression  string
}

// NewBackfillJob validates the cron expression and creates the job.
// The expression is operator supplied configuration, so it is parsed up
// front instead of failing at first fire.
func NewBackfillJob(coordinator *services.BackfillCoordinator, expression string) (*BackfillJob, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	if _, err := parser.Parse(expression); err != nil {
		return nil, fmt.Errorf("invalid backfill cron expression %q: %w", expression, err)
	}

	scheduler, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	return &BackfillJob{
		coordinator: coordinator,
		scheduler:   scheduler,
		expression:  expression,
	}, nil
}

// Start registers the job and begins the schedule.
func (j *BackfillJob) Start() error {
	_, err := j.scheduler.NewJob(
		gocron.CronJob(j.expression, false),
		gocron.NewTask(j.run),
		gocron.WithName("embedding-backfill"),
	)
	if err != nil {
		return fmt.Errorf("failed to register backfill job: %w", err)
	}

	j.scheduler.Start()
	log.Printf("📅 [BACKFILL-JOB] Scheduled embedding backfill (cron: %s)", j.expression)
	return nil
}

// run executes one scheduled backfill. An already-running manual run just
// means this tick has nothing to do.
func (j *BackfillJob) run() {
	report, err := j.coordinator.Run(context.Background(), services.BackfillOptions{})
	if err != nil {
		if errors.Is(err, services.ErrBackfillRunning) {
			log.Println("⏭️ [BACKFILL-JOB] Skipping tick, a run is already in flight")
			return
		}
		log.Printf("❌ [BACKFILL-JOB] Scheduled run failed: %v", err)
		return
	}

	log.Printf("✅ [BACKFILL-JOB] Scheduled run %s: %d/%d succeeded", report.RunID, report.SuccessCount, report.TotalCount)
}

// Stop shuts the scheduler down, waiting for a running tick to finish.
func (j *BackfillJob) Stop() {
	if err := j.scheduler.Shutdown(); err != nil {
		log.Printf("⚠️ [BACKFILL-JOB] Scheduler shutdown error: %v", err)
	}
}
