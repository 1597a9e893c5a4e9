package services

import (
	"time"

	"github.com/docpipe/backend/internal/logger"
	"github.com/docpipe/backend/internal/repository"
	"github.com/robfig/cron/v3"
)

const (
	DefaultReaperSchedule = "@every 1m"
	DefaultStaleAfter     = 30 * time.Minute
)

// StaleJobReaper periodically force-fails RUNNING and RETRYING jobs whose
// worker died without recording a terminal state. Reaped jobs land in FAILED
// with reason "timeout" and stay eligible for manual resume.
type StaleJobReaper struct {
	jobs       repository.JobRepository
	staleAfter time.Duration
	schedule   string
	cron       *cron.Cron
}

func NewStaleJobReaper(jobs repository.JobRepository) *StaleJobReaper {
	// JOB_STALE_AFTER takes a Go duration string, e.g. "30m" or "2h".
	staleAfter := DefaultStaleAfter
	if raw := envString("JOB_STALE_AFTER", ""); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			staleAfter = d
		} else {
			logger.Warn("Ignoring invalid JOB_STALE_AFTER value", map[string]interface{}{"value": raw})
		}
	}

	schedule := envString("REAPER_SCHEDULE", DefaultReaperSchedule)

	return &StaleJobReaper{
		jobs:       jobs,
		staleAfter: staleAfter,
		schedule:   schedule,
		cron:       cron.New(),
	}
}

// Start registers the sweep on the cron schedule and begins running it.
func (r *StaleJobReaper) Start() error {
	if _, err := r.cron.AddFunc(r.schedule, func() {
		r.Sweep(time.Now())
	}); err != nil {
		return err
	}
	r.cron.Start()
	logger.Info("Stale-job reaper started", map[string]interface{}{
		"schedule":   r.schedule,
		"staleAfter": r.staleAfter.String(),
	})
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (r *StaleJobReaper) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}

// Sweep fails every active job that started (or, having never started, was
// created) before now minus the staleness window. Returns the reaped count.
func (r *StaleJobReaper) Sweep(now time.Time) int64 {
	cutoff := now.Add(-r.staleAfter)
	reaped, err := r.jobs.MarkStaleJobsAsFailed(cutoff)
	if err != nil {
		logger.Error("Stale-job sweep failed", map[string]interface{}{"error": err})
		return 0
	}
	if reaped > 0 {
		logger.Warn("Reaped stale jobs", map[string]interface{}{
			"count":  reaped,
			"cutoff": cutoff.Format(time.RFC3339),
		})
	}
	return reaped
}
