// Package scheduler runs the daily scripts and journal retention in the
// background.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/seerlink-project/seerlink/internal/config"
	"github.com/seerlink-project/seerlink/internal/events"
)

const pruneInterval = time.Hour

// Pruner trims stored history. The journal satisfies it.
type Pruner interface {
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Scheduler manages periodic background tasks.
type Scheduler struct {
	scripts  config.ScriptsConfig
	journal  config.JournalConfig
	eventBus *events.EventBus
	pruner   Pruner
	logger   zerolog.Logger
}

// NewScheduler creates a scheduler. pruner may be nil when the journal is
// disabled.
func NewScheduler(cfg *config.Config, eventBus *events.EventBus, pruner Pruner) *Scheduler {
	app := cfg.GetApplicationData()
	return &Scheduler{
		scripts:  app.Scripts,
		journal:  app.Journal,
		eventBus: eventBus,
		pruner:   pruner,
		logger:   log.With().Str("component", "scheduler").Logger(),
	}
}

// Start runs the task loops until ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info().Msg("scheduler started")

	if len(s.scripts.Daily) > 0 {
		go s.runDailyScriptsLoop(ctx)
	}

	if s.pruner != nil && s.journal.RetentionDays > 0 {
		go s.runPruneLoop(ctx)
	}

	<-ctx.Done()
	s.logger.Info().Msg("scheduler stopped")
}

func (s *Scheduler) runDailyScriptsLoop(ctx context.Context) {
	for {
		next, err := NextRun(time.Now(), s.scripts.RunAt)
		if err != nil {
			s.logger.Error().Err(err).Msg("daily scripts disabled")
			return
		}

		s.logger.Info().
			Time("next_run", next).
			Strs("scripts", s.scripts.Daily).
			Msg("daily scripts scheduled")

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.RunDailyScripts(ctx)
		}
	}
}

// RunDailyScripts asks the script runner to execute every daily script.
func (s *Scheduler) RunDailyScripts(ctx context.Context) {
	for _, name := range s.scripts.Daily {
		s.eventBus.Emit(ctx, events.Event{
			Type:    events.EventRunScript,
			Source:  "scheduler",
			Payload: events.RunScriptPayload{Name: name},
		})
	}
}

func (s *Scheduler) runPruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	s.PruneJournal(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.PruneJournal(ctx)
		}
	}
}

// PruneJournal drops journal entries past the retention window.
func (s *Scheduler) PruneJournal(ctx context.Context) {
	retention := time.Duration(s.journal.RetentionDays) * 24 * time.Hour
	if _, err := s.pruner.Prune(ctx, retention); err != nil {
		s.logger.Warn().Err(err).Msg("journal prune failed")
	}
}

// NextRun returns the first HH:MM wall-clock time strictly after now.
func NextRun(now time.Time, hhmm string) (time.Time, error) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid run time %q: %w", hhmm, err)
	}

	next := time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next, nil
}
