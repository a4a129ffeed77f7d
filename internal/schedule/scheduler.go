// Package schedule fires one-time and recurring broadcast schedules.
package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meattrace/notify/internal/db"
	"github.com/meattrace/notify/internal/metrics"
	"github.com/meattrace/notify/internal/notify"
	"github.com/meattrace/notify/internal/template"
)

// Store is the schedule persistence the scheduler needs.
type Store interface {
	ListDue(ctx context.Context, now time.Time) ([]*db.NotificationSchedule, error)
	Update(ctx context.Context, s *db.NotificationSchedule) error
	Deactivate(ctx context.Context, id uuid.UUID) error
}

// Creator fans a scheduled notification out to its recipients.
type Creator interface {
	CreateBatch(ctx context.Context, recipientIDs []uuid.UUID, groups []string, typ db.NotificationType, title, message string, opts notify.CreateOptions) ([]*notify.Result, error)
}

// Scheduler sweeps due schedules and fires each one.
type Scheduler struct {
	store   Store
	creator Creator
	logger  *zap.Logger
	now     func() time.Time
}

// NewScheduler creates a scheduler.
func NewScheduler(store Store, creator Creator, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		store:   store,
		creator: creator,
		logger:  logger,
		now:     time.Now,
	}
}

// Sweep fires every schedule whose scheduled_at has passed. One
// schedule failing does not stop the rest. Returns how many fired.
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	now := s.now()
	due, err := s.store.ListDue(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list due schedules: %w", err)
	}

	fired := 0
	for _, sched := range due {
		if err := s.fire(ctx, sched, now); err != nil {
			metrics.RecordScheduleFired("error")
			s.logger.Error("schedule failed to fire",
				zap.String("schedule_id", sched.ID.String()),
				zap.String("title", sched.Title),
				zap.Error(err),
			)
			continue
		}
		metrics.RecordScheduleFired("success")
		fired++
	}

	return fired, nil
}

func (s *Scheduler) fire(ctx context.Context, sched *db.NotificationSchedule, now time.Time) error {
	title := template.Substitute(sched.TitleTemplate, sched.TemplateVars)
	message := template.Substitute(sched.MessageTemplate, sched.TemplateVars)

	scheduleID := sched.ID
	results, err := s.creator.CreateBatch(ctx, sched.RecipientUserIDs, sched.RecipientGroups, sched.NotificationType, title, message, notify.CreateOptions{
		Channels:   sched.Channels,
		ScheduleID: &scheduleID,
		OccurredAt: sched.ScheduledAt,
	})
	if err != nil {
		return err
	}

	s.logger.Info("schedule fired",
		zap.String("schedule_id", sched.ID.String()),
		zap.String("title", sched.Title),
		zap.Int("recipients", len(results)),
	)

	return s.advance(ctx, sched, now)
}

// advance deactivates a one-time schedule or moves a recurring one to
// its next occurrence. The next occurrence is computed from the
// schedule's own scheduled_at, not from the sweep time, so a delayed
// sweep does not drift the cadence.
func (s *Scheduler) advance(ctx context.Context, sched *db.NotificationSchedule, now time.Time) error {
	if sched.Type == db.ScheduleOneTime {
		if err := s.store.Deactivate(ctx, sched.ID); err != nil {
			return fmt.Errorf("deactivate fired schedule: %w", err)
		}
		return nil
	}

	next := NextOccurrence(sched.ScheduledAt, sched.Frequency)
	// Catch up past the current time so a schedule missed for several
	// periods fires once, not once per missed period.
	for !next.After(now) {
		next = NextOccurrence(next, sched.Frequency)
	}

	sched.ScheduledAt = next
	sched.UpdatedAt = now
	if err := s.store.Update(ctx, sched); err != nil {
		return fmt.Errorf("advance recurring schedule: %w", err)
	}
	return nil
}

// NextOccurrence returns the next firing time after a given one.
// Monthly schedules on days 29 through 31 are clamped to 28 so every
// month has the day.
func NextOccurrence(after time.Time, freq db.Frequency) time.Time {
	switch freq {
	case db.FrequencyDaily:
		return after.AddDate(0, 0, 1)
	case db.FrequencyWeekly:
		return after.AddDate(0, 0, 7)
	case db.FrequencyMonthly:
		if after.Day() > 28 {
			after = time.Date(after.Year(), after.Month(), 28,
				after.Hour(), after.Minute(), after.Second(), after.Nanosecond(), after.Location())
		}
		return after.AddDate(0, 1, 0)
	default:
		return after.AddDate(0, 0, 1)
	}
}

// SetNow overrides the clock. Tests only.
func (s *Scheduler) SetNow(now func() time.Time) {
	s.now = now
}
