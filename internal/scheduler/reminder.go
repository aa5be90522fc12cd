// ABOUTME: Reminder scheduler
// ABOUTME: Drains due scheduled events and turns each into a reminder trigger

package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/glacierbingchuan-ai/aichat/internal/config"
	"github.com/glacierbingchuan-ai/aichat/internal/conversation"
	"github.com/glacierbingchuan-ai/aichat/internal/events"
)

// Reminder fires user-declared events when their minute arrives. The event
// store hands each due event out exactly once, so a fired reminder can never
// repeat even if a tick overlaps a slow generation.
type Reminder struct {
	pipeline Pipeline
	events   *events.Store
	cfg      config.ReminderConfig
	logger   *slog.Logger

	now func() time.Time
}

// NewReminder wires the reminder scheduler.
func NewReminder(pipeline Pipeline, evs *events.Store, cfg config.ReminderConfig, logger *slog.Logger) *Reminder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reminder{
		pipeline: pipeline,
		events:   evs,
		cfg:      cfg,
		logger:   logger.With("component", "reminder"),
		now:      time.Now,
	}
}

// Run ticks until ctx is cancelled.
func (r *Reminder) Run(ctx context.Context) {
	r.logger.Info("reminder scheduler started", "interval", r.cfg.Interval)
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reminder scheduler stopped")
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

// tick fires every event due as of now, in due order, one generation each.
func (r *Reminder) tick(ctx context.Context) {
	for _, ev := range r.events.Due(r.now()) {
		if ctx.Err() != nil {
			return
		}
		r.logger.Info("firing reminder", "name", ev.Name, "due_at", ev.DueAt)
		r.pipeline.InjectTrigger(ctx, conversation.ReminderTrigger(ev.Name))
	}
}
