// ABOUTME: Proactive outreach scheduler
// ABOUTME: Periodically rolls the dice to start a conversation during idle daytime hours

package scheduler

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/glacierbingchuan-ai/aichat/internal/config"
	"github.com/glacierbingchuan-ai/aichat/internal/conversation"
	"github.com/glacierbingchuan-ai/aichat/internal/events"
)

// Pipeline is the message pipeline the schedulers feed triggers into.
type Pipeline interface {
	InjectTrigger(ctx context.Context, content string)
	GenerationInFlight() bool
	LastActivity() time.Time
}

// Proactive fires unprompted conversation openers. Every tick it walks a
// gauntlet of gates; all must pass before a trigger is injected.
type Proactive struct {
	pipeline Pipeline
	events   *events.Store
	counters *conversation.Counters
	cfg      config.ProactiveConfig
	logger   *slog.Logger

	now  func() time.Time
	roll func() float64
}

// NewProactive wires the proactive scheduler.
func NewProactive(pipeline Pipeline, evs *events.Store, counters *conversation.Counters, cfg config.ProactiveConfig, logger *slog.Logger) *Proactive {
	if logger == nil {
		logger = slog.Default()
	}
	return &Proactive{
		pipeline: pipeline,
		events:   evs,
		counters: counters,
		cfg:      cfg,
		logger:   logger.With("component", "proactive"),
		now:      time.Now,
		roll:     rand.Float64,
	}
}

// Run ticks until ctx is cancelled. It never returns an error; a tick that
// declines to fire is normal operation.
func (p *Proactive) Run(ctx context.Context) {
	if !p.cfg.Enabled {
		p.logger.Info("proactive scheduler disabled")
		return
	}
	p.logger.Info("proactive scheduler started",
		"interval", p.cfg.Interval,
		"probability", p.cfg.Probability,
		"active_hours", p.cfg.ActiveHourStart, "to", p.cfg.ActiveHourEnd)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("proactive scheduler stopped")
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

// tick evaluates the gates once and fires a trigger if they all pass.
func (p *Proactive) tick(ctx context.Context) {
	now := p.now()

	hour := now.Hour()
	if hour < p.cfg.ActiveHourStart || hour >= p.cfg.ActiveHourEnd {
		return
	}
	if idle := now.Sub(p.pipeline.LastActivity()); idle < p.cfg.MinIdle {
		p.logger.Debug("skipping proactive tick, conversation recently active", "idle", idle)
		return
	}
	if p.pipeline.GenerationInFlight() {
		p.logger.Debug("skipping proactive tick, generation in flight")
		return
	}
	// A reminder about to fire makes unprompted chatter redundant.
	if p.events.HasEventWithin(now, p.cfg.EventHorizon) {
		p.logger.Debug("skipping proactive tick, scheduled event imminent")
		return
	}
	if p.roll() >= p.cfg.Probability {
		return
	}

	p.logger.Info("firing proactive trigger")
	p.counters.IncProactive()
	p.pipeline.InjectTrigger(ctx, conversation.ProactiveTrigger())
}
