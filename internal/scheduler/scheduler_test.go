// ABOUTME: Tests for the proactive and reminder schedulers
// ABOUTME: Pipeline is faked; ticks are driven directly instead of via timers

package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glacierbingchuan-ai/aichat/internal/config"
	"github.com/glacierbingchuan-ai/aichat/internal/conversation"
	"github.com/glacierbingchuan-ai/aichat/internal/events"
	"github.com/glacierbingchuan-ai/aichat/internal/store"
)

type fakePipeline struct {
	mu           sync.Mutex
	triggers     []string
	inFlight     bool
	lastActivity time.Time
}

func (f *fakePipeline) InjectTrigger(ctx context.Context, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggers = append(f.triggers, content)
}

func (f *fakePipeline) GenerationInFlight() bool { return f.inFlight }

func (f *fakePipeline) LastActivity() time.Time { return f.lastActivity }

type nullEventPersister struct{}

func (nullEventPersister) UpsertScheduledEvent(ctx context.Context, ev store.ScheduledEvent) error {
	return nil
}

func (nullEventPersister) DeleteScheduledEvent(ctx context.Context, minuteKey int64) error {
	return nil
}

func proactiveConfig() config.ProactiveConfig {
	return config.ProactiveConfig{
		Enabled:         true,
		Probability:     0.5,
		ActiveHourStart: 9,
		ActiveHourEnd:   23,
		Interval:        time.Minute,
		MinIdle:         30 * time.Minute,
		EventHorizon:    30 * time.Minute,
	}
}

// fixedNow is 14:00 local, squarely inside default active hours.
func fixedNow() time.Time {
	return time.Date(2024, 6, 1, 14, 0, 0, 0, time.Local)
}

func newProactiveFixture(t *testing.T) (*Proactive, *fakePipeline, *events.Store) {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	pipeline := &fakePipeline{lastActivity: fixedNow().Add(-time.Hour)}
	evs := events.NewStore(nullEventPersister{}, nil, nil, logger)
	p := NewProactive(pipeline, evs, &conversation.Counters{}, proactiveConfig(), logger)
	p.now = fixedNow
	p.roll = func() float64 { return 0 } // always under probability
	return p, pipeline, evs
}

func TestProactiveFiresWhenAllGatesPass(t *testing.T) {
	p, pipeline, _ := newProactiveFixture(t)

	p.tick(context.Background())

	require.Len(t, pipeline.triggers, 1)
	assert.Equal(t, conversation.ProactiveTrigger(), pipeline.triggers[0])
}

func TestProactiveSkipsOutsideActiveHours(t *testing.T) {
	p, pipeline, _ := newProactiveFixture(t)
	p.now = func() time.Time {
		return time.Date(2024, 6, 1, 3, 0, 0, 0, time.Local)
	}

	p.tick(context.Background())

	assert.Empty(t, pipeline.triggers)
}

func TestProactiveSkipsWhenRecentlyActive(t *testing.T) {
	p, pipeline, _ := newProactiveFixture(t)
	pipeline.lastActivity = fixedNow().Add(-time.Minute)

	p.tick(context.Background())

	assert.Empty(t, pipeline.triggers)
}

func TestProactiveSkipsDuringGeneration(t *testing.T) {
	p, pipeline, _ := newProactiveFixture(t)
	pipeline.inFlight = true

	p.tick(context.Background())

	assert.Empty(t, pipeline.triggers)
}

func TestProactiveSkipsWhenEventImminent(t *testing.T) {
	p, pipeline, evs := newProactiveFixture(t)
	evs.Add(store.ScheduledEvent{Name: "standup", DueAt: fixedNow().Add(10 * time.Minute)})

	p.tick(context.Background())

	assert.Empty(t, pipeline.triggers)
}

func TestProactiveSkipsOnLosingRoll(t *testing.T) {
	p, pipeline, _ := newProactiveFixture(t)
	p.roll = func() float64 { return 0.99 }

	p.tick(context.Background())

	assert.Empty(t, pipeline.triggers)
}

func TestProactiveCountsFires(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	pipeline := &fakePipeline{lastActivity: fixedNow().Add(-time.Hour)}
	evs := events.NewStore(nullEventPersister{}, nil, nil, logger)
	counters := &conversation.Counters{}
	p := NewProactive(pipeline, evs, counters, proactiveConfig(), logger)
	p.now = fixedNow
	p.roll = func() float64 { return 0 }

	p.tick(context.Background())

	assert.Equal(t, int64(1), counters.Snapshot().Proactive)
}

func TestReminderFiresDueEventsInOrder(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	pipeline := &fakePipeline{}
	now := fixedNow()
	evs := events.NewStore(nullEventPersister{}, []store.ScheduledEvent{
		{Name: "later", DueAt: now.Add(-time.Minute)},
		{Name: "earlier", DueAt: now.Add(-5 * time.Minute)},
		{Name: "future", DueAt: now.Add(time.Hour)},
	}, nil, logger)
	r := NewReminder(pipeline, evs, config.ReminderConfig{Interval: 10 * time.Second}, logger)
	r.now = func() time.Time { return now }

	r.tick(context.Background())

	require.Equal(t, []string{
		conversation.ReminderTrigger("earlier"),
		conversation.ReminderTrigger("later"),
	}, pipeline.triggers)

	// Consumed events must not fire twice.
	r.tick(context.Background())
	assert.Len(t, pipeline.triggers, 2)
}

func TestReminderTickWithNothingDue(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	pipeline := &fakePipeline{}
	evs := events.NewStore(nullEventPersister{}, nil, nil, logger)
	r := NewReminder(pipeline, evs, config.ReminderConfig{Interval: 10 * time.Second}, logger)

	r.tick(context.Background())

	assert.Empty(t, pipeline.triggers)
}
