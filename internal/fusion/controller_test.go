// ABOUTME: Tests for the fusion controller
// ABOUTME: Covers dedup, completeness flows, fusion, interruption, and hooks

package fusion

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glacierbingchuan-ai/aichat/internal/classifier"
	"github.com/glacierbingchuan-ai/aichat/internal/conversation"
	"github.com/glacierbingchuan-ai/aichat/internal/dedupe"
	"github.com/glacierbingchuan-ai/aichat/internal/plugin"
	"github.com/glacierbingchuan-ai/aichat/internal/reply"
	"github.com/glacierbingchuan-ai/aichat/internal/store"
	"github.com/glacierbingchuan-ai/aichat/internal/transport"
)

type scriptedClassifier struct {
	mu       sync.Mutex
	verdicts []classifier.Verdict
	calls    int
}

func (s *scriptedClassifier) Classify(ctx context.Context, draft string) classifier.Verdict {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := classifier.Complete
	if s.calls < len(s.verdicts) {
		v = s.verdicts[s.calls]
	}
	s.calls++
	return v
}

type recordingGenerator struct {
	mu       sync.Mutex
	requests []reply.Request
	block    time.Duration
	ctxErrs  []error
}

func (r *recordingGenerator) Generate(ctx context.Context, req reply.Request) {
	if r.block > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(r.block):
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)
	r.ctxErrs = append(r.ctxErrs, ctx.Err())
}

func (r *recordingGenerator) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

type textSender struct {
	mu    sync.Mutex
	texts []string
}

func (s *textSender) SendText(ctx context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, text)
	return nil
}

func (s *textSender) SendSticker(ctx context.Context, ref string) error { return nil }
func (s *textSender) SetTyping(ctx context.Context, typing bool) error  { return nil }

type nullPersister struct{}

func (nullPersister) SaveTurns(ctx context.Context, turns []store.Turn) error { return nil }

type fixture struct {
	ctrl       *Controller
	classifier *scriptedClassifier
	generator  *recordingGenerator
	sender     *textSender
	history    *conversation.History
	hooks      *plugin.Registry
	seen       *dedupe.SeenSet
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(testWriter{t}, nil))
	seen := dedupe.NewSeenSet(time.Minute, 1000)
	t.Cleanup(seen.Close)

	f := &fixture{
		classifier: &scriptedClassifier{},
		generator:  &recordingGenerator{},
		sender:     &textSender{},
		history:    conversation.NewHistory(nullPersister{}, nil, "You are a bot.", nil, logger),
		hooks:      plugin.NewRegistry(logger),
		seen:       seen,
	}
	if cfg.IncompleteTimeout == 0 {
		cfg.IncompleteTimeout = 50 * time.Millisecond
	}
	if cfg.UncertainWindow == 0 {
		cfg.UncertainWindow = 30 * time.Millisecond
	}
	if cfg.UncertainPoll == 0 {
		cfg.UncertainPoll = 5 * time.Millisecond
	}
	f.ctrl = NewController(context.Background(), seen, f.classifier, f.history,
		f.hooks, f.generator, f.sender, nil, nil, &conversation.Counters{}, cfg, logger)
	return f
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

func userTurns(turns []store.Turn) []string {
	var out []string
	for _, turn := range turns {
		if turn.Role == store.RoleUser {
			out = append(out, turn.Content)
		}
	}
	return out
}

func TestCompleteFragmentCommitsAndGenerates(t *testing.T) {
	f := newFixture(t, Config{ClassifierEnabled: true})
	f.classifier.verdicts = []classifier.Verdict{classifier.Complete}

	f.ctrl.OnInboundFragment(context.Background(), transport.Fragment{
		MessageID: "m1", SenderID: "@u:x", Text: "hello there",
	})

	require.Equal(t, 1, f.generator.count())
	req := f.generator.requests[0]
	assert.Equal(t, reply.OriginUser, req.Origin)
	require.NotNil(t, req.IsLatest)
	assert.Equal(t, []string{"hello there"}, userTurns(f.history.Snapshot()))
}

func TestDuplicateFragmentDropped(t *testing.T) {
	f := newFixture(t, Config{})

	frag := transport.Fragment{MessageID: "dup", SenderID: "@u:x", Text: "hi"}
	f.ctrl.OnInboundFragment(context.Background(), frag)
	f.ctrl.OnInboundFragment(context.Background(), frag)

	assert.Equal(t, 1, f.generator.count())
	assert.Equal(t, []string{"hi"}, userTurns(f.history.Snapshot()))
}

func TestClassifierDisabledMeansComplete(t *testing.T) {
	f := newFixture(t, Config{ClassifierEnabled: false})
	f.classifier.verdicts = []classifier.Verdict{classifier.Incomplete}

	f.ctrl.OnInboundFragment(context.Background(), transport.Fragment{
		MessageID: "m1", Text: "yo",
	})

	assert.Equal(t, 0, f.classifier.calls)
	assert.Equal(t, 1, f.generator.count())
}

func TestUncertainThenCompleteFusesOneTurn(t *testing.T) {
	f := newFixture(t, Config{ClassifierEnabled: true})
	f.classifier.verdicts = []classifier.Verdict{classifier.Uncertain, classifier.Complete}

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.ctrl.OnInboundFragment(context.Background(), transport.Fragment{
			MessageID: "m1", Text: "I'm going",
		})
	}()
	time.Sleep(10 * time.Millisecond)
	f.ctrl.OnInboundFragment(context.Background(), transport.Fragment{
		MessageID: "m2", Text: "to the store",
	})
	<-done

	assert.Equal(t, []string{"I'm going to the store"}, userTurns(f.history.Snapshot()))
	assert.Equal(t, 1, f.generator.count())
}

func TestUncertainWindowElapsesAndCommits(t *testing.T) {
	f := newFixture(t, Config{ClassifierEnabled: true})
	f.classifier.verdicts = []classifier.Verdict{classifier.Uncertain}

	f.ctrl.OnInboundFragment(context.Background(), transport.Fragment{
		MessageID: "m1", Text: "maybe done",
	})

	assert.Equal(t, 1, f.generator.count())
	assert.Equal(t, []string{"maybe done"}, userTurns(f.history.Snapshot()))
}

func TestIncompleteForceCommitsAfterTimeout(t *testing.T) {
	f := newFixture(t, Config{ClassifierEnabled: true, IncompleteTimeout: 20 * time.Millisecond})
	f.classifier.verdicts = []classifier.Verdict{classifier.Incomplete}

	f.ctrl.OnInboundFragment(context.Background(), transport.Fragment{
		MessageID: "m1", Text: "so what I mean is",
	})
	assert.Equal(t, 0, f.generator.count())

	require.Eventually(t, func() bool { return f.generator.count() == 1 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"so what I mean is"}, userTurns(f.history.Snapshot()))
}

func TestNewFragmentDisarmsIncompleteTimer(t *testing.T) {
	f := newFixture(t, Config{ClassifierEnabled: true, IncompleteTimeout: 40 * time.Millisecond})
	f.classifier.verdicts = []classifier.Verdict{classifier.Incomplete, classifier.Complete}

	f.ctrl.OnInboundFragment(context.Background(), transport.Fragment{
		MessageID: "m1", Text: "so",
	})
	f.ctrl.OnInboundFragment(context.Background(), transport.Fragment{
		MessageID: "m2", Text: "anyway hello",
	})

	require.Equal(t, 1, f.generator.count())
	assert.Equal(t, []string{"so anyway hello"}, userTurns(f.history.Snapshot()))

	// The first timer must not fire a second commit.
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 1, f.generator.count())
}

func TestInterruptionCancelsInFlightGeneration(t *testing.T) {
	f := newFixture(t, Config{})
	f.generator.block = 50 * time.Millisecond

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.ctrl.OnInboundFragment(context.Background(), transport.Fragment{
			MessageID: "m1", Text: "first",
		})
	}()
	require.Eventually(t, f.ctrl.GenerationInFlight, time.Second, time.Millisecond)

	f.ctrl.OnInboundFragment(context.Background(), transport.Fragment{
		MessageID: "m2", Text: "actually wait",
	})
	<-done

	f.generator.mu.Lock()
	defer f.generator.mu.Unlock()
	require.Len(t, f.generator.requests, 2)
	// The second handler's interrupt cancels the first token.
	assert.Error(t, f.generator.ctxErrs[0])
	assert.NoError(t, f.generator.ctxErrs[1])
}

func TestConsecutiveCommitsExtendUserTurn(t *testing.T) {
	f := newFixture(t, Config{})

	f.ctrl.OnInboundFragment(context.Background(), transport.Fragment{MessageID: "m1", Text: "hello"})
	f.ctrl.OnInboundFragment(context.Background(), transport.Fragment{MessageID: "m2", Text: "still me"})

	assert.Equal(t, []string{"hello still me"}, userTurns(f.history.Snapshot()))
	assert.Equal(t, 2, f.generator.count())
}

func TestPreFusionInterceptClearsBufferAndSendsCanned(t *testing.T) {
	f := newFixture(t, Config{})
	f.hooks.Register(plugin.PreFusion, "blocker", 0, func(ctx context.Context, text string) plugin.Result {
		if strings.Contains(text, "blocked") {
			return plugin.Intercept("not allowed")
		}
		return plugin.Pass()
	})

	f.ctrl.OnInboundFragment(context.Background(), transport.Fragment{MessageID: "m1", Text: "blocked word"})

	assert.Equal(t, 0, f.generator.count())
	assert.Empty(t, userTurns(f.history.Snapshot()))
	assert.Equal(t, []string{"not allowed"}, f.sender.texts)
}

func TestPostFusionRewriteChangesCommittedTurn(t *testing.T) {
	f := newFixture(t, Config{})
	f.hooks.Register(plugin.PostFusion, "rewriter", 0, func(ctx context.Context, text string) plugin.Result {
		return plugin.Rewrite(strings.ToUpper(text))
	})

	f.ctrl.OnInboundFragment(context.Background(), transport.Fragment{MessageID: "m1", Text: "shout"})

	assert.Equal(t, []string{"SHOUT"}, userTurns(f.history.Snapshot()))
	assert.Equal(t, 1, f.generator.count())
}

func TestMessageAppendedHookSeesMergedTurn(t *testing.T) {
	f := newFixture(t, Config{})
	var seen []string
	var mu sync.Mutex
	f.hooks.Register(plugin.MessageAppended, "observer", 0, func(ctx context.Context, text string) plugin.Result {
		mu.Lock()
		seen = append(seen, text)
		mu.Unlock()
		return plugin.Pass()
	})

	f.ctrl.OnInboundFragment(context.Background(), transport.Fragment{MessageID: "m1", Text: "part one"})
	f.ctrl.OnInboundFragment(context.Background(), transport.Fragment{MessageID: "m2", Text: "part two"})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1)
	assert.Equal(t, "part one part two", seen[0])
}

func TestInjectTriggerGeneratesSchedulerFlow(t *testing.T) {
	f := newFixture(t, Config{})

	f.ctrl.InjectTrigger(context.Background(), conversation.ProactiveTrigger())

	require.Equal(t, 1, f.generator.count())
	req := f.generator.requests[0]
	assert.Equal(t, reply.OriginScheduler, req.Origin)
	assert.Nil(t, req.IsLatest)

	turns := f.history.Snapshot()
	require.NotEmpty(t, turns)
	assert.True(t, conversation.IsTriggerTurn(turns[len(turns)-1]))
}

func TestGenerationInFlightClearsAfterGenerate(t *testing.T) {
	f := newFixture(t, Config{})
	f.ctrl.OnInboundFragment(context.Background(), transport.Fragment{MessageID: "m1", Text: "hi"})
	assert.False(t, f.ctrl.GenerationInFlight())
}

func TestLastActivityAdvancesOnFragment(t *testing.T) {
	f := newFixture(t, Config{})
	before := f.ctrl.LastActivity()
	time.Sleep(2 * time.Millisecond)
	f.ctrl.OnInboundFragment(context.Background(), transport.Fragment{MessageID: "m1", Text: "hi"})
	assert.True(t, f.ctrl.LastActivity().After(before))
}
