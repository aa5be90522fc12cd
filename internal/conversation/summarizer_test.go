// ABOUTME: Tests for history summarization
// ABOUTME: Verifies compaction shape, single-flight skipping, and failure tolerance

package conversation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glacierbingchuan-ai/aichat/internal/llm"
	"github.com/glacierbingchuan-ai/aichat/internal/store"
)

// mockLLM returns canned responses and records calls.
type mockLLM struct {
	mu       sync.Mutex
	response string
	err      error
	delay    time.Duration
	calls    atomic.Int64
	lastMsgs []llm.Message
}

func (m *mockLLM) Complete(ctx context.Context, messages []llm.Message, params llm.SamplingParams) (string, error) {
	m.calls.Add(1)
	m.mu.Lock()
	m.lastMsgs = messages
	resp, err, delay := m.response, m.err, m.delay
	m.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return resp, err
}

func TestSummarizer_CompactsAllButFinalTurn(t *testing.T) {
	h, _ := newTestHistory(t)
	h.AppendOrExtendUser("my name is Wei")
	h.AppendAssistant("nice to meet you Wei")
	h.AppendOrExtendUser("what's my name?")

	client := &mockLLM{response: "The user introduced themselves as Wei."}
	s := NewSummarizer(h, client, nil)
	s.MaybeSummarize(context.Background())

	snap := h.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, store.RoleSystem, snap[0].Role)
	assert.True(t, strings.HasPrefix(snap[1].Content, "Summary of the conversation so far:"))
	assert.Contains(t, snap[1].Content, "Wei")
	assert.Equal(t, "what's my name?", snap[2].Content)
}

func TestSummarizer_FailureLeavesHistoryIntact(t *testing.T) {
	h, _ := newTestHistory(t)
	h.AppendOrExtendUser("hello")
	h.AppendAssistant("hi")
	h.AppendOrExtendUser("still there?")

	s := NewSummarizer(h, &mockLLM{err: errors.New("backend down")}, nil)
	s.MaybeSummarize(context.Background())

	assert.Equal(t, 4, h.Len())
}

func TestSummarizer_SingleFlight(t *testing.T) {
	h, _ := newTestHistory(t)
	h.AppendOrExtendUser("a")
	h.AppendAssistant("b")
	h.AppendOrExtendUser("c")

	client := &mockLLM{response: "summary", delay: 100 * time.Millisecond}
	s := NewSummarizer(h, client, nil)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.MaybeSummarize(context.Background())
		}()
	}
	wg.Wait()

	// Concurrent triggers collapse into one pass.
	assert.Equal(t, int64(1), client.calls.Load())
}

// gatedLLM blocks inside Complete until released, so a test can mutate
// history while a summarization call is in flight.
type gatedLLM struct {
	started  chan struct{}
	release  chan struct{}
	response string
}

func (g *gatedLLM) Complete(ctx context.Context, messages []llm.Message, params llm.SamplingParams) (string, error) {
	close(g.started)
	select {
	case <-g.release:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return g.response, nil
}

func TestSummarizer_MidFlightMutationAbandonsCompaction(t *testing.T) {
	h, _ := newTestHistory(t)
	h.AppendOrExtendUser("my name is Wei")
	h.AppendAssistant("nice to meet you Wei")
	h.AppendSystemNote(FormatErrorNote("both text and sticker set", "{}"))
	h.AppendOrExtendUser("what's my name?")

	client := &gatedLLM{
		started:  make(chan struct{}),
		release:  make(chan struct{}),
		response: "The user introduced themselves as Wei.",
	}
	s := NewSummarizer(h, client, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.MaybeSummarize(context.Background())
	}()
	<-client.started

	// A reply flow finishing mid-summarization strips its corrective notes
	// and commits the assistant turn.
	h.StripFormatErrors()
	h.AppendAssistant("your name is Wei")

	close(client.release)
	<-done

	var users, summaries []string
	for _, turn := range h.Snapshot() {
		if turn.Role == store.RoleUser {
			users = append(users, turn.Content)
		}
		if turn.Role == store.RoleSystem && strings.HasPrefix(turn.Content, "Summary") {
			summaries = append(summaries, turn.Content)
		}
	}
	assert.Contains(t, users, "what's my name?")
	assert.Empty(t, summaries)
	assert.Equal(t, 5, h.Len())
}

func TestSummarizer_MidFlightAppendSurvivesCompaction(t *testing.T) {
	h, _ := newTestHistory(t)
	h.AppendOrExtendUser("my name is Wei")
	h.AppendAssistant("nice to meet you Wei")
	h.AppendOrExtendUser("what's my name?")

	client := &gatedLLM{
		started:  make(chan struct{}),
		release:  make(chan struct{}),
		response: "The user introduced themselves as Wei.",
	}
	s := NewSummarizer(h, client, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.MaybeSummarize(context.Background())
	}()
	<-client.started

	h.AppendAssistant("your name is Wei")

	close(client.release)
	<-done

	snap := h.Snapshot()
	require.Len(t, snap, 4)
	assert.True(t, strings.HasPrefix(snap[1].Content, "Summary of the conversation so far:"))
	assert.Equal(t, "what's my name?", snap[2].Content)
	assert.Equal(t, "your name is Wei", snap[3].Content)
}

func TestSummarizer_TooShortIsNoop(t *testing.T) {
	h, _ := newTestHistory(t)
	h.AppendOrExtendUser("hello")

	client := &mockLLM{response: "summary"}
	s := NewSummarizer(h, client, nil)
	s.MaybeSummarize(context.Background())

	assert.Equal(t, int64(0), client.calls.Load())
	assert.Equal(t, 2, h.Len())
}
