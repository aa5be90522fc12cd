// ABOUTME: History compaction - compresses old turns into one summary turn
// ABOUTME: Single-flight: a trigger while a pass is running is silently skipped

package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/glacierbingchuan-ai/aichat/internal/llm"
	"github.com/glacierbingchuan-ai/aichat/internal/store"
)

const summaryPrompt = `Compress the following conversation history into one concise summary that preserves everything needed to continue naturally: topics discussed, facts about the user, promises made, emotional tone, and any pending questions. Write it as a plain paragraph.

Conversation:
%s

Summary:`

// Summarizer compacts a History when it grows past the round budget.
type Summarizer struct {
	history *History
	client  llm.Client
	running atomic.Bool
	logger  *slog.Logger
}

// NewSummarizer creates a summarizer over the given history and backend.
func NewSummarizer(history *History, client llm.Client, logger *slog.Logger) *Summarizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Summarizer{
		history: history,
		client:  client,
		logger:  logger.With("component", "summarizer"),
	}
}

// MaybeSummarize compacts all turns except the final one into a single summary
// turn, leaving [system-prompt, summary, final...]. If a pass is already
// running the call is a no-op. Turns appended while the LLM call is in flight
// survive the compaction untouched; if the compacted range itself was mutated
// mid-call the pass is abandoned and the next budget trip retries.
func (s *Summarizer) MaybeSummarize(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Debug("summarization already running, skipping")
		return
	}
	defer s.running.Store(false)

	snapshot := s.history.Snapshot()
	if len(snapshot) < 3 {
		return
	}

	// Compact everything except the final turn.
	n := len(snapshot) - 1
	var systemPrompt string
	body := snapshot[:n]
	if body[0].Role == store.RoleSystem {
		systemPrompt = body[0].Content
		body = body[1:]
	}
	if len(body) == 0 {
		return
	}

	var sb strings.Builder
	for _, t := range body {
		sb.WriteString(string(t.Role))
		sb.WriteString(": ")
		sb.WriteString(t.Content)
		sb.WriteString("\n")
	}

	summary, err := s.client.Complete(ctx, []llm.Message{
		{Role: string(store.RoleUser), Content: fmt.Sprintf(summaryPrompt, sb.String())},
	}, llm.SamplingParams{Temperature: 0})
	if err != nil {
		s.logger.Error("summarization failed", "error", err)
		return
	}

	replacement := []store.Turn{}
	if systemPrompt != "" {
		replacement = append(replacement, store.Turn{Role: store.RoleSystem, Content: systemPrompt})
	}
	replacement = append(replacement, store.Turn{
		Role:    store.RoleSystem,
		Content: "Summary of the conversation so far: " + strings.TrimSpace(summary),
	})

	if !s.history.replacePrefix(snapshot[:n], replacement) {
		s.logger.Info("history changed during summarization, compaction skipped")
		return
	}
	s.logger.Info("history compacted", "compacted_turns", n, "new_length", s.history.Len())
}
