// ABOUTME: Completeness classifier - one tiny zero-temperature LLM probe per draft
// ABOUTME: Any transport, parse, or timeout failure defaults to Complete (fail open)

package classifier

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/glacierbingchuan-ai/aichat/internal/llm"
)

// Verdict is the classifier's judgement of a draft.
type Verdict int

const (
	Complete Verdict = iota
	Incomplete
	Uncertain
)

// String returns the verdict name for logging.
func (v Verdict) String() string {
	switch v {
	case Complete:
		return "complete"
	case Incomplete:
		return "incomplete"
	case Uncertain:
		return "uncertain"
	default:
		return "unknown"
	}
}

const classifyPrompt = `You judge whether a chat message draft is a finished thought or whether the user is clearly mid-sentence and about to type more.

Draft: %q

Answer with exactly one word: COMPLETE, INCOMPLETE, or UNCERTAIN.`

const (
	probeTimeout   = 10 * time.Second
	probeMaxTokens = 8
)

// Classifier asks the backend whether a draft is complete.
type Classifier struct {
	client llm.Client
	logger *slog.Logger
}

// New creates a classifier over the given backend.
func New(client llm.Client, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{
		client: client,
		logger: logger.With("component", "classifier"),
	}
}

// Classify judges the draft. Better to answer early than hang forever: every
// failure path - timeout, transport error, unparseable output - yields Complete.
func (c *Classifier) Classify(ctx context.Context, draft string) Verdict {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	resp, err := c.client.Complete(ctx, []llm.Message{
		{Role: "user", Content: fmt.Sprintf(classifyPrompt, draft)},
	}, llm.SamplingParams{Temperature: 0, MaxTokens: probeMaxTokens})
	if err != nil {
		c.logger.Debug("classifier probe failed, defaulting to complete", "error", err)
		return Complete
	}

	verdict := parseVerdict(resp)
	c.logger.Debug("draft classified", "verdict", verdict, "draft_len", len(draft))
	return verdict
}

// parseVerdict extracts the keyword. INCOMPLETE is checked before COMPLETE
// because the latter is a substring of the former.
func parseVerdict(resp string) Verdict {
	upper := strings.ToUpper(resp)
	switch {
	case strings.Contains(upper, "INCOMPLETE"):
		return Incomplete
	case strings.Contains(upper, "UNCERTAIN"):
		return Uncertain
	case strings.Contains(upper, "COMPLETE"):
		return Complete
	default:
		return Complete
	}
}
