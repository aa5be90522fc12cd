// ABOUTME: Reply generator - the LLM request/validate/retry loop and paced dispatch
// ABOUTME: Cancellation is cooperative: checked at loop boundaries and before every send

package reply

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/glacierbingchuan-ai/aichat/internal/conversation"
	"github.com/glacierbingchuan-ai/aichat/internal/events"
	"github.com/glacierbingchuan-ai/aichat/internal/llm"
	"github.com/glacierbingchuan-ai/aichat/internal/plugin"
	"github.com/glacierbingchuan-ai/aichat/internal/store"
	"github.com/glacierbingchuan-ai/aichat/internal/transport"
)

// formatInstruction rides along as the final system message of every request;
// it is never committed to history.
const formatInstruction = `Reply with a single JSON object: {"need_reply": bool, "messages": [{"text": "..."} or {"sticker": "mxc://..."}, each optionally with "delay_seconds": number], "events": [{"name": "...", "time": "2006-01-02 15:04"}]}. Each message carries exactly one of text or sticker. Set need_reply to false to stay silent. Declare events only for concrete future moments worth a reminder.`

// Origin distinguishes who started a generation flow.
type Origin int

const (
	// OriginUser flows come from committed user input; they abort when a
	// newer fragment supersedes them.
	OriginUser Origin = iota
	// OriginScheduler flows come from injected trigger turns; they only
	// honor cancellation, never staleness.
	OriginScheduler
)

// Request describes one generation flow.
type Request struct {
	CorrelationID string
	Origin        Origin
	// IsLatest reports whether this flow is still the newest unit of work.
	// Nil (scheduler flows) means "always".
	IsLatest func() bool
}

func (r Request) stillLatest() bool {
	return r.Origin != OriginUser || r.IsLatest == nil || r.IsLatest()
}

// ChatSink records messages shown in the chat for display history.
type ChatSink interface {
	AppendChatMessage(ctx context.Context, msg store.ChatMessage) error
}

// Config tunes the generator.
type Config struct {
	RetryLimit int
	// RetryDelay is the pause after an empty or failed backend response.
	RetryDelay   time.Duration
	DefaultDelay time.Duration
	RoundBudget  int
	Temperature  float64
	MaxTokens    int
	BotName      string
}

// Generator drives the reply flow for one conversation.
type Generator struct {
	history     *conversation.History
	summarizer  *conversation.Summarizer
	events      *events.Store
	client      llm.Client
	hooks       *plugin.Registry
	sender      transport.Sender
	sink        ChatSink
	broadcaster *conversation.Broadcaster
	counters    *conversation.Counters
	cfg         Config
	logger      *slog.Logger
}

// NewGenerator wires a generator. sink and broadcaster may be nil in tests.
func NewGenerator(
	history *conversation.History,
	summarizer *conversation.Summarizer,
	eventStore *events.Store,
	client llm.Client,
	hooks *plugin.Registry,
	sender transport.Sender,
	sink ChatSink,
	broadcaster *conversation.Broadcaster,
	counters *conversation.Counters,
	cfg Config,
	logger *slog.Logger,
) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RetryLimit <= 0 {
		cfg.RetryLimit = 6
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.DefaultDelay <= 0 {
		cfg.DefaultDelay = 2 * time.Second
	}
	if cfg.BotName == "" {
		cfg.BotName = "assistant"
	}
	return &Generator{
		history:     history,
		summarizer:  summarizer,
		events:      eventStore,
		client:      client,
		hooks:       hooks,
		sender:      sender,
		sink:        sink,
		broadcaster: broadcaster,
		counters:    counters,
		cfg:         cfg,
		logger:      logger.With("component", "generator"),
	}
}

// Generate produces zero or more outbound messages from the committed context.
// ctx is the generation token's context; cancellation aborts cooperatively at
// the next checkpoint. Failures are silent toward the user.
func (g *Generator) Generate(ctx context.Context, req Request) {
	logger := g.logger.With("correlation_id", req.CorrelationID)

	if g.cfg.RoundBudget > 0 && g.history.Len() > g.cfg.RoundBudget && g.summarizer != nil {
		// Fire-and-forget: compaction races this flow on purpose and is
		// internally single-flight.
		go g.summarizer.MaybeSummarize(context.Background())
	}

	g.setTyping(true)
	defer g.setTyping(false)

	model, intercepted := g.attemptLoop(ctx, req, logger)
	if intercepted {
		return
	}

	if ctx.Err() != nil || !req.stillLatest() {
		logger.Info("generation abandoned", "cancelled", ctx.Err() != nil)
		return
	}

	if model == nil {
		logger.Error("reply generation failed: retry ceiling exhausted")
		return
	}

	g.persistDeclaredEvents(model, logger)
	g.history.StripFormatErrors()

	if !model.NeedReply || len(model.Messages) == 0 {
		if req.Origin == OriginScheduler {
			// An unanswered trigger is noise; drop it.
			g.history.DeleteTrailingTrigger()
		} else {
			g.history.AppendSystemNote("the model chose silence for the last user turn")
		}
		logger.Info("no reply needed")
		return
	}

	sent := g.dispatch(ctx, model, logger)
	g.persistSent(sent)
}

// attemptLoop runs the snapshot/call/validate cycle up to the retry ceiling.
// The second return value is true when a hook interception already resolved
// the flow (canned reply sent or decline recorded).
func (g *Generator) attemptLoop(ctx context.Context, req Request, logger *slog.Logger) (*Model, bool) {
	for attempt := 1; attempt <= g.cfg.RetryLimit; attempt++ {
		if ctx.Err() != nil {
			return nil, false
		}

		snapshot := g.history.Snapshot()
		raw, err := g.client.Complete(ctx, g.buildMessages(snapshot), llm.SamplingParams{
			Temperature: g.cfg.Temperature,
			MaxTokens:   g.cfg.MaxTokens,
		})
		if err != nil {
			logger.Warn("backend attempt failed", "attempt", attempt, "error", err)
			if !sleepCtx(ctx, g.cfg.RetryDelay) {
				return nil, false
			}
			continue
		}

		outcome := g.hooks.Run(ctx, plugin.LLMResponse, raw)
		if outcome.Intercepted {
			if outcome.Reply == "" {
				// No alternative given: the AI declined to answer.
				g.history.AppendSystemNote("a plugin suppressed the reply (" + outcome.By + ")")
				logger.Info("reply suppressed by plugin", "plugin", outcome.By)
				return nil, true
			}
			g.dispatchCanned(ctx, outcome.Reply, logger)
			return nil, true
		}

		model, verr := ParseModel(outcome.Text)
		if verr != nil {
			logger.Warn("reply validation failed", "attempt", attempt, "error", verr)
			// The note lands in history so the next snapshot carries the
			// corrective feedback.
			g.history.AppendSystemNote(conversation.FormatErrorNote(verr.Error(), outcome.Text))
			continue
		}
		return model, false
	}
	return nil, false
}

// buildMessages converts a turn snapshot into backend messages, appending the
// uncommitted format instruction.
func (g *Generator) buildMessages(turns []store.Turn) []llm.Message {
	msgs := make([]llm.Message, 0, len(turns)+1)
	for _, t := range turns {
		msgs = append(msgs, llm.Message{Role: string(t.Role), Content: t.Content})
	}
	return append(msgs, llm.Message{Role: string(store.RoleSystem), Content: formatInstruction})
}

// dispatch sends the model's messages strictly in order, each behind its own
// pacing delay, re-checking cancellation before every send. Returns the
// successfully sent subset.
func (g *Generator) dispatch(ctx context.Context, model *Model, logger *slog.Logger) []OutMessage {
	var sent []OutMessage
	for i, msg := range model.Messages {
		if !sleepCtx(ctx, msg.Delay(g.cfg.DefaultDelay)) {
			logger.Info("dispatch cancelled", "sent", len(sent), "planned", len(model.Messages))
			break
		}
		if ctx.Err() != nil {
			break
		}

		var err error
		var kind store.MessageKind
		var content string
		if msg.Sticker != "" {
			kind, content = store.MessageKindSticker, msg.Sticker
			err = g.sender.SendSticker(ctx, msg.Sticker)
		} else {
			kind, content = store.MessageKindText, msg.Text
			err = g.sender.SendText(ctx, msg.Text)
		}
		if err != nil {
			logger.Error("send failed", "index", i, "error", err)
			continue
		}

		sent = append(sent, msg)
		g.recordSent(kind, content)
	}
	return sent
}

// dispatchCanned sends a plugin's canned reply as a single paced text message
// and records it as the assistant turn.
func (g *Generator) dispatchCanned(ctx context.Context, text string, logger *slog.Logger) {
	if !sleepCtx(ctx, g.cfg.DefaultDelay) {
		return
	}
	if err := g.sender.SendText(ctx, text); err != nil {
		logger.Error("canned reply send failed", "error", err)
		return
	}
	g.recordSent(store.MessageKindText, text)
	g.history.AppendAssistant(text)
}

// recordSent updates counters, display history, and the stats broadcast for
// one successfully sent message.
func (g *Generator) recordSent(kind store.MessageKind, content string) {
	if g.counters != nil {
		g.counters.IncSent()
	}
	if g.sink != nil {
		sinkCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := g.sink.AppendChatMessage(sinkCtx, store.ChatMessage{
			Sender:  g.cfg.BotName,
			Kind:    kind,
			Content: content,
		}); err != nil {
			g.logger.Error("failed to record chat message", "error", err)
		}
		cancel()
	}
	if g.broadcaster != nil && g.counters != nil {
		g.broadcaster.Publish(conversation.StatusEvent{Type: conversation.StatusStats, Stats: g.counters.Snapshot()})
	}
}

// persistSent commits one assistant turn holding exactly the sent subset. A
// cancelled dispatch must not claim unsent messages, nor lose sent ones.
func (g *Generator) persistSent(sent []OutMessage) {
	if len(sent) == 0 {
		return
	}
	parts := make([]string, 0, len(sent))
	for _, msg := range sent {
		if msg.Sticker != "" {
			parts = append(parts, stickerMarker+msg.Sticker+"]")
		} else {
			parts = append(parts, msg.Text)
		}
	}
	g.history.AppendAssistant(strings.Join(parts, "\n"))
}

// persistDeclaredEvents stores events the model declared in its reply.
func (g *Generator) persistDeclaredEvents(model *Model, logger *slog.Logger) {
	if g.events == nil {
		return
	}
	for _, decl := range model.Events {
		due, err := parseEventTime(decl.Time)
		if err != nil {
			// Validation already vetted the format; a failure here is a bug.
			logger.Error("unparseable event time slipped through validation", "time", decl.Time)
			continue
		}
		g.events.Add(store.ScheduledEvent{Name: decl.Name, DueAt: due})
		logger.Info("scheduled event declared", "name", decl.Name, "due_at", due)
	}
}

func (g *Generator) setTyping(typing bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.sender.SetTyping(ctx, typing); err != nil {
		g.logger.Debug("typing indicator failed", "error", err)
	}
}

// sleepCtx waits d unless ctx is cancelled first; returns false on cancel.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
