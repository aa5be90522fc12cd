// ABOUTME: Turn fusion and interruption controller
// ABOUTME: Buffers fragments, runs the completeness protocol, and owns the generation token

package fusion

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/glacierbingchuan-ai/aichat/internal/classifier"
	"github.com/glacierbingchuan-ai/aichat/internal/conversation"
	"github.com/glacierbingchuan-ai/aichat/internal/dedupe"
	"github.com/glacierbingchuan-ai/aichat/internal/plugin"
	"github.com/glacierbingchuan-ai/aichat/internal/reply"
	"github.com/glacierbingchuan-ai/aichat/internal/store"
	"github.com/glacierbingchuan-ai/aichat/internal/transport"
)

// DraftClassifier judges whether an accumulating draft is a finished thought.
type DraftClassifier interface {
	Classify(ctx context.Context, draft string) classifier.Verdict
}

// ReplyGenerator runs one reply flow against committed context.
type ReplyGenerator interface {
	Generate(ctx context.Context, req reply.Request)
}

// Config tunes the fusion protocol.
type Config struct {
	// ClassifierEnabled gates the completeness probe; when false every
	// fragment is treated as immediately complete.
	ClassifierEnabled bool
	// IncompleteTimeout force-commits a buffer the classifier called
	// incomplete if no newer fragment arrives first.
	IncompleteTimeout time.Duration
	// UncertainWindow is how long an uncertain draft is observed before
	// committing anyway.
	UncertainWindow time.Duration
	// UncertainPoll is the observation re-check interval.
	UncertainPoll time.Duration
	// UserName labels inbound entries in the display history.
	UserName string
}

// Controller fuses fragments into turns and arbitrates interruption. All
// shared state lives behind one mutex held only for reads and mutations,
// never across a classifier call, hook, or send.
type Controller struct {
	mu           sync.Mutex
	buffer       string
	latestID     string
	tok          *token
	commitTimer  *time.Timer
	lastActivity time.Time

	rootCtx     context.Context
	seen        *dedupe.SeenSet
	classifier  DraftClassifier
	history     *conversation.History
	hooks       *plugin.Registry
	generator   ReplyGenerator
	sender      transport.Sender
	sink        reply.ChatSink
	broadcaster *conversation.Broadcaster
	counters    *conversation.Counters
	cfg         Config
	logger      *slog.Logger
}

// NewController wires the controller. rootCtx is the parent of every
// generation token; cancelling it winds down in-flight generation.
func NewController(
	rootCtx context.Context,
	seen *dedupe.SeenSet,
	draftClassifier DraftClassifier,
	history *conversation.History,
	hooks *plugin.Registry,
	generator ReplyGenerator,
	sender transport.Sender,
	sink reply.ChatSink,
	broadcaster *conversation.Broadcaster,
	counters *conversation.Counters,
	cfg Config,
	logger *slog.Logger,
) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.IncompleteTimeout <= 0 {
		cfg.IncompleteTimeout = 20 * time.Second
	}
	if cfg.UncertainWindow <= 0 {
		cfg.UncertainWindow = 5 * time.Second
	}
	if cfg.UncertainPoll <= 0 {
		cfg.UncertainPoll = 100 * time.Millisecond
	}
	if cfg.UserName == "" {
		cfg.UserName = "user"
	}
	return &Controller{
		rootCtx:      rootCtx,
		seen:         seen,
		classifier:   draftClassifier,
		history:      history,
		hooks:        hooks,
		generator:    generator,
		sender:       sender,
		sink:         sink,
		broadcaster:  broadcaster,
		counters:     counters,
		cfg:          cfg,
		lastActivity: time.Now(),
		logger:       logger.With("component", "fusion"),
	}
}

// OnInboundFragment processes one raw fragment from the transport. It blocks
// for the duration of the completeness protocol and any resulting generation,
// so transports call it on a per-fragment goroutine.
func (c *Controller) OnInboundFragment(ctx context.Context, frag transport.Fragment) {
	if c.seen.CheckAndMark(frag.MessageID) {
		c.logger.Debug("duplicate fragment dropped", "message_id", frag.MessageID)
		return
	}

	// This handler is now the newest unit of work; anyone slower aborts.
	corrID := shortID()
	c.mu.Lock()
	c.latestID = corrID
	c.lastActivity = time.Now()
	c.mu.Unlock()

	logger := c.logger.With("correlation_id", corrID)
	logger.Info("fragment received", "sender", frag.SenderID, "len", len(frag.Text))

	if c.counters != nil {
		c.counters.IncReceived()
		c.publishStats()
	}

	out := c.hooks.Run(ctx, plugin.PreFusion, frag.Text)
	if out.Intercepted {
		// A half-built buffer must not silently merge with future input.
		c.clearBuffer()
		c.sendCanned(ctx, out.Reply, logger)
		logger.Info("fragment intercepted pre-fusion", "plugin", out.By)
		return
	}

	c.interrupt(logger)

	c.mu.Lock()
	if c.buffer == "" {
		c.buffer = out.Text
	} else {
		c.buffer += " " + out.Text
	}
	buffered := c.buffer
	if c.commitTimer != nil {
		c.commitTimer.Stop()
		c.commitTimer = nil
	}
	c.mu.Unlock()

	verdict := classifier.Complete
	if c.cfg.ClassifierEnabled {
		verdict = c.classifier.Classify(ctx, buffered)
	}
	logger.Debug("completeness verdict", "verdict", verdict)

	switch verdict {
	case classifier.Incomplete:
		c.armCommitTimer(corrID)
		return
	case classifier.Uncertain:
		if !c.observeUncertain(ctx, corrID) {
			logger.Debug("uncertain window superseded")
			return
		}
	}

	c.commit(ctx, corrID, logger)
}

// InjectTrigger runs the scheduler path: cancel and scrub any in-flight
// state, commit a synthetic trigger turn, and generate a reply for it.
func (c *Controller) InjectTrigger(ctx context.Context, content string) {
	if ctx.Err() != nil {
		return
	}
	corrID := shortID()
	logger := c.logger.With("correlation_id", corrID)

	c.interrupt(logger)
	c.history.AppendTrigger(content)
	logger.Info("trigger turn injected")

	tok := c.newGenerationToken()
	defer c.releaseToken(tok)
	c.generator.Generate(tok.ctx, reply.Request{
		CorrelationID: corrID,
		Origin:        reply.OriginScheduler,
	})
}

// GenerationInFlight reports whether an uncancelled generation token exists.
func (c *Controller) GenerationInFlight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tok != nil
}

// LastActivity returns the time of the last accepted real user fragment.
func (c *Controller) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// interrupt cancels any live generation token and scrubs speculative state
// the aborted attempt may have left in history.
func (c *Controller) interrupt(logger *slog.Logger) {
	c.mu.Lock()
	tok := c.tok
	c.tok = nil
	c.mu.Unlock()

	if tok != nil {
		tok.cancel()
		logger.Info("in-flight generation interrupted")
	}
	c.history.ScrubTransient()
}

// armCommitTimer schedules a force-commit of the buffer as-is unless a newer
// fragment arrives first (arrival disarms the timer).
func (c *Controller) armCommitTimer(corrID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.commitTimer != nil {
		c.commitTimer.Stop()
	}
	c.commitTimer = time.AfterFunc(c.cfg.IncompleteTimeout, func() {
		logger := c.logger.With("correlation_id", corrID)
		logger.Info("incomplete buffer force-committed after timeout")
		c.commit(c.rootCtx, corrID, logger)
	})
}

// observeUncertain polls for up to the uncertain window, aborting as soon as
// this handler stops being the latest. Returns true if the window elapsed
// undisturbed. A fixed-interval poll, not a wait/notify: the abort race only
// needs to resolve within one tick.
func (c *Controller) observeUncertain(ctx context.Context, corrID string) bool {
	deadline := time.Now().Add(c.cfg.UncertainWindow)
	ticker := time.NewTicker(c.cfg.UncertainPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if !c.IsLatest(corrID) {
				return false
			}
			if time.Now().After(deadline) {
				return true
			}
		}
	}
}

// IsLatest reports whether corrID is still the newest unit of work.
func (c *Controller) IsLatest(corrID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latestID == corrID
}

// commit finalizes the buffer into history and triggers generation.
func (c *Controller) commit(ctx context.Context, corrID string, logger *slog.Logger) {
	c.mu.Lock()
	if c.latestID != corrID {
		c.mu.Unlock()
		logger.Debug("commit superseded by newer fragment")
		return
	}
	text := c.buffer
	c.buffer = ""
	if c.commitTimer != nil {
		c.commitTimer.Stop()
		c.commitTimer = nil
	}
	c.mu.Unlock()

	if text == "" {
		return
	}

	out := c.hooks.Run(ctx, plugin.PostFusion, text)
	if out.Intercepted {
		c.sendCanned(ctx, out.Reply, logger)
		logger.Info("turn intercepted post-fusion", "plugin", out.By)
		return
	}
	text = out.Text

	merged, extended := c.history.AppendOrExtendUser(text)
	if extended {
		appendOut := c.hooks.Run(ctx, plugin.MessageAppended, merged)
		if appendOut.Intercepted {
			c.sendCanned(ctx, appendOut.Reply, logger)
			logger.Info("merged turn intercepted", "plugin", appendOut.By)
			return
		}
		if appendOut.Text != merged {
			c.history.SetLastUserContent(appendOut.Text)
		}
	}
	c.recordInbound(text)
	logger.Info("turn committed", "extended", extended)

	tok := c.newGenerationToken()
	defer c.releaseToken(tok)
	c.generator.Generate(tok.ctx, reply.Request{
		CorrelationID: corrID,
		Origin:        reply.OriginUser,
		IsLatest:      func() bool { return c.IsLatest(corrID) },
	})
}

// newGenerationToken installs a fresh token, cancelling any predecessor so at
// most one stays live.
func (c *Controller) newGenerationToken() *token {
	tok := newToken(c.rootCtx)
	c.mu.Lock()
	old := c.tok
	c.tok = tok
	c.mu.Unlock()
	if old != nil {
		old.cancel()
	}
	return tok
}

// releaseToken cancels tok and clears the slot if it is still the holder.
func (c *Controller) releaseToken(tok *token) {
	tok.cancel()
	c.mu.Lock()
	if c.tok == tok {
		c.tok = nil
	}
	c.mu.Unlock()
}

func (c *Controller) clearBuffer() {
	c.mu.Lock()
	c.buffer = ""
	if c.commitTimer != nil {
		c.commitTimer.Stop()
		c.commitTimer = nil
	}
	c.mu.Unlock()
}

// sendCanned dispatches a plugin's canned response, if any.
func (c *Controller) sendCanned(ctx context.Context, text string, logger *slog.Logger) {
	if text == "" {
		return
	}
	if err := c.sender.SendText(ctx, text); err != nil {
		logger.Error("canned response send failed", "error", err)
		return
	}
	if c.counters != nil {
		c.counters.IncSent()
		c.publishStats()
	}
	c.recordOutbound(text)
}

func (c *Controller) recordInbound(text string) {
	if c.sink == nil {
		return
	}
	sinkCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.sink.AppendChatMessage(sinkCtx, store.ChatMessage{
		Sender:  c.cfg.UserName,
		Kind:    store.MessageKindText,
		Content: text,
	}); err != nil {
		c.logger.Error("failed to record inbound message", "error", err)
	}
}

func (c *Controller) recordOutbound(text string) {
	if c.sink == nil {
		return
	}
	sinkCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.sink.AppendChatMessage(sinkCtx, store.ChatMessage{
		Sender:  "assistant",
		Kind:    store.MessageKindText,
		Content: text,
	}); err != nil {
		c.logger.Error("failed to record canned response", "error", err)
	}
}

func (c *Controller) publishStats() {
	if c.broadcaster != nil && c.counters != nil {
		c.broadcaster.Publish(conversation.StatusEvent{
			Type:  conversation.StatusStats,
			Stats: c.counters.Snapshot(),
		})
	}
}

// shortID mints an eight-character correlation id for log tagging and
// staleness checks.
func shortID() string {
	return uuid.New().String()[:8]
}
