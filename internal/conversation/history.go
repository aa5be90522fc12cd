// ABOUTME: Committed turn history - the single source of truth for LLM context
// ABOUTME: Every mutation persists synchronously; the lock is never held across I/O

package conversation

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/glacierbingchuan-ai/aichat/internal/store"
)

// Internal content markers. Trigger turns are synthetic user turns injected by
// schedulers; format-error notes are corrective feedback for the model. Both
// are transient and get scrubbed rather than living in history forever.
const (
	proactiveMark      = "[proactive]"
	reminderMarkPrefix = "[reminder:"
	formatErrorMark    = "[format-error]"
)

// ProactiveTrigger returns the content of a proactive trigger turn.
func ProactiveTrigger() string {
	return proactiveMark + " no one has spoken for a while; say something natural to restart the conversation"
}

// ReminderTrigger returns the content of a reminder trigger turn for an event.
func ReminderTrigger(name string) string {
	return reminderMarkPrefix + name + "] the scheduled moment has arrived; remind the user about it"
}

// FormatErrorNote builds a corrective system note for a malformed model reply.
func FormatErrorNote(violation, raw string) string {
	return formatErrorMark + " your previous reply was invalid (" + violation + "). Offending output: " + raw +
		". Reply again using only the required JSON shape."
}

// IsTriggerTurn reports whether a turn is a scheduler-injected trigger.
func IsTriggerTurn(t store.Turn) bool {
	return t.Role == store.RoleUser &&
		(strings.HasPrefix(t.Content, proactiveMark) || strings.HasPrefix(t.Content, reminderMarkPrefix))
}

func isFormatErrorTurn(t store.Turn) bool {
	return t.Role == store.RoleSystem && strings.HasPrefix(t.Content, formatErrorMark)
}

// Persister is what the history needs from storage.
type Persister interface {
	SaveTurns(ctx context.Context, turns []store.Turn) error
}

// saveTimeout bounds each snapshot write. Saves run on a detached context so
// persistence completes even when the mutating flow was cancelled.
const saveTimeout = 5 * time.Second

// History holds the committed conversation turns. Index 0, when present, is
// the active system prompt. All methods are safe for concurrent use.
type History struct {
	mu            sync.Mutex
	turns         []store.Turn
	persist       Persister
	notifyCleared func()
	logger        *slog.Logger
}

// NewHistory creates a History seeded with the given system prompt, restoring
// any previously persisted turns first. A restored snapshot keeps its own
// system prompt slot only if one was saved; the configured prompt text wins.
// notifyCleared, when set, runs after each Clear so observers learn the
// context was reset.
func NewHistory(persist Persister, restored []store.Turn, systemPrompt string, notifyCleared func(), logger *slog.Logger) *History {
	if logger == nil {
		logger = slog.Default()
	}
	h := &History{
		persist:       persist,
		notifyCleared: notifyCleared,
		logger:        logger.With("component", "history"),
	}
	if len(restored) > 0 && restored[0].Role == store.RoleSystem {
		h.turns = append(h.turns, restored...)
		if systemPrompt != "" {
			h.turns[0].Content = systemPrompt
		}
	} else {
		if systemPrompt != "" {
			h.turns = append(h.turns, store.Turn{Role: store.RoleSystem, Content: systemPrompt})
		}
		h.turns = append(h.turns, restored...)
	}
	return h
}

// Snapshot returns a value copy of the committed turns. Later mutation of the
// history does not affect the returned slice.
func (h *History) Snapshot() []store.Turn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.copyLocked()
}

// Len returns the number of committed turns.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.turns)
}

// AppendOrExtendUser commits finalized user text. If the most recent turn is a
// real (non-trigger) user turn, the text is space-joined onto it - turn fusion
// across commits. Returns the merged content and whether an extension happened.
func (h *History) AppendOrExtendUser(text string) (merged string, extended bool) {
	h.mu.Lock()
	if n := len(h.turns); n > 0 {
		last := &h.turns[n-1]
		if last.Role == store.RoleUser && !IsTriggerTurn(*last) {
			last.Content = last.Content + " " + text
			merged, extended = last.Content, true
		}
	}
	if !extended {
		h.turns = append(h.turns, store.Turn{Role: store.RoleUser, Content: text})
		merged = text
	}
	snapshot := h.copyLocked()
	h.mu.Unlock()

	h.save(snapshot)
	return merged, extended
}

// SetLastUserContent replaces the content of the trailing user turn. Used when
// a plugin hook rewrites freshly merged text. No-op if the tail is not a user turn.
func (h *History) SetLastUserContent(text string) {
	h.mu.Lock()
	if n := len(h.turns); n > 0 && h.turns[n-1].Role == store.RoleUser {
		h.turns[n-1].Content = text
	}
	snapshot := h.copyLocked()
	h.mu.Unlock()

	h.save(snapshot)
}

// AppendTrigger commits a scheduler-injected trigger turn. Trigger turns never
// fuse with the previous user turn.
func (h *History) AppendTrigger(content string) {
	h.append(store.Turn{Role: store.RoleUser, Content: content})
}

// AppendAssistant commits an assistant turn.
func (h *History) AppendAssistant(content string) {
	h.append(store.Turn{Role: store.RoleAssistant, Content: content})
}

// AppendSystemNote commits a system-role note (declined-to-answer records,
// format-error feedback, and similar bookkeeping).
func (h *History) AppendSystemNote(content string) {
	h.append(store.Turn{Role: store.RoleSystem, Content: content})
}

func (h *History) append(t store.Turn) {
	h.mu.Lock()
	h.turns = append(h.turns, t)
	snapshot := h.copyLocked()
	h.mu.Unlock()

	h.save(snapshot)
}

// StripFormatErrors removes all format-error notes from history.
func (h *History) StripFormatErrors() {
	h.mu.Lock()
	h.dropFormatErrorsLocked()
	snapshot := h.copyLocked()
	h.mu.Unlock()

	h.save(snapshot)
}

// ScrubTransient removes format-error notes and any unanswered trailing
// trigger turn - speculative state left behind by an aborted attempt.
func (h *History) ScrubTransient() {
	h.mu.Lock()
	h.dropFormatErrorsLocked()
	if n := len(h.turns); n > 0 && IsTriggerTurn(h.turns[n-1]) {
		h.turns = h.turns[:n-1]
	}
	snapshot := h.copyLocked()
	h.mu.Unlock()

	h.save(snapshot)
}

// DeleteTrailingTrigger removes the tail turn if it is an unanswered trigger.
// An orphan trigger with no reply is noise, not signal.
func (h *History) DeleteTrailingTrigger() {
	h.mu.Lock()
	if n := len(h.turns); n > 0 && IsTriggerTurn(h.turns[n-1]) {
		h.turns = h.turns[:n-1]
	}
	snapshot := h.copyLocked()
	h.mu.Unlock()

	h.save(snapshot)
}

// Clear resets the history to just the system prompt (if one is set).
func (h *History) Clear() {
	h.mu.Lock()
	if len(h.turns) > 0 && h.turns[0].Role == store.RoleSystem {
		h.turns = h.turns[:1]
	} else {
		h.turns = nil
	}
	snapshot := h.copyLocked()
	h.mu.Unlock()

	h.save(snapshot)
	h.logger.Info("context cleared", "kept", len(snapshot))
	if h.notifyCleared != nil {
		h.notifyCleared()
	}
}

// SetSystemPrompt replaces (or installs) the system prompt at index 0.
func (h *History) SetSystemPrompt(prompt string) {
	h.mu.Lock()
	if len(h.turns) > 0 && h.turns[0].Role == store.RoleSystem {
		h.turns[0].Content = prompt
	} else {
		h.turns = append([]store.Turn{{Role: store.RoleSystem, Content: prompt}}, h.turns...)
	}
	snapshot := h.copyLocked()
	h.mu.Unlock()

	h.save(snapshot)
}

// replacePrefix swaps the leading turns for the given replacement, leaving
// anything after the prefix intact. The swap happens only if the current turns
// still start with exactly the given prefix: if a concurrent mutation touched
// that range (a stripped note, a fused extension) the prefix no longer
// describes real turns and compacting on top of it would drop them. Reports
// whether the swap happened. Used by summarization compaction.
func (h *History) replacePrefix(prefix, replacement []store.Turn) bool {
	h.mu.Lock()
	if len(prefix) > len(h.turns) || !turnsEqual(h.turns[:len(prefix)], prefix) {
		h.mu.Unlock()
		return false
	}
	tail := make([]store.Turn, len(h.turns)-len(prefix))
	copy(tail, h.turns[len(prefix):])
	h.turns = append(append([]store.Turn{}, replacement...), tail...)
	snapshot := h.copyLocked()
	h.mu.Unlock()

	h.save(snapshot)
	return true
}

func turnsEqual(a, b []store.Turn) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// dropFormatErrorsLocked compacts format-error notes out. Must hold mu.
func (h *History) dropFormatErrorsLocked() {
	kept := h.turns[:0]
	for _, t := range h.turns {
		if !isFormatErrorTurn(t) {
			kept = append(kept, t)
		}
	}
	h.turns = kept
}

// copyLocked returns a value copy of turns. Must be called with mu held.
func (h *History) copyLocked() []store.Turn {
	out := make([]store.Turn, len(h.turns))
	copy(out, h.turns)
	return out
}

// save persists a snapshot on a detached timeout context, so a cancelled flow
// cannot abort durability. Failures are logged and swallowed: in-memory state
// stays authoritative.
func (h *History) save(snapshot []store.Turn) {
	if h.persist == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := h.persist.SaveTurns(ctx, snapshot); err != nil {
		h.logger.Error("failed to persist turns", "error", err, "turns", len(snapshot))
	}
}
