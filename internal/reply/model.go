// ABOUTME: Reply model - the structured output contract with the LLM
// ABOUTME: Parsing tolerates code fences; validation enforces the one-of text/sticker rule

package reply

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// stickerMarker is reserved for sticker references; plain text items must not
// contain it.
const stickerMarker = "[sticker:"

// eventTimeLayout is the wall-clock format the model declares event times in.
// Minute granularity matches the event store's dedup key.
const eventTimeLayout = "2006-01-02 15:04"

// OutMessage is one outbound item. Exactly one of Text or Sticker is set.
type OutMessage struct {
	Text    string `json:"text,omitempty"`
	Sticker string `json:"sticker,omitempty"`
	// DelaySeconds is this message's pacing delay. Zero means the default.
	DelaySeconds float64 `json:"delay_seconds,omitempty"`
}

// EventDecl is a scheduled event declared by the model.
type EventDecl struct {
	Name string `json:"name"`
	Time string `json:"time"`
}

// Model is the parsed and validated reply.
type Model struct {
	NeedReply bool         `json:"need_reply"`
	Messages  []OutMessage `json:"messages"`
	Events    []EventDecl  `json:"events"`
}

// ParseModel parses raw model output into a validated Model. The error text
// is written for the model to read: it becomes corrective feedback on retry.
func ParseModel(raw string) (*Model, error) {
	jsonText := extractJSON(raw)
	if jsonText == "" {
		return nil, fmt.Errorf("no JSON object found in reply")
	}

	var m Model
	if err := json.Unmarshal([]byte(jsonText), &m); err != nil {
		return nil, fmt.Errorf("reply is not valid JSON: %v", err)
	}

	for i, msg := range m.Messages {
		hasText := msg.Text != ""
		hasSticker := msg.Sticker != ""
		switch {
		case hasText && hasSticker:
			return nil, fmt.Errorf("message %d has both text and sticker set", i)
		case !hasText && !hasSticker:
			return nil, fmt.Errorf("message %d has neither text nor sticker set", i)
		case hasText && strings.Contains(msg.Text, stickerMarker):
			return nil, fmt.Errorf("message %d text contains the reserved %q marker", i, stickerMarker)
		case msg.DelaySeconds < 0:
			return nil, fmt.Errorf("message %d has a negative delay", i)
		}
	}

	for i, ev := range m.Events {
		if ev.Name == "" {
			return nil, fmt.Errorf("event %d has an empty name", i)
		}
		if _, err := parseEventTime(ev.Time); err != nil {
			return nil, fmt.Errorf("event %d time %q is not in %q format", i, ev.Time, eventTimeLayout)
		}
	}

	return &m, nil
}

// parseEventTime parses a declared event time in the local timezone.
func parseEventTime(s string) (time.Time, error) {
	return time.ParseInLocation(eventTimeLayout, strings.TrimSpace(s), time.Local)
}

// extractJSON pulls the outermost JSON object out of raw output, tolerating
// markdown code fences and surrounding prose.
func extractJSON(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return ""
	}
	return raw[start : end+1]
}

// Delay returns the message's pacing delay, falling back to def.
func (m OutMessage) Delay(def time.Duration) time.Duration {
	if m.DelaySeconds > 0 {
		return time.Duration(m.DelaySeconds * float64(time.Second))
	}
	return def
}
