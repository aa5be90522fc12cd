// ABOUTME: Transport contracts - inbound fragment shape and outbound sender
// ABOUTME: Concrete frontends (Matrix) live in subpackages

package transport

import "context"

// Fragment is one raw inbound piece of user input before fusion.
type Fragment struct {
	// MessageID is the transport-assigned id, used for deduplication.
	MessageID string
	// SenderID identifies the author on the transport.
	SenderID string
	// Text is the raw message body.
	Text string
}

// Handler consumes inbound fragments. Implementations return quickly; slow
// work happens on the handler's own goroutines.
type Handler interface {
	OnInboundFragment(ctx context.Context, frag Fragment)
}

// Sender delivers outbound messages to the configured chat target.
type Sender interface {
	SendText(ctx context.Context, text string) error
	SendSticker(ctx context.Context, ref string) error
	// SetTyping toggles the typing indicator; errors are advisory.
	SetTyping(ctx context.Context, typing bool) error
}
