// ABOUTME: Matrix transport backed by mautrix
// ABOUTME: Syncs one room, filters senders, and feeds text fragments to the pipeline

package matrix

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/glacierbingchuan-ai/aichat/internal/config"
	"github.com/glacierbingchuan-ai/aichat/internal/transport"
)

// typingTimeout is how long a typing indicator stays lit without renewal.
const typingTimeout = 30 * time.Second

// sendTimeout bounds outbound Matrix API calls.
const sendTimeout = 30 * time.Second

// Client connects one Matrix room to the message pipeline.
type Client struct {
	matrix  *mautrix.Client
	cfg     config.MatrixConfig
	handler transport.Handler
	roomID  id.RoomID
	logger  *slog.Logger

	// ctx is the parent for per-fragment processing goroutines
	ctx    context.Context
	cancel context.CancelFunc
}

// NewClient creates a Matrix client for the configured homeserver and room.
// The inbound handler is supplied to Run, since the pipeline that handles
// fragments is itself built around this client's sending side.
func NewClient(cfg config.MatrixConfig, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	mx, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}
	return &Client{
		matrix: mx,
		cfg:    cfg,
		roomID: id.RoomID(cfg.RoomID),
		logger: logger.With("component", "matrix"),
	}, nil
}

// Run starts syncing and blocks until ctx is cancelled or the sync fails.
func (c *Client) Run(ctx context.Context, handler transport.Handler) error {
	c.handler = handler
	c.logger.Info("starting matrix transport",
		"homeserver", c.cfg.Homeserver,
		"user_id", c.cfg.UserID,
		"room", c.cfg.RoomID,
	)

	c.ctx, c.cancel = context.WithCancel(ctx)
	defer c.cancel()

	syncer, ok := c.matrix.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type: %T", c.matrix.Syncer)
	}
	syncer.OnEventType(event.EventMessage, c.handleMessageEvent)

	syncErr := make(chan error, 1)
	go func() {
		syncErr <- c.matrix.SyncWithContext(c.ctx)
	}()

	c.logger.Info("matrix transport running")

	select {
	case <-ctx.Done():
		c.logger.Info("shutting down matrix transport")
		c.cancel()
		return nil
	case err := <-syncErr:
		return fmt.Errorf("matrix sync failed: %w", err)
	}
}

// handleMessageEvent filters and forwards one inbound room event.
func (c *Client) handleMessageEvent(ctx context.Context, evt *event.Event) {
	if evt.Sender == id.UserID(c.cfg.UserID) {
		return
	}
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		return
	}
	if content.MsgType != event.MsgText {
		return
	}
	if evt.RoomID != c.roomID {
		c.logger.Debug("ignoring message from other room", "room", evt.RoomID.String())
		return
	}
	if !c.isSenderAllowed(evt.Sender) {
		c.logger.Debug("ignoring message from non-allowed sender", "sender", evt.Sender.String())
		return
	}
	if content.Body == "" {
		return
	}

	// Process on a goroutine so a slow completeness flow never stalls sync.
	go c.handler.OnInboundFragment(c.ctx, transport.Fragment{
		MessageID: evt.ID.String(),
		SenderID:  evt.Sender.String(),
		Text:      content.Body,
	})
}

// isSenderAllowed checks the sender allow-list; an empty list allows everyone.
func (c *Client) isSenderAllowed(sender id.UserID) bool {
	if len(c.cfg.AllowedSenders) == 0 {
		return true
	}
	for _, allowed := range c.cfg.AllowedSenders {
		if allowed == sender.String() {
			return true
		}
	}
	return false
}

// SendText sends a plain text message to the room.
func (c *Client) SendText(ctx context.Context, text string) error {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	if _, err := c.matrix.SendText(ctx, c.roomID, text); err != nil {
		return fmt.Errorf("sending text: %w", err)
	}
	return nil
}

// SendSticker sends a sticker event referencing previously uploaded media.
func (c *Client) SendSticker(ctx context.Context, ref string) error {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	content := &event.MessageEventContent{
		Body: "sticker",
		URL:  id.ContentURIString(ref),
	}
	if _, err := c.matrix.SendMessageEvent(ctx, c.roomID, event.EventSticker, content); err != nil {
		return fmt.Errorf("sending sticker: %w", err)
	}
	return nil
}

// SetTyping lights or clears the typing indicator.
func (c *Client) SetTyping(ctx context.Context, typing bool) error {
	var timeout time.Duration
	if typing {
		timeout = typingTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := c.matrix.UserTyping(ctx, c.roomID, typing, timeout); err != nil {
		return fmt.Errorf("setting typing state: %w", err)
	}
	return nil
}
