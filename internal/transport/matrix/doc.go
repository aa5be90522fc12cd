// Package matrix implements the transport contracts over a Matrix room via
// mautrix: one synced room, sender allow-listing, and outbound text, sticker,
// and typing-indicator events.
package matrix
