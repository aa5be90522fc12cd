// Package transport defines the contracts between the core pipeline and a
// chat frontend: inbound fragments in, paced text or sticker sends out.
package transport
