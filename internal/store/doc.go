// Package store provides SQLite-backed persistence for conversation turns,
// scheduled events, and the chat display history.
package store
