// ABOUTME: Generation token - the cancellation handle for one in-flight reply flow
// ABOUTME: The controller guarantees at most one uncancelled token per process

package fusion

import "context"

// token pairs a context with its cancel func. Creating a replacement always
// cancels the previous holder first.
type token struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func newToken(parent context.Context) *token {
	ctx, cancel := context.WithCancel(parent)
	return &token{ctx: ctx, cancel: cancel}
}
