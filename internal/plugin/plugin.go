// ABOUTME: Plugin capability contract and hook result types
// ABOUTME: Hooks pass, rewrite, or intercept; interception may carry a canned reply

package plugin

import "context"

// HookPoint identifies one of the four pipeline extension points.
type HookPoint int

const (
	// PreFusion runs on each raw inbound fragment before buffering.
	PreFusion HookPoint = iota
	// PostFusion runs on the finalized turn text at commit time.
	PostFusion
	// MessageAppended runs on merged text when a commit fused into the
	// previous user turn.
	MessageAppended
	// LLMResponse runs on raw model output before validation.
	LLMResponse
)

// String returns the hook point name for logging.
func (p HookPoint) String() string {
	switch p {
	case PreFusion:
		return "pre_fusion"
	case PostFusion:
		return "post_fusion"
	case MessageAppended:
		return "message_appended"
	case LLMResponse:
		return "llm_response"
	default:
		return "unknown"
	}
}

// Action is what a hook decided to do with the text it was handed.
type Action int

const (
	// ActionPass leaves the text unchanged and continues the chain.
	ActionPass Action = iota
	// ActionRewrite substitutes the text and continues the chain.
	ActionRewrite
	// ActionIntercept stops the chain. The pipeline aborts for this text;
	// an optional canned reply is dispatched instead.
	ActionIntercept
)

// Result is a hook's decision.
type Result struct {
	Action Action
	// Text is the substituted text for ActionRewrite, or the optional
	// canned reply for ActionIntercept (empty means no reply).
	Text string
}

// Pass returns a pass-through result.
func Pass() Result { return Result{Action: ActionPass} }

// Rewrite returns a result substituting the given text.
func Rewrite(text string) Result { return Result{Action: ActionRewrite, Text: text} }

// Intercept returns a short-circuit result with an optional canned reply.
func Intercept(reply string) Result { return Result{Action: ActionIntercept, Text: reply} }

// HookFunc is one element of a hook chain. It may call back into slow
// collaborators, so it receives the flow's context.
type HookFunc func(ctx context.Context, text string) Result

// Plugin is the capability contract. Init is the plugin's one chance to
// register hooks; Start and Stop bracket its background lifetime. Hot-reload
// is unload-and-re-register, never in-process code swap.
type Plugin interface {
	Name() string
	Init(reg *Registry) error
	Start(ctx context.Context) error
	Stop() error
}
