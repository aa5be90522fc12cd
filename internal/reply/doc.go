// Package reply turns committed context into outbound messages: it parses and
// validates the model's structured output, retries malformed replies with
// corrective feedback, and dispatches accepted messages with human-like pacing.
package reply
