// Package llm provides the chat-completions backend client used for reply
// generation, completeness classification, and history summarization.
package llm
