// Package classifier decides whether an accumulating user draft reads as a
// finished thought, via one constrained LLM probe that fails open.
package classifier
