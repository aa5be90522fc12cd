// Package fusion is the core of the pipeline: it accumulates inbound
// fragments into coherent turns, runs the completeness protocol, arbitrates
// interruption of in-flight generation, and commits finished turns to history
// before invoking the reply generator.
package fusion
