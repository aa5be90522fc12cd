// Package conversation owns the committed turn history: append-or-extend
// fusion, trigger and format-note bookkeeping, summarization compaction, and
// the status broadcaster that fans mutations out to observers.
package conversation
