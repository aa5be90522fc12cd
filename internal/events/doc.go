// Package events keeps the scheduled reminder list: minute-keyed
// deduplication on insert and at-most-once removal when events come due.
package events
