// Package dedupe provides a TTL-based seen-set for transport message ids,
// preventing duplicate processing of redelivered fragments.
package dedupe
