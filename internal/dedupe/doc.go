// Package dedupe remembers recently seen request IDs so a retried chat
// submission is rejected instead of starting a second turn.
//
// Entries expire after a TTL and the oldest entry is evicted once the index
// is full. Each entry carries the turn ID the request started, so callers can
// tell a client which turn already owns its request.
package dedupe
