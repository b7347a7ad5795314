// Package ratelimit provides per-caller rate limiting with background
// eviction of idle entries.
//
// Callers are keyed by their canonical id once the authorizer has run, and by
// client IP otherwise. The limiter is in-memory and per-instance; it blunts a
// single noisy caller and gives visibility into who is being throttled, it
// does not replace upstream WAF or CDN limits.
package ratelimit
