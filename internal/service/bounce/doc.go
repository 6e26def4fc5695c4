// Package bounce turns provider feedback events into suppression and retry
// decisions, one recipient state machine at a time.
//
// Hard bounces and spam reports suppress permanently. Soft bounces schedule
// backoff retries until the attempt limit or retry window runs out, then
// suppress. Blocked events are only logged. Redelivered events are detected
// by fingerprint and change nothing.
package bounce
