// Package retry schedules and fires delayed re-sends after soft bounces and
// transient dispatch failures.
//
// Retry state lives in the shared store, one entry per (channel, recipient),
// and the scheduler is its only writer. In-process timers fire due retries;
// a recovery scan over the store index re-arms or fires whatever a restarted
// or crashed instance left behind, so timers are an optimization and the
// store is the source of truth.
package retry
