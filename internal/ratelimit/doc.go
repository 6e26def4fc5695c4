// Package ratelimit enforces per-subject, per-category sending quotas with a
// sliding window kept in the shared store, and records quota violations for
// later inspection.
//
// Capped categories fail closed: if the store cannot be reached the request
// is refused with ErrQuotaUnavailable. Bypassable categories never touch the
// store, so they keep flowing during a store outage.
package ratelimit
