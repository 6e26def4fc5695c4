// Package suppression implements the per-channel suppression registry.
//
// This is the single source of truth for whether a recipient may be sent to
// on a channel. Entries flow in from bounce processing, spam reports,
// carrier and user opt-outs, and manual operator actions, and are checked
// before every send and before every retry fires.
//
// The service layer contains the precedence and expiry rules and depends on
// the Repository interface defined in repository.go. It never imports
// net/http or database/sql directly.
package suppression
