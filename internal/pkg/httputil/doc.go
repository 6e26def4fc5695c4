// Package httputil holds the JSON response helpers shared by the API and
// webhook handlers so every endpoint speaks the same error envelope.
package httputil
