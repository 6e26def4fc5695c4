// Package notify is the request path for a single notification: quota,
// suppression, dispatch, then a snapshot of what was sent so a later soft
// bounce can re-send it.
package notify
