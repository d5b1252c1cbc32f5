// Package api exposes the task service over HTTP: creating, listing,
// fetching, cancelling and deleting generation tasks, plus a queue status
// snapshot and a health report. Handlers decode and validate JSON requests,
// take the requester from the authenticated context and map service errors
// to status codes with redacted messages.
package api
