// Package api provides the Request Executor, the REST collaborator of the
// realtime client.
//
// Execute sends one JSON request and returns the raw JSON response or a
// typed error:
//   - *APIError for HTTP status >= 400 (5xx and 429 are retried)
//   - a wrapped transport error otherwise
//
// Bearer credentials from package auth are attached to every request.
package api
