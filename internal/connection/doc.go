// Package connection implements the Connection Manager component.
//
// The Connection Manager:
//   - Owns one logical websocket connection per client instance
//   - Drives the Disconnected → Connecting → Connected → Reconnecting → Closed state machine
//   - Reconnects with a configurable backoff policy and attempt limit
//   - Re-sends a subscribe frame per registered channel on every (re)connect
//   - Routes incoming frames to the Message Router from a single event loop
package connection
