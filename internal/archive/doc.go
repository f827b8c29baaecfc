// Package archive persists received frames to PostgreSQL.
//
// The Writer is registered as a subscription handler. Handle never blocks
// the dispatch loop: frames are queued and written in batches by a
// background goroutine using pgx.Batch with append-only semantics
// (ON CONFLICT (frame_id) DO NOTHING), so redelivered frames are stored once.
package archive
