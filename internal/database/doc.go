// Package database provides PostgreSQL connection pool management for the
// optional frame archive.
package database
