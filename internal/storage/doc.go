// Package storage persists events and ping-role membership.
//
// Three drivers share one contract:
//   - sqlite (default): single-file database, WAL mode
//   - bolt: embedded key/value file
//   - postgres: shared server through a pgx pool
//
// Event state is encoded as two flags (done, warned) so rows written by older
// deployments load unchanged.
package storage
