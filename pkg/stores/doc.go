// Package stores provides the SQLite-backed implementation of the engine's
// repository port, plus the append-only sync event audit log.
package stores
