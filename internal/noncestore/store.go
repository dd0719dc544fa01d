// Package noncestore implements the pluggable (nonce, ts) dedup set used for
// replay protection (spec.md §3/§4.2). Three variants share one Store
// contract: in-memory, file-backed, and a durable LevelDB table.
package noncestore

import "time"

// Store is the contract every nonce-store variant implements.
type Store interface {
	// Has reports whether nonce has already been recorded.
	Has(nonce string) (bool, error)
	// Add records nonce as seen at ts.
	Add(nonce string, ts time.Time) error
	// Cleanup drops every entry observed strictly before cutoff.
	Cleanup(cutoff time.Time) error
}
