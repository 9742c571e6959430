// Package statestore persists serialized history state payloads on behalf of
// the navigation coordinator, keyed by state identifier.
package statestore

// Backend defines the contract for all payload persistence mechanisms.
//
// Identifiers are opaque non-empty strings. Implementations must be safe for
// concurrent use, although the coordinator only calls them from its own
// goroutine.
type Backend interface {
	// Save stores data under id, replacing any previous payload.
	Save(id string, data []byte) error

	// Load retrieves the payload stored under id.
	// It MUST return (nil, nil) if nothing is stored.
	Load(id string) ([]byte, error)

	// Delete removes the payloads stored under ids. Unknown ids are ignored.
	Delete(ids ...string) error

	// Close releases backend resources.
	Close() error
}
