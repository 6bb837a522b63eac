// Package credstore defines the durable device storage used for the
// access/refresh credential pair. The stored credential is the sole
// source of truth across process restarts; backends range from an
// in-memory store for tests to a file on the device and a shared Redis
// key for fleet deployments.
package credstore

import (
	"context"
)

// Credential is the access/refresh token pair issued by the auth
// endpoints. The zero value means "logged out".
type Credential struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// IsZero reports whether no credential is held.
func (c Credential) IsZero() bool {
	return c.AccessToken == "" && c.RefreshToken == ""
}

// Store persists the credential pair. Implementations must be safe for
// concurrent use; the session manager is the only writer by contract.
type Store interface {
	// Load returns the stored credential. A zero Credential with a nil
	// error means nothing is stored.
	Load(ctx context.Context) (Credential, error)

	// Save replaces the stored credential.
	Save(ctx context.Context, cred Credential) error

	// Clear wipes the stored credential. Clearing an empty store is not
	// an error.
	Clear(ctx context.Context) error

	// Close releases resources held by the store.
	Close() error
}

// Watcher is implemented by stores that can observe credential rotation
// performed outside this process (for example another process refreshing
// the shared credential file). The callback receives the new credential;
// a zero credential signals an external logout.
type Watcher interface {
	Watch(ctx context.Context, fn func(Credential)) error
}
