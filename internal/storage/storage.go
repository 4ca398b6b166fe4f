// internal/storage/storage.go
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/pinmap/locsync/pkg/core"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store is the relational backend holding profiles, friendships and the
// latest location row of every user.
type Store interface {
	// FetchFriendIDs returns the ids of the viewer's friends.
	FetchFriendIDs(ctx context.Context, viewer core.PeerID) ([]core.PeerID, error)

	// FetchPeers returns every friend of the viewer joined with their profile
	// and latest location row.
	FetchPeers(ctx context.Context, viewer core.PeerID) ([]core.PeerState, error)

	// FetchProfile returns the display metadata of one user.
	FetchProfile(ctx context.Context, id core.PeerID) (core.Profile, error)

	// UpsertLocation writes the single location row of a user.
	UpsertLocation(ctx context.Context, rec core.LocationRecord) error

	Close() error
}

// TransientFetchError wraps a failed backend round trip. Callers retry on
// the next scheduled tick.
type TransientFetchError struct {
	Op  string
	Err error
}

func (e *TransientFetchError) Error() string {
	return fmt.Sprintf("transient %s failure: %v", e.Op, e.Err)
}

func (e *TransientFetchError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a TransientFetchError. Nil and already wrapped
// errors pass through unchanged; ErrNotFound and context cancellation are
// not transient.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *TransientFetchError
	if errors.As(err, &te) {
		return err
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled) {
		return err
	}
	return &TransientFetchError{Op: op, Err: err}
}

// IsTransient reports whether err is (or wraps) a TransientFetchError.
func IsTransient(err error) bool {
	var te *TransientFetchError
	return errors.As(err, &te)
}
