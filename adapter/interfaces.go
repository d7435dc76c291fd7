package fincharts

import (
	"context"
	"errors"
)

// Sentinel errors returned by the session and REST layers.
var (
	// ErrNotAuthenticated is returned when an operation requires a live
	// session and none exists.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrTokenRejected is returned when the platform answers an
	// authenticated call with 401. The session has already been
	// invalidated and one re-login attempted by the time callers see it.
	ErrTokenRejected = errors.New("access token rejected")
)

// TokenStore persists the opaque access token between runs.
type TokenStore interface {
	Save(token string) error
	Load() (string, error)
	Delete() error
}

// StreamingClient is the session's view of the real-time connection.
// The websocket subpackage provides the implementation; the session only
// needs to gate the connection on token lifecycle events.
type StreamingClient interface {
	// Open establishes the connection using the given access token,
	// closing any previous connection first.
	Open(ctx context.Context, token string) error
	Close() error
	IsOpen() bool
}

// BackfillFetcher loads the historical minute bars that seed a new
// subscription. Implemented by Client; kept narrow so the watchlist can be
// tested with a fake.
type BackfillFetcher interface {
	GetHistoricalBars(ctx context.Context, instrumentID, provider string, barsCount int) ([]Bar, error)
}
