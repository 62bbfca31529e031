package modbot

import (
	"errors"
	"fmt"
)

var (
	// ErrNotAuthenticated is returned when a user has no stored
	// Spotify credential
	ErrNotAuthenticated = errors.New("user has not connected a spotify account")

	// ErrRefreshFailed is returned when an expiring credential couldn't
	// be refreshed. The stored credential is left as-is.
	ErrRefreshFailed = errors.New("spotify token refresh failed")

	// ErrGenerationFormat is returned when generated text doesn't
	// match the expected layout
	ErrGenerationFormat = errors.New("generated text has an unexpected format")

	// ErrExternalService wraps failures of any outside collaborator
	ErrExternalService = errors.New("external service error")

	// ErrUnknownState is returned when a callback presents a state
	// token that was never issued, or has expired
	ErrUnknownState = errors.New("unknown or expired authorization state")

	ErrPlaylistNotFound = errors.New("playlist not found")
	ErrPlaylistExists   = errors.New("playlist already exists")
	ErrTrackNotFound    = errors.New("no matching track")

	// ErrPlaylistOwnerUnavailable is returned when a playlist's owner
	// no longer has a usable credential
	ErrPlaylistOwnerUnavailable = errors.New("playlist owner's spotify account is unavailable")

	// ErrNoProfile is returned by features that need a music profile
	// when the user hasn't created one
	ErrNoProfile = errors.New("user has no music profile")
)

// ExternalServiceError records which collaborator failed
type ExternalServiceError struct {
	Service string
	Err     error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Service, e.Err)
}

func (e *ExternalServiceError) Unwrap() []error {
	return []error{ErrExternalService, e.Err}
}

func newExternalServiceError(service string, err error) error {
	if err == nil {
		return nil
	}
	return &ExternalServiceError{Service: service, Err: err}
}
