// Package errors holds sentinel error values shared across reader-sync.
package errors

import "errors"

// Client errors.
var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrInvalidToken       = errors.New("invalid or expired token")
	ErrUnknownCollection  = errors.New("unknown collection")
)

// Server/transport errors.
var (
	ErrAPIRequest  = errors.New("API request failed")
	ErrAPIResponse = errors.New("unexpected API response")
)

// Sync lifecycle errors.
var (
	ErrSetupInProgress = errors.New("sync setup already in progress")
	ErrNotHydrated     = errors.New("local store not hydrated")
)
