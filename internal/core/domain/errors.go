package domain

import "errors"

// Domain errors - used across all layers
var (
	// ErrNotFound indicates the requested resource was not found
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput indicates the input is invalid
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnauthorized indicates authentication failed or missing
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden indicates the caller lacks permission for this action
	ErrForbidden = errors.New("forbidden")

	// ErrTokenExpired indicates the auth token has expired
	ErrTokenExpired = errors.New("token expired")

	// ErrTokenInvalid indicates the auth token is malformed or invalid
	ErrTokenInvalid = errors.New("token invalid")

	// ErrUserCancelled is reported by a user agent when the user dismissed
	// the authorization page.
	ErrUserCancelled = errors.New("user cancelled")

	// ErrProviderNotFound indicates the provider id is not configured
	ErrProviderNotFound = errors.New("provider not found")

	// ErrNoRefreshToken indicates a refresh was needed but no refresh token is stored
	ErrNoRefreshToken = errors.New("no refresh token")

	// ErrInvalidTransition indicates a connection state change outside the allowed edges
	ErrInvalidTransition = errors.New("invalid connection state transition")

	// ErrAccountMismatch indicates a reauthentication resolved to a different account
	ErrAccountMismatch = errors.New("authenticated account does not match")

	// ErrCorruptedRecord indicates a persisted credential could not be decoded
	ErrCorruptedRecord = errors.New("corrupted credential record")

	// ErrRecordKeyMismatch indicates a sealed credential that the configured
	// encryption key cannot open. The record is kept.
	ErrRecordKeyMismatch = errors.New("credential record sealed with a different key")

	// ErrReauthRequired indicates the account must go through the auth flow again
	ErrReauthRequired = errors.New("reauthentication required")
)
