// Package common defines shared sentinel errors and the typed error
// taxonomy used across engine components. Callers should use errors.Is
// for sentinels and errors.As for the typed errors.
package common

import "errors"

var (
	// Repository-level errors.
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")

	// Service-level errors.
	ErrInternal     = errors.New("internal error")
	ErrUnauthorized = errors.New("unauthorized")

	// State machine errors.
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrUnknownStatus     = errors.New("unknown account status")

	// Token lifecycle errors.
	ErrInvalidToken  = errors.New("invalid token")
	ErrNoCredential  = errors.New("no credential on file")
	ErrTokenExpired  = errors.New("token expired")
	ErrNoSuchAdapter = errors.New("no transfer adapter for provider")
)
