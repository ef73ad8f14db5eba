package server

import "errors"

// Package-level errors.
var (
	// ErrAlreadyStarted is returned when Start is called on a running server.
	ErrAlreadyStarted = errors.New("server: already started")

	// ErrNotStarted is returned when Stop is called before Start.
	ErrNotStarted = errors.New("server: not started")

	// ErrAlreadyStopped is returned when Stop is called twice.
	ErrAlreadyStopped = errors.New("server: already stopped")

	// ErrStopped is returned by Start after the server has been stopped.
	// A server binds its transport once and cannot be restarted.
	ErrStopped = errors.New("server: stopped")

	// ErrInvalidConfig wraps every validation failure.
	ErrInvalidConfig = errors.New("server: invalid configuration")
)
