package model

import (
	"errors"
)

var (
	// ErrToolNotFound means the external binary is not present in PATH.
	ErrToolNotFound = errors.New("external tool not found")
	// ErrToolFailed means the external binary ran and exited non-zero.
	ErrToolFailed = errors.New("external tool failed")
	// ErrNotListening means no listener was found for an expected port.
	ErrNotListening = errors.New("not listening")
	// ErrUnknownStep means a debug step identifier is not in the registry.
	ErrUnknownStep = errors.New("unknown step")
	// ErrPreflight marks fatal conditions detected before any mutation.
	ErrPreflight = errors.New("preflight check failed")
)
