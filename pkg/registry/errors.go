// Package registry implements the public session commands: create, destroy,
// restart, the kernel proxies, heartbeat handling, and the event handler
// table that drives the lifecycle manager.
package registry

import (
	"errors"
	"fmt"
)

// Sentinel errors. Wrapped variants carry detail; callers branch with
// errors.Is.
var (
	ErrNotFound             = errors.New("not found")
	ErrInvalidArgument      = errors.New("invalid argument")
	ErrQuotaExceeded        = errors.New("quota exceeded")
	ErrSessionAlreadyExists = errors.New("session already exists")
	ErrRejectedByHook       = errors.New("rejected by hook")
	ErrSessionNotRunning    = errors.New("session is not running")
	ErrDestroyNotAllowed    = errors.New("session cannot be destroyed in its current status")
)

// ValidationError is an invalid-argument failure tied to one input field.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

// Is makes every validation error match ErrInvalidArgument.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidArgument
}

// NotFoundError names the missing entity.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.ID)
}

// Is makes every not-found error match ErrNotFound.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// QuotaError carries the humanized quota message for the client.
type QuotaError struct {
	Msg string
}

func (e *QuotaError) Error() string {
	return e.Msg
}

// Is makes every quota error match ErrQuotaExceeded.
func (e *QuotaError) Is(target error) bool {
	return target == ErrQuotaExceeded
}
