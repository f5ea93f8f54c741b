// Package registry talks to the package registry releases are published to.
package registry

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrTransient = errors.New("registry transient failure")
	ErrPermanent = errors.New("registry permanent failure")
)

// Client is what the publish orchestrator needs from a registry.
type Client interface {
	// Exists reports whether name@version is visible to consumers.
	Exists(ctx context.Context, name, version string) (bool, error)
	// Publish uploads the package at Dir as name@version.
	Publish(ctx context.Context, req PublishRequest) error
}

type PublishRequest struct {
	Name    string
	Version string
	Dir     string
}

// TransientError is a failure expected to clear on retry.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrTransient, e.Op, e.Err)
}

func (e *TransientError) Unwrap() []error { return []error{ErrTransient, e.Err} }

// PermanentError is a failure retrying will not fix.
type PermanentError struct {
	Op  string
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrPermanent, e.Op, e.Err)
}

func (e *PermanentError) Unwrap() []error { return []error{ErrPermanent, e.Err} }

func Transient(op string, err error) error { return &TransientError{Op: op, Err: err} }

func Permanent(op string, err error) error { return &PermanentError{Op: op, Err: err} }

// IsTransient reports whether err should be retried. Errors that carry no
// classification are treated as permanent.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
