package iotdevice

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by operations issued to a closed client.
	ErrClosed = errors.New("client is closed")

	// ErrMissingArgument indicates a required argument is absent,
	// wrapped with the argument name.
	ErrMissingArgument = errors.New("missing argument")

	// ErrMethodRegistered indicates a direct method handler
	// already exists for the given name.
	ErrMethodRegistered = errors.New("method is already registered")

	// ErrIncompatibleAuth indicates credential rotation was attempted
	// with x509 authentication.
	ErrIncompatibleAuth = errors.New("operation is incompatible with x509 authentication")
)

func errMissingArgument(name string) error {
	return fmt.Errorf("%w: %s", ErrMissingArgument, name)
}
