package channel

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned when operating a channel after it was closed.
	ErrClosed = errors.New("channel: closed")

	// ErrMode is returned when an operation does not match the channel mode,
	// e.g. writing an INPUT channel or waiting for edges on an OUTPUT.
	ErrMode = errors.New("channel: wrong mode")

	// ErrBusy is returned when a blocking edge wait and a callback
	// subscription are requested on the same channel.
	ErrBusy = errors.New("channel: edge wait and callback subscription are exclusive")

	// ErrCanceled completes edge waits interrupted by Cancel.
	ErrCanceled = errors.New("channel: edge detection canceled")

	// ErrUnsupported is returned by backends lacking a capability.
	ErrUnsupported = errors.New("channel: unsupported by backend")

	// ErrDuplicateChannel is returned when configuring an id twice.
	ErrDuplicateChannel = errors.New("channel: duplicate channel id")

	// ErrReleased is returned by a Handle whose channel was released or
	// transferred.
	ErrReleased = errors.New("channel: handle released")

	// ErrBackendClosed is returned when configuring on a torn down backend.
	ErrBackendClosed = errors.New("channel: backend closed")
)

// ConfigError reports invalid configuration detected at construction.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// ModeError wraps ErrMode with the offending operation.
func ModeError(op string, mode Mode) error {
	return fmt.Errorf("%s on %s channel: %w", op, mode, ErrMode)
}
