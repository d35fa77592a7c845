//go:build !linux

package gpio

import (
	"errors"

	"github.com/sweeney/motor-controller/internal/channel"
)

var errUnsupported = errors.New("gpio: not supported on this platform (requires Linux)")

// Backend is not available on non-Linux platforms.
type Backend struct {
	*channel.Hub
}

// New returns an error on non-Linux platforms.
func New(chipName string) (*Backend, error) {
	return nil, errUnsupported
}

// ConfigureBinary is not implemented on non-Linux platforms.
func (b *Backend) ConfigureBinary(cfg channel.BinaryConfig) (*channel.Handle[channel.BinaryChannel], error) {
	return nil, errUnsupported
}

// ConfigurePWM is not implemented on non-Linux platforms.
func (b *Backend) ConfigurePWM(cfg channel.PWMConfig) (*channel.Handle[channel.PWMChannel], error) {
	return nil, errUnsupported
}
