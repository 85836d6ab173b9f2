//go:build !mediadevices

package media

import "context"

// unavailableDevice stands in for the native microphone in builds without
// the mediadevices tag.
type unavailableDevice struct{}

// NewDeviceSource returns the native microphone source. This build has no
// capture driver, so every call fails with ErrNoDevice.
func NewDeviceSource() Source { return unavailableDevice{} }

func (unavailableDevice) RequestPermission(context.Context) error { return ErrNoDevice }

func (unavailableDevice) Open(context.Context) (*LocalAudio, error) { return nil, ErrNoDevice }
