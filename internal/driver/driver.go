// Package driver adapts depth sensors to the uniform capability the
// acquisition loop polls. Two variants exist, sdk and openni, both running
// on a raw Sensor binding.
package driver

import (
	"errors"
	"fmt"

	"github.com/golang/geo/r3"

	"github.com/depthwire/kinectwrapper/pkg/core"
)

// Errors returned by drivers.
var (
	ErrNoFrame     = errors.New("no new frame")
	ErrNotOpen     = errors.New("driver not initialized")
	ErrUnsupported = errors.New("category not enabled")
)

// Config is the acquisition setup a driver is initialized with.
type Config struct {
	Mode      core.InfoMode
	ImgWidth  int
	ImgHeight int
	Seated    bool
	Remap     bool
	Device    core.DeviceKind
}

// Driver is the capability the server polls each tick. Reads return data
// normalized to the published formats and a timestamp in seconds.
type Driver interface {
	Initialize(cfg Config) error
	// Update pulls one new set of raw frames. ErrNoFrame means nothing new.
	Update() error
	ReadDepth() (core.DepthFrame, float64, error)
	ReadColor() (core.ColorFrame, float64, error)
	ReadSkeletons() ([]core.Player, float64, error)
	// Project converts a published depth pixel and its depth to meters.
	Project(u, v int, depthMm uint16) (r3.Vector, error)
	Traits() Traits
	Close() error
}

// Traits describe driver behavior that clients need for rendering.
type Traits struct {
	Name           string
	SupportsSeated bool
	DrawAll        bool
}

// Kind names a driver variant.
type Kind string

const (
	KindSDK    Kind = "sdk"
	KindOpenNI Kind = "openni"
)

// New builds the driver variant of the given kind on top of sensor.
func New(kind Kind, sensor Sensor, opts ...Option) (Driver, error) {
	if sensor == nil {
		return nil, fmt.Errorf("driver %s: nil sensor", kind)
	}
	switch kind {
	case KindSDK:
		return NewSDK(sensor, opts...), nil
	case KindOpenNI:
		return NewOpenNI(sensor, opts...), nil
	}
	return nil, fmt.Errorf("unknown driver %q", kind)
}
