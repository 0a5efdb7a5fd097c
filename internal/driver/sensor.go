package driver

import (
	"github.com/golang/geo/r3"

	"github.com/depthwire/kinectwrapper/internal/skeleton"
)

// PixelFormat of a raw color image.
type PixelFormat int

const (
	FormatRGB PixelFormat = iota
	FormatBGRA
)

// SensorOptions select the streams a sensor opens.
type SensorOptions struct {
	DepthWidth  int
	DepthHeight int
	Color       bool
	// Tracking enables user segmentation and skeletons.
	Tracking bool
	Seated   bool
	// Registration aligns depth to the color camera.
	Registration bool
}

// DepthImage is raw depth in millimeters with per-pixel user labels.
type DepthImage struct {
	Width     int
	Height    int
	Depth     []uint16
	Labels    []uint8
	Timestamp int64
}

// ColorImage is a raw color image.
type ColorImage struct {
	Width     int
	Height    int
	Format    PixelFormat
	Pix       []uint8
	Timestamp int64
}

// UserState is the tracking state a sensor reports for one user.
type UserState int

const (
	UserNew UserState = iota
	UserCalibrating
	UserTracked
	UserLost
)

func (s UserState) String() string {
	switch s {
	case UserNew:
		return "new"
	case UserCalibrating:
		return "calibrating"
	case UserTracked:
		return "tracked"
	case UserLost:
		return "lost"
	}
	return "unknown"
}

// SensorUser is a user visible to the sensor. Joints follow the sensor's own
// joint enumeration; positions are in millimeters.
type SensorUser struct {
	ID     int
	State  UserState
	Joints []skeleton.RawJoint
}

// UserFrame is the set of users seen at one instant.
type UserFrame struct {
	Users     []SensorUser
	Timestamp int64
}

// Sensor is the raw device binding. Calls must not block for long.
type Sensor interface {
	Open(opts SensorOptions) error
	// Grab latches the newest frames; it returns ErrNoFrame if none arrived.
	Grab() error
	Depth() (DepthImage, error)
	Color() (ColorImage, error)
	Users() (UserFrame, error)
	StartTracking(userID int) error
	// WorldToImage projects a millimeter point to native depth pixels.
	WorldToImage(p r3.Vector) (u, v float64)
	// ImageToWorld back-projects a native depth pixel to millimeters.
	ImageToWorld(u, v float64, depthMm uint16) r3.Vector
	// SupportsRegistration reports whether depth-to-color alignment is available.
	SupportsRegistration() bool
	Close() error
}
