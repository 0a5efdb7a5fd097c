// pkg/core/info.go
package core

import "fmt"

// InfoMode selects which data categories a server acquires and publishes.
type InfoMode string

const (
	InfoAll             InfoMode = "all_info"
	InfoDepth           InfoMode = "depth"
	InfoDepthPlayers    InfoMode = "depth_players"
	InfoDepthRGB        InfoMode = "depth_rgb"
	InfoDepthRGBPlayers InfoMode = "depth_rgb_players"
	InfoDepthJoints     InfoMode = "depth_joints"
)

// ParseInfoMode validates s against the six supported modes.
func ParseInfoMode(s string) (InfoMode, error) {
	switch m := InfoMode(s); m {
	case InfoAll, InfoDepth, InfoDepthPlayers, InfoDepthRGB, InfoDepthRGBPlayers, InfoDepthJoints:
		return m, nil
	}
	return "", fmt.Errorf("unknown info mode %q", s)
}

// HasColor reports whether the mode carries the color stream.
func (m InfoMode) HasColor() bool {
	return m == InfoAll || m == InfoDepthRGB || m == InfoDepthRGBPlayers
}

// HasJoints reports whether the mode carries skeletons.
func (m InfoMode) HasJoints() bool {
	return m == InfoAll || m == InfoDepthJoints
}

// HasPlayers reports whether player labels in the depth stream are meaningful.
func (m InfoMode) HasPlayers() bool {
	return m == InfoAll || m == InfoDepthRGBPlayers || m == InfoDepthPlayers
}

// NeedsTracking reports whether the driver must run user tracking, either for
// skeletons or for the per-pixel player labels.
func (m InfoMode) NeedsTracking() bool {
	return m.HasJoints() || m.HasPlayers()
}

// DeviceKind identifies the physical sensor model.
type DeviceKind string

const (
	DeviceKinect DeviceKind = "kinect"
	DeviceXtion  DeviceKind = "xtion"
)

// ParseDeviceKind validates s.
func ParseDeviceKind(s string) (DeviceKind, error) {
	switch k := DeviceKind(s); k {
	case DeviceKinect, DeviceXtion:
		return k, nil
	}
	return "", fmt.Errorf("unknown device kind %q", s)
}

// ServerInfo describes the capabilities a server reports to clients.
type ServerInfo struct {
	Mode        InfoMode
	ImgWidth    int
	ImgHeight   int
	DepthWidth  int
	DepthHeight int
	SeatedMode  bool
	DrawAll     bool
}
