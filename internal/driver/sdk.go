package driver

import (
	"github.com/depthwire/kinectwrapper/internal/skeleton"
	"github.com/depthwire/kinectwrapper/pkg/core"
)

// sdkJoints is the skeleton position order of the vendor SDK.
var sdkJoints = skeleton.JointTable{
	Names: []string{
		core.JointHipCenter,
		core.JointSpine,
		core.JointShoulderCenter,
		core.JointHead,
		core.JointShoulderLeft,
		core.JointElbowLeft,
		core.JointWristLeft,
		core.JointHandLeft,
		core.JointShoulderRight,
		core.JointElbowRight,
		core.JointWristRight,
		core.JointHandRight,
		core.JointHipLeft,
		core.JointKneeLeft,
		core.JointAnkleLeft,
		core.JointFootLeft,
		core.JointHipRight,
		core.JointKneeRight,
		core.JointAnkleRight,
		core.JointFootRight,
	},
	// upper body: shoulders, head, arms
	Seated: []int{2, 3, 4, 5, 6, 7, 8, 9, 10, 11},
}

// SDK is the vendor SDK variant: native 320x240 depth, seated tracking,
// the full limb set and millisecond timestamps.
type SDK struct {
	base
}

var _ Driver = (*SDK)(nil)

// NewSDK creates an SDK driver over sensor.
func NewSDK(sensor Sensor, opts ...Option) *SDK {
	d := &SDK{base: base{
		sensor: sensor,
		prof: profile{
			traits: Traits{Name: string(KindSDK), SupportsSeated: true, DrawAll: true},
			table:  sdkJoints,
			nativeDepth: func(core.DeviceKind) (int, int) {
				return core.DepthWidth, core.DepthHeight
			},
			timeScale: 1e-3,
		},
	}}
	d.apply(opts)
	return d
}

// ReadSkeletons reports every tracked skeleton slot. Player IDs are the
// 1-based slot index.
func (d *SDK) ReadSkeletons() ([]core.Player, float64, error) {
	cfg, ok := d.config()
	if !ok {
		return nil, 0, ErrNotOpen
	}
	if !cfg.Mode.HasJoints() {
		return nil, 0, ErrUnsupported
	}
	frame, err := d.sensor.Users()
	if err != nil {
		return nil, 0, err
	}
	raw := make([]skeleton.RawUser, 0, len(frame.Users))
	for _, u := range frame.Users {
		if u.State != UserTracked {
			continue
		}
		raw = append(raw, skeleton.RawUser{ID: u.ID + 1, Joints: u.Joints})
	}
	return d.normalize(raw, cfg), d.seconds(frame.Timestamp), nil
}
