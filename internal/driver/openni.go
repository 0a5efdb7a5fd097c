package driver

import (
	"sync"

	"github.com/depthwire/kinectwrapper/internal/skeleton"
	"github.com/depthwire/kinectwrapper/pkg/core"
)

// openNIJoints is the NiTE joint order. Neck and torso map to shoulderCenter and spine.
var openNIJoints = skeleton.JointTable{
	Names: []string{
		core.JointHead,
		core.JointShoulderCenter,
		core.JointShoulderLeft,
		core.JointShoulderRight,
		core.JointElbowLeft,
		core.JointElbowRight,
		core.JointHandLeft,
		core.JointHandRight,
		core.JointSpine,
		core.JointHipLeft,
		core.JointHipRight,
		core.JointKneeLeft,
		core.JointKneeRight,
		core.JointFootLeft,
		core.JointFootRight,
	},
}

// OpenNI is the OpenNI/NiTE variant. The kinect device kind streams
// 640x480 depth, which is decimated and whose skeleton pixels are halved.
// Users move through a per-user state table updated on every read.
type OpenNI struct {
	base

	usersMu sync.Mutex
	users   map[int]UserState
}

var _ Driver = (*OpenNI)(nil)

// NewOpenNI creates an OpenNI driver over sensor.
func NewOpenNI(sensor Sensor, opts ...Option) *OpenNI {
	d := &OpenNI{
		base: base{
			sensor: sensor,
			prof: profile{
				traits: Traits{Name: string(KindOpenNI)},
				table:  openNIJoints,
				nativeDepth: func(k core.DeviceKind) (int, int) {
					if k == core.DeviceKinect {
						return 2 * core.DepthWidth, 2 * core.DepthHeight
					}
					return core.DepthWidth, core.DepthHeight
				},
				timeScale: 1e-6,
			},
		},
		users: make(map[int]UserState),
	}
	d.apply(opts)
	return d
}

// ReadSkeletons polls user states, starts tracking for new users and
// normalizes the tracked ones.
func (d *OpenNI) ReadSkeletons() ([]core.Player, float64, error) {
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
	seen := make(map[int]struct{}, len(frame.Users))

	d.usersMu.Lock()
	for _, u := range frame.Users {
		seen[u.ID] = struct{}{}
		d.transition(u.ID, u.State)
		switch u.State {
		case UserNew:
			if err := d.sensor.StartTracking(u.ID); err != nil {
				d.logger.Warn("Failed to start skeleton tracking", "user", u.ID, "error", err)
			}
		case UserTracked:
			raw = append(raw, skeleton.RawUser{ID: u.ID, Joints: u.Joints})
		}
	}
	for id := range d.users {
		if _, ok := seen[id]; !ok {
			d.transition(id, UserLost)
		}
	}
	d.usersMu.Unlock()

	return d.normalize(raw, cfg), d.seconds(frame.Timestamp), nil
}

// transition records a state change; lost users leave the table.
// Caller holds usersMu.
func (d *OpenNI) transition(id int, s UserState) {
	prev, known := d.users[id]
	if known && prev == s {
		return
	}
	if s == UserLost {
		if known {
			d.logger.Debug("User lost", "user", id)
			delete(d.users, id)
		}
		return
	}
	d.users[id] = s
	d.logger.Debug("User state changed", "user", id, "state", s.String())
}

// UserStates returns a copy of the per-user state table.
func (d *OpenNI) UserStates() map[int]UserState {
	d.usersMu.Lock()
	defer d.usersMu.Unlock()
	out := make(map[int]UserState, len(d.users))
	for k, v := range d.users {
		out[k] = v
	}
	return out
}

func (d *OpenNI) Close() error {
	d.usersMu.Lock()
	d.users = make(map[int]UserState)
	d.usersMu.Unlock()
	return d.base.Close()
}
