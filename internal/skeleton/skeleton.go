// Package skeleton maps driver-specific joint sets onto the canonical joint
// vocabulary and selects players from a normalized frame.
package skeleton

import (
	"math"

	"github.com/golang/geo/r3"

	"github.com/depthwire/kinectwrapper/pkg/core"
)

// ConfidenceThreshold is the minimum confidence, exclusive, for a joint to be kept.
const ConfidenceThreshold = 0.5

// RawJoint is a driver joint sample: confidence in [0,1] and device-space
// position in millimeters.
type RawJoint struct {
	Confidence float64
	Position   r3.Vector
}

// RawUser is one tracked user as reported by a driver. Joints is indexed by
// the driver's own joint enumeration.
type RawUser struct {
	ID     int
	Joints []RawJoint
}

// JointTable maps a driver joint enumeration to canonical names.
type JointTable struct {
	// Names[i] is the canonical name of driver joint i; an empty entry is not provided.
	Names []string
	// Seated lists the driver indices kept in seated mode. Empty means the
	// driver has no seated tracking.
	Seated []int
}

// SupportsSeated reports whether the table defines a seated subset.
func (t JointTable) SupportsSeated() bool {
	return len(t.Seated) > 0
}

// Provided returns the driver indices active for the given mode.
func (t JointTable) Provided(seated bool) []int {
	if seated && t.SupportsSeated() {
		return t.Seated
	}
	idx := make([]int, 0, len(t.Names))
	for i, n := range t.Names {
		if n != "" {
			idx = append(idx, i)
		}
	}
	return idx
}

// Projector converts a device-space point in millimeters to native depth image coordinates.
type Projector interface {
	WorldToImage(p r3.Vector) (u, v float64)
}

// Options parameterize Normalize.
type Options struct {
	Table     JointTable
	Seated    bool
	Projector Projector
	// Halve divides image coordinates by two when the native depth stream is
	// twice the published resolution.
	Halve bool
}

// Normalize converts raw users into players. Joints at or below
// ConfidenceThreshold are omitted. Each player gains a CoM joint at the mean
// of its accepted joints, and players with no accepted joint are dropped.
func Normalize(users []RawUser, opts Options) []core.Player {
	provided := opts.Table.Provided(opts.Seated)
	players := make([]core.Player, 0, len(users))

	for _, u := range users {
		sk := make(core.Skeleton, len(provided)+1)
		var sum r3.Vector
		accepted := 0

		for _, i := range provided {
			if i >= len(u.Joints) || i >= len(opts.Table.Names) {
				continue
			}
			rj := u.Joints[i]
			if rj.Confidence <= ConfidenceThreshold {
				continue
			}
			sk[opts.Table.Names[i]] = project(rj.Position, opts)
			sum = sum.Add(rj.Position)
			accepted++
		}

		if accepted == 0 {
			continue
		}

		mean := sum.Mul(1 / float64(accepted))
		sk[core.JointCoM] = project(mean, opts)
		players = append(players, core.Player{ID: u.ID, Skeleton: sk})
	}
	return players
}

func project(mm r3.Vector, opts Options) core.Joint {
	j := core.Joint{X: mm.X / 1000, Y: mm.Y / 1000, Z: mm.Z / 1000}
	if opts.Projector == nil {
		return j
	}
	u, v := opts.Projector.WorldToImage(mm)
	j.U, j.V = int(u), int(v)
	if opts.Halve {
		j.U /= 2
		j.V /= 2
	}
	return j
}

// Select returns the player with the given ID, or the closest player when id
// is core.ClosestPlayer. Closest means the smallest shoulderCenter depth;
// players without a shoulderCenter are not candidates. A miss returns a
// player whose ID is core.NoPlayer.
func Select(players []core.Player, id int) core.Player {
	if id >= 0 {
		for _, p := range players {
			if p.ID == id {
				return p.Clone()
			}
		}
		return core.Player{ID: core.NoPlayer}
	}
	if id != core.ClosestPlayer {
		return core.Player{ID: core.NoPlayer}
	}

	best := -1
	minZ := math.Inf(1)
	for i, p := range players {
		sc, ok := p.Skeleton[core.JointShoulderCenter]
		if !ok {
			continue
		}
		if sc.Z < minZ {
			minZ = sc.Z
			best = i
		}
	}
	if best < 0 {
		return core.Player{ID: core.NoPlayer}
	}
	return players[best].Clone()
}
