// pkg/core/skeleton.go
package core

// Canonical joint vocabulary. Every driver-specific joint set is normalized
// into these names.
const (
	JointHead           = "head"
	JointHandLeft       = "handLeft"
	JointHandRight      = "handRight"
	JointWristLeft      = "wristLeft"
	JointWristRight     = "wristRight"
	JointElbowLeft      = "elbowLeft"
	JointElbowRight     = "elbowRight"
	JointShoulderCenter = "shoulderCenter"
	JointShoulderLeft   = "shoulderLeft"
	JointShoulderRight  = "shoulderRight"
	JointSpine          = "spine"
	JointHipCenter      = "hipCenter"
	JointHipLeft        = "hipLeft"
	JointHipRight       = "hipRight"
	JointKneeLeft       = "kneeLeft"
	JointKneeRight      = "kneeRight"
	JointAnkleLeft      = "ankleLeft"
	JointAnkleRight     = "ankleRight"
	JointFootLeft       = "footLeft"
	JointFootRight      = "footRight"
	JointCollarLeft     = "collarLeft"
	JointCollarRight    = "collarRight"
	JointFingertipLeft  = "fingertipLeft"
	JointFingertipRight = "fingertipRight"
	JointCoM            = "CoM"
)

const (
	// ClosestPlayer selects the tracked player nearest to the sensor.
	ClosestPlayer = -1
	// NoPlayer is the ID of a player that was not found or is not tracked.
	NoPlayer = -1
	// MaxUsers is the largest number of users a driver reports per frame.
	MaxUsers = 15
)

// Joint is one skeletal landmark in image space (U,V) and metric space (X,Y,Z meters).
type Joint struct {
	U int
	V int
	X float64
	Y float64
	Z float64
}

// Tracked reports whether the joint carries a real image position.
// (0,0) is the not-tracked sentinel.
func (j Joint) Tracked() bool {
	return j.U != 0 || j.V != 0
}

// Skeleton maps canonical joint names to joints.
type Skeleton map[string]Joint

// Clone returns an independent copy of the skeleton.
func (s Skeleton) Clone() Skeleton {
	if s == nil {
		return nil
	}
	out := make(Skeleton, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Player is a tracked user and its skeleton. ID is NoPlayer when absent.
type Player struct {
	ID       int
	Skeleton Skeleton
}

// Found reports whether p refers to an actual player.
func (p Player) Found() bool {
	return p.ID != NoPlayer
}

// Clone returns an independent copy of the player.
func (p Player) Clone() Player {
	return Player{ID: p.ID, Skeleton: p.Skeleton.Clone()}
}

// ClonePlayers deep-copies a player list.
func ClonePlayers(players []Player) []Player {
	if players == nil {
		return nil
	}
	out := make([]Player, len(players))
	for i, p := range players {
		out[i] = p.Clone()
	}
	return out
}
