package skeleton

import (
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/depthwire/kinectwrapper/pkg/core"
)

// scaleProjector maps millimeters to pixels as u = x/10 + 160, v = y/10 + 120.
type scaleProjector struct{}

func (scaleProjector) WorldToImage(p r3.Vector) (float64, float64) {
	return p.X/10 + 160, p.Y/10 + 120
}

var testTable = JointTable{
	Names:  []string{core.JointHead, core.JointShoulderCenter, core.JointHandLeft, core.JointFootLeft},
	Seated: []int{0, 1, 2},
}

func joint(conf, x, y, z float64) RawJoint {
	return RawJoint{Confidence: conf, Position: r3.Vector{X: x, Y: y, Z: z}}
}

func TestNormalize_ThresholdAndCoM(t *testing.T) {
	users := []RawUser{{
		ID: 4,
		Joints: []RawJoint{
			joint(0.9, 100, 200, 2000),
			joint(0.6, 300, 400, 3000),
			joint(0.5, 999, 999, 999),
			joint(0.1, 999, 999, 999),
		},
	}}

	players := Normalize(users, Options{Table: testTable, Projector: scaleProjector{}})
	require.Len(t, players, 1)
	p := players[0]
	assert.Equal(t, 4, p.ID)
	assert.Len(t, p.Skeleton, 3)
	assert.NotContains(t, p.Skeleton, core.JointHandLeft)
	assert.NotContains(t, p.Skeleton, core.JointFootLeft)

	head := p.Skeleton[core.JointHead]
	assert.Equal(t, 170, head.U)
	assert.Equal(t, 140, head.V)
	assert.InDelta(t, 2.0, head.Z, 1e-9)

	com := p.Skeleton[core.JointCoM]
	assert.InDelta(t, 0.2, com.X, 1e-9)
	assert.InDelta(t, 0.3, com.Y, 1e-9)
	assert.InDelta(t, 2.5, com.Z, 1e-9)
	// re-projected from the mean, not averaged in image space
	assert.Equal(t, 180, com.U)
	assert.Equal(t, 150, com.V)
}

func TestNormalize_SuppressesCoMOnlySkeleton(t *testing.T) {
	users := []RawUser{
		{ID: 1, Joints: []RawJoint{joint(0.3, 1, 1, 1), joint(0.2, 1, 1, 1), joint(0.4, 1, 1, 1), joint(0, 0, 0, 0)}},
		{ID: 2, Joints: []RawJoint{joint(0.3, 1, 1, 1), joint(0.9, 10, 10, 1500)}},
	}

	players := Normalize(users, Options{Table: testTable, Projector: scaleProjector{}})
	require.Len(t, players, 1)
	assert.Equal(t, 2, players[0].ID)
	assert.Len(t, players[0].Skeleton, 2)
	assert.Contains(t, players[0].Skeleton, core.JointShoulderCenter)
	assert.Contains(t, players[0].Skeleton, core.JointCoM)
}

func TestNormalize_SeatedSubset(t *testing.T) {
	users := []RawUser{{ID: 1, Joints: []RawJoint{
		joint(1, 0, 0, 1000), joint(1, 0, 0, 1000), joint(1, 0, 0, 1000), joint(1, 0, 0, 1000),
	}}}

	full := Normalize(users, Options{Table: testTable})
	seated := Normalize(users, Options{Table: testTable, Seated: true})
	assert.Contains(t, full[0].Skeleton, core.JointFootLeft)
	assert.NotContains(t, seated[0].Skeleton, core.JointFootLeft)
	assert.Len(t, seated[0].Skeleton, 4)

	noSeat := JointTable{Names: testTable.Names}
	ignored := Normalize(users, Options{Table: noSeat, Seated: true})
	assert.Contains(t, ignored[0].Skeleton, core.JointFootLeft)
}

func TestNormalize_Halve(t *testing.T) {
	users := []RawUser{{ID: 1, Joints: []RawJoint{joint(1, 0, 0, 1000), joint(1, 100, 100, 1000)}}}

	players := Normalize(users, Options{Table: testTable, Projector: scaleProjector{}, Halve: true})
	require.Len(t, players, 1)
	assert.Equal(t, 80, players[0].Skeleton[core.JointHead].U)
	assert.Equal(t, 60, players[0].Skeleton[core.JointHead].V)
	assert.Equal(t, 85, players[0].Skeleton[core.JointShoulderCenter].U)
	assert.Equal(t, 82, players[0].Skeleton[core.JointCoM].U)
}

func TestNormalize_ShortJointSlice(t *testing.T) {
	users := []RawUser{{ID: 3, Joints: []RawJoint{joint(0.8, 0, 0, 900)}}}
	players := Normalize(users, Options{Table: testTable})
	require.Len(t, players, 1)
	assert.Len(t, players[0].Skeleton, 2)
}

func withShoulder(id int, z float64) core.Player {
	return core.Player{ID: id, Skeleton: core.Skeleton{
		core.JointShoulderCenter: {U: 1, V: 1, Z: z},
		core.JointCoM:            {U: 1, V: 1, Z: z},
	}}
}

func TestSelect_Closest(t *testing.T) {
	players := []core.Player{withShoulder(1, 3.0), withShoulder(2, 1.2), withShoulder(3, 5.0)}

	p := Select(players, core.ClosestPlayer)
	assert.Equal(t, 2, p.ID)
	assert.InDelta(t, 1.2, p.Skeleton[core.JointShoulderCenter].Z, 1e-9)
}

func TestSelect_ClosestSkipsPlayersWithoutShoulderCenter(t *testing.T) {
	noShoulder := core.Player{ID: 9, Skeleton: core.Skeleton{core.JointCoM: {Z: 0.5}}}
	players := []core.Player{noShoulder, withShoulder(5, 2.5)}

	assert.Equal(t, 5, Select(players, core.ClosestPlayer).ID)
	assert.Equal(t, core.NoPlayer, Select([]core.Player{noShoulder}, core.ClosestPlayer).ID)
}

func TestSelect_ByID(t *testing.T) {
	players := []core.Player{withShoulder(1, 3.0), withShoulder(7, 1.2)}

	assert.Equal(t, 7, Select(players, 7).ID)
	miss := Select(players, 42)
	assert.Equal(t, core.NoPlayer, miss.ID)
	assert.False(t, miss.Found())
	assert.Equal(t, core.NoPlayer, Select(nil, core.ClosestPlayer).ID)
	assert.Equal(t, core.NoPlayer, Select(players, -5).ID)
}

func TestSelect_ReturnsCopy(t *testing.T) {
	players := []core.Player{withShoulder(1, 3.0)}
	p := Select(players, 1)
	p.Skeleton[core.JointHead] = core.Joint{U: 5}
	assert.NotContains(t, players[0].Skeleton, core.JointHead)
}
