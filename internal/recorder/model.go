package recorder

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"

	"github.com/depthwire/kinectwrapper/pkg/core"
)

// Session is one server run.
type Session struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	Server    string    `gorm:"size:64;index" json:"server"`
	Mode      string    `gorm:"size:32" json:"mode"`
	Driver    string    `gorm:"size:16" json:"driver"`
	StartedAt time.Time `json:"startedAt"`
}

// SkeletonRecord stores one player of one tick.
type SkeletonRecord struct {
	ID         uint           `gorm:"primarykey" json:"id"`
	SessionID  uint           `gorm:"index:idx_session_seq" json:"sessionId"`
	Seq        uint64         `gorm:"index:idx_session_seq" json:"seq"`
	DeviceTime float64        `json:"deviceTime"`
	CapturedAt time.Time      `json:"capturedAt"`
	PlayerID   int            `gorm:"index" json:"playerId"`
	Joints     datatypes.JSON `json:"joints"`
}

// jointRow is the JSON form of one joint inside SkeletonRecord.Joints.
type jointRow struct {
	U int     `json:"u"`
	V int     `json:"v"`
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Models lists the tables migrated by Open.
var Models = []any{&Session{}, &SkeletonRecord{}}

func jointsToJSON(sk core.Skeleton) (datatypes.JSON, error) {
	rows := make(map[string]jointRow, len(sk))
	for name, j := range sk {
		rows[name] = jointRow{U: j.U, V: j.V, X: j.X, Y: j.Y, Z: j.Z}
	}
	b, err := json.Marshal(rows)
	if err != nil {
		return nil, fmt.Errorf("encoding joints: %w", err)
	}
	return datatypes.JSON(b), nil
}

// Skeleton decodes the stored joints.
func (r SkeletonRecord) Skeleton() (core.Skeleton, error) {
	var rows map[string]jointRow
	if err := json.Unmarshal(r.Joints, &rows); err != nil {
		return nil, fmt.Errorf("decoding joints of record %d: %w", r.ID, err)
	}
	sk := make(core.Skeleton, len(rows))
	for name, j := range rows {
		sk[name] = core.Joint{U: j.U, V: j.V, X: j.X, Y: j.Y, Z: j.Z}
	}
	return sk, nil
}

// recordsFrom flattens a sample into one record per player.
func recordsFrom(sessionID uint, s core.PlayersSample) ([]SkeletonRecord, error) {
	out := make([]SkeletonRecord, 0, len(s.Players))
	for _, p := range s.Players {
		joints, err := jointsToJSON(p.Skeleton)
		if err != nil {
			return nil, err
		}
		out = append(out, SkeletonRecord{
			SessionID:  sessionID,
			Seq:        s.Stamp.Seq,
			DeviceTime: s.Stamp.Time,
			CapturedAt: s.At,
			PlayerID:   p.ID,
			Joints:     joints,
		})
	}
	return out, nil
}
