package streaming

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/depthwire/kinectwrapper/pkg/core"
)

// Message type constants matching the streaming protocol.
const (
	TypeDepth   = "depth"
	TypeColor   = "color"
	TypeJoints  = "joints"
	TypeRequest = "request"
	TypeReply   = "reply"
)

// Port suffixes appended to a server name.
const (
	SuffixDepth  = "/depth:o"
	SuffixImage  = "/image:o"
	SuffixJoints = "/joints:o"
	SuffixRPC    = "/rpc"
)

// Command and reply tags of the rpc port.
const (
	CmdPing  = "ping"
	CmdGet3D = "get3D"
	TagAck   = "ack"
	TagNack  = "nack"
	TagNull  = "null"

	TagSeated  = "seated"
	TagDrawAll = "drawAll"
)

// PortName joins a server name and a port suffix.
func PortName(name, suffix string) string {
	return name + suffix
}

// Envelope wraps every message on the wire. Stamp is the out-of-band
// timestamp of a frame; ID correlates rpc requests with replies and ReplyTo
// names the reply destination on carriers without connections.
type Envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	ReplyTo string          `json:"replyTo,omitempty"`
	Stamp   core.Stamp      `json:"stamp"`
	Payload json.RawMessage `json:"payload"`
}

// NewEnvelope marshals v as the payload of a new envelope.
func NewEnvelope(typ string, st core.Stamp, v any) (Envelope, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return Envelope{Type: typ, Stamp: st, Payload: raw}, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// DepthPayload carries a packed depth frame as little-endian 16-bit words.
type DepthPayload struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Data   []byte `json:"data"`
}

// NewDepthPayload serializes a packed frame.
func NewDepthPayload(f core.DepthFrame) DepthPayload {
	data := make([]byte, 2*len(f.Pix))
	for i, w := range f.Pix {
		binary.LittleEndian.PutUint16(data[2*i:], w)
	}
	return DepthPayload{Width: f.Width, Height: f.Height, Data: data}
}

// Frame rebuilds the packed frame.
func (p DepthPayload) Frame() (core.DepthFrame, error) {
	n := p.Width * p.Height
	if n < 0 || len(p.Data) != 2*n {
		return core.DepthFrame{}, fmt.Errorf("depth payload has %d bytes for %dx%d", len(p.Data), p.Width, p.Height)
	}
	f := core.NewDepthFrame(p.Width, p.Height)
	for i := range f.Pix {
		f.Pix[i] = binary.LittleEndian.Uint16(p.Data[2*i:])
	}
	return f, nil
}

// ColorPayload carries an RGB frame.
type ColorPayload = core.ColorFrame

// Player is the wire form of a core.Player:
// [ID, [name, [u, v, x, y, z]], ...].
type Player core.Player

// MarshalJSON implements json.Marshaler.
func (p Player) MarshalJSON() ([]byte, error) {
	out := make([]any, 0, len(p.Skeleton)+1)
	out = append(out, p.ID)
	for _, name := range sortedJointNames(p.Skeleton) {
		j := p.Skeleton[name]
		out = append(out, []any{name, []any{j.U, j.V, j.X, j.Y, j.Z}})
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *Player) UnmarshalJSON(b []byte) error {
	var items []json.RawMessage
	if err := json.Unmarshal(b, &items); err != nil {
		return err
	}
	if len(items) == 0 {
		return fmt.Errorf("empty player")
	}
	var id int
	if err := json.Unmarshal(items[0], &id); err != nil {
		return fmt.Errorf("player id: %w", err)
	}
	sk := make(core.Skeleton, len(items)-1)
	for _, item := range items[1:] {
		var pair [2]json.RawMessage
		if err := json.Unmarshal(item, &pair); err != nil {
			return fmt.Errorf("joint entry: %w", err)
		}
		var name string
		if err := json.Unmarshal(pair[0], &name); err != nil {
			return fmt.Errorf("joint name: %w", err)
		}
		var vals []float64
		if err := json.Unmarshal(pair[1], &vals); err != nil {
			return fmt.Errorf("joint %s: %w", name, err)
		}
		if len(vals) != 5 {
			return fmt.Errorf("joint %s has %d values, want 5", name, len(vals))
		}
		sk[name] = core.Joint{U: int(vals[0]), V: int(vals[1]), X: vals[2], Y: vals[3], Z: vals[4]}
	}
	p.ID = id
	p.Skeleton = sk
	return nil
}

// JointsPayload is the list of tracked players of one tick.
type JointsPayload []Player

// NewJointsPayload converts players to their wire form.
func NewJointsPayload(players []core.Player) JointsPayload {
	out := make(JointsPayload, len(players))
	for i, p := range players {
		out[i] = Player(p)
	}
	return out
}

// Players converts back to core players.
func (j JointsPayload) Players() []core.Player {
	out := make([]core.Player, len(j))
	for i, p := range j {
		out[i] = core.Player(p)
	}
	return out
}

func sortedJointNames(sk core.Skeleton) []string {
	names := make([]string, 0, len(sk))
	for k := range sk {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
