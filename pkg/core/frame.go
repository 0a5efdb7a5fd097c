// pkg/core/frame.go
package core

// Canonical publish resolution of depth frames.
const (
	DepthWidth  = 320
	DepthHeight = 240
)

// Stamp is the envelope metadata attached to every published frame.
// Time is the device clock normalized to seconds.
type Stamp struct {
	Seq  uint64  `json:"seq"`
	Time float64 `json:"time"`
}

// DepthFrame is a grid of packed 16-bit words: the upper 13 bits hold depth
// in millimeters, the lower 3 bits the player label.
type DepthFrame struct {
	Width  int      `json:"width"`
	Height int      `json:"height"`
	Pix    []uint16 `json:"pix"`
}

// NewDepthFrame allocates a zeroed frame.
func NewDepthFrame(width, height int) DepthFrame {
	return DepthFrame{Width: width, Height: height, Pix: make([]uint16, width*height)}
}

// At returns the packed word at (u,v) and false when out of bounds.
func (f DepthFrame) At(u, v int) (uint16, bool) {
	if u < 0 || v < 0 || u >= f.Width || v >= f.Height || len(f.Pix) < f.Width*f.Height {
		return 0, false
	}
	return f.Pix[v*f.Width+u], true
}

// Clone returns a frame with its own pixel buffer.
func (f DepthFrame) Clone() DepthFrame {
	out := DepthFrame{Width: f.Width, Height: f.Height}
	if f.Pix != nil {
		out.Pix = append([]uint16(nil), f.Pix...)
	}
	return out
}

// Empty reports whether the frame holds no pixels.
func (f DepthFrame) Empty() bool {
	return len(f.Pix) == 0
}

// DepthMap holds decoded depth in millimeters.
type DepthMap struct {
	Width  int
	Height int
	Pix    []uint16
}

// At returns the depth at (u,v) in millimeters.
func (m DepthMap) At(u, v int) uint16 {
	return m.Pix[v*m.Width+u]
}

// FloatDepth holds depth scaled to a float per pixel.
type FloatDepth struct {
	Width  int
	Height int
	Pix    []float32
}

// ColorFrame is an RGB image, three bytes per pixel.
type ColorFrame struct {
	Width  int     `json:"width"`
	Height int     `json:"height"`
	Pix    []uint8 `json:"pix"`
}

// NewColorFrame allocates a black frame.
func NewColorFrame(width, height int) ColorFrame {
	return ColorFrame{Width: width, Height: height, Pix: make([]uint8, width*height*3)}
}

// Clone returns a frame with its own pixel buffer.
func (f ColorFrame) Clone() ColorFrame {
	out := ColorFrame{Width: f.Width, Height: f.Height}
	if f.Pix != nil {
		out.Pix = append([]uint8(nil), f.Pix...)
	}
	return out
}

// PlayerMatrix holds the player label of every depth pixel, row major.
type PlayerMatrix struct {
	Rows  int
	Cols  int
	Cells []uint8
}

// At returns the label at row r, column c.
func (m PlayerMatrix) At(r, c int) uint8 {
	return m.Cells[r*m.Cols+c]
}
