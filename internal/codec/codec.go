// Package codec packs depth and player labels into 16-bit words and converts
// packed depth frames into the derived views served to consumers.
//
// A packed word keeps depth in millimeters in its upper 13 bits and the
// player label in its lower 3 bits. Depth of 8192 mm or more does not fit
// and wraps modulo 8192.
package codec

import (
	"fmt"

	"github.com/depthwire/kinectwrapper/pkg/core"
)

const (
	depthMask = 0xFFF8
	labelMask = 0x7

	// MaxDepth is the largest depth in millimeters a packed word can hold.
	MaxDepth = 8191
)

// Encode packs depth (mm) and a player label into one word.
func Encode(depthMm uint16, label uint8) uint16 {
	return ((depthMm << 3) & depthMask) | (uint16(label) & labelMask)
}

// DecodeDepth extracts the depth in millimeters.
func DecodeDepth(w uint16) uint16 {
	return (w & depthMask) >> 3
}

// DecodePlayer extracts the player label.
func DecodePlayer(w uint16) uint8 {
	return uint8(w & labelMask)
}

// NormalizedFloat maps the depth bits of w onto [0,1]. The divisor is the
// depth mask itself, so full scale is 8184 mm rather than 8191 mm.
func NormalizedFloat(w uint16) float32 {
	return float32(w&depthMask) / float32(depthMask)
}

// Pack builds a frame from parallel depth and label buffers. labels may be nil.
func Pack(depth []uint16, labels []uint8, width, height int) (core.DepthFrame, error) {
	n := width * height
	if len(depth) < n {
		return core.DepthFrame{}, fmt.Errorf("depth buffer has %d pixels, want %d", len(depth), n)
	}
	if labels != nil && len(labels) < n {
		return core.DepthFrame{}, fmt.Errorf("label buffer has %d pixels, want %d", len(labels), n)
	}
	f := core.NewDepthFrame(width, height)
	for i := 0; i < n; i++ {
		var l uint8
		if labels != nil {
			l = labels[i]
		}
		f.Pix[i] = Encode(depth[i], l)
	}
	return f, nil
}

// Downsample decimates src to dstW x dstH by stepping the integer ratio
// between the two sizes. Destination (x,y) takes source pixel
// (x*step+step-1, y*step+step-1), the odd pixels for a factor of two.
// Pixels are never averaged. A frame already at the target size is copied.
func Downsample(src core.DepthFrame, dstW, dstH int) (core.DepthFrame, error) {
	if src.Width == dstW && src.Height == dstH {
		return src.Clone(), nil
	}
	if dstW <= 0 || dstH <= 0 || src.Width%dstW != 0 || src.Height%dstH != 0 {
		return core.DepthFrame{}, fmt.Errorf("cannot decimate %dx%d to %dx%d", src.Width, src.Height, dstW, dstH)
	}
	sx, sy := src.Width/dstW, src.Height/dstH
	if sx != sy {
		return core.DepthFrame{}, fmt.Errorf("non-uniform decimation %dx%d", sx, sy)
	}
	dst := core.NewDepthFrame(dstW, dstH)
	for y := 0; y < dstH; y++ {
		row := (y*sy + sy - 1) * src.Width
		for x := 0; x < dstW; x++ {
			dst.Pix[y*dstW+x] = src.Pix[row+x*sx+sx-1]
		}
	}
	return dst, nil
}

// Depth decodes every word into millimeters.
func Depth(f core.DepthFrame) core.DepthMap {
	m := core.DepthMap{Width: f.Width, Height: f.Height, Pix: make([]uint16, len(f.Pix))}
	for i, w := range f.Pix {
		m.Pix[i] = DecodeDepth(w)
	}
	return m
}

// Float converts every word with NormalizedFloat.
func Float(f core.DepthFrame) core.FloatDepth {
	m := core.FloatDepth{Width: f.Width, Height: f.Height, Pix: make([]float32, len(f.Pix))}
	for i, w := range f.Pix {
		m.Pix[i] = NormalizedFloat(w)
	}
	return m
}

// Players extracts the label of every pixel as a Height x Width matrix.
func Players(f core.DepthFrame) core.PlayerMatrix {
	m := core.PlayerMatrix{Rows: f.Height, Cols: f.Width, Cells: make([]uint8, len(f.Pix))}
	for i, w := range f.Pix {
		m.Cells[i] = DecodePlayer(w)
	}
	return m
}

// DepthAndPlayers splits a frame into its depth and label views in one pass.
func DepthAndPlayers(f core.DepthFrame) (core.DepthMap, core.PlayerMatrix) {
	d := core.DepthMap{Width: f.Width, Height: f.Height, Pix: make([]uint16, len(f.Pix))}
	p := core.PlayerMatrix{Rows: f.Height, Cols: f.Width, Cells: make([]uint8, len(f.Pix))}
	for i, w := range f.Pix {
		d.Pix[i] = DecodeDepth(w)
		p.Cells[i] = DecodePlayer(w)
	}
	return d, p
}

// DisplayDepth rescales a depth map so its farthest pixel maps to 255.
// An all-zero map stays zero.
func DisplayDepth(m core.DepthMap) core.FloatDepth {
	out := core.FloatDepth{Width: m.Width, Height: m.Height, Pix: make([]float32, len(m.Pix))}
	var maxDepth uint16
	for _, d := range m.Pix {
		if d > maxDepth {
			maxDepth = d
		}
	}
	if maxDepth == 0 {
		return out
	}
	for i, d := range m.Pix {
		out.Pix[i] = float32(d) * 255 / float32(maxDepth)
	}
	return out
}
