// Package render turns the client-side views into displayable images: a
// palette-colored player mask, a stick-figure skeleton overlay and a
// grayscale depth image.
package render

import (
	"image"
	"image/color"
	"image/draw"
	"math"

	"github.com/depthwire/kinectwrapper/pkg/core"
	"golang.org/x/image/vector"
)

// JointRadius is the radius in pixels of the dot drawn at every joint.
const JointRadius = 5

const limbWidth = 2

var (
	jointColor = color.RGBA{R: 255, A: 255}
	limbColor  = color.RGBA{G: 255, A: 255}
	background = color.RGBA{A: 255}
)

// Palette colors player labels 1..6. Any other label is drawn black.
var Palette = map[uint8]color.RGBA{
	1: {R: 255, A: 255},
	2: {G: 255, A: 255},
	3: {B: 255, A: 255},
	4: {R: 255, G: 255, A: 255},
	5: {G: 255, B: 255, A: 255},
	6: {R: 255, B: 255, A: 255},
}

// Style selects the limb set of the skeleton overlay.
type Style struct {
	Seated  bool
	DrawAll bool
}

type limb struct {
	a, b string
}

var (
	headLimbs = []limb{
		{core.JointHead, core.JointShoulderCenter},
	}
	fullArmLimbs = []limb{
		{core.JointHandRight, core.JointWristRight},
		{core.JointWristRight, core.JointElbowRight},
		{core.JointElbowLeft, core.JointWristLeft},
		{core.JointWristLeft, core.JointHandLeft},
	}
	shortArmLimbs = []limb{
		{core.JointHandRight, core.JointElbowRight},
		{core.JointHandLeft, core.JointElbowLeft},
	}
	shoulderLimbs = []limb{
		{core.JointElbowRight, core.JointShoulderRight},
		{core.JointShoulderRight, core.JointShoulderCenter},
		{core.JointShoulderCenter, core.JointShoulderLeft},
		{core.JointShoulderLeft, core.JointElbowLeft},
	}
	trunkLimbs = []limb{
		{core.JointShoulderCenter, core.JointSpine},
		{core.JointHipRight, core.JointKneeRight},
		{core.JointHipLeft, core.JointKneeLeft},
	}
	fullLegLimbs = []limb{
		{core.JointSpine, core.JointHipCenter},
		{core.JointHipCenter, core.JointHipRight},
		{core.JointHipCenter, core.JointHipLeft},
		{core.JointKneeRight, core.JointAnkleRight},
		{core.JointAnkleRight, core.JointFootRight},
		{core.JointKneeLeft, core.JointAnkleLeft},
		{core.JointAnkleLeft, core.JointFootLeft},
	}
	shortLegLimbs = []limb{
		{core.JointSpine, core.JointHipRight},
		{core.JointSpine, core.JointHipLeft},
		{core.JointKneeRight, core.JointFootRight},
		{core.JointKneeLeft, core.JointFootLeft},
	}
)

// limbs returns the joint pairs connected for the given style.
func limbs(s Style) []limb {
	out := append([]limb(nil), headLimbs...)
	if s.DrawAll {
		out = append(out, fullArmLimbs...)
	} else {
		out = append(out, shortArmLimbs...)
	}
	out = append(out, shoulderLimbs...)
	if s.Seated {
		return out
	}
	out = append(out, trunkLimbs...)
	if s.DrawAll {
		out = append(out, fullLegLimbs...)
	} else {
		out = append(out, shortLegLimbs...)
	}
	return out
}

// Players colors every cell of the label matrix with the palette.
func Players(m core.PlayerMatrix) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, m.Cols, m.Rows))
	for r := 0; r < m.Rows; r++ {
		for c := 0; c < m.Cols; c++ {
			col, ok := Palette[m.At(r, c)]
			if !ok {
				col = background
			}
			img.SetRGBA(c, r, col)
		}
	}
	return img
}

// Skeleton draws every player on a black canvas of the canonical depth size.
// Joints are red dots; limbs are green segments drawn only when both ends
// are tracked. The center of mass is not drawn.
func Skeleton(players []core.Player, s Style) *image.RGBA {
	return skeletons(players, s, false)
}

// Player draws a single player like Skeleton and also marks its center of
// mass. A player that was not found yields a black canvas.
func Player(p core.Player, s Style) *image.RGBA {
	if !p.Found() {
		return skeletons(nil, s, true)
	}
	return skeletons([]core.Player{p}, s, true)
}

func skeletons(players []core.Player, s Style, withCoM bool) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, core.DepthWidth, core.DepthHeight))
	draw.Draw(img, img.Bounds(), image.NewUniform(background), image.Point{}, draw.Src)

	r := vector.NewRasterizer(core.DepthWidth, core.DepthHeight)
	pairs := limbs(s)
	for _, p := range players {
		for name, j := range p.Skeleton {
			if (name == core.JointCoM && !withCoM) || j.U == 0 || j.V == 0 {
				continue
			}
			r.Reset(core.DepthWidth, core.DepthHeight)
			dot(r, float32(j.U), float32(j.V), JointRadius)
			r.Draw(img, img.Bounds(), image.NewUniform(jointColor), image.Point{})
		}
		for _, l := range pairs {
			a, okA := p.Skeleton[l.a]
			b, okB := p.Skeleton[l.b]
			if !okA || !okB || !a.Tracked() || !b.Tracked() {
				continue
			}
			r.Reset(core.DepthWidth, core.DepthHeight)
			segment(r, float32(a.U), float32(a.V), float32(b.U), float32(b.V), limbWidth)
			r.Draw(img, img.Bounds(), image.NewUniform(limbColor), image.Point{})
		}
	}
	return img
}

// Depth converts a display-scaled depth view (0..255) into a gray image.
func Depth(f core.FloatDepth) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, f.Width, f.Height))
	for i, d := range f.Pix {
		switch {
		case d <= 0:
			img.Pix[i] = 0
		case d >= 255:
			img.Pix[i] = 255
		default:
			img.Pix[i] = uint8(d + 0.5)
		}
	}
	return img
}

// dot adds a filled disc centered on the pixel (x,y).
func dot(r *vector.Rasterizer, x, y, radius float32) {
	const steps = 32
	cx, cy := x+0.5, y+0.5
	r.MoveTo(cx+radius, cy)
	for i := 1; i < steps; i++ {
		a := 2 * math.Pi * float64(i) / steps
		r.LineTo(cx+radius*float32(math.Cos(a)), cy+radius*float32(math.Sin(a)))
	}
	r.ClosePath()
}

// segment adds a quad of the given width joining the pixel centers of two points.
func segment(r *vector.Rasterizer, x0, y0, x1, y1, width float32) {
	x0, y0, x1, y1 = x0+0.5, y0+0.5, x1+0.5, y1+0.5
	dx, dy := x1-x0, y1-y0
	n := float32(math.Hypot(float64(dx), float64(dy)))
	if n == 0 {
		return
	}
	ox, oy := -dy/n*width/2, dx/n*width/2
	r.MoveTo(x0+ox, y0+oy)
	r.LineTo(x1+ox, y1+oy)
	r.LineTo(x1-ox, y1-oy)
	r.LineTo(x0-ox, y0-oy)
	r.ClosePath()
}
