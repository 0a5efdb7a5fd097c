package driver

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/golang/geo/r3"

	"github.com/depthwire/kinectwrapper/internal/skeleton"
	"github.com/depthwire/kinectwrapper/pkg/core"
)

const (
	// focal length in pixels at 320x240
	simFocal      = 285.63
	simBackground = 3500
	simFramePace  = 33 * time.Millisecond
)

// standing pose relative to the user origin, millimeters, y up
var simPose = map[string]r3.Vector{
	core.JointHead:           {X: 0, Y: 650, Z: 0},
	core.JointShoulderCenter: {X: 0, Y: 450, Z: 0},
	core.JointShoulderLeft:   {X: -180, Y: 420, Z: 0},
	core.JointShoulderRight:  {X: 180, Y: 420, Z: 0},
	core.JointElbowLeft:      {X: -260, Y: 170, Z: 20},
	core.JointElbowRight:     {X: 260, Y: 170, Z: 20},
	core.JointWristLeft:      {X: -290, Y: -40, Z: 40},
	core.JointWristRight:     {X: 290, Y: -40, Z: 40},
	core.JointHandLeft:       {X: -300, Y: -110, Z: 40},
	core.JointHandRight:      {X: 300, Y: -110, Z: 40},
	core.JointSpine:          {X: 0, Y: 150, Z: 0},
	core.JointHipCenter:      {X: 0, Y: 0, Z: 0},
	core.JointHipLeft:        {X: -100, Y: -30, Z: 0},
	core.JointHipRight:       {X: 100, Y: -30, Z: 0},
	core.JointKneeLeft:       {X: -110, Y: -450, Z: 10},
	core.JointKneeRight:      {X: 110, Y: -450, Z: 10},
	core.JointAnkleLeft:      {X: -110, Y: -850, Z: 0},
	core.JointAnkleRight:     {X: 110, Y: -850, Z: 0},
	core.JointFootLeft:       {X: -120, Y: -900, Z: -80},
	core.JointFootRight:      {X: 120, Y: -900, Z: -80},
}

// SimUser is a synthetic person in front of the simulated sensor.
type SimUser struct {
	ID         int
	Origin     r3.Vector
	Confidence float64
}

// SimConfig configures a Simulated sensor.
type SimConfig struct {
	// Layout is the joint enumeration the sensor reports, by canonical name.
	Layout []string
	Users  []SimUser
	// TimeUnit is the unit of reported timestamps.
	TimeUnit time.Duration
	// AutoTrack reports new users as tracked without StartTracking.
	AutoTrack bool
	// DropEvery makes every n-th Grab report no frame. Zero disables it.
	DropEvery int
	Format    PixelFormat
	ColorW    int
	ColorH    int
}

// Simulated is a deterministic pinhole-camera sensor with synthetic users
// that sway sideways over time.
type Simulated struct {
	cfg SimConfig

	mu       sync.Mutex
	opts     SensorOptions
	open     bool
	frame    int64
	grabbed  bool
	tracking map[int]bool
	fx, cx   float64
	cy       float64
	regist   bool
}

var _ Sensor = (*Simulated)(nil)

// NewSimulated creates a simulated sensor.
func NewSimulated(cfg SimConfig) *Simulated {
	if cfg.TimeUnit == 0 {
		cfg.TimeUnit = time.Millisecond
	}
	if cfg.ColorW == 0 || cfg.ColorH == 0 {
		cfg.ColorW, cfg.ColorH = 640, 480
	}
	return &Simulated{cfg: cfg, tracking: make(map[int]bool)}
}

// NewSimulatedFor returns a simulated sensor shaped like the given driver's
// hardware, with one user standing two meters away.
func NewSimulatedFor(kind Kind) *Simulated {
	user := SimUser{ID: 1, Origin: r3.Vector{Z: 2000}, Confidence: 0.9}
	if kind == KindOpenNI {
		return NewSimulated(SimConfig{
			Layout:   openNIJoints.Names,
			Users:    []SimUser{user},
			TimeUnit: time.Microsecond,
			Format:   FormatRGB,
		})
	}
	user.ID = 0
	return NewSimulated(SimConfig{
		Layout:    sdkJoints.Names,
		Users:     []SimUser{user},
		TimeUnit:  time.Millisecond,
		AutoTrack: true,
		Format:    FormatBGRA,
	})
}

func (s *Simulated) Open(opts SensorOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open {
		return fmt.Errorf("simulated sensor already open")
	}
	if opts.DepthWidth <= 0 || opts.DepthHeight <= 0 {
		return fmt.Errorf("invalid depth size %dx%d", opts.DepthWidth, opts.DepthHeight)
	}
	s.opts = opts
	s.open = true
	s.fx = simFocal * float64(opts.DepthWidth) / core.DepthWidth
	s.cx = float64(opts.DepthWidth) / 2
	s.cy = float64(opts.DepthHeight) / 2
	s.regist = opts.Registration
	return nil
}

func (s *Simulated) Grab() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return ErrNotOpen
	}
	s.frame++
	if s.cfg.DropEvery > 0 && s.frame%int64(s.cfg.DropEvery) == 0 {
		s.grabbed = false
		return ErrNoFrame
	}
	s.grabbed = true
	return nil
}

func (s *Simulated) timestamp() int64 {
	return int64(time.Duration(s.frame) * simFramePace / s.cfg.TimeUnit)
}

// jointPositions returns the current millimeter position of every pose joint of u.
func (s *Simulated) jointPositions(u SimUser) map[string]r3.Vector {
	sway := 150 * math.Sin(float64(s.frame)/15)
	out := make(map[string]r3.Vector, len(simPose))
	for name, off := range simPose {
		out[name] = u.Origin.Add(off).Add(r3.Vector{X: sway})
	}
	return out
}

func (s *Simulated) Depth() (DepthImage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.grabbed {
		return DepthImage{}, ErrNoFrame
	}
	w, h := s.opts.DepthWidth, s.opts.DepthHeight
	img := DepthImage{
		Width:     w,
		Height:    h,
		Depth:     make([]uint16, w*h),
		Labels:    make([]uint8, w*h),
		Timestamp: s.timestamp(),
	}
	for i := range img.Depth {
		img.Depth[i] = simBackground
	}
	radius := 8 * w / core.DepthWidth
	for i, u := range s.cfg.Users {
		label := uint8(i%7 + 1)
		for _, p := range s.jointPositions(u) {
			pu, pv := s.worldToImage(p)
			s.disc(img, int(pu), int(pv), radius, uint16(p.Z), label)
		}
	}
	return img, nil
}

func (s *Simulated) disc(img DepthImage, cu, cv, r int, depth uint16, label uint8) {
	for y := cv - r; y <= cv+r; y++ {
		if y < 0 || y >= img.Height {
			continue
		}
		for x := cu - r; x <= cu+r; x++ {
			if x < 0 || x >= img.Width || (x-cu)*(x-cu)+(y-cv)*(y-cv) > r*r {
				continue
			}
			i := y*img.Width + x
			if depth < img.Depth[i] {
				img.Depth[i] = depth
				img.Labels[i] = label
			}
		}
	}
}

func (s *Simulated) Color() (ColorImage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.grabbed {
		return ColorImage{}, ErrNoFrame
	}
	if !s.opts.Color {
		return ColorImage{}, ErrUnsupported
	}
	w, h := s.cfg.ColorW, s.cfg.ColorH
	bpp := 3
	if s.cfg.Format == FormatBGRA {
		bpp = 4
	}
	img := ColorImage{Width: w, Height: h, Format: s.cfg.Format, Pix: make([]uint8, w*h*bpp), Timestamp: s.timestamp()}
	shift := uint8(s.frame)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := (y*w + x) * bpp
			r, g, b := uint8(x*255/w)+shift, uint8(y*255/h), uint8(128)
			if s.cfg.Format == FormatBGRA {
				img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = b, g, r, 0xFF
			} else {
				img.Pix[i], img.Pix[i+1], img.Pix[i+2] = r, g, b
			}
		}
	}
	return img, nil
}

func (s *Simulated) Users() (UserFrame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.grabbed {
		return UserFrame{}, ErrNoFrame
	}
	if !s.opts.Tracking {
		return UserFrame{}, ErrUnsupported
	}
	frame := UserFrame{Timestamp: s.timestamp()}
	for _, u := range s.cfg.Users {
		su := SensorUser{ID: u.ID, State: UserNew}
		if s.cfg.AutoTrack || s.tracking[u.ID] {
			su.State = UserTracked
			pos := s.jointPositions(u)
			su.Joints = make([]skeleton.RawJoint, len(s.cfg.Layout))
			for i, name := range s.cfg.Layout {
				if p, ok := pos[name]; ok {
					su.Joints[i] = skeleton.RawJoint{Confidence: u.Confidence, Position: p}
				}
			}
		}
		frame.Users = append(frame.Users, su)
	}
	return frame, nil
}

func (s *Simulated) StartTracking(userID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracking[userID] = true
	return nil
}

func (s *Simulated) worldToImage(p r3.Vector) (float64, float64) {
	if p.Z <= 0 {
		return 0, 0
	}
	return s.cx + s.fx*p.X/p.Z, s.cy - s.fx*p.Y/p.Z
}

func (s *Simulated) WorldToImage(p r3.Vector) (float64, float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.worldToImage(p)
}

func (s *Simulated) ImageToWorld(u, v float64, depthMm uint16) r3.Vector {
	s.mu.Lock()
	defer s.mu.Unlock()
	z := float64(depthMm)
	return r3.Vector{X: (u - s.cx) * z / s.fx, Y: (s.cy - v) * z / s.fx, Z: z}
}

func (s *Simulated) SupportsRegistration() bool { return true }

// Registered reports whether depth-to-color registration was requested.
func (s *Simulated) Registered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.regist
}

func (s *Simulated) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = false
	s.grabbed = false
	return nil
}
