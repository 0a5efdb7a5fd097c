package driver

import (
	"fmt"
	"image"
	"log/slog"
	"sync"

	"github.com/golang/geo/r3"
	"golang.org/x/image/draw"

	"github.com/depthwire/kinectwrapper/internal/codec"
	"github.com/depthwire/kinectwrapper/internal/skeleton"
	"github.com/depthwire/kinectwrapper/pkg/core"
)

// profile captures what differs between driver variants.
type profile struct {
	traits Traits
	table  skeleton.JointTable
	// native depth resolution for a device kind
	nativeDepth func(core.DeviceKind) (int, int)
	// sensor timestamp units to seconds
	timeScale float64
}

// base implements the parts shared by every variant.
type base struct {
	prof   profile
	sensor Sensor
	logger *slog.Logger

	mu     sync.Mutex
	cfg    Config
	open   bool
	nw, nh int
}

// Option configures a driver variant.
type Option func(*base)

// WithLogger sets the logger of the driver. The default is slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(b *base) {
		if l != nil {
			b.logger = l
		}
	}
}

func (b *base) apply(opts []Option) {
	b.logger = slog.Default()
	for _, o := range opts {
		o(b)
	}
}

func (b *base) Traits() Traits { return b.prof.traits }

func (b *base) Initialize(cfg Config) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.open {
		return fmt.Errorf("%s: already initialized", b.prof.traits.Name)
	}
	if cfg.ImgWidth <= 0 || cfg.ImgHeight <= 0 {
		return fmt.Errorf("%s: invalid image size %dx%d", b.prof.traits.Name, cfg.ImgWidth, cfg.ImgHeight)
	}
	if cfg.Device == "" {
		cfg.Device = core.DeviceKinect
	}
	if cfg.Seated && !b.prof.traits.SupportsSeated {
		cfg.Seated = false
	}

	b.nw, b.nh = b.prof.nativeDepth(cfg.Device)
	opts := SensorOptions{
		DepthWidth:   b.nw,
		DepthHeight:  b.nh,
		Color:        cfg.Mode.HasColor(),
		Tracking:     cfg.Mode.NeedsTracking(),
		Seated:       cfg.Seated,
		Registration: cfg.Remap && b.sensor.SupportsRegistration(),
	}
	if err := b.sensor.Open(opts); err != nil {
		return fmt.Errorf("%s: open sensor: %w", b.prof.traits.Name, err)
	}
	b.cfg = cfg
	b.open = true
	return nil
}

func (b *base) config() (Config, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg, b.open
}

// halved reports whether native coordinates are twice the published ones.
func (b *base) halved() bool {
	return b.nw == 2*core.DepthWidth && b.nh == 2*core.DepthHeight
}

func (b *base) seconds(ts int64) float64 {
	return float64(ts) * b.prof.timeScale
}

func (b *base) Update() error {
	if _, ok := b.config(); !ok {
		return ErrNotOpen
	}
	return b.sensor.Grab()
}

func (b *base) ReadDepth() (core.DepthFrame, float64, error) {
	cfg, ok := b.config()
	if !ok {
		return core.DepthFrame{}, 0, ErrNotOpen
	}
	img, err := b.sensor.Depth()
	if err != nil {
		return core.DepthFrame{}, 0, err
	}
	var labels []uint8
	if cfg.Mode.HasPlayers() {
		labels = img.Labels
	}
	f, err := codec.Pack(img.Depth, labels, img.Width, img.Height)
	if err != nil {
		return core.DepthFrame{}, 0, err
	}
	f, err = codec.Downsample(f, core.DepthWidth, core.DepthHeight)
	if err != nil {
		return core.DepthFrame{}, 0, err
	}
	return f, b.seconds(img.Timestamp), nil
}

func (b *base) ReadColor() (core.ColorFrame, float64, error) {
	cfg, ok := b.config()
	if !ok {
		return core.ColorFrame{}, 0, ErrNotOpen
	}
	if !cfg.Mode.HasColor() {
		return core.ColorFrame{}, 0, ErrUnsupported
	}
	img, err := b.sensor.Color()
	if err != nil {
		return core.ColorFrame{}, 0, err
	}
	rgba, err := toRGBA(img)
	if err != nil {
		return core.ColorFrame{}, 0, err
	}
	return resizeRGB(rgba, cfg.ImgWidth, cfg.ImgHeight), b.seconds(img.Timestamp), nil
}

// normalize runs the skeleton normalizer with this driver's table and projection.
func (b *base) normalize(users []skeleton.RawUser, cfg Config) []core.Player {
	return skeleton.Normalize(users, skeleton.Options{
		Table:     b.prof.table,
		Seated:    cfg.Seated,
		Projector: b.sensor,
		Halve:     b.halved(),
	})
}

func (b *base) Project(u, v int, depthMm uint16) (r3.Vector, error) {
	if _, ok := b.config(); !ok {
		return r3.Vector{}, ErrNotOpen
	}
	if u < 0 || v < 0 || u >= core.DepthWidth || v >= core.DepthHeight {
		return r3.Vector{}, fmt.Errorf("pixel (%d,%d) outside %dx%d", u, v, core.DepthWidth, core.DepthHeight)
	}
	nu, nv := float64(u), float64(v)
	if b.halved() {
		nu, nv = 2*nu, 2*nv
	}
	return b.sensor.ImageToWorld(nu, nv, depthMm).Mul(1.0 / 1000), nil
}

func (b *base) Close() error {
	b.mu.Lock()
	if !b.open {
		b.mu.Unlock()
		return nil
	}
	b.open = false
	b.mu.Unlock()
	return b.sensor.Close()
}

// toRGBA converts a raw color image to RGBA, swapping channels for BGRA input.
func toRGBA(img ColorImage) (*image.RGBA, error) {
	out := image.NewRGBA(image.Rect(0, 0, img.Width, img.Height))
	n := img.Width * img.Height
	switch img.Format {
	case FormatRGB:
		if len(img.Pix) < 3*n {
			return nil, fmt.Errorf("rgb image has %d bytes for %dx%d", len(img.Pix), img.Width, img.Height)
		}
		for i := 0; i < n; i++ {
			out.Pix[4*i] = img.Pix[3*i]
			out.Pix[4*i+1] = img.Pix[3*i+1]
			out.Pix[4*i+2] = img.Pix[3*i+2]
			out.Pix[4*i+3] = 0xFF
		}
	case FormatBGRA:
		if len(img.Pix) < 4*n {
			return nil, fmt.Errorf("bgra image has %d bytes for %dx%d", len(img.Pix), img.Width, img.Height)
		}
		for i := 0; i < n; i++ {
			out.Pix[4*i] = img.Pix[4*i+2]
			out.Pix[4*i+1] = img.Pix[4*i+1]
			out.Pix[4*i+2] = img.Pix[4*i]
			out.Pix[4*i+3] = 0xFF
		}
	default:
		return nil, fmt.Errorf("unknown pixel format %d", img.Format)
	}
	return out, nil
}

// resizeRGB scales src bilinearly to w x h and drops alpha.
func resizeRGB(src *image.RGBA, w, h int) core.ColorFrame {
	dst := src
	if src.Bounds().Dx() != w || src.Bounds().Dy() != h {
		dst = image.NewRGBA(image.Rect(0, 0, w, h))
		draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	}
	f := core.NewColorFrame(w, h)
	for i := 0; i < w*h; i++ {
		f.Pix[3*i] = dst.Pix[4*i]
		f.Pix[3*i+1] = dst.Pix[4*i+1]
		f.Pix[3*i+2] = dst.Pix[4*i+2]
	}
	return f
}
