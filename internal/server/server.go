// Package server runs the acquisition loop of a depth-camera server: it
// polls a driver at a fixed period, keeps the latest frames in a store,
// publishes them on streaming outlets and answers rpc queries.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/depthwire/kinectwrapper/internal/dispatcher"
	"github.com/depthwire/kinectwrapper/internal/driver"
	"github.com/depthwire/kinectwrapper/internal/framestore"
	"github.com/depthwire/kinectwrapper/internal/transport"
	"github.com/depthwire/kinectwrapper/pkg/core"
	"github.com/depthwire/kinectwrapper/pkg/streaming"
)

// DefaultPeriod is the acquisition period used when Config.Period is unset.
const DefaultPeriod = 20 * time.Millisecond

// Sink commands dispatched after each tick when a handler is registered.
const (
	CmdPlayers = "players"
	CmdTick    = "tick"
)

// Errors returned by Open.
var (
	ErrMissingName = errors.New("server name is required")
	ErrAlreadyOpen = errors.New("server already open")
	ErrClosed      = errors.New("server closed")
)

// Config is the acquisition setup of one server.
type Config struct {
	Name      string
	Period    time.Duration
	Mode      core.InfoMode
	ImgWidth  int
	ImgHeight int
	Seated    bool
	Remap     bool
	Device    core.DeviceKind
}

func (c *Config) applyDefaults() error {
	if c.Name == "" {
		return ErrMissingName
	}
	if c.Period <= 0 {
		c.Period = DefaultPeriod
	}
	if c.Mode == "" {
		c.Mode = core.InfoAll
	}
	if _, err := core.ParseInfoMode(string(c.Mode)); err != nil {
		return err
	}
	if c.ImgWidth == 0 && c.ImgHeight == 0 {
		c.ImgWidth, c.ImgHeight = core.DepthWidth, core.DepthHeight
	}
	if c.Device == "" {
		c.Device = core.DeviceKinect
	}
	return nil
}

type outlets struct {
	depth  transport.Outlet
	color  transport.Outlet
	joints transport.Outlet
	rpc    io.Closer
}

func (o outlets) close() error {
	var errs []error
	for _, out := range []transport.Outlet{o.depth, o.color, o.joints} {
		if out != nil {
			errs = append(errs, out.Close())
		}
	}
	if o.rpc != nil {
		errs = append(errs, o.rpc.Close())
	}
	return errors.Join(errs...)
}

// Server owns a driver, a carrier and the acquisition loop.
type Server struct {
	drv     driver.Driver
	carrier transport.Server
	disp    *dispatcher.Dispatcher
	logger  *slog.Logger
	metrics *metrics

	mu     sync.Mutex
	cfg    Config
	info   core.ServerInfo
	store  *framestore.Store
	out    outlets
	open   bool
	closed bool
	cancel context.CancelFunc
	wg     sync.WaitGroup

	seq atomic.Uint64
}

// New wires a server. disp routes rpc commands and tick sinks; the server
// registers its own ping and get3D handlers on it during Open. A nil disp
// gets a private dispatcher.
func New(drv driver.Driver, carrier transport.Server, disp *dispatcher.Dispatcher, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m, err := newMetrics()
	if err != nil {
		return nil, err
	}
	if disp == nil {
		if disp, err = dispatcher.New(logger); err != nil {
			return nil, fmt.Errorf("creating dispatcher: %w", err)
		}
	}
	return &Server{
		drv:     drv,
		carrier: carrier,
		disp:    disp,
		logger:  logger,
		metrics: m,
	}, nil
}

// Open initializes the driver, creates the outlets and starts the loop.
func (s *Server) Open(cfg Config) error {
	if err := cfg.applyDefaults(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return ErrClosed
	case s.open:
		return ErrAlreadyOpen
	}

	err := s.drv.Initialize(driver.Config{
		Mode:      cfg.Mode,
		ImgWidth:  cfg.ImgWidth,
		ImgHeight: cfg.ImgHeight,
		Seated:    cfg.Seated,
		Remap:     cfg.Remap,
		Device:    cfg.Device,
	})
	if err != nil {
		return fmt.Errorf("initializing driver: %w", err)
	}

	traits := s.drv.Traits()
	s.cfg = cfg
	s.store = framestore.New(cfg.Mode)
	s.info = core.ServerInfo{
		Mode:        cfg.Mode,
		ImgWidth:    cfg.ImgWidth,
		ImgHeight:   cfg.ImgHeight,
		DepthWidth:  core.DepthWidth,
		DepthHeight: core.DepthHeight,
		SeatedMode:  cfg.Seated && traits.SupportsSeated,
		DrawAll:     traits.DrawAll,
	}
	s.registerQueries()

	out, err := s.createOutlets(cfg)
	if err != nil {
		return errors.Join(err, out.close(), s.drv.Close())
	}
	s.out = out

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.open = true
	s.wg.Add(1)
	go s.run(ctx, cfg.Period)

	s.logger.Info("Server opened",
		"name", cfg.Name,
		"driver", traits.Name,
		"mode", string(cfg.Mode),
		"period", cfg.Period)
	return nil
}

func (s *Server) createOutlets(cfg Config) (outlets, error) {
	var out outlets
	var err error

	if out.depth, err = s.carrier.Outlet(streaming.PortName(cfg.Name, streaming.SuffixDepth)); err != nil {
		return out, fmt.Errorf("opening depth outlet: %w", err)
	}
	if cfg.Mode.HasColor() {
		if out.color, err = s.carrier.Outlet(streaming.PortName(cfg.Name, streaming.SuffixImage)); err != nil {
			return out, fmt.Errorf("opening image outlet: %w", err)
		}
	}
	if cfg.Mode.HasJoints() {
		if out.joints, err = s.carrier.Outlet(streaming.PortName(cfg.Name, streaming.SuffixJoints)); err != nil {
			return out, fmt.Errorf("opening joints outlet: %w", err)
		}
	}
	if out.rpc, err = s.carrier.Serve(streaming.PortName(cfg.Name, streaming.SuffixRPC), s.handleRequest); err != nil {
		return out, fmt.Errorf("opening rpc port: %w", err)
	}
	return out, nil
}

// Info returns the capabilities reported to clients. It is zero before Open.
func (s *Server) Info() core.ServerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// Store returns the frame store, nil before Open.
func (s *Server) Store() *framestore.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store
}

// Seq returns the sequence number of the last tick that produced data.
func (s *Server) Seq() uint64 {
	return s.seq.Load()
}

// Close stops the loop, waits for the running tick and releases the outlets
// and the driver. Calling it again is a no-op.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	wasOpen := s.open
	s.open = false
	cancel := s.cancel
	out := s.out
	s.mu.Unlock()

	if !wasOpen {
		return nil
	}
	cancel()
	s.wg.Wait()

	err := errors.Join(out.close(), s.drv.Close())
	s.logger.Info("Server closed", "name", s.cfg.Name)
	return err
}
