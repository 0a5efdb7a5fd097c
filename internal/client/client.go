// Package client connects to a depth-camera server: it performs the ping
// handshake, subscribes to the streams the server mode provides and exposes
// non-blocking pollers over them.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/golang/geo/r3"

	"github.com/depthwire/kinectwrapper/internal/codec"
	"github.com/depthwire/kinectwrapper/internal/skeleton"
	"github.com/depthwire/kinectwrapper/internal/transport"
	"github.com/depthwire/kinectwrapper/pkg/core"
	"github.com/depthwire/kinectwrapper/pkg/streaming"
)

// Errors returned by Connect and Project3D.
var (
	ErrMissingRemote = errors.New("remote server name is required")
	ErrMissingLocal  = errors.New("local client name is required")
	ErrNoCarrier     = errors.New("carrier is required")
	ErrHandshake     = errors.New("server did not acknowledge ping")
	ErrNack          = errors.New("server answered nack")
	ErrClosed        = errors.New("session closed")
)

// Options configure a session. Once Connect succeeds the session owns
// Carrier and closes it on Close; on failure the caller still owns it.
type Options struct {
	Remote  string
	Local   string
	Carrier transport.Client
	Logger  *slog.Logger
}

// Session is one client connection to a server.
type Session struct {
	carrier transport.Client
	remote  string
	local   string
	logger  *slog.Logger
	info    core.ServerInfo

	depth  transport.Inlet
	color  transport.Inlet
	joints transport.Inlet

	mu     sync.Mutex
	closed bool
}

// Connect performs the handshake and subscribes to every stream the server
// mode enables.
func Connect(ctx context.Context, opts Options) (*Session, error) {
	switch {
	case opts.Remote == "":
		return nil, ErrMissingRemote
	case opts.Local == "":
		return nil, ErrMissingLocal
	case opts.Carrier == nil:
		return nil, ErrNoCarrier
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Session{
		carrier: opts.Carrier,
		remote:  opts.Remote,
		local:   opts.Local,
		logger:  opts.Logger,
	}

	info, err := s.handshake(ctx)
	if err != nil {
		return nil, err
	}
	s.info = info

	if err := s.subscribe(ctx); err != nil {
		return nil, errors.Join(err, s.closeInlets())
	}

	s.logger.Info("Connected to server",
		"remote", s.remote,
		"local", s.local,
		"mode", string(info.Mode),
		"img", fmt.Sprintf("%dx%d", info.ImgWidth, info.ImgHeight))
	return s, nil
}

func (s *Session) handshake(ctx context.Context) (core.ServerInfo, error) {
	reply, err := s.carrier.Call(ctx, streaming.PortName(s.remote, streaming.SuffixRPC), streaming.Bottle{streaming.CmdPing})
	if err != nil {
		return core.ServerInfo{}, fmt.Errorf("ping %s: %w", s.remote, err)
	}
	if !reply.Acked() {
		return core.ServerInfo{}, ErrHandshake
	}
	return parsePing(reply)
}

func parsePing(r streaming.Reply) (core.ServerInfo, error) {
	var info core.ServerInfo
	if r.Len() < 6 {
		return info, fmt.Errorf("%w: ping reply has %d fields", ErrHandshake, r.Len())
	}
	mode, err := r.String(1)
	if err != nil {
		return info, fmt.Errorf("ping info: %w", err)
	}
	if info.Mode, err = core.ParseInfoMode(mode); err != nil {
		return info, fmt.Errorf("ping info: %w", err)
	}
	if info.ImgWidth, err = r.Int(2); err != nil {
		return info, fmt.Errorf("ping img width: %w", err)
	}
	if info.ImgHeight, err = r.Int(3); err != nil {
		return info, fmt.Errorf("ping img height: %w", err)
	}
	seated, err := r.String(4)
	if err != nil {
		return info, fmt.Errorf("ping seated: %w", err)
	}
	drawAll, err := r.String(5)
	if err != nil {
		return info, fmt.Errorf("ping drawAll: %w", err)
	}
	info.SeatedMode = seated == streaming.TagSeated
	info.DrawAll = drawAll == streaming.TagDrawAll
	info.DepthWidth, info.DepthHeight = core.DepthWidth, core.DepthHeight
	return info, nil
}

func (s *Session) subscribe(ctx context.Context) error {
	var err error
	if s.depth, err = s.carrier.Subscribe(ctx, streaming.PortName(s.remote, streaming.SuffixDepth)); err != nil {
		return fmt.Errorf("subscribing depth: %w", err)
	}
	if s.info.Mode.HasColor() {
		if s.color, err = s.carrier.Subscribe(ctx, streaming.PortName(s.remote, streaming.SuffixImage)); err != nil {
			return fmt.Errorf("subscribing image: %w", err)
		}
	}
	if s.info.Mode.HasJoints() {
		if s.joints, err = s.carrier.Subscribe(ctx, streaming.PortName(s.remote, streaming.SuffixJoints)); err != nil {
			return fmt.Errorf("subscribing joints: %w", err)
		}
	}
	return nil
}

// Info returns the capabilities announced by the server.
func (s *Session) Info() core.ServerInfo {
	return s.info
}

// Subscriptions lists the ports this session receives from.
func (s *Session) Subscriptions() []string {
	var out []string
	for _, in := range []transport.Inlet{s.depth, s.color, s.joints} {
		if in != nil {
			out = append(out, in.Name())
		}
	}
	return out
}

// Project3D asks the server for the metric point behind pixel (u,v).
func (s *Session) Project3D(ctx context.Context, u, v int) (r3.Vector, error) {
	if s.isClosed() {
		return r3.Vector{}, ErrClosed
	}
	reply, err := s.carrier.Call(ctx, streaming.PortName(s.remote, streaming.SuffixRPC), streaming.Bottle{streaming.CmdGet3D, u, v})
	if err != nil {
		return r3.Vector{}, fmt.Errorf("get3D (%d,%d): %w", u, v, err)
	}
	if !reply.Acked() || reply.Len() < 4 {
		return r3.Vector{}, ErrNack
	}
	var p r3.Vector
	if p.X, err = reply.Float(1); err != nil {
		return r3.Vector{}, fmt.Errorf("get3D x: %w", err)
	}
	if p.Y, err = reply.Float(2); err != nil {
		return r3.Vector{}, fmt.Errorf("get3D y: %w", err)
	}
	if p.Z, err = reply.Float(3); err != nil {
		return r3.Vector{}, fmt.Errorf("get3D z: %w", err)
	}
	return p, nil
}

func (s *Session) pollDepth() (core.DepthFrame, core.Stamp, bool) {
	env, ok := s.poll(s.depth)
	if !ok {
		return core.DepthFrame{}, core.Stamp{}, false
	}
	var p streaming.DepthPayload
	if err := env.Decode(&p); err != nil {
		s.logger.Debug("Dropping depth frame", "error", err)
		return core.DepthFrame{}, core.Stamp{}, false
	}
	f, err := p.Frame()
	if err != nil {
		s.logger.Debug("Dropping depth frame", "error", err)
		return core.DepthFrame{}, core.Stamp{}, false
	}
	return f, env.Stamp, true
}

// Depth returns the newest depth map in millimeters.
func (s *Session) Depth() (core.DepthMap, core.Stamp, bool) {
	f, st, ok := s.pollDepth()
	if !ok {
		return core.DepthMap{}, st, false
	}
	return codec.Depth(f), st, true
}

// FloatDepth returns the newest depth frame normalized to floats.
func (s *Session) FloatDepth() (core.FloatDepth, core.Stamp, bool) {
	f, st, ok := s.pollDepth()
	if !ok {
		return core.FloatDepth{}, st, false
	}
	return codec.Float(f), st, true
}

// DepthAndPlayers returns the newest depth map together with its player labels.
func (s *Session) DepthAndPlayers() (core.DepthMap, core.PlayerMatrix, core.Stamp, bool) {
	if !s.info.Mode.HasPlayers() {
		return core.DepthMap{}, core.PlayerMatrix{}, core.Stamp{}, false
	}
	f, st, ok := s.pollDepth()
	if !ok {
		return core.DepthMap{}, core.PlayerMatrix{}, st, false
	}
	d, p := codec.DepthAndPlayers(f)
	return d, p, st, true
}

// Players returns the player labels of the newest depth frame.
func (s *Session) Players() (core.PlayerMatrix, core.Stamp, bool) {
	if !s.info.Mode.HasPlayers() {
		return core.PlayerMatrix{}, core.Stamp{}, false
	}
	f, st, ok := s.pollDepth()
	if !ok {
		return core.PlayerMatrix{}, st, false
	}
	return codec.Players(f), st, true
}

// Color returns the newest RGB frame.
func (s *Session) Color() (core.ColorFrame, core.Stamp, bool) {
	env, ok := s.poll(s.color)
	if !ok {
		return core.ColorFrame{}, core.Stamp{}, false
	}
	var f streaming.ColorPayload
	if err := env.Decode(&f); err != nil {
		s.logger.Debug("Dropping color frame", "error", err)
		return core.ColorFrame{}, core.Stamp{}, false
	}
	return f, env.Stamp, true
}

// Joints returns every player of the newest skeleton frame.
func (s *Session) Joints() ([]core.Player, core.Stamp, bool) {
	env, ok := s.poll(s.joints)
	if !ok {
		return nil, core.Stamp{}, false
	}
	var p streaming.JointsPayload
	if err := env.Decode(&p); err != nil {
		s.logger.Debug("Dropping joints frame", "error", err)
		return nil, core.Stamp{}, false
	}
	return p.Players(), env.Stamp, true
}

// Player returns one player of the newest skeleton frame, or the closest one
// when id is core.ClosestPlayer. The player ID is core.NoPlayer on a miss.
func (s *Session) Player(id int) (core.Player, core.Stamp, bool) {
	players, st, ok := s.Joints()
	if !ok {
		return core.Player{ID: core.NoPlayer}, st, false
	}
	return skeleton.Select(players, id), st, true
}

func (s *Session) poll(in transport.Inlet) (streaming.Envelope, bool) {
	if in == nil || s.isClosed() {
		return streaming.Envelope{}, false
	}
	return in.Poll()
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) closeInlets() error {
	var errs []error
	for _, in := range []transport.Inlet{s.depth, s.color, s.joints} {
		if in != nil {
			errs = append(errs, in.Close())
		}
	}
	return errors.Join(errs...)
}

// Close releases the inlets and the carrier. Calling it again is a no-op.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := errors.Join(s.closeInlets(), s.carrier.Close())
	s.logger.Info("Session closed", "remote", s.remote)
	return err
}
