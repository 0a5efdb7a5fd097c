// Package framestore holds the latest depth, color and skeleton data of a
// running server. Each category has its own lock and stamp, and no lock is
// held beyond a copy in or out.
package framestore

import (
	"sync"

	"github.com/depthwire/kinectwrapper/internal/codec"
	"github.com/depthwire/kinectwrapper/internal/skeleton"
	"github.com/depthwire/kinectwrapper/pkg/core"
)

// Store is safe for one writer and any number of readers.
type Store struct {
	mode core.InfoMode

	depthMu    sync.RWMutex
	depth      core.DepthFrame
	depthStamp core.Stamp
	hasDepth   bool

	colorMu    sync.RWMutex
	color      core.ColorFrame
	colorStamp core.Stamp
	hasColor   bool

	jointsMu    sync.RWMutex
	players     []core.Player
	jointsStamp core.Stamp
	hasJoints   bool
}

// New returns an empty store gated by the given info mode.
func New(mode core.InfoMode) *Store {
	return &Store{mode: mode}
}

// Mode returns the info mode the store was created with.
func (s *Store) Mode() core.InfoMode {
	return s.mode
}

// PutDepth replaces the latest depth frame.
func (s *Store) PutDepth(f core.DepthFrame, st core.Stamp) {
	f = f.Clone()
	s.depthMu.Lock()
	s.depth, s.depthStamp, s.hasDepth = f, st, true
	s.depthMu.Unlock()
}

// PutColor replaces the latest color frame.
func (s *Store) PutColor(f core.ColorFrame, st core.Stamp) {
	f = f.Clone()
	s.colorMu.Lock()
	s.color, s.colorStamp, s.hasColor = f, st, true
	s.colorMu.Unlock()
}

// PutPlayers replaces the latest player set.
func (s *Store) PutPlayers(players []core.Player, st core.Stamp) {
	players = core.ClonePlayers(players)
	s.jointsMu.Lock()
	s.players, s.jointsStamp, s.hasJoints = players, st, true
	s.jointsMu.Unlock()
}

// RawDepth returns a copy of the packed depth frame.
func (s *Store) RawDepth() (core.DepthFrame, core.Stamp, bool) {
	s.depthMu.RLock()
	defer s.depthMu.RUnlock()
	if !s.hasDepth {
		return core.DepthFrame{}, core.Stamp{}, false
	}
	return s.depth.Clone(), s.depthStamp, true
}

// Depth returns the latest depth in millimeters.
func (s *Store) Depth() (core.DepthMap, core.Stamp, bool) {
	f, st, ok := s.RawDepth()
	if !ok {
		return core.DepthMap{}, st, false
	}
	return codec.Depth(f), st, true
}

// FloatDepth returns the latest depth normalized to [0,1].
func (s *Store) FloatDepth() (core.FloatDepth, core.Stamp, bool) {
	f, st, ok := s.RawDepth()
	if !ok {
		return core.FloatDepth{}, st, false
	}
	return codec.Float(f), st, true
}

// Players returns the label matrix. It fails when the mode carries no labels.
func (s *Store) Players() (core.PlayerMatrix, core.Stamp, bool) {
	if !s.mode.HasPlayers() {
		return core.PlayerMatrix{}, core.Stamp{}, false
	}
	f, st, ok := s.RawDepth()
	if !ok {
		return core.PlayerMatrix{}, st, false
	}
	return codec.Players(f), st, true
}

// DepthAndPlayers returns both views of the same frame.
func (s *Store) DepthAndPlayers() (core.DepthMap, core.PlayerMatrix, core.Stamp, bool) {
	if !s.mode.HasPlayers() {
		return core.DepthMap{}, core.PlayerMatrix{}, core.Stamp{}, false
	}
	f, st, ok := s.RawDepth()
	if !ok {
		return core.DepthMap{}, core.PlayerMatrix{}, st, false
	}
	d, p := codec.DepthAndPlayers(f)
	return d, p, st, true
}

// DepthAt returns the decoded depth in millimeters at (u,v).
func (s *Store) DepthAt(u, v int) (uint16, core.Stamp, bool) {
	s.depthMu.RLock()
	defer s.depthMu.RUnlock()
	if !s.hasDepth {
		return 0, core.Stamp{}, false
	}
	w, ok := s.depth.At(u, v)
	if !ok {
		return 0, s.depthStamp, false
	}
	return codec.DecodeDepth(w), s.depthStamp, true
}

// Color returns the latest color frame.
func (s *Store) Color() (core.ColorFrame, core.Stamp, bool) {
	if !s.mode.HasColor() {
		return core.ColorFrame{}, core.Stamp{}, false
	}
	s.colorMu.RLock()
	defer s.colorMu.RUnlock()
	if !s.hasColor {
		return core.ColorFrame{}, core.Stamp{}, false
	}
	return s.color.Clone(), s.colorStamp, true
}

// Joints returns every tracked player.
func (s *Store) Joints() ([]core.Player, core.Stamp, bool) {
	if !s.mode.HasJoints() {
		return nil, core.Stamp{}, false
	}
	s.jointsMu.RLock()
	defer s.jointsMu.RUnlock()
	if !s.hasJoints {
		return nil, core.Stamp{}, false
	}
	return core.ClonePlayers(s.players), s.jointsStamp, true
}

// Player returns one player by ID or the closest one for core.ClosestPlayer.
// The bool is false only when no skeleton data exists; a miss yields
// a player with ID core.NoPlayer.
func (s *Store) Player(id int) (core.Player, core.Stamp, bool) {
	if !s.mode.HasJoints() {
		return core.Player{ID: core.NoPlayer}, core.Stamp{}, false
	}
	s.jointsMu.RLock()
	defer s.jointsMu.RUnlock()
	if !s.hasJoints {
		return core.Player{ID: core.NoPlayer}, core.Stamp{}, false
	}
	return skeleton.Select(s.players, id), s.jointsStamp, true
}
