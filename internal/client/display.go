package client

import (
	"image"

	"github.com/depthwire/kinectwrapper/internal/codec"
	"github.com/depthwire/kinectwrapper/internal/render"
	"github.com/depthwire/kinectwrapper/pkg/core"
)

// Style returns the skeleton drawing style announced by the server.
func (s *Session) Style() render.Style {
	return render.Style{Seated: s.info.SeatedMode, DrawAll: s.info.DrawAll}
}

// DepthImage polls a depth frame and renders it scaled to 0..255 over the
// frame's own depth range.
func (s *Session) DepthImage() (*image.Gray, core.Stamp, bool) {
	m, st, ok := s.Depth()
	if !ok {
		return nil, st, false
	}
	return render.Depth(codec.DisplayDepth(m)), st, true
}

// PlayersImage polls a depth frame and colors each pixel by player label.
func (s *Session) PlayersImage() (*image.RGBA, core.Stamp, bool) {
	m, st, ok := s.Players()
	if !ok {
		return nil, st, false
	}
	return render.Players(m), st, true
}

// SkeletonImage polls a skeleton frame and draws every player.
func (s *Session) SkeletonImage() (*image.RGBA, core.Stamp, bool) {
	players, st, ok := s.Joints()
	if !ok {
		return nil, st, false
	}
	return render.Skeleton(players, s.Style()), st, true
}

// PlayerImage polls a skeleton frame and draws the selected player only,
// center of mass included. An unknown player yields a black canvas.
func (s *Session) PlayerImage(id int) (*image.RGBA, core.Stamp, bool) {
	p, st, ok := s.Player(id)
	if !ok {
		return nil, st, false
	}
	return render.Player(p, s.Style()), st, true
}
