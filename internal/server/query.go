package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/depthwire/kinectwrapper/internal/dispatcher"
	"github.com/depthwire/kinectwrapper/internal/framestore"
	"github.com/depthwire/kinectwrapper/pkg/core"
	"github.com/depthwire/kinectwrapper/pkg/streaming"
)

// errNoDepth is returned by get3D before the first depth frame is stored.
var errNoDepth = errors.New("no depth frame")

// rpcCommands are the commands reachable from the rpc port. Sink commands
// share the dispatcher but are not exposed.
var rpcCommands = map[string]bool{
	streaming.CmdPing:  true,
	streaming.CmdGet3D: true,
}

// registerQueries installs the rpc handlers. They run one at a time.
func (s *Server) registerQueries() {
	info, store := s.info, s.store
	s.disp.Register(streaming.CmdPing, func(dispatcher.Event) (any, error) {
		return pingReply(info), nil
	}, dispatcher.Serialized(), dispatcher.Logged())
	s.disp.Register(streaming.CmdGet3D, func(e dispatcher.Event) (any, error) {
		return s.get3D(store, e.Args)
	}, dispatcher.Serialized(), dispatcher.Logged())
}

// handleRequest answers one rpc bottle. Anything that is not a well formed
// ping or get3D request is answered with nack.
func (s *Server) handleRequest(_ context.Context, raw json.RawMessage) streaming.Bottle {
	cmd, args, err := streaming.ParseRequest(raw)
	if err != nil || !rpcCommands[cmd] {
		return streaming.Nack()
	}
	res, err := s.disp.Dispatch(dispatcher.Event{Command: cmd, Args: args})
	if err != nil {
		return streaming.Nack()
	}
	reply, ok := res.(streaming.Bottle)
	if !ok {
		return streaming.Nack()
	}
	return reply
}

func pingReply(info core.ServerInfo) streaming.Bottle {
	seated, drawAll := streaming.TagNull, streaming.TagNull
	if info.SeatedMode {
		seated = streaming.TagSeated
	}
	if info.DrawAll {
		drawAll = streaming.TagDrawAll
	}
	return streaming.Bottle{streaming.TagAck, string(info.Mode), info.ImgWidth, info.ImgHeight, seated, drawAll}
}

func (s *Server) get3D(store *framestore.Store, args []string) (streaming.Bottle, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("get3D takes 2 arguments, got %d", len(args))
	}
	u, err := strconv.Atoi(args[0])
	if err != nil {
		return nil, fmt.Errorf("get3D u: %w", err)
	}
	v, err := strconv.Atoi(args[1])
	if err != nil {
		return nil, fmt.Errorf("get3D v: %w", err)
	}
	depth, _, ok := store.DepthAt(u, v)
	if !ok {
		return nil, fmt.Errorf("get3D (%d,%d): %w", u, v, errNoDepth)
	}
	p, err := s.drv.Project(u, v, depth)
	if err != nil {
		return nil, fmt.Errorf("get3D (%d,%d): %w", u, v, err)
	}
	return streaming.Bottle{streaming.TagAck, p.X, p.Y, p.Z}, nil
}
