// Package transport defines the publish/subscribe and request/reply
// primitives the server and client are built on. Carriers live in
// subpackages.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/depthwire/kinectwrapper/pkg/streaming"
)

// Errors shared by carriers.
var (
	ErrClosed      = errors.New("transport closed")
	ErrPortInUse   = errors.New("port already registered")
	ErrUnknownPort = errors.New("unknown port")
)

// Outlet publishes envelopes on one named port.
type Outlet interface {
	Name() string
	// Publish hands env to every subscriber without blocking; slow
	// subscribers lose frames.
	Publish(env streaming.Envelope) error
	// Subscribers returns how many consumers are connected.
	Subscribers() int
	Close() error
}

// Inlet receives envelopes from one named port and keeps only the newest.
type Inlet interface {
	Name() string
	// Poll returns the newest envelope if it arrived since the last poll.
	Poll() (streaming.Envelope, bool)
	Close() error
}

// RequestHandler answers one rpc request bottle.
type RequestHandler func(ctx context.Context, req json.RawMessage) streaming.Bottle

// Server is the server side of a carrier.
type Server interface {
	Outlet(name string) (Outlet, error)
	// Serve answers requests on the named rpc port until the returned closer is closed.
	Serve(name string, h RequestHandler) (io.Closer, error)
	Close() error
}

// Client is the client side of a carrier.
type Client interface {
	Subscribe(ctx context.Context, port string) (Inlet, error)
	// Call sends req to the rpc port and waits for the reply or ctx.
	Call(ctx context.Context, port string, req streaming.Bottle) (streaming.Reply, error)
	Close() error
}
