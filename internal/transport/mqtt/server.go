package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/depthwire/kinectwrapper/internal/channel"
	"github.com/depthwire/kinectwrapper/internal/transport"
	"github.com/depthwire/kinectwrapper/pkg/core"
	"github.com/depthwire/kinectwrapper/pkg/streaming"
)

const requestQueue = 16

// Server publishes outlets and answers rpc ports through a broker.
type Server struct {
	broker Broker
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	outlets map[string]*outlet
	rpcs    map[string]*rpcPort
	closed  bool

	liveMu sync.Mutex
	live   map[string]struct{}
}

var _ transport.Server = (*Server)(nil)

// NewServer wraps a connected broker client and starts following client
// liveness markers.
func NewServer(b Broker, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		broker:  b,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		outlets: make(map[string]*outlet),
		rpcs:    make(map[string]*rpcPort),
		live:    make(map[string]struct{}),
	}
	go func(t mqtt.Token) {
		if err := wait(ctx, t); err != nil && ctx.Err() == nil {
			logger.Error("Failed to follow client liveness", "error", err)
		}
	}(b.Subscribe(livenessRoot+"/+", qos, s.onLiveness))
	return s
}

// onLiveness tracks connected clients. An empty payload, sent by a clean
// close or by the broker as last will, marks the client gone.
func (s *Server) onLiveness(_ mqtt.Client, m mqtt.Message) {
	id := m.Topic()[strings.LastIndex(m.Topic(), "/")+1:]
	s.liveMu.Lock()
	defer s.liveMu.Unlock()
	if string(m.Payload()) == presenceOn {
		s.live[id] = struct{}{}
		return
	}
	if _, ok := s.live[id]; ok {
		delete(s.live, id)
		s.logger.Debug("MQTT client gone", "clientID", id)
	}
}

func (s *Server) isLive(id string) bool {
	s.liveMu.Lock()
	defer s.liveMu.Unlock()
	_, ok := s.live[id]
	return ok
}

// Outlet registers a publishing port and starts tracking its subscribers.
func (s *Server) Outlet(name string) (transport.Outlet, error) {
	key := Topic(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, transport.ErrClosed
	}
	if _, ok := s.outlets[key]; ok {
		return nil, fmt.Errorf("%w: %s", transport.ErrPortInUse, name)
	}

	o := &outlet{name: name, server: s, present: make(map[string]struct{})}
	filter := key + "/presence/+"
	if err := wait(s.ctx, s.broker.Subscribe(filter, qos, o.onPresence)); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", filter, err)
	}
	s.outlets[key] = o
	return o, nil
}

// Serve answers requests published on <name>/request.
func (s *Server) Serve(name string, h transport.RequestHandler) (io.Closer, error) {
	key := Topic(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, transport.ErrClosed
	}
	if _, ok := s.rpcs[key]; ok {
		return nil, fmt.Errorf("%w: %s", transport.ErrPortInUse, name)
	}

	p := &rpcPort{
		name:    name,
		server:  s,
		handler: h,
		queue:   channel.NewBuffered[streaming.Envelope](requestQueue),
		done:    make(chan struct{}),
	}
	topic := requestTopic(name)
	if err := wait(s.ctx, s.broker.Subscribe(topic, qos, p.onRequest)); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	go p.loop()
	s.rpcs[key] = p
	return p, nil
}

// Close closes all ports and disconnects from the broker.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var closers []io.Closer
	for _, o := range s.outlets {
		closers = append(closers, o)
	}
	for _, p := range s.rpcs {
		closers = append(closers, p)
	}
	s.mu.Unlock()

	var errs []error
	for _, c := range closers {
		errs = append(errs, c.Close())
	}
	s.cancel()
	s.broker.Unsubscribe(livenessRoot + "/+")
	s.broker.Disconnect(quiesceMillis)
	return errors.Join(errs...)
}

type outlet struct {
	name   string
	server *Server

	mu      sync.Mutex
	present map[string]struct{}
	closed  bool
}

func (o *outlet) Name() string { return o.name }

// onPresence tracks retained presence messages; an empty payload clears one.
func (o *outlet) onPresence(_ mqtt.Client, m mqtt.Message) {
	id := m.Topic()[strings.LastIndex(m.Topic(), "/")+1:]
	o.mu.Lock()
	defer o.mu.Unlock()
	if string(m.Payload()) == presenceOn {
		o.present[id] = struct{}{}
	} else {
		delete(o.present, id)
	}
}

func (o *outlet) Publish(env streaming.Envelope) error {
	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s envelope: %w", env.Type, err)
	}
	// QoS 0 without waiting; the broker drops for slow consumers
	o.server.broker.Publish(Topic(o.name), qos, false, data)
	return nil
}

// Subscribers counts announced clients that are still connected.
func (o *outlet) Subscribers() int {
	o.mu.Lock()
	ids := make([]string, 0, len(o.present))
	for id := range o.present {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	n := 0
	for _, id := range ids {
		if o.server.isLive(id) {
			n++
		}
	}
	return n
}

func (o *outlet) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.present = make(map[string]struct{})
	o.mu.Unlock()

	o.server.mu.Lock()
	delete(o.server.outlets, Topic(o.name))
	o.server.mu.Unlock()

	o.server.broker.Unsubscribe(Topic(o.name) + "/presence/+")
	return nil
}

type rpcPort struct {
	name    string
	server  *Server
	handler transport.RequestHandler
	queue   *channel.Buffered[streaming.Envelope]
	done    chan struct{}
	once    sync.Once
}

// onRequest runs on the client's router goroutine and only enqueues.
func (p *rpcPort) onRequest(_ mqtt.Client, m mqtt.Message) {
	var env streaming.Envelope
	if err := json.Unmarshal(m.Payload(), &env); err != nil {
		p.server.logger.Debug("Malformed rpc envelope", "port", p.name, "error", err)
		return
	}
	if env.ReplyTo == "" {
		p.server.logger.Debug("RPC request without reply topic", "port", p.name, "id", env.ID)
		return
	}
	if !p.queue.TrySend(env) {
		p.server.logger.Warn("RPC queue full, dropping request", "port", p.name, "id", env.ID)
	}
}

func (p *rpcPort) loop() {
	defer close(p.done)
	for req := range p.queue.Receive() {
		data, err := p.answer(req)
		if err != nil {
			p.server.logger.Error("Failed to encode rpc reply", "port", p.name, "error", err)
			continue
		}
		p.server.broker.Publish(req.ReplyTo, qos, false, data)
	}
}

func (p *rpcPort) answer(req streaming.Envelope) ([]byte, error) {
	reply := streaming.Nack()
	if req.Type == streaming.TypeRequest {
		reply = p.handler(p.server.ctx, req.Payload)
	}
	env, err := streaming.NewEnvelope(streaming.TypeReply, core.Stamp{}, reply)
	if err != nil {
		return nil, err
	}
	env.ID = req.ID
	return json.Marshal(env)
}

func (p *rpcPort) Close() error {
	p.once.Do(func() {
		p.server.broker.Unsubscribe(requestTopic(p.name))
		p.queue.Close()
		<-p.done
		p.server.mu.Lock()
		delete(p.server.rpcs, Topic(p.name))
		p.server.mu.Unlock()
	})
	return nil
}
