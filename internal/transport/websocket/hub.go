package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	ws "github.com/gorilla/websocket"

	"github.com/depthwire/kinectwrapper/internal/channel"
	"github.com/depthwire/kinectwrapper/internal/transport"
	"github.com/depthwire/kinectwrapper/pkg/core"
	"github.com/depthwire/kinectwrapper/pkg/streaming"
)

const (
	writeWait = 10 * time.Second
	readLimit = 1 << 16
)

// Hub serves outlets and rpc ports over WebSocket. Each port is an HTTP
// path equal to its name.
type Hub struct {
	mu      sync.RWMutex
	outlets map[string]*outlet
	rpcs    map[string]*rpcPort
	closed  bool

	upgrader ws.Upgrader
	srv      *http.Server
	ln       net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
}

var _ transport.Server = (*Hub)(nil)

// NewHub creates a hub. It serves nothing until Start is called or it is
// mounted as an http.Handler.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		outlets:  make(map[string]*outlet),
		rpcs:     make(map[string]*rpcPort),
		upgrader: ws.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger,
	}
}

func portKey(name string) string {
	return strings.TrimPrefix(name, "/")
}

// Start listens on addr and serves the hub in the background.
func (h *Hub) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	h.mu.Lock()
	h.ln = ln
	h.srv = &http.Server{Handler: h, ReadHeaderTimeout: writeWait}
	srv := h.srv
	h.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("WebSocket hub stopped", "error", err)
		}
	}()
	h.logger.Info("WebSocket hub listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the listening address, or "" before Start.
func (h *Hub) Addr() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.ln == nil {
		return ""
	}
	return h.ln.Addr().String()
}

// ServeHTTP upgrades a request for a registered port.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := portKey(r.URL.Path)

	h.mu.RLock()
	o := h.outlets[key]
	p := h.rpcs[key]
	closed := h.closed
	h.mu.RUnlock()

	if closed || (o == nil && p == nil) {
		http.NotFound(w, r)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("WebSocket upgrade failed", "port", key, "error", err)
		return
	}
	conn.SetReadLimit(readLimit)

	peer := r.URL.Query().Get("local")
	if o != nil {
		o.add(conn, peer)
		return
	}
	p.serveConn(h.ctx, conn, peer)
}

// Outlet registers a publishing port.
func (h *Hub) Outlet(name string) (transport.Outlet, error) {
	key := portKey(name)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, transport.ErrClosed
	}
	if _, ok := h.outlets[key]; ok {
		return nil, fmt.Errorf("%w: %s", transport.ErrPortInUse, name)
	}
	if _, ok := h.rpcs[key]; ok {
		return nil, fmt.Errorf("%w: %s", transport.ErrPortInUse, name)
	}
	o := &outlet{name: name, subs: make(map[*subscriber]struct{}), logger: h.logger}
	o.onClose = func() { h.removeOutlet(key, o) }
	h.outlets[key] = o
	return o, nil
}

// Serve registers an rpc port answered by handler.
func (h *Hub) Serve(name string, handler transport.RequestHandler) (io.Closer, error) {
	key := portKey(name)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, transport.ErrClosed
	}
	if _, ok := h.rpcs[key]; ok {
		return nil, fmt.Errorf("%w: %s", transport.ErrPortInUse, name)
	}
	if _, ok := h.outlets[key]; ok {
		return nil, fmt.Errorf("%w: %s", transport.ErrPortInUse, name)
	}
	p := &rpcPort{name: name, handler: handler, conns: make(map[*ws.Conn]struct{}), logger: h.logger}
	p.onClose = func() { h.removeRPC(key, p) }
	h.rpcs[key] = p
	return p, nil
}

func (h *Hub) removeOutlet(key string, o *outlet) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.outlets[key] == o {
		delete(h.outlets, key)
	}
}

func (h *Hub) removeRPC(key string, p *rpcPort) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rpcs[key] == p {
		delete(h.rpcs, key)
	}
}

// Close closes every port and stops the listener.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	outlets := make([]*outlet, 0, len(h.outlets))
	for _, o := range h.outlets {
		outlets = append(outlets, o)
	}
	rpcs := make([]*rpcPort, 0, len(h.rpcs))
	for _, p := range h.rpcs {
		rpcs = append(rpcs, p)
	}
	srv := h.srv
	h.mu.Unlock()

	h.cancel()
	var errs []error
	for _, o := range outlets {
		errs = append(errs, o.Close())
	}
	for _, p := range rpcs {
		errs = append(errs, p.Close())
	}
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown hub: %w", err))
		}
	}
	return errors.Join(errs...)
}

// subscriber is one connected consumer of an outlet with its own write
// goroutine. Its mailbox holds only the newest unsent frame.
type subscriber struct {
	conn    *ws.Conn
	peer    string
	mailbox *channel.Latest[[]byte]
}

type outlet struct {
	name    string
	mu      sync.Mutex
	subs    map[*subscriber]struct{}
	closed  bool
	onClose func()
	logger  *slog.Logger
}

func (o *outlet) Name() string { return o.name }

func (o *outlet) add(conn *ws.Conn, peer string) {
	s := &subscriber{conn: conn, peer: peer, mailbox: channel.NewLatest[[]byte]()}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		_ = conn.Close()
		return
	}
	o.subs[s] = struct{}{}
	n := len(o.subs)
	o.mu.Unlock()

	o.logger.Info("Subscriber connected", "port", o.name, "peer", peer, "subscribers", n)
	go o.writeLoop(s)
	go o.readLoop(s)
}

func (o *outlet) remove(s *subscriber) {
	o.mu.Lock()
	_, ok := o.subs[s]
	delete(o.subs, s)
	o.mu.Unlock()
	s.mailbox.Close()
	if ok {
		o.logger.Info("Subscriber disconnected", "port", o.name, "peer", s.peer)
	}
}

// writeLoop sends the newest frame of the mailbox each time it is woken,
// until the mailbox is closed.
func (o *outlet) writeLoop(s *subscriber) {
	defer func() {
		_ = s.conn.WriteControl(ws.CloseMessage,
			ws.FormatCloseMessage(ws.CloseNormalClosure, ""), time.Now().Add(writeWait))
		_ = s.conn.Close()
	}()
	for {
		select {
		case <-s.mailbox.Done():
			return
		case <-s.mailbox.Ready():
		}
		data, ok := s.mailbox.Poll()
		if !ok {
			continue
		}
		if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			o.remove(s)
			return
		}
		if err := s.conn.WriteMessage(ws.TextMessage, data); err != nil {
			o.logger.Debug("WebSocket write error", "port", o.name, "error", err)
			o.remove(s)
			return
		}
	}
}

// readLoop only detects the peer going away; subscribers never send data.
func (o *outlet) readLoop(s *subscriber) {
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			o.remove(s)
			return
		}
	}
}

func (o *outlet) Publish(env streaming.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s envelope: %w", env.Type, err)
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return transport.ErrClosed
	}
	subs := make([]*subscriber, 0, len(o.subs))
	for s := range o.subs {
		subs = append(subs, s)
	}
	o.mu.Unlock()

	for _, s := range subs {
		s.mailbox.TrySend(data)
	}
	return nil
}

func (o *outlet) Subscribers() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.subs)
}

func (o *outlet) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	subs := o.subs
	o.subs = make(map[*subscriber]struct{})
	o.mu.Unlock()

	for s := range subs {
		s.mailbox.Close()
	}
	o.onClose()
	return nil
}

type rpcPort struct {
	name    string
	handler transport.RequestHandler
	mu      sync.Mutex
	conns   map[*ws.Conn]struct{}
	closed  bool
	onClose func()
	logger  *slog.Logger
}

// serveConn answers requests on one connection in order.
func (p *rpcPort) serveConn(ctx context.Context, conn *ws.Conn, peer string) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = conn.Close()
		return
	}
	p.conns[conn] = struct{}{}
	p.mu.Unlock()

	p.logger.Debug("RPC client connected", "port", p.name, "peer", peer)

	go func() {
		defer func() {
			p.mu.Lock()
			delete(p.conns, conn)
			p.mu.Unlock()
			_ = conn.Close()
		}()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req streaming.Envelope
			reply := streaming.Nack()
			if err := json.Unmarshal(msg, &req); err != nil {
				p.logger.Debug("Malformed rpc envelope", "port", p.name, "error", err)
			} else if req.Type == streaming.TypeRequest {
				reply = p.handler(ctx, req.Payload)
			}
			env, err := streaming.NewEnvelope(streaming.TypeReply, core.Stamp{}, reply)
			if err != nil {
				p.logger.Error("Failed to encode rpc reply", "port", p.name, "error", err)
				return
			}
			env.ID = req.ID
			data, err := json.Marshal(env)
			if err != nil {
				return
			}
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := conn.WriteMessage(ws.TextMessage, data); err != nil {
				p.logger.Debug("RPC write error", "port", p.name, "error", err)
				return
			}
		}
	}()
}

func (p *rpcPort) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	conns := p.conns
	p.conns = make(map[*ws.Conn]struct{})
	p.mu.Unlock()

	for c := range conns {
		_ = c.WriteControl(ws.CloseMessage,
			ws.FormatCloseMessage(ws.CloseNormalClosure, ""), time.Now().Add(writeWait))
		_ = c.Close()
	}
	p.onClose()
	return nil
}
