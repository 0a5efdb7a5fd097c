package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	ws "github.com/gorilla/websocket"

	"github.com/depthwire/kinectwrapper/internal/channel"
	"github.com/depthwire/kinectwrapper/internal/transport"
	"github.com/depthwire/kinectwrapper/pkg/core"
	"github.com/depthwire/kinectwrapper/pkg/streaming"
)

const (
	replyChSize  = 4
	maxReconnect = 10
	maxBackoff   = 30 * time.Second
)

// Dialer connects to a Hub. Local names this client in the hub's logs.
type Dialer struct {
	base   string
	local  string
	logger *slog.Logger
	dialer *ws.Dialer

	mu     sync.Mutex
	inlets []*inlet
	rpcs   map[string]*rpcConn
	closed bool
}

var _ transport.Client = (*Dialer)(nil)

// NewDialer creates a client for the hub at baseURL, e.g. ws://host:10000.
func NewDialer(baseURL, local string, logger *slog.Logger) *Dialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dialer{
		base:   strings.TrimSuffix(baseURL, "/"),
		local:  local,
		logger: logger,
		dialer: ws.DefaultDialer,
		rpcs:   make(map[string]*rpcConn),
	}
}

func (d *Dialer) portURL(port, suffix string) (string, error) {
	u, err := url.Parse(d.base + "/" + portKey(port))
	if err != nil {
		return "", fmt.Errorf("invalid websocket URL: %w", err)
	}
	if d.local != "" {
		q := u.Query()
		q.Set("local", d.local+suffix)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (d *Dialer) dial(ctx context.Context, rawURL string) (*ws.Conn, error) {
	conn, _, err := d.dialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	conn.SetReadLimit(-1)
	return conn, nil
}

// Subscribe connects to an outlet. The inlet reconnects with backoff when
// the connection drops.
func (d *Dialer) Subscribe(ctx context.Context, port string) (transport.Inlet, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, transport.ErrClosed
	}
	d.mu.Unlock()

	rawURL, err := d.portURL(port, inletSuffix(port))
	if err != nil {
		return nil, err
	}
	conn, err := d.dial(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", port, err)
	}

	in := &inlet{
		name:    port,
		url:     rawURL,
		conn:    conn,
		mailbox: channel.NewLatest[streaming.Envelope](),
		done:    make(chan struct{}),
		dialer:  d,
	}
	go in.readLoop()

	d.mu.Lock()
	d.inlets = append(d.inlets, in)
	d.mu.Unlock()
	return in, nil
}

// inletSuffix turns an outlet suffix such as /depth:o into /depth:i.
func inletSuffix(port string) string {
	if i := strings.LastIndex(port, "/"); i >= 0 {
		port = port[i+1:]
	}
	return "/" + strings.TrimSuffix(port, ":o") + ":i"
}

// Call sends one request and waits for its reply. Calls on the same port
// share a connection and run one at a time.
func (d *Dialer) Call(ctx context.Context, port string, req streaming.Bottle) (streaming.Reply, error) {
	rc, err := d.rpcConnFor(ctx, port)
	if err != nil {
		return nil, err
	}
	reply, err := rc.call(ctx, req)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		d.dropRPC(port, rc)
	}
	return reply, err
}

func (d *Dialer) rpcConnFor(ctx context.Context, port string) (*rpcConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, transport.ErrClosed
	}
	if rc, ok := d.rpcs[port]; ok {
		return rc, nil
	}
	rawURL, err := d.portURL(port, "/rpc")
	if err != nil {
		return nil, err
	}
	conn, err := d.dial(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", port, err)
	}
	rc := &rpcConn{
		conn:    conn,
		replyCh: make(chan streaming.Envelope, replyChSize),
		done:    make(chan struct{}),
		logger:  d.logger,
	}
	go rc.readLoop()
	d.rpcs[port] = rc
	return rc, nil
}

func (d *Dialer) dropRPC(port string, rc *rpcConn) {
	d.mu.Lock()
	if d.rpcs[port] == rc {
		delete(d.rpcs, port)
	}
	d.mu.Unlock()
	rc.close()
}

// Close closes every inlet and rpc connection.
func (d *Dialer) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	inlets := d.inlets
	rpcs := d.rpcs
	d.inlets = nil
	d.rpcs = make(map[string]*rpcConn)
	d.mu.Unlock()

	var errs []error
	for _, in := range inlets {
		errs = append(errs, in.Close())
	}
	for _, rc := range rpcs {
		errs = append(errs, rc.close())
	}
	return errors.Join(errs...)
}

// inlet keeps the newest envelope received on one outlet.
type inlet struct {
	name    string
	url     string
	mailbox *channel.Latest[streaming.Envelope]
	dialer  *Dialer

	mu     sync.Mutex
	conn   *ws.Conn
	done   chan struct{}
	closed bool
}

func (in *inlet) Name() string { return in.name }

func (in *inlet) Poll() (streaming.Envelope, bool) {
	return in.mailbox.Poll()
}

func (in *inlet) readLoop() {
	for {
		in.mu.Lock()
		conn := in.conn
		in.mu.Unlock()
		if conn == nil {
			return
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-in.done:
				return
			default:
			}
			in.dialer.logger.Warn("WebSocket read error", "port", in.name, "error", err)
			go in.reconnect()
			return
		}

		var env streaming.Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			in.dialer.logger.Debug("Malformed envelope", "port", in.name, "error", err)
			continue
		}
		in.mailbox.TrySend(env)
	}
}

// reconnect re-dials the outlet with exponential backoff and restarts the read loop.
func (in *inlet) reconnect() {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return
	}
	if in.conn != nil {
		_ = in.conn.Close()
		in.conn = nil
	}
	in.mu.Unlock()

	backoff := time.Second
	for attempt := 1; attempt <= maxReconnect; attempt++ {
		select {
		case <-in.done:
			return
		case <-time.After(backoff):
		}

		in.dialer.logger.Info("Reconnecting to WebSocket", "port", in.name, "attempt", attempt)
		conn, err := in.dialer.dial(context.Background(), in.url)
		if err != nil {
			in.dialer.logger.Warn("Reconnect dial failed", "port", in.name, "attempt", attempt, "error", err)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		in.mu.Lock()
		if in.closed {
			in.mu.Unlock()
			_ = conn.Close()
			return
		}
		in.conn = conn
		in.mu.Unlock()

		in.dialer.logger.Info("WebSocket reconnected", "port", in.name, "attempt", attempt)
		go in.readLoop()
		return
	}

	in.dialer.logger.Error("WebSocket reconnect failed after max attempts", "port", in.name, "maxAttempts", maxReconnect)
}

func (in *inlet) Close() error {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return nil
	}
	in.closed = true
	close(in.done)
	conn := in.conn
	in.conn = nil
	in.mu.Unlock()

	in.mailbox.Close()
	if conn != nil {
		_ = conn.WriteMessage(ws.CloseMessage, ws.FormatCloseMessage(ws.CloseNormalClosure, ""))
		return conn.Close()
	}
	return nil
}

// rpcConn is one request/reply connection with a single call in flight.
type rpcConn struct {
	callMu  sync.Mutex
	conn    *ws.Conn
	replyCh chan streaming.Envelope
	done    chan struct{}
	once    sync.Once
	logger  *slog.Logger
}

func (rc *rpcConn) readLoop() {
	defer rc.close()
	for {
		_, msg, err := rc.conn.ReadMessage()
		if err != nil {
			return
		}
		var env streaming.Envelope
		if err := json.Unmarshal(msg, &env); err != nil || env.Type != streaming.TypeReply {
			rc.logger.Debug("Non-reply message received", "raw", string(msg))
			continue
		}
		select {
		case rc.replyCh <- env:
		default:
			rc.logger.Debug("Reply channel full, dropping", "id", env.ID)
		}
	}
}

func (rc *rpcConn) call(ctx context.Context, req streaming.Bottle) (streaming.Reply, error) {
	rc.callMu.Lock()
	defer rc.callMu.Unlock()

	env, err := streaming.NewEnvelope(streaming.TypeRequest, core.Stamp{}, req)
	if err != nil {
		return nil, err
	}
	env.ID = uuid.NewString()
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = rc.conn.SetWriteDeadline(deadline)
	} else {
		_ = rc.conn.SetWriteDeadline(time.Now().Add(writeWait))
	}
	if err := rc.conn.WriteMessage(ws.TextMessage, data); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	for {
		select {
		case reply := <-rc.replyCh:
			if reply.ID != env.ID {
				// a reply to an abandoned call
				continue
			}
			return streaming.ParseReply(reply.Payload)
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-rc.done:
			return nil, fmt.Errorf("connection closed while waiting for reply: %w", transport.ErrClosed)
		}
	}
}

func (rc *rpcConn) close() error {
	var err error
	rc.once.Do(func() {
		close(rc.done)
		_ = rc.conn.WriteControl(ws.CloseMessage,
			ws.FormatCloseMessage(ws.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = rc.conn.Close()
	})
	return err
}
