package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/depthwire/kinectwrapper/internal/channel"
	"github.com/depthwire/kinectwrapper/internal/transport"
	"github.com/depthwire/kinectwrapper/pkg/core"
	"github.com/depthwire/kinectwrapper/pkg/streaming"
)

// Client subscribes to outlets and calls rpc ports through a broker.
type Client struct {
	broker     Broker
	clientID   string
	replyTopic string
	logger     *slog.Logger

	mu      sync.Mutex
	pending map[string]chan streaming.Envelope
	inlets  []*inlet
	closed  bool
}

var _ transport.Client = (*Client)(nil)

// NewClient wraps a connected broker client. local is the client's stem
// name and clientID must be unique per broker.
func NewClient(ctx context.Context, b Broker, local, clientID string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		broker:     b,
		clientID:   clientID,
		replyTopic: replyTopic(local, clientID),
		logger:     logger,
		pending:    make(map[string]chan streaming.Envelope),
	}
	if err := wait(ctx, b.Subscribe(c.replyTopic, qos, c.onReply)); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", c.replyTopic, err)
	}
	if err := wait(ctx, b.Publish(livenessTopic(clientID), 1, true, presenceOn)); err != nil {
		b.Unsubscribe(c.replyTopic)
		return nil, fmt.Errorf("announce %s: %w", clientID, err)
	}
	return c, nil
}

func (c *Client) onReply(_ mqtt.Client, m mqtt.Message) {
	var env streaming.Envelope
	if err := json.Unmarshal(m.Payload(), &env); err != nil || env.Type != streaming.TypeReply {
		c.logger.Debug("Non-reply message received", "topic", m.Topic())
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[env.ID]
	delete(c.pending, env.ID)
	c.mu.Unlock()
	if ok {
		ch <- env
	}
}

// Subscribe listens on the outlet topic and announces this client's presence.
func (c *Client) Subscribe(ctx context.Context, port string) (transport.Inlet, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, transport.ErrClosed
	}
	c.mu.Unlock()

	in := &inlet{name: port, client: c, mailbox: channel.NewLatest[streaming.Envelope]()}
	if err := wait(ctx, c.broker.Subscribe(Topic(port), qos, in.onMessage)); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", port, err)
	}
	if err := wait(ctx, c.broker.Publish(presenceTopic(port, c.clientID), 1, true, presenceOn)); err != nil {
		c.broker.Unsubscribe(Topic(port))
		return nil, fmt.Errorf("announce on %s: %w", port, err)
	}

	c.mu.Lock()
	c.inlets = append(c.inlets, in)
	c.mu.Unlock()
	return in, nil
}

// Call publishes a request and waits for the reply on this client's reply topic.
func (c *Client) Call(ctx context.Context, port string, req streaming.Bottle) (streaming.Reply, error) {
	env, err := streaming.NewEnvelope(streaming.TypeRequest, core.Stamp{}, req)
	if err != nil {
		return nil, err
	}
	env.ID = uuid.NewString()
	env.ReplyTo = c.replyTopic
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	ch := make(chan streaming.Envelope, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, transport.ErrClosed
	}
	c.pending[env.ID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, env.ID)
		c.mu.Unlock()
	}()

	if err := wait(ctx, c.broker.Publish(requestTopic(port), qos, false, data)); err != nil {
		return nil, fmt.Errorf("publish request: %w", err)
	}

	select {
	case reply := <-ch:
		return streaming.ParseReply(reply.Payload)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close clears presence and liveness, unsubscribes and disconnects.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	inlets := c.inlets
	c.inlets = nil
	c.mu.Unlock()

	var errs []error
	for _, in := range inlets {
		errs = append(errs, in.Close())
	}
	c.broker.Unsubscribe(c.replyTopic)
	c.broker.Publish(livenessTopic(c.clientID), 1, true, "")
	c.broker.Disconnect(quiesceMillis)
	return errors.Join(errs...)
}

type inlet struct {
	name    string
	client  *Client
	mailbox *channel.Latest[streaming.Envelope]
	once    sync.Once
}

func (in *inlet) Name() string { return in.name }

func (in *inlet) onMessage(_ mqtt.Client, m mqtt.Message) {
	var env streaming.Envelope
	if err := json.Unmarshal(m.Payload(), &env); err != nil {
		in.client.logger.Debug("Malformed envelope", "port", in.name, "error", err)
		return
	}
	in.mailbox.TrySend(env)
}

func (in *inlet) Poll() (streaming.Envelope, bool) {
	return in.mailbox.Poll()
}

func (in *inlet) Close() error {
	in.once.Do(func() {
		in.mailbox.Close()
		in.client.broker.Unsubscribe(Topic(in.name))
		// an empty retained payload removes the presence marker
		in.client.broker.Publish(presenceTopic(in.name, in.client.clientID), 1, true, "")
	})
	return nil
}
