package mqtt

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/depthwire/kinectwrapper/internal/transport"
	"github.com/depthwire/kinectwrapper/pkg/core"
	"github.com/depthwire/kinectwrapper/pkg/streaming"
)

// fakeBroker is an in-memory broker shared by every client of a test.
type fakeBroker struct {
	mu       sync.Mutex
	subs     map[string]mqtt.MessageHandler
	retained map[string][]byte
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{subs: make(map[string]mqtt.MessageHandler), retained: make(map[string][]byte)}
}

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

type message struct {
	topic    string
	payload  []byte
	retained bool
}

func (m message) Duplicate() bool   { return false }
func (m message) Qos() byte         { return 0 }
func (m message) Retained() bool    { return m.retained }
func (m message) Topic() string     { return m.topic }
func (m message) MessageID() uint16 { return 0 }
func (m message) Payload() []byte   { return m.payload }
func (m message) Ack()              {}

func matches(filter, topic string) bool {
	f := strings.Split(filter, "/")
	tp := strings.Split(topic, "/")
	if len(f) != len(tp) {
		return false
	}
	for i := range f {
		if f[i] != "+" && f[i] != tp[i] {
			return false
		}
	}
	return true
}

func (b *fakeBroker) Publish(topic string, _ byte, retained bool, payload interface{}) mqtt.Token {
	var data []byte
	switch p := payload.(type) {
	case string:
		data = []byte(p)
	case []byte:
		data = p
	}

	b.mu.Lock()
	if retained {
		if len(data) == 0 {
			delete(b.retained, topic)
		} else {
			b.retained[topic] = data
		}
	}
	var handlers []mqtt.MessageHandler
	for f, h := range b.subs {
		if matches(f, topic) {
			handlers = append(handlers, h)
		}
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(nil, message{topic: topic, payload: data})
	}
	return doneToken{}
}

func (b *fakeBroker) Subscribe(filter string, _ byte, cb mqtt.MessageHandler) mqtt.Token {
	b.mu.Lock()
	b.subs[filter] = cb
	var pending []message
	for topic, data := range b.retained {
		if matches(filter, topic) {
			pending = append(pending, message{topic: topic, payload: data, retained: true})
		}
	}
	b.mu.Unlock()

	for _, m := range pending {
		cb(nil, m)
	}
	return doneToken{}
}

func (b *fakeBroker) Unsubscribe(topics ...string) mqtt.Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range topics {
		delete(b.subs, t)
	}
	return doneToken{}
}

func (b *fakeBroker) Disconnect(uint) {}

func setup(t *testing.T) (*Server, *Client) {
	t.Helper()
	b := newFakeBroker()
	srv := NewServer(b, nil)
	cli, err := NewClient(context.Background(), b, "/kinectClient", "client-1", nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		cli.Close()
		srv.Close()
	})
	return srv, cli
}

func TestTopics(t *testing.T) {
	assert.Equal(t, "kinectServer/depth:o", Topic("/kinectServer/depth:o"))
	assert.Equal(t, "kinectServer/rpc/request", requestTopic("/kinectServer/rpc"))
	assert.Equal(t, "kinectServer/depth:o/presence/abc", presenceTopic("kinectServer/depth:o", "abc"))
	assert.Equal(t, "kinectClient/rpc/response/abc", replyTopic("/kinectClient", "abc"))
	assert.Equal(t, "kinectwrapper/clients/abc", livenessTopic("abc"))
}

func TestOutlet_CountsPresence(t *testing.T) {
	srv, cli := setup(t)

	out, err := srv.Outlet("/kinectServer/depth:o")
	require.NoError(t, err)
	assert.Equal(t, 0, out.Subscribers())

	in, err := cli.Subscribe(context.Background(), "/kinectServer/depth:o")
	require.NoError(t, err)
	assert.Equal(t, 1, out.Subscribers())

	require.NoError(t, in.Close())
	assert.Equal(t, 0, out.Subscribers())
}

func TestOutlet_SeesRetainedPresenceOfEarlierSubscribers(t *testing.T) {
	b := newFakeBroker()
	cli, err := NewClient(context.Background(), b, "c", "early", nil)
	require.NoError(t, err)
	_, err = cli.Subscribe(context.Background(), "cam/depth:o")
	require.NoError(t, err)

	srv := NewServer(b, nil)
	defer srv.Close()
	out, err := srv.Outlet("cam/depth:o")
	require.NoError(t, err)
	assert.Equal(t, 1, out.Subscribers())
}

func TestOutlet_DropsClientsGoneWithoutClosing(t *testing.T) {
	b := newFakeBroker()
	srv := NewServer(b, nil)
	defer srv.Close()
	out, err := srv.Outlet("cam/depth:o")
	require.NoError(t, err)

	cli, err := NewClient(context.Background(), b, "c", "crashed", nil)
	require.NoError(t, err)
	_, err = cli.Subscribe(context.Background(), "cam/depth:o")
	require.NoError(t, err)
	require.Equal(t, 1, out.Subscribers())

	// what the broker publishes as last will when the connection dies
	b.Publish(livenessTopic("crashed"), 1, true, "")
	assert.Equal(t, 0, out.Subscribers())
}

func TestOutlet_IgnoresStalePresence(t *testing.T) {
	b := newFakeBroker()
	// a retained marker left behind by a client that is no longer connected
	b.Publish(presenceTopic("cam/depth:o", "ghost"), 1, true, presenceOn)

	srv := NewServer(b, nil)
	defer srv.Close()
	out, err := srv.Outlet("cam/depth:o")
	require.NoError(t, err)
	assert.Equal(t, 0, out.Subscribers())
}

func TestOutlet_PublishDelivers(t *testing.T) {
	srv, cli := setup(t)

	out, err := srv.Outlet("cam/joints:o")
	require.NoError(t, err)
	in, err := cli.Subscribe(context.Background(), "cam/joints:o")
	require.NoError(t, err)

	for seq := uint64(1); seq <= 3; seq++ {
		env, err := streaming.NewEnvelope(streaming.TypeJoints, core.Stamp{Seq: seq}, streaming.JointsPayload{})
		require.NoError(t, err)
		require.NoError(t, out.Publish(env))
	}

	env, ok := in.Poll()
	require.True(t, ok)
	assert.Equal(t, uint64(3), env.Stamp.Seq)
	_, ok = in.Poll()
	assert.False(t, ok)

	require.NoError(t, out.Close())
	assert.ErrorIs(t, out.Publish(env), transport.ErrClosed)
}

func TestRPC_RoundTrip(t *testing.T) {
	srv, cli := setup(t)

	_, err := srv.Serve("/cam/rpc", func(_ context.Context, req json.RawMessage) streaming.Bottle {
		cmd, _, err := streaming.ParseRequest(req)
		if err != nil || cmd != streaming.CmdPing {
			return streaming.Nack()
		}
		return streaming.Bottle{streaming.TagAck, string(core.InfoDepthRGB), 320, 240, streaming.TagNull, streaming.TagNull}
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	reply, err := cli.Call(ctx, "/cam/rpc", streaming.Bottle{streaming.CmdPing})
	require.NoError(t, err)
	assert.True(t, reply.Acked())
	mode, _ := reply.String(1)
	assert.Equal(t, "depth_rgb", mode)

	reply, err = cli.Call(ctx, "/cam/rpc", streaming.Bottle{"reset"})
	require.NoError(t, err)
	assert.False(t, reply.Acked())
}

func TestRPC_NoServerTimesOut(t *testing.T) {
	_, cli := setup(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := cli.Call(ctx, "/nobody/rpc", streaming.Bottle{streaming.CmdPing})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestServer_DuplicateAndClosed(t *testing.T) {
	srv, _ := setup(t)

	_, err := srv.Outlet("cam/depth:o")
	require.NoError(t, err)
	_, err = srv.Outlet("/cam/depth:o")
	assert.ErrorIs(t, err, transport.ErrPortInUse)

	require.NoError(t, srv.Close())
	_, err = srv.Outlet("cam/image:o")
	assert.ErrorIs(t, err, transport.ErrClosed)
	_, err = srv.Serve("cam/rpc", nil)
	assert.ErrorIs(t, err, transport.ErrClosed)
}
