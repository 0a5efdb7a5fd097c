package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/depthwire/kinectwrapper/internal/codec"
	"github.com/depthwire/kinectwrapper/internal/dispatcher"
	"github.com/depthwire/kinectwrapper/internal/driver"
	"github.com/depthwire/kinectwrapper/internal/skeleton"
	"github.com/depthwire/kinectwrapper/internal/transport"
	"github.com/depthwire/kinectwrapper/pkg/core"
	"github.com/depthwire/kinectwrapper/pkg/streaming"
)

// scaleProjector maps millimeters to pixels as u = x/10 + 160, v = y/10 + 120.
type scaleProjector struct{}

func (scaleProjector) WorldToImage(p r3.Vector) (float64, float64) {
	return p.X/10 + 160, p.Y/10 + 120
}

var fakeTable = skeleton.JointTable{
	Names: []string{core.JointHead, core.JointShoulderCenter, core.JointHandLeft},
}

type fakeDriver struct {
	mu        sync.Mutex
	cfg       driver.Config
	initErr   error
	updateErr error
	users     []skeleton.RawUser
	updates   int
	closed    int

	// when set, Update signals entered and waits for release
	entered chan struct{}
	release chan struct{}
}

func (d *fakeDriver) Initialize(cfg driver.Config) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.initErr != nil {
		return d.initErr
	}
	d.cfg = cfg
	return nil
}

func (d *fakeDriver) Update() error {
	if d.release != nil {
		select {
		case d.entered <- struct{}{}:
		default:
		}
		<-d.release
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.updateErr != nil {
		return d.updateErr
	}
	d.updates++
	return nil
}

func (d *fakeDriver) stamp() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return float64(d.updates) * 0.02
}

func (d *fakeDriver) ReadDepth() (core.DepthFrame, float64, error) {
	f := core.NewDepthFrame(core.DepthWidth, core.DepthHeight)
	for i := range f.Pix {
		f.Pix[i] = codec.Encode(1500, 1)
	}
	return f, d.stamp(), nil
}

func (d *fakeDriver) ReadColor() (core.ColorFrame, float64, error) {
	d.mu.Lock()
	cfg := d.cfg
	d.mu.Unlock()
	if !cfg.Mode.HasColor() {
		return core.ColorFrame{}, 0, driver.ErrUnsupported
	}
	return core.NewColorFrame(cfg.ImgWidth, cfg.ImgHeight), d.stamp(), nil
}

func (d *fakeDriver) ReadSkeletons() ([]core.Player, float64, error) {
	d.mu.Lock()
	users := d.users
	d.mu.Unlock()
	return skeleton.Normalize(users, skeleton.Options{Table: fakeTable, Projector: scaleProjector{}}), d.stamp(), nil
}

func (d *fakeDriver) Project(u, v int, depthMm uint16) (r3.Vector, error) {
	return r3.Vector{X: float64(u) / 1600, Y: -float64(v) / 2400, Z: float64(depthMm) / 1000}, nil
}

func (d *fakeDriver) Traits() driver.Traits {
	return driver.Traits{Name: "fake", DrawAll: true}
}

func (d *fakeDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed++
	return nil
}

type fakeOutlet struct {
	name   string
	subs   atomic.Int32
	mu     sync.Mutex
	envs   []streaming.Envelope
	closed bool
}

func (o *fakeOutlet) Name() string { return o.name }

func (o *fakeOutlet) Publish(env streaming.Envelope) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.envs = append(o.envs, env)
	return nil
}

func (o *fakeOutlet) Subscribers() int { return int(o.subs.Load()) }

func (o *fakeOutlet) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	return nil
}

func (o *fakeOutlet) published() []streaming.Envelope {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]streaming.Envelope(nil), o.envs...)
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

type fakeCarrier struct {
	mu        sync.Mutex
	outlets   map[string]*fakeOutlet
	handlers  map[string]transport.RequestHandler
	rpcClosed bool
}

func newFakeCarrier() *fakeCarrier {
	return &fakeCarrier{
		outlets:  make(map[string]*fakeOutlet),
		handlers: make(map[string]transport.RequestHandler),
	}
}

func (c *fakeCarrier) Outlet(name string) (transport.Outlet, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.outlets[name]; ok {
		return nil, transport.ErrPortInUse
	}
	o := &fakeOutlet{name: name}
	c.outlets[name] = o
	return o, nil
}

func (c *fakeCarrier) Serve(name string, h transport.RequestHandler) (io.Closer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[name] = h
	return closerFunc(func() error {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.rpcClosed = true
		return nil
	}), nil
}

func (c *fakeCarrier) Close() error { return nil }

func (c *fakeCarrier) outlet(name string) *fakeOutlet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outlets[name]
}

func (c *fakeCarrier) call(t *testing.T, port string, req string) streaming.Bottle {
	t.Helper()
	c.mu.Lock()
	h := c.handlers[port]
	c.mu.Unlock()
	require.NotNil(t, h, "no rpc handler on %s", port)
	return h(context.Background(), json.RawMessage(req))
}

func newTestServer(t *testing.T, drv driver.Driver) (*Server, *fakeCarrier, *dispatcher.Dispatcher) {
	t.Helper()
	carrier := newFakeCarrier()
	disp, err := dispatcher.New(nopLogger{})
	require.NoError(t, err)
	s, err := New(drv, carrier, disp, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		s.Close()
		disp.Close()
	})
	return s, carrier, disp
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

func shoulderOnlyUser(id int) skeleton.RawUser {
	return skeleton.RawUser{ID: id, Joints: []skeleton.RawJoint{
		{Confidence: 0.3, Position: r3.Vector{X: 0, Y: -400, Z: 2000}},
		{Confidence: 0.9, Position: r3.Vector{X: 100, Y: -200, Z: 2000}},
		{Confidence: 0.5, Position: r3.Vector{X: 300, Y: 0, Z: 1900}},
	}}
}

func TestOpen_OutletsFollowMode(t *testing.T) {
	tests := []struct {
		mode  core.InfoMode
		ports []string
	}{
		{core.InfoAll, []string{"/cam/depth:o", "/cam/image:o", "/cam/joints:o"}},
		{core.InfoDepthJoints, []string{"/cam/depth:o", "/cam/joints:o"}},
		{core.InfoDepthRGB, []string{"/cam/depth:o", "/cam/image:o"}},
		{core.InfoDepth, []string{"/cam/depth:o"}},
	}
	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			s, carrier, _ := newTestServer(t, &fakeDriver{})
			require.NoError(t, s.Open(Config{Name: "/cam", Mode: tt.mode, Period: time.Hour}))

			carrier.mu.Lock()
			names := make([]string, 0, len(carrier.outlets))
			for n := range carrier.outlets {
				names = append(names, n)
			}
			_, hasRPC := carrier.handlers["/cam/rpc"]
			carrier.mu.Unlock()

			assert.ElementsMatch(t, tt.ports, names)
			assert.True(t, hasRPC)
		})
	}
}

func TestOpen_Errors(t *testing.T) {
	s, _, _ := newTestServer(t, &fakeDriver{})
	assert.ErrorIs(t, s.Open(Config{}), ErrMissingName)
	assert.Error(t, s.Open(Config{Name: "cam", Mode: "rgb_only"}))

	require.NoError(t, s.Open(Config{Name: "cam", Period: time.Hour}))
	assert.ErrorIs(t, s.Open(Config{Name: "cam"}), ErrAlreadyOpen)

	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Open(Config{Name: "cam"}), ErrClosed)

	boom := errors.New("no device")
	s2, _, _ := newTestServer(t, &fakeDriver{initErr: boom})
	assert.ErrorIs(t, s2.Open(Config{Name: "cam"}), boom)
}

func TestOpen_Defaults(t *testing.T) {
	drv := &fakeDriver{}
	s, _, _ := newTestServer(t, drv)
	require.NoError(t, s.Open(Config{Name: "kinectServer", Seated: true}))

	info := s.Info()
	assert.Equal(t, core.InfoAll, info.Mode)
	assert.Equal(t, 320, info.ImgWidth)
	assert.Equal(t, 240, info.ImgHeight)
	assert.Equal(t, core.DepthWidth, info.DepthWidth)
	assert.Equal(t, core.DepthHeight, info.DepthHeight)
	assert.False(t, info.SeatedMode, "fake driver has no seated tracking")
	assert.True(t, info.DrawAll)
	assert.Equal(t, core.DeviceKinect, drv.cfg.Device)
}

func TestTick_PublishesOnlyWithSubscribers(t *testing.T) {
	drv := &fakeDriver{users: []skeleton.RawUser{shoulderOnlyUser(1)}}
	s, carrier, _ := newTestServer(t, drv)
	require.NoError(t, s.Open(Config{Name: "cam", Mode: core.InfoDepthJoints, Period: 5 * time.Millisecond}))

	joints := carrier.outlet("cam/joints:o")
	depth := carrier.outlet("cam/depth:o")
	joints.subs.Store(1)

	require.Eventually(t, func() bool { return len(joints.published()) >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, depth.published())

	_, st, ok := s.Store().RawDepth()
	require.True(t, ok, "depth is stored even without subscribers")
	assert.NotZero(t, st.Seq)

	envs := joints.published()
	assert.Less(t, envs[0].Stamp.Seq, envs[1].Stamp.Seq)
	assert.Equal(t, streaming.TypeJoints, envs[0].Type)
}

func TestTick_DepthJointsNormalization(t *testing.T) {
	drv := &fakeDriver{users: []skeleton.RawUser{shoulderOnlyUser(3)}}
	s, carrier, _ := newTestServer(t, drv)
	require.NoError(t, s.Open(Config{Name: "cam", Mode: core.InfoDepthJoints, Period: 5 * time.Millisecond}))
	carrier.outlet("cam/joints:o").subs.Store(1)

	var players []core.Player
	require.Eventually(t, func() bool {
		var ok bool
		players, _, ok = s.Store().Joints()
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	require.Len(t, players, 1)
	p := players[0]
	assert.Equal(t, 3, p.ID)
	require.Len(t, p.Skeleton, 2)
	sc := p.Skeleton[core.JointShoulderCenter]
	assert.Equal(t, 170, sc.U)
	assert.Equal(t, 100, sc.V)
	assert.InDelta(t, 0.1, sc.X, 1e-9)
	assert.InDelta(t, -0.2, sc.Y, 1e-9)
	assert.InDelta(t, 2.0, sc.Z, 1e-9)
	assert.Equal(t, sc, p.Skeleton[core.JointCoM])

	require.Eventually(t, func() bool { return len(carrier.outlet("cam/joints:o").published()) > 0 }, 2*time.Second, 5*time.Millisecond)
	var payload streaming.JointsPayload
	require.NoError(t, carrier.outlet("cam/joints:o").published()[0].Decode(&payload))
	assert.Equal(t, players, payload.Players())
}

func TestTick_UpdateFailureSkips(t *testing.T) {
	drv := &fakeDriver{updateErr: driver.ErrNoFrame}
	s, carrier, _ := newTestServer(t, drv)
	require.NoError(t, s.Open(Config{Name: "cam", Mode: core.InfoDepth, Period: 2 * time.Millisecond}))
	carrier.outlet("cam/depth:o").subs.Store(1)

	time.Sleep(30 * time.Millisecond)
	_, _, ok := s.Store().RawDepth()
	assert.False(t, ok)
	assert.Empty(t, carrier.outlet("cam/depth:o").published())

	assert.Equal(t, streaming.Bottle{streaming.TagNack}, carrier.call(t, "cam/rpc", `["get3D",160,120]`))

	require.NoError(t, s.Close())
	assert.Equal(t, 1, drv.closed, "driver is shut down even when every tick failed")
}

func TestTick_Sinks(t *testing.T) {
	drv := &fakeDriver{users: []skeleton.RawUser{shoulderOnlyUser(1)}}
	s, carrier, disp := newTestServer(t, drv)

	reports := make(chan core.TickReport, 64)
	samples := make(chan core.PlayersSample, 64)
	disp.Register(CmdTick, func(e dispatcher.Event) (any, error) {
		select {
		case reports <- e.Payload.(core.TickReport):
		default:
		}
		return nil, nil
	}, dispatcher.Buffered(16))
	disp.Register(CmdPlayers, func(e dispatcher.Event) (any, error) {
		select {
		case samples <- e.Payload.(core.PlayersSample):
		default:
		}
		return nil, nil
	}, dispatcher.Buffered(16))

	require.NoError(t, s.Open(Config{Name: "cam", Mode: core.InfoAll, Period: 5 * time.Millisecond}))
	carrier.outlet("cam/depth:o").subs.Store(1)

	select {
	case sample := <-samples:
		assert.Equal(t, "cam", sample.Server)
		require.Len(t, sample.Players, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("no players sample")
	}

	require.Eventually(t, func() bool {
		for {
			select {
			case r := <-reports:
				if r.Players == 1 && assert.ObjectsAreEqual([]core.Category{core.CategoryDepth}, r.Published) {
					return true
				}
			default:
				return false
			}
		}
	}, 2*time.Second, 5*time.Millisecond)
}

func TestQuery_Ping(t *testing.T) {
	s, carrier, _ := newTestServer(t, &fakeDriver{})
	require.NoError(t, s.Open(Config{Name: "cam", Mode: core.InfoDepthJoints, Period: time.Hour, Seated: true}))

	got := carrier.call(t, "cam/rpc", `["ping"]`)
	assert.Equal(t, streaming.Bottle{"ack", "depth_joints", 320, 240, "null", "drawAll"}, got)
}

func TestQuery_Get3D(t *testing.T) {
	s, carrier, _ := newTestServer(t, &fakeDriver{})
	require.NoError(t, s.Open(Config{Name: "cam", Mode: core.InfoDepth, Period: 5 * time.Millisecond}))
	require.Eventually(t, func() bool {
		_, _, ok := s.Store().RawDepth()
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	got := carrier.call(t, "cam/rpc", `["get3D",160,120]`)
	require.Len(t, got, 4)
	assert.Equal(t, "ack", got[0])
	assert.InDelta(t, 0.10, got[1].(float64), 1e-9)
	assert.InDelta(t, -0.05, got[2].(float64), 1e-9)
	assert.InDelta(t, 1.5, got[3].(float64), 1e-9)
}

func TestQuery_Nack(t *testing.T) {
	s, carrier, _ := newTestServer(t, &fakeDriver{})
	require.NoError(t, s.Open(Config{Name: "cam", Mode: core.InfoDepth, Period: 5 * time.Millisecond}))
	require.Eventually(t, func() bool {
		_, _, ok := s.Store().RawDepth()
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	nack := streaming.Bottle{streaming.TagNack}
	for _, req := range []string{
		`[]`,
		`["bogus"]`,
		`["players"]`,
		`["get3D"]`,
		`["get3D","a",1]`,
		`["get3D",400,10]`,
		`{"not":"a bottle"}`,
	} {
		assert.Equal(t, nack, carrier.call(t, "cam/rpc", req), req)
	}
}

func TestClose_WaitsForInFlightTick(t *testing.T) {
	drv := &fakeDriver{entered: make(chan struct{}, 1), release: make(chan struct{})}
	s, _, _ := newTestServer(t, drv)
	require.NoError(t, s.Open(Config{Name: "cam", Mode: core.InfoDepth, Period: 5 * time.Millisecond}))

	select {
	case <-drv.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("tick never reached Update")
	}

	done := make(chan error, 1)
	go func() { done <- s.Close() }()

	time.Sleep(20 * time.Millisecond)
	drv.mu.Lock()
	closedMidTick := drv.closed
	drv.mu.Unlock()
	assert.Equal(t, 0, closedMidTick, "driver closed while Update was running")
	select {
	case <-done:
		t.Fatal("Close returned before the tick finished")
	default:
	}

	close(drv.release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return after the tick finished")
	}
	drv.mu.Lock()
	defer drv.mu.Unlock()
	assert.Equal(t, 1, drv.closed)
}

func TestClose_Idempotent(t *testing.T) {
	idle, _, _ := newTestServer(t, &fakeDriver{})
	require.NoError(t, idle.Close(), "close before open")

	drv := &fakeDriver{}
	s, carrier, _ := newTestServer(t, drv)
	require.NoError(t, s.Open(Config{Name: "cam", Mode: core.InfoAll, Period: 5 * time.Millisecond}))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.Equal(t, 1, drv.closed)
	carrier.mu.Lock()
	defer carrier.mu.Unlock()
	require.Len(t, carrier.outlets, 3)
	for _, o := range carrier.outlets {
		assert.True(t, o.closed, o.name)
	}
	assert.True(t, carrier.rpcClosed)
}
