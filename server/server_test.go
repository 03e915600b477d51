package server

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/go-transport/driver"
	"github.com/cyberinferno/go-transport/driver/loopback"
	"github.com/cyberinferno/go-transport/metrics"
	"github.com/cyberinferno/go-transport/queue"
	"github.com/cyberinferno/go-transport/relay"
	"github.com/cyberinferno/go-transport/transport"
)

var listenAddr = netip.MustParseAddrPort("127.0.0.1:7777")

type remoteEvent struct {
	State transport.RemoteConnectionState
	ID    transport.ClientID
}

type dataEvent struct {
	Data     string
	Channel  transport.Channel
	ID       transport.ClientID
	AsServer bool
}

type recorder struct {
	mu     sync.Mutex
	local  []transport.LocalConnectionState
	remote []remoteEvent
	data   []dataEvent
}

func (r *recorder) HandleServerConnectionState(state transport.LocalConnectionState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.local = append(r.local, state)
}

func (r *recorder) HandleRemoteConnectionState(state transport.RemoteConnectionState, id transport.ClientID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remote = append(r.remote, remoteEvent{State: state, ID: id})
}

func (r *recorder) HandleReceivedData(data []byte, channel transport.Channel, id transport.ClientID, asServer bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data = append(r.data, dataEvent{Data: string(data), Channel: channel, ID: id, AsServer: asServer})
}

func (r *recorder) Local() []transport.LocalConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transport.LocalConnectionState(nil), r.local...)
}

func (r *recorder) Remote() []remoteEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]remoteEvent(nil), r.remote...)
}

func (r *recorder) Data() []dataEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]dataEvent(nil), r.data...)
}

func (r *recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.local, r.remote, r.data = nil, nil, nil
}

type fixture struct {
	server  *Server
	network *loopback.Network
	rec     *recorder
	metrics *metrics.Metrics
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ListenEndpoint = listenAddr
	return cfg
}

func newFixture(t *testing.T, cfg Config, opts loopback.Options) *fixture {
	t.Helper()
	f := &fixture{
		network: loopback.NewNetwork(),
		rec:     &recorder{},
		metrics: metrics.New(prometheus.NewRegistry(), "test"),
	}

	s, err := New(cfg, f.network.Factory(opts), WithHandler(f.rec), WithMetrics(f.metrics))
	require.NoError(t, err)
	f.server = s
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.server.StartConnection())
	f.rec.Reset()
}

func (f *fixture) dial(t *testing.T) *loopback.Client {
	t.Helper()
	c, err := f.network.Dial(listenAddr)
	require.NoError(t, err)
	return c
}

func TestNew_validation(t *testing.T) {
	factory := loopback.NewNetwork().Factory(loopback.Options{})

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero maximum clients", func(c *Config) { c.MaximumClients = 0 }},
		{"too many maximum clients", func(c *Config) { c.MaximumClients = 4096 }},
		{"payload not above header", func(c *Config) { c.MaxPayloadSize = queue.HeaderSize }},
		{"capacity below payload", func(c *Config) { c.SendQueueCapacity = c.MaxPayloadSize - 1 }},
		{"unknown protocol", func(c *Config) { c.Protocol = transport.ProtocolType(9) }},
		{"zero tick interval", func(c *Config) { c.TickInterval = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			_, err := New(cfg, factory)
			assert.ErrorIs(t, err, transport.ErrConfiguration)
		})
	}

	t.Run("nil factory", func(t *testing.T) {
		_, err := New(testConfig(), nil)
		assert.ErrorIs(t, err, transport.ErrConfiguration)
	})
}

func TestServer_StartConnection(t *testing.T) {
	t.Run("direct start reaches Started", func(t *testing.T) {
		f := newFixture(t, testConfig(), loopback.Options{})
		require.NoError(t, f.server.StartConnection())

		assert.Equal(t, transport.Started, f.server.State())
		assert.Equal(t, []transport.LocalConnectionState{transport.Starting, transport.Started}, f.rec.Local())

		d := f.network.Last()
		require.NotNil(t, d)
		assert.Equal(t, listenAddr, d.LocalEndpoint())
		assert.Nil(t, d.Settings().Relay)
		assert.Equal(t, 1400, d.Settings().MaxPayloadSize)
		assert.Equal(t, float64(transport.Started), testutil.ToFloat64(f.metrics.LocalState))
	})

	t.Run("starting an active server fails without side effects", func(t *testing.T) {
		f := newFixture(t, testConfig(), loopback.Options{})
		f.start(t)

		err := f.server.StartConnection()
		assert.ErrorIs(t, err, transport.ErrAlreadyActive)
		assert.Equal(t, transport.Started, f.server.State())
		assert.Empty(t, f.rec.Local())
		assert.Len(t, f.network.Drivers(), 1)
	})

	t.Run("bind failure disposes the driver and returns to Stopped", func(t *testing.T) {
		f := newFixture(t, testConfig(), loopback.Options{FailBind: true})

		err := f.server.StartConnection()
		assert.ErrorIs(t, err, transport.ErrBindFailure)
		assert.Equal(t, transport.Stopped, f.server.State())
		assert.Equal(t, []transport.LocalConnectionState{transport.Starting, transport.Stopped}, f.rec.Local())
		assert.True(t, f.network.Last().Disposed())
	})

	t.Run("listen failure disposes the driver and returns to Stopped", func(t *testing.T) {
		f := newFixture(t, testConfig(), loopback.Options{FailListen: true})

		err := f.server.StartConnection()
		assert.ErrorIs(t, err, transport.ErrListenFailure)
		assert.Equal(t, transport.Stopped, f.server.State())
		assert.Equal(t, []transport.LocalConnectionState{transport.Starting, transport.Stopped}, f.rec.Local())
		assert.True(t, f.network.Last().Disposed())
	})

	t.Run("server can start again after a failed start", func(t *testing.T) {
		network := loopback.NewNetwork()
		blocker, err := network.Factory(loopback.Options{})(driver.NetworkSettings{})
		require.NoError(t, err)
		require.NoError(t, blocker.Bind(listenAddr))

		s, err := New(testConfig(), network.Factory(loopback.Options{}))
		require.NoError(t, err)
		assert.ErrorIs(t, s.StartConnection(), transport.ErrBindFailure)

		require.NoError(t, blocker.Dispose())
		require.NoError(t, s.StartConnection())
		assert.Equal(t, transport.Started, s.State())
	})
}

func TestServer_StartConnection_relay(t *testing.T) {
	relayConfig := func() Config {
		cfg := testConfig()
		cfg.Protocol = transport.RelayProtocol
		return cfg
	}

	t.Run("missing descriptor is a configuration error before any bind", func(t *testing.T) {
		f := newFixture(t, relayConfig(), loopback.Options{})

		err := f.server.StartConnection()
		assert.ErrorIs(t, err, transport.ErrConfiguration)
		assert.Equal(t, transport.Stopped, f.server.State())
		assert.Nil(t, f.network.Last(), "no driver is created")
		assert.Empty(t, f.rec.Local())
	})

	t.Run("descriptor is passed to the driver and bound on any address", func(t *testing.T) {
		f := newFixture(t, relayConfig(), loopback.Options{})
		desc := relay.Descriptor{
			Endpoint:     "203.0.113.5:7777",
			AllocationID: "alloc-1",
			Key:          "secret",
		}
		f.server.SetRelayServerData(desc)

		require.NoError(t, f.server.StartConnection())
		d := f.network.Last()
		require.NotNil(t, d.Settings().Relay)
		assert.Equal(t, desc, *d.Settings().Relay)
		assert.True(t, d.LocalEndpoint().Addr().IsUnspecified())
		assert.Equal(t, 1, d.BindCalls())
	})
}

func TestServer_StopServer(t *testing.T) {
	t.Run("stopping a stopped server emits exactly one Stopped", func(t *testing.T) {
		f := newFixture(t, testConfig(), loopback.Options{})

		require.NoError(t, f.server.StopServer())
		assert.Equal(t, transport.Stopped, f.server.State())
		assert.Equal(t, []transport.LocalConnectionState{transport.Stopped}, f.rec.Local())
	})

	t.Run("stopping a started server tears everything down", func(t *testing.T) {
		f := newFixture(t, testConfig(), loopback.Options{})
		f.start(t)
		c := f.dial(t)
		require.NoError(t, f.server.Tick())
		require.Len(t, f.server.ConnectedClients(), 1)
		id := f.server.ConnectedClients()[0]
		require.NoError(t, f.server.SendToClient(transport.Reliable, []byte("queued"), id))

		require.NoError(t, f.server.StopServer())

		assert.Equal(t, transport.Stopped, f.server.State())
		assert.Contains(t, f.rec.Local(), transport.Stopping)
		assert.Equal(t, transport.Stopped, f.rec.Local()[len(f.rec.Local())-1])
		assert.True(t, f.network.Last().Disposed())
		assert.False(t, c.Connected())
		assert.Empty(t, f.server.ConnectedClients())
		assert.False(t, f.server.sendQueues.Has(id))
		assert.Equal(t, float64(0), testutil.ToFloat64(f.metrics.ConnectedClients))
	})

	t.Run("no sends are processed after stop", func(t *testing.T) {
		f := newFixture(t, testConfig(), loopback.Options{})
		f.start(t)
		f.dial(t)
		require.NoError(t, f.server.Tick())
		id := f.server.ConnectedClients()[0]

		require.NoError(t, f.server.StopServer())
		assert.ErrorIs(t, f.server.SendToClient(transport.Reliable, []byte("x"), id), transport.ErrNotStarted)
		assert.NoError(t, f.server.Tick())
	})

	t.Run("server restarts after stop", func(t *testing.T) {
		f := newFixture(t, testConfig(), loopback.Options{})
		f.start(t)
		require.NoError(t, f.server.StopServer())
		require.NoError(t, f.server.StartConnection())
		assert.Equal(t, transport.Started, f.server.State())
	})
}

func TestServer_Admission(t *testing.T) {
	t.Run("maximum clients two, three attempts", func(t *testing.T) {
		cfg := testConfig()
		cfg.MaximumClients = 2
		f := newFixture(t, cfg, loopback.Options{})
		f.start(t)

		c1, c2, c3 := f.dial(t), f.dial(t), f.dial(t)
		require.NoError(t, f.server.Tick())

		remote := f.rec.Remote()
		require.Len(t, remote, 2)
		assert.Equal(t, transport.RemoteStarted, remote[0].State)
		assert.Equal(t, transport.RemoteStarted, remote[1].State)
		assert.NotEqual(t, remote[0].ID, remote[1].ID)

		assert.True(t, c1.Connected())
		assert.True(t, c2.Connected())
		assert.False(t, c3.Connected())
		assert.Equal(t, driver.Disconnected, f.network.Last().ConnectionState(c3.Handle()))
		assert.Len(t, f.server.ConnectedClients(), 2)
		assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.Rejected))
		assert.Equal(t, float64(2), testutil.ToFloat64(f.metrics.Admitted))
	})

	t.Run("n clients up to the limit get distinct ids", func(t *testing.T) {
		cfg := testConfig()
		cfg.MaximumClients = 16
		f := newFixture(t, cfg, loopback.Options{})
		f.start(t)

		for i := 0; i < 16; i++ {
			f.dial(t)
		}
		require.NoError(t, f.server.Tick())

		seen := make(map[transport.ClientID]bool)
		for _, ev := range f.rec.Remote() {
			assert.False(t, seen[ev.ID])
			seen[ev.ID] = true
		}
		assert.Len(t, seen, 16)
	})

	t.Run("lowering the limit is not retroactive", func(t *testing.T) {
		f := newFixture(t, testConfig(), loopback.Options{})
		f.start(t)
		f.dial(t)
		f.dial(t)
		require.NoError(t, f.server.Tick())

		require.NoError(t, f.server.SetMaximumClients(1))
		assert.Equal(t, 1, f.server.MaximumClients())
		assert.Len(t, f.server.ConnectedClients(), 2)

		late := f.dial(t)
		require.NoError(t, f.server.Tick())
		assert.False(t, late.Connected())
		assert.Len(t, f.server.ConnectedClients(), 2)
	})

	t.Run("limit must stay within bounds", func(t *testing.T) {
		f := newFixture(t, testConfig(), loopback.Options{})
		assert.ErrorIs(t, f.server.SetMaximumClients(0), transport.ErrConfiguration)
		assert.ErrorIs(t, f.server.SetMaximumClients(4096), transport.ErrConfiguration)
		assert.NoError(t, f.server.SetMaximumClients(4095))
	})
}

func TestServer_Run(t *testing.T) {
	t.Run("requires a started server", func(t *testing.T) {
		f := newFixture(t, testConfig(), loopback.Options{})
		assert.ErrorIs(t, f.server.Run(context.Background()), transport.ErrNotStarted)
	})

	t.Run("ticks until cancelled, then stops", func(t *testing.T) {
		cfg := testConfig()
		cfg.TickInterval = time.Millisecond
		f := newFixture(t, cfg, loopback.Options{})
		f.start(t)
		f.dial(t)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- f.server.Run(ctx) }()

		require.Eventually(t, func() bool {
			return len(f.rec.Remote()) == 1
		}, time.Second, time.Millisecond)

		cancel()
		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(time.Second):
			t.Fatal("Run did not return")
		}
		assert.Equal(t, transport.Stopped, f.server.State())
	})
}
