// Package server is the server side of the connection-oriented transport.
// It drives the Stopped -> Starting -> Started -> Stopping -> Stopped
// lifecycle over a driver, admits and tracks remote clients, owns their
// send and receive queues, and reports state changes and data upstream.
//
// All state is guarded by one mutex and mutated only inside the server's
// operations, so driver events, admission decisions and queue changes are
// serialized even when the public API is used from several goroutines.
package server

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cyberinferno/go-transport/driver"
	"github.com/cyberinferno/go-transport/logger"
	"github.com/cyberinferno/go-transport/metrics"
	"github.com/cyberinferno/go-transport/queue"
	"github.com/cyberinferno/go-transport/registry"
	"github.com/cyberinferno/go-transport/relay"
	"github.com/cyberinferno/go-transport/transport"
)

// Option customizes a Server.
type Option func(*Server)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l logger.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithMetrics sets the metrics sink. The default registers into a private
// registry.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithHandler sets the receiver of upstream notifications.
func WithHandler(h Handler) Option {
	return func(s *Server) {
		s.handler = h
	}
}

// Server is the server socket. Create it with New.
type Server struct {
	cfg     Config
	factory driver.Factory
	logger  logger.Logger
	metrics *metrics.Metrics
	handler Handler

	mu          sync.Mutex
	state       transport.LocalConnectionState
	driver      driver.Driver
	relay       relay.Descriptor
	maxClients  int
	clients     *registry.Registry
	sendQueues  *queue.SendQueues
	recvQueues  *queue.ReceiveQueues
	outbox      []notification
	dispatching bool
}

// New creates a stopped server that will build its driver with factory.
//
// Parameters:
//   - cfg: Server settings; see DefaultConfig
//   - factory: Creates the driver on every start
//   - opts: Optional logger, metrics and handler
//
// Returns:
//   - The server in the Stopped state
//   - An error wrapping transport.ErrConfiguration if cfg is invalid
func New(cfg Config, factory driver.Factory, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if factory == nil {
		return nil, fmt.Errorf("%w: nil driver factory", transport.ErrConfiguration)
	}

	s := &Server{
		cfg:        cfg,
		factory:    factory,
		state:      transport.Stopped,
		relay:      cfg.Relay,
		maxClients: cfg.MaximumClients,
		clients:    registry.New(),
		sendQueues: queue.NewSendQueues(cfg.SendQueueCapacity, cfg.MaxPayloadSize),
		recvQueues: queue.NewReceiveQueues(cfg.SendQueueCapacity),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		s.logger = logger.NewNopLogger()
	}

	if s.metrics == nil {
		s.metrics = metrics.New(prometheus.NewRegistry(), "transport")
	}

	if s.handler == nil {
		s.handler = Handlers{}
	}

	s.logger = s.logger.With(logger.Field{Key: "component", Value: "server"})
	return s, nil
}

// State returns the committed local state. A start or stop in progress is
// never observed half-way.
func (s *Server) State() transport.LocalConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetRelayServerData stores the relay descriptor used by the next start in
// relay mode.
func (s *Server) SetRelayServerData(desc relay.Descriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.relay = desc
}

// MaximumClients returns the current admission limit.
func (s *Server) MaximumClients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxClients
}

// SetMaximumClients changes the admission limit. Clients already connected
// are kept even if they exceed the new limit.
//
// Returns:
//   - An error wrapping transport.ErrConfiguration if n is outside 1..4095
func (s *Server) SetMaximumClients(n int) error {
	if err := validateMaximumClients(n); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxClients = n
	return nil
}

// StartConnection creates the driver, binds and listens. On any failure the
// driver is disposed and the server returns to Stopped.
//
// Returns:
//   - nil once the server is Started
//   - transport.ErrAlreadyActive if the server is not stopped (no side effect)
//   - transport.ErrConfiguration, ErrBindFailure or ErrListenFailure otherwise
func (s *Server) StartConnection() error {
	s.mu.Lock()
	defer s.unlockAndDispatch()

	if s.driver != nil || s.state != transport.Stopped {
		s.logger.Error("attempting to start a server that is already active", logger.Field{Key: "state", Value: s.state.String()})
		return fmt.Errorf("start server: %w", transport.ErrAlreadyActive)
	}

	settings := driver.NetworkSettings{
		MaxPayloadSize:   s.cfg.MaxPayloadSize,
		HeartbeatTimeout: s.cfg.HeartbeatTimeout,
	}

	var endpoint netip.AddrPort
	switch s.cfg.Protocol {
	case transport.DirectProtocol:
		endpoint = s.cfg.ListenEndpoint
	case transport.RelayProtocol:
		if err := s.relay.Validate(); err != nil {
			s.logger.Error("relay server data must be set before starting in relay mode", logger.Field{Key: "error", Value: err.Error()})
			return fmt.Errorf("start relay server: %w: %v", transport.ErrConfiguration, err)
		}

		desc := s.relay
		settings.Relay = &desc
		endpoint = driver.AnyIPv4(0)
	default:
		return fmt.Errorf("start server: %w: unsupported protocol %s", transport.ErrConfiguration, s.cfg.Protocol)
	}

	s.setLocalStateLocked(transport.Starting)

	if err := s.bindAndListenLocked(settings, endpoint); err != nil {
		if s.driver != nil {
			if derr := s.driver.Dispose(); derr != nil {
				s.logger.Warn("failed to dispose driver", logger.Field{Key: "error", Value: derr.Error()})
			}
			s.driver = nil
		}

		s.setLocalStateLocked(transport.Stopped)
		return err
	}

	s.setLocalStateLocked(transport.Started)
	return nil
}

func (s *Server) bindAndListenLocked(settings driver.NetworkSettings, endpoint netip.AddrPort) error {
	d, err := s.factory(settings)
	if err != nil {
		s.logger.Error("failed to create driver", logger.Field{Key: "error", Value: err.Error()})
		return fmt.Errorf("create driver: %w: %v", transport.ErrConfiguration, err)
	}

	s.driver = d

	if err := d.Bind(endpoint); err != nil || !d.Bound() {
		s.logger.Error("unable to bind to the specified endpoint",
			logger.Field{Key: "endpoint", Value: endpoint.String()},
			logger.Field{Key: "error", Value: errString(err)},
		)
		return fmt.Errorf("bind %s: %w: %s", endpoint, transport.ErrBindFailure, errString(err))
	}

	if err := d.Listen(); err != nil || !d.Listening() {
		s.logger.Error("server failed to listen",
			logger.Field{Key: "endpoint", Value: endpoint.String()},
			logger.Field{Key: "error", Value: errString(err)},
		)
		return fmt.Errorf("listen %s: %w: %s", endpoint, transport.ErrListenFailure, errString(err))
	}

	return nil
}

// StopServer tears down the driver and every client. Stopping a stopped
// server does nothing except report Stopped once more.
//
// Returns:
//   - nil; teardown cannot fail
func (s *Server) StopServer() error {
	s.mu.Lock()
	defer s.unlockAndDispatch()

	if s.state == transport.Stopped && s.driver == nil {
		s.emitLocked(notification{kind: localStateNotification, local: transport.Stopped})
		return nil
	}

	s.setLocalStateLocked(transport.Stopping)
	s.shutdownLocked()
	s.setLocalStateLocked(transport.Stopped)
	return nil
}

func (s *Server) shutdownLocked() {
	dropped := s.clients.Len()
	s.recvQueues.Reset()
	s.sendQueues.Reset()
	s.clients.Clear()
	s.metrics.ConnectedClients.Set(0)

	if s.driver != nil {
		if err := s.driver.Dispose(); err != nil {
			s.logger.Warn("failed to dispose driver", logger.Field{Key: "error", Value: err.Error()})
		}
		s.driver = nil
	}

	s.logger.Info("server shut down", logger.Field{Key: "clients_dropped", Value: dropped})
}

// setLocalStateLocked is the only writer of s.state. It notifies upstream
// once per actual change.
func (s *Server) setLocalStateLocked(state transport.LocalConnectionState) {
	if state == s.state {
		return
	}

	s.state = state
	s.metrics.LocalState.Set(float64(state))
	s.logger.Info("local connection state changed", logger.Field{Key: "state", Value: state.String()})
	s.emitLocked(notification{kind: localStateNotification, local: state})
}

// Run ticks the server every TickInterval until ctx is done, then stops it.
// The server must already be started.
//
// Parameters:
//   - ctx: Cancelling ctx stops the loop and the server
//
// Returns:
//   - transport.ErrNotStarted if the server was not started
//   - ctx.Err() after a clean shutdown
func (s *Server) Run(ctx context.Context) error {
	if s.State() != transport.Started {
		return fmt.Errorf("run: %w", transport.ErrNotStarted)
	}

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = s.StopServer()
			return ctx.Err()
		case <-ticker.C:
			if err := s.Tick(); err != nil {
				s.logger.Error("tick failed", logger.Field{Key: "error", Value: err.Error()})
			}
		}
	}
}

func errString(err error) string {
	if err == nil {
		return "driver reported failure"
	}

	return err.Error()
}
