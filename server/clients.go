package server

import (
	"fmt"

	"github.com/cyberinferno/go-transport/driver"
	"github.com/cyberinferno/go-transport/logger"
	"github.com/cyberinferno/go-transport/metrics"
	"github.com/cyberinferno/go-transport/transport"
)

// admitLocked registers a new connection, or refuses it when the server is
// full. A refused connection gets no id, no queues and no notification.
func (s *Server) admitLocked(h driver.Handle) {
	if s.clients.Len() >= s.maxClients {
		s.logger.Warn("server full, refusing connection",
			logger.Field{Key: "handle", Value: h.String()},
			logger.Field{Key: "maximum_clients", Value: s.maxClients},
		)

		if err := s.driver.Disconnect(h); err != nil {
			s.logger.Warn("failed to disconnect refused connection", logger.Field{Key: "error", Value: err.Error()})
		}

		s.metrics.Rejected.Inc()
		return
	}

	id, err := s.clients.Register(h)
	if err != nil {
		s.logger.Error("failed to register connection", logger.Field{Key: "error", Value: err.Error()})
		return
	}

	s.metrics.Admitted.Inc()
	s.metrics.ConnectedClients.Set(float64(s.clients.Len()))
	s.logger.Debug("client connected", logger.Field{Key: "client_id", Value: id}, logger.Field{Key: "handle", Value: h.String()})
	s.emitLocked(notification{kind: remoteStateNotification, remote: transport.RemoteStarted, id: id})
}

// DisconnectRemoteClient disconnects a client. Queued sends get one last
// delivery attempt, then the client's queues and registry entry are removed
// before the driver connection is closed, so late data for the id is dropped.
//
// Parameters:
//   - id: The client to disconnect
//
// Returns:
//   - transport.ErrNotStarted if the server is not Started
//   - transport.ErrNotFound if id is not connected
func (s *Server) DisconnectRemoteClient(id transport.ClientID) error {
	s.mu.Lock()
	defer s.unlockAndDispatch()
	return s.disconnectLocked(id, metrics.ReasonExplicit)
}

func (s *Server) disconnectLocked(id transport.ClientID, reason string) error {
	if s.state != transport.Started {
		return fmt.Errorf("disconnect client %d: %w", id, transport.ErrNotStarted)
	}

	h, err := s.clients.Resolve(id)
	if err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}

	sent, dropped := s.sendQueues.Flush(id, func(channel transport.Channel, packet []byte) error {
		return s.driver.Send(h, channel, packet)
	})
	if dropped > 0 {
		s.metrics.DroppedPackets.Add(float64(dropped))
	}

	s.recvQueues.Remove(id)
	s.sendQueues.Clear(id)

	if s.driver.ConnectionState(h) != driver.Disconnected {
		if err := s.driver.Disconnect(h); err != nil {
			s.logger.Warn("driver disconnect failed", logger.Field{Key: "client_id", Value: id}, logger.Field{Key: "error", Value: err.Error()})
		}
	}

	_ = s.clients.Unregister(id)
	s.metrics.ConnectedClients.Set(float64(s.clients.Len()))
	s.metrics.Disconnects.WithLabelValues(reason).Inc()

	s.logger.Debug("client disconnected",
		logger.Field{Key: "client_id", Value: id},
		logger.Field{Key: "reason", Value: reason},
		logger.Field{Key: "flushed_packets", Value: sent},
		logger.Field{Key: "dropped_packets", Value: dropped},
	)
	s.emitLocked(notification{kind: remoteStateNotification, remote: transport.RemoteStopped, id: id})
	return nil
}

// remoteDisconnectLocked handles a disconnect reported by the driver. The
// connection is already gone, so nothing is flushed and no driver
// disconnect is issued, but local state is still released.
func (s *Server) remoteDisconnectLocked(h driver.Handle) {
	id, ok := s.clients.Lookup(h)
	if !ok {
		s.logger.Debug("disconnect for unknown connection", logger.Field{Key: "handle", Value: h.String()})
		return
	}

	s.recvQueues.Remove(id)
	s.sendQueues.Clear(id)
	_ = s.clients.Unregister(id)
	s.metrics.ConnectedClients.Set(float64(s.clients.Len()))
	s.metrics.Disconnects.WithLabelValues(metrics.ReasonRemote).Inc()

	s.logger.Debug("client disconnected by remote", logger.Field{Key: "client_id", Value: id})
	s.emitLocked(notification{kind: remoteStateNotification, remote: transport.RemoteStopped, id: id})
}

// SendToClient queues payload for id on channel. It is delivered on the
// next IterateOutgoing. If the client's queue overflows, that client is
// disconnected; other clients are unaffected.
//
// Parameters:
//   - channel: The delivery channel
//   - payload: The message; it is copied
//   - id: The destination client
//
// Returns:
//   - transport.ErrNotStarted, transport.ErrNotFound, or transport.ErrQueueOverflow
//     (the client has been disconnected), or a message size error
func (s *Server) SendToClient(channel transport.Channel, payload []byte, id transport.ClientID) error {
	s.mu.Lock()
	defer s.unlockAndDispatch()

	if s.state != transport.Started {
		return fmt.Errorf("send to client %d: %w", id, transport.ErrNotStarted)
	}

	if _, err := s.clients.Resolve(id); err != nil {
		return fmt.Errorf("send: %w", err)
	}

	err := s.sendQueues.Enqueue(id, channel, payload)
	if err == nil {
		return nil
	}

	if !isOverflow(err) {
		return fmt.Errorf("send to client %d: %w", id, err)
	}

	s.logger.Warn("send queue overflow, disconnecting client",
		logger.Field{Key: "client_id", Value: id},
		logger.Field{Key: "channel", Value: channel.String()},
	)
	s.onPushMessageFailureLocked(id)
	return fmt.Errorf("send to client %d: %w", id, err)
}

func (s *Server) onPushMessageFailureLocked(id transport.ClientID) {
	if err := s.disconnectLocked(id, metrics.ReasonOverflow); err != nil {
		s.logger.Warn("failed to disconnect overflowing client", logger.Field{Key: "client_id", Value: id}, logger.Field{Key: "error", Value: err.Error()})
	}
}

// GetConnectionAddress returns the IP address of a connected client, without
// the port, or "" if the id is unknown or its connection is gone.
func (s *Server) GetConnectionAddress(id transport.ClientID) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.driver == nil {
		return ""
	}

	h, err := s.clients.Resolve(id)
	if err != nil {
		return ""
	}

	if s.driver.ConnectionState(h) == driver.Disconnected {
		return ""
	}

	addr, err := s.driver.RemoteEndpoint(h)
	if err != nil {
		return ""
	}

	return addr.Addr().String()
}

// GetConnectionState returns the driver-level state of a client.
//
// Returns:
//   - The state, driver.Disconnected on error
//   - transport.ErrNotStarted if no driver exists, transport.ErrNotFound for unknown ids
func (s *Server) GetConnectionState(id transport.ClientID) (driver.ConnectionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.driver == nil {
		return driver.Disconnected, fmt.Errorf("connection state of client %d: %w", id, transport.ErrNotStarted)
	}

	h, err := s.clients.Resolve(id)
	if err != nil {
		return driver.Disconnected, fmt.Errorf("connection state: %w", err)
	}

	return s.driver.ConnectionState(h), nil
}

// ConnectedClients returns the registered client ids in ascending order.
func (s *Server) ConnectedClients() []transport.ClientID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clients.IDs()
}
