package server

import (
	"errors"
	"fmt"
	"time"

	"github.com/cyberinferno/go-transport/driver"
	"github.com/cyberinferno/go-transport/logger"
	"github.com/cyberinferno/go-transport/metrics"
	"github.com/cyberinferno/go-transport/queue"
	"github.com/cyberinferno/go-transport/transport"
)

// Tick runs one processing turn: IterateIncoming then IterateOutgoing.
func (s *Server) Tick() error {
	start := time.Now()
	defer func() {
		s.metrics.TickDuration.Observe(time.Since(start).Seconds())
	}()

	if err := s.IterateIncoming(); err != nil {
		return err
	}

	return s.IterateOutgoing()
}

// IterateIncoming updates the driver and handles every pending event:
// admissions, remote disconnects and received data. Nothing is processed
// unless the server is Started.
//
// Returns:
//   - An error if the driver update fails
func (s *Server) IterateIncoming() error {
	s.mu.Lock()
	defer s.unlockAndDispatch()

	if s.state != transport.Started {
		return nil
	}

	if err := s.driver.Update(); err != nil {
		return fmt.Errorf("driver update: %w", err)
	}

	for {
		ev, ok := s.driver.PopEvent()
		if !ok {
			return nil
		}

		switch ev.Type {
		case driver.IncomingConnection:
			s.admitLocked(ev.Handle)
		case driver.Disconnect:
			s.remoteDisconnectLocked(ev.Handle)
		case driver.Data:
			s.receiveLocked(ev)
		default:
			s.logger.Debug("ignoring driver event", logger.Field{Key: "type", Value: ev.Type.String()})
		}
	}
}

func (s *Server) receiveLocked(ev driver.Event) {
	id, ok := s.clients.Lookup(ev.Handle)
	if !ok {
		s.metrics.DroppedPackets.Inc()
		s.logger.Debug("data for unknown connection dropped", logger.Field{Key: "handle", Value: ev.Handle.String()})
		return
	}

	s.metrics.BytesReceived.Add(float64(len(ev.Payload)))

	switch ev.Channel {
	case transport.Reliable:
		messages, err := s.recvQueues.Push(id, ev.Payload)
		s.emitDataLocked(id, ev.Channel, messages)
		if err != nil {
			s.logger.Warn("corrupt reliable stream, disconnecting client",
				logger.Field{Key: "client_id", Value: id},
				logger.Field{Key: "error", Value: err.Error()},
			)
			_ = s.disconnectLocked(id, metrics.ReasonCorrupt)
		}
	case transport.Unreliable:
		messages, err := queue.SplitFrames(ev.Payload)
		s.emitDataLocked(id, ev.Channel, messages)
		if err != nil {
			s.metrics.DroppedPackets.Inc()
			s.logger.Debug("malformed unreliable packet", logger.Field{Key: "client_id", Value: id}, logger.Field{Key: "error", Value: err.Error()})
		}
	default:
		s.metrics.DroppedPackets.Inc()
		s.logger.Debug("data on unknown channel dropped", logger.Field{Key: "client_id", Value: id}, logger.Field{Key: "channel", Value: int(ev.Channel)})
	}
}

func (s *Server) emitDataLocked(id transport.ClientID, channel transport.Channel, messages [][]byte) {
	for _, msg := range messages {
		s.emitLocked(notification{kind: dataNotification, id: id, channel: channel, data: msg})
	}
}

// IterateOutgoing hands queued packets of every client to the driver. Data
// the driver refuses stays queued for the next turn.
func (s *Server) IterateOutgoing() error {
	s.mu.Lock()
	defer s.unlockAndDispatch()

	if s.state != transport.Started {
		return nil
	}

	for _, id := range s.sendQueues.Clients() {
		h, err := s.clients.Resolve(id)
		if err != nil {
			s.sendQueues.Clear(id)
			continue
		}

		n, err := s.sendQueues.Drain(id, func(channel transport.Channel, packet []byte) error {
			return s.driver.Send(h, channel, packet)
		})
		s.metrics.BytesSent.Add(float64(n))

		if err != nil && !errors.Is(err, driver.ErrConnectionClosed) {
			s.logger.Debug("driver refused packet, retrying next tick",
				logger.Field{Key: "client_id", Value: id},
				logger.Field{Key: "error", Value: err.Error()},
			)
		}
	}

	return nil
}

func isOverflow(err error) bool {
	return errors.Is(err, transport.ErrQueueOverflow)
}
