package server

import "github.com/cyberinferno/go-transport/transport"

// Handler receives the server's upstream notifications. Calls are made
// without the server lock held, in the order the underlying changes were
// committed, and never concurrently with each other; a handler may call
// back into the server.
type Handler interface {
	// HandleServerConnectionState is called when the local state changes.
	HandleServerConnectionState(state transport.LocalConnectionState)

	// HandleRemoteConnectionState is called when a client is admitted
	// (RemoteStarted) or removed (RemoteStopped).
	HandleRemoteConnectionState(state transport.RemoteConnectionState, id transport.ClientID)

	// HandleReceivedData is called for every complete message from a client.
	// asServer is always true for data delivered by the server socket.
	HandleReceivedData(data []byte, channel transport.Channel, id transport.ClientID, asServer bool)
}

// Handlers adapts plain functions to Handler. Nil fields are skipped.
type Handlers struct {
	OnServerConnectionState func(state transport.LocalConnectionState)
	OnRemoteConnectionState func(state transport.RemoteConnectionState, id transport.ClientID)
	OnReceivedData          func(data []byte, channel transport.Channel, id transport.ClientID, asServer bool)
}

// HandleServerConnectionState implements Handler.
func (h Handlers) HandleServerConnectionState(state transport.LocalConnectionState) {
	if h.OnServerConnectionState != nil {
		h.OnServerConnectionState(state)
	}
}

// HandleRemoteConnectionState implements Handler.
func (h Handlers) HandleRemoteConnectionState(state transport.RemoteConnectionState, id transport.ClientID) {
	if h.OnRemoteConnectionState != nil {
		h.OnRemoteConnectionState(state, id)
	}
}

// HandleReceivedData implements Handler.
func (h Handlers) HandleReceivedData(data []byte, channel transport.Channel, id transport.ClientID, asServer bool) {
	if h.OnReceivedData != nil {
		h.OnReceivedData(data, channel, id, asServer)
	}
}

type notificationKind int

const (
	localStateNotification notificationKind = iota
	remoteStateNotification
	dataNotification
)

type notification struct {
	kind    notificationKind
	local   transport.LocalConnectionState
	remote  transport.RemoteConnectionState
	id      transport.ClientID
	channel transport.Channel
	data    []byte
}

// emitLocked queues n for delivery; caller must hold s.mu.
func (s *Server) emitLocked(n notification) {
	s.outbox = append(s.outbox, n)
}

// unlockAndDispatch releases s.mu and delivers queued notifications. Only
// one goroutine dispatches at a time; notifications queued by re-entrant
// calls or by other goroutines meanwhile are delivered by the active
// dispatcher, preserving commit order.
func (s *Server) unlockAndDispatch() {
	if s.dispatching {
		s.mu.Unlock()
		return
	}

	s.dispatching = true
	for len(s.outbox) > 0 {
		batch := s.outbox
		s.outbox = nil
		s.mu.Unlock()

		s.deliver(batch)

		s.mu.Lock()
	}

	s.dispatching = false
	s.mu.Unlock()
}

func (s *Server) deliver(batch []notification) {
	for _, n := range batch {
		switch n.kind {
		case localStateNotification:
			s.handler.HandleServerConnectionState(n.local)
		case remoteStateNotification:
			s.handler.HandleRemoteConnectionState(n.remote, n.id)
		case dataNotification:
			s.handler.HandleReceivedData(n.data, n.channel, n.id, true)
		}
	}
}
