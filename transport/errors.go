package transport

import "errors"

var (
	// ErrConfiguration is returned when settings are missing or unsupported,
	// for example relay mode without a relay descriptor.
	ErrConfiguration = errors.New("configuration error")

	// ErrBindFailure is returned when the driver cannot bind its endpoint.
	ErrBindFailure = errors.New("bind failed")

	// ErrListenFailure is returned when the driver is bound but cannot listen.
	ErrListenFailure = errors.New("listen failed")

	// ErrAlreadyActive is returned when starting a server that is not stopped.
	ErrAlreadyActive = errors.New("server already active")

	// ErrNotFound is returned when a client id has no registered connection.
	ErrNotFound = errors.New("client not found")

	// ErrNotStarted is returned for per-client operations while the server is
	// not in the Started state.
	ErrNotStarted = errors.New("server not started")

	// ErrQueueOverflow is returned when a client's send backlog exceeds the
	// configured capacity.
	ErrQueueOverflow = errors.New("send queue overflow")
)
