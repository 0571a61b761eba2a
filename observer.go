package wire

import "github.com/pgwireemu/pgwireemu/pkg/types"

// SessionObserver receives session lifecycle and traffic counters from the
// Registry and dispatch loop. It lets a metrics implementation (such as
// internal/metrics.Collector) observe the core without the core importing
// any particular metrics SDK.
type SessionObserver interface {
	// SessionOpened is called once a connection has been registered, with
	// the resulting number of concurrently registered sessions.
	SessionOpened(active int)
	// SessionClosed is called once a connection has been unregistered, with
	// the resulting number of concurrently registered sessions.
	SessionClosed(active int)
	// MessageHandled is called once per dispatched client message.
	MessageHandled(t types.ClientMessage)
	// ErrorHandled is called whenever a command handler returns a non-EOF
	// error to the dispatch loop, which then ends the session. An
	// ErrorResponse that a handler writes to the client itself, and then
	// returns nil for, is not reported.
	ErrorHandled(code string)
}
