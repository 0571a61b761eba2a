package wire

import (
	"net"
	"sync"

	"github.com/pgwireemu/pgwireemu/pkg/types"
)

// sessionState enumerates the lifecycle of a single client connection, from
// the moment the TCP connection is accepted through to termination.
type sessionState int

const (
	// stateAwaitingStartup is the state a connection is in before the
	// startup packet (or an SSL/GSS negotiation request) has been read.
	stateAwaitingStartup sessionState = iota
	// stateNegotiating covers the SSL/GSS negotiation exchange, before the
	// real startup packet has been read.
	stateNegotiating
	// stateAwaitingPassword covers the span between announcing an
	// authentication method and receiving the client's PasswordMessage.
	stateAwaitingPassword
	// stateReady is the steady state: idle between commands, not inside an
	// extended-query batch.
	stateReady
	// stateInBatch covers an extended-query message sequence between the
	// first Parse/Bind/Describe/Execute and the terminating Sync.
	stateInBatch
	// stateTerminated marks a connection that has sent Terminate or been
	// closed; no further messages are processed.
	stateTerminated
)

// Session holds all per-connection state: the negotiated backend key used
// to correlate CancelRequests, the transaction status byte reported on
// every ReadyForQuery, the prepared-statement/portal namespaces (which the
// protocol scopes to a single connection, never shared across clients), and
// the sticky batch-failure flag used by the extended query protocol.
//
// A Session is mutated only by the goroutine running its own dispatch
// loop; no field requires synchronization except cancelRequested, which a
// different connection's CancelRequest handler may set concurrently.
type Session struct {
	remoteAddr net.Addr
	backendKey BackendKeyPair

	state sessionState

	// txStatus is the transaction status byte sent on every ReadyForQuery.
	// This emulator never truly opens a transaction; it infers the status
	// from the first keyword of simple-query statements and from explicit
	// BEGIN/COMMIT/ROLLBACK text so clients observe familiar semantics.
	txStatus types.ServerStatus

	// batchFailed is set once an extended-query message inside a batch
	// errors; while set, all subsequent Parse/Bind/Describe/Execute
	// messages are silently skipped until the terminating Sync, per the
	// PostgreSQL extended query protocol's error-recovery rule.
	batchFailed bool

	statements map[string]*PreparedStatement
	portals    map[string]*Portal

	mu              sync.Mutex
	cancelRequested bool
}

// newSession constructs a Session in its initial, pre-startup state for a
// freshly accepted connection.
func newSession(remoteAddr net.Addr, key BackendKeyPair) *Session {
	return &Session{
		remoteAddr: remoteAddr,
		backendKey: key,
		state:      stateAwaitingStartup,
		txStatus:   types.ServerIdle,
		statements: make(map[string]*PreparedStatement),
		portals:    make(map[string]*Portal),
	}
}

// setStatement installs a named prepared statement, overwriting any
// previous statement of the same name. The unnamed statement ("") behaves
// the same way; PostgreSQL clients are expected to re-Parse it before reuse.
func (s *Session) setStatement(name string, stmt *PreparedStatement) {
	s.statements[name] = stmt
}

// getStatement looks up a previously parsed statement by name.
func (s *Session) getStatement(name string) (*PreparedStatement, bool) {
	stmt, ok := s.statements[name]
	return stmt, ok
}

// setPortal installs a named portal, overwriting any previous portal of the
// same name.
func (s *Session) setPortal(name string, portal *Portal) {
	s.portals[name] = portal
}

// getPortal looks up a previously bound portal by name.
func (s *Session) getPortal(name string) (*Portal, bool) {
	portal, ok := s.portals[name]
	return portal, ok
}

// closeStatement removes a named prepared statement, used by Close('S').
func (s *Session) closeStatement(name string) {
	delete(s.statements, name)
}

// closePortal removes a named portal, used by Close('P').
func (s *Session) closePortal(name string) {
	delete(s.portals, name)
}

// requestCancel is invoked from a different connection's goroutine (via the
// Registry) to cooperatively flag this session for cancellation. The
// dispatch loop observes it between messages; there is no mid-message
// preemption.
func (s *Session) requestCancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelRequested = true
}

// cancelled reports and clears whether this session has been flagged for
// cancellation since the last check.
func (s *Session) cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	requested := s.cancelRequested
	s.cancelRequested = false
	return requested
}
