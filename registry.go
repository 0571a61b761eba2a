package wire

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
	"sync/atomic"
)

// BackendKeyPair identifies a single backend connection for the purposes of
// the cancel protocol: the process-wide unique backend_pid handed out at
// startup, and a random secret_key the client must echo back inside a
// CancelRequest for the cancel to be honored.
type BackendKeyPair struct {
	ProcessID int32
	SecretKey int32
}

// backendPIDCounter hands out process-wide unique, monotonically
// increasing backend PIDs. Using a counter instead of the OS PID (as the
// original C implementation this emulator is modeled on does) guarantees
// uniqueness across concurrently accepted connections without relying on
// OS process identity, which this emulator — a single long-running
// process serving many connections — does not have one-per-connection.
var backendPIDCounter atomic.Int32

// nextBackendPID returns the next process-wide unique backend PID.
func nextBackendPID() int32 {
	return backendPIDCounter.Add(1)
}

// randomSecretKey generates a cryptographically random secret key to pair
// with a backend PID.
func randomSecretKey() (int32, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}

	return int32(binary.BigEndian.Uint32(buf[:])), nil
}

// Registry is the process-wide table of live sessions, keyed by their
// BackendKeyPair, used to correlate an incoming CancelRequest (sent over a
// brand new, unauthenticated TCP connection) with the Session it targets.
type Registry struct {
	mu       sync.RWMutex
	sessions map[BackendKeyPair]*Session
	observer SessionObserver
}

// NewRegistry constructs an empty session registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[BackendKeyPair]*Session),
	}
}

// SetObserver installs the observer notified of session lifecycle and
// traffic events. Passing nil disables notification.
func (r *Registry) SetObserver(observer SessionObserver) {
	r.mu.Lock()
	r.observer = observer
	r.mu.Unlock()
}

// Observer returns the currently installed observer, or nil if none was set.
func (r *Registry) Observer() SessionObserver {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.observer
}

// register generates a fresh BackendKeyPair, inserts the session under it,
// and returns the key to be sent to the client inside BackendKeyData.
func (r *Registry) register(session *Session) (BackendKeyPair, error) {
	secret, err := randomSecretKey()
	if err != nil {
		return BackendKeyPair{}, err
	}

	key := BackendKeyPair{ProcessID: nextBackendPID(), SecretKey: secret}

	r.mu.Lock()
	r.sessions[key] = session
	active := len(r.sessions)
	observer := r.observer
	r.mu.Unlock()

	if observer != nil {
		observer.SessionOpened(active)
	}

	return key, nil
}

// unregister removes a session from the registry, called when the
// connection it belongs to terminates.
func (r *Registry) unregister(key BackendKeyPair) {
	r.mu.Lock()
	delete(r.sessions, key)
	active := len(r.sessions)
	observer := r.observer
	r.mu.Unlock()

	if observer != nil {
		observer.SessionClosed(active)
	}
}

// cancel looks up the session addressed by key and cooperatively flags it
// for cancellation. Looking up an unknown key (stale, already-closed, or
// forged) is silently a no-op, matching PostgreSQL's own behavior of never
// reporting success or failure for a CancelRequest.
func (r *Registry) cancel(key BackendKeyPair) {
	r.mu.RLock()
	session, ok := r.sessions[key]
	r.mu.RUnlock()

	if !ok {
		return
	}

	session.requestCancel()
}

// Len returns the number of currently registered sessions, used by Serve
// to enforce MaxConnections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
