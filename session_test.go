package wire

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pgwireemu/pgwireemu/pkg/types"
)

func TestNewSessionInitialState(t *testing.T) {
	key := BackendKeyPair{ProcessID: 1, SecretKey: 2}
	session := newSession(&net.TCPAddr{}, key)

	assert.Equal(t, stateAwaitingStartup, session.state)
	assert.Equal(t, types.ServerIdle, session.txStatus)
	assert.False(t, session.batchFailed)
	assert.False(t, session.cancelled())
}

func TestSessionStatementLifecycle(t *testing.T) {
	session := newSession(&net.TCPAddr{}, BackendKeyPair{})

	statement := NewStatement(nil)
	session.setStatement("foo", statement)

	got, ok := session.getStatement("foo")
	assert.True(t, ok)
	assert.Same(t, statement, got)

	session.closeStatement("foo")
	_, ok = session.getStatement("foo")
	assert.False(t, ok)
}

func TestSessionPortalLifecycle(t *testing.T) {
	session := newSession(&net.TCPAddr{}, BackendKeyPair{})

	statement := NewStatement(nil)
	portal := bindPortal(statement, nil, nil)
	session.setPortal("p1", portal)

	got, ok := session.getPortal("p1")
	assert.True(t, ok)
	assert.Same(t, portal, got)

	session.closePortal("p1")
	_, ok = session.getPortal("p1")
	assert.False(t, ok)
}

func TestSessionCancelledIsOneShot(t *testing.T) {
	session := newSession(&net.TCPAddr{}, BackendKeyPair{})

	assert.False(t, session.cancelled())

	session.requestCancel()
	assert.True(t, session.cancelled())
	// cancelled() clears the flag on read.
	assert.False(t, session.cancelled())
}
