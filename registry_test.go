package wire

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgwireemu/pgwireemu/pkg/types"
)

func TestRegistryRegisterUnregister(t *testing.T) {
	registry := NewRegistry()
	assert.Equal(t, 0, registry.Len())

	session := newSession(&net.TCPAddr{}, BackendKeyPair{})
	key, err := registry.register(session)
	require.NoError(t, err)
	assert.Equal(t, 1, registry.Len())
	assert.NotZero(t, key.ProcessID)

	registry.unregister(key)
	assert.Equal(t, 0, registry.Len())
}

func TestRegistryRegisterAssignsUniquePIDs(t *testing.T) {
	registry := NewRegistry()

	keyA, err := registry.register(newSession(&net.TCPAddr{}, BackendKeyPair{}))
	require.NoError(t, err)
	keyB, err := registry.register(newSession(&net.TCPAddr{}, BackendKeyPair{}))
	require.NoError(t, err)

	assert.NotEqual(t, keyA.ProcessID, keyB.ProcessID)
}

func TestRegistryCancelUnknownKeyIsNoop(t *testing.T) {
	registry := NewRegistry()
	assert.NotPanics(t, func() {
		registry.cancel(BackendKeyPair{ProcessID: 999, SecretKey: 999})
	})
}

func TestRegistryCancelFlagsSession(t *testing.T) {
	registry := NewRegistry()
	session := newSession(&net.TCPAddr{}, BackendKeyPair{})
	key, err := registry.register(session)
	require.NoError(t, err)

	registry.cancel(key)
	assert.True(t, session.cancelled())
}

func TestRegistryObserverNotifiedOnLifecycle(t *testing.T) {
	registry := NewRegistry()

	opened := make(chan int, 1)
	closed := make(chan int, 1)

	registry.SetObserver(lifecycleObserverFn{
		onOpen:  func(active int) { opened <- active },
		onClose: func(active int) { closed <- active },
	})

	session := newSession(&net.TCPAddr{}, BackendKeyPair{})
	key, err := registry.register(session)
	require.NoError(t, err)
	assert.Equal(t, 1, <-opened)

	registry.unregister(key)
	assert.Equal(t, 0, <-closed)
}

// lifecycleObserverFn is a minimal SessionObserver used to assert on calls
// without pulling in a full metrics collector.
type lifecycleObserverFn struct {
	onOpen  func(active int)
	onClose func(active int)
}

func (f lifecycleObserverFn) SessionOpened(active int)            { f.onOpen(active) }
func (f lifecycleObserverFn) SessionClosed(active int)            { f.onClose(active) }
func (f lifecycleObserverFn) MessageHandled(t types.ClientMessage) {}
func (f lifecycleObserverFn) ErrorHandled(code string)            {}
