package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDataWriter struct {
	rows      [][]any
	completed string
	empty     bool
}

func (f *fakeDataWriter) Row(values []any) error {
	f.rows = append(f.rows, values)
	return nil
}

func (f *fakeDataWriter) Written() uint64 { return uint64(len(f.rows)) }

func (f *fakeDataWriter) Empty() error {
	f.empty = true
	return nil
}

func (f *fakeDataWriter) Complete(description string) error {
	f.completed = description
	return nil
}

func TestLimitedWriterUnlimited(t *testing.T) {
	inner := &fakeDataWriter{}
	limited := newLimitedWriter(inner, 0)

	for i := 0; i < 10; i++ {
		require.NoError(t, limited.Row([]any{i}))
	}

	require.NoError(t, limited.Complete("SELECT 10"))
	assert.Len(t, inner.rows, 10)
	assert.Equal(t, "SELECT 10", inner.completed)
	assert.False(t, limited.suspended)
}

func TestLimitedWriterSuspendsAtLimit(t *testing.T) {
	inner := &fakeDataWriter{}
	limited := newLimitedWriter(inner, 3)

	for i := 0; i < 10; i++ {
		require.NoError(t, limited.Row([]any{i}))
	}

	assert.Len(t, inner.rows, 3)
	assert.True(t, limited.suspended)

	// Complete is swallowed once suspended: CommandComplete must never be
	// sent alongside PortalSuspended.
	require.NoError(t, limited.Complete("SELECT 10"))
	assert.Empty(t, inner.completed)
}

func TestLimitedWriterWrittenDelegatesToInner(t *testing.T) {
	inner := &fakeDataWriter{}
	limited := newLimitedWriter(inner, 1)

	require.NoError(t, limited.Row([]any{1}))
	assert.Equal(t, uint64(1), limited.Written())
}

func TestLimitedWriterEmptyDelegatesToInner(t *testing.T) {
	inner := &fakeDataWriter{}
	limited := newLimitedWriter(inner, 0)

	require.NoError(t, limited.Empty())
	assert.True(t, inner.empty)
}
