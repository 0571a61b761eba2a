package wire

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"

	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgwireemu/pgwireemu/codes"
	psqlerr "github.com/pgwireemu/pgwireemu/errors"
	"github.com/pgwireemu/pgwireemu/pkg/buffer"
	"github.com/pgwireemu/pgwireemu/pkg/mock"
	"github.com/pgwireemu/pgwireemu/pkg/types"
)

func TestConsumeSingleCommandWritesAdminShutdownWhenClosing(t *testing.T) {
	server := &Server{logger: slogt.New(t)}
	server.closing.Store(true)

	// The Query message is left unread: consumeSingleCommand reads it itself.
	in := &bytes.Buffer{}
	query := mock.NewWriter(t, in)
	query.Start(types.ClientSimpleQuery)
	query.AddString("SELECT 1;")
	query.AddNullTerminate()
	require.NoError(t, query.End())

	reader := buffer.NewReader(slogt.New(t), in, buffer.DefaultBufferSize)
	out := &bytes.Buffer{}
	writer := buffer.NewWriter(slogt.New(t), out)

	called := false
	handle := func(ctx context.Context, msg types.ClientMessage, r *buffer.Reader, w *buffer.Writer) error {
		called = true
		return nil
	}

	err := server.consumeSingleCommand(context.Background(), reader, writer, handle)
	assert.ErrorIs(t, err, io.EOF)
	assert.False(t, called, "handleCommand must not run once the server is closing")

	result := buffer.NewReader(slogt.New(t), out, buffer.DefaultBufferSize)
	ty, _, rerr := result.ReadTypedMsg()
	require.NoError(t, rerr)
	assert.Equal(t, types.ClientMessage(types.ServerErrorResponse), ty)

	desc := psqlerr.Flatten(newErrAdminShutdown())
	assert.Equal(t, codes.AdminShutdown, desc.Code)
}

func TestHandleCommandQueryWhileInBatchIsProtocolViolation(t *testing.T) {
	session := newSession(&net.TCPAddr{}, BackendKeyPair{})
	session.state = stateInBatch
	session.batchFailed = true

	server := &Server{logger: slogt.New(t)}
	handle := server.handleCommand(session)

	reader := writeSimpleQuery(t, "SELECT 1;")
	out := &bytes.Buffer{}
	writer := buffer.NewWriter(slogt.New(t), out)

	require.NoError(t, handle(context.Background(), types.ClientSimpleQuery, reader, writer))

	result := buffer.NewReader(slogt.New(t), out, buffer.DefaultBufferSize)
	ty, _, err := result.ReadTypedMsg()
	require.NoError(t, err)
	assert.Equal(t, types.ClientMessage(types.ServerErrorResponse), ty)

	ty, _, err = result.ReadTypedMsg()
	require.NoError(t, err)
	assert.Equal(t, types.ClientMessage(types.ServerReady), ty)

	assert.Equal(t, stateReady, session.state)
	assert.False(t, session.batchFailed)
}

func TestUnimplementedMessageTypeIsProtocolViolation(t *testing.T) {
	err := NewErrUnimplementedMessageType(types.ClientMessage('?'))
	assert.Equal(t, codes.ProtocolViolation, psqlerr.Flatten(err).Code)
}

func TestHandleCommandUnknownMessageReportsCurrentTxStatus(t *testing.T) {
	session := newSession(&net.TCPAddr{}, BackendKeyPair{})
	session.txStatus = types.ServerInTransaction

	server := &Server{logger: slogt.New(t)}
	handle := server.handleCommand(session)

	reader := mock.NewDescribeReader(t, slogt.New(t), types.DescribeStatement, "whatever")
	out := &bytes.Buffer{}
	writer := buffer.NewWriter(slogt.New(t), out)

	require.NoError(t, handle(context.Background(), types.ClientMessage('?'), reader, writer))

	result := buffer.NewReader(slogt.New(t), out, buffer.DefaultBufferSize)
	ty, _, err := result.ReadTypedMsg()
	require.NoError(t, err)
	assert.Equal(t, types.ClientMessage(types.ServerErrorResponse), ty)

	ty, _, err = result.ReadTypedMsg()
	require.NoError(t, err)
	assert.Equal(t, types.ClientMessage(types.ServerReady), ty)

	status, err := result.GetBytes(1)
	require.NoError(t, err)
	assert.Equal(t, byte(types.ServerInTransaction), status[0])
}

func TestHandleCommandCancelWhileInTransactionReportsFailedStatus(t *testing.T) {
	session := newSession(&net.TCPAddr{}, BackendKeyPair{})
	session.txStatus = types.ServerInTransaction
	session.requestCancel()

	server := &Server{logger: slogt.New(t)}
	handle := server.handleCommand(session)

	reader := mock.NewDescribeReader(t, slogt.New(t), types.DescribeStatement, "whatever")
	out := &bytes.Buffer{}
	writer := buffer.NewWriter(slogt.New(t), out)

	require.NoError(t, handle(context.Background(), types.ClientDescribe, reader, writer))

	assert.Equal(t, types.ServerInFailedTransaction, session.txStatus)
}
