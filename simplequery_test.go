package wire

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/lib/pq/oid"
	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgwireemu/pgwireemu/pkg/buffer"
	"github.com/pgwireemu/pgwireemu/pkg/mock"
	"github.com/pgwireemu/pgwireemu/pkg/types"
)

func writeSimpleQuery(t *testing.T, query string) *buffer.Reader {
	t.Helper()

	buf := &bytes.Buffer{}
	writer := mock.NewWriter(t, buf)
	writer.Start(types.ClientSimpleQuery)
	writer.AddString(query)
	writer.AddNullTerminate()
	require.NoError(t, writer.End())

	reader := buffer.NewReader(slogt.New(t), buf, buffer.DefaultBufferSize)
	_, _, err := reader.ReadTypedMsg()
	require.NoError(t, err)
	return reader
}

func TestHandleSimpleQueryEmpty(t *testing.T) {
	session := newSession(&net.TCPAddr{}, BackendKeyPair{})
	server := &Server{logger: slogt.New(t)}

	reader := writeSimpleQuery(t, "   ")
	out := &bytes.Buffer{}
	writer := buffer.NewWriter(slogt.New(t), out)

	require.NoError(t, server.handleSimpleQuery(context.Background(), session, reader, writer))

	result := buffer.NewReader(slogt.New(t), out, buffer.DefaultBufferSize)
	ty, _, err := result.ReadTypedMsg()
	require.NoError(t, err)
	assert.Equal(t, types.ClientMessage(types.ServerEmptyQuery), ty)

	ty, _, err = result.ReadTypedMsg()
	require.NoError(t, err)
	assert.Equal(t, types.ClientMessage(types.ServerReady), ty)
}

func TestHandleSimpleQuerySuccess(t *testing.T) {
	columns := Columns{{Name: "id", Oid: oid.T_int4}}

	parse := func(ctx context.Context, query string) (PreparedStatements, error) {
		stmt := NewStatement(func(ctx context.Context, w DataWriter, p []Parameter) error {
			if err := w.Row([]any{int32(1)}); err != nil {
				return err
			}
			return w.Complete("SELECT 1")
		}, WithColumns(columns))
		return Prepared(stmt), nil
	}

	session := newSession(&net.TCPAddr{}, BackendKeyPair{})
	server := &Server{logger: slogt.New(t), parse: parse}

	reader := writeSimpleQuery(t, "SELECT 1")
	out := &bytes.Buffer{}
	writer := buffer.NewWriter(slogt.New(t), out)

	ctx := setTypeInfo(context.Background(), pgtype.NewMap())
	require.NoError(t, server.handleSimpleQuery(ctx, session, reader, writer))

	result := buffer.NewReader(slogt.New(t), out, buffer.DefaultBufferSize)

	ty, _, err := result.ReadTypedMsg()
	require.NoError(t, err)
	assert.Equal(t, types.ClientMessage(types.ServerRowDescription), ty)

	ty, _, err = result.ReadTypedMsg()
	require.NoError(t, err)
	assert.Equal(t, types.ClientMessage(types.ServerDataRow), ty)

	ty, _, err = result.ReadTypedMsg()
	require.NoError(t, err)
	assert.Equal(t, types.ClientMessage(types.ServerCommandComplete), ty)

	ty, _, err = result.ReadTypedMsg()
	require.NoError(t, err)
	assert.Equal(t, types.ClientMessage(types.ServerReady), ty)
}

func TestHandleSimpleQueryParseError(t *testing.T) {
	parse := func(ctx context.Context, query string) (PreparedStatements, error) {
		return nil, errors.New("syntax error")
	}

	session := newSession(&net.TCPAddr{}, BackendKeyPair{})
	server := &Server{logger: slogt.New(t), parse: parse}

	reader := writeSimpleQuery(t, "GARBAGE")
	out := &bytes.Buffer{}
	writer := buffer.NewWriter(slogt.New(t), out)

	require.NoError(t, server.handleSimpleQuery(context.Background(), session, reader, writer))

	result := buffer.NewReader(slogt.New(t), out, buffer.DefaultBufferSize)

	ty, _, err := result.ReadTypedMsg()
	require.NoError(t, err)
	assert.Equal(t, types.ClientMessage(types.ServerErrorResponse), ty)

	ty, _, err = result.ReadTypedMsg()
	require.NoError(t, err)
	assert.Equal(t, types.ClientMessage(types.ServerReady), ty)
}

func TestApplyTxKeyword(t *testing.T) {
	session := newSession(&net.TCPAddr{}, BackendKeyPair{})
	assert.Equal(t, types.ServerIdle, session.txStatus)

	applyTxKeyword(session, "BEGIN")
	assert.Equal(t, types.ServerInTransaction, session.txStatus)

	applyTxKeyword(session, "select 1")
	assert.Equal(t, types.ServerInTransaction, session.txStatus)

	applyTxKeyword(session, "COMMIT")
	assert.Equal(t, types.ServerIdle, session.txStatus)
}

func TestFailSimpleQueryMarksTransactionFailed(t *testing.T) {
	session := newSession(&net.TCPAddr{}, BackendKeyPair{})
	session.txStatus = types.ServerInTransaction

	server := &Server{logger: slogt.New(t)}
	out := &bytes.Buffer{}
	writer := buffer.NewWriter(slogt.New(t), out)

	require.NoError(t, server.failSimpleQuery(session, writer, errors.New("boom")))
	assert.Equal(t, types.ServerInFailedTransaction, session.txStatus)
}
