package wire

import (
	"bytes"
	"context"
	"net"
	"testing"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/lib/pq/oid"
	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgwireemu/pgwireemu/codes"
	psqlerr "github.com/pgwireemu/pgwireemu/errors"
	"github.com/pgwireemu/pgwireemu/pkg/buffer"
	"github.com/pgwireemu/pgwireemu/pkg/types"
)

// TestDataWriterRowObservesCancelBetweenRows covers a handler emitting one
// row per cooperative tick: it aborts with query_canceled as soon as a
// CancelRequest has flagged its session,
// without needing to finish its own row loop first.
func TestDataWriterRowObservesCancelBetweenRows(t *testing.T) {
	columns := Columns{{Name: "id", Oid: oid.T_int4}}

	rowsEmitted := 0
	parse := func(ctx context.Context, query string) (PreparedStatements, error) {
		stmt := NewStatement(func(ctx context.Context, w DataWriter, p []Parameter) error {
			for i := 0; i < 5; i++ {
				if err := w.Row([]any{int32(i)}); err != nil {
					return err
				}
				rowsEmitted++
			}
			return w.Complete("SELECT 5")
		}, WithColumns(columns))
		return Prepared(stmt), nil
	}

	session := newSession(&net.TCPAddr{}, BackendKeyPair{})
	server := &Server{logger: slogt.New(t), parse: parse}

	reader := writeSimpleQuery(t, "SELECT 5")
	out := &bytes.Buffer{}
	writer := buffer.NewWriter(slogt.New(t), out)

	ctx := setTypeInfo(context.Background(), pgtype.NewMap())
	ctx = setSession(ctx, session)

	session.requestCancel()
	require.NoError(t, server.handleSimpleQuery(ctx, session, reader, writer))

	// The cancellation is observed on the very first Row() call, before the
	// handler's loop ever advances past it.
	assert.Equal(t, 0, rowsEmitted)

	result := buffer.NewReader(slogt.New(t), out, buffer.DefaultBufferSize)
	ty, _, err := result.ReadTypedMsg()
	require.NoError(t, err)
	assert.Equal(t, types.ClientMessage(types.ServerRowDescription), ty)

	ty, _, err = result.ReadTypedMsg()
	require.NoError(t, err)
	assert.Equal(t, types.ClientMessage(types.ServerErrorResponse), ty)

	ty, _, err = result.ReadTypedMsg()
	require.NoError(t, err)
	assert.Equal(t, types.ClientMessage(types.ServerReady), ty)
}

func TestDataWriterRowWithoutSessionIgnoresCancellation(t *testing.T) {
	out := &bytes.Buffer{}
	client := buffer.NewWriter(slogt.New(t), out)
	dw := NewDataWriter(setTypeInfo(context.Background(), pgtype.NewMap()), Columns{{Name: "id", Oid: oid.T_int4}}, nil, client)

	require.NoError(t, dw.Row([]any{int32(1)}))
	assert.Equal(t, uint64(1), dw.Written())
}

func TestNewErrQueryCanceledCode(t *testing.T) {
	assert.Equal(t, codes.QueryCanceled, psqlerr.Flatten(newErrQueryCanceled()).Code)
}
