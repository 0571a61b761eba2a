package wire

import (
	"bytes"
	"context"
	"testing"

	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgwireemu/pgwireemu/pkg/buffer"
	"github.com/pgwireemu/pgwireemu/pkg/types"
)

func TestDefaultHandleAuth(t *testing.T) {
	input := &bytes.Buffer{}
	sink := &bytes.Buffer{}

	reader := buffer.NewReader(slogt.New(t), input, buffer.DefaultBufferSize)
	writer := buffer.NewWriter(slogt.New(t), sink)

	server := &Server{logger: slogt.New(t)}
	require.NoError(t, server.handleAuth(context.Background(), reader, writer))

	result := buffer.NewReader(slogt.New(t), sink, buffer.DefaultBufferSize)
	ty, ln, err := result.ReadTypedMsg()
	require.NoError(t, err)
	assert.Greater(t, ln, 0)
	assert.Equal(t, types.ClientMessage(types.ServerAuth), ty)

	status, err := result.GetUint32()
	require.NoError(t, err)
	assert.Equal(t, authOK, authType(status))
}

func TestClearTextPasswordSuccess(t *testing.T) {
	input := &bytes.Buffer{}
	incoming := buffer.NewWriter(slogt.New(t), input)
	incoming.Start(types.ServerMessage(types.ClientPassword))
	incoming.AddString("hunter2")
	incoming.AddNullTerminate()
	require.NoError(t, incoming.End())

	sink := &bytes.Buffer{}
	reader := buffer.NewReader(slogt.New(t), input, buffer.DefaultBufferSize)
	writer := buffer.NewWriter(slogt.New(t), sink)

	ctx := setClientParameters(context.Background(), Parameters{ParamUsername: "alice"})

	validate := func(username, password string) (bool, error) {
		return username == "alice" && password == "hunter2", nil
	}

	server := &Server{logger: slogt.New(t), Auth: ClearTextPassword(validate)}
	require.NoError(t, server.handleAuth(ctx, reader, writer))

	result := buffer.NewReader(slogt.New(t), sink, buffer.DefaultBufferSize)

	// First message: AuthenticationCleartextPassword request.
	_, _, err := result.ReadTypedMsg()
	require.NoError(t, err)
	status, err := result.GetUint32()
	require.NoError(t, err)
	assert.Equal(t, authClearTextPassword, authType(status))

	// Second message: AuthenticationOk.
	_, _, err = result.ReadTypedMsg()
	require.NoError(t, err)
	status, err = result.GetUint32()
	require.NoError(t, err)
	assert.Equal(t, authOK, authType(status))
}

func TestClearTextPasswordInvalid(t *testing.T) {
	input := &bytes.Buffer{}
	incoming := buffer.NewWriter(slogt.New(t), input)
	incoming.Start(types.ServerMessage(types.ClientPassword))
	incoming.AddString("wrong")
	incoming.AddNullTerminate()
	require.NoError(t, incoming.End())

	sink := &bytes.Buffer{}
	reader := buffer.NewReader(slogt.New(t), input, buffer.DefaultBufferSize)
	writer := buffer.NewWriter(slogt.New(t), sink)

	ctx := setClientParameters(context.Background(), Parameters{ParamUsername: "alice"})

	validate := func(username, password string) (bool, error) {
		return username == "alice" && password == "hunter2", nil
	}

	server := &Server{logger: slogt.New(t), Auth: ClearTextPassword(validate)}
	require.Error(t, server.handleAuth(ctx, reader, writer))

	result := buffer.NewReader(slogt.New(t), sink, buffer.DefaultBufferSize)

	// AuthenticationCleartextPassword request.
	_, _, err := result.ReadTypedMsg()
	require.NoError(t, err)

	// ErrorResponse, with no trailing ReadyForQuery.
	ty, _, err := result.ReadTypedMsg()
	require.NoError(t, err)
	assert.Equal(t, types.ClientMessage(types.ServerErrorResponse), ty)

	_, _, err = result.ReadTypedMsg()
	assert.Error(t, err)
}

func TestHashMD5PasswordRoundTrip(t *testing.T) {
	salt := MD5Salt{0x01, 0x02, 0x03, 0x04}
	hashed := hashMD5Password("alice", "hunter2", salt)
	assert.Equal(t, hashed, hashMD5Password("alice", "hunter2", salt))
	assert.NotEqual(t, hashed, hashMD5Password("bob", "hunter2", salt))
	assert.NotEqual(t, hashed, hashMD5Password("alice", "different", salt))
}

func TestMD5PasswordSuccess(t *testing.T) {
	fixedSalt := MD5Salt{0xAA, 0xBB, 0xCC, 0xDD}
	randomSalt := func() (MD5Salt, error) { return fixedSalt, nil }

	expected := hashMD5Password("alice", "hunter2", fixedSalt)

	input := &bytes.Buffer{}
	incoming := buffer.NewWriter(slogt.New(t), input)
	incoming.Start(types.ServerMessage(types.ClientPassword))
	incoming.AddString(expected)
	incoming.AddNullTerminate()
	require.NoError(t, incoming.End())

	sink := &bytes.Buffer{}
	reader := buffer.NewReader(slogt.New(t), input, buffer.DefaultBufferSize)
	writer := buffer.NewWriter(slogt.New(t), sink)

	ctx := setClientParameters(context.Background(), Parameters{ParamUsername: "alice"})

	validate := func(username string) (string, bool, error) {
		return "hunter2", username == "alice", nil
	}

	server := &Server{logger: slogt.New(t), Auth: MD5Password(validate, randomSalt)}
	require.NoError(t, server.handleAuth(ctx, reader, writer))

	result := buffer.NewReader(slogt.New(t), sink, buffer.DefaultBufferSize)

	_, _, err := result.ReadTypedMsg()
	require.NoError(t, err)
	status, err := result.GetUint32()
	require.NoError(t, err)
	assert.Equal(t, authMD5Password, authType(status))
	salt, err := result.GetBytes(4)
	require.NoError(t, err)
	assert.Equal(t, fixedSalt[:], salt)

	_, _, err = result.ReadTypedMsg()
	require.NoError(t, err)
	status, err = result.GetUint32()
	require.NoError(t, err)
	assert.Equal(t, authOK, authType(status))
}

func TestRandomMD5SaltVaries(t *testing.T) {
	a, err := RandomMD5Salt()
	require.NoError(t, err)
	b, err := RandomMD5Salt()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}
