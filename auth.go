package wire

import (
	"context"
	"crypto/md5"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"

	"github.com/pgwireemu/pgwireemu/codes"
	pgerror "github.com/pgwireemu/pgwireemu/errors"
	"github.com/pgwireemu/pgwireemu/pkg/buffer"
	"github.com/pgwireemu/pgwireemu/pkg/types"
)

// authType represents the manner in which a client is able to authenticate
type authType int32

const (
	// authOK indicates that the connection has been authenticated and the client
	// is allowed to proceed.
	authOK authType = 0
	// authClearTextPassword is a authentication type used to tell the client to identify
	// itself by sending the password in clear text to the Postgres server.
	authClearTextPassword authType = 3
	// authMD5Password is the authentication type used to tell the client to
	// hash its password together with a server-supplied salt before sending it.
	authMD5Password authType = 5
)

// AuthStrategy represents a authentication strategy used to authenticate a user
type AuthStrategy func(ctx context.Context, writer *buffer.Writer, reader *buffer.Reader) (err error)

// handleAuth handles the client authentication for the given connection.
// This methods validates the incoming credentials and writes to the client whether
// the provided credentials are correct. When the provided credentials are invalid
// or any unexpected error occures is an error returned and should the connection be closed.
func (srv *Server) handleAuth(ctx context.Context, reader *buffer.Reader, writer *buffer.Writer) error {
	srv.logger.Debug("authenticating client connection")

	if srv.Auth == nil {
		// No authentication strategy configured.
		// Announcing to the client that the connection is authenticated
		return writeAuthType(writer, authOK)
	}

	return srv.Auth(ctx, writer, reader)
}

// ClearTextPassword announces to the client to authenticate by sending a
// clear text password and validates if the provided username and password (received
// inside the client parameters) are valid. If the provided credentials are invalid
// or any unexpected error occures is an error returned and should the connection be closed.
func ClearTextPassword(validate func(username, password string) (bool, error)) AuthStrategy {
	return func(ctx context.Context, writer *buffer.Writer, reader *buffer.Reader) (err error) {
		err = writeAuthType(writer, authClearTextPassword)
		if err != nil {
			return err
		}

		params := ClientParameters(ctx)
		t, _, err := reader.ReadTypedMsg()
		if err != nil {
			return err
		}

		if types.ClientMessage(t) != types.ClientPassword {
			return errors.New("unexpected password message")
		}

		password, err := reader.GetString()
		if err != nil {
			return err
		}

		valid, err := validate(params[ParamUsername], password)
		if err != nil {
			return err
		}

		if !valid {
			authErr := pgerror.WithCode(errors.New("invalid username/password"), codes.InvalidPassword)
			if werr := ErrorCode(writer, authErr); werr != nil {
				return werr
			}

			return authErr
		}

		return writeAuthType(writer, authOK)
	}
}

// MD5Salt is the fixed-size per-authentication-attempt salt mixed into the
// client's password hash. A fresh salt is generated for every connection so
// captured hashes cannot be replayed against a different handshake.
type MD5Salt [4]byte

// RandomMD5Salt generates a cryptographically random MD5Salt, the randomSalt
// implementation MD5Password callers want outside of tests.
func RandomMD5Salt() (MD5Salt, error) {
	var salt MD5Salt
	if _, err := rand.Read(salt[:]); err != nil {
		return salt, err
	}

	return salt, nil
}

// hashMD5Password implements the literal PostgreSQL MD5 password formula:
// "md5" + hex(md5(hex(md5(password+username)) + salt)).
func hashMD5Password(username, password string, salt MD5Salt) string {
	inner := md5.Sum([]byte(password + username))
	innerHex := hex.EncodeToString(inner[:])

	outer := md5.Sum(append([]byte(innerHex), salt[:]...))
	return "md5" + hex.EncodeToString(outer[:])
}

// MD5Password announces to the client to authenticate using a salted MD5
// hash of the password and validates the result against the hash the caller
// computes for the claimed username. randomSalt is invoked once per
// authentication attempt so tests can supply a deterministic salt.
func MD5Password(validate func(username string) (password string, ok bool, err error), randomSalt func() (MD5Salt, error)) AuthStrategy {
	return func(ctx context.Context, writer *buffer.Writer, reader *buffer.Reader) (err error) {
		salt, err := randomSalt()
		if err != nil {
			return err
		}

		writer.Start(types.ServerAuth)
		writer.AddInt32(int32(authMD5Password))
		writer.AddBytes(salt[:])
		if err := writer.End(); err != nil {
			return err
		}

		params := ClientParameters(ctx)
		username := params[ParamUsername]

		t, _, err := reader.ReadTypedMsg()
		if err != nil {
			return err
		}

		if types.ClientMessage(t) != types.ClientPassword {
			return errors.New("unexpected password message")
		}

		received, err := reader.GetString()
		if err != nil {
			return err
		}

		password, ok, err := validate(username)
		if err != nil {
			return err
		}

		valid := ok && subtle.ConstantTimeCompare([]byte(received), []byte(hashMD5Password(username, password, salt))) == 1
		if !valid {
			authErr := pgerror.WithCode(errors.New("invalid username/password"), codes.InvalidPassword)
			if werr := ErrorCode(writer, authErr); werr != nil {
				return werr
			}

			return authErr
		}

		return writeAuthType(writer, authOK)
	}
}

// writeAuthType writes the auth type to the client informing the client about the
// authentication status and the expected data to be received.
func writeAuthType(writer *buffer.Writer, status authType) error {
	writer.Start(types.ServerAuth)
	writer.AddInt32(int32(status))
	return writer.End()
}

// IsSuperUser checks whether the given connection context is a super user
func IsSuperUser(ctx context.Context) bool {
	return false
}

// AuthenticatedUsername returns the username of the authenticated user of the
// given connection context
func AuthenticatedUsername(ctx context.Context) string {
	parameters := ClientParameters(ctx)
	return parameters[ParamUsername]
}
