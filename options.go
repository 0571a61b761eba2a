package wire

import (
	"context"
	"crypto/tls"
)

// OptionFn configures a Server at construction time.
type OptionFn func(*Server) error

// SessionMiddlewareFn runs once per connection, immediately after
// authentication succeeds and before the session starts accepting queries.
// It may enrich the per-connection context (e.g. attach request-scoped
// values) and reject the connection by returning a non-nil error.
type SessionMiddlewareFn func(ctx context.Context) (context.Context, error)

// CloseFn is invoked when a connection is about to be, or has been, closed.
type CloseFn func(ctx context.Context) error

// SessionAuthStrategy installs the authentication strategy used to validate
// incoming connections.
func SessionAuthStrategy(auth AuthStrategy) OptionFn {
	return func(srv *Server) error {
		srv.Auth = auth
		return nil
	}
}

// SessionMiddleware installs a middleware invoked once per connection after
// authentication succeeds.
func SessionMiddleware(fn SessionMiddlewareFn) OptionFn {
	return func(srv *Server) error {
		srv.sessionMiddleware = fn
		return nil
	}
}

// TerminateConn installs a callback invoked when a connection sends a
// Terminate message or its dispatch loop otherwise exits.
func TerminateConn(fn CloseFn) OptionFn {
	return func(srv *Server) error {
		srv.TerminateConn = fn
		return nil
	}
}

// Version sets the server_version parameter reported to clients during
// startup.
func Version(version string) OptionFn {
	return func(srv *Server) error {
		srv.Version = version
		return nil
	}
}

// BufferedMsgSize sets the maximum size, in bytes, of a single incoming
// protocol message. Connections that send a larger message receive a
// ProgramLimitExceeded error instead of having the server buffer it.
func BufferedMsgSize(size int) OptionFn {
	return func(srv *Server) error {
		srv.BufferedMsgSize = size
		return nil
	}
}

// MaxConnections caps the number of concurrently accepted connections.
// Connections beyond the cap are closed immediately with no bytes written,
// mirroring a bare TCP-level rejection rather than a protocol error.
func MaxConnections(max int) OptionFn {
	return func(srv *Server) error {
		srv.MaxConnections = max
		return nil
	}
}

// GlobalParameters sets the base set of ParameterStatus values sent to
// every client on connect, before the per-connection overrides
// (server_encoding, client_encoding, is_superuser, session_authorization,
// and server_version when Version is set) are applied.
func GlobalParameters(parameters Parameters) OptionFn {
	return func(srv *Server) error {
		srv.Parameters = parameters
		return nil
	}
}

// TLSConfig installs a TLS configuration used to upgrade connections that
// request SSL. Omitting this option declines all SSL requests.
func TLSConfig(config *tls.Config) OptionFn {
	return func(srv *Server) error {
		srv.TLSConfig = config
		return nil
	}
}

// Observer installs a SessionObserver notified of session lifecycle and
// traffic events, used to feed a metrics collector without the core
// depending on any particular metrics SDK.
func Observer(observer SessionObserver) OptionFn {
	return func(srv *Server) error {
		srv.registry.SetObserver(observer)
		return nil
	}
}
