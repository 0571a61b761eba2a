package wire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/pgwireemu/pgwireemu/codes"
	psqlerr "github.com/pgwireemu/pgwireemu/errors"
	"github.com/pgwireemu/pgwireemu/pkg/buffer"
	"github.com/pgwireemu/pgwireemu/pkg/types"
)

// NewErrUnimplementedMessageType is called whenever an unrecognized or
// currently-unhandled message type is sent. Per the protocol this is a
// protocol violation: the session continues, but the message is rejected.
func NewErrUnimplementedMessageType(t types.ClientMessage) error {
	err := fmt.Errorf("unimplemented client message type: %d", t)
	return psqlerr.WithSeverity(psqlerr.WithCode(err, codes.ProtocolViolation), psqlerr.LevelError)
}

// newErrQueryWhileInBatch is returned when a Query message arrives while the
// session is mid extended-query batch; Query is not in the accepted message
// set for stateInBatch.
func newErrQueryWhileInBatch() error {
	err := errors.New("simple query protocol message received inside an extended query batch")
	return psqlerr.WithSeverity(psqlerr.WithCode(err, codes.ProtocolViolation), psqlerr.LevelError)
}

// NewErrUnkownStatement is returned whenever no executable has been found for
// the given name.
func NewErrUnkownStatement(name string) error {
	err := fmt.Errorf("unknown executeable: %s", name)
	return psqlerr.WithSeverity(psqlerr.WithCode(err, codes.InvalidPreparedStatementDefinition), psqlerr.LevelFatal)
}

// NewErrUnknownPortal is returned whenever no portal has been found for the
// given name.
func NewErrUnknownPortal(name string) error {
	err := fmt.Errorf("unknown portal: %s", name)
	return psqlerr.WithSeverity(psqlerr.WithCode(err, codes.InvalidCursorName), psqlerr.LevelFatal)
}

// NewErrUndefinedStatement is returned whenever no statement has been defined
// within the incoming query.
func NewErrUndefinedStatement() error {
	err := errors.New("no statement has been defined")
	return psqlerr.WithSeverity(psqlerr.WithCode(err, codes.Syntax), psqlerr.LevelError)
}

// NewErrMultipleCommandsStatements is returned whenever multiple statements have been
// given within a single query during the extended query protocol.
func NewErrMultipleCommandsStatements() error {
	err := errors.New("cannot insert multiple commands into a prepared statement")
	return psqlerr.WithSeverity(psqlerr.WithCode(err, codes.Syntax), psqlerr.LevelError)
}

// newErrQueryCanceled is returned when a session observes a CancelRequest
// flagged against it between protocol messages.
func newErrQueryCanceled() error {
	err := errors.New("canceling statement due to user request")
	return psqlerr.WithSeverity(psqlerr.WithCode(err, codes.QueryCanceled), psqlerr.LevelError)
}

// newErrAdminShutdown is written to every connection still open when the
// server begins a graceful shutdown.
func newErrAdminShutdown() error {
	err := errors.New("terminating connection due to administrator command")
	return psqlerr.WithSeverity(psqlerr.WithCode(err, codes.AdminShutdown), psqlerr.LevelFatal)
}

// writeAdminShutdown writes the terminal ErrorResponse a dispatch loop sends
// a client when it observes the server closing at its next read boundary.
// No ReadyForQuery follows: the connection is closed immediately after.
func writeAdminShutdown(writer *buffer.Writer) error {
	return writeErrorResponse(writer, psqlerr.Flatten(newErrAdminShutdown()))
}

// consumeCommands consumes incoming commands sent over the Postgres wire
// connection for the lifetime of a single session. It keeps consuming
// messages until the client issues a Terminate message, the connection is
// closed, or an unrecoverable error occurs.
func (srv *Server) consumeCommands(ctx context.Context, session *Session, reader *buffer.Reader, writer *buffer.Writer) error {
	srv.logger.Debug("ready for query... starting to consume commands")

	session.state = stateReady
	err := readyForQuery(writer, session.txStatus)
	if err != nil {
		return err
	}

	handle := srv.handleCommand(session)
	for {
		err = srv.consumeSingleCommand(ctx, reader, writer, handle)
		if errors.Is(err, io.EOF) {
			return nil
		}

		if err != nil {
			return err
		}

		if session.state == stateTerminated {
			return nil
		}
	}
}

type commandHandler func(context.Context, types.ClientMessage, *buffer.Reader, *buffer.Writer) error

func (srv *Server) consumeSingleCommand(ctx context.Context, reader *buffer.Reader, writer *buffer.Writer, handleCommand commandHandler) error {
	t, length, err := reader.ReadTypedMsg()
	if err == io.EOF {
		return io.EOF
	}

	// NOTE: we could recover from this scenario
	if errors.Is(err, buffer.ErrMessageSizeExceeded) {
		return handleMessageSizeExceeded(reader, writer, err)
	}

	if err != nil {
		return err
	}

	if srv.closing.Load() {
		// The server is gracefully shutting down: this is the dispatch loop's
		// next read boundary, the point at which it must stop accepting
		// further commands. Tell the client why before closing rather than
		// dropping the connection silently.
		if werr := writeAdminShutdown(writer); werr != nil {
			return werr
		}

		return io.EOF
	}

	// NOTE: we increase the wait group by one in order to make sure that idle
	// connections are not blocking a close.
	srv.wg.Add(1)
	srv.logger.Debug("<- incoming command", slog.Int("length", length), slog.String("type", t.String()))
	err = handleCommand(ctx, t, reader, writer)
	srv.wg.Done()

	if observer := srv.registry.Observer(); observer != nil {
		observer.MessageHandled(t)
		if err != nil && !errors.Is(err, io.EOF) {
			observer.ErrorHandled(string(psqlerr.Flatten(err).Code))
		}
	}

	if errors.Is(err, io.EOF) {
		return io.EOF
	}

	return err
}

// handleMessageSizeExceeded attempts to unwrap the given error message as
// message size exceeded. The expected message size will be consumed and
// discarded from the given reader. An error message is written to the client
// once the expected message size is read.
func handleMessageSizeExceeded(reader *buffer.Reader, writer *buffer.Writer, exceeded error) (err error) {
	unwrapped, has := buffer.UnwrapMessageSizeExceeded(exceeded)
	if !has {
		return exceeded
	}

	err = reader.Slurp(unwrapped.Size)
	if err != nil {
		return err
	}

	return errorCodeWithStatus(writer, exceeded, types.ServerIdle)
}

// isExtendedQueryMessage reports whether t belongs to the extended query
// protocol's Parse/Bind/Describe/Execute/Close family, the set of messages
// governed by the batch_failed sticky-error rule.
func isExtendedQueryMessage(t types.ClientMessage) bool {
	switch t {
	case types.ClientParse, types.ClientBind, types.ClientDescribe, types.ClientExecute, types.ClientClose:
		return true
	default:
		return false
	}
}

// handleCommand handles the given client message. A client message includes a
// message type and reader buffer containing the actual message. The type
// indicates an action executed by the client.
// https://www.postgresql.org/docs/14/protocol-message-formats.html
func (srv *Server) handleCommand(session *Session) commandHandler {
	return func(ctx context.Context, t types.ClientMessage, reader *buffer.Reader, writer *buffer.Writer) error {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		// The extended query protocol's error-recovery rule: once an error
		// occurs mid-batch, every subsequent Parse/Bind/Describe/Execute/Close
		// is silently skipped until the terminating Sync is reached.
		if session.batchFailed && isExtendedQueryMessage(t) {
			return nil
		}

		if session.cancelled() {
			if session.txStatus == types.ServerInTransaction {
				session.txStatus = types.ServerInFailedTransaction
			}
			return errorCodeWithStatus(writer, newErrQueryCanceled(), session.txStatus)
		}

		if t == types.ClientSimpleQuery && session.state == stateInBatch {
			session.batchFailed = false
			session.state = stateReady
			session.closePortal("")
			session.txStatus = types.ServerInFailedTransaction
			return errorCodeWithStatus(writer, newErrQueryWhileInBatch(), session.txStatus)
		}

		switch t {
		case types.ClientSimpleQuery:
			return srv.handleSimpleQuery(ctx, session, reader, writer)
		case types.ClientParse:
			return srv.handleParse(ctx, session, reader, writer)
		case types.ClientBind:
			return srv.handleBind(ctx, session, reader, writer)
		case types.ClientDescribe:
			return srv.handleDescribe(ctx, session, reader, writer)
		case types.ClientExecute:
			return srv.handleExecute(ctx, session, reader, writer)
		case types.ClientClose:
			return srv.handleClose(ctx, session, reader, writer)
		case types.ClientSync:
			return srv.handleSync(ctx, session, writer)
		case types.ClientFlush:
			// The Flush message forces delivery of any buffered output but
			// generates no response of its own; this server writes every
			// response immediately, so there is nothing to flush.
			return nil
		case types.ClientCopyData, types.ClientCopyDone, types.ClientCopyFail:
			// COPY is out of scope for this emulator; these messages are
			// only ever seen if a client starts a COPY the server never
			// requested, and are ignored per protocol convention for
			// unexpected copy messages.
			return nil
		case types.ClientTerminate:
			session.state = stateTerminated
			return io.EOF
		default:
			return errorCodeWithStatus(writer, NewErrUnimplementedMessageType(t), session.txStatus)
		}
	}
}

