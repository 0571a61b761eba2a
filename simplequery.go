package wire

import (
	"context"
	"log/slog"
	"strings"
	"unicode"

	psqlerr "github.com/pgwireemu/pgwireemu/errors"
	"github.com/pgwireemu/pgwireemu/pkg/buffer"
	"github.com/pgwireemu/pgwireemu/pkg/types"
)

// txKeyword classifies the first keyword of a simple-query statement for the
// purpose of inferring the transaction status byte reported on
// ReadyForQuery. This emulator never actually executes SQL, so there is no
// real transaction underneath; it tracks only enough state to answer
// BEGIN/COMMIT/ROLLBACK the way a client expects.
func txKeyword(query string) string {
	fields := strings.FieldsFunc(query, func(r rune) bool {
		return unicode.IsSpace(r) || r == ';'
	})
	if len(fields) == 0 {
		return ""
	}

	return strings.ToUpper(fields[0])
}

// applyTxKeyword updates session.txStatus according to the leading keyword
// of a simple-query string. It is called once per Query message, before the
// string is parsed, so only the first statement's keyword is considered.
func applyTxKeyword(session *Session, query string) {
	switch txKeyword(query) {
	case "BEGIN", "START":
		session.txStatus = types.ServerInTransaction
	case "COMMIT", "ROLLBACK", "END":
		session.txStatus = types.ServerIdle
	}
}

// handleSimpleQuery implements the simple query protocol: a single
// semicolon-delimited query string may contain more than one statement, all
// of which are parsed, executed, and answered in order.
func (srv *Server) handleSimpleQuery(ctx context.Context, session *Session, reader *buffer.Reader, writer *buffer.Writer) error {
	query, err := reader.GetString()
	if err != nil {
		return err
	}

	srv.logger.Debug("incoming simple query", slog.String("query", query))

	// NOTE: If a completely empty (no contents other than whitespace) query
	// string is received, the response is EmptyQueryResponse followed by
	// ReadyForQuery.
	// https://www.postgresql.org/docs/current/protocol-flow.html#PROTOCOL-FLOW-EXT-QUERY
	if strings.TrimSpace(query) == "" {
		writer.Start(types.ServerEmptyQuery)
		if err := writer.End(); err != nil {
			return err
		}

		return readyForQuery(writer, session.txStatus)
	}

	if srv.parse == nil {
		return errorCodeWithStatus(writer, NewErrUnimplementedMessageType(types.ClientSimpleQuery), session.txStatus)
	}

	applyTxKeyword(session, query)

	statements, err := srv.parse(ctx, query)
	if err != nil {
		return srv.failSimpleQuery(session, writer, err)
	}

	if len(statements) == 0 {
		return srv.failSimpleQuery(session, writer, NewErrUndefinedStatement())
	}

	// NOTE: it is possible to send multiple statements in one simple query.
	for _, statement := range statements {
		if err := statement.columns.Define(ctx, writer); err != nil {
			return srv.failSimpleQuery(session, writer, err)
		}

		dw := NewDataWriter(ctx, statement.columns, nil, writer)
		if err := statement.fn(ctx, dw, nil); err != nil {
			return srv.failSimpleQuery(session, writer, err)
		}
	}

	return readyForQuery(writer, session.txStatus)
}

// failSimpleQuery writes the given error to the client, moving an open
// transaction into the failed state, and follows it with ReadyForQuery
// reporting that state.
func (srv *Server) failSimpleQuery(session *Session, writer *buffer.Writer, err error) error {
	if session.txStatus == types.ServerInTransaction {
		session.txStatus = types.ServerInFailedTransaction
	}

	if werr := writeErrorResponse(writer, psqlerr.Flatten(err)); werr != nil {
		return werr
	}

	return readyForQuery(writer, session.txStatus)
}
