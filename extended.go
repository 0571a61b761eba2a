package wire

import (
	"context"
	"fmt"
	"log/slog"

	psqlerr "github.com/pgwireemu/pgwireemu/errors"
	"github.com/pgwireemu/pgwireemu/pkg/buffer"
	"github.com/pgwireemu/pgwireemu/pkg/types"
	"github.com/lib/pq/oid"
)

// handleParse implements the Parse message: it parses the query string into
// exactly one prepared statement (multiple statements are a protocol error
// in the extended query protocol) and stores it under the given name in the
// session's statement namespace.
func (srv *Server) handleParse(ctx context.Context, session *Session, reader *buffer.Reader, writer *buffer.Writer) error {
	if srv.parse == nil {
		return srv.failExtended(session, writer, NewErrUnimplementedMessageType(types.ClientParse))
	}

	name, err := reader.GetString()
	if err != nil {
		return err
	}

	query, err := reader.GetString()
	if err != nil {
		return err
	}

	// NOTE: the number of parameter data types specified (can be zero). This
	// is not an indication of the number of parameters that might appear in
	// the query string, only the number the frontend wants to prespecify
	// types for; each is the OID of the parameter's type, 0 meaning
	// "unspecified".
	paramCount, err := reader.GetUint16()
	if err != nil {
		return err
	}

	paramTypes := make([]oid.Oid, paramCount)
	for i := uint16(0); i < paramCount; i++ {
		t, err := reader.GetUint32()
		if err != nil {
			return err
		}

		paramTypes[i] = oid.Oid(t)
	}

	statement, err := singleStatement(srv.parse(ctx, query))
	if err != nil {
		return srv.failExtended(session, writer, err)
	}

	// A client-specified, non-zero OID pins that parameter's type; a zero
	// OID leaves whatever the statement declared via WithParameters (if
	// anything) authoritative. If the statement declared nothing, the
	// client's declarations (including zeroes, meaning "unspecified") become
	// the parameter list reported in ParameterDescription.
	if len(statement.parameters) == 0 {
		statement.parameters = paramTypes
	} else {
		for i, t := range paramTypes {
			if t != 0 && i < len(statement.parameters) {
				statement.parameters[i] = t
			}
		}
	}

	srv.logger.Debug("incoming extended query", slog.String("query", query), slog.String("name", name), slog.Int("parameters", len(statement.parameters)))

	session.setStatement(name, statement)
	session.state = stateInBatch

	writer.Start(types.ServerParseComplete)
	return writer.End()
}

// singleStatement enforces the extended query protocol's rule that Parse
// may only ever produce exactly one statement.
func singleStatement(stmts PreparedStatements, err error) (*PreparedStatement, error) {
	if err != nil {
		return nil, err
	}

	if len(stmts) > 1 {
		return nil, NewErrMultipleCommandsStatements()
	}

	if len(stmts) == 0 {
		return nil, NewErrUndefinedStatement()
	}

	return stmts[0], nil
}

// handleBind implements the Bind message: it resolves a previously parsed
// statement, reads the concrete parameter values and requested result
// formats, and stores the resulting Portal under the given name.
func (srv *Server) handleBind(ctx context.Context, session *Session, reader *buffer.Reader, writer *buffer.Writer) error {
	portalName, err := reader.GetString()
	if err != nil {
		return err
	}

	statementName, err := reader.GetString()
	if err != nil {
		return err
	}

	parameters, err := readParameters(reader)
	if err != nil {
		return err
	}

	formats, err := readFormatCodes(reader)
	if err != nil {
		return err
	}

	statement, ok := session.getStatement(statementName)
	if !ok {
		return srv.failExtended(session, writer, NewErrUnkownStatement(statementName))
	}

	session.setPortal(portalName, bindPortal(statement, parameters, formats))
	session.state = stateInBatch

	writer.Start(types.ServerBindComplete)
	return writer.End()
}

// readParameters reads the parameter format codes and values sent with a
// Bind message.
// https://www.postgresql.org/docs/14/protocol-message-formats.html
func readParameters(reader *buffer.Reader) ([]Parameter, error) {
	formats, err := readFormatCodes(reader)
	if err != nil {
		return nil, err
	}

	count, err := reader.GetUint16()
	if err != nil {
		return nil, err
	}

	defaultFormat := TextFormat
	if len(formats) == 1 {
		defaultFormat = formats[0]
	}

	parameters := make([]Parameter, count)
	for i := 0; i < int(count); i++ {
		length, err := reader.GetInt32()
		if err != nil {
			return nil, err
		}

		value, err := reader.GetBytes(int(length))
		if err != nil {
			return nil, err
		}

		format := defaultFormat
		if len(formats) > 1 && i < len(formats) {
			format = formats[i]
		}

		parameters[i] = NewParameter(format, value)
	}

	return parameters, nil
}

// readFormatCodes reads a int16-prefixed list of format codes, used for both
// the parameter formats and result-column formats sections of a Bind
// message.
func readFormatCodes(reader *buffer.Reader) ([]FormatCode, error) {
	length, err := reader.GetUint16()
	if err != nil {
		return nil, err
	}

	formats := make([]FormatCode, length)
	for i := uint16(0); i < length; i++ {
		format, err := reader.GetUint16()
		if err != nil {
			return nil, err
		}

		formats[i] = FormatCode(format)
	}

	return formats, nil
}

// handleDescribe implements the Describe message for both the statement and
// portal variants.
func (srv *Server) handleDescribe(ctx context.Context, session *Session, reader *buffer.Reader, writer *buffer.Writer) error {
	session.state = stateInBatch

	kind, err := reader.GetBytes(1)
	if err != nil {
		return err
	}

	name, err := reader.GetString()
	if err != nil {
		return err
	}

	srv.logger.Debug("incoming describe request", slog.String("type", types.DescribeMessage(kind[0]).String()), slog.String("name", name))

	switch types.DescribeMessage(kind[0]) {
	case types.DescribeStatement:
		statement, ok := session.getStatement(name)
		if !ok {
			return srv.failExtended(session, writer, NewErrUnkownStatement(name))
		}

		if err := writeParameterDescription(writer, statement.parameters); err != nil {
			return err
		}

		// NOTE: the format codes are not yet known at this point in time,
		// Bind has not yet been issued.
		return writeColumnDescription(ctx, writer, statement.columns, nil)
	case types.DescribePortal:
		portal, ok := session.getPortal(name)
		if !ok {
			return srv.failExtended(session, writer, NewErrUnknownPortal(name))
		}

		return writeColumnDescription(ctx, writer, portal.statement.columns, portal.formats)
	default:
		return srv.failExtended(session, writer, fmt.Errorf("unknown describe command: %s", string(kind[0])))
	}
}

// writeParameterDescription writes a ParameterDescription message listing
// the object IDs of a statement's parameters.
// https://www.postgresql.org/docs/15/protocol-message-formats.html
func writeParameterDescription(writer *buffer.Writer, parameters []oid.Oid) error {
	writer.Start(types.ServerParameterDescription)
	writer.AddInt16(int16(len(parameters)))

	for _, parameter := range parameters {
		writer.AddInt32(int32(parameter))
	}

	return writer.End()
}

// writeColumnDescription writes a RowDescription message for the given
// columns, or NoData if the statement/portal returns no rows.
// https://www.postgresql.org/docs/15/protocol-message-formats.html
func writeColumnDescription(ctx context.Context, writer *buffer.Writer, columns Columns, formats []FormatCode) error {
	if len(columns) == 0 {
		writer.Start(types.ServerNoData)
		return writer.End()
	}

	return columns.WithFormats(formats).Define(ctx, writer)
}

// handleExecute implements the Execute message: it runs the named portal's
// statement handler, capping emitted rows at the client-provided limit (0
// means unlimited) and reporting PortalSuspended instead of CommandComplete
// when the cap was hit before the handler finished.
func (srv *Server) handleExecute(ctx context.Context, session *Session, reader *buffer.Reader, writer *buffer.Writer) error {
	session.state = stateInBatch

	name, err := reader.GetString()
	if err != nil {
		return err
	}

	// Maximum number of rows to return; zero denotes "no limit". The limit
	// bounds only the rows this Execute writes.
	limit, err := reader.GetUint32()
	if err != nil {
		return err
	}

	srv.logger.Debug("executing", slog.String("name", name), slog.Uint64("limit", uint64(limit)))

	portal, ok := session.getPortal(name)
	if !ok {
		return srv.failExtended(session, writer, NewErrUnkownStatement(name))
	}

	dw := newLimitedWriter(NewDataWriter(ctx, portal.statement.columns, portal.formats, writer), limit)
	err = portal.statement.fn(ctx, dw, portal.parameters)
	if err != nil {
		return srv.failExtended(session, writer, err)
	}

	if dw.suspended {
		return writePortalSuspended(writer)
	}

	return nil
}

// writePortalSuspended writes a PortalSuspended message, sent instead of
// CommandComplete when Execute's row limit was reached before the portal
// exhausted its results.
func writePortalSuspended(writer *buffer.Writer) error {
	writer.Start(types.ServerPortalSuspended)
	return writer.End()
}

// handleClose implements the Close message for both the statement and
// portal variants, removing the named object from the session's namespace.
func (srv *Server) handleClose(ctx context.Context, session *Session, reader *buffer.Reader, writer *buffer.Writer) error {
	session.state = stateInBatch

	kind, err := reader.GetBytes(1)
	if err != nil {
		return err
	}

	name, err := reader.GetString()
	if err != nil {
		return err
	}

	switch types.DescribeMessage(kind[0]) {
	case types.DescribeStatement:
		session.closeStatement(name)
	case types.DescribePortal:
		session.closePortal(name)
	}

	writer.Start(types.ServerCloseComplete)
	return writer.End()
}

// handleSync implements the Sync message: it clears the sticky
// batch_failed flag (the purpose of Sync is to resynchronize after an
// extended-query error), drops the unnamed portal (named portals survive
// until an explicit Close or session end), and reports the session back to
// Ready, the only point during the extended query protocol where
// ReadyForQuery is sent.
func (srv *Server) handleSync(ctx context.Context, session *Session, writer *buffer.Writer) error {
	session.batchFailed = false
	session.state = stateReady
	session.closePortal("")
	return readyForQuery(writer, session.txStatus)
}

// failExtended marks the session's batch as failed, following the extended
// query protocol's rule that once an error occurs, no further response is
// written until Sync — this function therefore does not emit
// ReadyForQuery, only the ErrorResponse itself.
func (srv *Server) failExtended(session *Session, writer *buffer.Writer, err error) error {
	session.batchFailed = true
	session.state = stateInBatch

	if session.txStatus == types.ServerInTransaction {
		session.txStatus = types.ServerInFailedTransaction
	}

	return writeErrorResponse(writer, psqlerr.Flatten(err))
}
