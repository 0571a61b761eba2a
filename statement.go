package wire

import (
	"context"

	"github.com/lib/pq/oid"
)

// ParseFn parses an incoming query string (simple or extended query
// protocol) into zero or more prepared statements. The simple query
// protocol permits returning more than one statement (semicolon-separated
// commands); the extended query protocol requires exactly one.
type ParseFn func(ctx context.Context, query string) (PreparedStatements, error)

// PreparedStatementFn executes a single prepared statement against the
// given parameters, writing its result through the provided DataWriter.
type PreparedStatementFn func(ctx context.Context, writer DataWriter, parameters []Parameter) error

// PreparedStatement bundles the handler for a single statement together
// with the column and parameter-type metadata needed to answer Describe
// messages before the statement is ever bound or executed.
type PreparedStatement struct {
	fn         PreparedStatementFn
	parameters []oid.Oid
	columns    Columns
}

// PreparedStatements is the result of parsing a query string; the simple
// query protocol may produce more than one, the extended query protocol
// exactly one.
type PreparedStatements []*PreparedStatement

// StatementOptionFn configures a PreparedStatement at construction time.
type StatementOptionFn func(*PreparedStatement)

// WithColumns sets the result column descriptions a statement will return.
func WithColumns(columns Columns) StatementOptionFn {
	return func(stmt *PreparedStatement) {
		stmt.columns = columns
	}
}

// WithParameters sets the object IDs of the parameters a statement expects,
// used to answer ParameterDescription inside a Describe response.
func WithParameters(parameters []oid.Oid) StatementOptionFn {
	return func(stmt *PreparedStatement) {
		stmt.parameters = parameters
	}
}

// NewStatement constructs a single prepared statement from the given
// handler and options.
func NewStatement(fn PreparedStatementFn, options ...StatementOptionFn) *PreparedStatement {
	stmt := &PreparedStatement{fn: fn}
	for _, option := range options {
		option(stmt)
	}

	return stmt
}

// Prepared wraps one or more prepared statements as the return value of a
// ParseFn.
func Prepared(statements ...*PreparedStatement) PreparedStatements {
	return statements
}
