package wire

// Portal is a bound, ready-to-execute instance of a PreparedStatement: the
// statement plus concrete parameter values and the result formats the
// client requested for it.
type Portal struct {
	statement  *PreparedStatement
	parameters []Parameter
	formats    []FormatCode
}

// bindPortal constructs a Portal from a previously parsed statement and the
// parameter values/result formats a Bind message supplied for it.
func bindPortal(statement *PreparedStatement, parameters []Parameter, formats []FormatCode) *Portal {
	return &Portal{
		statement:  statement,
		parameters: parameters,
		formats:    formats,
	}
}
