package lineage

import "fmt"

// ParseError reports a lexing or parsing failure with its position.
type ParseError struct {
	Message string
	Line    int
	Pos     int
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("sql parse error at line %d: %s", e.Line, e.Message)
	}
	return fmt.Sprintf("sql parse error: %s", e.Message)
}
