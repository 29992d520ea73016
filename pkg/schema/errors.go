package schema

import "fmt"

// Error describes a failed schema operation on an ODS table
type Error struct {
	Table TableName
	Op    string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("schema %s on %s: %v", e.Op, e.Table, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
