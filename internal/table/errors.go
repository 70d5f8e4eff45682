package table

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
)

// ParseError reports malformed JSON or JSON that is not shaped like a battle log.
type ParseError struct {
	Offset int64 // byte offset into the raw input
	Msg    string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at offset %d: %s", e.Offset, e.Msg)
}

func (e *ParseError) Unwrap() error { return e.Err }

// SchemaInferenceError reports a column whose values disagree on type
// within a single payload.
type SchemaInferenceError struct {
	Column string
	Row    int
	Left   arrow.DataType
	Right  arrow.DataType
}

func (e *SchemaInferenceError) Error() string {
	return fmt.Sprintf("inconsistent types for %s at row %d: %s vs %s",
		e.Column, e.Row, typeName(e.Left), typeName(e.Right))
}

// SchemaMismatchError reports a struct that does not match its expected
// named-field mapping during normalization.
type SchemaMismatchError struct {
	Struct   string
	Field    string
	Reason   string
	Expected int
	Actual   int
}

func (e *SchemaMismatchError) Error() string {
	msg := fmt.Sprintf("schema mismatch in %s", e.Struct)
	if e.Field != "" {
		msg += fmt.Sprintf(" field %q", e.Field)
	}
	msg += ": " + e.Reason
	if e.Expected > 0 || e.Actual > 0 {
		msg += fmt.Sprintf(" (expected %d fields, got %d)", e.Expected, e.Actual)
	}
	return msg
}

// SchemaUnionError reports a column whose type cannot be reconciled across
// snapshots.
type SchemaUnionError struct {
	Column   string
	Snapshot string
	Left     arrow.DataType
	Right    arrow.DataType
}

func (e *SchemaUnionError) Error() string {
	return fmt.Sprintf("cannot union column %s from snapshot %s: %s vs %s",
		e.Column, e.Snapshot, typeName(e.Left), typeName(e.Right))
}

// EmptyInputError is returned when there are no snapshots to consolidate.
type EmptyInputError struct{}

func (e *EmptyInputError) Error() string { return "no snapshots to consolidate" }

// TypeConflict is the low-level result of Unify. Callers translate it into
// SchemaInferenceError or SchemaUnionError depending on where it happened.
type TypeConflict struct {
	Path  string
	Left  arrow.DataType
	Right arrow.DataType
}

func (e *TypeConflict) Error() string {
	return fmt.Sprintf("type conflict at %s: %s vs %s", e.Path, typeName(e.Left), typeName(e.Right))
}

func typeName(dt arrow.DataType) string {
	if dt == nil {
		return "<nil>"
	}
	return dt.String()
}
