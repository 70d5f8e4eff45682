// Package table holds the shared helpers for working with nested Arrow
// records: type unification, value copying with casts, deep comparison,
// and the error taxonomy used by the parse, normalize and consolidate
// stages.
package table

import (
	"github.com/apache/arrow-go/v18/arrow"
)

// Unify returns the narrowest type that can hold values of both a and b.
// A nil type means "nothing observed yet" and yields the other side.
//
// Rules: identical types unify to themselves, null unifies with anything,
// int64 widens to float64, structs unify field-wise by name (fields only
// present on one side are kept), lists unify element-wise. Everything else
// is a *TypeConflict naming the path where it happened.
func Unify(path string, a, b arrow.DataType) (arrow.DataType, error) {
	switch {
	case a == nil:
		return b, nil
	case b == nil:
		return a, nil
	case a.ID() == arrow.NULL:
		return b, nil
	case b.ID() == arrow.NULL:
		return a, nil
	}

	if isNumeric(a) && isNumeric(b) {
		if a.ID() == arrow.FLOAT64 || b.ID() == arrow.FLOAT64 {
			return arrow.PrimitiveTypes.Float64, nil
		}
		return arrow.PrimitiveTypes.Int64, nil
	}

	if a.ID() != b.ID() {
		return nil, &TypeConflict{Path: path, Left: a, Right: b}
	}

	switch at := a.(type) {
	case *arrow.StructType:
		return unifyStruct(path, at, b.(*arrow.StructType))
	case *arrow.ListType:
		elem, err := Unify(path+"[]", at.Elem(), b.(*arrow.ListType).Elem())
		if err != nil {
			return nil, err
		}
		return arrow.ListOf(elem), nil
	case *arrow.BooleanType, *arrow.StringType:
		return a, nil
	}

	return nil, &TypeConflict{Path: path, Left: a, Right: b}
}

func unifyStruct(path string, a, b *arrow.StructType) (arrow.DataType, error) {
	fields := make([]arrow.Field, 0, a.NumFields()+b.NumFields())
	for _, f := range a.Fields() {
		dt := f.Type
		if idx, ok := b.FieldIdx(f.Name); ok {
			var err error
			dt, err = Unify(path+"."+f.Name, dt, b.Field(idx).Type)
			if err != nil {
				return nil, err
			}
		}
		fields = append(fields, arrow.Field{Name: f.Name, Type: dt, Nullable: true})
	}
	for _, f := range b.Fields() {
		if _, ok := a.FieldIdx(f.Name); ok {
			continue
		}
		fields = append(fields, arrow.Field{Name: f.Name, Type: Nullable(f.Type), Nullable: true})
	}
	return arrow.StructOf(fields...), nil
}

// Nullable rebuilds nested types so every struct field is nullable. Records
// read back from disk or built by hand may carry non-nullable fields, which
// would make otherwise identical types compare unequal.
func Nullable(dt arrow.DataType) arrow.DataType {
	switch t := dt.(type) {
	case *arrow.StructType:
		fields := make([]arrow.Field, t.NumFields())
		for i, f := range t.Fields() {
			fields[i] = arrow.Field{Name: f.Name, Type: Nullable(f.Type), Nullable: true}
		}
		return arrow.StructOf(fields...)
	case *arrow.ListType:
		return arrow.ListOf(Nullable(t.Elem()))
	}
	return dt
}

func isNumeric(dt arrow.DataType) bool {
	return dt.ID() == arrow.INT64 || dt.ID() == arrow.FLOAT64
}

// ColumnIndex returns the index of the named column or -1.
func ColumnIndex(schema *arrow.Schema, name string) int {
	idx := schema.FieldIndices(name)
	if len(idx) == 0 {
		return -1
	}
	return idx[0]
}

// ColumnNames lists the schema's field names in order.
func ColumnNames(schema *arrow.Schema) []string {
	names := make([]string, schema.NumFields())
	for i, f := range schema.Fields() {
		names[i] = f.Name
	}
	return names
}
