// Package parse turns raw battle-log JSON into an Arrow record whose columns
// keep the nesting of the payload: objects become structs, arrays become
// lists.
package parse

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"battlelog/internal/table"
)

// envelopeKey is where the live API wraps the record array.
const envelopeKey = "items"

// Parse decodes raw into a record with the default allocator.
func Parse(raw []byte) (arrow.Record, error) {
	return ParseWith(memory.DefaultAllocator, raw)
}

// ParseWith decodes raw into a record allocated from mem. The input is a JSON
// array of objects, or an object holding that array under "items" or under
// its first array-valued key. Each top-level key becomes a column in
// first-appearance order.
func ParseWith(mem memory.Allocator, raw []byte) (arrow.Record, error) {
	doc, err := decode(raw)
	if err != nil {
		return nil, err
	}

	rows, err := records(doc)
	if err != nil {
		return nil, err
	}

	schema, err := infer(rows)
	if err != nil {
		return nil, err
	}

	return build(mem, schema, rows)
}

func records(doc any) ([]*object, error) {
	var elems []any
	switch v := doc.(type) {
	case []any:
		elems = v
	case *object:
		if items, ok := v.get(envelopeKey); ok {
			arr, isArr := items.([]any)
			if !isArr {
				return nil, &table.ParseError{Msg: fmt.Sprintf("%q is not an array", envelopeKey)}
			}
			elems = arr
			break
		}
		for _, k := range v.keys {
			if arr, ok := v.vals[k].([]any); ok {
				elems = arr
				break
			}
		}
		if elems == nil {
			return nil, &table.ParseError{Msg: "object holds no array of records"}
		}
	default:
		return nil, &table.ParseError{Msg: "top-level value is not an array of records"}
	}

	rows := make([]*object, len(elems))
	for i, e := range elems {
		obj, ok := e.(*object)
		if !ok {
			return nil, &table.ParseError{Msg: fmt.Sprintf("record %d is not an object", i)}
		}
		rows[i] = obj
	}
	return rows, nil
}

func infer(rows []*object) (*arrow.Schema, error) {
	var names []string
	types := make(map[string]arrow.DataType)

	for r, row := range rows {
		for _, k := range row.keys {
			dt, err := typeOf(k, row.vals[k])
			if err != nil {
				return nil, inferenceError(err, r)
			}
			cur, seen := types[k]
			if !seen {
				names = append(names, k)
			}
			merged, err := table.Unify(k, cur, dt)
			if err != nil {
				return nil, inferenceError(err, r)
			}
			types[k] = merged
		}
	}

	fields := make([]arrow.Field, len(names))
	for i, n := range names {
		dt := types[n]
		if dt == nil {
			dt = arrow.Null
		}
		fields[i] = arrow.Field{Name: n, Type: dt, Nullable: true}
	}
	return arrow.NewSchema(fields, nil), nil
}

func inferenceError(err error, row int) error {
	var conflict *table.TypeConflict
	if errors.As(err, &conflict) {
		return &table.SchemaInferenceError{
			Column: conflict.Path,
			Row:    row,
			Left:   conflict.Left,
			Right:  conflict.Right,
		}
	}
	return err
}

// typeOf infers the type of a single decoded value. Conflicts between list
// elements surface as *table.TypeConflict rooted at path.
func typeOf(path string, v any) (arrow.DataType, error) {
	switch t := v.(type) {
	case nil:
		return arrow.Null, nil
	case bool:
		return arrow.FixedWidthTypes.Boolean, nil
	case string:
		return arrow.BinaryTypes.String, nil
	case json.Number:
		if isInteger(t) {
			return arrow.PrimitiveTypes.Int64, nil
		}
		return arrow.PrimitiveTypes.Float64, nil
	case *object:
		fields := make([]arrow.Field, 0, len(t.keys))
		for _, k := range t.keys {
			dt, err := typeOf(path+"."+k, t.vals[k])
			if err != nil {
				return nil, err
			}
			fields = append(fields, arrow.Field{Name: k, Type: dt, Nullable: true})
		}
		return arrow.StructOf(fields...), nil
	case []any:
		var elem arrow.DataType = arrow.Null
		for _, e := range t {
			dt, err := typeOf(path+"[]", e)
			if err != nil {
				return nil, err
			}
			elem, err = table.Unify(path+"[]", elem, dt)
			if err != nil {
				return nil, err
			}
		}
		return arrow.ListOf(elem), nil
	}
	return nil, fmt.Errorf("unsupported JSON value %T at %s", v, path)
}

func isInteger(n json.Number) bool {
	if strings.ContainsAny(string(n), ".eE") {
		return false
	}
	_, err := n.Int64()
	return err == nil
}

func build(mem memory.Allocator, schema *arrow.Schema, rows []*object) (arrow.Record, error) {
	cols := make([]arrow.Array, schema.NumFields())
	defer func() {
		for _, c := range cols {
			if c != nil {
				c.Release()
			}
		}
	}()

	for c, f := range schema.Fields() {
		b := array.NewBuilder(mem, f.Type)
		b.Reserve(len(rows))
		for r, row := range rows {
			v, _ := row.get(f.Name)
			if err := appendJSON(b, v); err != nil {
				b.Release()
				return nil, &table.SchemaInferenceError{Column: f.Name, Row: r, Left: f.Type}
			}
		}
		cols[c] = b.NewArray()
		b.Release()
	}

	return array.NewRecord(schema, cols, int64(len(rows))), nil
}

func appendJSON(b array.Builder, v any) error {
	if v == nil {
		b.AppendNull()
		return nil
	}

	switch bb := b.(type) {
	case *array.NullBuilder:
		bb.AppendNull()
		return nil
	case *array.BooleanBuilder:
		if x, ok := v.(bool); ok {
			bb.Append(x)
			return nil
		}
	case *array.StringBuilder:
		if x, ok := v.(string); ok {
			bb.Append(x)
			return nil
		}
	case *array.Int64Builder:
		if x, ok := v.(json.Number); ok {
			n, err := x.Int64()
			if err != nil {
				return err
			}
			bb.Append(n)
			return nil
		}
	case *array.Float64Builder:
		if x, ok := v.(json.Number); ok {
			f, err := x.Float64()
			if err != nil {
				return err
			}
			bb.Append(f)
			return nil
		}
	case *array.StructBuilder:
		obj, ok := v.(*object)
		if !ok {
			break
		}
		st := bb.Type().(*arrow.StructType)
		bb.Append(true)
		for k, f := range st.Fields() {
			fv, _ := obj.get(f.Name)
			if err := appendJSON(bb.FieldBuilder(k), fv); err != nil {
				return err
			}
		}
		return nil
	case *array.ListBuilder:
		elems, ok := v.([]any)
		if !ok {
			break
		}
		bb.Append(true)
		vb := bb.ValueBuilder()
		for _, e := range elems {
			if err := appendJSON(vb, e); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("cannot append %T to %s", v, b.Type())
}
