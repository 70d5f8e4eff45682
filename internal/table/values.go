package table

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
)

// IsNull reports whether slot i of arr is null. Arrays of the null type
// carry no validity bitmap, so arr.IsNull alone reports them as valid.
func IsNull(arr arrow.Array, i int) bool {
	return arr.DataType().ID() == arrow.NULL || arr.IsNull(i)
}

// AppendValue copies slot i of src into b, casting to the builder's type.
// Structs are matched by field name; target fields missing from the source
// are appended as null. Int64 values widen into float64 builders.
func AppendValue(b array.Builder, src arrow.Array, i int) error {
	if IsNull(src, i) {
		b.AppendNull()
		return nil
	}

	switch bb := b.(type) {
	case *array.Int64Builder:
		if v, ok := src.(*array.Int64); ok {
			bb.Append(v.Value(i))
			return nil
		}
	case *array.Float64Builder:
		switch v := src.(type) {
		case *array.Float64:
			bb.Append(v.Value(i))
			return nil
		case *array.Int64:
			bb.Append(float64(v.Value(i)))
			return nil
		}
	case *array.BooleanBuilder:
		if v, ok := src.(*array.Boolean); ok {
			bb.Append(v.Value(i))
			return nil
		}
	case *array.StringBuilder:
		switch v := src.(type) {
		case *array.String:
			bb.Append(v.Value(i))
			return nil
		case *array.LargeString:
			bb.Append(v.Value(i))
			return nil
		}
	case *array.StructBuilder:
		v, ok := src.(*array.Struct)
		if !ok {
			break
		}
		srcType := v.DataType().(*arrow.StructType)
		dstType := bb.Type().(*arrow.StructType)
		bb.Append(true)
		for k, f := range dstType.Fields() {
			fb := bb.FieldBuilder(k)
			idx, found := srcType.FieldIdx(f.Name)
			if !found {
				fb.AppendNull()
				continue
			}
			if err := AppendValue(fb, v.Field(idx), i); err != nil {
				return fmt.Errorf("%s: %w", f.Name, err)
			}
		}
		return nil
	case *array.ListBuilder:
		v, ok := src.(*array.List)
		if !ok {
			break
		}
		bb.Append(true)
		start, end := v.ValueOffsets(i)
		vb := bb.ValueBuilder()
		values := v.ListValues()
		for j := start; j < end; j++ {
			if err := AppendValue(vb, values, int(j)); err != nil {
				return err
			}
		}
		return nil
	}

	return fmt.Errorf("cannot copy %s value into %s column", src.DataType(), b.Type())
}

// Equal compares slot i of a with slot j of b. With nullTolerant set, a null
// on either side matches anything, recursively inside structs and lists.
func Equal(a arrow.Array, i int, b arrow.Array, j int, nullTolerant bool) bool {
	an, bn := IsNull(a, i), IsNull(b, j)
	if an || bn {
		return nullTolerant || (an && bn)
	}

	switch av := a.(type) {
	case *array.Int64:
		switch bv := b.(type) {
		case *array.Int64:
			return av.Value(i) == bv.Value(j)
		case *array.Float64:
			return float64(av.Value(i)) == bv.Value(j)
		}
	case *array.Float64:
		switch bv := b.(type) {
		case *array.Float64:
			return av.Value(i) == bv.Value(j)
		case *array.Int64:
			return av.Value(i) == float64(bv.Value(j))
		}
	case *array.Boolean:
		if bv, ok := b.(*array.Boolean); ok {
			return av.Value(i) == bv.Value(j)
		}
	case *array.String:
		if bv, ok := b.(*array.String); ok {
			return av.Value(i) == bv.Value(j)
		}
	case *array.Struct:
		bv, ok := b.(*array.Struct)
		if !ok {
			return false
		}
		return structEqual(av, i, bv, j, nullTolerant)
	case *array.List:
		bv, ok := b.(*array.List)
		if !ok {
			return false
		}
		as, ae := av.ValueOffsets(i)
		bs, be := bv.ValueOffsets(j)
		if ae-as != be-bs {
			return false
		}
		for k := int64(0); k < ae-as; k++ {
			if !Equal(av.ListValues(), int(as+k), bv.ListValues(), int(bs+k), nullTolerant) {
				return false
			}
		}
		return true
	}
	return false
}

func structEqual(a *array.Struct, i int, b *array.Struct, j int, nullTolerant bool) bool {
	at := a.DataType().(*arrow.StructType)
	bt := b.DataType().(*arrow.StructType)
	for k, f := range at.Fields() {
		idx, ok := bt.FieldIdx(f.Name)
		if !ok {
			if !nullTolerant && !IsNull(a.Field(k), i) {
				return false
			}
			continue
		}
		if !Equal(a.Field(k), i, b.Field(idx), j, nullTolerant) {
			return false
		}
	}
	if nullTolerant {
		return true
	}
	for k, f := range bt.Fields() {
		if _, ok := at.FieldIdx(f.Name); !ok && !IsNull(b.Field(k), j) {
			return false
		}
	}
	return true
}

// Richness counts the non-null leaves under slot i. An empty list counts as
// one so that it beats a null list.
func Richness(arr arrow.Array, i int) int {
	if IsNull(arr, i) {
		return 0
	}
	switch v := arr.(type) {
	case *array.Struct:
		n := 0
		for k := 0; k < v.NumField(); k++ {
			n += Richness(v.Field(k), i)
		}
		return n
	case *array.List:
		n := 1
		start, end := v.ValueOffsets(i)
		for j := start; j < end; j++ {
			n += Richness(v.ListValues(), int(j))
		}
		return n
	}
	return 1
}

// Key renders slot i as a canonical string. Two slots of the same type have
// the same key iff they are exactly equal, nulls included.
func Key(arr arrow.Array, i int) string {
	var sb strings.Builder
	writeKey(&sb, arr, i)
	return sb.String()
}

func writeKey(sb *strings.Builder, arr arrow.Array, i int) {
	if IsNull(arr, i) {
		sb.WriteByte('~')
		return
	}
	switch v := arr.(type) {
	case *array.Int64:
		sb.WriteString("i")
		sb.WriteString(strconv.FormatInt(v.Value(i), 10))
	case *array.Float64:
		sb.WriteString("f")
		sb.WriteString(strconv.FormatFloat(v.Value(i), 'g', -1, 64))
	case *array.Boolean:
		if v.Value(i) {
			sb.WriteString("T")
		} else {
			sb.WriteString("F")
		}
	case *array.String:
		sb.WriteString(strconv.Quote(v.Value(i)))
	case *array.Struct:
		sb.WriteByte('{')
		for k := 0; k < v.NumField(); k++ {
			if k > 0 {
				sb.WriteByte(',')
			}
			writeKey(sb, v.Field(k), i)
		}
		sb.WriteByte('}')
	case *array.List:
		sb.WriteByte('[')
		start, end := v.ValueOffsets(i)
		for j := start; j < end; j++ {
			if j > start {
				sb.WriteByte(',')
			}
			writeKey(sb, v.ListValues(), int(j))
		}
		sb.WriteByte(']')
	default:
		sb.WriteString(arr.ValueStr(i))
	}
}

// ToGo converts slot i into plain Go values suitable for encoding/json:
// nil, int64, float64, bool, string, map[string]any or []any.
func ToGo(arr arrow.Array, i int) any {
	if IsNull(arr, i) {
		return nil
	}
	switch v := arr.(type) {
	case *array.Int64:
		return v.Value(i)
	case *array.Float64:
		return v.Value(i)
	case *array.Boolean:
		return v.Value(i)
	case *array.String:
		return v.Value(i)
	case *array.Struct:
		st := v.DataType().(*arrow.StructType)
		out := make(map[string]any, st.NumFields())
		for k, f := range st.Fields() {
			out[f.Name] = ToGo(v.Field(k), i)
		}
		return out
	case *array.List:
		start, end := v.ValueOffsets(i)
		out := make([]any, 0, end-start)
		for j := start; j < end; j++ {
			out = append(out, ToGo(v.ListValues(), int(j)))
		}
		return out
	}
	return arr.ValueStr(i)
}
