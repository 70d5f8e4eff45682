package parse

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"

	"battlelog/internal/table"
)

// object keeps keys in first-appearance order. A repeated key overwrites the
// value but keeps its original position.
type object struct {
	keys []string
	vals map[string]any
}

func (o *object) set(k string, v any) {
	if _, ok := o.vals[k]; !ok {
		o.keys = append(o.keys, k)
	}
	o.vals[k] = v
}

func (o *object) get(k string) (any, bool) {
	v, ok := o.vals[k]
	return v, ok
}

// decoder walks the token stream so object key order survives, which
// map-based unmarshalling would lose.
type decoder struct {
	dec *json.Decoder
	n   int64
}

func decode(raw []byte) (any, error) {
	d := &decoder{dec: json.NewDecoder(bytes.NewReader(raw)), n: int64(len(raw))}
	d.dec.UseNumber()

	v, err := d.value()
	if err != nil {
		return nil, err
	}
	if _, err := d.dec.Token(); err != io.EOF {
		if err != nil {
			return nil, d.wrap(err)
		}
		return nil, &table.ParseError{Offset: d.dec.InputOffset(), Msg: "unexpected data after top-level value"}
	}
	return v, nil
}

func (d *decoder) value() (any, error) {
	tok, err := d.dec.Token()
	if err != nil {
		return nil, d.wrap(err)
	}
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			return d.object()
		case '[':
			return d.array()
		}
		return nil, &table.ParseError{Offset: d.dec.InputOffset(), Msg: "unexpected delimiter " + t.String()}
	default:
		return t, nil
	}
}

func (d *decoder) object() (*object, error) {
	obj := &object{vals: make(map[string]any)}
	for d.dec.More() {
		tok, err := d.dec.Token()
		if err != nil {
			return nil, d.wrap(err)
		}
		key, ok := tok.(string)
		if !ok {
			return nil, &table.ParseError{Offset: d.dec.InputOffset(), Msg: "object key is not a string"}
		}
		v, err := d.value()
		if err != nil {
			return nil, err
		}
		obj.set(key, v)
	}
	if _, err := d.dec.Token(); err != nil {
		return nil, d.wrap(err)
	}
	return obj, nil
}

func (d *decoder) array() ([]any, error) {
	out := []any{}
	for d.dec.More() {
		v, err := d.value()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if _, err := d.dec.Token(); err != nil {
		return nil, d.wrap(err)
	}
	return out, nil
}

func (d *decoder) wrap(err error) error {
	var syn *json.SyntaxError
	switch {
	case errors.As(err, &syn):
		return &table.ParseError{Offset: syn.Offset, Msg: syn.Error(), Err: err}
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return &table.ParseError{Offset: d.n, Msg: "unexpected end of input", Err: err}
	}
	return &table.ParseError{Offset: d.dec.InputOffset(), Msg: err.Error(), Err: err}
}
