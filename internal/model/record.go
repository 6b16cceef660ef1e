package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrNotObject is returned by ParseRecord when a line is valid JSON but not an object.
var ErrNotObject = errors.New("record is not a JSON object")

// Field is one named value of a Record. Values are whatever encoding/json
// produces with UseNumber: string, json.Number, bool, nil, []any or map[string]any.
type Field struct {
	Name  string
	Value any
}

// Record is one edge request log entry as received from the stream.
type Record struct {
	Raw    json.RawMessage // the received line, unmodified
	Fields []Field         // whitelisted fields, in received order
}

// Get returns the value of the named field.
func (r Record) Get(name string) (any, bool) {
	for _, f := range r.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

// String returns the named field formatted as a string, or "" if absent or null.
func (r Record) String(name string) string {
	v, ok := r.Get(name)
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

// MarshalJSON encodes the whitelisted fields as an object, preserving order.
func (r Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range r.Fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(f.Name)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(f.Value)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// FieldSet is a whitelist of provider field names. A nil or empty set allows every field.
type FieldSet map[string]struct{}

// NewFieldSet builds a FieldSet from names, ignoring blanks.
func NewFieldSet(names []string) FieldSet {
	s := make(FieldSet, len(names))
	for _, n := range names {
		if n != "" {
			s[n] = struct{}{}
		}
	}
	return s
}

// Allows reports whether name passes the whitelist.
func (s FieldSet) Allows(name string) bool {
	if len(s) == 0 {
		return true
	}
	_, ok := s[name]
	return ok
}

// ParseRecord decodes one NDJSON line into a Record, keeping only fields
// allowed by the whitelist. The raw bytes are copied so the caller may reuse line.
func ParseRecord(line []byte, fields FieldSet) (Record, error) {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return Record{}, fmt.Errorf("parse record: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return Record{}, ErrNotObject
	}

	var out []Field
	index := make(map[string]int)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return Record{}, fmt.Errorf("parse record: %w", err)
		}
		key, ok := tok.(string)
		if !ok {
			return Record{}, fmt.Errorf("parse record: unexpected key token %v", tok)
		}
		var v any
		if err := dec.Decode(&v); err != nil {
			return Record{}, fmt.Errorf("parse record: field %s: %w", key, err)
		}
		if !fields.Allows(key) {
			continue
		}
		if i, dup := index[key]; dup {
			out[i].Value = v
			continue
		}
		index[key] = len(out)
		out = append(out, Field{Name: key, Value: v})
	}
	if _, err := dec.Token(); err != nil {
		return Record{}, fmt.Errorf("parse record: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return Record{}, errors.New("parse record: trailing data after object")
	}

	raw := make(json.RawMessage, len(line))
	copy(raw, line)
	return Record{Raw: raw, Fields: out}, nil
}
