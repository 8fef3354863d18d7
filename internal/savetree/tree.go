// Package savetree holds the property tree produced by the save converter.
//
// Values are a tagged variant (null, bool, number, string, object, array).
// Objects keep field order, and numbers, strings and keys keep their source
// text, so a tree parsed from compact JSON and written back without edits is
// byte-for-byte the same JSON. Edited strings are re-escaped.
package savetree

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindObject
	KindArray
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindObject:
		return "object"
	case KindArray:
		return "array"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

var (
	ErrFieldNotFound   = errors.New("field not found")
	ErrTypeMismatch    = errors.New("type mismatch")
	ErrIndexOutOfRange = errors.New("index out of range")
)

// PathError records where in the tree an accessor failed.
type PathError struct {
	Path string
	Err  error
}

func (e *PathError) Error() string { return "savetree: " + e.Path + ": " + e.Err.Error() }
func (e *PathError) Unwrap() error { return e.Err }

type Field struct {
	Key   string
	Value *Value

	// rawKey is the quoted source text of srcKey.
	rawKey string
	srcKey string
}

type Value struct {
	kind   Kind
	b      bool
	s      string // string contents, or the raw text of a number
	raw    string // quoted source text of an unedited parsed string
	fields []Field
	items  []*Value
}

func Null() *Value { return &Value{kind: KindNull} }

func Bool(b bool) *Value { return &Value{kind: KindBool, b: b} }

func String(s string) *Value { return &Value{kind: KindString, s: s} }

func Int(n int64) *Value { return &Value{kind: KindNumber, s: strconv.FormatInt(n, 10)} }

func Array(items ...*Value) *Value {
	return &Value{kind: KindArray, items: items}
}

func Object(fields ...Field) *Value {
	return &Value{kind: KindObject, fields: fields}
}

// F is shorthand for building object fields.
func F(key string, v *Value) Field { return Field{Key: key, Value: v} }

// Number wraps raw numeric text. It is not validated.
func Number(raw string) *Value { return &Value{kind: KindNumber, s: raw} }

func (v *Value) Kind() Kind { return v.kind }

func mismatch(v *Value, want Kind) error {
	return fmt.Errorf("%w: want %s, have %s", ErrTypeMismatch, want, v.kind)
}

// Field returns the first field named key of an object.
func (v *Value) Field(key string) (*Value, error) {
	if v.kind != KindObject {
		return nil, mismatch(v, KindObject)
	}
	for _, f := range v.fields {
		if f.Key == key {
			return f.Value, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrFieldNotFound, key)
}

// Fields exposes an object's fields in order.
func (v *Value) Fields() ([]Field, error) {
	if v.kind != KindObject {
		return nil, mismatch(v, KindObject)
	}
	return v.fields, nil
}

// Set replaces the value of key, appending the field when absent.
func (v *Value) Set(key string, val *Value) error {
	if v.kind != KindObject {
		return mismatch(v, KindObject)
	}
	for i := range v.fields {
		if v.fields[i].Key == key {
			v.fields[i].Value = val
			return nil
		}
	}
	v.fields = append(v.fields, Field{Key: key, Value: val})
	return nil
}

// Lookup follows a chain of object field names.
func (v *Value) Lookup(path ...string) (*Value, error) {
	cur := v
	for i, key := range path {
		next, err := cur.Field(key)
		if err != nil {
			return nil, &PathError{Path: strings.Join(path[:i+1], "."), Err: err}
		}
		cur = next
	}
	return cur, nil
}

func (v *Value) Len() (int, error) {
	switch v.kind {
	case KindArray:
		return len(v.items), nil
	case KindObject:
		return len(v.fields), nil
	default:
		return 0, mismatch(v, KindArray)
	}
}

func (v *Value) Index(i int) (*Value, error) {
	if v.kind != KindArray {
		return nil, mismatch(v, KindArray)
	}
	if i < 0 || i >= len(v.items) {
		return nil, fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, i, len(v.items))
	}
	return v.items[i], nil
}

func (v *Value) Items() ([]*Value, error) {
	if v.kind != KindArray {
		return nil, mismatch(v, KindArray)
	}
	return v.items, nil
}

func (v *Value) Str() (string, error) {
	if v.kind != KindString {
		return "", mismatch(v, KindString)
	}
	return v.s, nil
}

func (v *Value) SetString(s string) error {
	if v.kind != KindString {
		return mismatch(v, KindString)
	}
	v.s = s
	v.raw = ""
	return nil
}

func (v *Value) BoolValue() (bool, error) {
	if v.kind != KindBool {
		return false, mismatch(v, KindBool)
	}
	return v.b, nil
}

// Raw returns the source text of a number.
func (v *Value) Raw() (string, error) {
	if v.kind != KindNumber {
		return "", mismatch(v, KindNumber)
	}
	return v.s, nil
}

func (v *Value) Int64() (int64, error) {
	if v.kind != KindNumber {
		return 0, mismatch(v, KindNumber)
	}
	n, err := strconv.ParseInt(v.s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not an integer", ErrTypeMismatch, v.s)
	}
	return n, nil
}

// Bytes reads an array of integers in 0..255.
func (v *Value) Bytes() ([]byte, error) {
	if v.kind != KindArray {
		return nil, mismatch(v, KindArray)
	}
	out := make([]byte, len(v.items))
	for i, it := range v.items {
		if it.kind != KindNumber {
			return nil, fmt.Errorf("element %d: %w", i, mismatch(it, KindNumber))
		}
		n, err := strconv.ParseUint(it.s, 10, 8)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w: %q is not a byte", i, ErrTypeMismatch, it.s)
		}
		out[i] = byte(n)
	}
	return out, nil
}

// SetBytes overwrites an array with byte values. Elements whose value is
// unchanged keep their original node.
func (v *Value) SetBytes(b []byte) error {
	if v.kind != KindArray {
		return mismatch(v, KindArray)
	}
	if len(b) != len(v.items) {
		v.items = make([]*Value, len(b))
	}
	for i, c := range b {
		raw := strconv.Itoa(int(c))
		if it := v.items[i]; it != nil && it.kind == KindNumber && it.s == raw {
			continue
		}
		v.items[i] = Number(raw)
	}
	return nil
}

// Clone returns a deep copy.
func (v *Value) Clone() *Value {
	c := &Value{kind: v.kind, b: v.b, s: v.s, raw: v.raw}
	if v.fields != nil {
		c.fields = make([]Field, len(v.fields))
		for i, f := range v.fields {
			c.fields[i] = f
			c.fields[i].Value = f.Value.Clone()
		}
	}
	if v.items != nil {
		c.items = make([]*Value, len(v.items))
		for i, it := range v.items {
			c.items[i] = it.Clone()
		}
	}
	return c
}
