package savetree

import (
	"bytes"
	"errors"

	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"
)

var ErrInvalidJSON = errors.New("savetree: invalid json")

// Parse builds a tree from converter JSON output.
func Parse(b []byte) (*Value, error) {
	if !gjson.ValidBytes(b) {
		return nil, ErrInvalidJSON
	}
	return fromResult(gjson.ParseBytes(b)), nil
}

func fromResult(r gjson.Result) *Value {
	switch r.Type {
	case gjson.Null:
		return Null()
	case gjson.False:
		return Bool(false)
	case gjson.True:
		return Bool(true)
	case gjson.Number:
		return Number(r.Raw)
	case gjson.String:
		return &Value{kind: KindString, s: r.Str, raw: r.Raw}
	}
	if r.IsArray() {
		v := &Value{kind: KindArray, items: []*Value{}}
		r.ForEach(func(_, item gjson.Result) bool {
			v.items = append(v.items, fromResult(item))
			return true
		})
		return v
	}
	v := &Value{kind: KindObject, fields: []Field{}}
	r.ForEach(func(key, item gjson.Result) bool {
		v.fields = append(v.fields, Field{Key: key.Str, Value: fromResult(item), rawKey: key.Raw, srcKey: key.Str})
		return true
	})
	return v
}

func (v *Value) MarshalJSON() ([]byte, error) {
	return v.AppendJSON(nil), nil
}

// AppendJSON appends the compact encoding of v to dst.
func (v *Value) AppendJSON(dst []byte) []byte {
	switch v.kind {
	case KindNull:
		return append(dst, "null"...)
	case KindBool:
		if v.b {
			return append(dst, "true"...)
		}
		return append(dst, "false"...)
	case KindNumber:
		return append(dst, v.s...)
	case KindString:
		if v.raw != "" {
			return append(dst, v.raw...)
		}
		return gjson.AppendJSONString(dst, v.s)
	case KindArray:
		dst = append(dst, '[')
		for i, it := range v.items {
			if i > 0 {
				dst = append(dst, ',')
			}
			dst = it.AppendJSON(dst)
		}
		return append(dst, ']')
	default:
		dst = append(dst, '{')
		for i, f := range v.fields {
			if i > 0 {
				dst = append(dst, ',')
			}
			if f.rawKey != "" && f.Key == f.srcKey {
				dst = append(dst, f.rawKey...)
			} else {
				dst = gjson.AppendJSONString(dst, f.Key)
			}
			dst = append(dst, ':')
			dst = f.Value.AppendJSON(dst)
		}
		return append(dst, '}')
	}
}

// MarshalIndent is the human-readable form used when dumping trees.
func MarshalIndent(v *Value) []byte {
	return pretty.Pretty(v.AppendJSON(nil))
}

// Equal reports whether two trees encode to the same JSON.
func Equal(a, b *Value) bool {
	return bytes.Equal(a.AppendJSON(nil), b.AppendJSON(nil))
}
