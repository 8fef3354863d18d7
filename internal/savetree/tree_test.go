package savetree

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `{"root":{"properties":{"B":{"Int":{"value":-12}},"A":{"Str":{"value":"héllo \"x\""}},"Raw":{"Array":{"value":[0,1,255]}},"Flag":true,"Nil":null,"F":1.5e3}}}`

func TestParse_RoundTripIsExact(t *testing.T) {
	v, err := Parse([]byte(sample))
	require.NoError(t, err)

	again, err := Parse(v.AppendJSON(nil))
	require.NoError(t, err)
	assert.True(t, Equal(v, again))

	props, err := v.Lookup("root", "properties")
	require.NoError(t, err)
	fields, err := props.Fields()
	require.NoError(t, err)
	keys := make([]string, 0, len(fields))
	for _, f := range fields {
		keys = append(keys, f.Key)
	}
	assert.Equal(t, []string{"B", "A", "Raw", "Flag", "Nil", "F"}, keys)

	f, err := props.Field("F")
	require.NoError(t, err)
	raw, err := f.Raw()
	require.NoError(t, err)
	assert.Equal(t, "1.5e3", raw)

	s, err := v.Lookup("root", "properties", "A", "Str", "value")
	require.NoError(t, err)
	str, err := s.Str()
	require.NoError(t, err)
	assert.Equal(t, `héllo "x"`, str)
}

func TestParse_UneditedStringsKeepSourceText(t *testing.T) {
	src := `{"NickName":"Tom&Jerry <3","Path":"a\/b","Uni\u0041":"\u00e9","Edited":"x"}`
	v, err := Parse([]byte(src))
	require.NoError(t, err)
	assert.Equal(t, src, string(v.AppendJSON(nil)))
	assert.Equal(t, src, string(v.Clone().AppendJSON(nil)))

	name, err := v.Field("NickName")
	require.NoError(t, err)
	got, err := name.Str()
	require.NoError(t, err)
	assert.Equal(t, "Tom&Jerry <3", got)

	_, err = v.Field("UniA")
	require.NoError(t, err, "keys are matched on their decoded text")

	e, err := v.Field("Edited")
	require.NoError(t, err)
	require.NoError(t, e.SetString("Tom&Jerry"))
	again, err := Parse(v.AppendJSON(nil))
	require.NoError(t, err)
	e2, err := again.Field("Edited")
	require.NoError(t, err)
	s, err := e2.Str()
	require.NoError(t, err)
	assert.Equal(t, "Tom&Jerry", s)
}

func TestParse_Invalid(t *testing.T) {
	_, err := Parse([]byte(`{"a":`))
	assert.ErrorIs(t, err, ErrInvalidJSON)
}

func TestLookup_Errors(t *testing.T) {
	v, err := Parse([]byte(sample))
	require.NoError(t, err)

	_, err = v.Lookup("root", "properties", "Missing", "value")
	require.ErrorIs(t, err, ErrFieldNotFound)
	var pe *PathError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "root.properties.Missing", pe.Path)

	_, err = v.Lookup("root", "properties", "Flag", "value")
	require.ErrorIs(t, err, ErrTypeMismatch)

	n, err := v.Lookup("root", "properties", "B", "Int", "value")
	require.NoError(t, err)
	_, err = n.Str()
	assert.ErrorIs(t, err, ErrTypeMismatch)
	i, err := n.Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(-12), i)

	arr, err := v.Lookup("root", "properties", "Raw", "Array", "value")
	require.NoError(t, err)
	_, err = arr.Index(3)
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
}

func TestBytes_ReadWrite(t *testing.T) {
	v, err := Parse([]byte(sample))
	require.NoError(t, err)
	arr, err := v.Lookup("root", "properties", "Raw", "Array", "value")
	require.NoError(t, err)

	b, err := arr.Bytes()
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 255}, b)

	require.NoError(t, arr.SetBytes([]byte{9, 1, 0}))
	assert.Equal(t, `[9,1,0]`, string(arr.AppendJSON(nil)))

	require.NoError(t, arr.SetBytes([]byte{7}))
	assert.Equal(t, `[7]`, string(arr.AppendJSON(nil)))

	bad := Array(Int(1), Int(256))
	_, err = bad.Bytes()
	assert.ErrorIs(t, err, ErrTypeMismatch)

	_, err = Array(String("1")).Bytes()
	assert.ErrorIs(t, err, ErrTypeMismatch)
}

func TestSetString_AndClone(t *testing.T) {
	v := Object(F("Guid", String("a")), F("n", Int(3)))
	c := v.Clone()

	g, err := v.Field("Guid")
	require.NoError(t, err)
	require.NoError(t, g.SetString("b"))
	assert.Equal(t, `{"Guid":"b","n":3}`, string(v.AppendJSON(nil)))
	assert.Equal(t, `{"Guid":"a","n":3}`, string(c.AppendJSON(nil)))

	n, err := v.Field("n")
	require.NoError(t, err)
	assert.ErrorIs(t, n.SetString("x"), ErrTypeMismatch)

	require.NoError(t, v.Set("n", Null()))
	require.NoError(t, v.Set("extra", Bool(true)))
	assert.Equal(t, `{"Guid":"b","n":null,"extra":true}`, string(v.AppendJSON(nil)))
}

func TestMarshalIndent_Parses(t *testing.T) {
	v, err := Parse([]byte(sample))
	require.NoError(t, err)
	out := MarshalIndent(v)
	assert.Contains(t, string(out), "\n")

	back, err := Parse(out)
	require.NoError(t, err)
	assert.True(t, Equal(v, back))
}
