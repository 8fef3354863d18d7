// Package sav reads and writes the compressed envelope that wraps host save
// payloads (Level.sav and Players/*.sav).
//
// Layout (little-endian):
//
//	0   u32  uncompressed length
//	4   u32  compressed length
//	8   [3]  magic "PlZ"
//	11  u8   save type
//	12  ...  zlib stream (one or two layers)
package sav

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zlib"
)

const HeaderSize = 12

// Magic is what the game writes. The same bytes are often transcribed as
// "P1Z", so that spelling is accepted on decode as well.
var (
	Magic      = [3]byte{'P', 'l', 'Z'}
	magicAlias = [3]byte{'P', '1', 'Z'}
)

type SaveType byte

const (
	TypeUncompressed SaveType = 0x30
	TypeZlib         SaveType = 0x31
	TypeDoubleZlib   SaveType = 0x32
)

func (t SaveType) String() string {
	switch t {
	case TypeUncompressed:
		return "0x30(uncompressed)"
	case TypeZlib:
		return "0x31(zlib)"
	case TypeDoubleZlib:
		return "0x32(zlib+zlib)"
	default:
		return fmt.Sprintf("0x%02x(unknown)", byte(t))
	}
}

func (t SaveType) Known() bool {
	return t == TypeUncompressed || t == TypeZlib || t == TypeDoubleZlib
}

func (t SaveType) Supported() bool {
	return t == TypeZlib || t == TypeDoubleZlib
}

var (
	ErrTruncated           = errors.New("sav: truncated header")
	ErrBadMagic            = errors.New("sav: bad magic")
	ErrUnknownSaveType     = errors.New("sav: unknown save type")
	ErrUnsupportedSaveType = errors.New("sav: unsupported save type")
	ErrLengthMismatch      = errors.New("sav: length mismatch")
	ErrCorruptStream       = errors.New("sav: corrupt zlib stream")
)

// LengthError reports a header length that disagrees with the data.
type LengthError struct {
	Layer    string // "compressed" or "uncompressed"
	Expected int    // value from the header
	Actual   int
	// Exceeded means inflation stopped once the data outgrew Expected, so
	// Actual is only a lower bound.
	Exceeded bool
}

func (e *LengthError) Error() string {
	if e.Exceeded {
		return fmt.Sprintf("sav: %s length mismatch: header=%d actual>%d", e.Layer, e.Expected, e.Expected)
	}
	return fmt.Sprintf("sav: %s length mismatch: header=%d actual=%d", e.Layer, e.Expected, e.Actual)
}

func (e *LengthError) Is(target error) bool { return target == ErrLengthMismatch }

type Header struct {
	UncompressedLen uint32
	CompressedLen   uint32
	Magic           [3]byte
	Type            SaveType
}

// Payload is a decoded save body plus the type it must be re-encoded with.
type Payload struct {
	Data []byte
	Type SaveType
}

// ReadHeader parses and checks the fixed 12-byte header.
func ReadHeader(b []byte) (Header, error) {
	var h Header
	if len(b) < HeaderSize {
		return h, fmt.Errorf("%w: %d bytes", ErrTruncated, len(b))
	}
	h.UncompressedLen = binary.LittleEndian.Uint32(b[0:4])
	h.CompressedLen = binary.LittleEndian.Uint32(b[4:8])
	copy(h.Magic[:], b[8:11])
	h.Type = SaveType(b[11])

	if h.Magic != Magic && h.Magic != magicAlias {
		return h, fmt.Errorf("%w: %q", ErrBadMagic, h.Magic[:])
	}
	if !h.Type.Known() {
		return h, fmt.Errorf("%w: 0x%02x", ErrUnknownSaveType, byte(h.Type))
	}
	if !h.Type.Supported() {
		return h, fmt.Errorf("%w: %s", ErrUnsupportedSaveType, h.Type)
	}
	return h, nil
}

func Decode(b []byte) (Payload, error) {
	h, err := ReadHeader(b)
	if err != nil {
		return Payload{}, err
	}
	body := b[HeaderSize:]

	if h.Type == TypeZlib && int(h.CompressedLen) != len(body) {
		return Payload{}, &LengthError{Layer: "compressed", Expected: int(h.CompressedLen), Actual: len(body)}
	}
	data := body
	if h.Type == TypeDoubleZlib {
		if data, err = inflate(data, "compressed", int(h.CompressedLen)); err != nil {
			return Payload{}, err
		}
	}
	if data, err = inflate(data, "uncompressed", int(h.UncompressedLen)); err != nil {
		return Payload{}, err
	}
	return Payload{Data: data, Type: h.Type}, nil
}

// Encode wraps data in an envelope of type t. The compressed length field
// always describes the single-layer stream, which is what Decode verifies
// after peeling the outer layer of a double-compressed save.
func Encode(data []byte, t SaveType) ([]byte, error) {
	if !t.Supported() {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSaveType, t)
	}
	inner, err := deflate(data)
	if err != nil {
		return nil, err
	}
	body := inner
	if t == TypeDoubleZlib {
		if body, err = deflate(inner); err != nil {
			return nil, err
		}
	}

	out := make([]byte, HeaderSize, HeaderSize+len(body))
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(data)))
	binary.LittleEndian.PutUint32(out[4:8], uint32(len(inner)))
	copy(out[8:11], Magic[:])
	out[11] = byte(t)
	return append(out, body...), nil
}

// inflate decompresses b, reading at most one byte past want so a lying
// header cannot make it allocate more than it declared.
func inflate(b []byte, layer string, want int) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptStream, err)
	}
	defer zr.Close()
	out, err := io.ReadAll(io.LimitReader(zr, int64(want)+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptStream, err)
	}
	if len(out) > want {
		return nil, &LengthError{Layer: layer, Expected: want, Actual: len(out), Exceeded: true}
	}
	if len(out) < want {
		return nil, &LengthError{Layer: layer, Expected: want, Actual: len(out)}
	}
	return out, nil
}

func deflate(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(b); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ReadFile reads and decodes a save file; errors name the file.
func ReadFile(path string) (Payload, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Payload{}, err
	}
	p, err := Decode(b)
	if err != nil {
		return Payload{}, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return p, nil
}

// WriteFile encodes p and writes it to path, creating parent directories.
func WriteFile(path string, p Payload) error {
	b, err := Encode(p.Data, p.Type)
	if err != nil {
		return fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
