// Package guid converts between the representations a player identifier takes
// inside host saves: the canonical hyphenated form used by property trees, the
// bare hex form used for file names, and the byte sequence embedded in guild
// raw data.
package guid

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var ErrMalformed = errors.New("malformed identifier")

// ID is a 128-bit player or instance identifier.
type ID struct {
	u uuid.UUID
}

// Parse accepts 32 hex characters with any number of hyphens, in any case.
func Parse(s string) (ID, error) {
	h := strings.ToLower(strings.TrimSpace(strings.ReplaceAll(s, "-", "")))
	if len(h) != 32 {
		return ID{}, fmt.Errorf("%w: %q: want 32 hex characters, got %d", ErrMalformed, s, len(h))
	}
	u, err := uuid.Parse(h)
	if err != nil {
		return ID{}, fmt.Errorf("%w: %q: %v", ErrMalformed, s, err)
	}
	return ID{u: u}, nil
}

func MustParse(s string) ID {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

// FromBytes builds an ID from its 16 bytes in textual (big-endian) order.
func FromBytes(b [16]byte) ID { return ID{u: uuid.UUID(b)} }

func (id ID) IsZero() bool { return id.u == uuid.Nil }

// String returns the canonical 8-4-4-4-12 lowercase form.
func (id ID) String() string { return id.u.String() }

// Hex returns the 32 lowercase hex characters without separators.
func (id ID) Hex() string { return strings.ReplaceAll(id.u.String(), "-", "") }

// FileStem is the upper-case hex form the server uses to name player saves.
func (id ID) FileStem() string { return strings.ToUpper(id.Hex()) }

func (id ID) Bytes() [16]byte { return [16]byte(id.u) }

// GuildBytes returns the identifier as stored inside a guild's raw data: four
// little-endian 32-bit words, so each 4-byte group of the textual form is
// reversed.
func (id ID) GuildBytes() [16]byte {
	var out [16]byte
	for g := 0; g < 16; g += 4 {
		for k := 0; k < 4; k++ {
			out[g+k] = id.u[g+3-k]
		}
	}
	return out
}

// FromGuildBytes is the inverse of GuildBytes.
func FromGuildBytes(b [16]byte) ID {
	var u uuid.UUID
	for g := 0; g < 16; g += 4 {
		for k := 0; k < 4; k++ {
			u[g+k] = b[g+3-k]
		}
	}
	return ID{u: u}
}

func (id ID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *ID) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*id = v
	return nil
}
