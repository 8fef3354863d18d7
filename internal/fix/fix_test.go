package fix

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"palfix.dev/internal/directive"
	"palfix.dev/internal/guid"
	"palfix.dev/internal/patch/patchtest"
	"palfix.dev/internal/persistence/sav"
	"palfix.dev/internal/savetree"
)

// jsonCodec stands in for the external converter: the save body is the tree's JSON.
type jsonCodec struct{ decodes, encodes int }

func (c *jsonCodec) DecodeTree(_ context.Context, b []byte) (*savetree.Value, error) {
	c.decodes++
	return savetree.Parse(b)
}

func (c *jsonCodec) EncodeTree(_ context.Context, v *savetree.Value) ([]byte, error) {
	c.encodes++
	return v.AppendJSON(nil), nil
}

type memStore struct {
	level       []byte
	levelWrites int
	players     map[guid.ID][]byte
}

func (s *memStore) ReadLevel() ([]byte, error) { return s.level, nil }

func (s *memStore) WriteLevel(b []byte) error {
	s.level = b
	s.levelWrites++
	return nil
}

func (s *memStore) PlayerExists(id guid.ID) (bool, error) {
	_, ok := s.players[id]
	return ok, nil
}

func (s *memStore) ReadPlayer(id guid.ID) ([]byte, error) {
	b, ok := s.players[id]
	if !ok {
		return nil, os.ErrNotExist
	}
	return b, nil
}

func (s *memStore) ReplacePlayer(oldID, newID guid.ID, b []byte) error {
	s.players[newID] = b
	delete(s.players, oldID)
	return nil
}

type recorder struct {
	got []Outcome
	err error
}

func (r *recorder) RecordMigration(o Outcome) error {
	r.got = append(r.got, o)
	return r.err
}

var (
	oldA  = guid.MustParse("8e910ac2000000000000000000000000")
	newA  = guid.MustParse("0a1b2c3d4e5f60718293a4b5c6d7e8f9")
	instA = "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee"
	oldB  = guid.MustParse("11111111222233334444555555555555")
	newB  = guid.MustParse("99999999888877776666555555555555")
	instB = "12345678-1234-1234-1234-123456789abc"
)

func envelope(t *testing.T, v *savetree.Value, typ sav.SaveType) []byte {
	t.Helper()
	b, err := sav.Encode(v.AppendJSON(nil), typ)
	require.NoError(t, err)
	return b
}

func unwrap(t *testing.T, b []byte) (*savetree.Value, sav.SaveType) {
	t.Helper()
	p, err := sav.Decode(b)
	require.NoError(t, err)
	v, err := savetree.Parse(p.Data)
	require.NoError(t, err)
	return v, p.Type
}

func newWorld(t *testing.T) *memStore {
	seqA, seqB := oldA.GuildBytes(), oldB.GuildBytes()
	raw := append(append(make([]byte, 32), seqA[:]...), seqB[:]...)
	level := patchtest.Level([]patchtest.Character{
		{PlayerID: oldA.String(), InstanceID: instA},
		{PlayerID: oldB.String(), InstanceID: instB},
	}, []patchtest.Group{patchtest.Guild(raw)})

	return &memStore{
		level: envelope(t, level, sav.TypeDoubleZlib),
		players: map[guid.ID][]byte{
			oldA: envelope(t, patchtest.Player(oldA.String(), instA), sav.TypeZlib),
			newA: envelope(t, patchtest.Player(newA.String(), "00000000-0000-0000-0000-00000000000a"), sav.TypeZlib),
			oldB: envelope(t, patchtest.Player(oldB.String(), instB), sav.TypeDoubleZlib),
			newB: envelope(t, patchtest.Player(newB.String(), "00000000-0000-0000-0000-00000000000b"), sav.TypeZlib),
		},
	}
}

func directives() []directive.Directive {
	return []directive.Directive{
		{Name: "host", Old: oldA, New: newA},
		{Name: "friend", Old: oldB, New: newB},
	}
}

func TestRun_MigratesPlayersAndLevel(t *testing.T) {
	store := newWorld(t)
	codec := &jsonCodec{}
	rec := &recorder{}
	m := &Migrator{Store: store, Codec: codec, Log: zap.NewNop(), Recorder: rec}

	rep, err := m.Run(context.Background(), directives())
	require.NoError(t, err)
	assert.Equal(t, PhaseDone, rep.Phase)
	assert.True(t, rep.LevelWritten)
	assert.Equal(t, 1, store.levelWrites)
	assert.Equal(t, 3, codec.decodes, "level once plus one per player")
	assert.Equal(t, 3, codec.encodes)
	require.Len(t, rep.Outcomes, 2)
	assert.Equal(t, rep.Outcomes, rec.got)

	for i, d := range directives() {
		assert.NotContains(t, store.players, d.Old)
		player, typ := unwrap(t, store.players[d.New])
		top, nested := patchtest.PlayerIDs(t, player)
		assert.Equal(t, d.New.String(), top)
		assert.Equal(t, d.New.String(), nested)
		if i == 0 {
			assert.Equal(t, sav.TypeZlib, typ)
		} else {
			assert.Equal(t, sav.TypeDoubleZlib, typ, "player keeps its own save type")
		}

		o := rep.Outcomes[i]
		assert.True(t, o.CharacterFound)
		assert.True(t, o.Written)
		assert.Equal(t, 1, o.GuildsScanned)
		assert.Equal(t, 1, o.GuildWindows)
	}
	assert.Equal(t, instA, rep.Outcomes[0].InstanceID)

	level, typ := unwrap(t, store.level)
	assert.Equal(t, sav.TypeDoubleZlib, typ)
	assert.Equal(t, []string{newA.String(), newB.String()}, patchtest.CharacterPlayerIDs(t, level))
	gA, gB := newA.GuildBytes(), newB.GuildBytes()
	raw := patchtest.GroupRaw(t, level, 0)
	assert.Equal(t, make([]byte, 32), raw[:32])
	assert.Equal(t, gA[:], raw[32:48])
	assert.Equal(t, gB[:], raw[48:64])
}

func TestRun_MissingNewPlayerAbortsAfterEarlierDirectives(t *testing.T) {
	store := newWorld(t)
	delete(store.players, newB)
	levelBefore := append([]byte(nil), store.level...)

	m := &Migrator{Store: store, Codec: &jsonCodec{}}
	rep, err := m.Run(context.Background(), directives())
	require.ErrorIs(t, err, ErrMissingPlayerFile)

	var se *StepError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "player "+newB.FileStem(), se.Subject)

	assert.False(t, rep.LevelWritten)
	assert.Equal(t, 0, store.levelWrites)
	assert.Equal(t, levelBefore, store.level)
	require.Len(t, rep.Outcomes, 1)
	assert.NotContains(t, store.players, oldA, "first directive stays committed")
	assert.Contains(t, store.players, oldB)
}

func TestRun_CorruptLevelAbortsBeforeAnyWrite(t *testing.T) {
	store := newWorld(t)
	copy(store.level[8:11], "XYZ")
	players := len(store.players)

	m := &Migrator{Store: store, Codec: &jsonCodec{}}
	rep, err := m.Run(context.Background(), directives())
	require.ErrorIs(t, err, sav.ErrBadMagic)
	assert.Equal(t, PhaseInit, rep.Phase)
	assert.Equal(t, players, len(store.players))
	assert.Contains(t, store.players, oldA)
}

func TestRun_PlayerLengthMismatchIsFatal(t *testing.T) {
	store := newWorld(t)
	b := store.players[oldA]
	binary.LittleEndian.PutUint32(b[0:4], binary.LittleEndian.Uint32(b[0:4])+3)

	m := &Migrator{Store: store, Codec: &jsonCodec{}}
	rep, err := m.Run(context.Background(), directives())
	require.ErrorIs(t, err, sav.ErrLengthMismatch)
	assert.Empty(t, rep.Outcomes)
	assert.Contains(t, store.players, oldA)
	assert.Equal(t, 0, store.levelWrites)
}

func TestRun_MissingCharacterEntryIsLogged(t *testing.T) {
	store := newWorld(t)
	level := patchtest.Level([]patchtest.Character{{PlayerID: oldB.String(), InstanceID: instB}}, nil)
	store.level = envelope(t, level, sav.TypeZlib)

	core, logs := observer.New(zap.WarnLevel)
	m := &Migrator{Store: store, Codec: &jsonCodec{}, Log: zap.New(core)}
	rep, err := m.Run(context.Background(), directives()[:1])
	require.NoError(t, err)
	require.Len(t, rep.Outcomes, 1)
	assert.False(t, rep.Outcomes[0].CharacterFound)
	assert.Equal(t, 1, logs.FilterField(zap.String("instance_id", instA)).Len())

	after, _ := unwrap(t, store.level)
	assert.Equal(t, []string{oldB.String()}, patchtest.CharacterPlayerIDs(t, after))
}

func TestRun_RecorderFailureDoesNotAbort(t *testing.T) {
	store := newWorld(t)
	core, logs := observer.New(zap.ErrorLevel)
	ok := &recorder{}
	bad := &recorder{err: errors.New("disk full")}
	m := &Migrator{Store: store, Codec: &jsonCodec{}, Log: zap.New(core), Recorder: Recorders{bad, nil, ok}}

	rep, err := m.Run(context.Background(), directives())
	require.NoError(t, err)
	assert.True(t, rep.LevelWritten)
	assert.Len(t, ok.got, 2, "later recorders still see every outcome")
	assert.Equal(t, 2, logs.FilterMessage("record migration").Len())
}

func TestRun_DryRunWritesNothing(t *testing.T) {
	store := newWorld(t)
	levelBefore := append([]byte(nil), store.level...)

	m := &Migrator{Store: store, Codec: &jsonCodec{}, DryRun: true}
	rep, err := m.Run(context.Background(), directives())
	require.NoError(t, err)
	assert.Equal(t, PhaseDone, rep.Phase)
	assert.False(t, rep.LevelWritten)
	assert.Equal(t, levelBefore, store.level)
	assert.Contains(t, store.players, oldA)
	assert.Contains(t, store.players, oldB)
	for _, o := range rep.Outcomes {
		assert.False(t, o.Written)
		assert.True(t, o.CharacterFound)
	}
}

func TestRun_CanceledContext(t *testing.T) {
	store := newWorld(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := &Migrator{Store: store, Codec: &jsonCodec{}}
	_, err := m.Run(ctx, directives())
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, store.levelWrites)
}

func TestPhase_String(t *testing.T) {
	assert.Equal(t, "level_decoded", PhaseLevelDecoded.String())
	assert.Equal(t, "done", PhaseDone.String())
	assert.Equal(t, "phase(42)", Phase(42).String())
}
