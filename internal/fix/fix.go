// Package fix moves players' save data onto new identifiers.
//
// A run decodes the level once, then for every directive decodes the old
// player save, patches player and level trees, and writes the player save
// under the new identifier. The level accumulates patches across directives
// and is written once at the end. A fatal error stops the run; player saves
// already written stay migrated and the level is left as it was.
package fix

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"palfix.dev/internal/directive"
	"palfix.dev/internal/guid"
	"palfix.dev/internal/patch"
	"palfix.dev/internal/persistence/sav"
	"palfix.dev/internal/savetree"
)

var ErrMissingPlayerFile = errors.New("new player save does not exist; the player must join the server once before the fix can run")

// TreeCodec converts decompressed save bodies to and from property trees.
type TreeCodec interface {
	DecodeTree(ctx context.Context, gvas []byte) (*savetree.Value, error)
	EncodeTree(ctx context.Context, tree *savetree.Value) ([]byte, error)
}

// Store gives access to the enveloped save files of one world.
type Store interface {
	ReadLevel() ([]byte, error)
	WriteLevel(b []byte) error
	PlayerExists(id guid.ID) (bool, error)
	ReadPlayer(id guid.ID) ([]byte, error)
	// ReplacePlayer stores b as newID's save and retires oldID's save.
	ReplacePlayer(oldID, newID guid.ID, b []byte) error
}

// Recorder is told about every completed directive. A failing recorder is
// logged; it never aborts a run whose files are already rewritten.
type Recorder interface {
	RecordMigration(Outcome) error
}

// Recorders fans an outcome out to each recorder in turn.
type Recorders []Recorder

func (rs Recorders) RecordMigration(o Outcome) error {
	var errs []error
	for _, r := range rs {
		if r == nil {
			continue
		}
		if err := r.RecordMigration(o); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type Phase int

const (
	PhaseInit Phase = iota
	PhaseLevelDecoded
	PhasePlayerDecoded
	PhasePatched
	PhasePlayerEncoded
	PhaseLevelEncoded
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhaseLevelDecoded:
		return "level_decoded"
	case PhasePlayerDecoded:
		return "player_decoded"
	case PhasePatched:
		return "patched"
	case PhasePlayerEncoded:
		return "player_encoded"
	case PhaseLevelEncoded:
		return "level_encoded"
	case PhaseDone:
		return "done"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// StepError ties a failure to the file and the step that was being attempted.
type StepError struct {
	Phase   Phase // the phase the run was trying to reach
	Subject string
	Err     error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Subject, e.Phase, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

type Outcome struct {
	Seq            int
	Name           string
	Old            guid.ID
	New            guid.ID
	InstanceID     string
	CharacterFound bool
	GuildsScanned  int
	GuildWindows   int
	Written        bool
}

type Report struct {
	Outcomes     []Outcome
	Phase        Phase
	LevelWritten bool
}

type Migrator struct {
	Store    Store
	Codec    TreeCodec
	Log      *zap.Logger
	Recorder Recorder
	// DryRun runs every step but writes nothing.
	DryRun bool
}

func (m *Migrator) logger() *zap.Logger {
	if m.Log == nil {
		return zap.NewNop()
	}
	return m.Log
}

// Run applies the directives in order.
func (m *Migrator) Run(ctx context.Context, directives []directive.Directive) (Report, error) {
	log := m.logger()
	rep := Report{Phase: PhaseInit}

	raw, err := m.Store.ReadLevel()
	if err != nil {
		return rep, &StepError{Phase: PhaseLevelDecoded, Subject: "level", Err: err}
	}
	levelPayload, level, err := m.decode(ctx, raw)
	if err != nil {
		return rep, &StepError{Phase: PhaseLevelDecoded, Subject: "level", Err: err}
	}
	rep.Phase = PhaseLevelDecoded
	log.Info("level decoded",
		zap.Stringer("save_type", levelPayload.Type),
		zap.Int("gvas_bytes", len(levelPayload.Data)),
		zap.Int("directives", len(directives)))

	for i, d := range directives {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		out, err := m.migrate(ctx, log.With(zap.String("player", d.Name), zap.Int("seq", i)), i, d, level, &rep)
		if err != nil {
			return rep, err
		}
		rep.Outcomes = append(rep.Outcomes, out)
		if m.Recorder != nil {
			if err := m.Recorder.RecordMigration(out); err != nil {
				log.Error("record migration", zap.Int("seq", i), zap.Error(err))
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return rep, err
	}
	gvas, err := m.Codec.EncodeTree(ctx, level)
	if err != nil {
		return rep, &StepError{Phase: PhaseLevelEncoded, Subject: "level", Err: err}
	}
	enc, err := sav.Encode(gvas, levelPayload.Type)
	if err != nil {
		return rep, &StepError{Phase: PhaseLevelEncoded, Subject: "level", Err: err}
	}
	rep.Phase = PhaseLevelEncoded
	if !m.DryRun {
		if err := m.Store.WriteLevel(enc); err != nil {
			return rep, &StepError{Phase: PhaseDone, Subject: "level", Err: err}
		}
		rep.LevelWritten = true
	}
	rep.Phase = PhaseDone
	log.Info("level written", zap.Bool("dry_run", m.DryRun), zap.Int("bytes", len(enc)))
	return rep, nil
}

func (m *Migrator) migrate(ctx context.Context, log *zap.Logger, seq int, d directive.Directive, level *savetree.Value, rep *Report) (Outcome, error) {
	out := Outcome{Seq: seq, Name: d.Name, Old: d.Old, New: d.New}
	subject := "player " + d.Old.FileStem()

	ok, err := m.Store.PlayerExists(d.New)
	if err != nil {
		return out, &StepError{Phase: PhasePlayerDecoded, Subject: "player " + d.New.FileStem(), Err: err}
	}
	if !ok {
		return out, &StepError{Phase: PhasePlayerDecoded, Subject: "player " + d.New.FileStem(), Err: ErrMissingPlayerFile}
	}

	raw, err := m.Store.ReadPlayer(d.Old)
	if err != nil {
		return out, &StepError{Phase: PhasePlayerDecoded, Subject: subject, Err: err}
	}
	payload, player, err := m.decode(ctx, raw)
	if err != nil {
		return out, &StepError{Phase: PhasePlayerDecoded, Subject: subject, Err: err}
	}
	rep.Phase = PhasePlayerDecoded
	log.Debug("player decoded", zap.Stringer("save_type", payload.Type))

	res, err := patch.Apply(player, level, patch.Directive{Old: d.Old, New: d.New})
	if err != nil {
		return out, &StepError{Phase: PhasePatched, Subject: subject, Err: err}
	}
	rep.Phase = PhasePatched
	out.InstanceID = res.InstanceID
	out.CharacterFound = res.CharacterFound
	out.GuildsScanned = res.GuildsScanned
	out.GuildWindows = res.GuildWindows
	if !res.CharacterFound {
		log.Warn("no character index entry for player instance; level character index left unchanged",
			zap.String("instance_id", res.InstanceID))
	}

	gvas, err := m.Codec.EncodeTree(ctx, player)
	if err != nil {
		return out, &StepError{Phase: PhasePlayerEncoded, Subject: subject, Err: err}
	}
	enc, err := sav.Encode(gvas, payload.Type)
	if err != nil {
		return out, &StepError{Phase: PhasePlayerEncoded, Subject: subject, Err: err}
	}
	if !m.DryRun {
		if err := m.Store.ReplacePlayer(d.Old, d.New, enc); err != nil {
			return out, &StepError{Phase: PhasePlayerEncoded, Subject: subject, Err: err}
		}
		out.Written = true
	}
	rep.Phase = PhasePlayerEncoded
	log.Info("player migrated",
		zap.String("old", d.Old.String()),
		zap.String("new", d.New.String()),
		zap.Bool("character_found", res.CharacterFound),
		zap.Int("guilds", res.GuildsScanned),
		zap.Int("guild_windows", res.GuildWindows),
		zap.Bool("written", out.Written))
	return out, nil
}

func (m *Migrator) decode(ctx context.Context, raw []byte) (sav.Payload, *savetree.Value, error) {
	p, err := sav.Decode(raw)
	if err != nil {
		return p, nil, err
	}
	tree, err := m.Codec.DecodeTree(ctx, p.Data)
	if err != nil {
		return p, nil, err
	}
	return p, tree, nil
}
