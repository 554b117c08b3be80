// Package groundsync moves synchronised tables between the local store and
// the ground copy. Each table is driven by its own periodic task.
package groundsync

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gobwas/glob"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/openqs/vms/db"
	"github.com/openqs/vms/task"
	"github.com/openqs/vms/telemetry"
	"github.com/rs/zerolog/log"
)

const seenCommandsSize = 4096

// Local is the part of the local gateway the synchroniser drives
type Local interface {
	ExportTable(ctx context.Context, t db.Table) (db.ExportResult, error)
	ResetExport(ctx context.Context, t db.Table) error
	SessionState(ctx context.Context) (db.SessionState, error)
	InsertGroundCommand(ctx context.Context, cmd db.Command) (bool, error)
	ExportFingerprint(t db.Table) (uint64, error)
}

// Ground is the part of the ground gateway the synchroniser drives
type Ground interface {
	Open(ctx context.Context) error
	Close() error
	IsOpen() bool
	BulkIngest(ctx context.Context, t db.Table, session int64) error
	PendingCommands(ctx context.Context, session int64) ([]db.Command, error)
}

// Synchroniser runs the export, transfer, ingest and reset protocol
type Synchroniser struct {
	local  Local
	ground Ground
	tables []glob.Glob
	seen   *lru.Cache[string, struct{}]
}

// New creates a synchroniser restricted to tables matching patterns (all
// tables when empty)
func New(local Local, ground Ground, patterns []string) (*Synchroniser, error) {
	seen, err := lru.New[string, struct{}](seenCommandsSize)
	if err != nil {
		return nil, err
	}
	s := &Synchroniser{local: local, ground: ground, seen: seen}
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid sync table pattern %q: %w", p, err)
		}
		s.tables = append(s.tables, g)
	}
	return s, nil
}

// Tables returns the synchronised tables this instance handles
func (s *Synchroniser) Tables() []db.Table {
	var out []db.Table
	for _, t := range db.SyncTables() {
		if s.enabled(t.Name) {
			out = append(out, t)
		}
	}
	return out
}

func (s *Synchroniser) enabled(name string) bool {
	if len(s.tables) == 0 {
		return true
	}
	for _, g := range s.tables {
		if g.Match(name) {
			return true
		}
	}
	return false
}

// Sync runs one tick of the protocol for t. Transport failures are logged
// and left for the next tick with the export still pending; only a failure
// to write the export file is returned as fatal. A Command_Log tick also
// pulls ground commands whenever the ground answers, even with nothing to
// export.
func (s *Synchroniser) Sync(ctx context.Context, t db.Table) error {
	res, err := s.local.ExportTable(ctx, t)
	if err != nil {
		if errors.Is(err, db.ErrExportWrite) {
			return task.Fatal(err)
		}
		return fmt.Errorf("export of %s failed: %w", t.Name, err)
	}
	pull := t.Name == db.CommandLog.Name
	if res == db.ExportNone && !pull {
		return nil
	}

	st, err := s.local.SessionState(ctx)
	if err != nil {
		return err
	}
	if !st.TestConnection {
		if s.ground.IsOpen() {
			s.ground.Close()
		}
		telemetry.IngestsTotal.With(t.Name, "offline").Inc()
		return nil
	}

	if err := s.ground.Open(ctx); err != nil {
		log.Warn().Err(err).Str("table", t.Name).Msg("Ground store unavailable, export left pending")
		return nil
	}

	if res != db.ExportNone {
		if err := s.ingest(ctx, t, res, st.SessionID); err != nil {
			return err
		}
	}

	if pull {
		if err := s.PullCommands(ctx, st.SessionID); err != nil {
			log.Warn().Err(err).Msg("Failed to pull ground commands")
			if !db.IsTransient(err) {
				s.ground.Close()
			}
		}
	}
	return nil
}

// ingest loads the pending export of t on the ground and resets the local
// cursor. A failed load leaves the export pending; a transient failure keeps
// the ground connection for the next tick.
func (s *Synchroniser) ingest(ctx context.Context, t db.Table, res db.ExportResult, session int64) error {
	if err := s.ground.BulkIngest(ctx, t, session); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		evt := log.Warn().Err(err).Str("table", t.Name).Str("export", res.String())
		if fp, ferr := s.local.ExportFingerprint(t); ferr == nil {
			evt = evt.Str("file_hash", strconv.FormatUint(fp, 16))
		}
		if db.IsTransient(err) {
			evt.Msg("Ground ingest interrupted, retrying next tick")
			return nil
		}
		evt.Msg("Ground ingest failed, file will be retransferred")
		s.ground.Close()
		return nil
	}

	if err := s.local.ResetExport(ctx, t); err != nil {
		return fmt.Errorf("ingest of %s succeeded but reset failed: %w", t.Name, err)
	}
	return nil
}

// PullCommands copies commands queued on the ground for session into the
// local queue
func (s *Synchroniser) PullCommands(ctx context.Context, session int64) error {
	cmds, err := s.ground.PendingCommands(ctx, session)
	if err != nil {
		return err
	}
	for _, cmd := range cmds {
		key := fmt.Sprintf("%d/%d", cmd.SessionID, cmd.CommandID)
		if s.seen.Contains(key) {
			continue
		}
		inserted, err := s.local.InsertGroundCommand(ctx, cmd)
		if err != nil {
			return fmt.Errorf("failed to queue ground command %s: %w", key, err)
		}
		s.seen.Add(key, struct{}{})
		if inserted {
			telemetry.GroundCommandsPulled.Inc()
			log.Info().
				Int64("session", cmd.SessionID).
				Int64("command_id", cmd.CommandID).
				Str("name", cmd.Name).
				Msg("Queued ground command")
		}
	}
	return nil
}

// SyncAll runs one tick for every enabled table, stopping at the first
// hard error
func (s *Synchroniser) SyncAll(ctx context.Context) error {
	for _, t := range s.Tables() {
		if err := s.Sync(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

// Task builds the periodic task for t with the given period
func (s *Synchroniser) Task(t db.Table, period time.Duration, opts ...task.Option) *task.Periodic {
	return task.New("sync."+t.Name, period, func(ctx context.Context) (task.Next, error) {
		return task.Keep(), s.Sync(ctx, t)
	}, opts...)
}
