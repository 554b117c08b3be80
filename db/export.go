package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	"github.com/cespare/xxhash/v2"
	"github.com/doug-martin/goqu/v9"
	"github.com/openqs/vms/telemetry"
	"github.com/rs/zerolog/log"
)

// ErrExportWrite wraps failures to write an export file to disk. The engine
// treats it as fatal.
var ErrExportWrite = errors.New("export file write failed")

// Cursor is the (T_event_key, T_rt) pair of a table in the current session
type Cursor struct {
	Session  int64
	EventKey int64
	Ready    bool
}

// Pointer returns t's cursor in the current session
func (s *LocalStore) Pointer(ctx context.Context, t Table) (Cursor, error) {
	session, err := s.currentSession(ctx, s.conn.db)
	if err != nil {
		return Cursor{}, err
	}
	row, err := s.sessionRow(ctx, s.conn.db, FlightPointersTable.Name, session)
	if err != nil {
		return Cursor{}, fmt.Errorf("failed to read flight pointers: %w", err)
	}
	c := Cursor{Session: session, Ready: row.Bool(t.ReadyColumn())}
	if t.Cursor == CursorEventKey {
		c.EventKey = row.Int64(t.EventKeyColumn())
	}
	return c, nil
}

// ExportTable writes the next batch of t to its export file and marks the
// file ready. While a previous file is pending it returns ExportAlreadyReady
// without touching the file.
func (s *LocalStore) ExportTable(ctx context.Context, t Table) (ExportResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.exportLocked(ctx, t)
	if err != nil {
		telemetry.ExportsTotal.With(t.Name, "error").Inc()
		return ExportNone, err
	}
	telemetry.ExportsTotal.With(t.Name, res.String()).Inc()
	return res, nil
}

func (s *LocalStore) exportLocked(ctx context.Context, t Table) (ExportResult, error) {
	if err := s.ensureTmpDir(); err != nil {
		return ExportNone, fmt.Errorf("%w: %v", ErrExportWrite, err)
	}

	result := ExportNone
	err := s.conn.inTx(ctx, func(tx *sql.Tx) error {
		session, err := s.currentSession(ctx, tx)
		if err != nil {
			return err
		}
		ptr, err := s.sessionRow(ctx, tx, FlightPointersTable.Name, session)
		if err != nil {
			return fmt.Errorf("failed to read flight pointers: %w", err)
		}
		if ptr.Bool(t.ReadyColumn()) {
			result = ExportAlreadyReady
			return nil
		}

		var (
			rows   [][]interface{}
			newKey int64
		)
		switch t.Cursor {
		case CursorSnapshot:
			rows, err = s.selectValues(ctx, tx, s.conn.from(t.Name).
				Select(toIdents(t.Columns)...).
				Where(goqu.C(colSession).Eq(session)))
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", t.Name, err)
			}
		default:
			key := ptr.Int64(t.EventKeyColumn())
			if key == 0 {
				return nil
			}
			st, err := s.sessionRow(ctx, tx, SessionStateTable.Name, session)
			if err != nil {
				return fmt.Errorf("failed to read session state: %w", err)
			}
			limit := st.Int(t.BatchColumn())
			if limit <= 0 {
				limit = defaultBatchRecord
			}

			rows, err = s.selectValues(ctx, tx, s.conn.from(t.Name).
				Select(toIdents(t.Columns)...).
				Where(goqu.C(colEventKey).Gte(key)).
				Order(goqu.C(colEventKey).Asc()).
				Limit(uint(limit)))
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", t.Name, err)
			}

			var max sql.NullInt64
			if err := s.conn.queryRow(ctx, tx, s.conn.from(t.Name).Select(goqu.MAX(colEventKey)), &max); err != nil && !errors.Is(err, ErrNotFound) {
				return fmt.Errorf("failed to read max event key of %s: %w", t.Name, err)
			}
			newKey = key + int64(limit)
			if max.Int64 < newKey {
				newKey = max.Int64
			}
			if newKey < key {
				newKey = key
			}
		}
		if len(rows) == 0 {
			return nil
		}

		path := t.ExportPath(s.paths.TmpDir)
		if err := WriteRowsFile(path, rows); err != nil {
			return fmt.Errorf("%w: %v", ErrExportWrite, err)
		}

		set := goqu.Record{t.ReadyColumn(): 1}
		if t.Cursor == CursorEventKey {
			set[t.EventKeyColumn()] = newKey
		}
		if _, err := s.conn.exec(ctx, tx, s.conn.update(FlightPointersTable.Name).
			Set(set).Where(goqu.C(colSession).Eq(session))); err != nil {
			return fmt.Errorf("failed to advance cursor for %s: %w", t.Name, err)
		}
		if _, err := s.conn.exec(ctx, tx, s.conn.update(SessionStateTable.Name).
			Set(goqu.Record{"last_FRNCS_sync": s.Now()}).Where(goqu.C(colSession).Eq(session))); err != nil {
			return fmt.Errorf("failed to stamp last sync: %w", err)
		}

		log.Debug().
			Str("table", t.Name).
			Int64("session", session).
			Int("rows", len(rows)).
			Int64("event_key", newKey).
			Str("file", path).
			Msg("Exported table")
		result = ExportReady
		return nil
	})
	if err != nil {
		return ExportNone, err
	}
	return result, nil
}

func (s *LocalStore) selectValues(ctx context.Context, q querier, b sqlBuilder) ([][]interface{}, error) {
	rows, err := s.conn.query(ctx, q, b)
	if err != nil {
		return nil, err
	}
	return scanValues(rows)
}

// ResetExport clears t's ready flag after a successful ground ingest. For the
// command log, terminal rows behind the cursor are marked pushed_to_ground.
func (s *LocalStore) ResetExport(ctx context.Context, t Table) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.conn.inTx(ctx, func(tx *sql.Tx) error {
		session, err := s.currentSession(ctx, tx)
		if err != nil {
			return err
		}
		if _, err := s.conn.exec(ctx, tx, s.conn.update(FlightPointersTable.Name).
			Set(goqu.Record{t.ReadyColumn(): 0}).
			Where(goqu.C(colSession).Eq(session))); err != nil {
			return fmt.Errorf("failed to reset export of %s: %w", t.Name, err)
		}
		if t.Name != CommandLog.Name {
			return nil
		}

		ptr, err := s.sessionRow(ctx, tx, FlightPointersTable.Name, session)
		if err != nil {
			return err
		}
		_, err = s.conn.exec(ctx, tx, s.conn.update(CommandLog.Name).
			Set(goqu.Record{"pushed_to_ground": 1}).
			Where(
				goqu.C("state").In(string(StateSuccess), string(StateFail)),
				goqu.C(colEventKey).Lt(ptr.Int64(CommandLog.EventKeyColumn())),
				goqu.C("pushed_to_ground").Eq(0),
			))
		if err != nil {
			return fmt.Errorf("failed to mark commands pushed: %w", err)
		}
		return nil
	})
}

// ExportFingerprint hashes t's pending export file so a retransfer of the
// same file can be recognised in logs
func (s *LocalStore) ExportFingerprint(t Table) (uint64, error) {
	data, err := os.ReadFile(t.ExportPath(s.paths.TmpDir))
	if err != nil {
		return 0, err
	}
	return xxhash.Sum64(data), nil
}

// IncrementSession opens a new session copying the latest session state,
// flight pointers and radio row, then exports the new state and pointers.
func (s *LocalStore) IncrementSession(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next int64
	err := s.conn.inTx(ctx, func(tx *sql.Tx) error {
		cur, err := s.currentSession(ctx, tx)
		if err != nil {
			return err
		}
		next = cur + 1
		now := s.Now()

		var radioKey int64
		radio, err := s.latestRow(ctx, tx, DuplexRadioState)
		switch {
		case err == nil:
			rec := goqu.Record{}
			for _, col := range DuplexRadioState.Columns {
				if col != colEventKey && col != colSession {
					rec[col] = radio[col]
				}
			}
			rec[colTime] = now
			radioKey, err = s.appendLocked(ctx, tx, DuplexRadioState, next, rec)
			if err != nil {
				return fmt.Errorf("failed to link radio row: %w", err)
			}
		case errors.Is(err, ErrNotFound):
		default:
			return err
		}

		if _, err := s.conn.exec(ctx, tx, s.conn.insert(RecordingSession.Name).Rows(goqu.Record{
			colSession: next, "start_time": now, "radio_event_key": radioKey,
		})); err != nil {
			return fmt.Errorf("failed to create session %d: %w", next, err)
		}

		for _, t := range []Table{SessionStateTable, FlightPointersTable} {
			row, err := s.sessionRow(ctx, tx, t.Name, cur)
			if err != nil {
				return fmt.Errorf("failed to read %s of session %d: %w", t.Name, cur, err)
			}
			rec := goqu.Record{}
			for _, col := range t.Columns {
				rec[col] = row[col]
			}
			rec[colSession] = next
			if t.Name == SessionStateTable.Name {
				rec["timing_reset"] = 0
			}
			if _, err := s.conn.exec(ctx, tx, s.conn.insert(t.Name).Rows(rec)); err != nil {
				return fmt.Errorf("failed to copy %s into session %d: %w", t.Name, next, err)
			}
		}

		// a radio row linked before the pointers existed must still start the cursor
		if radioKey != 0 {
			if err := s.startCursorLocked(ctx, tx, DuplexRadioState, next, radioKey); err != nil {
				return err
			}
		}
		_, err = s.addSystemMessageLocked(ctx, tx, "session", fmt.Sprintf("recording session %d created", next))
		return err
	})
	if err != nil {
		return 0, err
	}

	for _, t := range []Table{SessionStateTable, FlightPointersTable} {
		res, err := s.exportLocked(ctx, t)
		if err != nil {
			return next, fmt.Errorf("session %d created but export of %s failed: %w", next, t.Name, err)
		}
		telemetry.ExportsTotal.With(t.Name, res.String()).Inc()
	}

	log.Info().Int64("session", next).Msg("Recording session incremented")
	s.publish(Event{Type: EventSessionCreated, SessionID: next, Time: s.Now()})
	return next, nil
}

func (s *LocalStore) latestRow(ctx context.Context, q querier, t Table) (Row, error) {
	rows, err := s.conn.query(ctx, q, s.conn.from(t.Name).
		Select(toIdents(t.Columns)...).
		Order(goqu.C(colEventKey).Desc()).
		Limit(1))
	if err != nil {
		return nil, err
	}
	found, err := scanRows(rows)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, ErrNotFound
	}
	return found[0], nil
}
