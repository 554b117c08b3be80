package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/openqs/vms/telemetry"
)

// ErrCommandTerminal is returned when a transition is attempted on a command
// already in Success or FAIL
var ErrCommandTerminal = errors.New("command already terminal")

func commandFromRow(r Row) Command {
	return Command{
		EventKey:       r.Int64(colEventKey),
		SessionID:      r.Int64(colSession),
		CommandID:      r.Int64("command_id"),
		Name:           r.Text("name"),
		Data:           r.Text("data"),
		Priority:       r.Int("priority"),
		Source:         r.Text("source"),
		State:          CommandState(r.Text("state")),
		ReadFromSV:     r.Bool("read_from_sv"),
		PushedToGround: r.Bool("pushed_to_ground"),
		Time:           r.Time(colTime).Time,
		Message:        r.Text("message"),
	}
}

func commandsFromRows(rows []Row) []Command {
	out := make([]Command, 0, len(rows))
	for _, r := range rows {
		out = append(out, commandFromRow(r))
	}
	return out
}

// PendingCommands returns the current session's unobserved Pending commands
// and marks them read_from_sv=1 in the same transaction.
func (s *LocalStore) PendingCommands(ctx context.Context) ([]Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cmds []Command
	err := s.conn.inTx(ctx, func(tx *sql.Tx) error {
		session, err := s.currentSession(ctx, tx)
		if err != nil {
			return err
		}

		where := []exp.Expression{
			goqu.C(colSession).Eq(session),
			goqu.C("state").Eq(string(StatePending)),
			goqu.C("read_from_sv").Eq(0),
		}
		sel := s.conn.from(CommandLog.Name).Select(toIdents(CommandLog.Columns)...).
			Where(where...).
			Order(goqu.C("priority").Asc(), goqu.C(colEventKey).Asc())
		if s.conn.driver == DriverMySQL {
			sel = sel.ForUpdate(exp.Wait)
		}
		rows, err := s.conn.query(ctx, tx, sel)
		if err != nil {
			return fmt.Errorf("failed to read pending commands: %w", err)
		}
		found, err := scanRows(rows)
		if err != nil {
			return fmt.Errorf("failed to read pending commands: %w", err)
		}
		if len(found) == 0 {
			return nil
		}

		keys := make([]int64, 0, len(found))
		for _, r := range found {
			keys = append(keys, r.Int64(colEventKey))
		}
		if _, err := s.conn.exec(ctx, tx, s.conn.update(CommandLog.Name).
			Set(goqu.Record{"read_from_sv": 1}).
			Where(goqu.C(colEventKey).In(keys))); err != nil {
			return fmt.Errorf("failed to mark commands read: %w", err)
		}

		cmds = commandsFromRows(found)
		for i := range cmds {
			cmds[i].ReadFromSV = true
		}
		return nil
	})
	return cmds, err
}

// InsertCommand queues a new Pending command in the current session. A zero
// CommandID is assigned the next free id.
func (s *LocalStore) InsertCommand(ctx context.Context, cmd Command) (Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.conn.inTx(ctx, func(tx *sql.Tx) error {
		if cmd.SessionID == 0 {
			session, err := s.currentSession(ctx, tx)
			if err != nil {
				return err
			}
			cmd.SessionID = session
		}
		if cmd.CommandID == 0 {
			var max sql.NullInt64
			if err := s.conn.queryRow(ctx, tx, s.conn.from(CommandLog.Name).
				Select(goqu.MAX("command_id")).
				Where(goqu.C(colSession).Eq(cmd.SessionID)), &max); err != nil && !errors.Is(err, ErrNotFound) {
				return fmt.Errorf("failed to allocate command id: %w", err)
			}
			cmd.CommandID = max.Int64 + 1
		}
		if cmd.State == "" {
			cmd.State = StatePending
		}
		if cmd.Source == "" {
			cmd.Source = SourceVehicle
		}
		if cmd.Time.IsZero() {
			cmd.Time = s.Now()
		}

		key, err := s.appendLocked(ctx, tx, CommandLog, cmd.SessionID, commandRecord(cmd))
		if err != nil {
			return fmt.Errorf("failed to insert command: %w", err)
		}
		cmd.EventKey = key
		return nil
	})
	return cmd, err
}

// InsertGroundCommand copies a command observed in the ground store into the
// local queue as Pending. It reports false when the row already exists.
func (s *LocalStore) InsertGroundCommand(ctx context.Context, cmd Command) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := false
	err := s.conn.inTx(ctx, func(tx *sql.Tx) error {
		key, err := s.conn.nextEventKey(ctx, tx, CommandLog.Name)
		if err != nil {
			return err
		}
		cmd.EventKey = key
		cmd.State = StatePending
		cmd.Source = SourceGround
		cmd.ReadFromSV = false
		cmd.PushedToGround = false
		if cmd.Time.IsZero() {
			cmd.Time = s.Now()
		}

		rec := commandRecord(cmd)
		rec[colEventKey] = key
		rec[colSession] = cmd.SessionID
		res, err := s.conn.exec(ctx, tx, s.conn.insert(CommandLog.Name).Rows(rec).OnConflict(s.conn.ignoreConflict()))
		if err != nil {
			return fmt.Errorf("failed to insert ground command: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		inserted = true
		return s.startCursorLocked(ctx, tx, CommandLog, cmd.SessionID, key)
	})
	return inserted, err
}

// StartCommand moves cmd to Processing
func (s *LocalStore) StartCommand(ctx context.Context, cmd Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.conn.inTx(ctx, func(tx *sql.Tx) error {
		_, err := s.transitionLocked(ctx, tx, cmd, StateProcessing, "")
		return err
	})
}

// CompleteCommand moves cmd to Success or FAIL and records the outcome in
// System_Messages
func (s *LocalStore) CompleteCommand(ctx context.Context, cmd Command, success bool, message string) error {
	state := StateFail
	if success {
		state = StateSuccess
	}

	s.mu.Lock()
	err := s.conn.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		cmd, err = s.transitionLocked(ctx, tx, cmd, state, message)
		if err != nil {
			return err
		}
		line := fmt.Sprintf("command %d %s: %s", cmd.CommandID, cmd.Name, state)
		if message != "" {
			line += ": " + message
		}
		_, err = s.addSystemMessageLocked(ctx, tx, "command", line)
		return err
	})
	s.mu.Unlock()
	if err != nil {
		return err
	}

	telemetry.CommandsTotal.With(commandRoute(cmd.Name), string(state)).Inc()
	s.publish(Event{
		Type:      EventCommandTerminal,
		SessionID: cmd.SessionID,
		CommandID: cmd.CommandID,
		Name:      cmd.Name,
		State:     string(state),
		Message:   message,
		Time:      cmd.Time,
	})
	return nil
}

// Command returns the latest row for (session, command_id)
func (s *LocalStore) Command(ctx context.Context, session, commandID int64) (Command, error) {
	return s.commandRow(ctx, s.conn.db, session, commandID)
}

func (s *LocalStore) commandRow(ctx context.Context, q querier, session, commandID int64) (Command, error) {
	rows, err := s.conn.query(ctx, q, s.conn.from(CommandLog.Name).
		Select(toIdents(CommandLog.Columns)...).
		Where(goqu.C(colSession).Eq(session), goqu.C("command_id").Eq(commandID)).
		Limit(1))
	if err != nil {
		return Command{}, err
	}
	found, err := scanRows(rows)
	if err != nil {
		return Command{}, err
	}
	if len(found) == 0 {
		return Command{}, ErrNotFound
	}
	return commandFromRow(found[0]), nil
}

// transitionLocked upserts a new row for cmd in state. Every transition gets a
// fresh event key so the row is exported again.
func (s *LocalStore) transitionLocked(ctx context.Context, tx *sql.Tx, cmd Command, state CommandState, message string) (Command, error) {
	existing, err := s.commandRow(ctx, tx, cmd.SessionID, cmd.CommandID)
	switch {
	case err == nil:
		if existing.State.Terminal() {
			return existing, fmt.Errorf("command %d/%d is %s: %w", cmd.SessionID, cmd.CommandID, existing.State, ErrCommandTerminal)
		}
	case errors.Is(err, ErrNotFound):
	default:
		return cmd, fmt.Errorf("failed to read command %d/%d: %w", cmd.SessionID, cmd.CommandID, err)
	}

	key, err := s.conn.nextEventKey(ctx, tx, CommandLog.Name)
	if err != nil {
		return cmd, err
	}
	cmd.EventKey = key
	cmd.State = state
	cmd.ReadFromSV = true
	cmd.PushedToGround = false
	cmd.Time = s.Now()
	cmd.Message = message
	if cmd.Source == "" {
		cmd.Source = SourceVehicle
	}

	rec := commandRecord(cmd)
	rec[colEventKey] = key
	rec[colSession] = cmd.SessionID
	ins := s.conn.insert(CommandLog.Name).Rows(rec).
		OnConflict(s.conn.upsertAll(CommandLog, CommandLog.Columns))
	if _, err := s.conn.exec(ctx, tx, ins); err != nil {
		return cmd, fmt.Errorf("failed to record command %d state %s: %w", cmd.CommandID, state, err)
	}
	if err := s.startCursorLocked(ctx, tx, CommandLog, cmd.SessionID, key); err != nil {
		return cmd, err
	}
	return cmd, nil
}

func commandRecord(cmd Command) goqu.Record {
	return goqu.Record{
		"command_id":       cmd.CommandID,
		"name":             cmd.Name,
		"data":             cmd.Data,
		"priority":         cmd.Priority,
		"source":           cmd.Source,
		"state":            string(cmd.State),
		"read_from_sv":     boolInt(cmd.ReadFromSV),
		"pushed_to_ground": boolInt(cmd.PushedToGround),
		colTime:            cmd.Time,
		"message":          cmd.Message,
	}
}

func commandRoute(name string) string {
	for _, c := range name {
		if c == '.' {
			return "module"
		}
	}
	return "builtin"
}

func toIdents(cols []string) []interface{} {
	out := make([]interface{}, len(cols))
	for i, c := range cols {
		out[i] = goqu.C(c)
	}
	return out
}
