package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/user"
	"strconv"
	"sync"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/openqs/vms/cfg"
	"github.com/rs/zerolog/log"
)

// Default session parameters used when the store has no session yet
const (
	defaultCommandPollRate = 5
	defaultCommandPushRate = 60
	defaultDataPushRate    = 120
	defaultBinaryPushRate  = 600
	defaultSyslogPushRate  = 60
)

// LocalStore is the single-writer gateway over the onboard store. Every
// write that touches a cursor, a session or a command row happens under mu.
type LocalStore struct {
	conn   *Conn
	paths  cfg.PathsConfiguration
	now    func() time.Time
	events EventSink

	mu       sync.Mutex
	chownOne sync.Once
}

// LocalOption configures a LocalStore
type LocalOption func(*LocalStore)

// WithClock overrides the wall clock used for row timestamps
func WithClock(now func() time.Time) LocalOption {
	return func(s *LocalStore) { s.now = now }
}

// WithEventSink publishes significant transitions to sink
func WithEventSink(sink EventSink) LocalOption {
	return func(s *LocalStore) { s.events = sink }
}

// NewLocalStore wraps an open connection
func NewLocalStore(conn *Conn, paths cfg.PathsConfiguration, opts ...LocalOption) *LocalStore {
	s := &LocalStore{
		conn:  conn,
		paths: paths,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OpenLocalStore connects to the onboard store and verifies it answers
func OpenLocalStore(ctx context.Context, sc cfg.StoreConfiguration, paths cfg.PathsConfiguration, opts ...LocalOption) (*LocalStore, error) {
	conn, err := OpenConn(sc)
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("local store unreachable: %w", err)
	}
	log.Info().Str("driver", sc.Driver).Str("address", sc.Address).Str("path", sc.Path).Msg("Local store connected")
	return NewLocalStore(conn, paths, opts...), nil
}

// Conn exposes the connection for telemetry
func (s *LocalStore) Conn() *Conn { return s.conn }

// Paths returns the filesystem locations the store writes to
func (s *LocalStore) Paths() cfg.PathsConfiguration { return s.paths }

// Now returns the store clock in UTC
func (s *LocalStore) Now() time.Time { return s.now().UTC() }

// Close releases the connection pool
func (s *LocalStore) Close() error {
	return s.conn.Close()
}

func (s *LocalStore) publish(e Event) {
	if s.events != nil {
		s.events.Publish(e)
	}
}

// CurrentSession returns the maximum session id
func (s *LocalStore) CurrentSession(ctx context.Context) (int64, error) {
	return s.currentSession(ctx, s.conn.db)
}

func (s *LocalStore) currentSession(ctx context.Context, q querier) (int64, error) {
	var id sql.NullInt64
	err := s.conn.queryRow(ctx, q, s.conn.from(RecordingSession.Name).Select(goqu.MAX(colSession)), &id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return 0, fmt.Errorf("failed to read current session: %w", err)
	}
	if !id.Valid {
		return 0, ErrNoSession
	}
	return id.Int64, nil
}

// EnsureSession creates session 1 on first boot. Cursors start at the
// oldest row of each table so nothing recorded before first boot is lost.
func (s *LocalStore) EnsureSession(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var session int64
	created := false
	err := s.conn.inTx(ctx, func(tx *sql.Tx) error {
		cur, err := s.currentSession(ctx, tx)
		if err == nil {
			session = cur
			return nil
		}
		if !errors.Is(err, ErrNoSession) {
			return err
		}

		session = 1
		created = true
		now := s.Now()
		if _, err := s.conn.exec(ctx, tx, s.conn.insert(RecordingSession.Name).Rows(goqu.Record{
			colSession: session, "start_time": now, "radio_event_key": 0,
		})); err != nil {
			return fmt.Errorf("failed to create first session: %w", err)
		}

		state := goqu.Record{
			colSession:        session,
			RateCommandPoll:   defaultCommandPollRate,
			RateCommandPush:   defaultCommandPushRate,
			RateDataDownload:  defaultDataPushRate,
			RateBinaryData:    defaultBinaryPushRate,
			RateCommandSyslog: defaultSyslogPushRate,
			"sync_to_ground":  1,
			"test_connection": 0,
			"timing_reset":    0,
		}
		for _, t := range cursorTables {
			state[t.BatchColumn()] = defaultBatchRecord
		}
		if _, err := s.conn.exec(ctx, tx, s.conn.insert(SessionStateTable.Name).Rows(state)); err != nil {
			return fmt.Errorf("failed to create first session state: %w", err)
		}

		ptr := goqu.Record{colSession: session}
		for _, t := range cursorTables {
			var min sql.NullInt64
			if err := s.conn.queryRow(ctx, tx, s.conn.from(t.Name).Select(goqu.MIN(colEventKey)), &min); err != nil && !errors.Is(err, ErrNotFound) {
				return fmt.Errorf("failed to seed cursor for %s: %w", t.Name, err)
			}
			ptr[t.EventKeyColumn()] = min.Int64
			ptr[t.ReadyColumn()] = 0
		}
		for _, t := range snapshotTables() {
			ptr[t.ReadyColumn()] = 0
		}
		if _, err := s.conn.exec(ctx, tx, s.conn.insert(FlightPointersTable.Name).Rows(ptr)); err != nil {
			return fmt.Errorf("failed to create first flight pointers: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if created {
		log.Info().Int64("session", session).Msg("Created first recording session")
	}
	return session, nil
}

// SessionState returns the current session's parameters
func (s *LocalStore) SessionState(ctx context.Context) (SessionState, error) {
	return s.sessionState(ctx, s.conn.db)
}

func (s *LocalStore) sessionState(ctx context.Context, q querier) (SessionState, error) {
	session, err := s.currentSession(ctx, q)
	if err != nil {
		return SessionState{}, err
	}
	row, err := s.sessionRow(ctx, q, SessionStateTable.Name, session)
	if err != nil {
		return SessionState{}, fmt.Errorf("failed to read session state: %w", err)
	}

	st := SessionState{
		SessionID:      session,
		Rates:          make(map[string]float64, 5),
		SyncToGround:   row.Bool("sync_to_ground"),
		TestConnection: row.Bool("test_connection"),
		TimingReset:    row.Bool("timing_reset"),
		LastSync:       row.Time("last_FRNCS_sync"),
		BatchSizes:     make(map[string]int, len(cursorTables)),
	}
	for _, col := range rateColumns {
		st.Rates[col] = row.Float(col)
	}
	for _, t := range cursorTables {
		st.BatchSizes[t.BatchColumn()] = row.Int(t.BatchColumn())
	}
	return st, nil
}

var rateColumns = []string{RateCommandPoll, RateCommandPush, RateDataDownload, RateBinaryData, RateCommandSyslog}

// IsRateColumn reports whether col is a session-state period
func IsRateColumn(col string) bool {
	for _, c := range rateColumns {
		if c == col {
			return true
		}
	}
	return false
}

func (s *LocalStore) sessionRow(ctx context.Context, q querier, table string, session int64) (Row, error) {
	rows, err := s.conn.query(ctx, q, s.conn.from(table).Where(goqu.C(colSession).Eq(session)).Limit(1))
	if err != nil {
		return nil, err
	}
	out, err := scanRows(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out[0], nil
}

func (s *LocalStore) updateSessionRow(ctx context.Context, table string, set goqu.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.inTx(ctx, func(tx *sql.Tx) error {
		session, err := s.currentSession(ctx, tx)
		if err != nil {
			return err
		}
		_, err = s.conn.exec(ctx, tx, s.conn.update(table).Set(set).Where(goqu.C(colSession).Eq(session)))
		return err
	})
}

// SetTestConnection records whether the ground store is reachable
func (s *LocalStore) SetTestConnection(ctx context.Context, reachable bool) error {
	return s.updateSessionRow(ctx, SessionStateTable.Name, goqu.Record{"test_connection": boolInt(reachable)})
}

// SetSyncToGround enables or disables ground synchronisation
func (s *LocalStore) SetSyncToGround(ctx context.Context, enabled bool) error {
	return s.updateSessionRow(ctx, SessionStateTable.Name, goqu.Record{"sync_to_ground": boolInt(enabled)})
}

// TimingReset reads the timing-changed flag
func (s *LocalStore) TimingReset(ctx context.Context) (bool, error) {
	st, err := s.SessionState(ctx)
	if err != nil {
		return false, err
	}
	return st.TimingReset, nil
}

// ClearTimingReset lowers the timing-changed flag
func (s *LocalStore) ClearTimingReset(ctx context.Context) error {
	return s.updateSessionRow(ctx, SessionStateTable.Name, goqu.Record{"timing_reset": 0})
}

// SetTiming writes new periods and raises timing_reset so the engine rebuilds
func (s *LocalStore) SetTiming(ctx context.Context, rates map[string]float64) error {
	set := goqu.Record{"timing_reset": 1}
	for col, v := range rates {
		if !IsRateColumn(col) {
			return fmt.Errorf("unknown rate %q", col)
		}
		if v <= 0 {
			return fmt.Errorf("rate %s must be positive, got %v", col, v)
		}
		set[col] = v
	}
	return s.updateSessionRow(ctx, SessionStateTable.Name, set)
}

// SetBatchSize changes the export LIMIT for t
func (s *LocalStore) SetBatchSize(ctx context.Context, t Table, n int) error {
	if t.Cursor != CursorEventKey {
		return fmt.Errorf("%s has no batch size", t.Name)
	}
	if n < 1 {
		return fmt.Errorf("batch size must be >= 1, got %d", n)
	}
	return s.updateSessionRow(ctx, SessionStateTable.Name, goqu.Record{t.BatchColumn(): n})
}

// SystemConfig returns the latest System_Configuration row
func (s *LocalStore) SystemConfig(ctx context.Context) (SystemConfig, error) {
	rows, err := s.conn.query(ctx, s.conn.db, s.conn.from(tableSystemConfiguration).Order(goqu.C("id").Desc()).Limit(1))
	if err != nil {
		return SystemConfig{}, fmt.Errorf("failed to read system configuration: %w", err)
	}
	out, err := scanRows(rows)
	if err != nil {
		return SystemConfig{}, fmt.Errorf("failed to read system configuration: %w", err)
	}
	if len(out) == 0 {
		return SystemConfig{SelectedServer: ServerNone}, ErrNotFound
	}
	r := out[0]
	return SystemConfig{
		DuplexInstalled:  r.Bool("duplex_installed"),
		SimplexInstalled: r.Bool("simplex_installed"),
		GPSInstalled:     r.Bool("gps_installed"),
		GPSType:          r.Text("gps_type"),
		SelectedServer:   r.Text("selected_server"),
		BeaconEnabled:    r.Bool("beacon_enabled"),
		AlarmState:       r.Bool("alarm_state"),
		SpaceUse:         r.Bool("space_use"),
		GPSBypass:        r.Bool("gps_bypass"),
		ClockSet:         r.Bool("clock_set"),
	}, nil
}

func (s *LocalStore) updateSystemConfig(ctx context.Context, set goqu.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.inTx(ctx, func(tx *sql.Tx) error {
		var id sql.NullInt64
		if err := s.conn.queryRow(ctx, tx, s.conn.from(tableSystemConfiguration).Select(goqu.MAX("id")), &id); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if !id.Valid {
			return fmt.Errorf("system configuration: %w", ErrNotFound)
		}
		_, err := s.conn.exec(ctx, tx, s.conn.update(tableSystemConfiguration).Set(set).Where(goqu.C("id").Eq(id.Int64)))
		return err
	})
}

// SetAlarm raises or clears the alarm state
func (s *LocalStore) SetAlarm(ctx context.Context, on bool) error {
	return s.updateSystemConfig(ctx, goqu.Record{"alarm_state": boolInt(on)})
}

// SetBeaconEnabled toggles the runtime beacon flag
func (s *LocalStore) SetBeaconEnabled(ctx context.Context, on bool) error {
	return s.updateSystemConfig(ctx, goqu.Record{"beacon_enabled": boolInt(on)})
}

// MarkClockSet latches that the wall clock has been set from GPS
func (s *LocalStore) MarkClockSet(ctx context.Context) error {
	return s.updateSystemConfig(ctx, goqu.Record{"clock_set": 1})
}

// AddSystemMessage appends a line to System_Messages
func (s *LocalStore) AddSystemMessage(ctx context.Context, typ, message string) error {
	s.mu.Lock()
	var session int64
	err := s.conn.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		session, err = s.addSystemMessageLocked(ctx, tx, typ, message)
		return err
	})
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.publish(Event{Type: EventSystemMessage, SessionID: session, Name: typ, Message: message, Time: s.Now()})
	return nil
}

func (s *LocalStore) addSystemMessageLocked(ctx context.Context, tx *sql.Tx, typ, message string) (int64, error) {
	session, err := s.currentSession(ctx, tx)
	if err != nil {
		return 0, err
	}
	_, err = s.appendLocked(ctx, tx, SystemMessages, session, goqu.Record{
		colTime: s.Now(), "type": typ, "message": message,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to add system message: %w", err)
	}
	return session, nil
}

// LogError records a task failure in System_Messages. Failures to record are
// only logged.
func (s *LocalStore) LogError(ctx context.Context, source string, err error) {
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	if werr := s.AddSystemMessage(ctx, "error", source+": "+err.Error()); werr != nil {
		log.Warn().Err(werr).Str("source", source).Msg("Failed to record error in system messages")
	}
}

// appendLocked inserts rec into cursor table t with a fresh event key. The
// first row recorded against a session with an empty cursor starts it.
func (s *LocalStore) appendLocked(ctx context.Context, tx *sql.Tx, t Table, session int64, rec goqu.Record) (int64, error) {
	key, err := s.conn.nextEventKey(ctx, tx, t.Name)
	if err != nil {
		return 0, err
	}
	rec[colEventKey] = key
	rec[colSession] = session
	if _, err := s.conn.exec(ctx, tx, s.conn.insert(t.Name).Rows(rec)); err != nil {
		return 0, err
	}
	if err := s.startCursorLocked(ctx, tx, t, session, key); err != nil {
		return 0, err
	}
	return key, nil
}

func (s *LocalStore) startCursorLocked(ctx context.Context, tx *sql.Tx, t Table, session, key int64) error {
	_, err := s.conn.exec(ctx, tx, s.conn.update(FlightPointersTable.Name).
		Set(goqu.Record{t.EventKeyColumn(): key}).
		Where(goqu.C(colSession).Eq(session), goqu.C(t.EventKeyColumn()).Eq(0)))
	if err != nil {
		return fmt.Errorf("failed to start cursor for %s: %w", t.Name, err)
	}
	return nil
}

// ensureTmpDir creates the export directory and hands it to the storage user
func (s *LocalStore) ensureTmpDir() error {
	if err := os.MkdirAll(s.paths.TmpDir, 0o775); err != nil {
		return err
	}
	s.chownOne.Do(func() {
		if s.paths.StorageUser == "" {
			return
		}
		u, err := user.Lookup(s.paths.StorageUser)
		if err != nil {
			log.Warn().Err(err).Str("user", s.paths.StorageUser).Msg("Storage user not found, leaving export directory owner unchanged")
			return
		}
		uid, _ := strconv.Atoi(u.Uid)
		gid, _ := strconv.Atoi(u.Gid)
		if err := os.Chown(s.paths.TmpDir, uid, gid); err != nil {
			log.Warn().Err(err).Str("dir", s.paths.TmpDir).Msg("Failed to chown export directory")
		}
	})
	return nil
}
