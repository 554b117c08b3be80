// Package dbtest provides sqlite-backed stores with the vehicle schema for
// tests of every package that talks to the local or ground store.
package dbtest

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openqs/vms/cfg"
	"github.com/openqs/vms/db"
	"github.com/stretchr/testify/require"
)

// Epoch is the fixed clock used by stores opened here
var Epoch = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

// Schema returns the sqlite DDL of every table the gateways use
func Schema() []string {
	var state []string
	for _, c := range db.SessionStateTable.Columns {
		switch {
		case c == "session_id":
			state = append(state, "session_id INTEGER PRIMARY KEY")
		case db.IsRateColumn(c):
			state = append(state, c+" REAL NOT NULL DEFAULT 60")
		case c == "last_FRNCS_sync":
			state = append(state, c+" DATETIME")
		default:
			state = append(state, c+" INTEGER NOT NULL DEFAULT 0")
		}
	}
	ptr := []string{"session_id INTEGER PRIMARY KEY"}
	for _, c := range db.FlightPointersTable.Columns[1:] {
		ptr = append(ptr, c+" INTEGER NOT NULL DEFAULT 0")
	}

	return []string{
		`CREATE TABLE Recording_Session (session_id INTEGER PRIMARY KEY, start_time DATETIME, radio_event_key INTEGER NOT NULL DEFAULT 0)`,
		fmt.Sprintf("CREATE TABLE Recording_Session_State (%s)", strings.Join(state, ", ")),
		fmt.Sprintf("CREATE TABLE Flight_Pointers (%s)", strings.Join(ptr, ", ")),
		`CREATE TABLE System_Configuration (id INTEGER PRIMARY KEY, duplex_installed INTEGER NOT NULL DEFAULT 0,
			simplex_installed INTEGER NOT NULL DEFAULT 0, gps_installed INTEGER NOT NULL DEFAULT 0, gps_type TEXT,
			selected_server TEXT NOT NULL DEFAULT 'NONE', beacon_enabled INTEGER NOT NULL DEFAULT 0,
			alarm_state INTEGER NOT NULL DEFAULT 0, space_use INTEGER NOT NULL DEFAULT 0,
			gps_bypass INTEGER NOT NULL DEFAULT 0, clock_set INTEGER NOT NULL DEFAULT 0)`,
		`CREATE TABLE Command_Log (event_key INTEGER PRIMARY KEY, session_id INTEGER NOT NULL, command_id INTEGER NOT NULL,
			name TEXT NOT NULL, data TEXT, priority INTEGER NOT NULL DEFAULT 0, source TEXT, state TEXT NOT NULL,
			read_from_sv INTEGER NOT NULL DEFAULT 0, pushed_to_ground INTEGER NOT NULL DEFAULT 0, time DATETIME, message TEXT,
			UNIQUE (session_id, command_id))`,
		`CREATE TABLE System_Messages (event_key INTEGER PRIMARY KEY, session_id INTEGER NOT NULL, time DATETIME, type TEXT, message TEXT)`,
		`CREATE TABLE Flight_Data (event_key INTEGER PRIMARY KEY, session_id INTEGER NOT NULL, time DATETIME, name TEXT, value REAL)`,
		`CREATE TABLE Flight_Data_Object (event_key INTEGER PRIMARY KEY, session_id INTEGER NOT NULL, time DATETIME, name TEXT, data TEXT)`,
		`CREATE TABLE Flight_Data_Binary (event_key INTEGER PRIMARY KEY, session_id INTEGER NOT NULL, time DATETIME, name TEXT, data BLOB)`,
		`CREATE TABLE Duplex_Radio_State (event_key INTEGER PRIMARY KEY, session_id INTEGER NOT NULL, time DATETIME,
			registered INTEGER NOT NULL DEFAULT 0, signal_strength INTEGER NOT NULL DEFAULT 0, network TEXT, call_state TEXT)`,
		`CREATE TABLE Location_Data (event_key INTEGER PRIMARY KEY, session_id INTEGER NOT NULL, time DATETIME,
			latitude REAL, longitude REAL, altitude REAL, speed REAL, fix INTEGER NOT NULL DEFAULT 0, gps_time DATETIME, source TEXT)`,
		`CREATE TABLE Application_Descriptor (app_uuid TEXT PRIMARY KEY, name TEXT, file_name TEXT, board_id INTEGER)`,
		`CREATE TABLE Application_State (event_key INTEGER PRIMARY KEY, session_id INTEGER NOT NULL, app_uuid TEXT NOT NULL,
			state INTEGER NOT NULL, time DATETIME, message TEXT)`,
		`CREATE TABLE Simplex_Radio_Config (id INTEGER PRIMARY KEY, packet_group_xmit_rate REAL NOT NULL DEFAULT 3600,
			maximum_repeats INTEGER NOT NULL DEFAULT 1, repeat_delay REAL NOT NULL DEFAULT 0, channel INTEGER NOT NULL DEFAULT 0,
			simplex_initialised INTEGER NOT NULL DEFAULT 0, number_burst_transmissions INTEGER NOT NULL DEFAULT 0,
			CBTMIN INTEGER NOT NULL DEFAULT 0, CBTMAX INTEGER NOT NULL DEFAULT 0)`,
		`CREATE TABLE Simplex_Radio_Messages (packet_id INTEGER PRIMARY KEY, packet_type TEXT NOT NULL, payload TEXT)`,
		`CREATE TABLE Simplex_Radio_Archive (id INTEGER PRIMARY KEY AUTOINCREMENT, session_id INTEGER, time DATETIME,
			packet_type TEXT, ascii TEXT, hex TEXT, channel INTEGER, sent INTEGER NOT NULL DEFAULT 0)`,
		`CREATE TABLE Board_Connection (board_id INTEGER PRIMARY KEY, method TEXT, host TEXT, port INTEGER, user TEXT, password_env TEXT)`,
	}
}

// Paths returns filesystem locations under a per-test directory
func Paths(t testing.TB) cfg.PathsConfiguration {
	dir := t.TempDir()
	return cfg.PathsConfiguration{
		TmpDir:    filepath.Join(dir, "tmp"),
		OutputDir: filepath.Join(dir, "outputs"),
		InputDir:  filepath.Join(dir, "input"),
	}
}

// StoreConfig is a sqlite store configuration for path
func StoreConfig(path string) cfg.StoreConfiguration {
	return cfg.StoreConfiguration{
		Driver:          db.DriverSQLite,
		Path:            path,
		ConnectTimeoutS: 5,
		QueryTimeoutS:   10,
		MaxOpenConns:    4,
		MaxIdleConns:    4,
		MaxLifetimeS:    0,
	}
}

// OpenConn creates a sqlite database file named name with the full schema
func OpenConn(t testing.TB, name string) (*db.Conn, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), name+".db")
	conn, err := db.OpenConn(StoreConfig(path))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	for _, stmt := range Schema() {
		_, err := conn.DB().Exec(stmt)
		require.NoError(t, err, stmt)
	}
	return conn, path
}

// Clock is a settable clock for stores under test
type Clock struct {
	now time.Time
}

// NewClock starts at Epoch
func NewClock() *Clock { return &Clock{now: Epoch} }

// Now returns the current fake time
func (c *Clock) Now() time.Time { return c.now }

// Advance moves the clock forward
func (c *Clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// Local bundles a local store with its connection and paths
type Local struct {
	*db.LocalStore
	Conn  *db.Conn
	Path  string
	Paths cfg.PathsConfiguration
	Clock *Clock
}

// OpenLocal returns a local store with session 1 created
func OpenLocal(t testing.TB, opts ...db.LocalOption) *Local {
	t.Helper()
	conn, path := OpenConn(t, "local")
	paths := Paths(t)
	clock := NewClock()
	opts = append([]db.LocalOption{db.WithClock(clock.Now)}, opts...)
	store := db.NewLocalStore(conn, paths, opts...)
	_, err := store.EnsureSession(context.Background())
	require.NoError(t, err)
	return &Local{LocalStore: store, Conn: conn, Path: path, Paths: paths, Clock: clock}
}

// Ground bundles a ground gateway with a side connection for assertions
type Ground struct {
	*db.GroundStore
	Conn *db.Conn
	Path string
}

// OpenGround returns a closed ground gateway over a fresh sqlite file that
// reads exports from tmpDir. The ground copy has session rows for 1..sessions.
func OpenGround(t testing.TB, tmpDir string, sessions int64) *Ground {
	t.Helper()
	conn, path := OpenConn(t, "ground")
	for s := int64(1); s <= sessions; s++ {
		Exec(t, conn, "INSERT INTO Recording_Session (session_id, start_time) VALUES (?, ?)", s, Epoch)
		Exec(t, conn, "INSERT INTO Recording_Session_State (session_id) VALUES (?)", s)
	}

	gc := cfg.GroundConfiguration{StoreConfiguration: StoreConfig(path), IngestBatchSize: 2}
	g := db.NewGroundStore(gc, tmpDir, db.WithGroundClock(func() time.Time { return Epoch }))
	t.Cleanup(func() { g.Close() })
	return &Ground{GroundStore: g, Conn: conn, Path: path}
}

// Exec runs a statement and fails the test on error
func Exec(t testing.TB, conn *db.Conn, query string, args ...interface{}) {
	t.Helper()
	_, err := conn.DB().Exec(query, args...)
	require.NoError(t, err, query)
}

// Int runs a single-value integer query
func Int(t testing.TB, conn *db.Conn, query string, args ...interface{}) int64 {
	t.Helper()
	var n int64
	require.NoError(t, conn.DB().QueryRow(query, args...).Scan(&n), query)
	return n
}

// Text runs a single-value text query
func Text(t testing.TB, conn *db.Conn, query string, args ...interface{}) string {
	t.Helper()
	var s string
	require.NoError(t, conn.DB().QueryRow(query, args...).Scan(&s), query)
	return s
}

// SeedSystemConfig writes the System_Configuration row
func SeedSystemConfig(t testing.TB, conn *db.Conn, sc db.SystemConfig) {
	t.Helper()
	server := sc.SelectedServer
	if server == "" {
		server = db.ServerNone
	}
	Exec(t, conn, `INSERT INTO System_Configuration (duplex_installed, simplex_installed, gps_installed, gps_type,
		selected_server, beacon_enabled, alarm_state, space_use, gps_bypass, clock_set) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		sc.DuplexInstalled, sc.SimplexInstalled, sc.GPSInstalled, sc.GPSType, server,
		sc.BeaconEnabled, sc.AlarmState, sc.SpaceUse, sc.GPSBypass, sc.ClockSet)
}

// SeedSimplex writes the simplex configuration and outbound messages
func SeedSimplex(t testing.TB, conn *db.Conn, sc db.SimplexConfig, msgs ...db.SimplexMessage) {
	t.Helper()
	Exec(t, conn, `INSERT INTO Simplex_Radio_Config (packet_group_xmit_rate, maximum_repeats, repeat_delay, channel,
		simplex_initialised, number_burst_transmissions, CBTMIN, CBTMAX) VALUES (?,?,?,?,?,?,?,?)`,
		sc.PacketGroupXmitRate, sc.MaximumRepeats, sc.RepeatDelay, sc.Channel, sc.Initialised,
		sc.NumberBurstTransmissions, sc.CBTMin, sc.CBTMax)
	for _, m := range msgs {
		Exec(t, conn, "INSERT INTO Simplex_Radio_Messages (packet_id, packet_type, payload) VALUES (?,?,?)",
			m.PacketID, m.PacketType, m.Payload)
	}
}

// SeedApp writes an application descriptor and its board connection
func SeedApp(t testing.TB, conn *db.Conn, app db.AppDescriptor, board db.BoardConnection) {
	t.Helper()
	Exec(t, conn, "INSERT INTO Application_Descriptor (app_uuid, name, file_name, board_id) VALUES (?,?,?,?)",
		app.AppUUID, app.Name, app.FileName, app.BoardID)
	Exec(t, conn, `INSERT OR IGNORE INTO Board_Connection (board_id, method, host, port, user, password_env)
		VALUES (?,?,?,?,?,?)`, board.BoardID, board.Method, board.Host, board.Port, board.User, board.PasswordEnv)
}
