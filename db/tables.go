package db

import (
	"path/filepath"
	"strings"
)

// CursorKind selects how a synchronised table is exported
type CursorKind uint8

const (
	// CursorEventKey exports rows by event-key high-water-mark
	CursorEventKey CursorKind = iota
	// CursorSnapshot re-exports the current session's row on every call
	CursorSnapshot
)

// IngestMode selects conflict handling when the ground loads a file
type IngestMode uint8

const (
	// IngestReplace overwrites rows with the same key (mutable tables)
	IngestReplace IngestMode = iota
	// IngestIgnore keeps the first copy (append-only tables)
	IngestIgnore
)

// Table describes one logical table known to the gateways
type Table struct {
	Name    string
	Columns []string
	Key     []string
	Cursor  CursorKind
	Ingest  IngestMode
	// RateColumn is the Recording_Session_State column holding the sync period
	RateColumn string
	// Short is the token used in retrieve output file names
	Short string
}

// EventKeyColumn is the Flight_Pointers column holding the next key to export
func (t Table) EventKeyColumn() string { return t.Name + "_event_key" }

// ReadyColumn is the Flight_Pointers column flagging a pending export file
func (t Table) ReadyColumn() string { return t.Name + "_rt" }

// BatchColumn is the Recording_Session_State column holding the export batch size
func (t Table) BatchColumn() string { return t.Name + "_num_records_download" }

// ExportPath is the fixed CSV location of the table's export file
func (t Table) ExportPath(dir string) string {
	return filepath.Join(dir, t.Name+".csv")
}

// HasColumn reports whether col is one of the table's columns
func (t Table) HasColumn(col string) bool {
	for _, c := range t.Columns {
		if c == col {
			return true
		}
	}
	return false
}

const (
	colEventKey = "event_key"
	colSession  = "session_id"
	colTime     = "time"
)

// Session-state rate columns
const (
	RateCommandPoll    = "command_poll_rate"
	RateCommandPush    = "command_push_rate"
	RateDataDownload   = "data_download_push_rate"
	RateBinaryData     = "binary_data_push_rate"
	RateCommandSyslog  = "command_syslog_push_rate"
	defaultBatchRecord = 100
)

var (
	CommandLog = Table{
		Name: "Command_Log",
		Columns: []string{colEventKey, colSession, "command_id", "name", "data", "priority",
			"source", "state", "read_from_sv", "pushed_to_ground", colTime, "message"},
		Key:        []string{colSession, "command_id"},
		Cursor:     CursorEventKey,
		Ingest:     IngestReplace,
		RateColumn: RateCommandPush,
		Short:      "logs",
	}

	SystemMessages = Table{
		Name:       "System_Messages",
		Columns:    []string{colEventKey, colSession, colTime, "type", "message"},
		Key:        []string{colEventKey},
		Cursor:     CursorEventKey,
		Ingest:     IngestIgnore,
		RateColumn: RateCommandSyslog,
		Short:      "messages",
	}

	FlightData = Table{
		Name:       "Flight_Data",
		Columns:    []string{colEventKey, colSession, colTime, "name", "value"},
		Key:        []string{colEventKey},
		Cursor:     CursorEventKey,
		Ingest:     IngestIgnore,
		RateColumn: RateDataDownload,
		Short:      "flight",
	}

	FlightDataObject = Table{
		Name:       "Flight_Data_Object",
		Columns:    []string{colEventKey, colSession, colTime, "name", "data"},
		Key:        []string{colEventKey},
		Cursor:     CursorEventKey,
		Ingest:     IngestIgnore,
		RateColumn: RateDataDownload,
		Short:      "flight_object",
	}

	FlightDataBinary = Table{
		Name:       "Flight_Data_Binary",
		Columns:    []string{colEventKey, colSession, colTime, "name", "data"},
		Key:        []string{colEventKey},
		Cursor:     CursorEventKey,
		Ingest:     IngestIgnore,
		RateColumn: RateBinaryData,
		Short:      "flight_binary",
	}

	DuplexRadioState = Table{
		Name: "Duplex_Radio_State",
		Columns: []string{colEventKey, colSession, colTime, "registered", "signal_strength",
			"network", "call_state"},
		Key:        []string{colEventKey},
		Cursor:     CursorEventKey,
		Ingest:     IngestIgnore,
		RateColumn: RateDataDownload,
		Short:      "radio",
	}

	LocationData = Table{
		Name: "Location_Data",
		Columns: []string{colEventKey, colSession, colTime, "latitude", "longitude", "altitude",
			"speed", "fix", "gps_time", "source"},
		Key:        []string{colEventKey},
		Cursor:     CursorEventKey,
		Ingest:     IngestIgnore,
		RateColumn: RateDataDownload,
		Short:      "location",
	}

	ApplicationState = Table{
		Name:       "Application_State",
		Columns:    []string{colEventKey, colSession, "app_uuid", "state", colTime, "message"},
		Key:        []string{colEventKey},
		Cursor:     CursorEventKey,
		Ingest:     IngestReplace,
		RateColumn: RateDataDownload,
		Short:      "app_state",
	}

	RecordingSession = Table{
		Name:       "Recording_Session",
		Columns:    []string{colSession, "start_time", "radio_event_key"},
		Key:        []string{colSession},
		Cursor:     CursorSnapshot,
		Ingest:     IngestReplace,
		RateColumn: RateCommandPush,
		Short:      "sessions",
	}

	SessionStateTable = Table{
		Name:       "Recording_Session_State",
		Key:        []string{colSession},
		Cursor:     CursorSnapshot,
		Ingest:     IngestReplace,
		RateColumn: RateCommandPush,
		Short:      "session_state",
	}

	FlightPointersTable = Table{
		Name:       "Flight_Pointers",
		Key:        []string{colSession},
		Cursor:     CursorSnapshot,
		Ingest:     IngestReplace,
		RateColumn: RateCommandPush,
		Short:      "pointers",
	}
)

// Non-synchronised tables
const (
	tableSystemConfiguration = "System_Configuration"
	tableSimplexConfig       = "Simplex_Radio_Config"
	tableSimplexMessages     = "Simplex_Radio_Messages"
	tableSimplexArchive      = "Simplex_Radio_Archive"
	tableAppDescriptor       = "Application_Descriptor"
	tableBoardConnection     = "Board_Connection"
)

// cursorTables are exported by event-key high-water-mark
var cursorTables = []Table{
	CommandLog, SystemMessages, FlightData, FlightDataObject, FlightDataBinary,
	DuplexRadioState, LocationData, ApplicationState,
}

// sessionStateBase lists the Recording_Session_State columns that are not per-table
var sessionStateBase = []string{
	colSession, RateCommandPoll, RateCommandPush, RateDataDownload, RateBinaryData,
	RateCommandSyslog, "sync_to_ground", "test_connection", "timing_reset", "last_FRNCS_sync",
}

func init() {
	cols := append([]string{}, sessionStateBase...)
	for _, t := range cursorTables {
		cols = append(cols, t.BatchColumn())
	}
	SessionStateTable.Columns = cols

	ptr := []string{colSession}
	for _, t := range cursorTables {
		ptr = append(ptr, t.EventKeyColumn(), t.ReadyColumn())
	}
	for _, t := range snapshotTables() {
		ptr = append(ptr, t.ReadyColumn())
	}
	FlightPointersTable.Columns = ptr
}

func snapshotTables() []Table {
	return []Table{RecordingSession, SessionStateTable, FlightPointersTable}
}

// SyncTables returns the synchronised set S in a stable order
func SyncTables() []Table {
	out := make([]Table, 0, len(cursorTables)+3)
	out = append(out, cursorTables...)
	out = append(out, snapshotTables()...)
	return out
}

// LookupTable finds a synchronised table by name, case-insensitively
func LookupTable(name string) (Table, bool) {
	for _, t := range SyncTables() {
		if strings.EqualFold(t.Name, name) {
			return t, true
		}
	}
	return Table{}, false
}
