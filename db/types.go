package db

import (
	"database/sql"
	"strings"
	"time"
)

// CommandState is the lifecycle state of a command row
type CommandState string

const (
	StatePending       CommandState = "Pending"
	StatePendingGround CommandState = "Pending-Ground"
	StateProcessing    CommandState = "Processing"
	StateSuccess       CommandState = "Success"
	StateFail          CommandState = "FAIL"
)

// Terminal reports whether no further transition is allowed
func (s CommandState) Terminal() bool {
	return s == StateSuccess || s == StateFail
}

// Command sources
const (
	SourceVehicle = "sv"
	SourceGround  = "ground"
)

// Command is one Command_Log row
type Command struct {
	EventKey       int64
	SessionID      int64
	CommandID      int64
	Name           string
	Data           string
	Priority       int
	Source         string
	State          CommandState
	ReadFromSV     bool
	PushedToGround bool
	Time           time.Time
	Message        string
}

// CanonicalName is the upper-case form used for built-in routing
func (c Command) CanonicalName() string {
	return strings.ToUpper(strings.TrimSpace(c.Name))
}

// SessionState is one Recording_Session_State row
type SessionState struct {
	SessionID      int64
	Rates          map[string]float64
	SyncToGround   bool
	TestConnection bool
	TimingReset    bool
	LastSync       sql.NullTime
	BatchSizes     map[string]int
}

// Rate returns the period in seconds stored in col
func (s SessionState) Rate(col string) float64 {
	return s.Rates[col]
}

// BatchSize returns the export LIMIT for t, falling back to the default
func (s SessionState) BatchSize(t Table) int {
	if n := s.BatchSizes[t.BatchColumn()]; n > 0 {
		return n
	}
	return defaultBatchRecord
}

// SystemConfig is the latest System_Configuration row
type SystemConfig struct {
	DuplexInstalled  bool
	SimplexInstalled bool
	GPSInstalled     bool
	GPSType          string
	SelectedServer   string // TEST, PROD or NONE
	BeaconEnabled    bool
	AlarmState       bool
	SpaceUse         bool
	GPSBypass        bool
	ClockSet         bool
}

// Selected server values
const (
	ServerTest = "TEST"
	ServerProd = "PROD"
	ServerNone = "NONE"
)

// SimplexConfig is the Simplex_Radio_Config row
type SimplexConfig struct {
	PacketGroupXmitRate      float64 // seconds
	MaximumRepeats           int
	RepeatDelay              float64 // seconds
	Channel                  int
	Initialised              bool
	NumberBurstTransmissions int
	CBTMin                   int
	CBTMax                   int
}

// Fresh-install simplex modem settings
const (
	DefaultBurstTransmissions = 3
	DefaultCBTMin             = 280
	DefaultCBTMax             = 540
)

// Outbound simplex packet ids
const (
	PacketRoutine = 1
	PacketAlarm   = 2
)

// SimplexMessage is an outbound beacon message template
type SimplexMessage struct {
	PacketID   int
	PacketType string
	Payload    string
}

// BeaconArchive is one Simplex_Radio_Archive row
type BeaconArchive struct {
	SessionID  int64
	Time       time.Time
	PacketType string
	ASCII      string
	Hex        string
	Channel    int
	Sent       bool
}

// Location is one Location_Data row
type Location struct {
	SessionID int64
	Time      time.Time
	Latitude  float64
	Longitude float64
	Altitude  float64 // metres
	Speed     float64 // knots
	Fix       bool
	GPSTime   sql.NullTime
	Source    string
}

// RadioState is one Duplex_Radio_State row
type RadioState struct {
	Registered     bool
	SignalStrength int
	Network        string
	CallState      string
}

// Application state codes
const (
	AppGroundOnly     = 50
	AppStoredOnGW     = 80
	AppOperational    = 100
	AppInitialising   = 180
	AppConfigured     = 195
	AppError          = 200
	AppHostErrorFirst = 300
	AppHostErrorLast  = 399
)

// ValidAppState reports whether code falls in a defined band
func ValidAppState(code int) bool {
	switch code {
	case AppGroundOnly, AppStoredOnGW, AppOperational, AppInitialising, AppConfigured, AppError:
		return true
	}
	return code >= AppHostErrorFirst && code <= AppHostErrorLast
}

// AppDescriptor is one Application_Descriptor row
type AppDescriptor struct {
	AppUUID  string
	Name     string
	FileName string
	BoardID  int64
}

// BoardConnection is one Board_Connection row
type BoardConnection struct {
	BoardID     int64
	Method      string // ssh, sftp
	Host        string
	Port        int
	User        string
	PasswordEnv string
}

// ExportResult is the outcome of ExportTable
type ExportResult uint8

const (
	ExportNone ExportResult = iota
	ExportReady
	ExportAlreadyReady
)

func (r ExportResult) String() string {
	switch r {
	case ExportReady:
		return "ready"
	case ExportAlreadyReady:
		return "already_ready"
	default:
		return "none"
	}
}

// Event types published by the local store
const (
	EventSystemMessage   = "system_message"
	EventCommandTerminal = "command_terminal"
	EventSessionCreated  = "session_created"
)

// Event is a notification of a significant local transition
type Event struct {
	Type      string
	SessionID int64
	CommandID int64
	Name      string
	State     string
	Message   string
	Time      time.Time
}

// EventSink receives local store events. Publish must not block.
type EventSink interface {
	Publish(Event)
}
