package cfg

import (
	"errors"
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// ErrNoServerSelected is returned when a handler needs the ground file
// server but System_Configuration.selected_server is NONE.
var ErrNoServerSelected = errors.New("no ground server selected")

// StoreConfiguration describes a relational store connection
type StoreConfiguration struct {
	Driver          string `toml:"driver"` // "mysql" or "sqlite3"
	Address         string `toml:"address"`
	User            string `toml:"user"`
	Password        string `toml:"password"`
	Database        string `toml:"database"`
	Path            string `toml:"path"` // sqlite3 only
	ConnectTimeoutS int    `toml:"connect_timeout_seconds"`
	QueryTimeoutS   int    `toml:"query_timeout_seconds"`
	MaxOpenConns    int    `toml:"max_open_conns"`
	MaxIdleConns    int    `toml:"max_idle_conns"`
	MaxLifetimeS    int    `toml:"max_lifetime_seconds"`
}

// GroundConfiguration extends the store settings with ingest options
type GroundConfiguration struct {
	StoreConfiguration
	LoadDataLocal   bool `toml:"load_data_local"`   // use LOAD DATA LOCAL INFILE (mysql only)
	IngestBatchSize int  `toml:"ingest_batch_size"` // rows per INSERT when loading in-process
}

// PathsConfiguration holds the fixed filesystem locations
type PathsConfiguration struct {
	TmpDir      string `toml:"tmp_dir"`
	OutputDir   string `toml:"output_dir"`
	InputDir    string `toml:"input_dir"`
	StorageUser string `toml:"storage_user"` // owner of TmpDir, chown'd on first use
}

// EngineConfiguration holds the fixed periods of the task fabric
type EngineConfiguration struct {
	TimingCheckSeconds      int `toml:"timing_check_seconds"`
	RadioStatusMinSeconds   int `toml:"radio_status_min_seconds"`
	RadioStatusMaxSeconds   int `toml:"radio_status_max_seconds"`
	LocationPeriodSeconds   int `toml:"location_period_seconds"`
	AlarmPeriodSeconds      int `toml:"alarm_period_seconds"`
	ClockPeriodSeconds      int `toml:"clock_period_seconds"`
	ClockInitialWaitSeconds int `toml:"clock_initial_wait_seconds"`
}

// SyncConfiguration restricts which tables are synchronised
type SyncConfiguration struct {
	Tables []string `toml:"tables"` // glob patterns, empty = all
}

// RunnerConfiguration controls the out-of-process handler runner
type RunnerConfiguration struct {
	Executable     string   `toml:"executable"` // defaults to os.Executable()
	AllowedModules []string `toml:"allowed_modules"`
	KillGraceMS    int      `toml:"kill_grace_ms"`
}

// RadioConfiguration names the serial devices of the modems
type RadioConfiguration struct {
	DuplexDevice   string `toml:"duplex_device"`
	SimplexDevice  string `toml:"simplex_device"`
	CommandTimeout int    `toml:"command_timeout_ms"`
}

// GFTConfiguration configures the ground file transfer module
type GFTConfiguration struct {
	TestServer  string `toml:"test_server"`
	ProdServer  string `toml:"prod_server"`
	User        string `toml:"user"`
	PasswordEnv string `toml:"password_env"`
	RemoteDir   string `toml:"remote_dir"`
}

// SinkConfiguration describes one event sink
type SinkConfiguration struct {
	Name         string   `toml:"name"`
	Type         string   `toml:"type"` // "nats" or "kafka"
	NatsURL      string   `toml:"nats_url"`
	Brokers      []string `toml:"brokers"`
	TopicPrefix  string   `toml:"topic_prefix"`
	FilterTypes  []string `toml:"filter_types"`
	BatchSize    int      `toml:"batch_size"`
	RetryInitMS  int      `toml:"retry_initial_ms"`
	RetryMaxMS   int      `toml:"retry_max_ms"`
	QueueSize    int      `toml:"queue_size"`
	MaxRetries   int      `toml:"max_retries"`
	PublishTimeS int      `toml:"publish_timeout_seconds"`
}

// EventsConfiguration controls event publishing
type EventsConfiguration struct {
	CompressionLevel int                 `toml:"compression_level"` // 0 disables, 1-4 zstd levels
	Sinks            []SinkConfiguration `toml:"sinks"`
}

// AdminConfiguration controls the admin HTTP surface
type AdminConfiguration struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
	Secret      string `toml:"secret"`
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// Configuration is the main configuration structure
type Configuration struct {
	VehicleID uint64 `toml:"vehicle_id"`
	DataDir   string `toml:"data_dir"`

	Local      StoreConfiguration      `toml:"local"`
	Ground     GroundConfiguration     `toml:"ground"`
	Paths      PathsConfiguration      `toml:"paths"`
	Engine     EngineConfiguration     `toml:"engine"`
	Sync       SyncConfiguration       `toml:"sync"`
	Runner     RunnerConfiguration     `toml:"runner"`
	Radio      RadioConfiguration      `toml:"radio"`
	GFT        GFTConfiguration        `toml:"gft"`
	Events     EventsConfiguration     `toml:"events"`
	Admin      AdminConfiguration      `toml:"admin"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag   = flag.String("config", "/etc/qs/vms.toml", "Path to configuration file")
	DataDirFlag      = flag.String("data-dir", "", "Data directory (overrides config)")
	VehicleIDFlag    = flag.Uint64("vehicle-id", 0, "Vehicle ID (overrides config, 0=auto)")
	LocalAddrFlag    = flag.String("local-address", "", "Local store address (overrides config)")
	GroundAddrFlag   = flag.String("ground-address", "", "Ground store address (overrides config)")
	HandlerChildFlag = flag.Bool("handler-child", false, "Run as an isolated command handler (internal)")
)

// Default configuration
var Config = Default()

// Default returns a configuration populated with the built-in defaults
func Default() *Configuration {
	return &Configuration{
		VehicleID: 0, // Auto-generate
		DataDir:   "/opt/qs",

		Local: StoreConfiguration{
			Driver:          "mysql",
			Address:         "127.0.0.1:3306",
			User:            "vms",
			Database:        "qs_local",
			ConnectTimeoutS: 5,
			QueryTimeoutS:   30,
			MaxOpenConns:    4,
			MaxIdleConns:    2,
			MaxLifetimeS:    300,
		},

		Ground: GroundConfiguration{
			StoreConfiguration: StoreConfiguration{
				Driver:          "mysql",
				User:            "vms",
				Database:        "qs_ground",
				ConnectTimeoutS: 20,
				QueryTimeoutS:   120,
				MaxOpenConns:    1,
				MaxIdleConns:    1,
				MaxLifetimeS:    600,
			},
			LoadDataLocal:   true,
			IngestBatchSize: 500,
		},

		Paths: PathsConfiguration{
			TmpDir:      "/opt/qs/tmp",
			OutputDir:   "/opt/qs/outputs",
			InputDir:    "/opt/qs/input",
			StorageUser: "mysql",
		},

		Engine: EngineConfiguration{
			TimingCheckSeconds:      30,
			RadioStatusMinSeconds:   35,
			RadioStatusMaxSeconds:   39,
			LocationPeriodSeconds:   60,
			AlarmPeriodSeconds:      20,
			ClockPeriodSeconds:      120,
			ClockInitialWaitSeconds: 90,
		},

		Runner: RunnerConfiguration{
			AllowedModules: []string{"*"},
			KillGraceMS:    2000,
		},

		Radio: RadioConfiguration{
			CommandTimeout: 5000,
		},

		GFT: GFTConfiguration{
			User:        "qs",
			PasswordEnv: "QS_GFT_PASSWORD",
			RemoteDir:   "/srv/qs/apps",
		},

		Events: EventsConfiguration{
			CompressionLevel: 1,
		},

		Admin: AdminConfiguration{
			Enabled:     true,
			BindAddress: "127.0.0.1",
			Port:        8088,
		},

		Logging: LoggingConfiguration{
			Verbose: false,
			Format:  "console",
		},

		Prometheus: PrometheusConfiguration{
			Enabled: true,
		},
	}
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *VehicleIDFlag != 0 {
		Config.VehicleID = *VehicleIDFlag
	}
	if *LocalAddrFlag != "" {
		Config.Local.Address = *LocalAddrFlag
	}
	if *GroundAddrFlag != "" {
		Config.Ground.Address = *GroundAddrFlag
	}

	if Config.VehicleID == 0 {
		var err error
		Config.VehicleID, err = generateVehicleID()
		if err != nil {
			return fmt.Errorf("failed to generate vehicle ID: %w", err)
		}
		log.Info().Uint64("vehicle_id", Config.VehicleID).Msg("Auto-generated vehicle ID")
	}

	return nil
}

// generateVehicleID derives a stable ID from the machine ID
func generateVehicleID() (uint64, error) {
	id, err := machineid.ProtectedID("qs-vms")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	if err := validateStore("local", Config.Local); err != nil {
		return err
	}
	if Config.Ground.Address != "" || Config.Ground.Path != "" {
		if err := validateStore("ground", Config.Ground.StoreConfiguration); err != nil {
			return err
		}
	}
	if Config.Ground.LoadDataLocal && Config.Ground.Driver != "mysql" {
		log.Warn().Str("driver", Config.Ground.Driver).Msg("load_data_local only applies to mysql, loading in-process")
		Config.Ground.LoadDataLocal = false
	}
	if Config.Ground.IngestBatchSize < 1 {
		return fmt.Errorf("ground ingest batch size must be >= 1")
	}

	if Config.Paths.TmpDir == "" || Config.Paths.OutputDir == "" {
		return fmt.Errorf("tmp_dir and output_dir are required")
	}

	e := Config.Engine
	if e.TimingCheckSeconds < 1 {
		return fmt.Errorf("timing check interval must be >= 1 second")
	}
	if e.RadioStatusMinSeconds < 1 || e.RadioStatusMaxSeconds < e.RadioStatusMinSeconds {
		return fmt.Errorf("invalid radio status window %d..%d", e.RadioStatusMinSeconds, e.RadioStatusMaxSeconds)
	}
	if e.AlarmPeriodSeconds < 1 || e.ClockPeriodSeconds < 1 || e.LocationPeriodSeconds < 1 {
		return fmt.Errorf("alarm, clock and location periods must be >= 1 second")
	}
	if e.ClockInitialWaitSeconds < 0 {
		return fmt.Errorf("clock initial wait must be >= 0")
	}

	if Config.Runner.KillGraceMS < 0 {
		return fmt.Errorf("runner kill grace must be >= 0")
	}

	if Config.Events.CompressionLevel < 0 || Config.Events.CompressionLevel > 4 {
		return fmt.Errorf("invalid events compression level: %d", Config.Events.CompressionLevel)
	}
	for _, s := range Config.Events.Sinks {
		if s.Name == "" {
			return fmt.Errorf("event sink name is required")
		}
		if s.Type != "nats" && s.Type != "kafka" {
			return fmt.Errorf("invalid event sink type %q for %s", s.Type, s.Name)
		}
	}

	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	if Config.Logging.Format != "console" && Config.Logging.Format != "json" {
		return fmt.Errorf("invalid logging format: %s", Config.Logging.Format)
	}

	return nil
}

func validateStore(name string, s StoreConfiguration) error {
	switch s.Driver {
	case "mysql":
		if s.Address == "" {
			return fmt.Errorf("%s store address is required", name)
		}
		if s.Database == "" {
			return fmt.Errorf("%s store database is required", name)
		}
	case "sqlite3":
		if s.Path == "" {
			return fmt.Errorf("%s store path is required", name)
		}
	default:
		return fmt.Errorf("invalid %s store driver: %q", name, s.Driver)
	}
	if s.ConnectTimeoutS < 1 || s.QueryTimeoutS < 1 {
		return fmt.Errorf("%s store timeouts must be >= 1 second", name)
	}
	if s.MaxOpenConns < 1 {
		return fmt.Errorf("%s store max open connections must be >= 1", name)
	}
	return nil
}

// GroundConfigured reports whether a ground store is configured at all
func GroundConfigured() bool {
	return Config.Ground.Address != "" || Config.Ground.Path != ""
}

// Seconds converts an integer seconds setting to a duration
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// IsAdminAuthEnabled reports whether the admin surface requires a secret
func IsAdminAuthEnabled() bool {
	return Config.Admin.Secret != ""
}
