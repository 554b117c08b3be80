package cfg

import (
	"os"
	"path/filepath"
	"testing"
)

func TestValidate_Defaults(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = Default()
	if err := Validate(); err != nil {
		t.Errorf("Expected defaults to validate, got: %v", err)
	}
}

func TestValidate_InvalidLocalDriver(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = Default()
	Config.Local.Driver = "postgres"
	if err := Validate(); err == nil {
		t.Error("Expected error for unsupported local driver")
	}
}

func TestValidate_SQLiteRequiresPath(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = Default()
	Config.Local.Driver = "sqlite3"
	if err := Validate(); err == nil {
		t.Error("Expected error for sqlite3 store without path")
	}

	Config.Local.Path = filepath.Join(t.TempDir(), "local.db")
	if err := Validate(); err != nil {
		t.Errorf("Expected sqlite3 store with path to validate, got: %v", err)
	}
}

func TestValidate_LoadDataLocalDowngraded(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = Default()
	Config.Ground.Driver = "sqlite3"
	Config.Ground.Path = filepath.Join(t.TempDir(), "ground.db")
	Config.Ground.LoadDataLocal = true

	if err := Validate(); err != nil {
		t.Fatalf("Expected valid config, got: %v", err)
	}
	if Config.Ground.LoadDataLocal {
		t.Error("Expected load_data_local to be disabled for sqlite3 ground store")
	}
}

func TestValidate_RadioStatusWindow(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = Default()
	Config.Engine.RadioStatusMinSeconds = 40
	Config.Engine.RadioStatusMaxSeconds = 35
	if err := Validate(); err == nil {
		t.Error("Expected error for inverted radio status window")
	}
}

func TestValidate_EventSinks(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	tests := []struct {
		name    string
		sink    SinkConfiguration
		wantErr bool
	}{
		{"nats", SinkConfiguration{Name: "ops", Type: "nats"}, false},
		{"kafka", SinkConfiguration{Name: "ops", Type: "kafka"}, false},
		{"missing name", SinkConfiguration{Type: "nats"}, true},
		{"bad type", SinkConfiguration{Name: "ops", Type: "mqtt"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Config = Default()
			Config.Events.Sinks = []SinkConfiguration{tt.sink}
			err := Validate()
			if tt.wantErr && err == nil {
				t.Error("Expected error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Expected no error, got: %v", err)
			}
		})
	}
}

func TestLoad_FromFile(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = Default()

	path := filepath.Join(t.TempDir(), "vms.toml")
	content := `
vehicle_id = 42

[local]
driver = "sqlite3"
path = "/tmp/local.db"

[engine]
timing_check_seconds = 10

[[events.sinks]]
name = "ops"
type = "nats"
nats_url = "nats://127.0.0.1:4222"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	if err := Load(path); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if Config.VehicleID != 42 {
		t.Errorf("Expected vehicle id 42, got %d", Config.VehicleID)
	}
	if Config.Local.Driver != "sqlite3" || Config.Local.Path != "/tmp/local.db" {
		t.Errorf("Unexpected local store config: %+v", Config.Local)
	}
	if Config.Engine.TimingCheckSeconds != 10 {
		t.Errorf("Expected timing check 10, got %d", Config.Engine.TimingCheckSeconds)
	}
	// Untouched defaults survive decoding
	if Config.Engine.RadioStatusMaxSeconds != 39 {
		t.Errorf("Expected default radio status max 39, got %d", Config.Engine.RadioStatusMaxSeconds)
	}
	if len(Config.Events.Sinks) != 1 || Config.Events.Sinks[0].NatsURL == "" {
		t.Errorf("Expected one nats sink, got %+v", Config.Events.Sinks)
	}
}
