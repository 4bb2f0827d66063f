package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestConfig_LoadFromFile(t *testing.T) {
	testConfig := `[device]
name = "front-door"

[fingerprint]
port = "/dev/ttyUSB0"
baud = 57600
inactivity = "10ms"
step_timeout = "4s"
captures = 3

[face]
port = "/dev/ttyUSB1"
verify_timeout = "8s"

[radio]
port = "/dev/ttyUSB2"
name = "FrontDoor"
advertise = false
command_timeout = "150ms"

[display]
width = 320
height = 240
splash = "assets/splash.png"

[lock]
auto_close = "5s"

[keypad]
input_idle = "7s"

[database]
path = "/var/lib/smartlock/lock.db"
retention = "720h"
card_roster = "https://example.com/cards.csv"

[log]
level = "debug"
format = "json"

[api]
listen = "127.0.0.1:9090"
cors_origins = ["http://localhost:3000"]
`

	path := filepath.Join(t.TempDir(), "smartlock.toml")
	if err := os.WriteFile(path, []byte(testConfig), 0o644); err != nil {
		t.Fatalf("Failed to write temp file: %v", err)
	}

	config := NewConfig(path)
	if err := config.Load(); err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	tests := []struct {
		name     string
		got      interface{}
		expected interface{}
	}{
		{"DeviceName", config.GetDeviceName(), "front-door"},
		{"FingerprintPort", config.GetFingerprintPort(), "/dev/ttyUSB0"},
		{"FingerprintBaud", config.GetFingerprintBaud(), 57600},
		{"FingerprintInactivity", config.GetFingerprintInactivity(), 10 * time.Millisecond},
		{"FingerprintStepTimeout", config.GetFingerprintStepTimeout(), 4 * time.Second},
		{"FingerprintCaptures", config.GetFingerprintCaptures(), 3},
		{"FingerprintOverallTimeout (default)", config.GetFingerprintOverallTimeout(), 15 * time.Second},
		{"FacePort", config.GetFacePort(), "/dev/ttyUSB1"},
		{"FaceVerifyTimeout", config.GetFaceVerifyTimeout(), 8 * time.Second},
		{"FaceBaud (default)", config.GetFaceBaud(), 115200},
		{"RadioName", config.GetRadioName(), "FrontDoor"},
		{"RadioAdvertise", config.GetRadioAdvertise(), false},
		{"RadioCommandTimeout", config.GetRadioCommandTimeout(), 150 * time.Millisecond},
		{"DisplayWidth", config.GetDisplayWidth(), 320},
		{"DisplaySplash", config.GetDisplaySplash(), "assets/splash.png"},
		{"LockAutoClose", config.GetLockAutoClose(), 5 * time.Second},
		{"KeypadInputIdle", config.GetKeypadInputIdle(), 7 * time.Second},
		{"KeypadSetIdle (default)", config.GetKeypadSetIdle(), 10 * time.Second},
		{"DatabasePath", config.GetDatabasePath(), "/var/lib/smartlock/lock.db"},
		{"DatabaseRetention", config.GetDatabaseRetention(), 720 * time.Hour},
		{"DatabaseCardRoster", config.GetDatabaseCardRoster(), "https://example.com/cards.csv"},
		{"LogLevel", config.GetLogLevel(), "debug"},
		{"LogFormat", config.GetLogFormat(), "json"},
		{"APIListen", config.GetAPIListen(), "127.0.0.1:9090"},
		{"APIEnabled (default)", config.GetAPIEnabled(), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.expected {
				t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.expected)
			}
		})
	}

	if origins := config.GetAPICORSOrigins(); len(origins) != 1 || origins[0] != "http://localhost:3000" {
		t.Errorf("APICORSOrigins = %v, want [http://localhost:3000]", origins)
	}
}

func TestConfig_Defaults(t *testing.T) {
	config := NewConfig("")
	if err := config.LoadFromString(""); err != nil {
		t.Fatalf("LoadFromString() error = %v", err)
	}

	tests := []struct {
		name     string
		got      interface{}
		expected interface{}
	}{
		{"FingerprintPort", config.GetFingerprintPort(), ""},
		{"FingerprintRequestTimeout", config.GetFingerprintRequestTimeout(), 500 * time.Millisecond},
		{"FingerprintScoreLevel", config.GetFingerprintScoreLevel(), 2},
		{"RadioBaud", config.GetRadioBaud(), 9600},
		{"RadioCommandTimeout", config.GetRadioCommandTimeout(), 100 * time.Millisecond},
		{"RadioAdvertise", config.GetRadioAdvertise(), true},
		{"DisplayStallTimeout", config.GetDisplayStallTimeout(), time.Second},
		{"LockAutoClose", config.GetLockAutoClose(), 3 * time.Second},
		{"LockQueueSize", config.GetLockQueueSize(), 5},
		{"NFCRepeatWindow", config.GetNFCRepeatWindow(), 2 * time.Second},
		{"DatabasePasscode", config.GetDatabaseDefaultPasscode(), "12345678"},
		{"DatabasePruneInterval", config.GetDatabasePruneInterval(), time.Hour},
		{"LogFormat", config.GetLogFormat(), "console"},
		{"APIListen", config.GetAPIListen(), ":8080"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.expected {
				t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.expected)
			}
		})
	}
}

func TestConfig_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"bad duration", "[lock]\nauto_close = \"soon\"\n"},
		{"bad toml", "[lock\n"},
		{"captures out of range", "[fingerprint]\ncaptures = 9\n"},
		{"bad log format", "[log]\nformat = \"xml\"\n"},
		{"zero display", "[display]\nwidth = 0\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := NewConfig("").LoadFromString(tt.data); err == nil {
				t.Errorf("LoadFromString() error = nil, want error")
			}
		})
	}
}

func TestConfig_MissingFile(t *testing.T) {
	config := NewConfig(filepath.Join(t.TempDir(), "missing.toml"))
	if err := config.Load(); err == nil {
		t.Error("Load() error = nil for missing file")
	}
}

func BenchmarkConfig_LoadFromString(b *testing.B) {
	testConfig := `[fingerprint]
port = "/dev/ttyUSB0"
step_timeout = "4s"

[lock]
auto_close = "5s"`

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		config := NewConfig("")
		config.LoadFromString(testConfig)
	}
}
