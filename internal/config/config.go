// Package config loads the smartlock TOML configuration.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the smartlock configuration
type Config struct {
	filename string

	// Device section
	deviceName string

	// Fingerprint section
	fingerprintPort           string
	fingerprintBaud           int
	fingerprintInactivity     time.Duration
	fingerprintRequestTimeout time.Duration
	fingerprintStepTimeout    time.Duration
	fingerprintOverallTimeout time.Duration
	fingerprintRestDelay      time.Duration
	fingerprintCaptures       int
	fingerprintScoreLevel     int

	// Face section
	facePort          string
	faceBaud          int
	faceInactivity    time.Duration
	faceVerifyTimeout time.Duration
	faceEnrollTimeout time.Duration
	faceRestDelay     time.Duration

	// Radio section
	radioPort           string
	radioBaud           int
	radioInactivity     time.Duration
	radioCommandTimeout time.Duration
	radioName           string
	radioAdvertise      bool

	// Display section
	displayWidth  int
	displayHeight int
	displayStall  time.Duration
	displaySplash string

	// Lock section
	lockAutoClose time.Duration
	lockQueueSize int

	// Keypad section
	keypadInputIdle time.Duration
	keypadSetIdle   time.Duration

	// NFC section
	nfcRepeatWindow time.Duration

	// Database section
	databasePath          string
	databasePasscode      string
	databaseRetention     time.Duration
	databasePruneInterval time.Duration
	databaseCardRoster    string
	databaseRosterSync    time.Duration

	// Log section
	logLevel  string
	logFormat string

	// API section
	apiEnabled     bool
	apiListen      string
	apiCORSOrigins []string
}

// fileConfig is the on-disk layout. Durations are Go duration strings.
type fileConfig struct {
	Device struct {
		Name string `toml:"name"`
	} `toml:"device"`

	Fingerprint struct {
		Port           string `toml:"port"`
		Baud           int    `toml:"baud"`
		Inactivity     string `toml:"inactivity"`
		RequestTimeout string `toml:"request_timeout"`
		StepTimeout    string `toml:"step_timeout"`
		OverallTimeout string `toml:"overall_timeout"`
		RestDelay      string `toml:"rest_delay"`
		Captures       int    `toml:"captures"`
		ScoreLevel     int    `toml:"score_level"`
	} `toml:"fingerprint"`

	Face struct {
		Port          string `toml:"port"`
		Baud          int    `toml:"baud"`
		Inactivity    string `toml:"inactivity"`
		VerifyTimeout string `toml:"verify_timeout"`
		EnrollTimeout string `toml:"enroll_timeout"`
		RestDelay     string `toml:"rest_delay"`
	} `toml:"face"`

	Radio struct {
		Port           string `toml:"port"`
		Baud           int    `toml:"baud"`
		Inactivity     string `toml:"inactivity"`
		CommandTimeout string `toml:"command_timeout"`
		Name           string `toml:"name"`
		Advertise      bool   `toml:"advertise"`
	} `toml:"radio"`

	Display struct {
		Width  int    `toml:"width"`
		Height int    `toml:"height"`
		Stall  string `toml:"stall_timeout"`
		Splash string `toml:"splash"`
	} `toml:"display"`

	Lock struct {
		AutoClose string `toml:"auto_close"`
		QueueSize int    `toml:"queue_size"`
	} `toml:"lock"`

	Keypad struct {
		InputIdle string `toml:"input_idle"`
		SetIdle   string `toml:"set_idle"`
	} `toml:"keypad"`

	NFC struct {
		RepeatWindow string `toml:"repeat_window"`
	} `toml:"nfc"`

	Database struct {
		Path            string `toml:"path"`
		DefaultPasscode string `toml:"default_passcode"`
		Retention       string `toml:"retention"`
		PruneInterval   string `toml:"prune_interval"`
		CardRoster      string `toml:"card_roster"`
		RosterInterval  string `toml:"roster_interval"`
	} `toml:"database"`

	Log struct {
		Level  string `toml:"level"`
		Format string `toml:"format"`
	} `toml:"log"`

	API struct {
		Enabled     bool     `toml:"enabled"`
		Listen      string   `toml:"listen"`
		CORSOrigins []string `toml:"cors_origins"`
	} `toml:"api"`
}

// NewConfig creates a new configuration instance with defaults
func NewConfig(filename string) *Config {
	return &Config{
		filename: filename,

		deviceName: "smartlock",

		fingerprintBaud:           57600,
		fingerprintInactivity:     10 * time.Millisecond,
		fingerprintRequestTimeout: 500 * time.Millisecond,
		fingerprintStepTimeout:    5 * time.Second,
		fingerprintOverallTimeout: 15 * time.Second,
		fingerprintRestDelay:      2 * time.Second,
		fingerprintCaptures:       2,
		fingerprintScoreLevel:     2,

		faceBaud:          115200,
		faceInactivity:    10 * time.Millisecond,
		faceVerifyTimeout: 10 * time.Second,
		faceEnrollTimeout: 30 * time.Second,
		faceRestDelay:     2 * time.Second,

		radioBaud:           9600,
		radioInactivity:     10 * time.Millisecond,
		radioCommandTimeout: 100 * time.Millisecond,
		radioName:           "SmartLock",
		radioAdvertise:      true,

		displayWidth:  480,
		displayHeight: 272,
		displayStall:  time.Second,

		lockAutoClose: 3 * time.Second,
		lockQueueSize: 5,

		keypadInputIdle: 6 * time.Second,
		keypadSetIdle:   10 * time.Second,

		nfcRepeatWindow: 2 * time.Second,

		databasePath:          "data/smartlock.db",
		databasePasscode:      "12345678",
		databaseRetention:     90 * 24 * time.Hour,
		databasePruneInterval: time.Hour,
		databaseRosterSync:    time.Hour,

		logLevel:  "info",
		logFormat: "console",

		apiEnabled: true,
		apiListen:  ":8080",
	}
}

// Load loads configuration from the file given to NewConfig
func (c *Config) Load() error {
	var raw fileConfig
	meta, err := toml.DecodeFile(c.filename, &raw)
	if err != nil {
		return fmt.Errorf("failed to load config file %s: %w", c.filename, err)
	}
	return c.apply(raw, meta)
}

// LoadFromString loads configuration from a string (useful for testing)
func (c *Config) LoadFromString(data string) error {
	var raw fileConfig
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return c.apply(raw, meta)
}

// overlay copies defined keys over the defaults and collects duration
// parse errors.
type overlay struct {
	meta toml.MetaData
	errs []string
}

func (o *overlay) defined(key ...string) bool {
	return o.meta.IsDefined(key...)
}

func (o *overlay) str(dst *string, v string, key ...string) {
	if o.defined(key...) {
		*dst = strings.TrimSpace(v)
	}
}

func (o *overlay) num(dst *int, v int, key ...string) {
	if o.defined(key...) {
		*dst = v
	}
}

func (o *overlay) flag(dst *bool, v bool, key ...string) {
	if o.defined(key...) {
		*dst = v
	}
}

func (o *overlay) dur(dst *time.Duration, v string, key ...string) {
	if !o.defined(key...) {
		return
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		o.errs = append(o.errs, fmt.Sprintf("%s: %v", strings.Join(key, "."), err))
		return
	}
	*dst = d
}

func (o *overlay) serial(section string, port *string, baud *int, inactivity *time.Duration, p string, b int, i string) {
	o.str(port, p, section, "port")
	o.num(baud, b, section, "baud")
	o.dur(inactivity, i, section, "inactivity")
}

func (c *Config) apply(raw fileConfig, meta toml.MetaData) error {
	o := &overlay{meta: meta}

	o.str(&c.deviceName, raw.Device.Name, "device", "name")

	fp := raw.Fingerprint
	o.serial("fingerprint", &c.fingerprintPort, &c.fingerprintBaud, &c.fingerprintInactivity, fp.Port, fp.Baud, fp.Inactivity)
	o.dur(&c.fingerprintRequestTimeout, fp.RequestTimeout, "fingerprint", "request_timeout")
	o.dur(&c.fingerprintStepTimeout, fp.StepTimeout, "fingerprint", "step_timeout")
	o.dur(&c.fingerprintOverallTimeout, fp.OverallTimeout, "fingerprint", "overall_timeout")
	o.dur(&c.fingerprintRestDelay, fp.RestDelay, "fingerprint", "rest_delay")
	o.num(&c.fingerprintCaptures, fp.Captures, "fingerprint", "captures")
	o.num(&c.fingerprintScoreLevel, fp.ScoreLevel, "fingerprint", "score_level")

	face := raw.Face
	o.serial("face", &c.facePort, &c.faceBaud, &c.faceInactivity, face.Port, face.Baud, face.Inactivity)
	o.dur(&c.faceVerifyTimeout, face.VerifyTimeout, "face", "verify_timeout")
	o.dur(&c.faceEnrollTimeout, face.EnrollTimeout, "face", "enroll_timeout")
	o.dur(&c.faceRestDelay, face.RestDelay, "face", "rest_delay")

	radio := raw.Radio
	o.serial("radio", &c.radioPort, &c.radioBaud, &c.radioInactivity, radio.Port, radio.Baud, radio.Inactivity)
	o.dur(&c.radioCommandTimeout, radio.CommandTimeout, "radio", "command_timeout")
	o.str(&c.radioName, radio.Name, "radio", "name")
	o.flag(&c.radioAdvertise, radio.Advertise, "radio", "advertise")

	o.num(&c.displayWidth, raw.Display.Width, "display", "width")
	o.num(&c.displayHeight, raw.Display.Height, "display", "height")
	o.dur(&c.displayStall, raw.Display.Stall, "display", "stall_timeout")
	o.str(&c.displaySplash, raw.Display.Splash, "display", "splash")

	o.dur(&c.lockAutoClose, raw.Lock.AutoClose, "lock", "auto_close")
	o.num(&c.lockQueueSize, raw.Lock.QueueSize, "lock", "queue_size")

	o.dur(&c.keypadInputIdle, raw.Keypad.InputIdle, "keypad", "input_idle")
	o.dur(&c.keypadSetIdle, raw.Keypad.SetIdle, "keypad", "set_idle")

	o.dur(&c.nfcRepeatWindow, raw.NFC.RepeatWindow, "nfc", "repeat_window")

	db := raw.Database
	o.str(&c.databasePath, db.Path, "database", "path")
	o.str(&c.databasePasscode, db.DefaultPasscode, "database", "default_passcode")
	o.dur(&c.databaseRetention, db.Retention, "database", "retention")
	o.dur(&c.databasePruneInterval, db.PruneInterval, "database", "prune_interval")
	o.str(&c.databaseCardRoster, db.CardRoster, "database", "card_roster")
	o.dur(&c.databaseRosterSync, db.RosterInterval, "database", "roster_interval")

	o.str(&c.logLevel, raw.Log.Level, "log", "level")
	o.str(&c.logFormat, raw.Log.Format, "log", "format")

	o.flag(&c.apiEnabled, raw.API.Enabled, "api", "enabled")
	o.str(&c.apiListen, raw.API.Listen, "api", "listen")
	if o.defined("api", "cors_origins") {
		c.apiCORSOrigins = raw.API.CORSOrigins
	}

	if len(o.errs) > 0 {
		return fmt.Errorf("invalid durations: %s", strings.Join(o.errs, "; "))
	}
	return c.validate()
}

func (c *Config) validate() error {
	if c.fingerprintCaptures < 1 || c.fingerprintCaptures > 6 {
		return fmt.Errorf("fingerprint.captures must be 1-6, got %d", c.fingerprintCaptures)
	}
	if c.lockQueueSize < 1 {
		return fmt.Errorf("lock.queue_size must be positive, got %d", c.lockQueueSize)
	}
	if c.displayWidth <= 0 || c.displayHeight <= 0 {
		return fmt.Errorf("display size %dx%d is not valid", c.displayWidth, c.displayHeight)
	}
	switch c.logFormat {
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be console or json, got %q", c.logFormat)
	}
	return nil
}

// Device getters
func (c *Config) GetDeviceName() string { return c.deviceName }

// Fingerprint getters
func (c *Config) GetFingerprintPort() string { return c.fingerprintPort }
func (c *Config) GetFingerprintBaud() int { return c.fingerprintBaud }
func (c *Config) GetFingerprintInactivity() time.Duration { return c.fingerprintInactivity }
func (c *Config) GetFingerprintRequestTimeout() time.Duration { return c.fingerprintRequestTimeout }
func (c *Config) GetFingerprintStepTimeout() time.Duration { return c.fingerprintStepTimeout }
func (c *Config) GetFingerprintOverallTimeout() time.Duration { return c.fingerprintOverallTimeout }
func (c *Config) GetFingerprintRestDelay() time.Duration { return c.fingerprintRestDelay }
func (c *Config) GetFingerprintCaptures() int { return c.fingerprintCaptures }
func (c *Config) GetFingerprintScoreLevel() int { return c.fingerprintScoreLevel }

// Face getters
func (c *Config) GetFacePort() string { return c.facePort }
func (c *Config) GetFaceBaud() int { return c.faceBaud }
func (c *Config) GetFaceInactivity() time.Duration { return c.faceInactivity }
func (c *Config) GetFaceVerifyTimeout() time.Duration { return c.faceVerifyTimeout }
func (c *Config) GetFaceEnrollTimeout() time.Duration { return c.faceEnrollTimeout }
func (c *Config) GetFaceRestDelay() time.Duration { return c.faceRestDelay }

// Radio getters
func (c *Config) GetRadioPort() string { return c.radioPort }
func (c *Config) GetRadioBaud() int { return c.radioBaud }
func (c *Config) GetRadioInactivity() time.Duration { return c.radioInactivity }
func (c *Config) GetRadioCommandTimeout() time.Duration { return c.radioCommandTimeout }
func (c *Config) GetRadioName() string { return c.radioName }
func (c *Config) GetRadioAdvertise() bool { return c.radioAdvertise }

// Display getters
func (c *Config) GetDisplayWidth() int { return c.displayWidth }
func (c *Config) GetDisplayHeight() int { return c.displayHeight }
func (c *Config) GetDisplayStallTimeout() time.Duration { return c.displayStall }
func (c *Config) GetDisplaySplash() string { return c.displaySplash }

// Lock getters
func (c *Config) GetLockAutoClose() time.Duration { return c.lockAutoClose }
func (c *Config) GetLockQueueSize() int { return c.lockQueueSize }

// Keypad getters
func (c *Config) GetKeypadInputIdle() time.Duration { return c.keypadInputIdle }
func (c *Config) GetKeypadSetIdle() time.Duration { return c.keypadSetIdle }

// NFC getters
func (c *Config) GetNFCRepeatWindow() time.Duration { return c.nfcRepeatWindow }

// Database getters
func (c *Config) GetDatabasePath() string { return c.databasePath }
func (c *Config) GetDatabaseDefaultPasscode() string { return c.databasePasscode }
func (c *Config) GetDatabaseRetention() time.Duration { return c.databaseRetention }
func (c *Config) GetDatabasePruneInterval() time.Duration { return c.databasePruneInterval }
func (c *Config) GetDatabaseCardRoster() string { return c.databaseCardRoster }
func (c *Config) GetDatabaseRosterInterval() time.Duration { return c.databaseRosterSync }

// Log getters
func (c *Config) GetLogLevel() string { return c.logLevel }
func (c *Config) GetLogFormat() string { return c.logFormat }

// API getters
func (c *Config) GetAPIEnabled() bool { return c.apiEnabled }
func (c *Config) GetAPIListen() string { return c.apiListen }
func (c *Config) GetAPICORSOrigins() []string { return c.apiCORSOrigins }
