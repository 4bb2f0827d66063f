// Package keypad turns key presses into passcode attempts and passcode
// changes.
package keypad

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	Source = "keypad"

	MAX_INPUT          = 16
	MIN_PASSCODE       = 4
	SET_MODE_PRESSES   = 3
	DEFAULT_INPUT_IDLE = 6 * time.Second
	DEFAULT_SET_IDLE   = 10 * time.Second
)

// Key is one key of the 3x4 matrix.
type Key byte

const (
	KeyNone   Key = 0
	KeyEnter  Key = '#'
	KeyCancel Key = '*'
)

// Digit reports whether k is 0-9.
func (k Key) Digit() bool {
	return k >= '0' && k <= '9'
}

func (k Key) String() string {
	switch {
	case k.Digit():
		return string(rune(k))
	case k == KeyEnter:
		return "enter"
	case k == KeyCancel:
		return "cancel"
	default:
		return "none"
	}
}

// ParseKey accepts a digit, "enter"/"#" or "cancel"/"*".
func ParseKey(s string) (Key, error) {
	switch strings.ToLower(s) {
	case "enter", "#":
		return KeyEnter, nil
	case "cancel", "*":
		return KeyCancel, nil
	}
	if len(s) == 1 && Key(s[0]).Digit() {
		return Key(s[0]), nil
	}
	return KeyNone, fmt.Errorf("unknown key %q", s)
}

// Passcodes checks and replaces the stored passcode.
type Passcodes interface {
	CheckPasscode(code string) (bool, error)
	SetPasscode(code string) error
}

// Door is the part of the lock the keypad needs.
type Door interface {
	Unlock(source, credential string) error
	Deny(source, credential string)
	Unlocked() bool
}

// Config holds keypad timing.
type Config struct {
	InputIdle time.Duration
	SetIdle   time.Duration
}

// DefaultConfig returns the stock timings.
func DefaultConfig() Config {
	return Config{InputIdle: DEFAULT_INPUT_IDLE, SetIdle: DEFAULT_SET_IDLE}
}

// Keypad holds the entry state. It is owned by Run; Press is the only
// method other goroutines call.
type Keypad struct {
	cfg       Config
	passcodes Passcodes
	door      Door
	onCancel  func() bool
	keys      chan Key
	now       func() time.Time
	logger    zerolog.Logger

	input       []byte
	enterCount  int
	setting     bool
	lastPressed time.Time
}

// NewKeypad creates a keypad. onCancel runs when CANCEL is pressed outside
// set mode; it may be nil.
func NewKeypad(cfg Config, passcodes Passcodes, door Door, onCancel func() bool, logger zerolog.Logger) *Keypad {
	if cfg.InputIdle <= 0 {
		cfg.InputIdle = DEFAULT_INPUT_IDLE
	}
	if cfg.SetIdle <= 0 {
		cfg.SetIdle = DEFAULT_SET_IDLE
	}
	return &Keypad{
		cfg:       cfg,
		passcodes: passcodes,
		door:      door,
		onCancel:  onCancel,
		keys:      make(chan Key, 8),
		now:       time.Now,
		logger:    logger.With().Str("component", "keypad").Logger(),
		input:     make([]byte, 0, MAX_INPUT),
	}
}

// Press queues a key. It never blocks; a key pressed while the queue is
// full is lost, as on a bouncing matrix.
func (k *Keypad) Press(key Key) bool {
	select {
	case k.keys <- key:
		return true
	default:
		return false
	}
}

// Run handles keys until ctx is done.
func (k *Keypad) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case key := <-k.keys:
			k.handle(key)
		}
	}
}

// Setting reports whether set-passcode mode is active. Only safe from the
// goroutine that owns the keypad.
func (k *Keypad) Setting() bool {
	return k.setting
}

func (k *Keypad) handle(key Key) {
	now := k.now()
	if !k.lastPressed.IsZero() {
		idle := now.Sub(k.lastPressed)
		switch {
		case !k.setting && idle > k.cfg.InputIdle:
			k.logger.Debug().Msg("input timeout, clearing")
			k.clear()
			k.enterCount = 0
		case k.setting && idle > k.cfg.SetIdle:
			k.logger.Info().Msg("set mode timeout")
			k.setting = false
			k.clear()
			k.enterCount = 0
		}
	}
	k.lastPressed = now

	switch {
	case key.Digit():
		if len(k.input) < MAX_INPUT {
			k.input = append(k.input, byte(key))
		}
	case key == KeyEnter:
		k.enter()
	case key == KeyCancel:
		if k.setting {
			k.logger.Info().Msg("set mode cancelled")
			k.setting = false
			k.clear()
			k.enterCount = 0
			return
		}
		k.clear()
		k.enterCount = 0
		if k.onCancel != nil && !k.onCancel() {
			k.logger.Warn().Msg("face verify not started")
		}
	}
}

func (k *Keypad) enter() {
	switch {
	case k.setting:
		if len(k.input) < MIN_PASSCODE {
			// Stay in set mode so the user can keep typing.
			k.logger.Warn().Int("length", len(k.input)).Msg("passcode must be 4-16 digits")
			k.enterCount = 0
			return
		}
		if err := k.passcodes.SetPasscode(string(k.input)); err != nil {
			k.logger.Error().Err(err).Msg("failed to save passcode")
		} else {
			k.logger.Info().Msg("passcode changed")
		}
		k.setting = false
		k.clear()
		k.enterCount = 0

	case len(k.input) == 0 && k.door.Unlocked():
		k.enterCount++
		if k.enterCount >= SET_MODE_PRESSES {
			k.logger.Info().Msg("entering set mode")
			k.setting = true
			k.enterCount = 0
		}

	default:
		if len(k.input) > 0 {
			k.check()
		}
		k.enterCount = 0
	}
}

func (k *Keypad) check() {
	code := string(k.input)
	k.clear()

	ok, err := k.passcodes.CheckPasscode(code)
	if err != nil {
		k.logger.Error().Err(err).Msg("passcode check failed")
		return
	}
	if !ok {
		k.logger.Warn().Msg("incorrect passcode")
		k.door.Deny(Source, "passcode")
		return
	}
	if err := k.door.Unlock(Source, "passcode"); err != nil {
		k.logger.Error().Err(err).Msg("unlock failed")
	}
}

func (k *Keypad) clear() {
	for i := range k.input {
		k.input[i] = 0
	}
	k.input = k.input[:0]
}
