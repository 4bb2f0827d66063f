// Package radiolink runs the BLE UART module: AT command sessions on top of
// a transparent data link that carries passcodes from a phone.
package radiolink

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/dbehnke/smartlock/internal/channel"
	"github.com/dbehnke/smartlock/internal/faults"
	"github.com/dbehnke/smartlock/internal/protocol"
)

const Source = "radio"

// Session is the radio link state.
type Session int

const (
	Transparent Session = iota
	CommandSession
)

func (s Session) String() string {
	if s == CommandSession {
		return "command"
	}
	return "transparent"
}

// PasscodeChecker validates a passcode received over the air.
type PasscodeChecker interface {
	CheckPasscode(code string) (bool, error)
}

// Door receives the outcome of every over-the-air passcode.
type Door interface {
	Unlock(source, credential string) error
	Deny(source, credential string)
}

// Config holds radio module settings
type Config struct {
	CommandTimeout time.Duration
	Name           string // advertised name, empty keeps the module's
	Advertise      bool
}

// DefaultConfig returns the settings used on the lock.
func DefaultConfig() Config {
	return Config{
		CommandTimeout: protocol.BLE_AT_TIMEOUT_MS * time.Millisecond,
		Advertise:      true,
	}
}

// Radio owns the BLE channel. The channel sits in StreamingMode while the
// link is transparent; each AT command is a request that returns it there.
type Radio struct {
	cfg      Config
	ch       *channel.Channel
	checker PasscodeChecker
	door    Door
	logger  zerolog.Logger

	connected atomic.Bool

	mu   sync.RWMutex
	name string
	mac  string
}

// NewRadio creates the radio link workflow. ch must have been built with
// RadioResponse as validator and Raw as stream validator.
func NewRadio(cfg Config, ch *channel.Channel, checker PasscodeChecker, door Door, logger zerolog.Logger) *Radio {
	return &Radio{
		cfg:     cfg,
		ch:      ch,
		checker: checker,
		door:    door,
		logger:  logger.With().Str("component", Source).Logger(),
	}
}

// ChannelConfig returns the channel settings the radio link expects.
func ChannelConfig(name string) channel.Config {
	return channel.Config{
		Name:            name,
		Validator:       protocol.RadioResponse,
		StreamValidator: protocol.Raw{},
		Timeout:         protocol.BLE_AT_TIMEOUT_MS * time.Millisecond,
		Mode:            channel.StreamingMode,
	}
}

// Session reports whether an AT command is in flight.
func (r *Radio) Session() Session {
	if r.ch.Mode() == channel.AwaitingResponse {
		return CommandSession
	}
	return Transparent
}

// Command sends one AT command and returns the module's reply. Leaving the
// command session, on reply or timeout, puts the link back in transparent
// mode with no bytes of the session left behind.
func (r *Radio) Command(ctx context.Context, cmd string) (string, error) {
	return r.command(ctx, cmd, r.ch.Do)
}

func (r *Radio) command(ctx context.Context, cmd string, do func(context.Context, channel.Request) ([]byte, error)) (string, error) {
	reply, err := do(ctx, channel.Request{
		Command: []byte(cmd + "\r\n"),
		Timeout: r.cfg.CommandTimeout,
		After:   channel.StreamingMode,
	})
	if err != nil {
		return "", fmt.Errorf("radio command %s: %w", cmd, err)
	}
	if bytes.HasSuffix(reply, protocol.BLE_RESPONSE_ERROR) {
		return string(reply), fmt.Errorf("%w: radio command %s rejected", faults.ErrLink, cmd)
	}
	r.logger.Debug().Str("cmd", cmd).Str("reply", strings.TrimSpace(string(reply))).Msg("command done")
	return string(reply), nil
}

// TryCommand is Command without waiting for the link: it fails at once
// with ErrLinkBusy while another command session is open.
func (r *Radio) TryCommand(ctx context.Context, cmd string) (string, error) {
	return r.command(ctx, cmd, r.ch.TryDo)
}

// GetName reads the advertised name.
func (r *Radio) GetName(ctx context.Context) (string, error) {
	reply, err := r.Command(ctx, "AT+NAME?")
	if err != nil {
		return "", err
	}
	name, ok := field(reply, "+NAME:")
	if !ok {
		return "", fmt.Errorf("radio name reply without +NAME: %q", reply)
	}
	r.mu.Lock()
	r.name = name
	r.mu.Unlock()
	return name, nil
}

// SetName changes the advertised name.
func (r *Radio) SetName(ctx context.Context, name string) error {
	_, err := r.Command(ctx, "AT+NAME="+name)
	return err
}

// GetMAC reads the module address.
func (r *Radio) GetMAC(ctx context.Context) (string, error) {
	reply, err := r.Command(ctx, "AT+MAC?")
	if err != nil {
		return "", err
	}
	mac, ok := field(reply, "+MAC:")
	if !ok {
		return "", fmt.Errorf("radio mac reply without +MAC: %q", reply)
	}
	r.mu.Lock()
	r.mac = mac
	r.mu.Unlock()
	return mac, nil
}

// SetAdvertising turns advertising on or off.
func (r *Radio) SetAdvertising(ctx context.Context, on bool) error {
	state := 0
	if on {
		state = 1
	}
	_, err := r.Command(ctx, fmt.Sprintf("AT+ADV=%d", state))
	return err
}

// SetAdvertisingInterval sets the advertising interval in module units.
func (r *Radio) SetAdvertisingInterval(ctx context.Context, interval int) error {
	_, err := r.Command(ctx, fmt.Sprintf("AT+AINTVL=%d", interval))
	return err
}

// SetTxPower sets the transmit power level.
func (r *Radio) SetTxPower(ctx context.Context, level int) error {
	_, err := r.Command(ctx, fmt.Sprintf("AT+TXPOWER=%d", level))
	return err
}

// Disconnect drops the connection with the given handle.
func (r *Radio) Disconnect(ctx context.Context, handle int) error {
	_, err := r.Command(ctx, fmt.Sprintf("AT+DISCONN=%d", handle))
	return err
}

// Reboot restarts the module.
func (r *Radio) Reboot(ctx context.Context) error {
	_, err := r.Command(ctx, "AT+REBOOT=1")
	return err
}

// FactoryReset restores module defaults.
func (r *Radio) FactoryReset(ctx context.Context) error {
	_, err := r.Command(ctx, "AT+RESET=1")
	return err
}

// Version returns the firmware version line.
func (r *Radio) Version(ctx context.Context) (string, error) {
	reply, err := r.Command(ctx, "AT+VER?")
	if err != nil {
		return "", err
	}
	return firstLine(reply), nil
}

// Baud returns the module's UART setting line.
func (r *Radio) Baud(ctx context.Context) (string, error) {
	reply, err := r.Command(ctx, "AT+UART?")
	if err != nil {
		return "", err
	}
	return firstLine(reply), nil
}

// Devices returns the connected device line.
func (r *Radio) Devices(ctx context.Context) (string, error) {
	reply, err := r.Command(ctx, "AT+DEV?")
	if err != nil {
		return "", err
	}
	return firstLine(reply), nil
}

// OnLinkChange records the module's link status pin.
func (r *Radio) OnLinkChange(connected bool) {
	if r.connected.Swap(connected) == connected {
		return
	}
	if connected {
		r.logger.Info().Msg("radio connected")
	} else {
		r.logger.Info().Msg("radio disconnected")
	}
}

// Connected reports the last link status.
func (r *Radio) Connected() bool {
	return r.connected.Load()
}

// Info summarises the radio for status reporting.
type Info struct {
	Session   string `json:"session"`
	Connected bool   `json:"connected"`
	Name      string `json:"name,omitempty"`
	MAC       string `json:"mac,omitempty"`
}

// GetInfo returns a snapshot of the link.
func (r *Radio) GetInfo() Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Info{Session: r.Session().String(), Connected: r.Connected(), Name: r.name, MAC: r.mac}
}

// Refresh re-reads the name and address for a status caller that must not
// queue behind a command session. A busy link returns ErrLinkBusy.
func (r *Radio) Refresh(ctx context.Context) (Info, error) {
	reply, err := r.TryCommand(ctx, "AT+NAME?")
	if err != nil {
		return r.GetInfo(), err
	}
	if name, ok := field(reply, "+NAME:"); ok {
		r.mu.Lock()
		r.name = name
		r.mu.Unlock()
	}
	reply, err = r.TryCommand(ctx, "AT+MAC?")
	if err != nil {
		return r.GetInfo(), err
	}
	if mac, ok := field(reply, "+MAC:"); ok {
		r.mu.Lock()
		r.mac = mac
		r.mu.Unlock()
	}
	return r.GetInfo(), nil
}

// Run configures the module, then handles transparent payloads until ctx
// is done. Configuration failures are logged; the link still serves data.
func (r *Radio) Run(ctx context.Context) error {
	r.setup(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f := <-r.ch.Frames():
			r.handlePayload(f.Data)
		}
	}
}

func (r *Radio) setup(ctx context.Context) {
	if err := r.Reboot(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("radio reboot failed")
	}
	if r.cfg.Name != "" {
		if err := r.SetName(ctx, r.cfg.Name); err != nil {
			r.logger.Warn().Err(err).Msg("failed to set radio name")
		}
	}
	if _, err := r.GetName(ctx); err != nil {
		r.logger.Debug().Err(err).Msg("radio name unavailable")
	}
	if _, err := r.GetMAC(ctx); err != nil {
		r.logger.Debug().Err(err).Msg("radio mac unavailable")
	}
	if err := r.SetAdvertising(ctx, r.cfg.Advertise); err != nil {
		r.logger.Warn().Err(err).Msg("failed to set advertising")
	}
}

// handlePayload treats a silence-delimited payload as a passcode.
func (r *Radio) handlePayload(data []byte) {
	code, ok := ExtractPasscode(data)
	if !ok {
		r.logger.Debug().Int("bytes", len(data)).Msg("ignoring payload")
		return
	}
	if r.checker == nil {
		return
	}

	valid, err := r.checker.CheckPasscode(code)
	if err != nil {
		r.logger.Error().Err(err).Msg("passcode check failed")
		return
	}
	if r.door == nil {
		return
	}
	if !valid {
		r.logger.Warn().Msg("incorrect passcode")
		r.door.Deny(Source, "passcode")
		return
	}
	r.logger.Info().Msg("passcode accepted")
	if err := r.door.Unlock(Source, "passcode"); err != nil {
		r.logger.Error().Err(err).Msg("unlock failed")
	}
}

// ExtractPasscode keeps the digits of a payload of at most BLE_MAX_PASSCODE
// bytes. Longer payloads and payloads without digits are not passcodes.
func ExtractPasscode(data []byte) (string, bool) {
	if len(data) == 0 || len(data) > protocol.BLE_MAX_PASSCODE {
		return "", false
	}
	var sb strings.Builder
	for _, b := range data {
		if b >= '0' && b <= '9' {
			sb.WriteByte(b)
		}
	}
	if sb.Len() == 0 {
		return "", false
	}
	return sb.String(), true
}

func field(reply, prefix string) (string, bool) {
	i := strings.Index(reply, prefix)
	if i < 0 {
		return "", false
	}
	return firstLine(reply[i+len(prefix):]), true
}

func firstLine(s string) string {
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		return s[:i]
	}
	return s
}
