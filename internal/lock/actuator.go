// Package lock drives the bolt servo from a single command queue.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dbehnke/smartlock/internal/faults"
	"github.com/dbehnke/smartlock/internal/metrics"
)

const (
	OPEN_ANGLE   = 180
	CLOSED_ANGLE = 0
	MAX_ANGLE    = 180

	DEFAULT_AUTO_CLOSE = 3 * time.Second
	DEFAULT_QUEUE_SIZE = 5
)

// Access outcomes written to the access log.
const (
	OutcomeGranted = "granted"
	OutcomeDenied  = "denied"
)

// Servo positions the bolt. The pulse is the high time of a 20 ms frame.
type Servo interface {
	SetPulse(width time.Duration) error
}

// AccessLog persists every granted or denied attempt.
type AccessLog interface {
	RecordAccess(source, credential, outcome string) error
}

// PulseWidth maps an angle to the servo pulse: 0.5 ms at 0 degrees up to
// 2.5 ms at 180.
func PulseWidth(angle int) time.Duration {
	if angle < 0 {
		angle = 0
	}
	if angle > MAX_ANGLE {
		angle = MAX_ANGLE
	}
	return time.Duration(500+angle*2000/MAX_ANGLE) * time.Microsecond
}

type commandKind int

const (
	cmdOpen commandKind = iota
	cmdClose
	cmdDeny
)

func (k commandKind) String() string {
	switch k {
	case cmdOpen:
		return "open"
	case cmdClose:
		return "close"
	case cmdDeny:
		return "deny"
	default:
		return "unknown"
	}
}

type command struct {
	kind       commandKind
	source     string
	credential string
}

// Config holds actuator settings.
type Config struct {
	AutoClose time.Duration
	QueueSize int
}

// Status is the actuator state reported to the API.
type Status struct {
	Unlocked   bool      `json:"unlocked"`
	Angle      int       `json:"angle"`
	LastSource string    `json:"last_source,omitempty"`
	LastOpen   time.Time `json:"last_open,omitempty"`
}

// Actuator owns the servo. Every request goes through its queue so the
// servo is only ever driven from Run.
type Actuator struct {
	servo     Servo
	accessLog AccessLog
	autoClose time.Duration
	commands  chan command
	logger    zerolog.Logger

	mu     sync.RWMutex
	status Status
}

// NewActuator creates an actuator. accessLog may be nil.
func NewActuator(cfg Config, servo Servo, accessLog AccessLog, logger zerolog.Logger) *Actuator {
	if cfg.AutoClose <= 0 {
		cfg.AutoClose = DEFAULT_AUTO_CLOSE
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DEFAULT_QUEUE_SIZE
	}
	return &Actuator{
		servo:     servo,
		accessLog: accessLog,
		autoClose: cfg.AutoClose,
		commands:  make(chan command, cfg.QueueSize),
		logger:    logger.With().Str("component", "lock").Logger(),
	}
}

func (a *Actuator) submit(cmd command) error {
	select {
	case a.commands <- cmd:
		return nil
	default:
		a.logger.Warn().Str("command", cmd.kind.String()).Str("source", cmd.source).Msg("lock queue full, dropping command")
		return fmt.Errorf("%w: lock %s", faults.ErrQueueFull, cmd.kind)
	}
}

// Unlock queues an open on behalf of source. It never blocks.
func (a *Actuator) Unlock(source, credential string) error {
	if err := a.submit(command{kind: cmdOpen, source: source, credential: credential}); err != nil {
		return err
	}
	metrics.RecordUnlock(source)
	return nil
}

// Lock queues a close.
func (a *Actuator) Lock() error {
	return a.submit(command{kind: cmdClose, source: "manual"})
}

// Deny records a rejected attempt from source.
func (a *Actuator) Deny(source, credential string) {
	metrics.RecordAccessDenied(source)
	_ = a.submit(command{kind: cmdDeny, source: source, credential: credential})
}

// Unlocked reports whether the bolt is open.
func (a *Actuator) Unlocked() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status.Unlocked
}

// GetStatus returns a copy of the actuator state.
func (a *Actuator) GetStatus() Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

// Run drives the servo until ctx is done. The bolt is closed on entry.
func (a *Actuator) Run(ctx context.Context) error {
	a.setAngle(CLOSED_ANGLE, false)

	autoClose := time.NewTimer(a.autoClose)
	autoClose.Stop()
	defer autoClose.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case cmd := <-a.commands:
			switch cmd.kind {
			case cmdOpen:
				a.setAngle(OPEN_ANGLE, true)
				a.mu.Lock()
				a.status.LastSource = cmd.source
				a.status.LastOpen = time.Now()
				a.mu.Unlock()
				autoClose.Reset(a.autoClose)
				a.logger.Info().Str("source", cmd.source).Str("credential", cmd.credential).Msg("door unlocked")
				a.record(cmd, OutcomeGranted)
			case cmdClose:
				autoClose.Stop()
				a.setAngle(CLOSED_ANGLE, false)
				a.logger.Info().Msg("door locked")
			case cmdDeny:
				a.logger.Info().Str("source", cmd.source).Str("credential", cmd.credential).Msg("access denied")
				a.record(cmd, OutcomeDenied)
			}

		case <-autoClose.C:
			a.setAngle(CLOSED_ANGLE, false)
			a.logger.Info().Msg("auto-close")
		}
	}
}

func (a *Actuator) setAngle(angle int, unlocked bool) {
	if err := a.servo.SetPulse(PulseWidth(angle)); err != nil {
		a.logger.Error().Err(err).Int("angle", angle).Msg("failed to drive servo")
	}
	a.mu.Lock()
	a.status.Angle = angle
	a.status.Unlocked = unlocked
	a.mu.Unlock()
}

func (a *Actuator) record(cmd command, outcome string) {
	if a.accessLog == nil {
		return
	}
	if err := a.accessLog.RecordAccess(cmd.source, cmd.credential, outcome); err != nil {
		a.logger.Error().Err(err).Str("source", cmd.source).Msg("failed to record access event")
	}
}
