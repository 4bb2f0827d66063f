// Package fingerprint drives enroll and identify runs on a ZW101-class
// fingerprint sensor.
package fingerprint

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/dbehnke/smartlock/internal/channel"
	"github.com/dbehnke/smartlock/internal/protocol/zw101"
	"github.com/dbehnke/smartlock/internal/workflow"
)

const Peripheral = "fingerprint"

// Config holds sensor workflow timing
type Config struct {
	RequestTimeout time.Duration // first acknowledgement of a command
	StepTimeout    time.Duration // silence between progress acks
	OverallTimeout time.Duration
	RestDelay      time.Duration // pause in Success/Fail before returning to idle
	Captures       byte
	ScoreLevel     byte
}

// DefaultConfig returns the timings used on the lock.
func DefaultConfig() Config {
	return Config{
		RequestTimeout: 500 * time.Millisecond,
		StepTimeout:    5 * time.Second,
		OverallTimeout: 15 * time.Second,
		RestDelay:      2 * time.Second,
		Captures:       zw101.DEFAULT_ENROLL_CAPTURES,
		ScoreLevel:     zw101.DEFAULT_SCORE_LEVEL,
	}
}

// TemplateStore persists enrolled template ids.
type TemplateStore interface {
	RecordTemplate(id uint16) error
}

// Result reports how a run ended.
type Result struct {
	Operation  workflow.Operation
	State      workflow.State
	TemplateID uint16
}

// Table maps ZW101 acknowledgements onto workflow transitions.
func Table() workflow.Table {
	return workflow.Table{
		Peripheral: Peripheral,
		Confirm: map[byte]workflow.Verdict{
			zw101.ACK_SUCCESS:           workflow.Advance,
			zw101.ACK_NO_FINGER:         workflow.Continue,
			zw101.ACK_ENROLL_CONTINUE:   workflow.Continue,
			zw101.ACK_IDENTIFY_CONTINUE: workflow.Continue,
		},
		Steps: map[workflow.Operation]map[byte]workflow.Step{
			workflow.OpEnroll: {
				zw101.ENROLL_STEP_CHECK:          {Name: "check"},
				zw101.ENROLL_STEP_GET_IMAGE:      {Name: "get image"},
				zw101.ENROLL_STEP_GEN_FEATURE:    {Name: "generate feature"},
				zw101.ENROLL_STEP_JUDGE_FINGER:   {Name: "judge finger"},
				zw101.ENROLL_STEP_MERGE_TEMPLATE: {Name: "merge template"},
				zw101.ENROLL_STEP_REGISTER_CHECK: {Name: "register check"},
				zw101.ENROLL_STEP_STORE_TEMPLATE: {Name: "store template", Terminal: true},
			},
			workflow.OpIdentify: {
				zw101.IDENTIFY_STEP_CHECK:     {Name: "check"},
				zw101.IDENTIFY_STEP_GET_IMAGE: {Name: "get image"},
				zw101.IDENTIFY_STEP_COMPARE:   {Name: "compare", Terminal: true, Unlock: true},
			},
		},
		MaxContinuations: 10,
	}
}

// Sensor owns the fingerprint channel and its workflow.
type Sensor struct {
	cfg     Config
	ch      *channel.Channel
	machine *workflow.Machine
	store   TemplateStore
	logger  zerolog.Logger

	fingers     chan struct{}
	results     chan Result
	enrollArmed atomic.Bool

	mu        sync.RWMutex
	templates uint16
}

// NewSensor creates a sensor workflow. store may be nil.
func NewSensor(cfg Config, ch *channel.Channel, unlocker workflow.Unlocker, store TemplateStore, logger zerolog.Logger) *Sensor {
	return &Sensor{
		cfg:     cfg,
		ch:      ch,
		machine: workflow.NewMachine(Table(), unlocker, logger),
		store:   store,
		logger:  logger.With().Str("component", Peripheral).Logger(),
		fingers: make(chan struct{}, 1),
		results: make(chan Result, 4),
	}
}

// OnFingerPresent is called from the touch interrupt. It never blocks; a
// touch while one is already pending is folded into it.
func (s *Sensor) OnFingerPresent() {
	select {
	case s.fingers <- struct{}{}:
	default:
	}
}

// ArmEnroll makes the next touch start an enroll run.
func (s *Sensor) ArmEnroll() {
	s.enrollArmed.Store(true)
	s.logger.Info().Msg("enroll armed for next touch")
}

// Results delivers the outcome of each run. Outcomes nobody reads are dropped.
func (s *Sensor) Results() <-chan Result {
	return s.results
}

// TemplateCount returns the number of templates the sensor holds.
func (s *Sensor) TemplateCount() uint16 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.templates
}

// Status returns the workflow status.
func (s *Sensor) Status() workflow.Status {
	return s.machine.GetStatus()
}

// Run queries the template count, then serves touches until ctx is done.
func (s *Sensor) Run(ctx context.Context) error {
	if err := s.refreshTemplateCount(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("template count unavailable, first touch will enroll")
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.fingers:
			s.serve(ctx)
		}
	}
}

func (s *Sensor) refreshTemplateCount(ctx context.Context) error {
	frame, err := s.ch.Do(ctx, channel.Request{
		Command: zw101.GetValidTemplateNum(),
		Timeout: s.cfg.RequestTimeout,
		Match:   zw101.IsAck,
	})
	if err != nil {
		return fmt.Errorf("failed to query template count: %w", err)
	}
	ack, err := zw101.Parse(frame)
	if err != nil {
		return fmt.Errorf("failed to parse template count: %w", err)
	}
	if ack.Confirm != zw101.ACK_SUCCESS {
		return fmt.Errorf("template count rejected: %s", zw101.ConfirmName(ack.Confirm))
	}
	n, err := ack.TemplateCount()
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.templates = n
	s.mu.Unlock()
	s.logger.Info().Uint16("templates", n).Msg("sensor ready")
	return nil
}

// serve runs one enroll or identify operation to completion, then rests.
func (s *Sensor) serve(ctx context.Context) {
	count := s.TemplateCount()
	op := workflow.OpIdentify
	if count == 0 || s.enrollArmed.Swap(false) {
		op = workflow.OpEnroll
	}
	if err := s.machine.Begin(op); err != nil {
		s.logger.Warn().Err(err).Msg("touch ignored")
		return
	}

	id := count + 1
	cmd := zw101.AutoIdentify(s.cfg.ScoreLevel, zw101.IDENTIFY_ALL_TEMPLATES, 0)
	if op == workflow.OpEnroll {
		cmd = zw101.AutoEnroll(id, s.cfg.Captures, 0)
	}

	state := s.drive(ctx, cmd)

	if err := s.ch.SetMode(channel.Idle); err != nil {
		s.logger.Warn().Err(err).Msg("failed to leave streaming mode")
	}
	s.drainFrames()

	res := Result{Operation: op, State: state}
	if state == workflow.StateSuccess && op == workflow.OpEnroll {
		s.mu.Lock()
		s.templates = id
		s.mu.Unlock()
		res.TemplateID = id
		if s.store != nil {
			if err := s.store.RecordTemplate(id); err != nil {
				s.logger.Error().Err(err).Uint16("id", id).Msg("failed to record template")
			}
		}
	}
	select {
	case s.results <- res:
	default:
	}

	s.rest(ctx)
}

// drive issues cmd and follows the progress acks until a terminal state.
func (s *Sensor) drive(ctx context.Context, cmd []byte) workflow.State {
	frame, err := s.ch.Do(ctx, channel.Request{
		Command: cmd,
		Timeout: s.cfg.RequestTimeout,
		Match:   zw101.IsAck,
		After:   channel.StreamingMode,
	})
	if err != nil {
		return s.machine.Fail(err.Error())
	}

	state := s.apply(frame)

	overall := time.NewTimer(s.cfg.OverallTimeout)
	defer overall.Stop()
	step := time.NewTimer(s.cfg.StepTimeout)
	defer step.Stop()

	for !state.Terminal() {
		select {
		case <-ctx.Done():
			return s.machine.Fail("shutdown")
		case f := <-s.ch.Frames():
			state = s.apply(f.Data)
			step.Reset(s.cfg.StepTimeout)
		case <-step.C:
			return s.machine.Fail("step timeout")
		case <-overall.C:
			return s.machine.Fail("operation timeout")
		}
	}
	return state
}

func (s *Sensor) apply(frame []byte) workflow.State {
	ack, err := zw101.Parse(frame)
	if err != nil {
		s.logger.Debug().Err(err).Msg("ignoring frame")
		return s.machine.State()
	}

	ev := workflow.Event{Confirm: ack.Confirm, Step: ack.Step()}
	if ack.Step() == zw101.IDENTIFY_STEP_COMPARE {
		if id, score, err := ack.Match(); err == nil {
			ev.Credential = strconv.Itoa(int(id))
			s.logger.Debug().Uint16("id", id).Uint16("score", score).Msg("match")
		}
	}
	return s.machine.Apply(ev)
}

func (s *Sensor) drainFrames() {
	for {
		select {
		case <-s.ch.Frames():
		default:
			return
		}
	}
}

// rest holds the terminal state for RestDelay. Touches that arrive
// meanwhile belong to the finished run and are discarded.
func (s *Sensor) rest(ctx context.Context) {
	timer := time.NewTimer(s.cfg.RestDelay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}
	select {
	case <-s.fingers:
	default:
	}
	s.machine.Rest()
}
