// Package workflow holds the table-driven state machine shared by the
// biometric peripherals.
package workflow

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dbehnke/smartlock/internal/metrics"
)

// State represents biometric workflow state
type State int

const (
	StateIdle State = iota
	StateEnrolling
	StateIdentifying
	StateSuccess
	StateFail
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateEnrolling:
		return "enrolling"
	case StateIdentifying:
		return "identifying"
	case StateSuccess:
		return "success"
	case StateFail:
		return "fail"
	default:
		return "unknown"
	}
}

// Terminal reports whether s ends an operation.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateFail
}

// Operation is what a workflow run was started for.
type Operation int

const (
	OpEnroll Operation = iota
	OpIdentify
)

func (o Operation) String() string {
	if o == OpEnroll {
		return "enroll"
	}
	return "identify"
}

func (o Operation) active() State {
	if o == OpEnroll {
		return StateEnrolling
	}
	return StateIdentifying
}

// Verdict classifies a confirmation code.
type Verdict int

const (
	Reject   Verdict = iota // operation failed
	Advance                 // step completed, consult the step table
	Continue                // device asks to retry the current step
)

// Step is one entry of a progress table.
type Step struct {
	Name     string
	Terminal bool
	Unlock   bool // success at this step opens the door (identify only)
}

// Table describes one peripheral's protocol. Codes missing from Confirm
// are treated as Reject; steps missing from Steps are logged and ignored.
type Table struct {
	Peripheral       string
	Confirm          map[byte]Verdict
	Steps            map[Operation]map[byte]Step
	MaxContinuations int // zero means unlimited
}

// Event is one decoded progress report.
type Event struct {
	Confirm    byte
	Step       byte
	Credential string // identity reported with a successful identify
}

// Unlocker opens the door for an authenticated credential.
type Unlocker interface {
	Unlock(source, credential string) error
}

// Machine tracks one peripheral's enroll/identify progress.
type Machine struct {
	table    Table
	unlocker Unlocker
	logger   zerolog.Logger

	mu            sync.RWMutex
	state         State
	op            Operation
	continuations int
	step          string
	started       time.Time
	reason        string
}

// NewMachine creates an idle machine.
func NewMachine(table Table, unlocker Unlocker, logger zerolog.Logger) *Machine {
	return &Machine{
		table:    table,
		unlocker: unlocker,
		logger:   logger.With().Str("component", "workflow").Str("peripheral", table.Peripheral).Logger(),
		state:    StateIdle,
	}
}

// Begin starts op. Only an idle machine accepts a new operation.
func (m *Machine) Begin(op Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateIdle {
		return fmt.Errorf("%s workflow is %s, cannot start %s", m.table.Peripheral, m.state, op)
	}
	m.op = op
	m.state = op.active()
	m.continuations = 0
	m.step = ""
	m.reason = ""
	m.started = time.Now()

	m.logger.Info().Str("operation", op.String()).Msg("workflow started")
	return nil
}

// Apply feeds one event and returns the resulting state. Events outside an
// active operation are ignored, so a terminal state is reached only once.
func (m *Machine) Apply(ev Event) State {
	m.mu.Lock()

	unlock := false
	if m.state != StateEnrolling && m.state != StateIdentifying {
		state := m.state
		m.mu.Unlock()
		m.logger.Debug().Uint8("confirm", ev.Confirm).Str("state", state.String()).Msg("event outside active operation ignored")
		return state
	}

	switch m.table.Confirm[ev.Confirm] {
	case Continue:
		m.continuations++
		if m.table.MaxContinuations > 0 && m.continuations > m.table.MaxContinuations {
			m.finish(StateFail, fmt.Sprintf("gave up after %d retries", m.continuations-1))
		}

	case Advance:
		step, ok := m.table.Steps[m.op][ev.Step]
		if !ok {
			m.logger.Debug().Uint8("step", ev.Step).Msg("unknown progress step")
			break
		}
		m.step = step.Name
		m.logger.Debug().Str("step", step.Name).Msg("progress")
		if step.Terminal {
			m.finish(StateSuccess, "")
			unlock = step.Unlock && m.op == OpIdentify
		}

	default:
		m.finish(StateFail, fmt.Sprintf("confirmation code 0x%02X", ev.Confirm))
	}

	state := m.state
	m.mu.Unlock()

	if unlock && m.unlocker != nil {
		if err := m.unlocker.Unlock(m.table.Peripheral, ev.Credential); err != nil {
			m.logger.Error().Err(err).Msg("unlock failed")
		}
	}
	return state
}

// Fail ends the active operation, e.g. on timeout. It is a no-op otherwise.
func (m *Machine) Fail(reason string) State {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateEnrolling || m.state == StateIdentifying {
		m.finish(StateFail, reason)
	}
	return m.state
}

// Rest returns a terminal machine to idle.
func (m *Machine) Rest() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Terminal() {
		m.state = StateIdle
	}
}

// finish must be called with mu held.
func (m *Machine) finish(state State, reason string) {
	m.state = state
	m.reason = reason
	metrics.RecordWorkflowOutcome(m.table.Peripheral, m.op.String(), state.String())

	ev := m.logger.Info()
	if state == StateFail {
		ev = m.logger.Warn().Str("reason", reason)
	}
	ev.Str("operation", m.op.String()).Dur("elapsed", time.Since(m.started)).Msgf("workflow %s", state)
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Status summarises the machine for status reporting.
type Status struct {
	Peripheral string `json:"peripheral"`
	State      string `json:"state"`
	Operation  string `json:"operation,omitempty"`
	Step       string `json:"step,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// GetStatus returns a snapshot of the machine.
func (m *Machine) GetStatus() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Status{Peripheral: m.table.Peripheral, State: m.state.String(), Step: m.step, Reason: m.reason}
	if m.state != StateIdle {
		s.Operation = m.op.String()
	}
	return s
}
