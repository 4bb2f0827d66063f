package workflow

import (
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

type recordingUnlocker struct {
	mu    sync.Mutex
	calls []string
}

func (u *recordingUnlocker) Unlock(source, credential string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls = append(u.calls, source+":"+credential)
	return nil
}

func (u *recordingUnlocker) count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.calls)
}

var testTable = Table{
	Peripheral: "sensor",
	Confirm: map[byte]Verdict{
		0x00: Advance,
		0x22: Continue,
	},
	Steps: map[Operation]map[byte]Step{
		OpEnroll: {
			0x01: {Name: "capture"},
			0x06: {Name: "store", Terminal: true, Unlock: true},
		},
		OpIdentify: {
			0x01: {Name: "capture"},
			0x05: {Name: "compare", Terminal: true, Unlock: true},
		},
	},
	MaxContinuations: 2,
}

func TestMachineTransitions(t *testing.T) {
	tests := []struct {
		name       string
		op         Operation
		events     []Event
		want       State
		wantUnlock int
	}{
		{
			name:       "identify success unlocks once",
			op:         OpIdentify,
			events:     []Event{{Confirm: 0x00, Step: 0x01}, {Confirm: 0x00, Step: 0x05, Credential: "3"}},
			want:       StateSuccess,
			wantUnlock: 1,
		},
		{
			name:   "enroll success does not unlock",
			op:     OpEnroll,
			events: []Event{{Confirm: 0x00, Step: 0x01}, {Confirm: 0x00, Step: 0x06}},
			want:   StateSuccess,
		},
		{
			name:   "reject code fails",
			op:     OpIdentify,
			events: []Event{{Confirm: 0x00, Step: 0x01}, {Confirm: 0x09}},
			want:   StateFail,
		},
		{
			name:   "continuations within limit keep going",
			op:     OpEnroll,
			events: []Event{{Confirm: 0x22}, {Confirm: 0x22}},
			want:   StateEnrolling,
		},
		{
			name:   "too many continuations fail",
			op:     OpEnroll,
			events: []Event{{Confirm: 0x22}, {Confirm: 0x22}, {Confirm: 0x22}},
			want:   StateFail,
		},
		{
			name:   "unknown step is ignored",
			op:     OpIdentify,
			events: []Event{{Confirm: 0x00, Step: 0x7F}},
			want:   StateIdentifying,
		},
		{
			name:       "events after terminal state are ignored",
			op:         OpIdentify,
			events:     []Event{{Confirm: 0x00, Step: 0x05}, {Confirm: 0x00, Step: 0x05}, {Confirm: 0x09}},
			want:       StateSuccess,
			wantUnlock: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := &recordingUnlocker{}
			m := NewMachine(testTable, u, zerolog.Nop())

			if err := m.Begin(tt.op); err != nil {
				t.Fatalf("Begin() error = %v", err)
			}
			var got State
			for _, ev := range tt.events {
				got = m.Apply(ev)
			}

			if got != tt.want {
				t.Errorf("State = %v, want %v", got, tt.want)
			}
			if u.count() != tt.wantUnlock {
				t.Errorf("Unlock calls = %d, want %d", u.count(), tt.wantUnlock)
			}
		})
	}
}

func TestMachineBeginRequiresIdle(t *testing.T) {
	m := NewMachine(testTable, nil, zerolog.Nop())

	if err := m.Begin(OpEnroll); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if err := m.Begin(OpIdentify); err == nil {
		t.Errorf("Begin() while enrolling error = nil, want error")
	}

	m.Fail("timeout")
	if err := m.Begin(OpIdentify); err == nil {
		t.Errorf("Begin() before rest error = nil, want error")
	}

	m.Rest()
	if m.State() != StateIdle {
		t.Fatalf("State() after Rest = %v, want %v", m.State(), StateIdle)
	}
	if err := m.Begin(OpIdentify); err != nil {
		t.Errorf("Begin() after Rest error = %v", err)
	}
}

func TestMachineFailOnlyWhenActive(t *testing.T) {
	m := NewMachine(testTable, nil, zerolog.Nop())

	if got := m.Fail("timeout"); got != StateIdle {
		t.Errorf("Fail() on idle machine = %v, want %v", got, StateIdle)
	}

	m.Begin(OpIdentify)
	if got := m.Fail("timeout"); got != StateFail {
		t.Errorf("Fail() = %v, want %v", got, StateFail)
	}
	if s := m.GetStatus(); s.Reason != "timeout" || s.Operation != "identify" {
		t.Errorf("GetStatus() = %+v, want reason timeout and operation identify", s)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateIdle, "idle"},
		{StateEnrolling, "enrolling"},
		{StateIdentifying, "identifying"},
		{StateSuccess, "success"},
		{StateFail, "fail"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
