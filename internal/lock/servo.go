package lock

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LogServo stands in for the PWM pin on hosts without one. It keeps the
// last pulse and logs every change.
type LogServo struct {
	logger zerolog.Logger

	mu     sync.Mutex
	pulses []time.Duration
}

// NewLogServo creates a servo that only logs.
func NewLogServo(logger zerolog.Logger) *LogServo {
	return &LogServo{logger: logger.With().Str("component", "servo").Logger()}
}

func (s *LogServo) SetPulse(width time.Duration) error {
	s.mu.Lock()
	s.pulses = append(s.pulses, width)
	s.mu.Unlock()
	s.logger.Debug().Dur("pulse", width).Msg("servo pulse")
	return nil
}

// Pulses returns every pulse written so far.
func (s *LogServo) Pulses() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.pulses...)
}

// Last returns the most recent pulse, or zero.
func (s *LogServo) Last() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pulses) == 0 {
		return 0
	}
	return s.pulses[len(s.pulses)-1]
}
