// Package reassembly turns a byte-at-a-time receive interrupt into
// candidate frames delimited by line silence.
package reassembly

import (
	"sync/atomic"
	"time"
)

// Defaults taken from the fingerprint sensor link.
const (
	DefaultCapacity   = 128
	DefaultInactivity = 10 * time.Millisecond
	DefaultInboxSize  = 20
)

// Candidate announces that the line went quiet with Length bytes buffered.
type Candidate struct {
	Length     int
	Overflowed bool
}

// Config describes one reassembler instance.
type Config struct {
	Name       string
	Capacity   int
	Inactivity time.Duration // zero disables the internal timer
	InboxSize  int
	Rearm      func() // issues the next single-byte receive, may be nil
}

// Reassembler accumulates bytes pushed from interrupt context.
//
// OnByteReceived and OnInactivityTimeout are the interrupt/timer entry points;
// they never block and never take a lock. Everything else is for the owning
// task, which is the only reader of the buffer.
type Reassembler struct {
	name  string
	ring  *Ring
	timer *InactivityTimer
	inbox chan Candidate
	rearm func()

	overflow      atomic.Bool
	overflowCount atomic.Uint64
	missedPosts   atomic.Uint64
}

// New creates a reassembler from cfg, filling in defaults.
func New(cfg Config) *Reassembler {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = DefaultInboxSize
	}

	r := &Reassembler{
		name:  cfg.Name,
		ring:  NewRing(cfg.Capacity),
		inbox: make(chan Candidate, cfg.InboxSize),
		rearm: cfg.Rearm,
	}
	r.timer = NewInactivityTimer(cfg.Inactivity, r.OnInactivityTimeout)
	return r
}

// OnByteReceived stores b, re-arms the silence timer and requests the next
// byte. When the buffer is full the new byte is dropped and the overflow
// flag is raised; reassembly carries on.
func (r *Reassembler) OnByteReceived(b byte) {
	if !r.ring.Push(b) {
		r.overflow.Store(true)
		r.overflowCount.Add(1)
	}
	r.timer.Restart()
	if r.rearm != nil {
		r.rearm()
	}
}

// OnInactivityTimeout posts a candidate for everything buffered. The buffer
// is left intact; the owner decides how much of it a frame consumed.
func (r *Reassembler) OnInactivityTimeout() {
	n := r.ring.DataSize()
	if n == 0 {
		return
	}
	select {
	case r.inbox <- Candidate{Length: n, Overflowed: r.overflow.Load()}:
	default:
		r.missedPosts.Add(1)
	}
}

// Inbox delivers candidates to the owning task.
func (r *Reassembler) Inbox() <-chan Candidate {
	return r.inbox
}

// Snapshot copies the buffered bytes.
func (r *Reassembler) Snapshot() []byte {
	buf := make([]byte, r.ring.DataSize())
	n := r.ring.Peek(buf)
	return buf[:n]
}

// Consume releases the first n bytes, keeping whatever trails them.
func (r *Reassembler) Consume(n int) int {
	return r.ring.Skip(n)
}

// Reset drops all buffered bytes and any candidates not yet handled.
func (r *Reassembler) Reset() {
	r.ring.Clear()
	for {
		select {
		case <-r.inbox:
		default:
			return
		}
	}
}

// Buffered returns the number of bytes waiting for the owner.
func (r *Reassembler) Buffered() int {
	return r.ring.DataSize()
}

// Capacity returns the receive buffer size.
func (r *Reassembler) Capacity() int {
	return r.ring.Capacity()
}

// TakeOverflow reports and clears the overflow flag together with the total
// number of bytes dropped so far.
func (r *Reassembler) TakeOverflow() (bool, uint64) {
	return r.overflow.Swap(false), r.overflowCount.Load()
}

// MissedPosts counts silence notifications dropped because the inbox was
// full. The bytes stay buffered for the next candidate.
func (r *Reassembler) MissedPosts() uint64 {
	return r.missedPosts.Load()
}

// Name returns the link name.
func (r *Reassembler) Name() string {
	return r.name
}

// Stop disarms the silence timer.
func (r *Reassembler) Stop() {
	r.timer.Stop()
}
