// Package channel correlates commands with responses on one physical byte
// link and routes everything else to the owning workflow.
package channel

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/dbehnke/smartlock/internal/faults"
	"github.com/dbehnke/smartlock/internal/metrics"
	"github.com/dbehnke/smartlock/internal/protocol"
	"github.com/dbehnke/smartlock/internal/reassembly"
)

// Mode is the routing state of a channel.
type Mode int32

const (
	// Idle: no request outstanding, unsolicited frames are logged and dropped.
	Idle Mode = iota
	// AwaitingResponse: valid frames go to the waiting request only.
	AwaitingResponse
	// StreamingMode: valid frames go to the workflow's stream.
	StreamingMode
)

func (m Mode) String() string {
	switch m {
	case Idle:
		return "IDLE"
	case AwaitingResponse:
		return "AWAITING_RESPONSE"
	case StreamingMode:
		return "STREAMING"
	default:
		return "UNKNOWN"
	}
}

// Link is the transmit side of a physical connection.
type Link interface {
	Write(p []byte) (int, error)
}

// Frame is one validated frame handed out by the channel.
type Frame struct {
	Data     []byte
	Received time.Time
	seq      uint64
}

// Request describes one round trip.
type Request struct {
	Command []byte
	Timeout time.Duration     // zero uses the channel default
	Match   func([]byte) bool // nil accepts any valid frame
	After   Mode              // mode to enter once answered or abandoned
}

// Config holds channel configuration
type Config struct {
	Name            string
	Reassembler     *reassembly.Reassembler
	Link            Link
	Validator       protocol.Validator // framing of responses
	StreamValidator protocol.Validator // framing of unsolicited data, nil means Validator
	Timeout         time.Duration
	StreamBuffer    int
	Mode            Mode // initial mode
}

type pendingRequest struct {
	seq   uint64
	match func([]byte) bool
	after Mode
}

// Channel owns one link: its reassembly buffer, transmit lock and
// response-ready handle.
type Channel struct {
	name            string
	rx              *reassembly.Reassembler
	link            Link
	validator       protocol.Validator
	streamValidator protocol.Validator
	timeout         time.Duration
	logger          zerolog.Logger

	// Transmit lock. A buffered channel so acquisition can honour ctx.
	txLock chan struct{}
	// Response-ready handle; holds at most one frame.
	ready  chan Frame
	stream chan Frame

	// rxMu serialises the consumer side of the reassembly buffer together
	// with every routing decision. The interrupt path never takes it.
	rxMu         sync.Mutex
	pending      *pendingRequest
	lastRejected []byte

	mode         atomic.Int32
	seq          atomic.Uint64
	lastOverflow uint64
	// Candidate posts the reassembler could not deliver, as last reported.
	missed atomic.Uint64

	mu       sync.RWMutex
	running  bool
	shutdown chan struct{}
}

// New creates a channel; call Start to begin routing received frames.
func New(cfg Config, logger zerolog.Logger) (*Channel, error) {
	if cfg.Reassembler == nil {
		return nil, fmt.Errorf("channel %s: reassembler is required", cfg.Name)
	}
	if cfg.Link == nil {
		return nil, fmt.Errorf("channel %s: link is required", cfg.Name)
	}
	if cfg.Validator == nil {
		return nil, fmt.Errorf("channel %s: validator is required", cfg.Name)
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Reassembler.Name()
	}
	if cfg.StreamValidator == nil {
		cfg.StreamValidator = cfg.Validator
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Second
	}
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = 10
	}

	c := &Channel{
		name:            cfg.Name,
		rx:              cfg.Reassembler,
		link:            cfg.Link,
		validator:       cfg.Validator,
		streamValidator: cfg.StreamValidator,
		timeout:         cfg.Timeout,
		logger:          logger.With().Str("component", "channel").Str("link", cfg.Name).Logger(),

		txLock:   make(chan struct{}, 1),
		ready:    make(chan Frame, 1),
		stream:   make(chan Frame, cfg.StreamBuffer),
		shutdown: make(chan struct{}),
	}
	c.mode.Store(int32(cfg.Mode))
	return c, nil
}

// Start begins the receive goroutine
func (c *Channel) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("channel %s already running", c.name)
	}
	c.running = true

	go c.receiver(ctx)
	c.logger.Debug().Str("mode", c.Mode().String()).Msg("channel started")
	return nil
}

// Stop shuts down the receive goroutine
func (c *Channel) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	close(c.shutdown)
	c.running = false
	c.rx.Stop()
}

// SendAndWait transmits cmd and waits up to timeout for a valid frame.
func (c *Channel) SendAndWait(ctx context.Context, cmd []byte, timeout time.Duration) ([]byte, error) {
	return c.Do(ctx, Request{Command: cmd, Timeout: timeout})
}

// Do runs one round trip, blocking until the transmit lock is free.
func (c *Channel) Do(ctx context.Context, req Request) ([]byte, error) {
	select {
	case c.txLock <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-c.txLock }()

	return c.exchange(ctx, req)
}

// TryDo runs one round trip or fails at once with ErrLinkBusy when another
// request holds the link.
func (c *Channel) TryDo(ctx context.Context, req Request) ([]byte, error) {
	select {
	case c.txLock <- struct{}{}:
	default:
		metrics.RecordRequest(c.name, "busy", 0)
		return nil, fmt.Errorf("%w: %s has a request outstanding", faults.ErrLinkBusy, c.name)
	}
	defer func() { <-c.txLock }()

	return c.exchange(ctx, req)
}

func (c *Channel) exchange(ctx context.Context, req Request) ([]byte, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	seq := c.seq.Add(1)

	// Clear before transmitting: a fast reply must not race the reset, and a
	// late reply to an earlier request must not satisfy this one.
	c.rxMu.Lock()
	c.rx.Reset()
	c.drainReady()
	c.lastRejected = nil
	c.pending = &pendingRequest{seq: seq, match: req.Match, after: req.After}
	c.mode.Store(int32(AwaitingResponse))
	c.rxMu.Unlock()

	start := time.Now()
	if _, err := c.link.Write(req.Command); err != nil {
		c.abandon(seq)
		metrics.RecordRequest(c.name, "link_error", time.Since(start))
		return nil, fmt.Errorf("%w: %s write failed: %v", faults.ErrLink, c.name, err)
	}
	c.logger.Trace().Hex("tx", req.Command).Uint64("seq", seq).Msg("request sent")

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case f := <-c.ready:
			if f.seq != seq {
				c.logger.Debug().Uint64("seq", f.seq).Uint64("want", seq).Msg("discarding stale response")
				continue
			}
			metrics.RecordRequest(c.name, "ok", time.Since(start))
			return f.Data, nil

		case <-timer.C:
			c.abandon(seq)
			metrics.RecordRequest(c.name, "timeout", time.Since(start))
			return nil, fmt.Errorf("%w: %s no response within %v", faults.ErrTimeout, c.name, timeout)

		case <-ctx.Done():
			c.abandon(seq)
			metrics.RecordRequest(c.name, "cancelled", time.Since(start))
			return nil, ctx.Err()
		}
	}
}

// abandon leaves AwaitingResponse for a request that will not be answered.
// Whatever accumulated during the request is discarded in the same critical
// section as the mode switch so none of it leaks into the stream.
func (c *Channel) abandon(seq uint64) {
	c.rxMu.Lock()
	defer c.rxMu.Unlock()

	if c.pending == nil || c.pending.seq != seq {
		return
	}
	c.mode.Store(int32(c.pending.after))
	c.pending = nil
	c.rx.Reset()
}

func (c *Channel) drainReady() {
	for {
		select {
		case <-c.ready:
		default:
			return
		}
	}
}

// SetMode switches routing outside of a request. It fails with ErrLinkBusy
// while a request is outstanding.
func (c *Channel) SetMode(m Mode) error {
	c.rxMu.Lock()
	defer c.rxMu.Unlock()

	if c.pending != nil {
		return fmt.Errorf("%w: %s cannot change mode during a request", faults.ErrLinkBusy, c.name)
	}
	c.mode.Store(int32(m))
	return nil
}

// Mode returns the current routing mode.
func (c *Channel) Mode() Mode {
	return Mode(c.mode.Load())
}

// Frames delivers frames received in StreamingMode.
func (c *Channel) Frames() <-chan Frame {
	return c.stream
}

// LastRejected returns the bytes most recently held back while awaiting a
// response, for inspection of late or garbled replies.
func (c *Channel) LastRejected() []byte {
	c.rxMu.Lock()
	defer c.rxMu.Unlock()
	return append([]byte(nil), c.lastRejected...)
}

// Name returns the link name.
func (c *Channel) Name() string {
	return c.name
}

// receiver goroutine - turns candidates into routed frames
func (c *Channel) receiver(ctx context.Context) {
	inbox := c.rx.Inbox()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		case cand := <-inbox:
			c.reportLosses(cand.Overflowed)
			c.process()
		}
	}
}

// reportLosses turns the reassembler's interrupt-side counters into metrics
// and log lines. Missed posts lose no bytes: the next candidate still
// covers everything buffered, but bursts were merged.
func (c *Channel) reportLosses(overflowed bool) {
	if overflowed {
		if flagged, total := c.rx.TakeOverflow(); flagged {
			dropped := total - c.lastOverflow
			c.lastOverflow = total
			metrics.RecordOverflow(c.name, dropped)
			c.logger.Warn().Uint64("dropped", dropped).Int("capacity", c.rx.Capacity()).Msg("receive buffer overflow")
		}
	}
	if total, seen := c.rx.MissedPosts(), c.missed.Load(); total > seen {
		c.missed.Store(total)
		metrics.RecordMissedCandidates(c.name, total-seen)
		c.logger.Debug().Uint64("missed", total-seen).Msg("candidate inbox full, bursts merged")
	}
}

// process validates and routes every complete frame currently buffered.
func (c *Channel) process() {
	for c.step() {
	}
}

// step handles the frame at the front of the buffer and reports whether
// another pass may find more.
func (c *Channel) step() bool {
	c.rxMu.Lock()
	defer c.rxMu.Unlock()

	data := c.rx.Snapshot()
	if len(data) == 0 {
		return false
	}

	mode := Mode(c.mode.Load())
	v := c.validator
	if mode == StreamingMode {
		v = c.streamValidator
	}

	r := v.Validate(data)
	switch r.Status {
	case protocol.Incomplete:
		if len(data) >= c.rx.Capacity() {
			// A full buffer that still cannot hold the frame never will.
			c.rx.Consume(len(data))
			metrics.RecordFramingError(c.name)
			c.logger.Warn().Int("bytes", len(data)).Msg("discarding buffer that cannot complete a frame")
		}
		return false

	case protocol.Invalid:
		n := r.Consumed
		if n <= 0 || n > len(data) {
			n = len(data)
		}
		if mode == AwaitingResponse {
			c.lastRejected = append([]byte(nil), data[:n]...)
		}
		c.rx.Consume(n)
		metrics.RecordFramingError(c.name)
		c.logger.Debug().Err(r.Err).Hex("rx", data[:n]).Msg("frame rejected")
		return true
	}

	frame := Frame{Data: append([]byte(nil), data[:r.Consumed]...), Received: time.Now()}
	c.rx.Consume(r.Consumed)
	c.route(mode, frame)
	return true
}

// route delivers a valid frame according to mode. Called with rxMu held.
func (c *Channel) route(mode Mode, frame Frame) {
	switch mode {
	case AwaitingResponse:
		p := c.pending
		if p == nil || (p.match != nil && !p.match(frame.Data)) {
			c.lastRejected = frame.Data
			c.logger.Debug().Hex("rx", frame.Data).Msg("frame does not answer pending request")
			return
		}
		frame.seq = p.seq
		select {
		case c.ready <- frame:
		default:
			c.logger.Warn().Msg("response slot occupied, dropping frame")
			return
		}
		// Switching here, under rxMu, means a byte arriving right after the
		// response is routed under the next mode.
		c.mode.Store(int32(p.after))
		c.pending = nil

	case StreamingMode:
		select {
		case c.stream <- frame:
			metrics.RecordStreamFrame(c.name, "delivered")
		default:
			metrics.RecordStreamFrame(c.name, "dropped")
			c.logger.Warn().Msg("stream full, dropping frame")
		}

	default:
		metrics.RecordStreamFrame(c.name, "unsolicited")
		c.logger.Debug().Hex("rx", frame.Data).Msg("unsolicited frame while idle")
	}
}
