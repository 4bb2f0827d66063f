// Package display moves pixel data to the panel in DMA-sized blocks and
// queues display jobs for a single consumer.
package display

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/dbehnke/smartlock/internal/faults"
	"github.com/dbehnke/smartlock/internal/metrics"
)

const (
	MAX_CHUNK         = 65534 // bytes per block, DMA counter limit
	FILL_CHUNK_PIXELS = 256
	BYTES_PER_PIXEL   = 2 // RGB565
	DEFAULT_STALL     = time.Second
)

// Region is a panel window in pixels.
type Region struct {
	X, Y          int
	Width, Height int
}

// Pixels returns the number of pixels in r.
func (r Region) Pixels() int {
	if r.Width <= 0 || r.Height <= 0 {
		return 0
	}
	return r.Width * r.Height
}

// Bytes returns the RGB565 size of r.
func (r Region) Bytes() int {
	return r.Pixels() * BYTES_PER_PIXEL
}

// Panel is the write side of the display bus. StartBlock must return at
// once; completion is reported through Engine.OnChunkComplete.
type Panel interface {
	SetWindow(r Region) error
	StartBlock(data []byte) error
}

// Engine drives block transfers to one panel.
//
// Blocks complete in the order they were started, so the engine pairs them
// by count: block n is done once n completions have arrived. A block
// abandoned on a stall stays outstanding, and no new block goes on the bus
// until it completes or a further stall period has passed.
type Engine struct {
	panel  Panel
	stall  time.Duration
	logger zerolog.Logger

	inProgress atomic.Bool
	issued     atomic.Uint64
	done       atomic.Uint64
	notify     chan struct{}

	// Serialises Transfer and FillSync; both belong to the display owner.
	mu sync.Mutex
}

// NewEngine creates an engine. A zero stall uses DEFAULT_STALL.
func NewEngine(panel Panel, stall time.Duration, logger zerolog.Logger) *Engine {
	if stall <= 0 {
		stall = DEFAULT_STALL
	}
	return &Engine{
		panel:  panel,
		stall:  stall,
		logger: logger.With().Str("component", "display").Logger(),
		notify: make(chan struct{}, 1),
	}
}

// OnChunkComplete is the completion interrupt. It never blocks. A
// completion with no block on the bus is ignored.
func (e *Engine) OnChunkComplete() {
	for {
		d := e.done.Load()
		if d >= e.issued.Load() {
			return
		}
		if e.done.CompareAndSwap(d, d+1) {
			break
		}
	}
	e.inProgress.Store(false)
	select {
	case e.notify <- struct{}{}:
	default:
	}
}

// InProgress reports whether a block is on the bus.
func (e *Engine) InProgress() bool {
	return e.inProgress.Load()
}

func (e *Engine) completed(seq uint64) bool {
	return e.done.Load() >= seq
}

type transfer struct {
	data        []byte
	transferred int
}

// startBlock puts data on the bus and returns its sequence number.
func (e *Engine) startBlock(data []byte) (uint64, error) {
	seq := e.issued.Add(1)
	e.inProgress.Store(true)
	if err := e.panel.StartBlock(data); err != nil {
		// Nothing reached the bus; count it as done.
		e.done.Store(seq)
		e.inProgress.Store(false)
		return 0, err
	}
	return seq, nil
}

// startTransfer issues the next block of t and returns its size and
// sequence number.
func (e *Engine) startTransfer(t *transfer) (int, uint64, error) {
	chunk := len(t.data) - t.transferred
	if chunk > MAX_CHUNK {
		chunk = MAX_CHUNK
	}
	seq, err := e.startBlock(t.data[t.transferred : t.transferred+chunk])
	if err != nil {
		return 0, 0, fmt.Errorf("failed to start block at %d: %w", t.transferred, err)
	}
	return chunk, seq, nil
}

// awaitIdle waits for a block left on the bus by an abandoned job. If its
// completion never comes within the stall timeout the block is written
// off and the count resynchronised. Called with mu held.
func (e *Engine) awaitIdle(ctx context.Context) error {
	if e.completed(e.issued.Load()) {
		return nil
	}
	e.logger.Debug().Msg("waiting for abandoned block to complete")

	timer := time.NewTimer(e.stall)
	defer timer.Stop()
	for !e.completed(e.issued.Load()) {
		select {
		case <-e.notify:
		case <-timer.C:
			e.done.Store(e.issued.Load())
			e.inProgress.Store(false)
			e.logger.Warn().Msg("abandoned block never completed, resetting")
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Transfer writes pixels into region, one block per completion. pixels must
// hold exactly region.Bytes() of RGB565 data; TransferRaw takes any buffer.
// A block whose completion does not arrive within the stall timeout
// abandons the job with ErrTransferStall.
func (e *Engine) Transfer(ctx context.Context, region Region, pixels []byte) error {
	if len(pixels) != region.Bytes() {
		return fmt.Errorf("image is %d bytes, region %dx%d needs %d", len(pixels), region.Width, region.Height, region.Bytes())
	}
	return e.TransferRaw(ctx, region, pixels)
}

// TransferRaw opens region and streams data to the panel without checking
// it against the window size.
func (e *Engine) TransferRaw(ctx context.Context, region Region, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("empty transfer")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.awaitIdle(ctx); err != nil {
		return err
	}
	if err := e.panel.SetWindow(region); err != nil {
		return fmt.Errorf("failed to set window: %w", err)
	}
	return e.send(ctx, data)
}

// send pushes data as a chain of blocks. Called with mu held and the bus
// idle.
func (e *Engine) send(ctx context.Context, data []byte) error {
	t := &transfer{data: data}
	timer := time.NewTimer(e.stall)
	defer timer.Stop()

	chunks := 0
	for t.transferred < len(t.data) {
		n, seq, err := e.startTransfer(t)
		if err != nil {
			metrics.RecordTransfer("error", chunks)
			return err
		}
		timer.Reset(e.stall)

		for !e.completed(seq) {
			select {
			case <-e.notify:
			case <-timer.C:
				e.inProgress.Store(false)
				metrics.RecordTransfer("stall", chunks)
				e.logger.Warn().Int("transferred", t.transferred).Int("total", len(t.data)).Msg("transfer stalled")
				return fmt.Errorf("%w: %d of %d bytes sent", faults.ErrTransferStall, t.transferred, len(t.data))
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		t.transferred += n
		chunks++
	}

	metrics.RecordTransfer("ok", chunks)
	e.logger.Debug().Int("bytes", len(t.data)).Int("chunks", chunks).Msg("transfer complete")
	return nil
}

// FillSync paints region with one RGB565 color. It reuses a 256-pixel
// buffer and spins on the in-progress handshake after each block.
func (e *Engine) FillSync(region Region, color uint16) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.awaitIdle(context.Background()); err != nil {
		return err
	}
	if err := e.panel.SetWindow(region); err != nil {
		return fmt.Errorf("failed to set window: %w", err)
	}

	var buf [FILL_CHUNK_PIXELS * BYTES_PER_PIXEL]byte
	for i := 0; i < len(buf); i += BYTES_PER_PIXEL {
		buf[i] = byte(color >> 8)
		buf[i+1] = byte(color)
	}

	remaining := region.Pixels()
	chunks := 0
	for remaining > 0 {
		n := remaining
		if n > FILL_CHUNK_PIXELS {
			n = FILL_CHUNK_PIXELS
		}

		seq, err := e.startBlock(buf[:n*BYTES_PER_PIXEL])
		if err != nil {
			metrics.RecordTransfer("error", chunks)
			return fmt.Errorf("failed to start fill block: %w", err)
		}

		start := time.Now()
		for !e.completed(seq) {
			if time.Since(start) > e.stall {
				e.inProgress.Store(false)
				metrics.RecordTransfer("stall", chunks)
				return fmt.Errorf("%w: fill block %d", faults.ErrTransferStall, chunks)
			}
			runtime.Gosched()
		}

		remaining -= n
		chunks++
	}

	// Fill completions also gave the notification; drop it.
	select {
	case <-e.notify:
	default:
	}
	metrics.RecordTransfer("ok", chunks)
	return nil
}
