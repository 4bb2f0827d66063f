// Package serialport connects a UART to a byte reassembler.
package serialport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.bug.st/serial"
)

// Read timeout of the reader loop; bounds how long Run takes to notice
// cancellation.
const pollInterval = 50 * time.Millisecond

// ByteSink receives every byte read from the UART, one at a time.
type ByteSink interface {
	OnByteReceived(b byte)
}

// Config describes one UART.
type Config struct {
	Name string
	Path string
	Baud int
}

// Port is an open UART. It implements the channel's transmit link.
type Port struct {
	name   string
	port   serial.Port
	logger zerolog.Logger

	writeMu sync.Mutex
}

// Open opens the UART at 8N1.
func Open(cfg Config, logger zerolog.Logger) (*Port, error) {
	mode := &serial.Mode{
		BaudRate: cfg.Baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(cfg.Path, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", cfg.Path, err)
	}
	port, err := wrap(cfg.Name, p, logger)
	if err != nil {
		return nil, err
	}
	port.logger.Info().Str("path", cfg.Path).Int("baud", cfg.Baud).Msg("serial port opened")
	return port, nil
}

func wrap(name string, p serial.Port, logger zerolog.Logger) (*Port, error) {
	if err := p.SetReadTimeout(pollInterval); err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to set read timeout: %w", err)
	}
	return &Port{
		name:   name,
		port:   p,
		logger: logger.With().Str("component", "serial").Str("link", name).Logger(),
	}, nil
}

// Write transmits p in full.
func (p *Port) Write(b []byte) (int, error) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	written := 0
	for written < len(b) {
		n, err := p.port.Write(b[written:])
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

// Run feeds received bytes to sink until ctx is done or the port fails.
func (p *Port) Run(ctx context.Context, sink ByteSink) error {
	buf := make([]byte, 256)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := p.port.Read(buf)
		if err != nil {
			var portErr *serial.PortError
			if errors.As(err, &portErr) && portErr.Code() == serial.PortClosed {
				return nil
			}
			return fmt.Errorf("failed to read %s: %w", p.name, err)
		}
		for _, b := range buf[:n] {
			sink.OnByteReceived(b)
		}
	}
}

// Close closes the UART; a blocked Run returns.
func (p *Port) Close() error {
	return p.port.Close()
}
