// Package faults holds the error taxonomy shared by the I/O engines.
// Callers match with errors.Is; producers wrap with fmt.Errorf("%w: ...").
package faults

import "errors"

var (
	// ErrFraming marks a candidate frame with bad magic, length or checksum.
	ErrFraming = errors.New("framing error")

	// ErrTimeout marks a request that saw no valid response before its deadline.
	ErrTimeout = errors.New("response timeout")

	// ErrOverflow marks bytes dropped because the receive buffer was full.
	ErrOverflow = errors.New("receive buffer overflow")

	// ErrTransferStall marks a chunked transfer whose completion never arrived.
	ErrTransferStall = errors.New("transfer stalled")

	// ErrLinkBusy marks a send attempted while another request is outstanding.
	ErrLinkBusy = errors.New("link busy")

	// ErrLink marks a transmit failure on the physical link.
	ErrLink = errors.New("link error")

	// ErrQueueFull marks a job rejected by a bounded queue.
	ErrQueueFull = errors.New("queue full")
)
