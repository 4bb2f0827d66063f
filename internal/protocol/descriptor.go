package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/dbehnke/smartlock/internal/faults"
)

// Status is the outcome class of a validation.
type Status int

const (
	Invalid Status = iota
	Incomplete
	Valid
)

func (s Status) String() string {
	switch s {
	case Invalid:
		return "INVALID"
	case Incomplete:
		return "INCOMPLETE"
	case Valid:
		return "VALID"
	default:
		return "UNKNOWN"
	}
}

// Result describes what a validator found at the front of a buffer.
//
// For Valid, Consumed is the frame size and Trailing the bytes that follow
// it. For Invalid, Consumed is how many leading bytes the caller should drop
// before looking again. For Incomplete, Needed is the number of bytes still
// missing when the length field was readable, zero otherwise.
type Result struct {
	Status   Status
	Consumed int
	Needed   int
	Trailing int
	Err      error
}

// Validator recognises one framing at the start of a buffer.
type Validator interface {
	Validate(buf []byte) Result
}

// Validate runs v over buf.
func Validate(buf []byte, v Validator) Result {
	return v.Validate(buf)
}

// ChecksumFunc folds a span of bytes into a checksum value.
type ChecksumFunc func(span []byte) uint32

// FrameDescriptor holds the constants of one magic+length+checksum framing.
//
// A frame is laid out as:
//
//	[0, HeaderSize)                      magic, fixed fields, length field
//	[HeaderSize, HeaderSize+declared)    span counted by the length field
//	[.., +TrailerSize)                   bytes after the counted span
//
// The checksum occupies the last ChecksumWidth bytes of the frame and covers
// [ChecksumOffset, size-ChecksumWidth).
type FrameDescriptor struct {
	Name           string
	Magic          []byte
	LengthOffset   int
	LengthWidth    int // 1 or 2
	Order          binary.ByteOrder
	HeaderSize     int
	TrailerSize    int
	ChecksumOffset int
	ChecksumWidth  int // 1 or 2
	Checksum       ChecksumFunc
	MinSize        int
	MaxSize        int
}

// Validate checks magic, declared length and checksum at the start of buf.
func (d *FrameDescriptor) Validate(buf []byte) Result {
	if len(buf) < len(d.Magic) {
		if bytes.HasPrefix(d.Magic, buf) {
			return Result{Status: Incomplete, Needed: d.HeaderSize - len(buf)}
		}
		return d.badMagic(buf)
	}
	if !bytes.Equal(buf[:len(d.Magic)], d.Magic) {
		return d.badMagic(buf)
	}

	if len(buf) < d.HeaderSize {
		return Result{Status: Incomplete, Needed: d.HeaderSize - len(buf)}
	}

	declared := d.readLength(buf)
	size := d.HeaderSize + declared + d.TrailerSize

	if size < d.MinSize || (d.MaxSize > 0 && size > d.MaxSize) {
		return Result{
			Status:   Invalid,
			Consumed: len(d.Magic),
			Err: fmt.Errorf("%w: %s declared length %d gives frame of %d bytes (allowed %d..%d)",
				faults.ErrFraming, d.Name, declared, size, d.MinSize, d.MaxSize),
		}
	}

	if len(buf) < size {
		return Result{Status: Incomplete, Needed: size - len(buf)}
	}

	want := d.Checksum(buf[d.ChecksumOffset : size-d.ChecksumWidth])
	got := d.readChecksum(buf[size-d.ChecksumWidth : size])
	if want != got {
		return Result{
			Status:   Invalid,
			Consumed: size,
			Err: fmt.Errorf("%w: %s checksum %0*X, computed %0*X",
				faults.ErrFraming, d.Name, d.ChecksumWidth*2, got, d.ChecksumWidth*2, want),
		}
	}

	return Result{Status: Valid, Consumed: size, Trailing: len(buf) - size}
}

// Encode builds a frame from prefix (every byte before the length field,
// starting with the magic) and body (the counted span minus the checksum).
// The length field and checksum are filled in.
func (d *FrameDescriptor) Encode(prefix, body []byte) ([]byte, error) {
	if len(prefix) != d.LengthOffset {
		return nil, fmt.Errorf("%s prefix is %d bytes, want %d", d.Name, len(prefix), d.LengthOffset)
	}
	if !bytes.HasPrefix(prefix, d.Magic) {
		return nil, fmt.Errorf("%s prefix does not start with magic %X", d.Name, d.Magic)
	}
	if d.LengthOffset+d.LengthWidth != d.HeaderSize {
		return nil, fmt.Errorf("%s length field does not end the header", d.Name)
	}

	size := d.HeaderSize + len(body) + d.ChecksumWidth
	declared := size - d.HeaderSize - d.TrailerSize
	if declared < 0 || (d.MaxSize > 0 && size > d.MaxSize) {
		return nil, fmt.Errorf("%s body of %d bytes does not fit", d.Name, len(body))
	}
	if d.LengthWidth == 1 && declared > 0xFF {
		return nil, fmt.Errorf("%s body of %d bytes overflows length field", d.Name, len(body))
	}

	frame := make([]byte, size)
	copy(frame, prefix)
	switch d.LengthWidth {
	case 1:
		frame[d.LengthOffset] = byte(declared)
	default:
		d.Order.PutUint16(frame[d.LengthOffset:], uint16(declared))
	}
	copy(frame[d.HeaderSize:], body)

	sum := d.Checksum(frame[d.ChecksumOffset : size-d.ChecksumWidth])
	switch d.ChecksumWidth {
	case 1:
		frame[size-1] = byte(sum)
	default:
		d.Order.PutUint16(frame[size-2:], uint16(sum))
	}
	return frame, nil
}

// FrameSize returns the full frame size announced by a header, or -1 when
// buf does not yet hold the length field.
func (d *FrameDescriptor) FrameSize(buf []byte) int {
	if len(buf) < d.HeaderSize {
		return -1
	}
	return d.HeaderSize + d.readLength(buf) + d.TrailerSize
}

func (d *FrameDescriptor) readLength(buf []byte) int {
	field := buf[d.LengthOffset : d.LengthOffset+d.LengthWidth]
	if d.LengthWidth == 1 {
		return int(field[0])
	}
	return int(d.Order.Uint16(field))
}

func (d *FrameDescriptor) readChecksum(field []byte) uint32 {
	if len(field) == 1 {
		return uint32(field[0])
	}
	return uint32(d.Order.Uint16(field))
}

// badMagic drops leading bytes up to the next place the magic could start.
func (d *FrameDescriptor) badMagic(buf []byte) Result {
	skip := len(buf)
	for i := 1; i < len(buf); i++ {
		rest := buf[i:]
		if len(rest) >= len(d.Magic) {
			if bytes.Equal(rest[:len(d.Magic)], d.Magic) {
				skip = i
				break
			}
		} else if bytes.HasPrefix(d.Magic, rest) {
			skip = i
			break
		}
	}
	return Result{
		Status:   Invalid,
		Consumed: skip,
		Err:      fmt.Errorf("%w: %s magic not found at frame start", faults.ErrFraming, d.Name),
	}
}
