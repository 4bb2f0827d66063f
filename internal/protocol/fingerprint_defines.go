package protocol

import "encoding/binary"

// Fingerprint sensor (ZW101 family) framing constants

const (
	FP_HEADER_SIZE     = 9 // magic(2) + address(4) + packet id(1) + length(2)
	FP_ADDRESS_OFFSET  = 2
	FP_PID_OFFSET      = 6
	FP_LENGTH_OFFSET   = 7
	FP_PAYLOAD_OFFSET  = 9
	FP_CHECKSUM_LENGTH = 2
	FP_MIN_FRAME       = FP_HEADER_SIZE + 1 + FP_CHECKSUM_LENGTH
	FP_BUFFER_SIZE     = 128
	FP_BAUD_RATE       = 57600

	// Packet identifiers
	FP_PID_COMMAND = 0x01
	FP_PID_DATA    = 0x02
	FP_PID_ACK     = 0x07
	FP_PID_END     = 0x08
)

var (
	FP_MAGIC           = []byte{0xEF, 0x01}
	FP_DEFAULT_ADDRESS = []byte{0xFF, 0xFF, 0xFF, 0xFF}
)

// FingerprintFrame: the length field counts instruction/confirmation,
// parameters and the checksum; the checksum sums packet id through the last
// parameter byte.
var FingerprintFrame = &FrameDescriptor{
	Name:           "fingerprint",
	Magic:          FP_MAGIC,
	LengthOffset:   FP_LENGTH_OFFSET,
	LengthWidth:    2,
	Order:          binary.BigEndian,
	HeaderSize:     FP_HEADER_SIZE,
	TrailerSize:    0,
	ChecksumOffset: FP_PID_OFFSET,
	ChecksumWidth:  FP_CHECKSUM_LENGTH,
	Checksum:       Sum16,
	MinSize:        FP_MIN_FRAME,
	MaxSize:        FP_BUFFER_SIZE,
}
