package protocol

import "encoding/binary"

// Face recognition unit framing constants

const (
	FM_HEADER_SIZE    = 5 // sync(2) + msg id(1) + size(2)
	FM_MSGID_OFFSET   = 2
	FM_LENGTH_OFFSET  = 3
	FM_PAYLOAD_OFFSET = 5
	FM_PARITY_LENGTH  = 1
	FM_MIN_FRAME      = FM_HEADER_SIZE + FM_PARITY_LENGTH
	FM_BUFFER_SIZE    = 256
	FM_BAUD_RATE      = 115200
)

var FM_SYNC = []byte{0xEF, 0xAA}

// FaceFrame: the size field counts the data bytes only; parity is the XOR
// of msg id, size and data.
var FaceFrame = &FrameDescriptor{
	Name:           "face",
	Magic:          FM_SYNC,
	LengthOffset:   FM_LENGTH_OFFSET,
	LengthWidth:    2,
	Order:          binary.BigEndian,
	HeaderSize:     FM_HEADER_SIZE,
	TrailerSize:    FM_PARITY_LENGTH,
	ChecksumOffset: FM_MSGID_OFFSET,
	ChecksumWidth:  FM_PARITY_LENGTH,
	Checksum:       XOR8,
	MinSize:        FM_MIN_FRAME,
	MaxSize:        FM_BUFFER_SIZE,
}
