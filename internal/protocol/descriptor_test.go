package protocol

import (
	"bytes"
	"errors"
	"testing"

	"github.com/dbehnke/smartlock/internal/faults"
)

// Template count reply: confirmation 0x00, count 0x0003
var fpAck = []byte{0xEF, 0x01, 0xFF, 0xFF, 0xFF, 0xFF, 0x07, 0x00, 0x05, 0x00, 0x00, 0x03, 0x00, 0x0F}

func TestValidateWellFormedFrames(t *testing.T) {
	faceFrame, err := FaceFrame.Encode([]byte{0xEF, 0xAA, 0x00}, []byte{0x12, 0x00, 0x01, 0x02})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	tests := []struct {
		name     string
		desc     *FrameDescriptor
		frame    []byte
		declared int
	}{
		{name: "fingerprint ack", desc: FingerprintFrame, frame: fpAck, declared: 5},
		{name: "fingerprint command", desc: FingerprintFrame,
			frame: []byte{0xEF, 0x01, 0xFF, 0xFF, 0xFF, 0xFF, 0x01, 0x00, 0x03, 0x1D, 0x00, 0x21}, declared: 3},
		{name: "face reply", desc: FaceFrame, frame: faceFrame, declared: 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Validate(tt.frame, tt.desc)
			if r.Status != Valid {
				t.Fatalf("Status = %s (%v), want VALID", r.Status, r.Err)
			}
			want := tt.desc.HeaderSize + tt.declared + tt.desc.TrailerSize
			if r.Consumed != want {
				t.Errorf("Consumed = %d, want %d", r.Consumed, want)
			}
			if r.Consumed != len(tt.frame) {
				t.Errorf("Consumed = %d, frame is %d bytes", r.Consumed, len(tt.frame))
			}
			if r.Trailing != 0 {
				t.Errorf("Trailing = %d, want 0", r.Trailing)
			}
		})
	}
}

func TestValidateCorruptedChecksum(t *testing.T) {
	for i := len(fpAck) - 2; i < len(fpAck); i++ {
		frame := append([]byte(nil), fpAck...)
		frame[i] ^= 0x5A

		r := FingerprintFrame.Validate(frame)
		if r.Status != Invalid {
			t.Errorf("Checksum byte %d corrupted: Status = %s, want INVALID", i, r.Status)
		}
		if !errors.Is(r.Err, faults.ErrFraming) {
			t.Errorf("Err = %v, want ErrFraming", r.Err)
		}
		if !bytes.Equal(frame[:len(frame)-2], fpAck[:len(fpAck)-2]) {
			t.Errorf("Validate modified the frame body")
		}
	}

	frame := append([]byte(nil), fpAck...)
	frame[10] ^= 0x01
	if r := FingerprintFrame.Validate(frame); r.Status != Invalid {
		t.Errorf("Payload corrupted: Status = %s, want INVALID", r.Status)
	}
}

func TestValidateIncomplete(t *testing.T) {
	tests := []struct {
		name   string
		input  []byte
		needed int
	}{
		{name: "magic only", input: fpAck[:2], needed: 7},
		{name: "first magic byte", input: fpAck[:1], needed: 8},
		{name: "header only", input: fpAck[:9], needed: 5},
		{name: "missing checksum", input: fpAck[:12], needed: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := FingerprintFrame.Validate(tt.input)
			if r.Status != Incomplete {
				t.Fatalf("Status = %s, want INCOMPLETE", r.Status)
			}
			if r.Needed != tt.needed {
				t.Errorf("Needed = %d, want %d", r.Needed, tt.needed)
			}
		})
	}
}

func TestValidateBadMagicSkipsToNextFrame(t *testing.T) {
	input := append([]byte{0x00, 0x13, 0xEF}, fpAck...)

	r := FingerprintFrame.Validate(input)
	if r.Status != Invalid {
		t.Fatalf("Status = %s, want INVALID", r.Status)
	}
	if r.Consumed != 3 {
		t.Errorf("Consumed = %d, want 3", r.Consumed)
	}
	if next := FingerprintFrame.Validate(input[r.Consumed:]); next.Status != Valid {
		t.Errorf("Frame after resync: Status = %s, want VALID", next.Status)
	}
}

func TestValidateRetainsTrailingBytes(t *testing.T) {
	input := append(append([]byte(nil), fpAck...), 0xEF, 0x01, 0xFF)

	r := FingerprintFrame.Validate(input)
	if r.Status != Valid {
		t.Fatalf("Status = %s, want VALID", r.Status)
	}
	if r.Consumed != len(fpAck) {
		t.Errorf("Consumed = %d, want %d", r.Consumed, len(fpAck))
	}
	if r.Trailing != 3 {
		t.Errorf("Trailing = %d, want 3", r.Trailing)
	}
}

func TestValidateRejectsOversizeLength(t *testing.T) {
	frame := append([]byte(nil), fpAck...)
	frame[7], frame[8] = 0x01, 0x00 // 256 declared, buffer holds 128

	r := FingerprintFrame.Validate(frame)
	if r.Status != Invalid {
		t.Errorf("Status = %s, want INVALID", r.Status)
	}
}

func TestEncodeMatchesKnownCommands(t *testing.T) {
	prefix := []byte{0xEF, 0x01, 0xFF, 0xFF, 0xFF, 0xFF, 0x01}

	tests := []struct {
		name string
		body []byte
		want []byte
	}{
		{
			name: "template count",
			body: []byte{0x1D},
			want: []byte{0xEF, 0x01, 0xFF, 0xFF, 0xFF, 0xFF, 0x01, 0x00, 0x03, 0x1D, 0x00, 0x21},
		},
		{
			name: "auto enroll id 1",
			body: []byte{0x31, 0x00, 0x01, 0x02, 0x00, 0x00},
			want: []byte{0xEF, 0x01, 0xFF, 0xFF, 0xFF, 0xFF, 0x01, 0x00, 0x08, 0x31, 0x00, 0x01, 0x02, 0x00, 0x00, 0x00, 0x3D},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FingerprintFrame.Encode(prefix, tt.body)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("Encode = % X, want % X", got, tt.want)
			}
		})
	}
}

func TestEncodeRejectsBadPrefix(t *testing.T) {
	if _, err := FingerprintFrame.Encode([]byte{0xEF, 0x01}, nil); err == nil {
		t.Errorf("Expected error for short prefix")
	}
	if _, err := FingerprintFrame.Encode([]byte{0xAA, 0x01, 0xFF, 0xFF, 0xFF, 0xFF, 0x01}, nil); err == nil {
		t.Errorf("Expected error for wrong magic")
	}
}

func TestFaceParity(t *testing.T) {
	frame, err := FaceFrame.Encode([]byte{0xEF, 0xAA, 0x12}, []byte{0x00, 0x0A})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	// 0x12 ^ 0x00 ^ 0x02 ^ 0x00 ^ 0x0A
	want := []byte{0xEF, 0xAA, 0x12, 0x00, 0x02, 0x00, 0x0A, 0x1A}
	if !bytes.Equal(frame, want) {
		t.Errorf("Encode = % X, want % X", frame, want)
	}

	frame[len(frame)-1] ^= 0xFF
	if r := FaceFrame.Validate(frame); r.Status != Invalid {
		t.Errorf("Corrupted parity: Status = %s, want INVALID", r.Status)
	}
}

func TestLineDescriptor(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		status   Status
		consumed int
	}{
		{name: "ok only", input: "OK\r\n", status: Valid, consumed: 4},
		{name: "query reply", input: "+NAME:LOCK\r\nOK\r\n", status: Valid, consumed: 16},
		{name: "error", input: "ERROR\r\n", status: Valid, consumed: 7},
		{name: "partial", input: "+MAC:11223344", status: Incomplete},
		{name: "trailing payload", input: "OK\r\n1234", status: Valid, consumed: 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := RadioResponse.Validate([]byte(tt.input))
			if r.Status != tt.status {
				t.Fatalf("Status = %s, want %s", r.Status, tt.status)
			}
			if tt.status == Valid && r.Consumed != tt.consumed {
				t.Errorf("Consumed = %d, want %d", r.Consumed, tt.consumed)
			}
		})
	}
}

func TestRawAcceptsEverything(t *testing.T) {
	if r := (Raw{}).Validate([]byte("1234")); r.Status != Valid || r.Consumed != 4 {
		t.Errorf("Raw = %+v, want VALID/4", r)
	}
	if r := (Raw{}).Validate(nil); r.Status != Incomplete {
		t.Errorf("Raw(empty) = %s, want INCOMPLETE", r.Status)
	}
}
