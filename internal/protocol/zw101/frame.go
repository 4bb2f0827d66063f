// Package zw101 builds commands for, and decodes acknowledgements from, a
// ZW101-class fingerprint sensor.
package zw101

import (
	"encoding/binary"
	"fmt"

	"github.com/dbehnke/smartlock/internal/protocol"
)

// Ack is a decoded acknowledgement packet.
type Ack struct {
	Confirm byte
	Params  []byte // bytes between the confirmation code and the checksum
	Raw     []byte
}

// Param returns parameter byte i, or 0 if absent.
func (a Ack) Param(i int) byte {
	if i < len(a.Params) {
		return a.Params[i]
	}
	return 0
}

// Step returns the progress step reported by AutoEnroll/AutoIdentify.
func (a Ack) Step() byte {
	return a.Param(0)
}

// TemplateCount decodes the reply to GetValidTemplateNum.
func (a Ack) TemplateCount() (uint16, error) {
	if len(a.Params) < 2 {
		return 0, fmt.Errorf("template count reply has %d parameter bytes, need 2", len(a.Params))
	}
	return binary.BigEndian.Uint16(a.Params[0:2]), nil
}

// Match decodes the template id and score of an identify reply.
func (a Ack) Match() (id uint16, score uint16, err error) {
	if len(a.Params) < 5 {
		return 0, 0, fmt.Errorf("identify reply has %d parameter bytes, need 5", len(a.Params))
	}
	return binary.BigEndian.Uint16(a.Params[1:3]), binary.BigEndian.Uint16(a.Params[3:5]), nil
}

// Parse decodes a validated frame. It rejects anything that is not an
// acknowledgement from the default address.
func Parse(frame []byte) (Ack, error) {
	if r := protocol.FingerprintFrame.Validate(frame); r.Status != protocol.Valid {
		if r.Err != nil {
			return Ack{}, r.Err
		}
		return Ack{}, fmt.Errorf("fingerprint frame %s", r.Status)
	}
	if frame[protocol.FP_PID_OFFSET] != protocol.FP_PID_ACK {
		return Ack{}, fmt.Errorf("packet id 0x%02X is not an acknowledgement", frame[protocol.FP_PID_OFFSET])
	}
	for i, b := range protocol.FP_DEFAULT_ADDRESS {
		if frame[protocol.FP_ADDRESS_OFFSET+i] != b {
			return Ack{}, fmt.Errorf("unexpected device address %X", frame[2:6])
		}
	}

	size := protocol.FingerprintFrame.FrameSize(frame)
	body := frame[protocol.FP_PAYLOAD_OFFSET : size-protocol.FP_CHECKSUM_LENGTH]

	ack := Ack{
		Confirm: body[0],
		Params:  append([]byte(nil), body[1:]...),
		Raw:     append([]byte(nil), frame[:size]...),
	}
	return ack, nil
}

// IsAck reports whether a frame is an acknowledgement; used as a request
// match predicate.
func IsAck(frame []byte) bool {
	return len(frame) > protocol.FP_PID_OFFSET && frame[protocol.FP_PID_OFFSET] == protocol.FP_PID_ACK
}

func command(instruction byte, params ...byte) []byte {
	prefix := make([]byte, 0, protocol.FP_LENGTH_OFFSET)
	prefix = append(prefix, protocol.FP_MAGIC...)
	prefix = append(prefix, protocol.FP_DEFAULT_ADDRESS...)
	prefix = append(prefix, protocol.FP_PID_COMMAND)

	body := append([]byte{instruction}, params...)
	frame, err := protocol.FingerprintFrame.Encode(prefix, body)
	if err != nil {
		// Command bodies are fixed and small; this only trips on a broken descriptor.
		panic(err)
	}
	return frame
}

// GetValidTemplateNum asks for the number of stored templates.
func GetValidTemplateNum() []byte {
	return command(CMD_GET_VALID_TEMPLATE_NUM)
}

// AutoEnroll starts an enrolment into slot id with count captures.
func AutoEnroll(id uint16, count byte, param uint16) []byte {
	return command(CMD_AUTO_ENROLL,
		byte(id>>8), byte(id),
		count,
		byte(param>>8), byte(param))
}

// AutoIdentify starts a 1:N search (id 0xFFFF) or a 1:1 check.
func AutoIdentify(scoreLevel byte, id uint16, param uint16) []byte {
	return command(CMD_AUTO_IDENTIFY,
		scoreLevel,
		byte(id>>8), byte(id),
		byte(param>>8), byte(param))
}

// BuildAck builds an acknowledgement frame, as a sensor would send it.
func BuildAck(confirm byte, params ...byte) []byte {
	prefix := make([]byte, 0, protocol.FP_LENGTH_OFFSET)
	prefix = append(prefix, protocol.FP_MAGIC...)
	prefix = append(prefix, protocol.FP_DEFAULT_ADDRESS...)
	prefix = append(prefix, protocol.FP_PID_ACK)

	frame, err := protocol.FingerprintFrame.Encode(prefix, append([]byte{confirm}, params...))
	if err != nil {
		panic(err)
	}
	return frame
}
