// Package facemod speaks the sync-word framed protocol of the face
// recognition unit.
package facemod

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/dbehnke/smartlock/internal/protocol"
)

// Message is one decoded frame.
type Message struct {
	ID   byte
	Data []byte
}

// Reply is the decoded payload of a MID_REPLY message.
type Reply struct {
	Mid    byte
	Result byte
	Data   []byte
}

// VerifyResult is the data of a successful verify reply.
type VerifyResult struct {
	UserID   uint16
	UserName string
	Admin    bool
}

// Parse decodes a validated frame.
func Parse(frame []byte) (Message, error) {
	r := protocol.FaceFrame.Validate(frame)
	if r.Status != protocol.Valid {
		if r.Err != nil {
			return Message{}, r.Err
		}
		return Message{}, fmt.Errorf("face frame %s", r.Status)
	}
	size := r.Consumed
	return Message{
		ID:   frame[protocol.FM_MSGID_OFFSET],
		Data: append([]byte(nil), frame[protocol.FM_PAYLOAD_OFFSET:size-protocol.FM_PARITY_LENGTH]...),
	}, nil
}

// Reply interprets a MID_REPLY message.
func (m Message) Reply() (Reply, error) {
	if m.ID != MID_REPLY {
		return Reply{}, fmt.Errorf("message 0x%02X is not a reply", m.ID)
	}
	if len(m.Data) < 2 {
		return Reply{}, fmt.Errorf("reply carries %d bytes, need 2", len(m.Data))
	}
	return Reply{Mid: m.Data[0], Result: m.Data[1], Data: m.Data[2:]}, nil
}

// Note returns the note id of a MID_NOTE message.
func (m Message) Note() (byte, error) {
	if m.ID != MID_NOTE || len(m.Data) < 1 {
		return 0, fmt.Errorf("message 0x%02X is not a note", m.ID)
	}
	return m.Data[0], nil
}

// Verify decodes the data of a verify reply.
func (r Reply) Verify() (VerifyResult, error) {
	if len(r.Data) < 2+USER_NAME_SIZE+1 {
		return VerifyResult{}, fmt.Errorf("verify reply carries %d bytes", len(r.Data))
	}
	name := r.Data[2 : 2+USER_NAME_SIZE]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	return VerifyResult{
		UserID:   binary.BigEndian.Uint16(r.Data[0:2]),
		UserName: string(name),
		Admin:    r.Data[2+USER_NAME_SIZE] != 0,
	}, nil
}

// IsReplyTo returns a match predicate for replies to mid.
func IsReplyTo(mid byte) func([]byte) bool {
	return func(frame []byte) bool {
		m, err := Parse(frame)
		if err != nil || m.ID != MID_REPLY || len(m.Data) < 1 {
			return false
		}
		return m.Data[0] == mid
	}
}

// Build encodes a message.
func Build(id byte, data []byte) []byte {
	prefix := append(append([]byte(nil), protocol.FM_SYNC...), id)
	frame, err := protocol.FaceFrame.Encode(prefix, data)
	if err != nil {
		panic(err)
	}
	return frame
}

// Reset aborts whatever the module is doing.
func Reset() []byte {
	return Build(MID_RESET, nil)
}

// GetStatus queries the module state.
func GetStatus() []byte {
	return Build(MID_GETSTATUS, nil)
}

// Verify starts a recognition; timeout is in seconds.
func Verify(timeout byte) []byte {
	return Build(MID_VERIFY, []byte{0x00, timeout})
}

// Enroll registers a new face under name.
func Enroll(name string, admin bool, timeout byte) []byte {
	data := make([]byte, 1+USER_NAME_SIZE+2)
	if admin {
		data[0] = 1
	}
	copy(data[1:1+USER_NAME_SIZE], name)
	data[1+USER_NAME_SIZE] = 0x00 // face direction: middle
	data[2+USER_NAME_SIZE] = timeout
	return Build(MID_ENROLL, data)
}

// DeleteUser removes one enrolled face.
func DeleteUser(id uint16) []byte {
	return Build(MID_DELUSER, []byte{byte(id >> 8), byte(id)})
}

// BuildReply encodes a reply the way the module sends it.
func BuildReply(mid, result byte, data []byte) []byte {
	return Build(MID_REPLY, append([]byte{mid, result}, data...))
}

// BuildNote encodes a note the way the module sends it.
func BuildNote(nid byte, data []byte) []byte {
	return Build(MID_NOTE, append([]byte{nid}, data...))
}
