package facemod

// Message ids, module to host
const (
	MID_REPLY = 0x00
	MID_NOTE  = 0x01
	MID_IMAGE = 0x02
)

// Message ids, host to module
const (
	MID_RESET       = 0x10
	MID_GETSTATUS   = 0x11
	MID_VERIFY      = 0x12
	MID_ENROLL      = 0x13
	MID_DELUSER     = 0x20
	MID_DELALL      = 0x21
	MID_GETUSERINFO = 0x22
)

// Result codes carried in replies
const (
	MR_SUCCESS             = 0x00
	MR_REJECTED            = 0x01
	MR_ABORTED             = 0x02
	MR_FAILED_CAMERA       = 0x04
	MR_FAILED_UNKNOWN      = 0x05
	MR_FAILED_INVALIDPARAM = 0x06
	MR_FAILED_NOMEMORY     = 0x07
	MR_FAILED_UNKNOWNUSER  = 0x08
	MR_FAILED_MAXUSER      = 0x09
	MR_FAILED_FACEENROLLED = 0x0A
	MR_FAILED_LIVENESS     = 0x0C
	MR_FAILED_TIMEOUT      = 0x0D
)

// Note ids
const (
	NID_READY        = 0x00
	NID_FACE_STATE   = 0x01
	NID_UNKNOWNERROR = 0x02
)

const (
	USER_NAME_SIZE         = 32
	DEFAULT_VERIFY_TIMEOUT = 10 // seconds, module side
)

// ResultName returns a short label for a result code.
func ResultName(code byte) string {
	switch code {
	case MR_SUCCESS:
		return "success"
	case MR_REJECTED:
		return "rejected"
	case MR_ABORTED:
		return "aborted"
	case MR_FAILED_CAMERA:
		return "camera failure"
	case MR_FAILED_UNKNOWN:
		return "unknown failure"
	case MR_FAILED_INVALIDPARAM:
		return "invalid parameter"
	case MR_FAILED_NOMEMORY:
		return "out of memory"
	case MR_FAILED_UNKNOWNUSER:
		return "unknown user"
	case MR_FAILED_MAXUSER:
		return "user table full"
	case MR_FAILED_FACEENROLLED:
		return "face already enrolled"
	case MR_FAILED_LIVENESS:
		return "liveness check failed"
	case MR_FAILED_TIMEOUT:
		return "timeout"
	default:
		return "unknown"
	}
}
