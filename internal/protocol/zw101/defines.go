package zw101

// Instruction codes
const (
	CMD_GET_VALID_TEMPLATE_NUM = 0x1D
	CMD_AUTO_ENROLL            = 0x31
	CMD_AUTO_IDENTIFY          = 0x32
)

// Confirmation codes carried in every acknowledgement
const (
	ACK_SUCCESS           = 0x00
	ACK_FAIL              = 0x01
	ACK_NO_FINGER         = 0x21
	ACK_ENROLL_CONTINUE   = 0x22
	ACK_IDENTIFY_CONTINUE = 0x23
	ACK_BAD_FINGER        = 0x25
	ACK_GEN_FAIL          = 0x30
	ACK_DB_FULL           = 0x41
)

// AutoEnroll progress steps (param1 of the acknowledgement)
const (
	ENROLL_STEP_CHECK          = 0x00
	ENROLL_STEP_GET_IMAGE      = 0x01
	ENROLL_STEP_GEN_FEATURE    = 0x02
	ENROLL_STEP_JUDGE_FINGER   = 0x03
	ENROLL_STEP_MERGE_TEMPLATE = 0x04
	ENROLL_STEP_REGISTER_CHECK = 0x05
	ENROLL_STEP_STORE_TEMPLATE = 0x06
)

// AutoIdentify progress steps
const (
	IDENTIFY_STEP_CHECK     = 0x00
	IDENTIFY_STEP_GET_IMAGE = 0x01
	IDENTIFY_STEP_COMPARE   = 0x05
)

// Defaults used by the lock
const (
	DEFAULT_ENROLL_CAPTURES = 2
	DEFAULT_SCORE_LEVEL     = 2
	IDENTIFY_ALL_TEMPLATES  = 0xFFFF
)

// ConfirmName returns a short label for a confirmation code.
func ConfirmName(code byte) string {
	switch code {
	case ACK_SUCCESS:
		return "success"
	case ACK_FAIL:
		return "fail"
	case ACK_NO_FINGER:
		return "no finger"
	case ACK_ENROLL_CONTINUE:
		return "enroll continue"
	case ACK_IDENTIFY_CONTINUE:
		return "identify continue"
	case ACK_BAD_FINGER:
		return "bad finger"
	case ACK_GEN_FAIL:
		return "feature generation failed"
	case ACK_DB_FULL:
		return "database full"
	default:
		return "unknown"
	}
}
