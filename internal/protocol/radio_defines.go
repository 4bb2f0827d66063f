package protocol

// Radio link (BLE UART module) constants

const (
	BLE_BUFFER_SIZE   = 256
	BLE_BAUD_RATE     = 115200
	BLE_MAX_PASSCODE  = 16
	BLE_AT_TIMEOUT_MS = 100
)

var (
	BLE_RESPONSE_OK    = []byte("OK\r\n")
	BLE_RESPONSE_ERROR = []byte("ERROR\r\n")
)

// RadioResponse ends an AT reply at the first OK or ERROR line.
var RadioResponse = &LineDescriptor{
	Name:        "radio",
	Terminators: [][]byte{BLE_RESPONSE_OK, BLE_RESPONSE_ERROR},
}
