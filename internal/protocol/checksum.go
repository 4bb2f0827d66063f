package protocol

// Sum16 adds every byte into a 16-bit accumulator, wrapping on overflow.
func Sum16(span []byte) uint32 {
	var sum uint16
	for _, b := range span {
		sum += uint16(b)
	}
	return uint32(sum)
}

// XOR8 folds every byte with exclusive-or.
func XOR8(span []byte) uint32 {
	var parity byte
	for _, b := range span {
		parity ^= b
	}
	return uint32(parity)
}
