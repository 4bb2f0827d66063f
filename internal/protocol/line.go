package protocol

import "bytes"

// LineDescriptor recognises text responses that end with one of a set of
// terminators, such as an AT command reply ending in "OK\r\n".
type LineDescriptor struct {
	Name        string
	Terminators [][]byte
}

// Validate reports Valid up to the earliest terminator, Incomplete otherwise.
func (d *LineDescriptor) Validate(buf []byte) Result {
	end := -1
	for _, term := range d.Terminators {
		if i := bytes.Index(buf, term); i >= 0 {
			if stop := i + len(term); end < 0 || stop < end {
				end = stop
			}
		}
	}
	if end < 0 {
		return Result{Status: Incomplete}
	}
	return Result{Status: Valid, Consumed: end, Trailing: len(buf) - end}
}

// Raw accepts any non-empty buffer as a single frame. It is used for
// streams that only the silence timer delimits.
type Raw struct{}

func (Raw) Validate(buf []byte) Result {
	if len(buf) == 0 {
		return Result{Status: Incomplete}
	}
	return Result{Status: Valid, Consumed: len(buf)}
}
