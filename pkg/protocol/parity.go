package protocol

import "math/bits"

// ParityOf returns the odd-parity character for payload: '1' when the
// payload has an even number of set bits, '0' when odd, so that payload
// plus bit always carries an odd number of ones. This matches the
// swapper firmware.
func ParityOf(payload string) byte {
	n := 0
	for i := 0; i < len(payload); i++ {
		n += bits.OnesCount8(payload[i])
	}
	if n%2 == 0 {
		return '1'
	}
	return '0'
}

// AppendParity returns payload followed by its parity character.
func AppendParity(payload string) string {
	return payload + string(ParityOf(payload))
}

// CheckParity reports whether the last character of line is the parity
// character of everything before it.
func CheckParity(line string) bool {
	if line == "" {
		return false
	}
	return line[len(line)-1] == ParityOf(line[:len(line)-1])
}

// SplitParity strips the trailing parity character. ok is false when the
// line is empty or its parity does not match.
func SplitParity(line string) (payload string, ok bool) {
	if !CheckParity(line) {
		if line == "" {
			return "", false
		}
		return line[:len(line)-1], false
	}
	return line[:len(line)-1], true
}
