// Package aprs holds the pure APRS-IS helpers: login passcodes, grid
// locator conversion, and the text lines the relay client writes and
// reads.
package aprs

import "github.com/danmuck/js8net/internal/station"

const passcodeSeed uint16 = 0x73E2

// Passcode derives the APRS-IS login passcode for call. The SSID suffix
// and letter case do not affect the result.
func Passcode(call string) uint16 {
	root := append([]byte(station.Root(call)), 0)
	hash := passcodeSeed
	for i := 0; i+1 < len(root); i += 2 {
		hash ^= uint16(root[i]) << 8
		hash ^= uint16(root[i+1])
	}
	return hash & 0x7FFF
}

// VerifyPasscode reports whether code is the passcode for call.
func VerifyPasscode(call string, code uint16) bool {
	if station.Root(call) == "" {
		return false
	}
	return Passcode(call) == code
}
